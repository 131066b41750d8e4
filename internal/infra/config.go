package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"venue_go/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSymbols are the books every service knows about at startup.
var DefaultSymbols = []string{"BTC-USD", "ETH-USD", "SOL-USD"}

// Config holds every setting of the three services.
// LoadConfig reads the YAML file first and then lets environment variables override secrets and endpoints.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Env     string `yaml:"env"`
	} `yaml:"app"`

	HTTP struct {
		Addr           string   `yaml:"addr"`
		GatewayAddr    string   `yaml:"gateway_addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`

	Database struct {
		Driver string `yaml:"driver"` // "sqlite" or "postgres"
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		ClientID     string   `yaml:"client_id"`
		OrderTopic   string   `yaml:"order_topic"`
		MarketTopic  string   `yaml:"market_topic"`
		MatcherGroup string   `yaml:"matcher_group"`
		GatewayGroup string   `yaml:"gateway_group"`
	} `yaml:"kafka"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimit struct {
		IPPerMin   int `yaml:"ip_per_min"`
		UserPerMin int `yaml:"user_per_min"`
		TimeoutMS  int `yaml:"timeout_ms"`
	} `yaml:"rate_limit"`

	Outbox struct {
		IntervalMS     int `yaml:"interval_ms"`
		BatchSize      int `yaml:"batch_size"`
		RetentionHours int `yaml:"retention_hours"`
	} `yaml:"outbox"`

	Idempotency struct {
		RetentionHours int `yaml:"retention_hours"`
		TimeoutMS      int `yaml:"timeout_ms"`
	} `yaml:"idempotency"`

	Cleanup struct {
		IntervalMS int `yaml:"interval_ms"`
	} `yaml:"cleanup"`

	Book struct {
		Symbols     []string `yaml:"symbols"`
		CacheTTLSec int      `yaml:"cache_ttl_sec"`
	} `yaml:"book"`

	Matcher struct {
		LaneInbox int    `yaml:"lane_inbox"`
		DumpDir   string `yaml:"dump_dir"`
		OpsAddr   string `yaml:"ops_addr"`
	} `yaml:"matcher"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
// A missing file is not fatal: defaults and the environment still apply.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &domain.ConfigError{Field: path, Err: err}
		}
	case errors.Is(err, os.ErrNotExist):
		// env-only deployment
	default:
		return nil, err
	}

	cfg.applyDefaults()

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "venue"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":4000"
	}
	if c.HTTP.GatewayAddr == "" {
		c.HTTP.GatewayAddr = ":4001"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "data/venue.db"
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "venue"
	}
	if c.Kafka.OrderTopic == "" {
		c.Kafka.OrderTopic = "orders.commands"
	}
	if c.Kafka.MarketTopic == "" {
		c.Kafka.MarketTopic = "market.events"
	}
	if c.Kafka.MatcherGroup == "" {
		c.Kafka.MatcherGroup = "matcher"
	}
	if c.Kafka.GatewayGroup == "" {
		c.Kafka.GatewayGroup = "gateway"
	}
	if c.RateLimit.IPPerMin == 0 {
		c.RateLimit.IPPerMin = 120
	}
	if c.RateLimit.UserPerMin == 0 {
		c.RateLimit.UserPerMin = 60
	}
	if c.RateLimit.TimeoutMS == 0 {
		c.RateLimit.TimeoutMS = 50
	}
	if c.Outbox.IntervalMS == 0 {
		c.Outbox.IntervalMS = 500
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.RetentionHours == 0 {
		c.Outbox.RetentionHours = 24
	}
	if c.Idempotency.RetentionHours == 0 {
		c.Idempotency.RetentionHours = 24
	}
	if c.Idempotency.TimeoutMS == 0 {
		c.Idempotency.TimeoutMS = 250
	}
	if c.Cleanup.IntervalMS == 0 {
		c.Cleanup.IntervalMS = int((5 * time.Minute).Milliseconds())
	}
	if len(c.Book.Symbols) == 0 {
		c.Book.Symbols = append([]string(nil), DefaultSymbols...)
	}
	if c.Book.CacheTTLSec == 0 {
		c.Book.CacheTTLSec = 5
	}
	if c.Matcher.LaneInbox == 0 {
		c.Matcher.LaneInbox = 256
	}
	if c.Matcher.OpsAddr == "" {
		c.Matcher.OpsAddr = ":4002"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return &domain.ConfigError{Field: "database.driver", Err: fmt.Errorf("unsupported driver %q", c.Database.Driver)}
	}
	if c.Database.DSN == "" {
		return &domain.ConfigError{Field: "database.dsn", Err: errors.New("required")}
	}
	if c.Kafka.OrderTopic == c.Kafka.MarketTopic {
		return &domain.ConfigError{Field: "kafka.market_topic", Err: errors.New("must differ from order topic")}
	}
	if c.RateLimit.IPPerMin < 0 || c.RateLimit.UserPerMin < 0 {
		return &domain.ConfigError{Field: "rate_limit", Err: errors.New("capacities must not be negative")}
	}
	if c.Outbox.BatchSize <= 0 {
		return &domain.ConfigError{Field: "outbox.batch_size", Err: errors.New("must be positive")}
	}
	if c.Outbox.IntervalMS <= 0 {
		return &domain.ConfigError{Field: "outbox.interval_ms", Err: errors.New("must be positive")}
	}
	if c.Redis.URL != "" && !hasPrefix(c.Redis.URL, "redis://") && !hasPrefix(c.Redis.URL, "rediss://") {
		return &domain.ConfigError{Field: "redis.url", Err: fmt.Errorf("invalid URL: %s", c.Redis.URL)}
	}
	return nil
}

func (c *Config) OutboxInterval() time.Duration {
	return time.Duration(c.Outbox.IntervalMS) * time.Millisecond
}

func (c *Config) OutboxRetention() time.Duration {
	return time.Duration(c.Outbox.RetentionHours) * time.Hour
}

func (c *Config) IdempotencyRetention() time.Duration {
	return time.Duration(c.Idempotency.RetentionHours) * time.Hour
}

func (c *Config) IdempotencyTimeout() time.Duration {
	return time.Duration(c.Idempotency.TimeoutMS) * time.Millisecond
}

// CleanupInterval never returns less than one minute.
func (c *Config) CleanupInterval() time.Duration {
	d := time.Duration(c.Cleanup.IntervalMS) * time.Millisecond
	if d < time.Minute {
		return time.Minute
	}
	return d
}

func (c *Config) RateLimitTimeout() time.Duration {
	return time.Duration(c.RateLimit.TimeoutMS) * time.Millisecond
}

func (c *Config) BookCacheTTL() time.Duration {
	return time.Duration(c.Book.CacheTTLSec) * time.Second
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv overwrites settings with environment variables when present.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		cfg.HTTP.GatewayAddr = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("JWT_ACCESS_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
