package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"venue_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the relational store behind orders, trades, sequences, the outbox and idempotency keys.
type Storage struct {
	db     *gorm.DB
	driver string
}

var models = []interface{}{
	&domain.OrderRecord{},
	&domain.TradeRecord{},
	&domain.SymbolSequence{},
	&domain.OutboxRecord{},
	&domain.IdempotencyRecord{},
	&domain.ProcessedCommand{},
}

// NewStorage opens the database for the configured driver and migrates the schema.
func NewStorage(driver, dsn string) (*Storage, error) {
	var dialector gorm.Dialector

	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		driver = "sqlite"
		if dir := filepath.Dir(sqlitePath(dsn)); dir != "." && !strings.HasPrefix(dsn, "file::memory:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		dialector = sqlite.Open(withSQLitePragmas(dsn))
	default:
		return nil, &domain.ConfigError{Field: "database.driver", Err: fmt.Errorf("unsupported driver %q", driver)}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		// One writer at a time; concurrent connections only produce SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db, driver: driver}, nil
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Name implements domain.HealthChecker.
func (s *Storage) Name() string { return "database" }

// Check pings the database.
func (s *Storage) Check(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Order Queries
// ======================================================================================

// LoadRestingOrders returns open and partially filled limit orders in
// symbol, sequence order so books can be rebuilt with time priority intact.
func (s *Storage) LoadRestingOrders(ctx context.Context) ([]domain.Order, error) {
	var recs []domain.OrderRecord
	err := s.db.WithContext(ctx).
		Where("status IN ? AND type = ?", []domain.OrderStatus{domain.OrderStatusOpen, domain.OrderStatusPartial}, domain.OrderTypeLimit).
		Order("symbol, sequence").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(recs))
	for i := range recs {
		orders = append(orders, recs[i].ToOrder())
	}
	return orders, nil
}

// LoadRestingOrdersFor is LoadRestingOrders limited to one symbol.
func (s *Storage) LoadRestingOrdersFor(ctx context.Context, symbol string) ([]domain.Order, error) {
	var recs []domain.OrderRecord
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status IN ? AND type = ?", symbol, []domain.OrderStatus{domain.OrderStatusOpen, domain.OrderStatusPartial}, domain.OrderTypeLimit).
		Order("sequence").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(recs))
	for i := range recs {
		orders = append(orders, recs[i].ToOrder())
	}
	return orders, nil
}

// LastSequence returns the last sequence allocated for symbol (0 if none).
func (s *Storage) LastSequence(ctx context.Context, symbol string) (int64, error) {
	var row domain.SymbolSequence
	err := s.db.WithContext(ctx).First(&row, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return row.LastSequence, err
}
