package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"venue_go/internal/auth"
	"venue_go/internal/domain"
	"venue_go/internal/idempotency"
	"venue_go/internal/infra"
	"venue_go/internal/ratelimit"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Deps are the collaborators of the intake server. Cache, Limiter and Metrics may be nil.
type Deps struct {
	Publisher      domain.CommandPublisher
	Gate           *idempotency.Gate
	Cache          domain.SnapshotCache
	Verifier       auth.Verifier
	Limiter        *ratelimit.Limiter
	Metrics        *infra.Metrics
	Checks         []domain.HealthChecker
	AllowedOrigins []string
}

// Server handles command intake and book reads.
type Server struct {
	deps   Deps
	router *mux.Router
	now    func() time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.metricsMiddleware)
	if s.deps.Verifier != nil {
		s.router.Use(auth.Optional(s.deps.Verifier))
	}
	if s.deps.Limiter != nil {
		s.router.Use(ratelimit.Middleware(s.deps.Limiter))
	}

	s.router.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/book/{symbol}", s.handleGetBook).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Idempotency-Key", "Idempotency-Key"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.deps.Metrics.ObserveHTTP(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": s.now().UnixMilli(),
	})
}

// handleReady runs every dependency check concurrently.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		healthy = true
		checks  = make(map[string]string, len(s.deps.Checks))
	)
	for _, c := range s.deps.Checks {
		wg.Add(1)
		go func(c domain.HealthChecker) {
			defer wg.Done()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				healthy = false
				checks[c.Name()] = err.Error()
				return
			}
			checks[c.Name()] = "ok"
		}(c)
	}
	wg.Wait()

	if !healthy {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "checks": checks})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "checks": checks})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	symbol := domain.NormalizeSymbol(mux.Vars(r)["symbol"])

	if s.deps.Cache != nil {
		snap, err := s.deps.Cache.LoadSnapshot(r.Context(), symbol)
		if err != nil {
			slog.Warn("Book cache read failed", slog.String("symbol", symbol), slog.Any("error", err))
		}
		if snap != nil {
			respondJSON(w, http.StatusOK, snap)
			return
		}
	}
	respondJSON(w, http.StatusOK, domain.EmptySnapshot(symbol))
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Status: "error", Message: message})
}
