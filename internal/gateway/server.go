package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"venue_go/internal/domain"
	"venue_go/internal/event"
	"venue_go/internal/infra"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// EventSource delivers market events in topic order until ctx is cancelled.
type EventSource interface {
	Run(ctx context.Context, handle func(event.MarketEvent)) error
}

// Gateway ties the snapshot service and the hub to the market topic.
type Gateway struct {
	snaps   *SnapshotService
	hub     *Hub
	metrics *infra.Metrics
	checks  []domain.HealthChecker
	origins []string
	router  *mux.Router
}

// New builds a gateway. cache and metrics may be nil.
func New(symbols []string, cache domain.SnapshotCache, metrics *infra.Metrics, checks []domain.HealthChecker, origins []string) *Gateway {
	snaps := NewSnapshotService(symbols, cache)
	g := &Gateway{
		snaps:   snaps,
		hub:     NewHub(snaps, metrics),
		metrics: metrics,
		checks:  checks,
		origins: origins,
		router:  mux.NewRouter(),
	}
	g.router.HandleFunc("/ws", g.hub.ServeWS)
	g.router.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	g.router.HandleFunc("/healthz", g.handleHealth).Methods(http.MethodGet)
	g.router.HandleFunc("/readyz", g.handleReady).Methods(http.MethodGet)
	g.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return g
}

func (g *Gateway) Snapshots() *SnapshotService { return g.snaps }
func (g *Gateway) Hub() *Hub                   { return g.hub }

// HandleEvent updates the snapshot cache and fans the event out.
func (g *Gateway) HandleEvent(ev event.MarketEvent) {
	g.snaps.Apply(ev)
	g.hub.Broadcast(ev)
}

// Consume runs the hub and feeds it from src until ctx is cancelled.
func (g *Gateway) Consume(ctx context.Context, src EventSource) error {
	go g.hub.Run(ctx)
	slog.Info("Gateway consumer running")
	return src.Run(ctx, g.HandleEvent)
}

func (g *Gateway) Handler() http.Handler {
	origins := g.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{AllowedOrigins: origins}).Handler(g.router)
}

// Serve listens on addr until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway websocket server listening", slog.String("addr", addr))
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

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": g.hub.Count(),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(g.checks))
	status := http.StatusOK
	for _, c := range g.checks {
		if err := c.Check(ctx); err != nil {
			checks[c.Name()] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[c.Name()] = "ok"
	}

	body := map[string]interface{}{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
