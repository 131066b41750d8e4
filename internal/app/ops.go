package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// ServeOps exposes /health, /readyz and /metrics for services without a public API.
func (b *Bootstrap) ServeOps(ctx context.Context, addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": b.Service})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", b.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", b.Metrics.Handler()).Methods(http.MethodGet)

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Ops server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (b *Bootstrap) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, body := http.StatusOK, map[string]interface{}{"status": "ok"}
	checks := make(map[string]string)
	for _, c := range b.Checks() {
		if err := c.Check(ctx); err != nil {
			checks[c.Name()] = err.Error()
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			continue
		}
		checks[c.Name()] = "ok"
	}
	body["checks"] = checks
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
