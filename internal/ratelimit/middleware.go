package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"venue_go/internal/auth"
)

// exempt paths never consume tokens.
var exempt = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

type limitResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Reset   int    `json:"reset"`
}

// Middleware rejects requests over either bucket with 429. It must run after auth.Optional
// so the user bucket sees the authenticated user.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			userID, _ := auth.UserFrom(r.Context())
			res := l.Allow(r.Context(), ClientIP(r), userID)
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			reset := int(res.RetryAfter.Seconds())
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(reset))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(limitResponse{
				Status:  "error",
				Message: "Rate limit exceeded (" + res.Scope + ")",
				Reset:   reset,
			})
		})
	}
}

// ClientIP prefers the first X-Forwarded-For hop, then the connection address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
