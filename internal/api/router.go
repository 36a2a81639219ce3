// Package api assembles the daemon's HTTP surface: the gateway WebSocket
// endpoint, the internal node-registry routes and the health probes.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/parley-im/parley/internal/log"
)

// Deps are the handlers wired into the router.
type Deps struct {
	// GatewayWS upgrades and runs gateway connections.
	GatewayWS http.HandlerFunc
	// Registry is the node registration surface; nil when the external
	// voice backend is active.
	Registry chi.Router
	// Ready reports readiness; nil means always ready.
	Ready func() error
	// Version is reported on the health endpoints.
	Version string
}

// NewRouter builds the daemon router.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Route("/gateway", func(r chi.Router) {
		// Handshakes are cheap to request and expensive to serve; cap the
		// per-IP connect rate.
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Get("/", deps.GatewayWS)
	})

	if deps.Registry != nil {
		r.Mount("/api/v1/voice", deps.Registry)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": deps.Version,
		})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"reason": err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	return otelhttp.NewHandler(r, "parley")
}

// requestLogger emits one structured line per request. WebSocket upgrades
// log on connect since the connection outlives the handler.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
