package registry

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/log"
)

// API exposes the internal registration/heartbeat/deregistration surface
// consumed by forwarding nodes.
type API struct {
	reg    *Registry
	token  string // empty disables auth
	logger zerolog.Logger
}

// NewAPI wraps the registry in its REST surface.
func NewAPI(reg *Registry, token string) *API {
	return &API{
		reg:    reg,
		token:  token,
		logger: log.WithComponent("registry-api"),
	}
}

type heartbeatRequest struct {
	CurrentLoad int64 `json:"current_load"`
}

// Routes mounts the node endpoints. Registration traffic is low-volume, so
// the rate limit mostly guards against misbehaving nodes.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(300, time.Minute))
	r.Use(a.requireToken)
	r.Post("/nodes", a.handleRegister)
	r.Get("/nodes", a.handleList)
	r.Post("/nodes/{id}/heartbeat", a.handleHeartbeat)
	r.Delete("/nodes/{id}", a.handleDeregister)
	return r
}

func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			a.logger.Warn().
				Str("remote", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("registry auth failed")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var desc Descriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if desc.ID == "" || desc.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "id and endpoint are required")
		return
	}
	if desc.Capacity < 1 {
		writeError(w, http.StatusBadRequest, "capacity must be at least 1")
		return
	}
	node := a.reg.Upsert(desc)
	writeJSON(w, http.StatusOK, node)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	node, err := a.reg.Heartbeat(id, req.CurrentLoad)
	if errors.Is(err, ErrUnknownNode) {
		writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.reg.Deregister(id); errors.Is(err, ErrUnknownNode) {
		writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.reg.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
