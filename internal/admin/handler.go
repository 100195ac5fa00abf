// Package admin exposes the operator surface of the replicator: health,
// Prometheus metrics, key inspection and rotation, and pipeline statistics.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"replicator/internal/keystore"
	"replicator/internal/listener"
	"replicator/internal/replicator"
)

// Config carries the handler's collaborators. Token guards everything except
// health and metrics; an empty token leaves the admin surface open, which is
// only acceptable on a loopback bind.
type Config struct {
	Keys     *keystore.Store
	Pipeline *replicator.Pipeline
	Listener *listener.Listener
	Registry *prometheus.Registry
	Token    string
	Logger   *slog.Logger
}

// Handler wires the admin endpoints to the running pipeline.
type Handler struct {
	cfg Config
	log *slog.Logger
}

// New constructs an admin handler with its dependencies.
func New(cfg Config) (*Handler, error) {
	if cfg.Keys == nil {
		return nil, errors.New("key store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Token == "" {
		cfg.Logger.Warn("admin token not set, admin endpoints are unauthenticated")
	}
	return &Handler{cfg: cfg, log: cfg.Logger}, nil
}

// Router builds the admin HTTP router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HandleHealth)
	if h.cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.cfg.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/keys", h.HandleListKeys)
		r.Post("/keys/rotate", h.HandleRotateKey)
		r.Get("/stats", h.HandleStats)
	})
	return r
}

// HandleHealth handles GET /health requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleListKeys handles GET /keys requests. Responses carry key metadata
// only, never key material.
func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": h.cfg.Keys.List()})
}

// RotateRequest is the POST /keys/rotate body. Only public key material is
// accepted; private keys are generated and kept off this host.
type RotateRequest struct {
	KeyID        string `json:"key_id"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// HandleRotateKey handles POST /keys/rotate requests: it registers the new
// generation as active and retires the previous one. Envelopes already
// sealed under retired generations remain decryptable at the recovery site.
func (h *Handler) HandleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.KeyID == "" {
		writeError(w, http.StatusBadRequest, "key_id is required")
		return
	}

	pub, err := keystore.ParsePublicKey([]byte(req.PublicKeyPEM))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid public key PEM")
		return
	}

	if err := h.cfg.Keys.Rotate(req.KeyID, pub); err != nil {
		if errors.Is(err, keystore.ErrDuplicateKeyID) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.log.Error("key rotation failed", "key_id", req.KeyID, "error", err)
		writeError(w, http.StatusInternalServerError, "rotation failed")
		return
	}

	h.log.Info("encryption key rotated", "key_id", req.KeyID)
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id": req.KeyID,
		"state":  keystore.StateActive,
	})
}

// StatsResponse is the GET /stats body.
type StatsResponse struct {
	ListenerState string `json:"listener_state"`
	replicator.Stats
}

// HandleStats handles GET /stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{ListenerState: "unknown"}
	if h.cfg.Listener != nil {
		resp.ListenerState = h.cfg.Listener.State().String()
	}
	if h.cfg.Pipeline != nil {
		resp.Stats = h.cfg.Pipeline.Stats(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Token != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + h.cfg.Token
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing admin token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
