// Package admin exposes the fabric's operational HTTP+WebSocket surface:
// liveness/readiness probes, a registry snapshot endpoint, and a read-only
// debug stream mirroring live bus traffic. Adapted from the teacher's
// internal/http admin handlers, generalized from broker-client stats to
// fleet-wide registry/bus state.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/haroldsh/fulcrum/internal/logging"
	"github.com/haroldsh/fulcrum/internal/registry"
)

// ReadinessProvider reports whether the owning service is ready to take traffic.
type ReadinessProvider interface {
	Ready() (bool, string)
	Uptime() time.Duration
}

// RegistryLister exposes the registry's full record set for the admin snapshot endpoint.
type RegistryLister interface {
	ListAll(ctx context.Context) ([]registry.Record, error)
}

// Options configures a HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Registry    RegistryLister
	Stream      *Stream
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	Compressor  Compressor
}

// HandlerSet bundles the fabric's admin HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	reg         RegistryLister
	stream      *Stream
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	compressor  Compressor
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	compressor := opts.Compressor
	if compressor == nil {
		compressor = NewGZIPCompressor()
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		reg:         opts.Registry,
		stream:      opts.Stream,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		compressor:  compressor,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.HealthzHandler())
	mux.HandleFunc("/readyz", h.ReadyzHandler())
	mux.HandleFunc("/registry/servers", h.RegistryServersHandler())
	if h.stream != nil {
		mux.HandleFunc("/debug/stream", h.DebugStreamHandler())
	}
}

// HealthzHandler reports that the admin HTTP server is reachable.
func (h *HandlerSet) HealthzHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{Status: "alive", Timestamp: h.now().UTC().Format(time.RFC3339Nano)})
	}
}

// ReadyzHandler reports whether the owning service is ready for traffic.
func (h *HandlerSet) ReadyzHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.readiness == nil {
			writeJSON(w, http.StatusOK, response{Status: "ok"})
			return
		}
		ready, message := h.readiness.Ready()
		status := http.StatusOK
		resp := response{Status: "ok", UptimeSeconds: h.readiness.Uptime().Seconds()}
		if !ready {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Message = message
		}
		writeJSON(w, status, resp)
	}
}

// RegistryServersHandler returns every known registry record, gzip-encoded
// when the caller advertises support, gated by the admin token and rate
// limiter since it exposes addresses and ports for the whole fleet.
func (h *HandlerSet) RegistryServersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(logging.String("handler", "registry_servers"), logging.String("remote_addr", r.RemoteAddr))
		if !h.authorise(r) {
			reqLogger.Warn("registry snapshot denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("registry snapshot denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.reg == nil {
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}
		records, err := h.reg.ListAll(r.Context())
		if err != nil {
			reqLogger.Error("registry snapshot failed", logging.Error(err))
			http.Error(w, "failed to list registry", http.StatusInternalServerError)
			return
		}
		payload, err := json.Marshal(records)
		if err != nil {
			reqLogger.Error("registry snapshot encode failed", logging.Error(err))
			http.Error(w, "failed to encode registry snapshot", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			compressed, err := h.compressor.Compress(payload)
			if err == nil {
				w.Header().Set("Content-Encoding", h.compressor.Name())
				w.Write(compressed)
				return
			}
			reqLogger.Warn("registry snapshot compression failed", logging.Error(err))
		}
		w.Write(payload)
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	token := bearerToken(r)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if header != "" {
		return header
	}
	if token := strings.TrimSpace(r.Header.Get("X-Admin-Token")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
