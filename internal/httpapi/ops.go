package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callrelay/broker/internal/logging"
)

// ReadinessProvider exposes engine state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// SnapshotTrigger produces an immediate audit snapshot and returns the
// artefact location.
type SnapshotTrigger interface {
	TriggerSnapshot() (string, error)
}

// SnapshotTriggerFunc adapts a function into a SnapshotTrigger.
type SnapshotTriggerFunc func() (string, error)

// TriggerSnapshot implements SnapshotTrigger.
func (f SnapshotTriggerFunc) TriggerSnapshot() (string, error) { return f() }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// SubscriberCounter reports the current event-bus subscriber count for the
// readiness body.
type SubscriberCounter interface {
	SubscriberCount() int
}

// OpsOptions configures the operational handler set.
type OpsOptions struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Subscribers SubscriberCounter
	Snapshot    SnapshotTrigger
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	Gatherer    prometheus.Gatherer
}

// OpsHandlers bundles the liveness, readiness, metrics, and admin handlers.
type OpsHandlers struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	subscribers SubscriberCounter
	snapshot    SnapshotTrigger
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	metrics     http.Handler
}

// NewOpsHandlers constructs an OpsHandlers using the provided options.
func NewOpsHandlers(opts OpsOptions) *OpsHandlers {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &OpsHandlers{
		logger:      logger,
		readiness:   opts.Readiness,
		subscribers: opts.Subscribers,
		snapshot:    opts.Snapshot,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		metrics:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

// Livez reports that the HTTP server is reachable.
func (h *OpsHandlers) Livez(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	writeJSON(w, http.StatusOK, response{
		Status:    "alive",
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	})
}

// Readyz reports call-engine readiness, including uptime and the current
// subscriber count.
func (h *OpsHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Subscribers   int     `json:"subscribers"`
	}
	status := http.StatusOK
	resp := response{Status: "ok"}
	if h.subscribers != nil {
		resp.Subscribers = h.subscribers.SubscriberCount()
	}
	if h.readiness != nil {
		resp.UptimeSeconds = h.readiness.Uptime().Seconds()
		if err := h.readiness.StartupError(); err != nil {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Message = err.Error()
		}
	}
	writeJSON(w, status, resp)
}

// Metrics serves the Prometheus exposition endpoint.
func (h *OpsHandlers) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

// AuditSnapshot authorises and triggers an immediate audit snapshot.
func (h *OpsHandlers) AuditSnapshot(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	reqLogger := h.logger.With(
		logging.String("handler", "audit_snapshot"),
		logging.String("remote_addr", r.RemoteAddr),
	)
	if h.adminToken == "" {
		reqLogger.Warn("audit snapshot denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return
	}
	if !h.authorise(r) {
		reqLogger.Warn("audit snapshot denied: unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow() {
		reqLogger.Warn("audit snapshot denied: rate limit exceeded")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if h.snapshot == nil {
		reqLogger.Warn("audit snapshot denied: no snapshot writer configured")
		http.Error(w, "audit snapshots are unavailable", http.StatusServiceUnavailable)
		return
	}
	location, err := h.snapshot.TriggerSnapshot()
	if err != nil {
		reqLogger.Error("audit snapshot failed", logging.Error(err))
		http.Error(w, "failed to write audit snapshot", http.StatusInternalServerError)
		return
	}
	reqLogger.Info("audit snapshot triggered")
	writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
}

func (h *OpsHandlers) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}
