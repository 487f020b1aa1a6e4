// Package httpapi implements the service's HTTP surface: the ingest and
// completion endpoints, a WebSocket subscriber feed, and the operational
// endpoints (liveness, readiness, metrics, admin snapshot trigger).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"callrelay/broker/internal/callerr"
	"callrelay/broker/internal/logging"
)

// IngestAck mirrors engine.IngestAck's fields without importing the engine
// package's concrete type name into this package's public surface.
type IngestAck struct {
	CallID   string
	Sequence int64
}

// CompleteResult mirrors engine.CompleteResult's fields.
type CompleteResult struct {
	Status        string
	ExpectedTotal int
}

// Engine is the minimal surface this handler set requires of the call
// engine: ingest and completion, decoupled from engine's concrete type so
// this package can be tested against a fake.
type Engine interface {
	Ingest(ctx context.Context, callID string, sequence int64, data string, timestamp float64) (IngestAck, error)
	Complete(ctx context.Context, callID string, expectedTotal int) (CompleteResult, error)
}

// ingestRequest is the JSON body accepted by the ingest endpoint.
type ingestRequest struct {
	Sequence  *int64   `json:"sequence"`
	Data      string   `json:"data"`
	Timestamp *float64 `json:"timestamp"`
}

// ingestResponse is the immediate acknowledgment body. The richer
// total_received/missing_sequences fields require the committed tracking
// state and are delivered on the packet_received event instead; they stay
// omitted here.
type ingestResponse struct {
	Status    string `json:"status"`
	CallID    string `json:"call_id"`
	Sequence  int64  `json:"sequence"`
	Duplicate bool   `json:"duplicate"`
}

// completionRequest is the JSON body accepted by the completion endpoint.
type completionRequest struct {
	TotalPackets *int `json:"total_packets"`
}

// completionResponse is the body returned by the completion endpoint.
type completionResponse struct {
	Status               string `json:"status"`
	CallID               string `json:"call_id"`
	ExpectedTotalPackets int    `json:"expected_total_packets"`
}

// validationError is the body returned on 422 responses.
type validationError struct {
	Error string `json:"error"`
}

// HandlerSet bundles the call-engine HTTP handlers.
type HandlerSet struct {
	engine  Engine
	bus     Subscribable
	log     *logging.Logger
	ops     *OpsHandlers
	metrics *Metrics
}

// Options configures a HandlerSet.
type Options struct {
	Engine  Engine
	Bus     Subscribable
	Logger  *logging.Logger
	Ops     *OpsHandlers
	Metrics *Metrics
}

// NewHandlerSet constructs a HandlerSet.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &HandlerSet{engine: opts.Engine, bus: opts.Bus, log: logger, ops: opts.Ops, metrics: opts.Metrics}
}

// Router builds the chi.Mux exposing every endpoint this package owns.
func (h *HandlerSet) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/calls/{call_id}/packets", h.handleIngest)
	r.Post("/calls/{call_id}/completion", h.handleCompletion)
	r.Get("/calls/subscriptions", h.handleSubscriptions)
	if h.ops != nil {
		r.Get("/livez", h.ops.Livez)
		r.Get("/readyz", h.ops.Readyz)
		r.Get("/metrics", h.ops.Metrics)
		r.Post("/admin/audit/snapshot", h.ops.AuditSnapshot)
	}
	return r
}

func (h *HandlerSet) handleIngest(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	logger := logging.LoggerFromContext(r.Context()).With(logging.String("call_id", callID), logging.String("handler", "ingest"))

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.countIngest("rejected")
		writeValidationError(w, "request body must be valid JSON")
		return
	}
	if req.Sequence == nil || req.Timestamp == nil {
		h.countIngest("rejected")
		writeValidationError(w, "sequence and timestamp are required")
		return
	}

	ack, err := h.engine.Ingest(r.Context(), callID, *req.Sequence, req.Data, *req.Timestamp)
	if err != nil {
		h.countIngest("rejected")
		if callerr.Is(err, callerr.InvalidInput) {
			writeValidationError(w, err.Error())
			return
		}
		logger.Error("ingest failed", logging.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.countIngest("accepted")
	writeJSON(w, http.StatusAccepted, ingestResponse{
		Status:    "accepted",
		CallID:    ack.CallID,
		Sequence:  ack.Sequence,
		Duplicate: false,
	})
}

func (h *HandlerSet) handleCompletion(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	logger := logging.LoggerFromContext(r.Context()).With(logging.String("call_id", callID), logging.String("handler", "completion"))

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.countCompletion("rejected")
		writeValidationError(w, "request body must be valid JSON")
		return
	}
	if req.TotalPackets == nil {
		h.countCompletion("rejected")
		writeValidationError(w, "total_packets is required")
		return
	}

	result, err := h.engine.Complete(r.Context(), callID, *req.TotalPackets)
	if err != nil {
		h.countCompletion("rejected")
		if callerr.Is(err, callerr.InvalidInput) {
			writeValidationError(w, err.Error())
			return
		}
		logger.Error("completion failed", logging.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.countCompletion(result.Status)
	writeJSON(w, http.StatusAccepted, completionResponse{
		Status:               result.Status,
		CallID:               callID,
		ExpectedTotalPackets: result.ExpectedTotal,
	})
}

func (h *HandlerSet) countIngest(outcome string) {
	if h.metrics != nil {
		h.metrics.IngestTotal.WithLabelValues(outcome).Inc()
	}
}

func (h *HandlerSet) countCompletion(status string) {
	if h.metrics != nil {
		h.metrics.CompletionsTotal.WithLabelValues(status).Inc()
	}
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnprocessableEntity, validationError{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
