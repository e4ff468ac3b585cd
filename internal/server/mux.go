// internal/server/mux.go
// Package server implements the local diagnostics HTTP surface of the fieldsync daemon.
// It exposes health probes, the device snapshot, the pending queue, a drain trigger
// and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/telemetry"
)

// ContextKey is used for context values to avoid collisions
type ContextKey string

const (
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	DefaultListLimit = 25  // Default number of queued reports to return
	MaxListLimit     = 100 // Maximum number of queued reports to return
)

// Device is the trust state as the presentation layer sees it.
type Device interface {
	Snapshot() model.DeviceSnapshot
}

// Queue is the read side of the offline queue.
type Queue interface {
	Pending(ctx context.Context, limit int) ([]model.PendingReport, error)
	Count(ctx context.Context) (int, error)
}

// Triggerer requests immediate runs of background jobs.
type Triggerer interface {
	Trigger(name string) bool
}

// Pinger checks local storage.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the engine parts the diagnostics surface reads.
type Deps struct {
	Store     Pinger
	Device    Device
	Queue     Queue
	Scheduler Triggerer
	DrainJob  string // Job name triggered by POST /v1/drain
	PollJob   string // Job name triggered by POST /v1/poll
	Metrics   *metrics.Metrics
}

// Mux handles HTTP requests for the diagnostics surface.
type Mux struct {
	mux     *http.ServeMux
	d       Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMux creates the diagnostics handler with every route registered.
func NewMux(d Deps, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	if d.DrainJob == "" {
		d.DrainJob = "drain"
	}
	if d.PollJob == "" {
		d.PollJob = "poll"
	}
	m := &Mux{
		mux:     http.NewServeMux(),
		d:       d,
		metrics: d.Metrics,
		logger:  logger.With("component", "server"),
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/v1/device", m.method(http.MethodGet, m.withMiddleware(m.handleDevice)))
	m.mux.HandleFunc("/v1/queue", m.method(http.MethodGet, m.withMiddleware(m.handleQueue)))
	m.mux.HandleFunc("/v1/drain", m.method(http.MethodPost, m.withMiddleware(m.handleTrigger(d.DrainJob))))
	m.mux.HandleFunc("/v1/poll", m.method(http.MethodPost, m.withMiddleware(m.handleTrigger(d.PollJob))))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			m.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", r.Header.Get("X-Correlation-Id"))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware adds a correlation id, then logs and measures the request
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		m.metrics.ObserveHTTP(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
		m.logRequest(r, rec.status, time.Since(start), correlationID)
	}
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// writeError writes an error response
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	})
}

// writeKindError answers with the status and code of a classified error
func (m *Mux) writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	m.logger.Error("request failed", "error", err, "error_kind", kind, "correlation_id", correlationIDFrom(r.Context()))
	m.writeError(w, apperrors.HTTPStatus(kind), string(kind), err.Error(), correlationIDFrom(r.Context()))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.logger.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once local storage answers
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if m.d.Store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if err := m.d.Store.Ping(ctx); err != nil {
		m.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleDevice handles GET /v1/device
func (m *Mux) handleDevice(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, m.d.Device.Snapshot())
}

type queueView struct {
	Count int                   `json:"count"`
	Items []model.PendingReport `json:"items"`
}

// handleQueue handles GET /v1/queue, oldest first
func (m *Mux) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Start(r.Context(), "server.queue")
	var err error
	defer func() { telemetry.End(span, err) }()

	limit := DefaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, perr := strconv.Atoi(limitStr); perr == nil {
			if v > 0 && v <= MaxListLimit {
				limit = v
			} else if v > MaxListLimit {
				limit = MaxListLimit
			}
		}
	}
	span.SetAttributes(attribute.Int("limit", limit))

	count, err := m.d.Queue.Count(ctx)
	if err != nil {
		m.writeKindError(w, r, err)
		return
	}
	items, err := m.d.Queue.Pending(ctx, limit)
	if err != nil {
		m.writeKindError(w, r, err)
		return
	}
	if items == nil {
		items = []model.PendingReport{}
	}
	m.writeSuccess(w, http.StatusOK, queueView{Count: count, Items: items})
}

// handleTrigger requests an immediate run of job. A trigger collapsing into a pending
// one is still accepted.
func (m *Mux) handleTrigger(job string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.d.Scheduler == nil {
			m.writeKindError(w, r, errors.New("scheduler not running"))
			return
		}
		queued := m.d.Scheduler.Trigger(job)
		m.writeSuccess(w, http.StatusAccepted, map[string]any{
			"job":    job,
			"queued": queued,
		})
	}
}
