// internal/server/mux_test.go
// Package server provides unit tests for the diagnostics handlers and routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/storage"
)

type fakeDevice struct{ snap model.DeviceSnapshot }

func (d fakeDevice) Snapshot() model.DeviceSnapshot { return d.snap }

type fakeQueue struct {
	items    []model.PendingReport
	err      error
	gotLimit int
}

func (q *fakeQueue) Pending(_ context.Context, limit int) ([]model.PendingReport, error) {
	q.gotLimit = limit
	return q.items, q.err
}

func (q *fakeQueue) Count(context.Context) (int, error) { return len(q.items), q.err }

type fakeScheduler struct {
	triggered []string
	pending   map[string]bool
}

func (s *fakeScheduler) Trigger(name string) bool {
	s.triggered = append(s.triggered, name)
	if s.pending[name] {
		return false
	}
	if s.pending == nil {
		s.pending = map[string]bool{}
	}
	s.pending[name] = true
	return true
}

type failingStore struct{}

func (failingStore) Ping(context.Context) error { return errors.New("database is locked") }

func newTestMux(q *fakeQueue, sched *fakeScheduler) http.Handler {
	return NewMux(Deps{
		Store: storage.NewMemory(),
		Device: fakeDevice{snap: model.SnapshotOf(model.TrustRecord{
			DeviceID: "dev-1",
			Status:   model.StatusActive,
		})},
		Queue:     q,
		Scheduler: sched,
	}, nil)
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// TestHealthzEndpoint verifies that /healthz answers 200 "ok".
func TestHealthzEndpoint(t *testing.T) {
	rr := serve(newTestMux(&fakeQueue{}, &fakeScheduler{}), http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), "ok")
	}
}

// TestReadyzEndpoint verifies that /readyz follows the storage ping.
func TestReadyzEndpoint(t *testing.T) {
	rr := serve(newTestMux(&fakeQueue{}, &fakeScheduler{}), http.MethodGet, "/readyz")
	if rr.Code != http.StatusOK {
		t.Errorf("ready status = %v, want %v", rr.Code, http.StatusOK)
	}

	down := NewMux(Deps{Store: failingStore{}, Device: fakeDevice{}, Queue: &fakeQueue{}}, nil)
	rr = serve(down, http.MethodGet, "/readyz")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready status = %v, want %v", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestDeviceEndpoint(t *testing.T) {
	rr := serve(newTestMux(&fakeQueue{}, &fakeScheduler{}), http.MethodGet, "/v1/device")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %v, want %v", rr.Code, http.StatusOK)
	}
	if rr.Header().Get("X-Correlation-Id") == "" {
		t.Errorf("missing X-Correlation-Id header")
	}
	var body struct {
		Data model.DeviceSnapshot `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.DeviceID != "dev-1" || !body.Data.IsActivated || body.Data.StatusText != "Welcome home" {
		t.Errorf("snapshot = %+v", body.Data)
	}
}

func TestQueueEndpoint(t *testing.T) {
	q := &fakeQueue{items: []model.PendingReport{{
		QueuedReport: model.QueuedReport{ID: 1, LocalUUID: "u-1", Category: model.CategoryFind, Room: 3, LastError: "TRANSIENT"},
		Photos:       []model.QueuedPhoto{{ID: 1, ReportID: 1, Index: 0, LocalPath: "/q/u-1/photo_0.jpg"}},
	}}}
	h := newTestMux(q, &fakeScheduler{})

	rr := serve(h, http.MethodGet, "/v1/queue?limit=500")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %v, want %v", rr.Code, http.StatusOK)
	}
	if q.gotLimit != MaxListLimit {
		t.Errorf("limit = %d, want %d", q.gotLimit, MaxListLimit)
	}
	var body struct {
		Data queueView `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Count != 1 || len(body.Data.Items) != 1 {
		t.Fatalf("queue = %+v, want one item", body.Data)
	}
	if body.Data.Items[0].LastError != "TRANSIENT" {
		t.Errorf("lastError = %q, want TRANSIENT", body.Data.Items[0].LastError)
	}

	serve(h, http.MethodGet, "/v1/queue")
	if q.gotLimit != DefaultListLimit {
		t.Errorf("default limit = %d, want %d", q.gotLimit, DefaultListLimit)
	}
}

func TestQueueEndpointError(t *testing.T) {
	rr := serve(newTestMux(&fakeQueue{err: errors.New("disk I/O error")}, &fakeScheduler{}), http.MethodGet, "/v1/queue")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rr.Body.String(), `"code":"FATAL"`) {
		t.Errorf("body = %s, want FATAL code", rr.Body.String())
	}
}

func TestDrainTrigger(t *testing.T) {
	sched := &fakeScheduler{}
	h := newTestMux(&fakeQueue{}, sched)

	rr := serve(h, http.MethodPost, "/v1/drain")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %v, want %v", rr.Code, http.StatusAccepted)
	}
	if !strings.Contains(rr.Body.String(), `"queued":true`) {
		t.Errorf("body = %s, want queued", rr.Body.String())
	}

	rr = serve(h, http.MethodPost, "/v1/drain")
	if !strings.Contains(rr.Body.String(), `"queued":false`) {
		t.Errorf("second trigger body = %s, want collapsed", rr.Body.String())
	}

	serve(h, http.MethodPost, "/v1/poll")
	if len(sched.triggered) != 3 || sched.triggered[0] != "drain" || sched.triggered[2] != "poll" {
		t.Errorf("triggered = %v", sched.triggered)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	sched := &fakeScheduler{}
	rr := serve(newTestMux(&fakeQueue{}, sched), http.MethodGet, "/v1/drain")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %v, want %v", rr.Code, http.StatusMethodNotAllowed)
	}
	if len(sched.triggered) != 0 {
		t.Errorf("GET triggered a drain")
	}
}

func TestCorrelationIDPropagates(t *testing.T) {
	h := newTestMux(&fakeQueue{}, &fakeScheduler{})
	req := httptest.NewRequest(http.MethodGet, "/v1/device", nil)
	req.Header.Set("X-Correlation-Id", "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-Id"); got != "abc-123" {
		t.Errorf("X-Correlation-Id = %q, want abc-123", got)
	}
}
