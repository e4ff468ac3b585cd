// Package conformance provides an end-to-end harness that runs the real fieldsync
// engine against an in-process central service.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/app"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/config"
	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/photo"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/queue"
)

// Harness couples a fake central service with a real engine.
type Harness struct {
	central     *Central
	centralSrv  *httptest.Server
	engine      *app.Engine
	diagnostics *httptest.Server
	cfg         config.Config
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// DataDir holds the engine's identity files and queued photos
	DataDir string

	// DatabaseDSN selects the local store; empty means a SQLite file under DataDir
	DatabaseDSN string
}

// NewHarness starts the central service and builds an engine pointed at it.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("conformance: DataDir is required")
	}
	central := NewCentral()
	centralSrv := httptest.NewServer(central.Handler())

	engineCfg := config.Config{
		Env:                "test",
		ServerURL:          centralSrv.URL,
		DataDir:            cfg.DataDir,
		DatabaseDSN:        cfg.DatabaseDSN,
		KeyPassphrase:      "conformance-passphrase",
		DisplayName:        "Front desk",
		AppVersion:         "conformance",
		HTTPConnectTimeout: 2 * time.Second,
		HTTPTimeout:        5 * time.Second,
		SubmitTimeout:      5 * time.Second,
		PhotoMaxSide:       64,
		PhotoQuality:       80,
		PhotoMaxBytes:      1_800_000,
		QueueMaxReports:    50,
		ImmediateBatch:     10,
		PeriodicBatch:      50,
		PollDrainBatch:     5,
		DrainInterval:      15 * time.Minute,
		PollInterval:       15 * time.Minute,
		BackoffMin:         10 * time.Millisecond,
		BackoffMax:         50 * time.Millisecond,
		ActivationCheckMin: 10 * time.Millisecond,
		ActivationCheckMax: 50 * time.Millisecond,
	}
	if engineCfg.DatabaseDSN == "" {
		engineCfg.DatabaseDSN = filepath.Join(cfg.DataDir, "fieldsync.db")
	}

	engine, err := app.New(context.Background(), engineCfg, nil)
	if err != nil {
		centralSrv.Close()
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	return &Harness{
		central:     central,
		centralSrv:  centralSrv,
		engine:      engine,
		diagnostics: httptest.NewServer(engine.Handler()),
		cfg:         engineCfg,
	}, nil
}

// Central exposes the fake central service.
func (h *Harness) Central() *Central { return h.central }

// Engine exposes the engine under test.
func (h *Harness) Engine() *app.Engine { return h.engine }

// Close shuts down both servers and the engine.
func (h *Harness) Close() {
	h.diagnostics.Close()
	_ = h.engine.Close()
	h.centralSrv.Close()
}

// RunConformanceTests runs the lifecycle of a device in order: registration,
// submission while pending, activation, delivery, failures, delta sync, open reports
// and revocation. Each step builds on the state left by the previous one.
func (h *Harness) RunConformanceTests(t *testing.T) {
	steps := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"HealthEndpoints", h.testHealthEndpoints},
		{"Registration", h.testRegistration},
		{"PendingSubmission", h.testPendingSubmission},
		{"Activation", h.testActivation},
		{"DeliveryOrderAndCleanup", h.testDelivery},
		{"TransientFailureKeepsReport", h.testTransientFailure},
		{"RejectedReportStaysQueued", h.testRejectedReport},
		{"DeltaSync", h.testDeltaSync},
		{"OpenReports", h.testOpenReports},
		{"SessionRenewal", h.testSessionRenewal},
		{"Revocation", h.testRevocation},
		{"Diagnostics", h.testDiagnostics},
	}
	for _, s := range steps {
		if !t.Run(s.name, s.fn) {
			t.Fatalf("step %s failed, later steps depend on it", s.name)
		}
	}
}

func (h *Harness) ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// pngPhoto renders a solid image whose width identifies it.
func pngPhoto(t *testing.T, width int) photo.Source {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, 20))
	for x := range width {
		for y := range 20 {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: 80, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return photo.BytesSource(fmt.Sprintf("w%d.png", width), buf.Bytes())
}

func (h *Harness) enqueue(t *testing.T, category model.Category, room int, widths ...int) model.QueuedReport {
	t.Helper()
	req := queue.EnqueueRequest{Category: category, Room: room, Description: "conformance"}
	for _, w := range widths {
		req.Photos = append(req.Photos, pngPhoto(t, w))
	}
	rep, err := h.engine.Enqueue(h.ctx(t), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return rep
}

func (h *Harness) deviceID(t *testing.T) string {
	t.Helper()
	id, err := h.engine.Identity.GetOrCreateDeviceID()
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	return id
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.diagnostics.URL + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func (h *Harness) testRegistration(t *testing.T) {
	if err := h.engine.Trust.Refresh(h.ctx(t)); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	snap := h.engine.Trust.Snapshot()
	if snap.Status != model.StatusPending || snap.IsActivated {
		t.Errorf("snapshot = %+v, want PENDING", snap)
	}
	if snap.StatusText != "Activate the device" {
		t.Errorf("status text = %q", snap.StatusText)
	}
	id := h.deviceID(t)
	if got := h.central.DeviceStatus(id); got != "PENDING" {
		t.Errorf("central status = %q, want PENDING", got)
	}
	if info := h.central.DeviceInfo(id); info["appVersion"] != "conformance" || info["os"] == "" {
		t.Errorf("device info = %v, want os and app version", info)
	}
}

func (h *Harness) testPendingSubmission(t *testing.T) {
	h.enqueue(t, model.CategoryIssue, 101, 10)
	summary, err := h.engine.Drain(h.ctx(t), 0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if summary.Sent != 1 || summary.Remaining != 0 {
		t.Fatalf("summary = %+v, want one sent", summary)
	}
	got := h.central.Reports()
	if len(got) != 1 || got[0].Authenticated {
		t.Fatalf("central reports = %+v, want one unauthenticated report", got)
	}
	if got[0].DeviceID != h.deviceID(t) {
		t.Errorf("report device = %q, want X-Device-Id of this device", got[0].DeviceID)
	}
}

func (h *Harness) testActivation(t *testing.T) {
	id := h.deviceID(t)
	h.central.SetStatus(id, "ACTIVE")
	h.central.SetDisplayName(id, "Lobby tablet")

	snap, err := h.engine.Trust.WaitForActivation(h.ctx(t))
	if err != nil {
		t.Fatalf("WaitForActivation: %v", err)
	}
	if !snap.IsActivated || snap.StatusText != "Welcome home" {
		t.Errorf("snapshot = %+v, want ACTIVE", snap)
	}
	if snap.DisplayName != "Lobby tablet" {
		t.Errorf("display name = %q, want the server's name", snap.DisplayName)
	}

	token, err := h.engine.Trust.EnsureSession(h.ctx(t))
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if token == "" {
		t.Fatalf("no session token after activation")
	}
}

func (h *Harness) testDelivery(t *testing.T) {
	before := len(h.central.Reports())
	first := h.enqueue(t, model.CategoryFind, 12, 11, 12, 13)
	second := h.enqueue(t, model.CategoryIssue, 14, 21)

	summary, err := h.engine.Drain(h.ctx(t), 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if summary.Sent != 2 || summary.Failed != 0 || summary.Remaining != 0 {
		t.Fatalf("summary = %+v, want two sent", summary)
	}

	got := h.central.Reports()[before:]
	if len(got) != 2 {
		t.Fatalf("central got %d reports, want 2", len(got))
	}
	if got[0].ClientUUID != first.LocalUUID || got[1].ClientUUID != second.LocalUUID {
		t.Errorf("delivery order = %s, %s; want oldest first", got[0].ClientUUID, got[1].ClientUUID)
	}
	if got[0].IdempotencyKey != first.LocalUUID {
		t.Errorf("Idempotency-Key = %q, want %q", got[0].IdempotencyKey, first.LocalUUID)
	}
	if !got[0].Authenticated {
		t.Errorf("report sent without the session token")
	}
	wantNames := []string{"photo_0.jpg", "photo_1.jpg", "photo_2.jpg"}
	for i, name := range wantNames {
		if got[0].PhotoNames[i] != name {
			t.Errorf("photo %d name = %q, want %q", i, got[0].PhotoNames[i], name)
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(got[0].Photos[i]))
		if err != nil {
			t.Fatalf("photo %d not decodable: %v", i, err)
		}
		if cfg.Width != 11+i {
			t.Errorf("photo %d width = %d, want %d (upload order)", i, cfg.Width, 11+i)
		}
	}

	for _, rep := range []model.QueuedReport{first, second} {
		if _, err := os.Stat(h.engine.Queue.PhotoDir(rep.LocalUUID)); !os.IsNotExist(err) {
			t.Errorf("photo dir of %s still exists (err = %v)", rep.LocalUUID, err)
		}
	}
	if n, _ := h.engine.Queue.Count(h.ctx(t)); n != 0 {
		t.Errorf("queue count = %d, want 0", n)
	}
}

func (h *Harness) testTransientFailure(t *testing.T) {
	h.central.FailReports(http.StatusServiceUnavailable)
	rep := h.enqueue(t, model.CategoryFind, 33, 9)

	summary, err := h.engine.Drain(h.ctx(t), 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if summary.Sent != 0 || summary.Failed != 1 || !summary.RequestsRetry() {
		t.Fatalf("summary = %+v, want one failure asking for retry", summary)
	}
	if summary.LastErrorKind != string(apperrors.KindTransient) {
		t.Errorf("last error kind = %q, want %s", summary.LastErrorKind, apperrors.KindTransient)
	}
	pending, err := h.engine.Queue.Pending(h.ctx(t), 10)
	if err != nil || len(pending) != 1 || pending[0].LastError != string(apperrors.KindTransient) {
		t.Fatalf("pending = %+v (err %v), want one TRANSIENT report", pending, err)
	}
	if len(pending[0].Photos) != 1 {
		t.Errorf("photos kept = %d, want 1", len(pending[0].Photos))
	}

	h.central.FailReports(0)
	summary, err = h.engine.Drain(h.ctx(t), 10)
	if err != nil || summary.Sent != 1 {
		t.Fatalf("retry summary = %+v (err %v), want one sent", summary, err)
	}
	last := h.central.Reports()
	if last[len(last)-1].ClientUUID != rep.LocalUUID {
		t.Errorf("redelivered uuid = %s, want %s", last[len(last)-1].ClientUUID, rep.LocalUUID)
	}
}

func (h *Harness) testRejectedReport(t *testing.T) {
	h.central.FailReports(http.StatusUnprocessableEntity)
	defer h.central.FailReports(0)
	h.enqueue(t, model.CategoryIssue, 40, 8)

	summary, err := h.engine.Drain(h.ctx(t), 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if summary.Failed != 1 || summary.LastErrorKind != string(apperrors.KindValidation) {
		t.Fatalf("summary = %+v, want one VALIDATION failure", summary)
	}
	if n, _ := h.engine.Queue.Count(h.ctx(t)); n != 1 {
		t.Errorf("queue count = %d, rejected reports stay queued", n)
	}
	if !h.engine.Trust.Snapshot().IsActivated {
		t.Errorf("a validation failure downgraded trust")
	}

	h.central.FailReports(0)
	if summary, err := h.engine.Drain(h.ctx(t), 10); err != nil || summary.Sent != 1 {
		t.Fatalf("cleanup drain = %+v (err %v)", summary, err)
	}
}

func (h *Harness) testDeltaSync(t *testing.T) {
	// Our own reports were delivered already; only the seeded ones are new
	h.central.Seed("FIND", 7, "umbrella")
	h.central.Seed("FIND", 8, "keys")

	res, err := h.engine.Delta.PollOnce(h.ctx(t))
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.Skipped {
		t.Fatalf("poll skipped: %s", res.Reason)
	}
	if !res.Items.Find || res.Items.Issue {
		t.Errorf("items = %+v, want only FIND", res.Items)
	}
	if res.Poll.NewFindCount != 2 {
		t.Errorf("new finds = %d, want 2", res.Poll.NewFindCount)
	}

	rec, err := h.engine.Trust.Record(h.ctx(t))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.CursorFind == nil || *rec.CursorFind != *res.Poll.CursorFind {
		t.Errorf("stored find cursor = %v, want %d", rec.CursorFind, *res.Poll.CursorFind)
	}

	res, err = h.engine.Delta.PollOnce(h.ctx(t))
	if err != nil {
		t.Fatalf("second PollOnce: %v", err)
	}
	if res.Items.Find || res.Items.Issue {
		t.Errorf("second poll items = %+v, want nothing new", res.Items)
	}
}

func (h *Harness) testOpenReports(t *testing.T) {
	items, err := h.engine.Reports.ListOpen(h.ctx(t), model.CategoryFind)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	var keys string
	for _, it := range items {
		if it.Description == "keys" {
			keys = it.ID
		}
	}
	if keys == "" {
		t.Fatalf("open FIND reports %+v lack the seeded one", items)
	}

	if err := h.engine.Reports.MarkDone(h.ctx(t), keys); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	items, err = h.engine.Reports.ListOpen(h.ctx(t), model.CategoryFind)
	if err != nil {
		t.Fatalf("ListOpen after MarkDone: %v", err)
	}
	for _, it := range items {
		if it.ID == keys {
			t.Errorf("report %s still open after MarkDone", keys)
		}
	}
}

func (h *Harness) testSessionRenewal(t *testing.T) {
	// An already expired token must be replaced on the next authenticated call
	h.central.SetTokenTTL(-time.Minute)
	if _, err := h.engine.Trust.Activate(h.ctx(t)); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.central.SetTokenTTL(time.Hour)

	if _, err := h.engine.Reports.ListOpen(h.ctx(t), model.CategoryIssue); err != nil {
		t.Fatalf("ListOpen with an expired stored token: %v", err)
	}
	if !h.engine.Trust.Snapshot().IsActivated {
		t.Errorf("renewal lost activation")
	}
}

func (h *Harness) testRevocation(t *testing.T) {
	h.central.SetStatus(h.deviceID(t), "REVOKED")

	_, err := h.engine.Delta.PollOnce(h.ctx(t))
	if !apperrors.Is(err, apperrors.KindAuthRejected) {
		t.Fatalf("PollOnce error = %v, want %s", err, apperrors.KindAuthRejected)
	}
	snap := h.engine.Trust.Snapshot()
	if snap.Status != model.StatusRevoked || snap.StatusText != "Blocked by administrator" {
		t.Errorf("snapshot = %+v, want REVOKED", snap)
	}

	// Authenticated calls are skipped until re-activation
	calls := len(h.central.UserAgents())
	if _, err := h.engine.Reports.ListOpen(h.ctx(t), model.CategoryFind); !apperrors.Is(err, apperrors.KindAuthRejected) {
		t.Errorf("ListOpen error = %v, want %s", err, apperrors.KindAuthRejected)
	}
	if got := len(h.central.UserAgents()); got != calls {
		t.Errorf("revoked device still called the server %d times", got-calls)
	}
}

func (h *Harness) testDiagnostics(t *testing.T) {
	resp, err := http.Get(h.diagnostics.URL + "/v1/device")
	if err != nil {
		t.Fatalf("GET /v1/device: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Data model.DeviceSnapshot `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Status != model.StatusRevoked || body.Data.DeviceID != h.deviceID(t) {
		t.Errorf("device = %+v", body.Data)
	}

	drain, err := http.Post(h.diagnostics.URL+"/v1/drain", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/drain: %v", err)
	}
	drain.Body.Close()
	if drain.StatusCode != http.StatusAccepted {
		t.Errorf("drain trigger status = %d, want %d", drain.StatusCode, http.StatusAccepted)
	}

	metrics, err := http.Get(h.diagnostics.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", metrics.StatusCode)
	}
}
