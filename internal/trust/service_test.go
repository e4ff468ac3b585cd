package trust

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/rpc"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/storage"
)

// fakeCentral plays the device endpoints of the central service.
type fakeCentral struct {
	mu          sync.Mutex
	status      model.DeviceStatus
	displayName string
	statusErr   error
	registerErr error
	token       string
	publicKey   *ecdsa.PublicKey
	nonce       []byte
	calls       map[string]int

	// activateOn makes the status probe answer ACTIVE from that call on
	activateOn int
}

func newFakeCentral(status model.DeviceStatus) *fakeCentral {
	return &fakeCentral{
		status: status,
		token:  "tok-1",
		nonce:  []byte("nonce-bytes-0001"),
		calls:  make(map[string]int),
	}
}

func (f *fakeCentral) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeCentral) Register(_ context.Context, req rpc.RegisterRequest) (model.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["register"]++
	if f.registerErr != nil {
		return "", f.registerErr
	}
	der, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		return "", apperrors.New(apperrors.KindValidation, "register", "bad key")
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", apperrors.New(apperrors.KindValidation, "register", "bad key")
	}
	f.publicKey = pub.(*ecdsa.PublicKey)
	return f.status, nil
}

func (f *fakeCentral) Status(_ context.Context, _ string) (rpc.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["status"]++
	if f.activateOn > 0 && f.calls["status"] >= f.activateOn {
		f.status = model.StatusActive
	}
	if f.statusErr != nil {
		return rpc.StatusResponse{}, f.statusErr
	}
	return rpc.StatusResponse{Status: f.status, DisplayName: f.displayName}, nil
}

func (f *fakeCentral) Challenge(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["challenge"]++
	return base64.StdEncoding.EncodeToString(f.nonce), nil
}

func (f *fakeCentral) Verify(_ context.Context, req rpc.VerifyRequest) (rpc.VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["verify"]++
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return rpc.VerifyResponse{}, apperrors.New(apperrors.KindValidation, "verify", "bad signature")
	}
	digest := sha256.Sum256(f.nonce)
	if f.publicKey == nil || !ecdsa.VerifyASN1(f.publicKey, digest[:], sig) {
		return rpc.VerifyResponse{}, apperrors.New(apperrors.KindAuthRejected, "verify", "signature mismatch")
	}
	if f.status != model.StatusActive {
		return rpc.VerifyResponse{Status: f.status}, nil
	}
	return rpc.VerifyResponse{Token: f.token, Status: f.status}, nil
}

func (f *fakeCentral) CreateReport(context.Context, string, rpc.CreateReportRequest) (rpc.CreateReportResponse, error) {
	return rpc.CreateReportResponse{}, errors.New("not used")
}

func (f *fakeCentral) ListOpen(context.Context, string, model.Category) ([]model.OpenReport, error) {
	return nil, errors.New("not used")
}

func (f *fakeCentral) MarkDone(context.Context, string, string) error {
	return errors.New("not used")
}

func (f *fakeCentral) NewSince(context.Context, string, rpc.NewSinceRequest) (model.PollResult, error) {
	return model.PollResult{}, errors.New("not used")
}

// statePublisher records device state signals.
type statePublisher struct {
	mu     sync.Mutex
	states []model.DeviceSnapshot
}

func (p *statePublisher) PublishDeviceState(_ context.Context, s model.DeviceSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
	return nil
}

func (p *statePublisher) PublishNewItems(context.Context, model.NewItems) error { return nil }

func (p *statePublisher) PublishReportDelivered(context.Context, model.ReportDelivered) error {
	return nil
}

func (p *statePublisher) Close() error { return nil }

func newTestService(t *testing.T, central *fakeCentral) (*Service, storage.Store, *statePublisher) {
	t.Helper()
	id, err := identity.NewStore(t.TempDir(), "test-passphrase", nil)
	if err != nil {
		t.Fatalf("identity.NewStore: %v", err)
	}
	store := storage.NewMemory()
	pub := &statePublisher{}
	svc := NewService(store, id, central, pub, Options{
		DisplayName:        "Front desk",
		AppVersion:         "test",
		ActivationCheckMin: time.Millisecond,
		ActivationCheckMax: 5 * time.Millisecond,
	}, nil)
	return svc, store, pub
}

func TestRefreshUpdatesRecordAndSnapshot(t *testing.T) {
	central := newFakeCentral(model.StatusActive)
	central.displayName = "Lobby tablet"
	svc, store, pub := newTestService(t, central)
	ctx := context.Background()

	if err := svc.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	rec, err := store.GetTrustRecord(ctx)
	if err != nil {
		t.Fatalf("GetTrustRecord: %v", err)
	}
	if rec.DeviceID == "" {
		t.Errorf("DeviceID is empty after refresh")
	}
	if rec.Status != model.StatusActive {
		t.Errorf("Status = %v, want %v", rec.Status, model.StatusActive)
	}
	if rec.DisplayName != "Lobby tablet" {
		t.Errorf("DisplayName = %q, want %q", rec.DisplayName, "Lobby tablet")
	}
	if rec.LastCheckedAt == nil {
		t.Errorf("LastCheckedAt not set")
	}

	snap := svc.Snapshot()
	if !snap.IsActivated || snap.StatusText != "Welcome home" {
		t.Errorf("Snapshot = %+v", snap)
	}
	if central.count("register") != 1 || central.count("status") != 1 {
		t.Errorf("calls = %v, want one register and one status", central.calls)
	}

	if err := svc.Refresh(ctx); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if len(pub.states) != 1 {
		t.Errorf("published %d snapshots, want 1 for an unchanged view", len(pub.states))
	}
}

func TestRefreshBestEffortKeepsPreviousSnapshot(t *testing.T) {
	central := newFakeCentral(model.StatusActive)
	svc, _, _ := newTestService(t, central)
	ctx := context.Background()

	before := svc.RefreshBestEffort(ctx)
	if !before.IsActivated {
		t.Fatalf("first refresh snapshot = %+v, want activated", before)
	}

	central.registerErr = apperrors.New(apperrors.KindTransient, "register", "offline")
	central.statusErr = apperrors.New(apperrors.KindTransient, "status", "offline")
	after := svc.RefreshBestEffort(ctx)
	if after != before {
		t.Errorf("snapshot after failed refresh = %+v, want %+v", after, before)
	}
}

func TestRefreshFallsBackToRegistrationVerdict(t *testing.T) {
	central := newFakeCentral(model.StatusPending)
	central.statusErr = apperrors.New(apperrors.KindTransient, "status", "offline")
	svc, store, _ := newTestService(t, central)

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	rec, _ := store.GetTrustRecord(context.Background())
	if rec.Status != model.StatusPending || rec.DeviceID == "" {
		t.Errorf("record = %+v, want PENDING with device id", rec)
	}
}

func TestActivateStoresTokenOnlyWhenActive(t *testing.T) {
	tests := []struct {
		name      string
		status    model.DeviceStatus
		wantToken string
	}{
		{"active", model.StatusActive, "tok-1"},
		{"pending", model.StatusPending, ""},
		{"revoked", model.StatusRevoked, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			central := newFakeCentral(tt.status)
			svc, store, _ := newTestService(t, central)
			ctx := context.Background()

			snap, err := svc.Activate(ctx)
			if err != nil {
				t.Fatalf("Activate: %v", err)
			}
			if snap.Status != tt.status {
				t.Errorf("Status = %v, want %v", snap.Status, tt.status)
			}
			rec, _ := store.GetTrustRecord(ctx)
			if rec.SessionToken != tt.wantToken {
				t.Errorf("SessionToken = %q, want %q", rec.SessionToken, tt.wantToken)
			}
		})
	}
}

func TestActivateLockedKeyIsUnavailable(t *testing.T) {
	central := newFakeCentral(model.StatusActive)
	id, err := identity.NewStore(t.TempDir(), "", nil)
	if err != nil {
		t.Fatalf("identity.NewStore: %v", err)
	}
	svc := NewService(storage.NewMemory(), id, central, nil, Options{}, nil)

	_, err = svc.Activate(context.Background())
	if !apperrors.Is(err, apperrors.KindKeyUnavailable) {
		t.Fatalf("Activate error = %v, want KEY_UNAVAILABLE", err)
	}
	if central.count("verify") != 0 {
		t.Errorf("verify called without a signature")
	}
}

func TestMarkDeactivatedClearsToken(t *testing.T) {
	central := newFakeCentral(model.StatusActive)
	svc, store, _ := newTestService(t, central)
	ctx := context.Background()

	if _, err := svc.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := svc.MarkDeactivatedFromServer(ctx); err != nil {
		t.Fatalf("MarkDeactivatedFromServer: %v", err)
	}

	rec, _ := store.GetTrustRecord(ctx)
	if rec.Status != model.StatusRevoked {
		t.Errorf("Status = %v, want %v", rec.Status, model.StatusRevoked)
	}
	if rec.SessionToken != "" {
		t.Errorf("SessionToken = %q, want empty", rec.SessionToken)
	}

	challenges := central.count("challenge")
	token, err := svc.EnsureSession(ctx)
	if !apperrors.Is(err, apperrors.KindAuthRejected) || token != "" {
		t.Errorf("EnsureSession = %q, %v, want AUTH_REJECTED", token, err)
	}
	if central.count("challenge") != challenges {
		t.Errorf("EnsureSession ran challenge/response on a revoked device")
	}
}

func TestExpiredSessionTokenIsRenewed(t *testing.T) {
	central := newFakeCentral(model.StatusActive)
	svc, store, _ := newTestService(t, central)
	ctx := context.Background()

	if _, err := svc.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "device",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	rec, _ := store.GetTrustRecord(ctx)
	rec.SessionToken = expired
	if err := store.SaveTrustRecord(ctx, rec); err != nil {
		t.Fatalf("SaveTrustRecord: %v", err)
	}

	token, err := svc.SessionToken(ctx)
	if err != nil || token != "" {
		t.Fatalf("SessionToken = %q, %v, want empty for an expired JWT", token, err)
	}

	central.token = "tok-2"
	token, err = svc.EnsureSession(ctx)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if token != "tok-2" {
		t.Errorf("EnsureSession = %q, want tok-2", token)
	}
}

func TestEnsureSessionPendingHasNoToken(t *testing.T) {
	central := newFakeCentral(model.StatusPending)
	svc, _, _ := newTestService(t, central)
	ctx := context.Background()
	svc.RefreshBestEffort(ctx)

	token, err := svc.EnsureSession(ctx)
	if err != nil || token != "" {
		t.Errorf("EnsureSession = %q, %v, want empty and nil", token, err)
	}
	if central.count("challenge") != 0 {
		t.Errorf("challenge requested for a pending device")
	}
}

func TestUpdateCursorsIsMonotonic(t *testing.T) {
	svc, store, _ := newTestService(t, newFakeCentral(model.StatusActive))
	ctx := context.Background()
	ptr := func(v int64) *int64 { return &v }

	steps := []struct {
		find, issue         *int64
		wantFind, wantIssue int64
	}{
		{ptr(5), ptr(2), 5, 2},
		{ptr(3), nil, 5, 2},
		{ptr(7), ptr(9), 7, 9},
		{nil, ptr(1), 7, 9},
	}
	for i, st := range steps {
		if err := svc.UpdateCursors(ctx, st.find, st.issue); err != nil {
			t.Fatalf("step %d: UpdateCursors: %v", i, err)
		}
		rec, _ := store.GetTrustRecord(ctx)
		if *rec.CursorFind != st.wantFind || *rec.CursorIssue != st.wantIssue {
			t.Errorf("step %d: cursors = %d/%d, want %d/%d", i, *rec.CursorFind, *rec.CursorIssue, st.wantFind, st.wantIssue)
		}
	}
}

func TestSetDisplayName(t *testing.T) {
	central := newFakeCentral(model.StatusPending)
	svc, store, _ := newTestService(t, central)

	snap, err := svc.SetDisplayName(context.Background(), "Kitchen")
	if err != nil {
		t.Fatalf("SetDisplayName: %v", err)
	}
	if snap.DisplayName != "Kitchen" {
		t.Errorf("DisplayName = %q, want Kitchen", snap.DisplayName)
	}
	if _, name := svc.Headers(); name != "Kitchen" {
		t.Errorf("Headers name = %q, want Kitchen", name)
	}
	rec, _ := store.GetTrustRecord(context.Background())
	if rec.DisplayName != "Kitchen" {
		t.Errorf("stored DisplayName = %q, want Kitchen", rec.DisplayName)
	}
	if central.count("register") != 1 {
		t.Errorf("register calls = %d, want 1", central.count("register"))
	}
}

func TestWaitForActivation(t *testing.T) {
	central := newFakeCentral(model.StatusPending)
	central.activateOn = 2
	svc, _, _ := newTestService(t, central)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := svc.WaitForActivation(ctx)
	if err != nil {
		t.Fatalf("WaitForActivation: %v", err)
	}
	if !snap.IsActivated {
		t.Errorf("snapshot = %+v, want activated", snap)
	}
	if central.count("status") != 2 {
		t.Errorf("status calls = %d, want 2", central.count("status"))
	}
}

func TestWaitForActivationStopsWithContext(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeCentral(model.StatusPending))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := svc.WaitForActivation(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForActivation error = %v, want deadline exceeded", err)
	}
}

func nextActivation(t *testing.T, ch <-chan model.DeviceSnapshot) model.DeviceSnapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(3 * time.Second):
		t.Fatalf("no activation callback")
		return model.DeviceSnapshot{}
	}
}

func TestKeepActivatedRecoversFromRuntimeRevocation(t *testing.T) {
	central := newFakeCentral(model.StatusActive)
	svc, _, _ := newTestService(t, central)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	activations := make(chan model.DeviceSnapshot, 4)
	done := make(chan error, 1)
	go func() {
		done <- svc.KeepActivated(ctx, func(snap model.DeviceSnapshot) { activations <- snap })
	}()

	if snap := nextActivation(t, activations); !snap.IsActivated {
		t.Fatalf("first callback snapshot = %+v, want activated", snap)
	}

	// The server revokes the device and approves it again three status probes later
	central.mu.Lock()
	central.status = model.StatusRevoked
	central.activateOn = central.calls["status"] + 3
	reapproveAt := central.activateOn
	central.mu.Unlock()
	if err := svc.MarkDeactivatedFromServer(ctx); err != nil {
		t.Fatalf("MarkDeactivatedFromServer: %v", err)
	}

	if snap := nextActivation(t, activations); !snap.IsActivated {
		t.Fatalf("second callback snapshot = %+v, want activated", snap)
	}
	if got := central.count("status"); got < reapproveAt {
		t.Errorf("status calls = %d, want at least %d", got, reapproveAt)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("KeepActivated error = %v, want context.Canceled", err)
	}
}

func TestKeepActivatedSeesChangesFromAnotherProcess(t *testing.T) {
	central := newFakeCentral(model.StatusActive)
	svc, store, pub := newTestService(t, central)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	activations := make(chan model.DeviceSnapshot, 4)
	go func() {
		_ = svc.KeepActivated(ctx, func(snap model.DeviceSnapshot) { activations <- snap })
	}()
	nextActivation(t, activations)

	// Another process sharing the store downgrades the record behind our back
	rec, err := store.GetTrustRecord(ctx)
	if err != nil {
		t.Fatalf("GetTrustRecord: %v", err)
	}
	if err := store.SaveTrustRecord(ctx, rec.WithStatus(model.StatusRevoked)); err != nil {
		t.Fatalf("SaveTrustRecord: %v", err)
	}

	// The reload notices it and the status probe brings the device back
	nextActivation(t, activations)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	sawRevoked := false
	for _, st := range pub.states {
		if st.Status == model.StatusRevoked {
			sawRevoked = true
		}
	}
	if !sawRevoked {
		t.Errorf("published states = %+v, want the reloaded REVOKED view", pub.states)
	}
}
