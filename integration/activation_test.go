// integration/activation_test.go
// Package integration exercises the activation protocol over real HTTP against a
// central service that verifies device signatures.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/conformance"
	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/rpc"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/trust"
)

const passphrase = "integration-passphrase"

// device is one boot of the device stack over a data directory.
type device struct {
	store storage.Store
	id    *identity.Store
	trust *trust.Service
}

func boot(t *testing.T, serverURL, dir, pass string) *device {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLite(ctx, filepath.Join(dir, "fieldsync.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	id, err := identity.NewStore(filepath.Join(dir, "identity"), pass, nil)
	if err != nil {
		t.Fatalf("identity.NewStore: %v", err)
	}
	return bootWith(t, serverURL, store, id, id)
}

func bootWith(t *testing.T, serverURL string, store storage.Store, id *identity.Store, signer trust.Identity) *device {
	t.Helper()
	d := &device{store: store, id: id}
	client, err := rpc.NewHTTPClient(serverURL, rpc.Options{
		ConnectTimeout: time.Second,
		Timeout:        5 * time.Second,
		UserAgent:      "fieldsyncd/integration",
		Device:         func() (string, string) { return d.trust.Headers() },
	}, nil)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	d.trust = trust.NewService(store, signer, client, nil, trust.Options{
		DisplayName:        "Integration",
		AppVersion:         "integration",
		ActivationCheckMin: 10 * time.Millisecond,
		ActivationCheckMax: 20 * time.Millisecond,
	}, nil)
	if _, err := d.trust.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return d
}

func (d *device) deviceID(t *testing.T) string {
	t.Helper()
	id, err := d.id.GetOrCreateDeviceID()
	if err != nil {
		t.Fatalf("GetOrCreateDeviceID: %v", err)
	}
	return id
}

func startCentral(t *testing.T) (*conformance.Central, string) {
	t.Helper()
	central := conformance.NewCentral()
	srv := httptest.NewServer(central.Handler())
	t.Cleanup(srv.Close)
	return central, srv.URL
}

// TestActivationSurvivesRestart activates a device, reboots its stack over the same
// directory and expects the same identity and session.
func TestActivationSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	central, url := startCentral(t)
	dir := t.TempDir()

	first := boot(t, url, dir, passphrase)
	if err := first.trust.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	deviceID := first.deviceID(t)
	central.SetStatus(deviceID, "ACTIVE")

	snap, err := first.trust.Activate(ctx)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !snap.IsActivated {
		t.Fatalf("snapshot = %+v, want ACTIVE", snap)
	}
	token, err := first.trust.SessionToken(ctx)
	if err != nil || token == "" {
		t.Fatalf("SessionToken = %q, %v; want a token", token, err)
	}
	if err := first.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := boot(t, url, dir, passphrase)
	defer second.store.Close()
	if got := second.deviceID(t); got != deviceID {
		t.Errorf("device id after restart = %q, want %q", got, deviceID)
	}
	if !second.trust.Snapshot().IsActivated {
		t.Errorf("snapshot after restart = %+v, want ACTIVE", second.trust.Snapshot())
	}
	again, err := second.trust.SessionToken(ctx)
	if err != nil {
		t.Fatalf("SessionToken after restart: %v", err)
	}
	if again != token {
		t.Errorf("session token changed across restart")
	}

	// The reloaded key still signs challenges the server accepts
	if _, err := second.trust.Activate(ctx); err != nil {
		t.Errorf("Activate after restart: %v", err)
	}
}

// impostor presents a registered device's id and public key but signs with its own key.
type impostor struct {
	victim *identity.Store
	own    *identity.Store
}

func (i impostor) GetOrCreateDeviceID() (string, error)           { return i.victim.GetOrCreateDeviceID() }
func (i impostor) PublicKeyBase64() (string, error)               { return i.victim.PublicKeyBase64() }
func (i impostor) Sign(message []byte) ([]byte, error)            { return i.own.Sign(message) }
func (i impostor) DeviceInfo(appVersion string) map[string]string { return i.own.DeviceInfo(appVersion) }

func TestForeignSignatureIsRejected(t *testing.T) {
	ctx := context.Background()
	central, url := startCentral(t)

	victim := boot(t, url, t.TempDir(), passphrase)
	defer victim.store.Close()
	if err := victim.trust.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	central.SetStatus(victim.deviceID(t), "ACTIVE")

	own, err := identity.NewStore(t.TempDir(), passphrase, nil)
	if err != nil {
		t.Fatalf("identity.NewStore: %v", err)
	}
	attacker := bootWith(t, url, storage.NewMemory(), victim.id, impostor{victim: victim.id, own: own})

	_, err = attacker.trust.Activate(ctx)
	if !apperrors.Is(err, apperrors.KindAuthRejected) {
		t.Fatalf("Activate error = %v, want %s", err, apperrors.KindAuthRejected)
	}
	if token, _ := attacker.trust.SessionToken(ctx); token != "" {
		t.Errorf("impostor obtained a session token")
	}
	if attacker.trust.Snapshot().IsActivated {
		t.Errorf("impostor snapshot = %+v, want not activated", attacker.trust.Snapshot())
	}
}

func TestLockedKeyStoreDefersActivation(t *testing.T) {
	ctx := context.Background()
	central, url := startCentral(t)
	dir := t.TempDir()

	unlocked := boot(t, url, dir, passphrase)
	if err := unlocked.trust.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	central.SetStatus(unlocked.deviceID(t), "ACTIVE")
	if err := unlocked.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Same directory, but the passphrase is not available yet
	locked := boot(t, url, dir, "")
	defer locked.store.Close()

	// The status probe needs no key, so the record learns it is ACTIVE
	if err := locked.trust.Refresh(ctx); err != nil {
		t.Fatalf("Refresh with a locked key: %v", err)
	}
	if !locked.trust.Snapshot().IsActivated {
		t.Fatalf("snapshot = %+v, want ACTIVE", locked.trust.Snapshot())
	}

	_, err := locked.trust.Activate(ctx)
	if !apperrors.Is(err, apperrors.KindKeyUnavailable) {
		t.Fatalf("Activate error = %v, want %s", err, apperrors.KindKeyUnavailable)
	}
	if !apperrors.Retryable(err) {
		t.Errorf("KEY_UNAVAILABLE must be retryable")
	}
	token, err := locked.trust.EnsureSession(ctx)
	if token != "" || !apperrors.Is(err, apperrors.KindKeyUnavailable) {
		t.Errorf("EnsureSession = %q, %v; want no token and %s", token, err, apperrors.KindKeyUnavailable)
	}
}

func TestWaitForActivation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	central, url := startCentral(t)

	d := boot(t, url, t.TempDir(), passphrase)
	defer d.store.Close()
	d.trust.RefreshBestEffort(ctx)
	if d.trust.Snapshot().Status != model.StatusPending {
		t.Fatalf("status = %s, want PENDING", d.trust.Snapshot().Status)
	}

	deviceID := d.deviceID(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		central.SetStatus(deviceID, "ACTIVE")
	}()

	snap, err := d.trust.WaitForActivation(ctx)
	if err != nil {
		t.Fatalf("WaitForActivation: %v", err)
	}
	if !snap.IsActivated {
		t.Errorf("snapshot = %+v, want ACTIVE", snap)
	}
}
