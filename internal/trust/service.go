// Package trust keeps the device's trust record in step with the central service:
// registration, status probes, challenge/response activation and the session token.
// Status transitions are driven only by server answers; the client never promotes itself.
package trust

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/event"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/rpc"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/telemetry"
)

// Identity is the part of the identity store the trust protocol needs.
type Identity interface {
	GetOrCreateDeviceID() (string, error)
	PublicKeyBase64() (string, error)
	Sign(message []byte) ([]byte, error)
	DeviceInfo(appVersion string) map[string]string
}

// Options tunes the service.
type Options struct {
	DisplayName        string        // Sent on registration unless a local override is stored
	AppVersion         string        // Reported in device info
	ActivationCheckMin time.Duration // First delay of WaitForActivation
	ActivationCheckMax time.Duration // Delay ceiling of WaitForActivation
}

// Service owns the trust record. It is safe for concurrent use.
type Service struct {
	store    storage.Store
	identity Identity
	client   rpc.Client
	pub      event.Publisher
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	mu       sync.Mutex // Serializes read-modify-write of the trust record
	snapshot atomic.Pointer[model.DeviceSnapshot]
	sessions singleflight.Group
	left     chan struct{} // Signalled when the record stops being ACTIVE
}

// NewService wires the trust service. A nil publisher drops signals.
func NewService(store storage.Store, id Identity, client rpc.Client, pub event.Publisher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = event.Noop()
	}
	if opts.ActivationCheckMin <= 0 {
		opts.ActivationCheckMin = 10 * time.Second
	}
	if opts.ActivationCheckMax < opts.ActivationCheckMin {
		opts.ActivationCheckMax = 120 * time.Second
	}
	return &Service{
		store:    store,
		identity: id,
		client:   client,
		pub:      pub,
		logger:   logger.With("component", "trust"),
		opts:     opts,
		now:      time.Now,
		left:     make(chan struct{}, 1),
	}
}

// Load reads the persisted record and publishes its snapshot locally. No network.
// Calling it again picks up changes written by another process sharing the store.
func (s *Service) Load(ctx context.Context) (model.DeviceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetTrustRecord(ctx)
	if err != nil {
		return model.DeviceSnapshot{}, err
	}
	snap := model.SnapshotOf(rec)
	if s.snapshot.CompareAndSwap(nil, &snap) {
		return snap, nil
	}
	s.publish(ctx, snap)
	return snap, nil
}

// Snapshot returns the last published view. It never blocks.
func (s *Service) Snapshot() model.DeviceSnapshot {
	if p := s.snapshot.Load(); p != nil {
		return *p
	}
	return model.SnapshotOf(model.TrustRecord{})
}

// Record returns the persisted trust record.
func (s *Service) Record(ctx context.Context) (model.TrustRecord, error) {
	return s.store.GetTrustRecord(ctx)
}

// Headers supplies the device headers of every RPC call.
func (s *Service) Headers() (deviceID, displayName string) {
	snap := s.Snapshot()
	deviceID = snap.DeviceID
	if deviceID == "" {
		deviceID, _ = s.identity.GetOrCreateDeviceID()
	}
	displayName = snap.DisplayName
	if displayName == "" {
		displayName = s.opts.DisplayName
	}
	return deviceID, displayName
}

// RefreshBestEffort registers and probes the status, ignoring every failure.
// The previous snapshot stays in place when the server cannot be reached.
func (s *Service) RefreshBestEffort(ctx context.Context) model.DeviceSnapshot {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Debug("status refresh failed", "error_kind", apperrors.Label(err))
	}
	return s.Snapshot()
}

// Refresh registers the device (best effort) and then probes its status.
// The error is the status probe's; registration failures are only logged.
func (s *Service) Refresh(ctx context.Context) (err error) {
	ctx, span := telemetry.Start(ctx, "trust.refresh")
	defer func() { telemetry.End(span, err) }()

	deviceID, err := s.identity.GetOrCreateDeviceID()
	if err != nil {
		return err
	}

	registered, regErr := s.register(ctx, deviceID)
	if regErr != nil {
		s.logger.Debug("registration skipped", "error_kind", apperrors.Label(regErr))
	}

	resp, err := s.client.Status(ctx, deviceID)
	if err != nil {
		if regErr == nil {
			// Registration answered, keep its verdict
			return s.update(ctx, func(rec model.TrustRecord) model.TrustRecord {
				rec.DeviceID = deviceID
				return rec.WithStatus(registered)
			})
		}
		return err
	}

	return s.update(ctx, func(rec model.TrustRecord) model.TrustRecord {
		rec.DeviceID = deviceID
		rec = rec.WithStatus(resp.Status)
		if resp.DisplayName != "" {
			rec.DisplayName = resp.DisplayName
		}
		checked := s.now().UTC()
		rec.LastCheckedAt = &checked
		return rec
	})
}

func (s *Service) register(ctx context.Context, deviceID string) (model.DeviceStatus, error) {
	pub, err := s.identity.PublicKeyBase64()
	if err != nil {
		return "", err
	}
	_, name := s.Headers()
	return s.client.Register(ctx, rpc.RegisterRequest{
		DeviceID:    deviceID,
		PublicKey:   pub,
		DisplayName: name,
		DeviceInfo:  s.identity.DeviceInfo(s.opts.AppVersion),
	})
}

// Activate runs challenge/response. The token is stored only when the server
// answers ACTIVE; any other status is recorded and returned without error.
func (s *Service) Activate(ctx context.Context) (snap model.DeviceSnapshot, err error) {
	ctx, span := telemetry.Start(ctx, "trust.activate")
	defer func() { telemetry.End(span, err) }()

	deviceID, err := s.identity.GetOrCreateDeviceID()
	if err != nil {
		return s.Snapshot(), err
	}
	if _, regErr := s.register(ctx, deviceID); regErr != nil {
		s.logger.Debug("registration before activation failed", "error_kind", apperrors.Label(regErr))
	}

	nonce, err := s.client.Challenge(ctx, deviceID)
	if err != nil {
		return s.Snapshot(), err
	}
	raw, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return s.Snapshot(), apperrors.New(apperrors.KindFatal, "trust.activate", "challenge nonce is not base64")
	}
	sig, err := s.identity.Sign(raw)
	if err != nil {
		return s.Snapshot(), err
	}

	resp, err := s.client.Verify(ctx, rpc.VerifyRequest{
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return s.Snapshot(), err
	}

	err = s.update(ctx, func(rec model.TrustRecord) model.TrustRecord {
		rec.DeviceID = deviceID
		rec = rec.WithStatus(resp.Status)
		if rec.IsActivated() {
			rec.SessionToken = resp.Token
		}
		return rec
	})
	if err != nil {
		return s.Snapshot(), err
	}

	s.logger.Info("activation answered", "device_id", deviceID, "status", resp.Status)
	return s.Snapshot(), nil
}

// SessionToken returns the stored token while the device is ACTIVE. A token whose
// JWT expiry has passed counts as absent.
func (s *Service) SessionToken(ctx context.Context) (string, error) {
	rec, err := s.store.GetTrustRecord(ctx)
	if err != nil {
		return "", err
	}
	if !rec.IsActivated() || rec.SessionToken == "" || tokenExpired(rec.SessionToken, s.now()) {
		return "", nil
	}
	return rec.SessionToken, nil
}

// EnsureSession returns a usable token, re-running challenge/response when an ACTIVE
// device has none. A PENDING device gets "" and no error; a REVOKED one gets a
// KindAuthRejected error so authenticated calls are skipped until re-activation.
// Concurrent callers share one activation.
func (s *Service) EnsureSession(ctx context.Context) (string, error) {
	token, err := s.SessionToken(ctx)
	if err != nil || token != "" {
		return token, err
	}
	rec, err := s.store.GetTrustRecord(ctx)
	if err != nil {
		return "", err
	}
	switch rec.Status {
	case model.StatusRevoked:
		return "", apperrors.New(apperrors.KindAuthRejected, "trust.session", "device revoked, activation required")
	case model.StatusActive:
	default:
		return "", nil
	}

	_, err, _ = s.sessions.Do("session", func() (any, error) {
		_, err := s.Activate(ctx)
		return nil, err
	})
	if err != nil {
		return "", err
	}
	return s.SessionToken(ctx)
}

// MarkDeactivatedFromServer downgrades the record after an authorization failure.
// Authenticated calls are skipped until the device is activated again.
func (s *Service) MarkDeactivatedFromServer(ctx context.Context) error {
	s.logger.Warn("central service rejected the device credentials, marking revoked")
	return s.update(ctx, func(rec model.TrustRecord) model.TrustRecord {
		return rec.WithStatus(model.StatusRevoked)
	})
}

// UpdateCursors stores poll high-water marks. Cursors never move backwards.
func (s *Service) UpdateCursors(ctx context.Context, find, issue *int64) error {
	return s.update(ctx, func(rec model.TrustRecord) model.TrustRecord {
		return rec.WithCursors(find, issue)
	})
}

// SetDisplayName stores a local display name and tells the server on a best-effort basis.
func (s *Service) SetDisplayName(ctx context.Context, name string) (model.DeviceSnapshot, error) {
	if err := s.update(ctx, func(rec model.TrustRecord) model.TrustRecord {
		rec.DisplayName = name
		return rec
	}); err != nil {
		return s.Snapshot(), err
	}
	if deviceID, err := s.identity.GetOrCreateDeviceID(); err == nil {
		if _, err := s.register(ctx, deviceID); err != nil {
			s.logger.Debug("display name not sent", "error_kind", apperrors.Label(err))
		}
	}
	return s.Snapshot(), nil
}

// WaitForActivation rechecks the status with growing delays until the device is
// ACTIVE or ctx ends.
func (s *Service) WaitForActivation(ctx context.Context) (model.DeviceSnapshot, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ActivationCheckMin
	b.MaxInterval = s.opts.ActivationCheckMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if snap := s.RefreshBestEffort(ctx); snap.IsActivated {
			return snap, nil
		}
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.Snapshot(), ctx.Err()
		case <-timer.C:
		}
	}
}

// KeepActivated runs for the life of ctx. Each time the device becomes ACTIVE it
// calls onActivated, then watches the record; when the record leaves ACTIVE, locally
// or through another process sharing the store, it goes back to waiting for the
// administrator. It returns ctx.Err().
func (s *Service) KeepActivated(ctx context.Context, onActivated func(model.DeviceSnapshot)) error {
	for {
		snap := s.RefreshBestEffort(ctx)
		if !snap.IsActivated {
			var err error
			if snap, err = s.WaitForActivation(ctx); err != nil {
				return err
			}
		}
		onActivated(snap)

		if err := s.watchActive(ctx); err != nil {
			return err
		}
		s.logger.Info("device left ACTIVE, waiting for activation", "status", s.Snapshot().Status)
	}
}

// watchActive returns once the record is no longer ACTIVE, rereading the store
// every ActivationCheckMax.
func (s *Service) watchActive(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.ActivationCheckMax)
	defer ticker.Stop()
	for {
		if !s.Snapshot().IsActivated {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.left:
		case <-ticker.C:
			if _, err := s.Load(ctx); err != nil {
				s.logger.Warn("trust record reload failed", "error", err)
			}
		}
	}
}

// update applies fn to the stored record under the service lock, saves it and
// republishes the snapshot when the visible view changed.
func (s *Service) update(ctx context.Context, fn func(model.TrustRecord) model.TrustRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetTrustRecord(ctx)
	if err != nil {
		return err
	}
	rec = fn(rec)
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.SaveTrustRecord(ctx, rec); err != nil {
		return err
	}

	snap := model.SnapshotOf(rec)
	s.publish(ctx, snap)
	return nil
}

// publish swaps in snap and signals the change. Callers hold s.mu.
func (s *Service) publish(ctx context.Context, snap model.DeviceSnapshot) {
	prev := s.snapshot.Swap(&snap)
	if prev != nil && *prev == snap {
		return
	}
	if err := s.pub.PublishDeviceState(ctx, snap); err != nil {
		s.logger.Warn("device state not published", "error", err)
	}
	if prev != nil && prev.IsActivated && !snap.IsActivated {
		select {
		case s.left <- struct{}{}:
		default:
		}
	}
}

// tokenExpired inspects a JWT session token without verifying it. Opaque tokens
// and tokens without exp never expire locally.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}
