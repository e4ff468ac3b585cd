package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
)

func newTestStore(t *testing.T, passphrase string) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, passphrase, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s, dir
}

func TestGetOrCreateDeviceIDIsStable(t *testing.T) {
	s, dir := newTestStore(t, "pw")

	first, err := s.GetOrCreateDeviceID()
	if err != nil {
		t.Fatalf("GetOrCreateDeviceID() error = %v", err)
	}
	second, _ := s.GetOrCreateDeviceID()
	if first != second {
		t.Errorf("GetOrCreateDeviceID() = %q then %q, want same id", first, second)
	}

	// A new store over the same directory must read the persisted id.
	reopened, err := NewStore(dir, "pw", nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	again, _ := reopened.GetOrCreateDeviceID()
	if again != first {
		t.Errorf("reopened GetOrCreateDeviceID() = %q, want %q", again, first)
	}
}

func TestGetOrCreateDeviceIDConcurrentStores(t *testing.T) {
	dir := t.TempDir()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate stores emulate separate processes sharing the directory.
			s, err := NewStore(dir, "", nil)
			if err != nil {
				t.Errorf("NewStore() error = %v", err)
				return
			}
			id, err := s.GetOrCreateDeviceID()
			if err != nil {
				t.Errorf("GetOrCreateDeviceID() error = %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d saw %q, caller 0 saw %q", i, ids[i], ids[0])
		}
	}
}

func TestSignVerifies(t *testing.T) {
	s, _ := newTestStore(t, "correct horse")

	pub, err := s.GetOrCreateKeyPair()
	if err != nil {
		t.Fatalf("GetOrCreateKeyPair() error = %v", err)
	}

	nonce := []byte("server-nonce-123")
	sig, err := s.Sign(nonce)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	digest := sha256.Sum256(nonce)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		t.Errorf("signature does not verify against the public key")
	}
}

func TestKeyPairGeneratedOnce(t *testing.T) {
	s, dir := newTestStore(t, "pw")

	first, err := s.GetOrCreateKeyPair()
	if err != nil {
		t.Fatalf("GetOrCreateKeyPair() error = %v", err)
	}

	reopened, _ := NewStore(dir, "pw", nil)
	second, err := reopened.GetOrCreateKeyPair()
	if err != nil {
		t.Fatalf("reopened GetOrCreateKeyPair() error = %v", err)
	}
	if !first.Equal(second) {
		t.Errorf("key pair changed across reopen")
	}

	b64, err := reopened.PublicKeyBase64()
	if err != nil || b64 == "" {
		t.Errorf("PublicKeyBase64() = %q, %v", b64, err)
	}
}

func TestLockedKeyIsUnavailable(t *testing.T) {
	s, _ := newTestStore(t, "")

	if _, err := s.Sign([]byte("x")); !apperrors.Is(err, apperrors.KindKeyUnavailable) {
		t.Errorf("Sign() error = %v, want KEY_UNAVAILABLE", err)
	}
}

func TestWrongPassphraseIsUnavailable(t *testing.T) {
	s, dir := newTestStore(t, "right")
	if _, err := s.GetOrCreateKeyPair(); err != nil {
		t.Fatalf("GetOrCreateKeyPair() error = %v", err)
	}

	wrong, _ := NewStore(dir, "wrong", nil)
	if _, err := wrong.Sign([]byte("x")); !apperrors.Is(err, apperrors.KindKeyUnavailable) {
		t.Errorf("Sign() error = %v, want KEY_UNAVAILABLE", err)
	}

	// The sealed file must not have been replaced by the failed unlock.
	if _, err := os.Stat(filepath.Join(dir, keyFileName)); err != nil {
		t.Errorf("key file missing: %v", err)
	}
}

func TestDeviceInfo(t *testing.T) {
	s, _ := newTestStore(t, "")
	info := s.DeviceInfo("1.2.3")
	if info["appVersion"] != "1.2.3" || info["os"] == "" {
		t.Errorf("DeviceInfo() = %v", info)
	}
}

// memorySigner keeps the key in process, like a platform keystore would outside it.
type memorySigner struct{ key *ecdsa.PrivateKey }

func (m memorySigner) PublicKey() (*ecdsa.PublicKey, error) { return &m.key.PublicKey, nil }

func (m memorySigner) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, m.key, digest[:])
}

func TestNewStoreWithSigner(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	dir := t.TempDir()
	s, err := NewStoreWithSigner(dir, memorySigner{key: key}, nil)
	if err != nil {
		t.Fatalf("NewStoreWithSigner() error = %v", err)
	}

	pub, err := s.GetOrCreateKeyPair()
	if err != nil {
		t.Fatalf("GetOrCreateKeyPair() error = %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Errorf("GetOrCreateKeyPair() returned a different key than the signer holds")
	}

	msg := []byte("nonce")
	sig, err := s.Sign(msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	digest := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig) {
		t.Errorf("signature does not verify against the signer key")
	}

	// No key file is written when the signer lives elsewhere
	if _, err := os.Stat(filepath.Join(dir, keyFileName)); !os.IsNotExist(err) {
		t.Errorf("key file stat error = %v, want not exist", err)
	}
}
