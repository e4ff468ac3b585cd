// internal/identity/store.go
// Package identity owns the device's stable identifier and its signing key.
// The device id is generated once and persisted before any network call; the key
// pair is generated lazily, exactly once, and never leaves the signer.
package identity

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
)

const deviceIDFile = "device_id"

// Store is the Identity Store. It is safe for concurrent use, including by
// several processes sharing the same directory.
type Store struct {
	dir    string       // Directory holding device_id and the key file
	signer SecretSigner // Holder of the private key
	logger *slog.Logger

	mu       sync.Mutex
	deviceID string // Cached after the first successful read or write
}

// NewStore creates an identity store rooted at dir. The key file is sealed with
// passphrase; an empty passphrase leaves the key locked.
func NewStore(dir, passphrase string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	return &Store{
		dir:    dir,
		signer: NewKeyFileSigner(filepath.Join(dir, keyFileName), passphrase),
		logger: logger,
	}, nil
}

// NewStoreWithSigner is NewStore with a caller-provided signer, e.g. a hardware-backed one.
func NewStoreWithSigner(dir string, signer SecretSigner, logger *slog.Logger) (*Store, error) {
	s, err := NewStore(dir, "", logger)
	if err != nil {
		return nil, err
	}
	s.signer = signer
	return s, nil
}

// GetOrCreateDeviceID returns the persisted device id, generating it on first call.
// Concurrent callers, in this or another process, all observe the same winner.
func (s *Store) GetOrCreateDeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID != "" {
		return s.deviceID, nil
	}

	path := filepath.Join(s.dir, deviceIDFile)
	id, err := readDeviceID(path)
	if err == nil {
		s.deviceID = id
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	won, err := createExclusive(path, []byte(uuid.NewString()))
	if err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	id, err = readDeviceID(path)
	if err != nil {
		return "", err
	}
	if won {
		s.logger.Info("device id created", "device_id", id)
	}
	s.deviceID = id
	return id, nil
}

// GetOrCreateKeyPair returns the device public key, generating the pair on first call.
func (s *Store) GetOrCreateKeyPair() (*ecdsa.PublicKey, error) {
	return s.signer.PublicKey()
}

// PublicKeyBase64 is the PKIX DER encoding of the public key in standard base64,
// the form the central service registers.
func (s *Store) PublicKeyBase64() (string, error) {
	pub, err := s.signer.PublicKey()
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindFatal, "identity.public_key", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Sign signs message with the device key. A locked or unreadable key store
// fails with KindKeyUnavailable.
func (s *Store) Sign(message []byte) ([]byte, error) {
	return s.signer.Sign(message)
}

// DeviceInfo describes the host for registration.
func (s *Store) DeviceInfo(appVersion string) map[string]string {
	info := map[string]string{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"goVersion":  runtime.Version(),
		"appVersion": appVersion,
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	return info
}

func readDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("device id file %s is empty", path)
	}
	return id, nil
}

// createExclusive publishes data at path only if nothing is there yet. The content is
// written to a temp file first and hard-linked into place, so readers never see a
// partial file. It reports whether this call created the file.
func createExclusive(path string, data []byte) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return false, err
	}

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
