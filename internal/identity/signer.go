// internal/identity/signer.go
package identity

import (
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
)

const keyFileName = "device_key.json"

// scrypt cost parameters for the key-encryption key
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltSize     = 16
	keyFileV1    = 1
	keyAlgorithm = "ECDSA-P256-SHA256"
)

// SecretSigner holds a private key and exposes only signing.
type SecretSigner interface {
	// PublicKey returns the public half, generating the pair on first use.
	PublicKey() (*ecdsa.PublicKey, error)
	// Sign returns an ASN.1 ECDSA signature over SHA-256(message).
	Sign(message []byte) ([]byte, error)
}

// keyFile is the on-disk form of the sealed private key.
type keyFile struct {
	Version    int    `json:"version"`
	Algorithm  string `json:"algorithm"`
	Salt       []byte `json:"salt"`       // scrypt salt
	Nonce      []byte `json:"nonce"`      // XChaCha20-Poly1305 nonce
	Ciphertext []byte `json:"ciphertext"` // sealed PKCS#8 DER
}

// KeyFileSigner keeps an ECDSA P-256 key encrypted at rest with a passphrase-derived key.
type KeyFileSigner struct {
	path       string
	passphrase []byte

	mu  sync.Mutex
	key *ecdsa.PrivateKey // Unsealed key, loaded on first use
}

// NewKeyFileSigner creates a signer backed by the file at path.
func NewKeyFileSigner(path, passphrase string) *KeyFileSigner {
	return &KeyFileSigner{path: path, passphrase: []byte(passphrase)}
}

// PublicKey implements SecretSigner.
func (k *KeyFileSigner) PublicKey() (*ecdsa.PublicKey, error) {
	key, err := k.unlock()
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}

// Sign implements SecretSigner.
func (k *KeyFileSigner) Sign(message []byte) ([]byte, error) {
	key, err := k.unlock()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "identity.sign", err)
	}
	return sig, nil
}

// unlock loads the key, generating and sealing a new one if the file does not exist.
func (k *KeyFileSigner) unlock() (*ecdsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key != nil {
		return k.key, nil
	}
	if len(k.passphrase) == 0 {
		return nil, apperrors.New(apperrors.KindKeyUnavailable, "identity.unlock", "key store is locked")
	}

	key, err := k.load()
	if errors.Is(err, os.ErrNotExist) {
		key, err = k.generate()
	}
	if err != nil {
		return nil, err
	}
	k.key = key
	return key, nil
}

func (k *KeyFileSigner) load() (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindKeyUnavailable, "identity.load_key", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, apperrors.Wrap(apperrors.KindKeyUnavailable, "identity.load_key", err)
	}
	if kf.Version != keyFileV1 {
		return nil, apperrors.Newf(apperrors.KindKeyUnavailable, "identity.load_key", "unsupported key file version %d", kf.Version)
	}

	aead, err := k.aead(kf.Salt)
	if err != nil {
		return nil, err
	}
	der, err := aead.Open(nil, kf.Nonce, kf.Ciphertext, []byte(kf.Algorithm))
	if err != nil {
		return nil, apperrors.New(apperrors.KindKeyUnavailable, "identity.load_key", "cannot unseal key file")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindKeyUnavailable, "identity.load_key", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, apperrors.New(apperrors.KindKeyUnavailable, "identity.load_key", "key file does not hold an ECDSA key")
	}
	return key, nil
}

// generate creates and seals a new key. If another process sealed one first,
// that key wins and is loaded instead.
func (k *KeyFileSigner) generate() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "identity.generate_key", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "identity.generate_key", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "identity.generate_key", err)
	}
	aead, err := k.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "identity.generate_key", err)
	}

	kf := keyFile{
		Version:    keyFileV1,
		Algorithm:  keyAlgorithm,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, der, []byte(keyAlgorithm)),
	}
	data, err := json.Marshal(kf)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "identity.generate_key", err)
	}

	won, err := createExclusive(k.path, data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindKeyUnavailable, "identity.store_key", fmt.Errorf("write key file: %w", err))
	}
	if !won {
		return k.load()
	}
	return key, nil
}

func (k *KeyFileSigner) aead(salt []byte) (cipher.AEAD, error) {
	kek, err := scrypt.Key(k.passphrase, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindKeyUnavailable, "identity.derive_key", err)
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindKeyUnavailable, "identity.derive_key", err)
	}
	return aead, nil
}
