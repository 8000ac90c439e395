package lockbox

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/misc"
)

// CipherMode selects the direction a keystore cipher is initialized for.
type CipherMode int

const (
	ModeEncrypt CipherMode = iota
	ModeDecrypt
)

// KeySpec carries the key-creation parameters derived from an
// AccessResolution. The keystore is free to ignore parameters it cannot
// honor, except hardware isolation, which must fail with
// ErrHardwareUnavailable when unsupported.
type KeySpec struct {
	AuthConfig                   AuthConfigClass
	AllowedAuthenticators        Authenticators
	UseHardwareIsolation         bool
	InvalidateOnEnrollmentChange bool
}

// KeySpecFor builds the keystore parameters for a resolution via the
// capability-tier table.
func KeySpecFor(r AccessResolution) KeySpec {
	return KeySpec{
		AuthConfig:                   r.AuthConfig(),
		AllowedAuthenticators:        r.AllowedAuthenticators,
		UseHardwareIsolation:         r.UseHardwareIsolation,
		InvalidateOnEnrollmentChange: r.InvalidateOnEnrollmentChange,
	}
}

// KeyHandle is an opaque reference to a named key held by the keystore.
type KeyHandle interface {
	Alias() string
}

// Cipher is a single-use AEAD operation handle. Encrypt-mode ciphers carry a
// keystore-generated random IV; decrypt-mode ciphers are bound to the IV the
// envelope was written with.
type Cipher interface {
	// IV returns the initialization vector this cipher operates with.
	IV() []byte

	// Finalize seals (encrypt mode) or opens (decrypt mode) the payload.
	// Decrypt mode fails with ErrDecryptionFailed on tag mismatch and
	// ErrKeyInvalidated when the backing key was permanently revoked.
	Finalize(data []byte) ([]byte, error)

	// Release discards the handle without finalizing. Best-effort; called on
	// cancellation so no key is left half-initialized.
	Release()
}

// KeyStore is the platform secure key store collaborator. Implementations
// create, hold and destroy named keys and perform the actual cipher
// operations; the engine never sees raw key material.
type KeyStore interface {
	// GetOrCreateKey returns the key for alias, creating it with spec when it
	// does not exist. Fails with ErrHardwareUnavailable when spec demands
	// hardware isolation the device cannot provide, and ErrKeyInvalidated
	// when the existing key was permanently revoked.
	GetOrCreateKey(alias string, spec KeySpec) (KeyHandle, error)

	// DeleteKey removes the named key. Absence is not an error.
	DeleteKey(alias string) error

	// NewCipher initializes an AEAD cipher. Encrypt mode requires iv == nil
	// (the keystore generates a fresh random one); decrypt mode requires the
	// envelope's stored iv.
	NewCipher(mode CipherMode, key KeyHandle, iv []byte) (Cipher, error)

	// HardwareIsolationAvailable feeds the capability probe.
	HardwareIsolationAvailable() bool
}

// Prompt is the text shown by the authenticator UI.
type Prompt struct {
	Title    string
	Subtitle string
	Cancel   string
}

// CapabilityChangeKind identifies which enrollment surface changed.
type CapabilityChangeKind string

const (
	BiometricEnrollmentChanged CapabilityChangeKind = "biometric-enrollment"
	DeviceCredentialChanged    CapabilityChangeKind = "device-credential"
)

// Authenticator is the biometric/credential prompt collaborator. Authorize
// blocks until the user responds or ctx is canceled; there is no implicit
// timeout at this layer.
type Authenticator interface {
	// Authorize presents the prompt and returns a cipher authorized for one
	// use, or ErrAuthCanceled / ErrAuthFailed / ErrBiometryLockout.
	Authorize(ctx context.Context, c Cipher, allowed Authenticators, prompt Prompt) (Cipher, error)

	BiometryAvailable() bool
	DeviceCredentialAvailable() bool
}

// EnrollmentWatcher is optionally implemented by authenticators that can
// report enrollment changes; the rotation scheduler subscribes to it.
type EnrollmentWatcher interface {
	EnrollmentChanges() <-chan CapabilityChangeKind
}

// ivSize is the AEAD nonce length used by the software keystore.
const ivSize = chacha20poly1305.NonceSize

// SoftwareKeyStore is the in-process KeyStore used where no platform keystore
// is bound: tests, the CLI, and desktop embedders. Key material derives from a
// memguard-protected master secret; per-alias subkeys come from HKDF-SHA256 so
// the store persists nothing per key. It offers no hardware isolation and
// never invalidates keys.
type SoftwareKeyStore struct {
	master  *memguard.Enclave
	mu      sync.Mutex
	deleted map[string]bool
}

// NewSoftwareKeyStore derives the master secret from a passphrase and salt
// using Argon2id. The salt must be at least 16 bytes and must be stable across
// sessions or nothing decrypts.
func NewSoftwareKeyStore(passphrase string, salt []byte) (*SoftwareKeyStore, error) {
	if len(passphrase) < 12 {
		return nil, fmt.Errorf("passphrase must be at least 12 characters long")
	}
	if len(salt) < misc.SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", misc.SaltSize)
	}

	saltEnclave := memguard.NewEnclave(append([]byte(nil), salt...))
	derived, err := crypto.DeriveKey([]byte(passphrase), saltEnclave)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master secret: %w", err)
	}

	keyBytes := make([]byte, len(derived.Bytes()))
	copy(keyBytes, derived.Bytes())
	derived.Destroy()

	if crypto.IsWeakKey(keyBytes) {
		memguard.WipeBytes(keyBytes)
		return nil, fmt.Errorf("derived master secret failed strength check")
	}

	ks := &SoftwareKeyStore{
		master:  memguard.NewEnclave(keyBytes),
		deleted: make(map[string]bool),
	}
	return ks, nil
}

// NewEphemeralKeyStore uses a random master secret that dies with the
// process. Useful for tests and caches.
func NewEphemeralKeyStore() (*SoftwareKeyStore, error) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("failed to generate master secret: %w", err)
	}
	return &SoftwareKeyStore{
		master:  memguard.NewEnclave(master),
		deleted: make(map[string]bool),
	}, nil
}

type softwareKeyHandle struct {
	alias string
	key   []byte
}

func (h *softwareKeyHandle) Alias() string { return h.alias }

func (s *SoftwareKeyStore) GetOrCreateKey(alias string, spec KeySpec) (KeyHandle, error) {
	if spec.UseHardwareIsolation {
		return nil, ErrHardwareUnavailable
	}

	s.mu.Lock()
	delete(s.deleted, alias)
	s.mu.Unlock()

	key, err := s.deriveAliasKey(alias)
	if err != nil {
		return nil, err
	}
	return &softwareKeyHandle{alias: alias, key: key}, nil
}

func (s *SoftwareKeyStore) DeleteKey(alias string) error {
	s.mu.Lock()
	s.deleted[alias] = true
	s.mu.Unlock()
	return nil
}

func (s *SoftwareKeyStore) NewCipher(mode CipherMode, key KeyHandle, iv []byte) (Cipher, error) {
	h, ok := key.(*softwareKeyHandle)
	if !ok {
		return nil, fmt.Errorf("%w: foreign key handle", ErrEncryptionFailed)
	}

	s.mu.Lock()
	gone := s.deleted[h.alias]
	s.mu.Unlock()
	if gone {
		return nil, fmt.Errorf("%w: key %s deleted", ErrDecryptionFailed, h.alias)
	}

	aead, err := chacha20poly1305.New(h.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	switch mode {
	case ModeEncrypt:
		if iv != nil {
			return nil, errors.New("encrypt mode generates its own iv")
		}
		iv = make([]byte, ivSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("failed to generate iv: %w", err)
		}
		return &softwareCipher{aead: aead, iv: iv, encrypt: true}, nil
	case ModeDecrypt:
		if len(iv) != ivSize {
			return nil, fmt.Errorf("%w: bad iv length %d", ErrDecryptionFailed, len(iv))
		}
		return &softwareCipher{aead: aead, iv: append([]byte(nil), iv...)}, nil
	default:
		return nil, fmt.Errorf("unknown cipher mode %d", mode)
	}
}

func (s *SoftwareKeyStore) HardwareIsolationAvailable() bool { return false }

// deriveAliasKey expands a 32-byte subkey for alias from the master secret.
// The alias embeds the resolution signature, so keys are bound to the exact
// protection contract they were created under.
func (s *SoftwareKeyStore) deriveAliasKey(alias string) ([]byte, error) {
	masterBuffer, err := s.master.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access master secret: %w", err)
	}
	defer masterBuffer.Destroy()

	kdf := hkdf.New(sha256.New, masterBuffer.Bytes(), nil, []byte(alias))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key for %s: %w", alias, err)
	}
	return key, nil
}

type softwareCipher struct {
	aead    cipher.AEAD
	iv      []byte
	encrypt bool
}

func (c *softwareCipher) IV() []byte { return c.iv }

func (c *softwareCipher) Finalize(data []byte) ([]byte, error) {
	if c.encrypt {
		return c.aead.Seal(nil, c.iv, data, nil), nil
	}
	plaintext, err := c.aead.Open(nil, c.iv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (c *softwareCipher) Release() {}

// NoAuthenticator authorizes nothing and reports no biometric or credential
// capability. It is the default when the embedder wires no prompt UI; with it,
// only PolicyNone resolutions are reachable.
type NoAuthenticator struct{}

func (NoAuthenticator) Authorize(ctx context.Context, c Cipher, allowed Authenticators, prompt Prompt) (Cipher, error) {
	return nil, ErrAuthFailed
}

func (NoAuthenticator) BiometryAvailable() bool         { return false }
func (NoAuthenticator) DeviceCredentialAvailable() bool { return false }
