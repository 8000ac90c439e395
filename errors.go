package lockbox

import "errors"

// Error taxonomy surfaced by the vault. Callers are expected to branch with
// errors.Is; the facade never wraps these in a way that hides the sentinel.
var (
	// ErrNotFound is returned when an entry does not exist. It is a normal
	// condition and is not audited as a failure.
	ErrNotFound = errors.New("entry not found")

	// ErrKeyInvalidated means the platform permanently revoked the key backing
	// an entry, typically after a biometric enrollment or device credential
	// change. The entry is unrecoverable and must be re-created; the dangling
	// key is cleaned up automatically but the ciphertext is left in place so
	// the caller can decide what to do with it.
	ErrKeyInvalidated = errors.New("key permanently invalidated")

	// ErrAuthCanceled is returned when the user dismissed the authentication
	// prompt, or when a newer authenticated operation preempted this one.
	ErrAuthCanceled = errors.New("authentication canceled")

	// ErrAuthFailed is returned when the authenticator rejected the user.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrBiometryLockout is returned when too many failed attempts locked the
	// biometric sensor. User-facing and non-fatal; not retried automatically.
	ErrBiometryLockout = errors.New("biometry locked out")

	// ErrHardwareUnavailable is reported by the keystore when hardware-backed
	// key creation is not possible. The resolver downgrades around it, so it
	// only surfaces when the downgrade itself cannot proceed.
	ErrHardwareUnavailable = errors.New("secure hardware unavailable")

	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed covers tag mismatches and corrupted ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrMigrationFailed means a legacy payload could not be read. The stored
	// bytes are left untouched.
	ErrMigrationFailed = errors.New("legacy migration failed")

	// ErrRotationInProgress is returned when a rotation is requested while one
	// is already running. Rotation is single-flight; callers retry later.
	ErrRotationInProgress = errors.New("rotation already in progress")

	// ErrVaultClosed is returned by every operation after Close.
	ErrVaultClosed = errors.New("vault is closed")
)
