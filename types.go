package lockbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AccessPolicy is the protection level a caller requests for an entry. It is
// an input only; the tier actually achieved depends on device capabilities.
type AccessPolicy string

const (
	// PolicyHardwareIsolatedBiometric requires a biometric prompt and a key
	// held inside a dedicated secure processor.
	PolicyHardwareIsolatedBiometric AccessPolicy = "hardware-isolated-biometric"

	// PolicyBiometricCurrentSet requires a biometric prompt and invalidates
	// the key when the enrolled biometric set changes.
	PolicyBiometricCurrentSet AccessPolicy = "biometric-current-set"

	// PolicyBiometricAny requires a biometric prompt but survives enrollment
	// changes.
	PolicyBiometricAny AccessPolicy = "biometric-any"

	// PolicyDeviceCredential requires the device PIN/pattern/password.
	PolicyDeviceCredential AccessPolicy = "device-credential"

	// PolicyNone stores the entry encrypted at rest with no prompt.
	PolicyNone AccessPolicy = "none"
)

// policyPreferenceOrder is the fixed fallback order the resolver walks after
// the requested policy, strongest first.
var policyPreferenceOrder = []AccessPolicy{
	PolicyHardwareIsolatedBiometric,
	PolicyBiometricCurrentSet,
	PolicyBiometricAny,
	PolicyDeviceCredential,
	PolicyNone,
}

func (p AccessPolicy) valid() bool {
	switch p {
	case PolicyHardwareIsolatedBiometric, PolicyBiometricCurrentSet,
		PolicyBiometricAny, PolicyDeviceCredential, PolicyNone:
		return true
	}
	return false
}

// requiresBiometry reports whether keys written under this policy are bound
// to biometric verification.
func (p AccessPolicy) requiresBiometry() bool {
	switch p {
	case PolicyHardwareIsolatedBiometric, PolicyBiometricCurrentSet, PolicyBiometricAny:
		return true
	}
	return false
}

// SecurityTier is the protection level actually achieved for an entry,
// ordered strongest to weakest.
type SecurityTier string

const (
	TierHardwareIsolated SecurityTier = "hardware-isolated"
	TierBiometric        SecurityTier = "biometric"
	TierDeviceCredential SecurityTier = "device-credential"
	TierSoftware         SecurityTier = "software"
)

var tierRank = map[SecurityTier]int{
	TierHardwareIsolated: 4,
	TierBiometric:        3,
	TierDeviceCredential: 2,
	TierSoftware:         1,
}

// StrongerThan reports whether t is a strictly stronger tier than other.
func (t SecurityTier) StrongerThan(other SecurityTier) bool {
	return tierRank[t] > tierRank[other]
}

// DeviceCapabilities is a cached snapshot of what the device can do. A stale
// snapshot only affects which tier new writes resolve to, never the
// decryptability of existing entries.
type DeviceCapabilities struct {
	HardwareIsolation bool `json:"hardware_isolation"`
	Biometry          bool `json:"biometry"`
	DeviceCredential  bool `json:"device_credential"`
}

// Authenticators is a bitmask of authenticator classes a resolution accepts.
type Authenticators uint32

const (
	AuthStrongBiometric Authenticators = 1 << iota
	AuthWeakBiometric
	AuthDeviceCredential
)

// Has reports whether the mask contains all bits of a.
func (m Authenticators) Has(a Authenticators) bool { return m&a == a }

// AuthConfigClass is the coarse authentication-configuration class used to
// parameterize keystore keys. The engine branches on this table instead of
// platform version numbers.
type AuthConfigClass string

const (
	AuthConfigNone                AuthConfigClass = "none"
	AuthConfigBiometricPerOp      AuthConfigClass = "biometric-per-operation"
	AuthConfigBiometricTimeout    AuthConfigClass = "biometric-with-timeout"
	AuthConfigCredentialWithGrace AuthConfigClass = "device-credential-with-grace-period"
)

// AccessResolution is the concrete, reproducible protection contract for one
// entry. It is created once per write and reconstructed from the entry's own
// persisted metadata on every read, so decryption never depends on
// re-negotiating policy against possibly-changed capabilities.
type AccessResolution struct {
	Policy                       AccessPolicy
	Tier                         SecurityTier
	RequiresAuthentication       bool
	AllowedAuthenticators        Authenticators
	UseHardwareIsolation         bool
	InvalidateOnEnrollmentChange bool

	// Signature is a pure function of the other fields. Identical inputs
	// always produce identical signatures; it keys per-resolution key aliases
	// and lets a resolution be rebuilt byte-for-byte after a restart.
	Signature string
}

// computeSignature hashes the canonical encoding of every field except the
// signature itself. Any field change changes the signature.
func (r AccessResolution) computeSignature() string {
	canonical := fmt.Sprintf("p=%s|t=%s|a=%t|m=%d|h=%t|i=%t",
		r.Policy, r.Tier, r.RequiresAuthentication,
		r.AllowedAuthenticators, r.UseHardwareIsolation,
		r.InvalidateOnEnrollmentChange)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// AuthConfig returns the authentication-configuration class for this
// resolution, resolved from the capability-tier table.
func (r AccessResolution) AuthConfig() AuthConfigClass {
	if !r.RequiresAuthentication {
		return AuthConfigNone
	}
	switch r.Tier {
	case TierDeviceCredential:
		return AuthConfigCredentialWithGrace
	default:
		if r.InvalidateOnEnrollmentChange {
			return AuthConfigBiometricPerOp
		}
		return AuthConfigBiometricTimeout
	}
}

// Envelope format versions. Version 1 is the legacy fixed-IV JSON scheme;
// version 2 is the current random-IV CBOR scheme.
const (
	FormatLegacy  byte = 1
	FormatCurrent byte = 2
)

// EncryptedEnvelope is the on-disk ciphertext unit for one entry.
type EncryptedEnvelope struct {
	Ciphertext            []byte         `cbor:"1,keyasint" json:"ciphertext"`
	IV                    []byte         `cbor:"2,keyasint" json:"iv"`
	FormatVersion         byte           `cbor:"3,keyasint" json:"format_version"`
	KeyVersionID          string         `cbor:"4,keyasint" json:"key_version_id"`
	Tier                  SecurityTier   `cbor:"5,keyasint" json:"tier"`
	Policy                AccessPolicy   `cbor:"6,keyasint" json:"policy"`
	AllowedAuthenticators Authenticators `cbor:"7,keyasint" json:"allowed_authenticators"`
	Timestamp             time.Time      `cbor:"8,keyasint" json:"timestamp"`
}

// KeyVersion is one generation of the vault's data key. At most one version
// is current at any time.
type KeyVersion struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	RequiresBiometry bool      `json:"requires_biometry"`

	// Aliases are the keystore aliases created under this version, one per
	// resolution signature seen. Needed to destroy the version's key material
	// once no entry references it.
	Aliases []string `json:"aliases,omitempty"`
}

// RotationPolicy is the operator configuration for the rotation engine.
type RotationPolicy struct {
	Enabled                  bool          `json:"enabled"`
	Interval                 time.Duration `json:"interval"`
	RotateOnBiometricChange  bool          `json:"rotate_on_biometric_change"`
	RotateOnCredentialChange bool          `json:"rotate_on_credential_change"`

	// MaxKeyVersions bounds how many retired key versions are kept around for
	// delayed migration before eviction.
	MaxKeyVersions int `json:"max_key_versions"`

	// BackgroundReEncryption re-encrypts every stale entry during Rotate.
	BackgroundReEncryption bool `json:"background_re_encryption"`
}

// DefaultRotationPolicy mirrors the defaults the mobile embedders ship with.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		Enabled:                  true,
		Interval:                 30 * 24 * time.Hour,
		RotateOnBiometricChange:  true,
		RotateOnCredentialChange: false,
		MaxKeyVersions:           3,
		BackgroundReEncryption:   true,
	}
}

// RotationEventType discriminates rotation lifecycle events.
type RotationEventType string

const (
	RotationStarted           RotationEventType = "started"
	RotationCompleted         RotationEventType = "completed"
	RotationFailed            RotationEventType = "failed"
	RotationCapabilityChanged RotationEventType = "capability-changed"
)

// RotationEvent is a lifecycle notification. Exactly one Started is followed
// by exactly one Completed or Failed per rotation attempt.
type RotationEvent struct {
	Type             RotationEventType `json:"type"`
	Reason           string            `json:"reason,omitempty"`
	ItemsReEncrypted int               `json:"items_re_encrypted,omitempty"`
	Duration         time.Duration     `json:"duration,omitempty"`
	Capability       string            `json:"capability,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// RotationError records a single entry that failed during bulk re-encryption.
type RotationError struct {
	Key string `json:"key"`
	Err string `json:"error"`
}

// RotationResult is the outcome of one full rotation cycle. Errors holds the
// per-entry failures that did not abort the batch.
type RotationResult struct {
	NewVersionID     string          `json:"new_version_id"`
	ItemsReEncrypted int             `json:"items_re_encrypted"`
	Duration         time.Duration   `json:"duration"`
	Errors           []RotationError `json:"errors,omitempty"`
}

// RotationStatus is a point-in-time view of the rotation engine.
type RotationStatus struct {
	IsRotating        bool         `json:"is_rotating"`
	CurrentVersion    string       `json:"current_version"`
	AvailableVersions []KeyVersion `json:"available_versions"`
	LastRotationAt    time.Time    `json:"last_rotation_at"`
}

// EntryMetadata is the caller-visible metadata for a stored entry. It never
// contains plaintext.
type EntryMetadata struct {
	Key           string       `json:"key"`
	Policy        AccessPolicy `json:"policy"`
	Tier          SecurityTier `json:"tier"`
	FormatVersion byte         `json:"format_version"`
	KeyVersionID  string       `json:"key_version_id"`
	Timestamp     time.Time    `json:"timestamp"`
	Size          int          `json:"size"`
}

// ListedEntry is one element of ListAll. Value is populated only when values
// were requested and the entry decrypted cleanly.
type ListedEntry struct {
	Metadata EntryMetadata `json:"metadata"`
	Value    []byte        `json:"value,omitempty"`
}

func metadataFromEnvelope(key string, env *EncryptedEnvelope) EntryMetadata {
	return EntryMetadata{
		Key:           key,
		Policy:        env.Policy,
		Tier:          env.Tier,
		FormatVersion: env.FormatVersion,
		KeyVersionID:  env.KeyVersionID,
		Timestamp:     env.Timestamp,
		Size:          len(env.Ciphertext),
	}
}
