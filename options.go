package lockbox

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Options configures a vault instance. Zero values fall back to the defaults
// the mobile embedders ship with: PolicyNone writes, strong and weak
// biometrics accepted, rotation per DefaultRotationPolicy.
type Options struct {
	// Namespace isolates this vault's entries, key aliases and rotation state
	// from other vaults sharing the same store.
	Namespace string `json:"namespace"`

	// DefaultPolicy applies to writes that do not name a policy.
	DefaultPolicy AccessPolicy `json:"default_policy,omitempty"`

	// StrongBiometricsOnly restricts biometric resolutions to class-strong
	// sensors. It narrows the authenticator mask at write time; entries
	// written before the flag changed keep their persisted mask.
	StrongBiometricsOnly bool `json:"strong_biometrics_only"`

	// Rotation configures the key rotation engine. Nil falls back to
	// DefaultRotationPolicy; an explicit zero policy disables rotation.
	Rotation *RotationPolicy `json:"rotation,omitempty"`

	// EnrollmentWatcher feeds capability-change triggers to the rotation
	// scheduler. Optional; without it only interval rotation runs.
	EnrollmentWatcher EnrollmentWatcher `json:"-"`

	// EnableMemoryLock pins the process address space where the platform
	// allows it.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// Logger receives operational logs. Defaults to a disabled logger.
	Logger *zerolog.Logger `json:"-"`

	// UserID tags audit events. Defaults to "system".
	UserID string `json:"-"`
}

func (o Options) Validate() error {
	if o.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if o.DefaultPolicy != "" && !o.DefaultPolicy.valid() {
		return fmt.Errorf("unknown default policy: %s", o.DefaultPolicy)
	}
	if o.Rotation != nil && o.Rotation.MaxKeyVersions < 0 {
		return fmt.Errorf("max key versions cannot be negative")
	}
	return nil
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.DefaultPolicy == "" {
		o.DefaultPolicy = PolicyNone
	}
	rotation := DefaultRotationPolicy()
	if o.Rotation != nil {
		rotation = *o.Rotation
		if rotation.MaxKeyVersions == 0 {
			rotation.MaxKeyVersions = DefaultRotationPolicy().MaxKeyVersions
		}
	}
	o.Rotation = &rotation
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.UserID == "" {
		o.UserID = "system"
	}
	return o
}
