package lockbox

import "testing"

func TestOptionsDefaults(t *testing.T) {
	o := Options{Namespace: testNamespace}.withDefaults()

	if o.DefaultPolicy != PolicyNone {
		t.Errorf("DefaultPolicy = %s, want %s", o.DefaultPolicy, PolicyNone)
	}
	if o.Rotation == nil || !o.Rotation.Enabled {
		t.Error("nil rotation policy must fall back to the enabled default")
	}
	if o.UserID != "system" {
		t.Errorf("UserID = %s, want system", o.UserID)
	}
	if o.Logger == nil {
		t.Error("Logger must default to a no-op logger")
	}
}

func TestOptionsExplicitlyDisabledRotationStaysDisabled(t *testing.T) {
	o := Options{
		Namespace: testNamespace,
		Rotation:  &RotationPolicy{},
	}.withDefaults()

	if o.Rotation.Enabled {
		t.Error("an explicit zero rotation policy means disabled, not the default")
	}
	if o.Rotation.MaxKeyVersions != DefaultRotationPolicy().MaxKeyVersions {
		t.Errorf("MaxKeyVersions = %d, want the default retention bound", o.Rotation.MaxKeyVersions)
	}
}

func TestOptionsDefaultsDoNotMutateCaller(t *testing.T) {
	rotation := RotationPolicy{Enabled: true}
	o := Options{Namespace: testNamespace, Rotation: &rotation}
	o.withDefaults()

	if rotation.MaxKeyVersions != 0 {
		t.Error("withDefaults must not write through the caller's policy")
	}
}

func TestOptionsValidate(t *testing.T) {
	if err := (Options{}).Validate(); err == nil {
		t.Error("empty namespace must be rejected")
	}
	if err := (Options{Namespace: testNamespace, DefaultPolicy: "bogus"}).Validate(); err == nil {
		t.Error("unknown default policy must be rejected")
	}
	bad := Options{Namespace: testNamespace, Rotation: &RotationPolicy{MaxKeyVersions: -1}}
	if err := bad.Validate(); err == nil {
		t.Error("negative retention bound must be rejected")
	}
	if err := (Options{Namespace: testNamespace}).Validate(); err != nil {
		t.Errorf("minimal options must validate: %v", err)
	}
}
