package lockbox

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestRotation(t *testing.T, store *memStore, policy RotationPolicy) (*RotationManager, *Engine, *fakeKeyStore, *eventBus) {
	t.Helper()
	keys := newFakeKeyStore(t, false)
	engine := NewEngine(keys, nil, zerolog.Nop())
	events := &eventBus{}
	manager := NewRotationManager(store, engine, events, policy, false, testNamespace, nil, zerolog.Nop())
	manager.setMigrator(NewLegacyMigrator(engine, keys, manager.CurrentVersion,
		func(versionID, signature string) string { return aliasFor(testNamespace, versionID, signature) },
		func(versionID string) string { return legacyAliasFor(testNamespace, versionID) },
		zerolog.Nop()))
	return manager, engine, keys, events
}

// seedEntry encrypts a value under the manager's current version and stores
// it, going through the same write bookkeeping the vault uses.
func seedEntry(t *testing.T, manager *RotationManager, engine *Engine, store *memStore, key, value string) {
	t.Helper()

	versionID, err := manager.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	res := Resolve(PolicyNone, DeviceCapabilities{}, false)
	alias := aliasFor(testNamespace, versionID, res.Signature)

	env, err := engine.Encrypt(context.Background(), alias, []byte(value), res, Prompt{})
	if err != nil {
		t.Fatalf("Failed to encrypt seed entry: %v", err)
	}
	env.KeyVersionID = versionID
	if err = manager.noteWrite(versionID, alias); err != nil {
		t.Fatalf("noteWrite failed: %v", err)
	}

	raw, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	if err = store.SaveEntry(key, raw); err != nil {
		t.Fatalf("SaveEntry failed: %v", err)
	}
}

func TestCurrentVersionLazyInit(t *testing.T) {
	store := newMemStore()
	manager, _, _, _ := newTestRotation(t, store, DefaultRotationPolicy())

	first, err := manager.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if first == "" {
		t.Fatal("initial version must not be empty")
	}

	second, err := manager.CurrentVersion()
	if err != nil {
		t.Fatalf("second CurrentVersion failed: %v", err)
	}
	if second != first {
		t.Errorf("CurrentVersion not stable: %s vs %s", second, first)
	}

	// The state must survive a cold reload from the store.
	reloaded, _, _, _ := newTestRotation(t, store, DefaultRotationPolicy())
	third, err := reloaded.CurrentVersion()
	if err != nil {
		t.Fatalf("reloaded CurrentVersion failed: %v", err)
	}
	if third != first {
		t.Errorf("persisted version differs: %s vs %s", third, first)
	}
}

func TestRotateFullCycle(t *testing.T) {
	store := newMemStore()
	manager, engine, _, events := newTestRotation(t, store, DefaultRotationPolicy())

	oldVersion, err := manager.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}

	values := map[string]string{}
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("entry-%d", i)
		values[key] = fmt.Sprintf("value-%d", i)
		seedEntry(t, manager, engine, store, key, values[key])
	}

	var got []RotationEvent
	events.subscribe(func(ev RotationEvent) { got = append(got, ev) })

	result, err := manager.Rotate(context.Background(), "test cycle")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if result.NewVersionID == oldVersion {
		t.Error("rotation did not change the current version")
	}
	if result.ItemsReEncrypted != 5 {
		t.Errorf("ItemsReEncrypted = %d, want 5", result.ItemsReEncrypted)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}

	if len(got) != 2 || got[0].Type != RotationStarted || got[1].Type != RotationCompleted {
		t.Fatalf("expected started+completed events, got %v", got)
	}
	if got[1].ItemsReEncrypted != 5 {
		t.Errorf("completed event items = %d, want 5", got[1].ItemsReEncrypted)
	}

	// Every entry sits on the new version and still decrypts.
	for key, want := range values {
		raw, err := store.LoadEntry(key)
		if err != nil {
			t.Fatalf("LoadEntry %s failed: %v", key, err)
		}
		env, err := DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("DecodeEnvelope %s failed: %v", key, err)
		}
		if env.KeyVersionID != result.NewVersionID {
			t.Errorf("%s still on version %s", key, env.KeyVersionID)
		}

		res := RebuildResolution(env)
		alias := aliasFor(testNamespace, env.KeyVersionID, res.Signature)
		plaintext, err := engine.Decrypt(context.Background(), alias, env, res, Prompt{})
		if err != nil {
			t.Fatalf("Decrypt %s after rotation failed: %v", key, err)
		}
		if string(plaintext) != want {
			t.Errorf("%s = %q, want %q", key, plaintext, want)
		}
	}
}

func TestReencryptAllSkipsCurrentEntries(t *testing.T) {
	store := newMemStore()
	manager, engine, _, _ := newTestRotation(t, store, DefaultRotationPolicy())

	for i := 0; i < 3; i++ {
		seedEntry(t, manager, engine, store, fmt.Sprintf("entry-%d", i), "v")
	}

	result, err := manager.Rotate(context.Background(), "first")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if result.ItemsReEncrypted != 3 {
		t.Fatalf("first pass re-encrypted %d, want 3", result.ItemsReEncrypted)
	}

	// A second sweep against the same version finds nothing stale.
	count, failures := manager.reencryptAll(context.Background(), result.NewVersionID)
	if count != 0 {
		t.Errorf("second sweep re-encrypted %d, want 0", count)
	}
	if len(failures) != 0 {
		t.Errorf("second sweep failures: %v", failures)
	}
}

func TestRotateTwiceReEncryptsNothing(t *testing.T) {
	store := newMemStore()
	manager, engine, _, _ := newTestRotation(t, store, DefaultRotationPolicy())

	for i := 0; i < 5; i++ {
		seedEntry(t, manager, engine, store, fmt.Sprintf("entry-%d", i), "v")
	}

	first, err := manager.Rotate(context.Background(), "first")
	if err != nil {
		t.Fatalf("first Rotate failed: %v", err)
	}
	if first.ItemsReEncrypted != 5 {
		t.Fatalf("first Rotate re-encrypted %d, want 5", first.ItemsReEncrypted)
	}
	versionsAfterFirst := len(manager.Status().AvailableVersions)

	// With no writes in between, everything already sits on the current
	// version: the repeat rotation touches nothing and mints nothing.
	second, err := manager.Rotate(context.Background(), "second")
	if err != nil {
		t.Fatalf("second Rotate failed: %v", err)
	}
	if second.ItemsReEncrypted != 0 {
		t.Errorf("second Rotate re-encrypted %d entries, want 0", second.ItemsReEncrypted)
	}
	if second.NewVersionID != first.NewVersionID {
		t.Errorf("second Rotate moved to version %s, want %s unchanged", second.NewVersionID, first.NewVersionID)
	}
	if n := len(manager.Status().AvailableVersions); n != versionsAfterFirst {
		t.Errorf("second Rotate grew the version set to %d, want %d", n, versionsAfterFirst)
	}

	// A fresh write makes the next rotation mint again and sweep everything.
	seedEntry(t, manager, engine, store, "entry-new", "w")
	third, err := manager.Rotate(context.Background(), "third")
	if err != nil {
		t.Fatalf("third Rotate failed: %v", err)
	}
	if third.NewVersionID == first.NewVersionID {
		t.Error("rotation after a write must mint a new version")
	}
	if third.ItemsReEncrypted != 6 {
		t.Errorf("third Rotate re-encrypted %d, want 6", third.ItemsReEncrypted)
	}
}

func TestGenerateNewKeyVersion(t *testing.T) {
	store := newMemStore()
	manager, _, _, _ := newTestRotation(t, store, DefaultRotationPolicy())

	current, err := manager.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}

	version, err := manager.GenerateNewKeyVersion(true)
	if err != nil {
		t.Fatalf("GenerateNewKeyVersion failed: %v", err)
	}
	if version.ID == "" || version.CreatedAt.IsZero() {
		t.Fatalf("incomplete version: %+v", version)
	}
	if !version.RequiresBiometry {
		t.Error("RequiresBiometry not carried onto the version")
	}

	// Registered but not activated: writes keep using the old version.
	after, err := manager.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if after != current {
		t.Errorf("generation changed the current version to %s", after)
	}

	status := manager.Status()
	if len(status.AvailableVersions) != 2 {
		t.Errorf("AvailableVersions = %d, want 2", len(status.AvailableVersions))
	}
}

func TestRotateToNewKey(t *testing.T) {
	store := newMemStore()
	manager, _, _, _ := newTestRotation(t, store, DefaultRotationPolicy())

	if _, err := manager.CurrentVersion(); err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}

	version, err := manager.GenerateNewKeyVersion(false)
	if err != nil {
		t.Fatalf("GenerateNewKeyVersion failed: %v", err)
	}
	if err = manager.RotateToNewKey(version.ID); err != nil {
		t.Fatalf("RotateToNewKey failed: %v", err)
	}

	current, err := manager.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if current != version.ID {
		t.Errorf("current version = %s, want %s", current, version.ID)
	}
	if manager.Status().LastRotationAt.IsZero() {
		t.Error("activation must record the rotation time")
	}

	if err = manager.RotateToNewKey("no-such-version"); err == nil {
		t.Error("activating an unknown version must fail")
	}
}

func TestRotateRunsToCompletionDespiteCanceledContext(t *testing.T) {
	store := newMemStore()
	manager, engine, _, _ := newTestRotation(t, store, DefaultRotationPolicy())

	for i := 0; i < 3; i++ {
		seedEntry(t, manager, engine, store, fmt.Sprintf("entry-%d", i), "v")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := manager.Rotate(ctx, "shutdown race")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if result.ItemsReEncrypted != 3 {
		t.Errorf("re-encrypted %d entries, want all 3", result.ItemsReEncrypted)
	}
	if len(result.Errors) != 0 {
		t.Errorf("canceled caller context must not fail entries: %v", result.Errors)
	}
}

func TestRotatePartialFailureKeepsGoing(t *testing.T) {
	store := newMemStore()
	manager, engine, _, events := newTestRotation(t, store, DefaultRotationPolicy())

	for i := 0; i < 10; i++ {
		seedEntry(t, manager, engine, store, fmt.Sprintf("entry-%d", i), "v")
	}
	store.mu.Lock()
	store.failSave["entry-5"] = fmt.Errorf("disk full")
	store.mu.Unlock()

	var completed bool
	events.subscribe(func(ev RotationEvent) {
		if ev.Type == RotationCompleted {
			completed = true
		}
	})

	result, err := manager.Rotate(context.Background(), "partial")
	if err != nil {
		t.Fatalf("Rotate must not abort on per-entry failures: %v", err)
	}
	if result.ItemsReEncrypted != 9 {
		t.Errorf("ItemsReEncrypted = %d, want 9", result.ItemsReEncrypted)
	}
	if len(result.Errors) != 1 || result.Errors[0].Key != "entry-5" {
		t.Fatalf("expected one failure for entry-5, got %v", result.Errors)
	}
	if !completed {
		t.Error("completed event missing despite partial failure")
	}

	// The failed entry still decrypts under its old version.
	raw, err := store.LoadEntry("entry-5")
	if err != nil {
		t.Fatalf("LoadEntry failed: %v", err)
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.KeyVersionID == result.NewVersionID {
		t.Error("failed entry should remain on its previous version")
	}
	res := RebuildResolution(env)
	if _, err = engine.Decrypt(context.Background(), aliasFor(testNamespace, env.KeyVersionID, res.Signature), env, res, Prompt{}); err != nil {
		t.Errorf("failed entry no longer decrypts: %v", err)
	}

	// Once the store recovers, the next rotation retries only the leftover
	// entry instead of minting yet another version and sweeping everything.
	store.mu.Lock()
	delete(store.failSave, "entry-5")
	store.mu.Unlock()

	retry, err := manager.Rotate(context.Background(), "retry")
	if err != nil {
		t.Fatalf("retry Rotate failed: %v", err)
	}
	if retry.NewVersionID != result.NewVersionID {
		t.Errorf("retry minted a new version %s, want %s", retry.NewVersionID, result.NewVersionID)
	}
	if retry.ItemsReEncrypted != 1 {
		t.Errorf("retry re-encrypted %d entries, want just the leftover", retry.ItemsReEncrypted)
	}
	if len(retry.Errors) != 0 {
		t.Errorf("retry failures: %v", retry.Errors)
	}
}

func TestRotateSingleFlight(t *testing.T) {
	store := newMemStore()
	manager, _, _, _ := newTestRotation(t, store, DefaultRotationPolicy())

	manager.stateMu.Lock()
	manager.rotating = true
	manager.stateMu.Unlock()

	_, err := manager.Rotate(context.Background(), "concurrent")
	if err != ErrRotationInProgress {
		t.Errorf("expected ErrRotationInProgress, got %v", err)
	}
}

func TestRotateMigratesLegacyEntries(t *testing.T) {
	store := newMemStore()
	manager, engine, keys, _ := newTestRotation(t, store, DefaultRotationPolicy())

	legacy := writeLegacyEntry(t, keys, "v-old", []byte("legacy value"))
	if err := store.SaveEntry("old-entry", legacy); err != nil {
		t.Fatalf("SaveEntry failed: %v", err)
	}

	result, err := manager.Rotate(context.Background(), "legacy sweep")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if result.ItemsReEncrypted != 1 {
		t.Errorf("ItemsReEncrypted = %d, want 1", result.ItemsReEncrypted)
	}

	raw, err := store.LoadEntry("old-entry")
	if err != nil {
		t.Fatalf("LoadEntry failed: %v", err)
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("legacy entry not upgraded: %v", err)
	}

	res := RebuildResolution(env)
	plaintext, err := engine.Decrypt(context.Background(), aliasFor(testNamespace, env.KeyVersionID, res.Signature), env, res, Prompt{})
	if err != nil {
		t.Fatalf("migrated entry does not decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("legacy value")) {
		t.Errorf("migrated value = %q", plaintext)
	}
}

func TestEvictRetiredVersions(t *testing.T) {
	store := newMemStore()
	policy := DefaultRotationPolicy()
	policy.MaxKeyVersions = 2
	policy.BackgroundReEncryption = true
	manager, engine, keys, _ := newTestRotation(t, store, policy)

	// Each cycle writes a fresh entry so rotation mints a new version; the
	// sweep then moves everything off the old one, which loses its last
	// reference and becomes evictable.
	for i := 0; i < 4; i++ {
		seedEntry(t, manager, engine, store, "entry-0", "v")
		if _, err := manager.Rotate(context.Background(), "cycle"); err != nil {
			t.Fatalf("Rotate %d failed: %v", i, err)
		}
	}

	status := manager.Status()
	if len(status.AvailableVersions) > policy.MaxKeyVersions {
		t.Errorf("kept %d versions, retention bound is %d", len(status.AvailableVersions), policy.MaxKeyVersions)
	}
	if len(keys.deletedAliases()) == 0 {
		t.Error("evicted versions should destroy their key aliases")
	}
}

func TestRotationDue(t *testing.T) {
	store := newMemStore()
	policy := DefaultRotationPolicy()
	policy.Interval = time.Hour
	manager, _, _, _ := newTestRotation(t, store, policy)

	if _, err := manager.CurrentVersion(); err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}

	if manager.Due(time.Now()) {
		t.Error("fresh vault should not be due")
	}
	if !manager.Due(time.Now().Add(2 * time.Hour)) {
		t.Error("vault past its interval should be due")
	}

	disabled := policy
	disabled.Enabled = false
	manager2, _, _, _ := newTestRotation(t, newMemStore(), disabled)
	if _, err := manager2.CurrentVersion(); err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if manager2.Due(time.Now().Add(100 * time.Hour)) {
		t.Error("disabled rotation is never due")
	}
}

func TestRotationStatusSnapshot(t *testing.T) {
	store := newMemStore()
	manager, engine, _, _ := newTestRotation(t, store, DefaultRotationPolicy())

	version, err := manager.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}

	status := manager.Status()
	if status.IsRotating {
		t.Error("no rotation is running")
	}
	if status.CurrentVersion != version {
		t.Errorf("CurrentVersion = %s, want %s", status.CurrentVersion, version)
	}
	if len(status.AvailableVersions) != 1 {
		t.Errorf("AvailableVersions = %d, want 1", len(status.AvailableVersions))
	}

	seedEntry(t, manager, engine, store, "entry-0", "v")
	if _, err = manager.Rotate(context.Background(), "status test"); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	status = manager.Status()
	if status.LastRotationAt.IsZero() {
		t.Error("LastRotationAt not recorded")
	}
	if len(status.AvailableVersions) != 2 {
		t.Errorf("AvailableVersions after rotation = %d, want 2", len(status.AvailableVersions))
	}
}
