package lockbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/persist"
)

// rotationState is the persisted bookkeeping for key versions. It carries no
// secret material, only identifiers and timestamps, so it is stored as plain
// JSON next to the entries.
type rotationState struct {
	Version          int                   `json:"version"`
	CurrentVersionID string                `json:"current_version_id"`
	LastRotationAt   time.Time             `json:"last_rotation_at"`
	Versions         map[string]KeyVersion `json:"versions"`

	// PendingWrites flips to true when an entry is written under the current
	// version and back to false when a new version is activated. A rotation
	// that finds it false re-targets the existing current version instead of
	// minting another one.
	PendingWrites bool `json:"pending_writes"`
}

const rotationStateVersion = 1

// RotationManager owns the key-version lifecycle: lazy creation of the first
// version, single-flight rotation with bulk re-encryption, and eviction of
// retired versions once nothing references them. Reads and writes keep
// working throughout a rotation; a new rotation request while one is running
// fails fast with ErrRotationInProgress.
type RotationManager struct {
	store     persist.Store
	engine    *Engine
	migrator  *LegacyMigrator
	events    *eventBus
	policy    RotationPolicy
	namespace string
	auditLog  audit.Logger
	log       zerolog.Logger

	// requiresBiometry marks versions this manager mints itself, derived from
	// the vault's default policy.
	requiresBiometry bool

	stateMu  sync.Mutex
	rotating bool
	state    *rotationState
}

func NewRotationManager(store persist.Store, engine *Engine, events *eventBus,
	policy RotationPolicy, requiresBiometry bool, namespace string, auditLog audit.Logger, log zerolog.Logger) *RotationManager {
	if auditLog == nil {
		auditLog = audit.NewNoOpLogger()
	}
	return &RotationManager{
		store:            store,
		engine:           engine,
		events:           events,
		policy:           policy,
		requiresBiometry: requiresBiometry,
		namespace:        namespace,
		auditLog:         auditLog,
		log:              log,
	}
}

// setMigrator wires the legacy migrator used for legacy entries encountered
// during bulk re-encryption. Set once during vault construction.
func (r *RotationManager) setMigrator(m *LegacyMigrator) { r.migrator = m }

// CurrentVersion returns the ID of the active key version, creating the first
// version on a fresh vault.
func (r *RotationManager) CurrentVersion() (string, error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := r.loadStateLocked()
	if err != nil {
		return "", err
	}
	if state.CurrentVersionID != "" {
		return state.CurrentVersionID, nil
	}

	version := KeyVersion{ID: newVersionID(), CreatedAt: time.Now().UTC(), RequiresBiometry: r.requiresBiometry}
	state.CurrentVersionID = version.ID
	state.Versions[version.ID] = version
	if err = r.saveStateLocked(); err != nil {
		return "", fmt.Errorf("failed to persist initial key version: %w", err)
	}

	r.log.Info().Str("version", version.ID).Msg("created initial key version")
	return version.ID, nil
}

// GenerateNewKeyVersion registers a freshly named key version without touching
// existing entries or the current pointer. The version only takes effect once
// RotateToNewKey activates it.
func (r *RotationManager) GenerateNewKeyVersion(requiresBiometry bool) (KeyVersion, error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := r.loadStateLocked()
	if err != nil {
		return KeyVersion{}, err
	}

	version := KeyVersion{ID: newVersionID(), CreatedAt: time.Now().UTC(), RequiresBiometry: requiresBiometry}
	state.Versions[version.ID] = version
	if err = r.saveStateLocked(); err != nil {
		return KeyVersion{}, fmt.Errorf("failed to persist new key version: %w", err)
	}

	r.log.Info().Str("version", version.ID).Bool("requires_biometry", requiresBiometry).Msg("generated key version")
	return version, nil
}

// RotateToNewKey makes versionID the current version. Subsequent writes use
// it; existing entries stay readable under their original versions until
// re-encrypted.
func (r *RotationManager) RotateToNewKey(versionID string) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := r.loadStateLocked()
	if err != nil {
		return err
	}
	if _, ok := state.Versions[versionID]; !ok {
		return fmt.Errorf("unknown key version: %s", versionID)
	}

	state.CurrentVersionID = versionID
	state.LastRotationAt = time.Now().UTC()
	state.PendingWrites = false
	if err = r.saveStateLocked(); err != nil {
		return fmt.Errorf("failed to activate key version: %w", err)
	}

	r.log.Info().Str("version", versionID).Msg("activated key version")
	return nil
}

// noteAlias records that a keystore alias was created under a version, so the
// alias can be destroyed when the version is evicted. Unknown versions are
// ignored; duplicate aliases are not recorded twice.
func (r *RotationManager) noteAlias(versionID, alias string) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := r.loadStateLocked()
	if err != nil {
		return err
	}
	version, ok := state.Versions[versionID]
	if !ok {
		return nil
	}
	for _, a := range version.Aliases {
		if a == alias {
			return nil
		}
	}
	version.Aliases = append(version.Aliases, alias)
	state.Versions[versionID] = version
	return r.saveStateLocked()
}

// noteWrite records an alias like noteAlias and additionally marks the version
// as carrying fresh writes, which is what the next rotation keys off when
// deciding whether to mint a new version. Entry writes go through here; the
// rotation sweep's own re-encryptions go through noteAlias and do not count.
func (r *RotationManager) noteWrite(versionID, alias string) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := r.loadStateLocked()
	if err != nil {
		return err
	}
	state.PendingWrites = true

	if version, ok := state.Versions[versionID]; ok {
		known := false
		for _, a := range version.Aliases {
			if a == alias {
				known = true
				break
			}
		}
		if !known {
			version.Aliases = append(version.Aliases, alias)
			state.Versions[versionID] = version
		}
	}
	return r.saveStateLocked()
}

// Rotate runs one full rotation cycle: establish the target key version,
// re-encrypt stale entries when the policy asks for it, and evict retired
// versions past the retention bound. A new version is minted only when writes
// happened since the last activation, so repeating Rotate with nothing new
// converges to a no-op. Per-entry re-encryption failures are collected into
// the result instead of aborting the batch; only a failure to establish the
// target version is fatal.
func (r *RotationManager) Rotate(ctx context.Context, reason string) (*RotationResult, error) {
	r.stateMu.Lock()
	if r.rotating {
		r.stateMu.Unlock()
		return nil, ErrRotationInProgress
	}
	r.rotating = true
	r.stateMu.Unlock()

	defer func() {
		r.stateMu.Lock()
		r.rotating = false
		r.stateMu.Unlock()
	}()

	// A rotation is not cancellable once started. Detaching from the caller's
	// context keeps a vault Close or a canceled caller from stranding entries
	// on the old version mid-sweep.
	ctx = context.WithoutCancel(ctx)

	requestID := newRequestID()
	start := time.Now()
	r.events.publish(RotationEvent{Type: RotationStarted, Reason: reason})
	r.auditLog.Log("rotation_started", true, map[string]interface{}{
		"request_id": requestID,
		"reason":     reason,
	})

	targetVersion, minted, err := r.establishTargetVersion()
	if err != nil {
		r.events.publish(RotationEvent{Type: RotationFailed, Reason: err.Error()})
		r.auditLog.Log("rotation_failed", false, map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("rotation failed: %w", err)
	}

	result := &RotationResult{NewVersionID: targetVersion}

	if r.policy.BackgroundReEncryption {
		result.ItemsReEncrypted, result.Errors = r.reencryptAll(ctx, targetVersion)
	}

	if err = r.evictRetiredVersions(); err != nil {
		r.log.Warn().Err(err).Msg("eviction of retired key versions failed")
	}

	result.Duration = time.Since(start)
	r.events.publish(RotationEvent{
		Type:             RotationCompleted,
		Reason:           reason,
		ItemsReEncrypted: result.ItemsReEncrypted,
		Duration:         result.Duration,
	})
	r.auditLog.Log("rotation_completed", true, map[string]interface{}{
		"request_id":         requestID,
		"new_version":        targetVersion,
		"version_minted":     minted,
		"items_re_encrypted": result.ItemsReEncrypted,
		"failed_items":       len(result.Errors),
		"duration_ms":        result.Duration.Milliseconds(),
	})

	r.log.Info().
		Str("version", targetVersion).
		Bool("minted", minted).
		Int("re_encrypted", result.ItemsReEncrypted).
		Int("failed", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("key rotation completed")
	return result, nil
}

// establishTargetVersion decides what the re-encryption sweep converges on. A
// fresh version is minted and activated only when entries were written under
// the current one, or when no version exists yet. Otherwise the current
// version was itself produced by a rotation and has seen no writes since, so
// the sweep re-targets it: the previous cycle's leftovers get retried and a
// fully converged vault rotates as a no-op.
func (r *RotationManager) establishTargetVersion() (string, bool, error) {
	r.stateMu.Lock()
	state, err := r.loadStateLocked()
	if err != nil {
		r.stateMu.Unlock()
		return "", false, err
	}
	if state.CurrentVersionID != "" && !state.PendingWrites {
		target := state.CurrentVersionID
		state.LastRotationAt = time.Now().UTC()
		err = r.saveStateLocked()
		r.stateMu.Unlock()
		return target, false, err
	}
	r.stateMu.Unlock()

	version, err := r.GenerateNewKeyVersion(r.requiresBiometry)
	if err != nil {
		return "", false, err
	}
	return version.ID, true, r.RotateToNewKey(version.ID)
}

// reencryptAll walks every stored entry and re-encrypts the ones still on an
// older version under the new one, preserving each entry's resolution exactly.
// Entries already on the new version are skipped, which makes a re-run after a
// partial failure pick up only the leftovers.
func (r *RotationManager) reencryptAll(ctx context.Context, newVersionID string) (int, []RotationError) {
	entries, err := r.store.ListEntries()
	if err != nil {
		return 0, []RotationError{{Key: "*", Err: fmt.Sprintf("failed to list entries: %v", err)}}
	}

	var count int
	var failures []RotationError
	for _, entry := range entries {
		migrated, err := r.reencryptEntry(ctx, entry, newVersionID)
		if err != nil {
			failures = append(failures, RotationError{Key: entry.Key, Err: err.Error()})
			r.log.Warn().Err(err).Str("key", entry.Key).Msg("entry re-encryption failed, kept on old version")
			continue
		}
		if migrated {
			count++
		}
	}
	return count, failures
}

// reencryptEntry moves a single entry onto the new version. Legacy entries go
// through the migrator's upgrade path, which already lands them on the current
// version. Returns false when the entry was already current.
func (r *RotationManager) reencryptEntry(ctx context.Context, entry persist.Entry, newVersionID string) (bool, error) {
	if r.migrator != nil && r.migrator.IsLegacy(entry.Data) {
		_, upgraded, err := r.migrator.ReadAndMaybeUpgrade(ctx, entry.Key, entry.Data, Prompt{})
		if err != nil {
			return false, err
		}
		return true, r.persistEnvelope(entry.Key, upgraded)
	}

	env, err := DecodeEnvelope(entry.Data)
	if err != nil {
		return false, err
	}
	if env.KeyVersionID == newVersionID {
		return false, nil
	}

	res := RebuildResolution(env)
	oldAlias := aliasFor(r.namespace, env.KeyVersionID, res.Signature)
	plaintext, err := r.engine.Decrypt(ctx, oldAlias, env, res, Prompt{})
	if err != nil {
		return false, err
	}

	newAlias := aliasFor(r.namespace, newVersionID, res.Signature)
	fresh, err := r.engine.Encrypt(ctx, newAlias, plaintext, res, Prompt{})
	if err != nil {
		return false, err
	}
	fresh.KeyVersionID = newVersionID

	if err = r.noteAlias(newVersionID, newAlias); err != nil {
		return false, err
	}
	return true, r.persistEnvelope(entry.Key, fresh)
}

func (r *RotationManager) persistEnvelope(key string, env *EncryptedEnvelope) error {
	raw, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return r.store.SaveEntry(key, raw)
}

// evictRetiredVersions destroys key versions that exceed the retention bound
// and are no longer referenced by any stored entry. The current version and
// any version still carrying entries are never evicted.
func (r *RotationManager) evictRetiredVersions() error {
	inUse, err := r.versionsInUse()
	if err != nil {
		return err
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := r.loadStateLocked()
	if err != nil {
		return err
	}

	retired := make([]KeyVersion, 0, len(state.Versions))
	for id, v := range state.Versions {
		if id == state.CurrentVersionID || inUse[id] {
			continue
		}
		retired = append(retired, v)
	}

	keep := r.policy.MaxKeyVersions - 1 // current version counts against the bound
	if keep < 0 {
		keep = 0
	}
	if len(retired) <= keep {
		return nil
	}

	// Oldest retired versions go first.
	sortKeyVersionsByAge(retired)
	for _, v := range retired[:len(retired)-keep] {
		for _, alias := range v.Aliases {
			r.engine.DeleteKey(alias)
		}
		delete(state.Versions, v.ID)
		r.log.Info().Str("version", v.ID).Msg("evicted retired key version")
	}
	return r.saveStateLocked()
}

// versionsInUse scans stored entries for the key versions they reference.
// Legacy entries count too: their version must stay resolvable until upgrade.
func (r *RotationManager) versionsInUse() (map[string]bool, error) {
	entries, err := r.store.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries for eviction scan: %w", err)
	}

	inUse := make(map[string]bool)
	for _, entry := range entries {
		if len(entry.Data) == 0 {
			continue
		}
		switch entry.Data[0] {
		case FormatCurrent:
			env, err := DecodeEnvelope(entry.Data)
			if err != nil {
				continue
			}
			inUse[env.KeyVersionID] = true
		case FormatLegacy:
			payload, err := decodeLegacyPayload(entry.Data)
			if err != nil {
				continue
			}
			inUse[payload.KeyVersionID] = true
		}
	}
	return inUse, nil
}

// Due reports whether the wall-clock rotation interval has elapsed. A fresh
// vault with no prior rotation is not due; the first version's creation time
// starts the clock.
func (r *RotationManager) Due(now time.Time) bool {
	if !r.policy.Enabled || r.policy.Interval <= 0 {
		return false
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := r.loadStateLocked()
	if err != nil {
		return false
	}

	last := state.LastRotationAt
	if last.IsZero() {
		current, ok := state.Versions[state.CurrentVersionID]
		if !ok {
			return false
		}
		last = current.CreatedAt
	}
	return now.Sub(last) >= r.policy.Interval
}

// Status returns a point-in-time snapshot of the rotation engine.
func (r *RotationManager) Status() RotationStatus {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	status := RotationStatus{IsRotating: r.rotating}
	state, err := r.loadStateLocked()
	if err != nil {
		return status
	}

	status.CurrentVersion = state.CurrentVersionID
	status.LastRotationAt = state.LastRotationAt
	status.AvailableVersions = make([]KeyVersion, 0, len(state.Versions))
	for _, v := range state.Versions {
		status.AvailableVersions = append(status.AvailableVersions, v)
	}
	sortKeyVersionsByAge(status.AvailableVersions)
	return status
}

// loadStateLocked returns the cached state, reading it from the store on
// first use. Callers must hold stateMu.
func (r *RotationManager) loadStateLocked() (*rotationState, error) {
	if r.state != nil {
		return r.state, nil
	}

	raw, err := r.store.LoadRotationState()
	if errors.Is(err, persist.ErrNotFound) {
		r.state = &rotationState{
			Version:  rotationStateVersion,
			Versions: make(map[string]KeyVersion),
		}
		return r.state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rotation state: %w", err)
	}

	var state rotationState
	if err = json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to parse rotation state: %w", err)
	}
	if state.Versions == nil {
		state.Versions = make(map[string]KeyVersion)
	}
	r.state = &state
	return r.state, nil
}

func (r *RotationManager) saveStateLocked() error {
	raw, err := json.Marshal(r.state)
	if err != nil {
		return fmt.Errorf("failed to encode rotation state: %w", err)
	}
	return r.store.SaveRotationState(raw)
}

func sortKeyVersionsByAge(versions []KeyVersion) {
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && versions[j].CreatedAt.Before(versions[j-1].CreatedAt); j-- {
			versions[j], versions[j-1] = versions[j-1], versions[j]
		}
	}
}
