package lockbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/internal/mem"
	"southwinds.dev/lockbox/persist"
)

func init() {
	memguard.CatchInterrupt()
}

// Vault is the embedding surface: policy-resolved encrypted storage with
// transparent legacy upgrade and zero-downtime key rotation. All methods are
// safe for concurrent use; reads and writes keep working while a rotation
// runs in the background.
type Vault struct {
	store     persist.Store
	engine    *Engine
	probe     *CapabilityProbe
	migrator  *LegacyMigrator
	rotation  *RotationManager
	scheduler *RotationScheduler
	events    *eventBus

	options Options
	audit   audit.Logger
	log     zerolog.Logger

	memoryProtectionLevel mem.ProtectionLevel

	mu     sync.RWMutex
	closed bool
}

// New assembles a vault over the given collaborators. The store holds
// ciphertext and rotation state; the keystore holds key material; the
// authenticator gates protected keys behind user verification. A nil
// authenticator limits the vault to unauthenticated tiers; a nil audit logger
// disables auditing.
func New(options Options, store persist.Store, keys KeyStore, auth Authenticator, auditLogger audit.Logger) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	options = options.withDefaults()

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("keystore is required")
	}
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if auth == nil {
		auth = NoAuthenticator{}
	}

	log := *options.Logger
	v := &Vault{
		store:   store,
		options: options,
		audit:   auditLogger,
		log:     log,
		events:  &eventBus{},

		memoryProtectionLevel: mem.ProtectionNone,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			log.Warn().Err(err).Msg("cannot fully protect memory, enclaves still cover key material")
		}
		v.memoryProtectionLevel = level
	}

	v.engine = NewEngine(keys, auth, log)
	v.probe = NewCapabilityProbe(keys, auth)
	v.rotation = NewRotationManager(store, v.engine, v.events, *options.Rotation,
		options.DefaultPolicy.requiresBiometry(), options.Namespace, auditLogger, log)
	v.migrator = NewLegacyMigrator(v.engine, keys, v.rotation.CurrentVersion,
		func(versionID, signature string) string { return aliasFor(options.Namespace, versionID, signature) },
		func(versionID string) string { return legacyAliasFor(options.Namespace, versionID) },
		log)
	v.rotation.setMigrator(v.migrator)
	v.scheduler = NewRotationScheduler(v.rotation, options.EnrollmentWatcher, v.events, *options.Rotation, v.probe, log)
	v.scheduler.Start()

	v.logAudit(newRequestID(), "VAULT_OPEN", nil, map[string]interface{}{
		"store_type": store.GetType(),
	})
	return v, nil
}

// Put encrypts value under the requested policy and stores it. An empty
// policy uses the vault default. The policy is resolved against current
// device capabilities; the achieved tier is returned in the metadata and may
// be weaker than requested, never stronger.
func (v *Vault) Put(ctx context.Context, key string, value []byte, policy AccessPolicy, prompt Prompt) (EntryMetadata, error) {
	requestID := newRequestID()

	if err := v.checkOpen(); err != nil {
		return EntryMetadata{}, err
	}
	if err := validateEntryKey(key); err != nil {
		return EntryMetadata{}, err
	}
	if len(value) == 0 {
		return EntryMetadata{}, fmt.Errorf("value cannot be empty")
	}
	if policy == "" {
		policy = v.options.DefaultPolicy
	}
	if !policy.valid() {
		return EntryMetadata{}, fmt.Errorf("unknown access policy: %s", policy)
	}

	res := Resolve(policy, v.probe.Capabilities(), v.options.StrongBiometricsOnly)

	versionID, err := v.rotation.CurrentVersion()
	if err != nil {
		v.logAudit(requestID, "SECRET_STORE", err, map[string]interface{}{"secret_id": key})
		return EntryMetadata{}, err
	}

	alias := aliasFor(v.options.Namespace, versionID, res.Signature)
	env, err := v.engine.Encrypt(ctx, alias, value, res, prompt)
	if err != nil {
		v.logAudit(requestID, "SECRET_STORE", err, map[string]interface{}{"secret_id": key})
		return EntryMetadata{}, err
	}
	env.KeyVersionID = versionID

	if err = v.rotation.noteWrite(versionID, alias); err != nil {
		return EntryMetadata{}, err
	}

	raw, err := EncodeEnvelope(env)
	if err != nil {
		return EntryMetadata{}, err
	}
	if err = v.store.SaveEntry(key, raw); err != nil {
		v.logAudit(requestID, "SECRET_STORE", err, map[string]interface{}{"secret_id": key})
		return EntryMetadata{}, fmt.Errorf("failed to persist entry: %w", err)
	}

	v.logAudit(requestID, "SECRET_STORE", nil, map[string]interface{}{
		"secret_id": key,
		"policy":    string(res.Policy),
		"tier":      string(res.Tier),
	})
	return metadataFromEnvelope(key, env), nil
}

// Get decrypts and returns the entry's plaintext. Legacy-format entries are
// upgraded in place: the returned plaintext is unchanged, and the rewritten
// envelope is persisted best effort so the next read takes the current-format
// path even if this persist fails.
func (v *Vault) Get(ctx context.Context, key string, prompt Prompt) ([]byte, error) {
	requestID := newRequestID()

	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateEntryKey(key); err != nil {
		return nil, err
	}

	raw, err := v.store.LoadEntry(key)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}

	plaintext, upgraded, err := v.migrator.ReadAndMaybeUpgrade(ctx, key, raw, prompt)
	if err != nil {
		v.logAudit(requestID, "SECRET_ACCESS", err, map[string]interface{}{"secret_id": key})
		return nil, err
	}

	if upgraded != nil {
		if data, encErr := EncodeEnvelope(upgraded); encErr == nil {
			if saveErr := v.store.SaveEntry(key, data); saveErr != nil {
				v.log.Warn().Err(saveErr).Str("key", key).Msg("failed to persist upgraded entry, will retry on next read")
			}
		}
		v.logAudit(requestID, "SECRET_MIGRATED", nil, map[string]interface{}{"secret_id": key})
	}

	v.logAudit(requestID, "SECRET_ACCESS", nil, map[string]interface{}{"secret_id": key})
	return plaintext, nil
}

// Metadata returns the caller-visible metadata for an entry without
// decrypting it and without any authentication prompt. Legacy entries report
// only what their reduced format carries.
func (v *Vault) Metadata(key string) (EntryMetadata, error) {
	if err := v.checkOpen(); err != nil {
		return EntryMetadata{}, err
	}
	if err := validateEntryKey(key); err != nil {
		return EntryMetadata{}, err
	}

	raw, err := v.store.LoadEntry(key)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return EntryMetadata{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return EntryMetadata{}, fmt.Errorf("failed to load entry: %w", err)
	}
	return v.entryMetadata(key, raw)
}

func (v *Vault) entryMetadata(key string, raw []byte) (EntryMetadata, error) {
	format, err := StoredFormat(raw)
	if err != nil {
		return EntryMetadata{}, err
	}
	if format == FormatLegacy {
		payload, err := decodeLegacyPayload(raw)
		if err != nil {
			return EntryMetadata{}, err
		}
		return EntryMetadata{
			Key:           key,
			Policy:        PolicyNone,
			Tier:          TierSoftware,
			FormatVersion: FormatLegacy,
			KeyVersionID:  payload.KeyVersionID,
			Size:          len(payload.Ciphertext),
		}, nil
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		return EntryMetadata{}, err
	}
	return metadataFromEnvelope(key, env), nil
}

// Delete removes the entry's ciphertext. The backing key is left alone: other
// entries may share it, and rotation eviction reclaims unreferenced keys.
// Returns false when no such entry existed.
func (v *Vault) Delete(ctx context.Context, key string) (bool, error) {
	requestID := newRequestID()

	if err := v.checkOpen(); err != nil {
		return false, err
	}
	if err := validateEntryKey(key); err != nil {
		return false, err
	}

	existed, err := v.store.DeleteEntry(key)
	if err != nil {
		v.logAudit(requestID, "SECRET_DELETE", err, map[string]interface{}{"secret_id": key})
		return false, fmt.Errorf("failed to delete entry: %w", err)
	}

	v.logAudit(requestID, "SECRET_DELETE", nil, map[string]interface{}{
		"secret_id": key,
		"existed":   existed,
	})
	return existed, nil
}

// ListAll returns every entry's metadata, optionally with decrypted values.
// With values requested, entries that fail to decrypt are returned metadata-
// only rather than failing the whole listing.
func (v *Vault) ListAll(ctx context.Context, includeValues bool, prompt Prompt) ([]ListedEntry, error) {
	requestID := newRequestID()

	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	entries, err := v.store.ListEntries()
	if err != nil {
		v.logAudit(requestID, "SECRET_LIST", err, nil)
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	listed := make([]ListedEntry, 0, len(entries))
	for _, entry := range entries {
		md, err := v.entryMetadata(entry.Key, entry.Data)
		if err != nil {
			v.log.Warn().Err(err).Str("key", entry.Key).Msg("skipping undecodable entry in listing")
			continue
		}
		item := ListedEntry{Metadata: md}

		if includeValues {
			value, _, err := v.migrator.ReadAndMaybeUpgrade(ctx, entry.Key, entry.Data, prompt)
			if err != nil {
				v.log.Warn().Err(err).Str("key", entry.Key).Msg("entry value unavailable in listing")
			} else {
				item.Value = value
			}
		}
		listed = append(listed, item)
	}

	v.logAudit(requestID, "SECRET_LIST", nil, map[string]interface{}{
		"count":          len(listed),
		"include_values": includeValues,
	})
	return listed, nil
}

// Rotate starts a manual rotation cycle and blocks until it finishes.
func (v *Vault) Rotate(ctx context.Context, reason string) (*RotationResult, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual"
	}
	return v.rotation.Rotate(ctx, reason)
}

// RotationStatus reports the rotation engine's current state.
func (v *Vault) RotationStatus() (RotationStatus, error) {
	if err := v.checkOpen(); err != nil {
		return RotationStatus{}, err
	}
	return v.rotation.Status(), nil
}

// SubscribeRotationEvents registers the single rotation-event callback,
// replacing any previous one. The callback runs on the rotating goroutine and
// must not call back into the vault.
func (v *Vault) SubscribeRotationEvents(fn func(RotationEvent)) {
	v.events.subscribe(fn)
}

// UnsubscribeRotationEvents removes the rotation-event callback.
func (v *Vault) UnsubscribeRotationEvents() {
	v.events.unsubscribe()
}

// Capabilities returns the cached device capability snapshot.
func (v *Vault) Capabilities() DeviceCapabilities {
	return v.probe.Capabilities()
}

// RefreshCapabilities re-probes the device and returns the fresh snapshot.
func (v *Vault) RefreshCapabilities() DeviceCapabilities {
	return v.probe.Refresh()
}

// Close stops the rotation scheduler and releases the store and audit logger.
// Operations after Close fail with ErrVaultClosed.
func (v *Vault) Close() error {
	requestID := newRequestID()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	v.scheduler.Stop()

	var errs []error
	v.logAudit(requestID, "VAULT_SHUTDOWN", nil, nil)
	if err := v.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	if err := v.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("vault close errors: %v", errs)
	}
	return nil
}

func (v *Vault) checkOpen() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return ErrVaultClosed
	}
	return nil
}

func (v *Vault) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["namespace"] = v.options.Namespace
	metadata["user_id"] = v.options.UserID
	metadata["request_id"] = requestID
	metadata["timestamp"] = time.Now().UTC()

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := v.audit.Log(action, success, metadata); auditErr != nil {
		v.log.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
}
