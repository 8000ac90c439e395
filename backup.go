package lockbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/persist"
)

// backupPayload is the serialized form of a vault backup. It carries
// ciphertext envelopes and rotation bookkeeping, never plaintext or key
// material: a restored backup only decrypts against a keystore holding the
// same keys.
type backupPayload struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	Namespace     string          `json:"namespace"`
	Entries       []persist.Entry `json:"entries"`
	RotationState []byte          `json:"rotation_state,omitempty"`
	Checksum      string          `json:"checksum"`
}

// ExportBackup snapshots every stored entry plus the rotation state and seals
// the snapshot under the given passphrase.
func (v *Vault) ExportBackup(passphrase string) ([]byte, error) {
	requestID := newRequestID()

	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if len(passphrase) < 12 {
		return nil, fmt.Errorf("backup passphrase must be at least 12 characters long")
	}

	entries, err := v.store.ListEntries()
	if err != nil {
		v.logAudit(requestID, "BACKUP_EXPORT", err, nil)
		return nil, fmt.Errorf("failed to list entries for backup: %w", err)
	}

	payload := backupPayload{
		ID:        newBackupID(),
		CreatedAt: time.Now().UTC(),
		Namespace: v.options.Namespace,
		Entries:   entries,
	}

	state, err := v.store.LoadRotationState()
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		v.logAudit(requestID, "BACKUP_EXPORT", err, nil)
		return nil, fmt.Errorf("failed to load rotation state for backup: %w", err)
	}
	payload.RotationState = state
	payload.Checksum = backupChecksum(payload)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup: %w", err)
	}

	sealed, err := crypto.EncryptWithPassphrase(raw, passphrase)
	if err != nil {
		v.logAudit(requestID, "BACKUP_EXPORT", err, nil)
		return nil, fmt.Errorf("failed to seal backup: %w", err)
	}

	v.logAudit(requestID, "BACKUP_EXPORT", nil, map[string]interface{}{
		"backup_id": payload.ID,
		"entries":   len(entries),
	})
	return sealed, nil
}

// ImportBackup restores a sealed backup into the vault's store, overwriting
// entries that share a key. Restored envelopes decrypt only if the current
// keystore still holds the key versions they reference.
func (v *Vault) ImportBackup(sealed []byte, passphrase string) (int, error) {
	requestID := newRequestID()

	if err := v.checkOpen(); err != nil {
		return 0, err
	}

	raw, err := crypto.DecryptWithPassphrase(sealed, passphrase)
	if err != nil {
		v.logAudit(requestID, "BACKUP_IMPORT", err, nil)
		return 0, fmt.Errorf("failed to unseal backup: %w", err)
	}

	var payload backupPayload
	if err = json.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("failed to decode backup: %w", err)
	}
	if payload.Checksum != backupChecksum(payload) {
		err = fmt.Errorf("backup checksum mismatch")
		v.logAudit(requestID, "BACKUP_IMPORT", err, map[string]interface{}{"backup_id": payload.ID})
		return 0, err
	}
	if payload.Namespace != v.options.Namespace {
		return 0, fmt.Errorf("backup belongs to namespace %q, vault is %q", payload.Namespace, v.options.Namespace)
	}

	restored := 0
	for _, entry := range payload.Entries {
		if err = v.store.SaveEntry(entry.Key, entry.Data); err != nil {
			v.logAudit(requestID, "BACKUP_IMPORT", err, map[string]interface{}{"backup_id": payload.ID})
			return restored, fmt.Errorf("failed to restore entry %s: %w", entry.Key, err)
		}
		restored++
	}

	if payload.RotationState != nil {
		if err = v.store.SaveRotationState(payload.RotationState); err != nil {
			return restored, fmt.Errorf("failed to restore rotation state: %w", err)
		}
		// Drop the in-memory state so the next operation reloads it.
		v.rotation.stateMu.Lock()
		v.rotation.state = nil
		v.rotation.stateMu.Unlock()
	}

	v.logAudit(requestID, "BACKUP_IMPORT", nil, map[string]interface{}{
		"backup_id": payload.ID,
		"entries":   restored,
	})
	return restored, nil
}

// backupChecksum hashes the payload with its checksum field blanked.
func backupChecksum(p backupPayload) string {
	p.Checksum = ""
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return crypto.CalculateChecksum(raw)
}

func newBackupID() string {
	return fmt.Sprintf("backup_%d_%s", time.Now().Unix(), newRequestID()[:8])
}
