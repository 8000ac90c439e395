package lockbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// LegacyMigrator transparently upgrades entries written in the old fixed-IV
// format. Detection is by the leading format tag; legacy payloads are
// decrypted on their fixed-IV path with no authenticator involvement, then
// immediately re-encrypted through the current Engine path so the second read
// of the same entry takes the plain decrypt route. The caller-visible
// plaintext is never altered, and a corrupt legacy payload is reported as
// ErrMigrationFailed without touching the stored bytes.
type LegacyMigrator struct {
	engine *Engine
	keys   KeyStore
	log    zerolog.Logger

	// currentVersion yields the key version new envelopes are written under.
	currentVersion func() (string, error)

	// aliasFor maps (key version, resolution signature) to a keystore alias.
	aliasFor func(versionID, signature string) string

	// legacyAliasFor maps a legacy key version to its pre-signature alias.
	legacyAliasFor func(versionID string) string
}

func NewLegacyMigrator(engine *Engine, keys KeyStore, currentVersion func() (string, error),
	aliasFor func(versionID, signature string) string, legacyAliasFor func(versionID string) string,
	log zerolog.Logger) *LegacyMigrator {
	return &LegacyMigrator{
		engine:         engine,
		keys:           keys,
		log:            log,
		currentVersion: currentVersion,
		aliasFor:       aliasFor,
		legacyAliasFor: legacyAliasFor,
	}
}

// IsLegacy reports whether a raw stored entry is in the legacy format.
func (m *LegacyMigrator) IsLegacy(raw []byte) bool {
	return len(raw) > 0 && raw[0] == FormatLegacy
}

// ReadAndMaybeUpgrade returns the plaintext of a stored entry and, when the
// entry was legacy, the upgraded envelope for the caller to persist. Upgraded
// entries are re-encrypted under PolicyNone: migration happens inside a read
// and must never raise an authentication prompt.
func (m *LegacyMigrator) ReadAndMaybeUpgrade(ctx context.Context, key string, raw []byte, prompt Prompt) ([]byte, *EncryptedEnvelope, error) {
	format, err := StoredFormat(raw)
	if err != nil {
		return nil, nil, err
	}

	if format == FormatCurrent {
		env, err := DecodeEnvelope(raw)
		if err != nil {
			return nil, nil, err
		}
		res := RebuildResolution(env)
		alias := m.aliasFor(env.KeyVersionID, res.Signature)
		plaintext, err := m.engine.Decrypt(ctx, alias, env, res, prompt)
		if err != nil {
			return nil, nil, err
		}
		return plaintext, nil, nil
	}

	plaintext, err := m.decryptLegacy(raw)
	if err != nil {
		return nil, nil, err
	}

	upgraded, err := m.reencryptCurrent(ctx, plaintext)
	if err != nil {
		return nil, nil, err
	}

	m.log.Info().Str("key", key).Msg("upgraded legacy entry to current format")
	return plaintext, upgraded, nil
}

// decryptLegacy runs the fixed-IV path. Legacy keys were created without any
// authenticator binding, so no prompt is involved.
func (m *LegacyMigrator) decryptLegacy(raw []byte) ([]byte, error) {
	payload, err := decodeLegacyPayload(raw)
	if err != nil {
		return nil, err
	}

	alias := m.legacyAliasFor(payload.KeyVersionID)
	key, err := m.keys.GetOrCreateKey(alias, KeySpec{AuthConfig: AuthConfigNone})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	c, err := m.keys.NewCipher(ModeDecrypt, key, legacyFixedIV)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	plaintext, err := c.Finalize(payload.Ciphertext)
	if err != nil {
		c.Release()
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	return plaintext, nil
}

func (m *LegacyMigrator) reencryptCurrent(ctx context.Context, plaintext []byte) (*EncryptedEnvelope, error) {
	versionID, err := m.currentVersion()
	if err != nil {
		return nil, fmt.Errorf("%w: no current key version: %v", ErrMigrationFailed, err)
	}

	res := Resolve(PolicyNone, DeviceCapabilities{}, false)
	env, err := m.engine.Encrypt(ctx, m.aliasFor(versionID, res.Signature), plaintext, res, Prompt{})
	if err != nil {
		return nil, fmt.Errorf("%w: re-encrypt failed: %v", ErrMigrationFailed, err)
	}
	env.KeyVersionID = versionID
	return env, nil
}
