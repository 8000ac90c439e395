package lockbox

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Stored entries are a one-byte format tag followed by the format's payload.
// FormatCurrent payloads are CBOR envelopes; FormatLegacy payloads are the
// old JSON blob written with a fixed IV and no authenticator binding.

// legacyFixedIV is the hardcoded IV the legacy scheme reused for every entry.
// Kept only so old entries remain readable long enough to be upgraded.
var legacyFixedIV = []byte("lockbox-iv-1")

// legacyPayload is the persisted shape of a FormatLegacy entry.
type legacyPayload struct {
	KeyVersionID string `json:"key_version_id"`
	Ciphertext   []byte `json:"ciphertext"`
}

// EncodeEnvelope serializes an envelope into its stored representation.
func EncodeEnvelope(env *EncryptedEnvelope) ([]byte, error) {
	payload, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	out := make([]byte, 1+len(payload))
	out[0] = FormatCurrent
	copy(out[1:], payload)
	return out, nil
}

// DecodeEnvelope parses a current-format stored entry.
func DecodeEnvelope(raw []byte) (*EncryptedEnvelope, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: stored entry too short", ErrDecryptionFailed)
	}
	if raw[0] != FormatCurrent {
		return nil, fmt.Errorf("%w: unexpected format tag %d", ErrDecryptionFailed, raw[0])
	}
	var env EncryptedEnvelope
	if err := cbor.Unmarshal(raw[1:], &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	env.FormatVersion = FormatCurrent
	return &env, nil
}

// StoredFormat returns the format tag of a raw stored entry.
func StoredFormat(raw []byte) (byte, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: empty stored entry", ErrDecryptionFailed)
	}
	switch raw[0] {
	case FormatLegacy, FormatCurrent:
		return raw[0], nil
	default:
		return 0, fmt.Errorf("%w: unknown format tag %d", ErrDecryptionFailed, raw[0])
	}
}

func decodeLegacyPayload(raw []byte) (*legacyPayload, error) {
	if len(raw) < 2 || raw[0] != FormatLegacy {
		return nil, fmt.Errorf("%w: not a legacy entry", ErrMigrationFailed)
	}
	var p legacyPayload
	if err := json.Unmarshal(raw[1:], &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	if len(p.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty legacy ciphertext", ErrMigrationFailed)
	}
	return &p, nil
}

func encodeLegacyPayload(p *legacyPayload) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(payload))
	out[0] = FormatLegacy
	copy(out[1:], payload)
	return out, nil
}
