package lockbox

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var entryKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_/.]+$`)

func validateEntryKey(key string) error {
	if key == "" {
		return fmt.Errorf("entry key cannot be empty")
	}
	if len(key) > 256 {
		return fmt.Errorf("entry key too long (max 256 characters)")
	}
	if !entryKeyRegex.MatchString(key) {
		return fmt.Errorf("entry key contains invalid characters: %s", key)
	}
	return nil
}

// aliasFor names the keystore key for one (version, resolution) pair. The
// resolution signature is part of the alias so keys carrying different
// authentication parameters never collide.
func aliasFor(namespace, versionID, signature string) string {
	sig := signature
	if len(sig) > 16 {
		sig = sig[:16]
	}
	return fmt.Sprintf("%s.k.%s.%s", namespace, versionID, sig)
}

// legacyAliasFor names the single pre-signature key of a legacy version.
func legacyAliasFor(namespace, versionID string) string {
	return fmt.Sprintf("%s.legacy.%s", namespace, versionID)
}

func newRequestID() string {
	return uuid.NewString()
}

func newVersionID() string {
	return uuid.NewString()
}
