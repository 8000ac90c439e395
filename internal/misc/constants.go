package misc

const (
	// Argon2id key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// SaltSize is the minimum salt length for key derivation
	SaltSize = 16

	FilePermissions = 0600 // user read + write
)
