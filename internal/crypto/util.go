package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/lockbox/internal/misc"
)

// DeriveKey derives a 32-byte Argon2id key from a password and an
// enclave-held salt. The result comes back in a locked buffer; intermediate
// copies are wiped before return.
func DeriveKey(password []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	derivedKey := argon2.IDKey(
		password,
		saltBytes,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	protectedKey := memguard.NewBufferFromBytes(derivedKey)
	memguard.WipeBytes(derivedKey)

	return protectedKey, nil
}

// EncryptWithPassphrase encrypts data using PBKDF2 + ChaCha20-Poly1305.
// Output layout: salt(32) || nonce(12) || ciphertext.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	result := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):len(salt)+len(nonce)], nonce)
	copy(result[len(salt)+len(nonce):], ciphertext)

	return result, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase.
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < 32+12 {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:32]
	nonce := encryptedData[32:44]
	ciphertext := encryptedData[44:]

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// CalculateChecksum calculates the SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey rejects keys that are too short, constant, or low entropy.
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}
	return len(uniqueBytes) < 16
}
