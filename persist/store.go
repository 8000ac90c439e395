package persist

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by LoadEntry when no entry exists under the key.
var ErrNotFound = errors.New("entry not found in store")

// Entry is one persisted ciphertext unit. Data is the raw stored envelope;
// the store never interprets it.
type Entry struct {
	Key  string
	Data []byte
}

// Store is the persisted entry store consumed by the vault. Implementations
// must make SaveEntry atomic at the single-entry granularity: a crashed write
// leaves either the old bytes or the new bytes, never a torn entry.
type Store interface {
	SaveEntry(key string, data []byte) error

	// LoadEntry returns ErrNotFound when the key does not exist.
	LoadEntry(key string) ([]byte, error)

	// DeleteEntry reports whether an entry was actually removed.
	DeleteEntry(key string) (bool, error)

	ListEntries() ([]Entry, error)

	// Rotation state is the key-version registry the rotation engine owns.
	// It contains no secret material.
	SaveRotationState(data []byte) error
	LoadRotationState() ([]byte, error)
	RotationStateExists() (bool, error)

	// Ping tests that the backend is usable before the vault initializes.
	Ping() error

	Close() error

	GetType() string
}

// StoreType identifies a backend for the factory.
type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeSQLite     StoreType = "sqlite"
)

// StoreConfig is the factory input, shaped for direct decoding from a
// configuration file.
type StoreConfig struct {
	Type   StoreType              `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// NewStore builds a store for one namespace from configuration.
func NewStore(config StoreConfig, namespace string) (Store, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, namespace)

	case StoreTypeSQLite:
		path, ok := config.Config["path"].(string)
		if !ok {
			return nil, fmt.Errorf("sqlite storage requires 'path' in config")
		}
		return NewSQLiteStore(path, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	if strings.Contains(namespace, "..") ||
		strings.Contains(namespace, "/") ||
		strings.Contains(namespace, "\\") ||
		strings.Contains(namespace, " ") {
		return fmt.Errorf("namespace contains invalid characters")
	}

	if len(namespace) > 100 {
		return fmt.Errorf("namespace too long (max 100 characters)")
	}

	return nil
}
