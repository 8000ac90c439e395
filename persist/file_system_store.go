package persist

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"southwinds.dev/lockbox/internal/misc"
)

const dirPermissions = 0700

// FileSystemStore keeps one file per entry under
// <basePath>/<namespace>/entries/ plus a rotation-state file. Writes go
// through a temp file and rename so a crash never leaves a torn entry.
type FileSystemStore struct {
	basePath  string
	namespace string
}

func NewFileSystemStore(basePath, namespace string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	s := &FileSystemStore{basePath: basePath, namespace: namespace}
	if err := os.MkdirAll(s.entriesDir(), dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return s, nil
}

func (s *FileSystemStore) root() string {
	return filepath.Join(s.basePath, s.namespace)
}

func (s *FileSystemStore) entriesDir() string {
	return filepath.Join(s.root(), "entries")
}

func (s *FileSystemStore) rotationStatePath() string {
	return filepath.Join(s.root(), "rotation-state.json")
}

// entryFileName encodes the key so arbitrary entry keys (slashes, dots) map
// to a single flat file name that can be decoded back on listing.
func entryFileName(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + ".bin"
}

func entryKeyFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, ".bin") {
		return "", false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, ".bin"))
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

func (s *FileSystemStore) SaveEntry(key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("entry key cannot be empty")
	}
	return s.atomicWrite(filepath.Join(s.entriesDir(), entryFileName(key)), data)
}

func (s *FileSystemStore) LoadEntry(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.entriesDir(), entryFileName(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read entry %s: %w", key, err)
	}
	return data, nil
}

func (s *FileSystemStore) DeleteEntry(key string) (bool, error) {
	err := os.Remove(filepath.Join(s.entriesDir(), entryFileName(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete entry %s: %w", key, err)
	}
	return true, nil
}

func (s *FileSystemStore) ListEntries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.entriesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		key, ok := entryKeyFromFileName(de.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.entriesDir(), de.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", key, err)
		}
		entries = append(entries, Entry{Key: key, Data: data})
	}
	return entries, nil
}

func (s *FileSystemStore) SaveRotationState(data []byte) error {
	return s.atomicWrite(s.rotationStatePath(), data)
}

func (s *FileSystemStore) LoadRotationState() ([]byte, error) {
	data, err := os.ReadFile(s.rotationStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read rotation state: %w", err)
	}
	return data, nil
}

func (s *FileSystemStore) RotationStateExists() (bool, error) {
	_, err := os.Stat(s.rotationStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileSystemStore) Ping() error {
	return os.MkdirAll(s.entriesDir(), dirPermissions)
}

func (s *FileSystemStore) Close() error { return nil }

func (s *FileSystemStore) GetType() string { return string(StoreTypeFileSystem) }

// atomicWrite writes to a temp file in the target directory and renames it
// over the destination.
func (s *FileSystemStore) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Chmod(misc.FilePermissions); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
