package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFSStore(t *testing.T) *FileSystemStore {
	t.Helper()
	store, err := NewFileSystemStore(t.TempDir(), "testns")
	require.NoError(t, err)
	return store
}

func TestFileSystemStoreEntryLifecycle(t *testing.T) {
	store := newTestFSStore(t)

	_, err := store.LoadEntry("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveEntry("api/key-1", []byte("payload-1")))
	require.NoError(t, store.SaveEntry("api/key-2", []byte("payload-2")))

	data, err := store.LoadEntry("api/key-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-1"), data)

	// Overwrite is atomic and visible.
	require.NoError(t, store.SaveEntry("api/key-1", []byte("updated")))
	data, err = store.LoadEntry("api/key-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), data)

	entries, err := store.ListEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	keys := map[string]bool{}
	for _, e := range entries {
		keys[e.Key] = true
	}
	assert.True(t, keys["api/key-1"])
	assert.True(t, keys["api/key-2"])

	existed, err := store.DeleteEntry("api/key-1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.DeleteEntry("api/key-1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestFileSystemStoreRotationState(t *testing.T) {
	store := newTestFSStore(t)

	exists, err := store.RotationStateExists()
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.LoadRotationState()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveRotationState([]byte(`{"version":1}`)))

	exists, err = store.RotationStateExists()
	require.NoError(t, err)
	assert.True(t, exists)

	state, err := store.LoadRotationState()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":1}`), state)
}

func TestFileSystemStoreEntryFilePermissions(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileSystemStore(base, "testns")
	require.NoError(t, err)
	require.NoError(t, store.SaveEntry("secret", []byte("x")))

	path := filepath.Join(base, "testns", "entries", entryFileName("secret"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileSystemStoreNamespaceIsolation(t *testing.T) {
	base := t.TempDir()

	a, err := NewFileSystemStore(base, "tenant-a")
	require.NoError(t, err)
	b, err := NewFileSystemStore(base, "tenant-b")
	require.NoError(t, err)

	require.NoError(t, a.SaveEntry("shared-key", []byte("a-data")))

	_, err = b.LoadEntry("shared-key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystemStoreValidation(t *testing.T) {
	_, err := NewFileSystemStore("", "ns")
	assert.Error(t, err)

	_, err = NewFileSystemStore(t.TempDir(), "")
	assert.Error(t, err)

	_, err = NewFileSystemStore(t.TempDir(), "../escape")
	assert.Error(t, err)

	store := newTestFSStore(t)
	assert.Error(t, store.SaveEntry("", []byte("x")))
}

func TestEntryFileNameRoundTrip(t *testing.T) {
	for _, key := range []string{"plain", "with/slash", "dots.and-dashes_ok", "UPPER"} {
		name := entryFileName(key)
		got, ok := entryKeyFromFileName(name)
		require.True(t, ok, "key %q", key)
		assert.Equal(t, key, got)
	}

	_, ok := entryKeyFromFileName("not-an-entry.txt")
	assert.False(t, ok)
}

func TestNewStoreFactory(t *testing.T) {
	base := t.TempDir()

	store, err := NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": base},
	}, "testns")
	require.NoError(t, err)
	assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
	require.NoError(t, store.Close())

	_, err = NewStore(StoreConfig{Type: StoreTypeFileSystem}, "testns")
	assert.Error(t, err, "missing base_path must fail")

	_, err = NewStore(StoreConfig{Type: "bogus"}, "testns")
	assert.Error(t, err)
}
