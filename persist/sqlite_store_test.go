package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), "testns")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreEntryLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)

	_, err := store.LoadEntry("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveEntry("token", []byte("v1")))
	require.NoError(t, store.SaveEntry("token", []byte("v2"))) // upsert

	data, err := store.LoadEntry("token")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	require.NoError(t, store.SaveEntry("other", []byte("x")))
	entries, err := store.ListEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	existed, err := store.DeleteEntry("token")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.DeleteEntry("token")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSQLiteStoreRotationState(t *testing.T) {
	store := newTestSQLiteStore(t)

	exists, err := store.RotationStateExists()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.SaveRotationState([]byte(`{"version":1}`)))
	require.NoError(t, store.SaveRotationState([]byte(`{"version":2}`))) // upsert

	state, err := store.LoadRotationState()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":2}`), state)

	exists, err = store.RotationStateExists()
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSQLiteStoreNamespaceIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewSQLiteStore(path, "tenant-a")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(path, "tenant-b")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SaveEntry("shared-key", []byte("a-data")))
	require.NoError(t, a.SaveRotationState([]byte("a-state")))

	_, err = b.LoadEntry("shared-key")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.LoadRotationState()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	store, err := NewSQLiteStore(path, "testns")
	require.NoError(t, err)
	require.NoError(t, store.SaveEntry("durable", []byte("payload")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, "testns")
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.LoadEntry("durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestSQLiteStoreValidation(t *testing.T) {
	_, err := NewSQLiteStore("", "ns")
	assert.Error(t, err)

	_, err = NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), "bad namespace!")
	assert.Error(t, err)
}
