package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetDelete(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("task1/obj1", []byte("payload")))
	data, err := store.Get("task1/obj1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	// Overwrite under the same key.
	require.NoError(t, store.Put("task1/obj1", []byte("updated")))
	data, err = store.Get("task1/obj1")
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), data)

	require.NoError(t, store.Delete("task1/obj1"))
	_, err = store.Get("task1/obj1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is a no-op.
	assert.NoError(t, store.Delete("task1/obj1"))
}

func TestListPrefix(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("task1/b", []byte("1")))
	require.NoError(t, store.Put("task1/a", []byte("2")))
	require.NoError(t, store.Put("task2/c", []byte("3")))
	// task10 shares a string prefix with task1 but not a path prefix.
	require.NoError(t, store.Put("task10/d", []byte("4")))

	keys, err := store.List("task1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"task1/a", "task1/b"}, keys)

	keys, err = store.List("task3/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
