package statesync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointStoreSaveAndServe(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir(), 8)
	require.NoError(t, err)

	_, ok := store.Height()
	require.False(t, ok)
	_, ok = store.Manifest(1)
	require.False(t, ok)

	data := []byte("0123456789abcdefghij")
	require.NoError(t, store.Save(3, data))

	height, ok := store.Height()
	require.True(t, ok)
	require.EqualValues(t, 3, height)

	manifest, ok := store.Manifest(3)
	require.True(t, ok)
	require.NoError(t, manifest.Validate())
	require.Equal(t, 3, manifest.NumChunks())
	_, ok = store.Manifest(2)
	require.False(t, ok)

	chunk, ok := store.Chunk(3, 2)
	require.True(t, ok)
	require.Equal(t, []byte("ghij"), chunk)
	_, ok = store.Chunk(3, 3)
	require.False(t, ok)
	_, ok = store.Chunk(2, 0)
	require.False(t, ok)

	// Height must move forward.
	require.Error(t, store.Save(3, data))
	require.Error(t, store.Save(2, data))
}

func TestCheckpointStoreReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCheckpointStore(dir, 8)
	require.NoError(t, err)
	require.NoError(t, store.Save(5, []byte("first state")))
	require.NoError(t, store.Save(9, []byte("second state")))

	// The old checkpoint file is pruned on replacement.
	_, err = os.Stat(filepath.Join(dir, "checkpoint-5"))
	require.True(t, os.IsNotExist(err))

	reopened, err := NewCheckpointStore(dir, 8)
	require.NoError(t, err)
	height, ok := reopened.Height()
	require.True(t, ok)
	require.EqualValues(t, 9, height)
	data, ok := reopened.Data()
	require.True(t, ok)
	require.Equal(t, []byte("second state"), data)
}
