package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwrlab/goadapt/compress"
	"github.com/dwrlab/goadapt/core"
)

func TestStore_MemoryThenSpill(t *testing.T) {
	dir := t.TempDir()
	budget, err := Plan(4, 0.5) // 2 in memory, 2 on disk
	require.NoError(t, err)

	store := NewStore(dir, budget, compress.SnappyCompressor{}, nil)
	for ts := 1; ts <= 4; ts++ {
		require.NoError(t, store.Save(ts, core.State{float64(ts), float64(ts) * 2}))
	}

	inMemory, onDisk := store.Count()
	assert.Equal(t, 2, inMemory, "first snapshots stay within the in-memory budget")
	assert.Equal(t, 2, onDisk, "remaining snapshots spill to disk")

	for ts := 1; ts <= 4; ts++ {
		state, err := store.Load(ts)
		require.NoError(t, err, "snapshot %d should load", ts)
		assert.Equal(t, core.State{float64(ts), float64(ts) * 2}, state)
	}

	// No temp files may survive a successful save.
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must be renamed away")
}

func TestStore_LoadedStateIsIndependent(t *testing.T) {
	store := NewStore(t.TempDir(), core.CheckpointBudget{Steps: 1, SnapsInMemory: 1}, nil, nil)
	original := core.State{1, 2}
	require.NoError(t, store.Save(1, original))
	original[0] = 99

	loaded, err := store.Load(1)
	require.NoError(t, err)
	assert.Equal(t, core.State{1, 2}, loaded, "snapshots must not alias caller buffers")

	loaded[1] = 42
	again, err := store.Load(1)
	require.NoError(t, err)
	assert.Equal(t, core.State{1, 2}, again, "loads must not alias each other")
}

func TestStore_LoadUnknownTimestep(t *testing.T) {
	store := NewStore(t.TempDir(), core.CheckpointBudget{Steps: 1, SnapsInMemory: 1}, nil, nil)
	_, err := store.Load(7)
	require.Error(t, err)
}

func TestStore_CorruptedSpillFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, core.CheckpointBudget{Steps: 1, SnapsOnDisk: 1}, compress.NoCompression{}, nil)
	require.NoError(t, store.Save(1, core.State{3.14}))

	path := filepath.Join(dir, "snap-000001.ckpt")
	require.NoError(t, os.WriteFile(path, []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}, 0o644))

	_, err := store.Load(1)
	require.Error(t, err, "a corrupted magic number must be detected")
	assert.Contains(t, err.Error(), "magic number")
}

func TestStore_ClearRemovesEverything(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, core.CheckpointBudget{Steps: 2, SnapsInMemory: 1, SnapsOnDisk: 1}, nil, nil)
	require.NoError(t, store.Save(1, core.State{1}))
	require.NoError(t, store.Save(2, core.State{2}))

	require.NoError(t, store.Clear())
	inMemory, onDisk := store.Count()
	assert.Zero(t, inMemory)
	assert.Zero(t, onDisk)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spill files must be deleted on Clear")

	_, err = store.Load(1)
	require.Error(t, err, "cleared snapshots must not be loadable")
}
