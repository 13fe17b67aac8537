package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateStorageSetGet(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewStateStorage(tmpDir)

	require.NoError(t, storage.Open())

	term := int64(1)
	votedFor := int32(2)
	require.NoError(t, storage.SetState(term, votedFor))

	require.NoError(t, storage.Close())
	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	recoveredTerm, recoveredVotedFor, err := storage.State()

	require.NoError(t, err)
	require.Equal(t, term, recoveredTerm)
	require.Equal(t, votedFor, recoveredVotedFor)
}

func TestStateStorageEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewStateStorage(tmpDir)

	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	term, votedFor, err := storage.State()

	require.NoError(t, err)
	require.Equal(t, int64(0), term)
	require.Equal(t, int32(-1), votedFor)
}

func TestStateStorageOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewStateStorage(tmpDir)

	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())

	require.NoError(t, storage.SetState(3, 0))
	require.NoError(t, storage.SetState(7, -1))

	require.NoError(t, storage.Close())
	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	term, votedFor, err := storage.State()

	require.NoError(t, err)
	require.Equal(t, int64(7), term)
	require.Equal(t, int32(-1), votedFor)
}
