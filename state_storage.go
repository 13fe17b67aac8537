package raft

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/skadeyl/raftwal/internal/protocol"
)

var errStateStorageNotOpen = errors.New("state storage is not open")

// StateStorage represents the component responsible for persistently
// storing the replica's term and vote.
type StateStorage interface {
	// Open opens the storage for reads and writes.
	Open() error

	// Replay reads the most recently persisted state into memory.
	Replay() error

	// Close closes the storage.
	Close() error

	// SetState persists the provided term and vote. The pair is durable on
	// disk when SetState returns. The storage must be open otherwise an
	// error is returned.
	SetState(term int64, votedFor int32) error

	// State returns the most recently persisted term and vote. If nothing
	// was ever persisted, zero and -1 are returned. If the storage is not
	// open, an error is returned.
	State() (int64, int32, error)
}

// persistentStateStorage implements the StateStorage interface.
// This implementation is not concurrent safe.
type persistentStateStorage struct {
	// The directory where the state will be persisted.
	path string

	// The file associated with the storage, nil if storage is closed.
	file *os.File

	// The most recently persisted state.
	state protocol.StorageState
}

// NewStateStorage creates a new StateStorage at the provided path.
func NewStateStorage(path string) StateStorage {
	return &persistentStateStorage{path: path}
}

func (p *persistentStateStorage) Open() error {
	fileName := filepath.Join(p.path, "state.bin")
	file, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return fmt.Errorf("failed to open state storage file: %w", err)
	}
	p.file = file
	return nil
}

func (p *persistentStateStorage) Close() error {
	if p.file == nil {
		return nil
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed to close state storage file: %w", err)
	}
	p.file = nil
	p.state = protocol.StorageState{}
	return nil
}

func (p *persistentStateStorage) Replay() error {
	if p.file == nil {
		return errStateStorageNotOpen
	}

	data, err := io.ReadAll(p.file)
	if err != nil {
		return fmt.Errorf("failed while replaying state storage: %w", err)
	}
	if len(data) == 0 {
		p.state = protocol.StorageState{Term: 0, VotedFor: -1}
		return nil
	}
	if err := p.state.Unmarshal(data); err != nil {
		return fmt.Errorf("failed while replaying state storage: %w", err)
	}

	return nil
}

func (p *persistentStateStorage) SetState(term int64, votedFor int32) error {
	if p.file == nil {
		return errStateStorageNotOpen
	}

	// Create a temporary file that will replace the file currently
	// associated with storage. Note that it is NOT safe to truncate the
	// file and then write the new state - the replacement must be atomic.
	tmpFile, err := os.CreateTemp(p.path, "tmp-")
	if err != nil {
		return fmt.Errorf("failed while persisting state: %w", err)
	}

	p.state = protocol.StorageState{Term: term, VotedFor: votedFor}
	data, err := p.state.Marshal()
	if err != nil {
		return fmt.Errorf("failed while persisting state: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed while persisting state: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed while persisting state: %w", err)
	}

	// Close the files to prepare for the rename.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed while persisting state: %w", err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed while persisting state: %w", err)
	}

	// Perform atomic rename to swap the newly persisted state with the old.
	if err := os.Rename(tmpFile.Name(), p.file.Name()); err != nil {
		return fmt.Errorf("failed while persisting state: %w", err)
	}

	// Open the state storage for future writes.
	fileName := filepath.Join(p.path, "state.bin")
	p.file, err = os.OpenFile(fileName, os.O_RDWR, 0o666)
	if err != nil {
		return fmt.Errorf("failed while persisting state: %w", err)
	}

	return nil
}

func (p *persistentStateStorage) State() (int64, int32, error) {
	if p.file == nil {
		return 0, -1, errStateStorageNotOpen
	}
	return p.state.Term, p.state.VotedFor, nil
}
