package raft

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/skadeyl/raftwal/internal/protocol"
	"github.com/skadeyl/raftwal/logio"
)

var (
	errEntryDoesNotExist = errors.New("entry does not exist")
	errLogNotOpen        = errors.New("log is not open")
)

// Log represents the component responsible for durably storing and
// retrieving replicated log entries. Entries are addressed both by position
// (stable across replicas) and by dense index (local convenience for cursor
// arithmetic).
type Log interface {
	// Open opens the log for reads and writes.
	Open() error

	// Replay rebuilds the in-memory view from the persisted records.
	// Must be called after Open and before any other operation.
	Replay() error

	// Close closes the log.
	Close() error

	// GetEntry returns the log entry at the given index.
	GetEntry(index int) (*LogEntry, error)

	// FindEntry returns the index of the entry at the given position,
	// or false if no such entry exists.
	FindEntry(pos logio.LogPos) (int, bool)

	// FloorEntry returns the index of the last entry at or before the
	// given position, or false if every entry is after it.
	FloorEntry(pos logio.LogPos) (int, bool)

	// AppendEntry durably appends a log entry and assigns its position.
	AppendEntry(entry *LogEntry) error

	// AppendEntries durably appends multiple log entries.
	AppendEntries(entries []*LogEntry) error

	// Truncate drops all entries at and after the given index.
	Truncate(index int) error

	// LastPos returns the position of the last entry, or the null
	// position if the log is empty.
	LastPos() logio.LogPos

	// LastTerm returns the term of the last entry and zero if the log
	// is empty.
	LastTerm() int64

	// Tell returns the position at which the next entry would land.
	Tell() logio.LogPos

	// Size returns the number of entries in the log.
	Size() int
}

// LogEntry is an entry in the replicated log.
type LogEntry struct {
	// The position of the entry. Assigned when the entry is appended.
	Pos logio.LogPos

	// The term in which the entry was created by the leader.
	Term int64

	// The client-supplied payload.
	Data []byte

	// Optional idempotency key, opaque to the replica.
	ClientID  int64
	RequestID int64
}

// NewLogEntry creates a new instance of LogEntry with the provided term
// and payload.
func NewLogEntry(term int64, data []byte) *LogEntry {
	return &LogEntry{Pos: logio.NullPos, Term: term, Data: data}
}

// IsConflict checks whether the entry conflicts with another entry: same
// position but different terms.
func (e *LogEntry) IsConflict(other *LogEntry) bool {
	return e.Pos == other.Pos && e.Term != other.Term
}

// walLog implements the Log interface over a block-framed logio store,
// keeping entry metadata in memory. Not concurrent safe.
type walLog struct {
	// The in-memory view of the log entries.
	entries []*LogEntry

	// The framed record store the entries persist in.
	writer *logio.LogWriter

	open bool
}

// NewLog creates a Log persisted under dir with the given file base name
// and framing parameters.
func NewLog(dir, base string, blockSize, blocksPerFile int) Log {
	return &walLog{writer: logio.NewLogWriter(dir, base, blockSize, blocksPerFile)}
}

func (l *walLog) Open() error {
	if err := l.writer.Open(); err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	l.open = true
	l.entries = nil
	return nil
}

func (l *walLog) Replay() error {
	if !l.open {
		return errLogNotOpen
	}

	reader, err := l.writer.NewReader(logio.NullPos)
	if err != nil {
		return fmt.Errorf("failed while replaying log: %w", err)
	}
	for {
		pos, payload, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed while replaying log: %w", err)
		}
		var record protocol.Entry
		if err := record.Unmarshal(payload); err != nil {
			return fmt.Errorf("failed while replaying log: %w", err)
		}
		l.entries = append(l.entries, &LogEntry{
			Pos:       pos,
			Term:      record.Term,
			Data:      record.Payload,
			ClientID:  record.ClientID,
			RequestID: record.RequestID,
		})
	}
	return nil
}

func (l *walLog) Close() error {
	if !l.open {
		return nil
	}
	if err := l.writer.Close(); err != nil {
		return fmt.Errorf("failed to close log: %w", err)
	}
	l.entries = nil
	l.open = false
	return nil
}

func (l *walLog) GetEntry(index int) (*LogEntry, error) {
	if !l.open {
		return nil, errLogNotOpen
	}
	if index < 0 || index >= len(l.entries) {
		return nil, errEntryDoesNotExist
	}
	return l.entries[index], nil
}

func (l *walLog) FindEntry(pos logio.LogPos) (int, bool) {
	i, ok := l.FloorEntry(pos)
	if !ok || l.entries[i].Pos != pos {
		return 0, false
	}
	return i, true
}

func (l *walLog) FloorEntry(pos logio.LogPos) (int, bool) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return pos.Less(l.entries[i].Pos)
	})
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}

func (l *walLog) AppendEntry(entry *LogEntry) error {
	return l.AppendEntries([]*LogEntry{entry})
}

func (l *walLog) AppendEntries(entries []*LogEntry) error {
	if !l.open {
		return errLogNotOpen
	}

	for _, entry := range entries {
		record := protocol.Entry{
			Term:      entry.Term,
			Payload:   entry.Data,
			ClientID:  entry.ClientID,
			RequestID: entry.RequestID,
		}
		payload, err := record.Marshal()
		if err != nil {
			return fmt.Errorf("failed while appending entries to log: %w", err)
		}
		pos, err := l.writer.Append(payload)
		if err != nil {
			return fmt.Errorf("failed while appending entries to log: %w", err)
		}
		entry.Pos = pos
		l.entries = append(l.entries, entry)
	}

	return nil
}

func (l *walLog) Truncate(index int) error {
	if !l.open {
		return errLogNotOpen
	}
	if index < 0 || index >= len(l.entries) {
		return errEntryDoesNotExist
	}
	if err := l.writer.TruncateAt(l.entries[index].Pos); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	l.entries = l.entries[:index]
	return nil
}

func (l *walLog) LastPos() logio.LogPos {
	if len(l.entries) == 0 {
		return logio.NullPos
	}
	return l.entries[len(l.entries)-1].Pos
}

func (l *walLog) LastTerm() int64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *walLog) Tell() logio.LogPos {
	return l.writer.Tell()
}

func (l *walLog) Size() int {
	return len(l.entries)
}
