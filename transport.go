package raft

import (
	"time"

	"github.com/skadeyl/raftwal/logio"
)

// RequestVoteRequest is a request for this replica's vote in an election.
type RequestVoteRequest struct {
	// The candidate's term.
	Term int64

	// The ID of the candidate requesting the vote.
	CandidateID int32

	// The position of the candidate's last log entry.
	LastLogPos logio.LogPos

	// The term of the candidate's last log entry.
	LastLogTerm int64
}

// RequestVoteResponse is a response to a vote request.
type RequestVoteResponse struct {
	// The responder's current term.
	Term int64

	// Whether the vote was granted.
	VoteGranted bool
}

// AppendEntriesRequest carries replicated entries and heartbeat information
// from a leader.
type AppendEntriesRequest struct {
	// The leader's term.
	Term int64

	// The ID of the leader.
	LeaderID int32

	// The position of the entry immediately preceding the new ones, null
	// at the start of the log.
	PrevPos logio.LogPos

	// The term of the entry at PrevPos, zero when PrevPos is null.
	PrevTerm int64

	// The entries to store, empty for heartbeats.
	Entries []*LogEntry

	// The position of the last entry the leader knows to be committed,
	// null if nothing is committed.
	LeaderCommit logio.LogPos
}

// AppendEntriesResponse is a response to a request to append entries.
type AppendEntriesResponse struct {
	// The responder's current term.
	Term int64

	// Whether the entries were appended.
	Success bool

	// The position of the last entry the request covered (PrevPos for a
	// heartbeat), null on rejection.
	MatchPos logio.LogPos

	// On a consistency-check failure, the highest position the responder
	// is confident about. The leader uses it to backtrack faster than one
	// record per round. Null when no hint is available.
	ConflictHint logio.LogPos
}

// SaveRequest is a client request to replicate and commit a payload.
type SaveRequest struct {
	// The payload to replicate.
	Payload []byte

	// Optional idempotency key, opaque to the cluster.
	ClientID  int64
	RequestID int64
}

// SaveCode tags the outcome of a save request.
type SaveCode int32

const (
	SaveOK SaveCode = iota
	SaveNotLeader
	SaveNotLeaderAnymore
	SaveTimeout
	SaveIOError
)

// String converts a SaveCode into a string.
func (c SaveCode) String() string {
	switch c {
	case SaveOK:
		return "ok"
	case SaveNotLeader:
		return "not leader"
	case SaveNotLeaderAnymore:
		return "not leader anymore"
	case SaveTimeout:
		return "timeout"
	case SaveIOError:
		return "io error"
	default:
		return "unknown"
	}
}

// SaveResponse reports the outcome of a save request.
type SaveResponse struct {
	// The outcome of the request.
	Code SaveCode

	// The position the payload committed at, valid only when Code is
	// SaveOK.
	CommittedPos logio.LogPos

	// The responder's best guess of the current leader, -1 if unknown.
	LeaderHint int32

	// Human-readable detail accompanying a failure code.
	Reason string
}

// Transport represents the network layer carrying RPCs between the
// replicas of a cluster and from clients to replicas. Peer-to-peer
// ordering per connection is preserved by the implementations; the replica
// additionally tolerates reordering via its consistency checks.
type Transport interface {
	// Run starts serving incoming RPCs. It returns once the transport is
	// accepting requests.
	Run() error

	// Shutdown stops serving and releases all connections.
	Shutdown()

	// Connect prepares a connection to the given endpoint.
	Connect(address string) error

	// Close releases the connection to the given endpoint.
	Close(address string) error

	// Address returns the local serving address.
	Address() string

	// RegisterRequestVoteHandler registers the handler invoked for
	// incoming vote requests.
	RegisterRequestVoteHandler(handler func(*RequestVoteRequest, *RequestVoteResponse) error)

	// RegisterAppendEntriesHandler registers the handler invoked for
	// incoming append requests.
	RegisterAppendEntriesHandler(handler func(*AppendEntriesRequest, *AppendEntriesResponse) error)

	// RegisterSaveHandler registers the handler invoked for incoming
	// client save requests.
	RegisterSaveHandler(handler func(*SaveRequest, *SaveResponse) error)

	// SendRequestVote sends a vote request to the given endpoint and
	// waits for the response under the given timeout.
	SendRequestVote(address string, request RequestVoteRequest, timeout time.Duration) (RequestVoteResponse, error)

	// SendAppendEntries sends an append request to the given endpoint and
	// waits for the response under the given timeout.
	SendAppendEntries(address string, request AppendEntriesRequest, timeout time.Duration) (AppendEntriesResponse, error)

	// SendSave sends a client save request to the given endpoint and
	// waits for the response under the given timeout.
	SendSave(address string, request SaveRequest, timeout time.Duration) (SaveResponse, error)
}
