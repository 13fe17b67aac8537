package raft

import (
	"errors"
	"fmt"
)

// NotLeaderError is returned when a payload is submitted to a replica that
// is not the leader. Only the leader may accept writes.
type NotLeaderError struct {
	// The ID of the replica the payload was submitted to.
	NodeID int32

	// The ID of the replica this replica recognizes as the leader, -1 if
	// unknown. Note that this may not always be accurate.
	KnownLeader int32
}

func (e NotLeaderError) Error() string {
	return fmt.Sprintf("node %d is not the leader: knownLeader = %d", e.NodeID, e.KnownLeader)
}

// NotLeaderAnymoreError is returned when the replica lost leadership before
// a submitted payload was committed. The payload may or may not commit.
type NotLeaderAnymoreError struct {
	// The ID of the replica the payload was submitted to.
	NodeID int32
}

func (e NotLeaderAnymoreError) Error() string {
	return fmt.Sprintf("node %d lost leadership before the entry committed", e.NodeID)
}

var (
	// ErrSubmitTimeout is returned when a submitted payload did not commit
	// within the request timeout. The payload may still commit later.
	ErrSubmitTimeout = errors.New("timed out waiting for the entry to commit")

	// ErrRetriesExhausted is returned by the client router when every
	// attempt to submit a payload failed.
	ErrRetriesExhausted = errors.New("submit retries exhausted")

	// ErrDeadlineExceeded is returned by the client router when the caller's
	// deadline passed before the payload was acknowledged.
	ErrDeadlineExceeded = errors.New("submit deadline exceeded")

	errShutdown = errors.New("replica is shut down")
)
