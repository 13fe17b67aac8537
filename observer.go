package raft

// CommitObserver consumes committed log entries. The replica invokes it
// exactly once per committed entry, in log position order, from a single
// goroutine. A slow observer delays delivery of later entries but never
// blocks replication or commit advancement.
//
// The replica does not deduplicate: a payload submitted twice commits twice.
// Applications that need exactly-once semantics should carry an idempotency
// key in the entry's ClientID/RequestID fields and filter here.
type CommitObserver interface {
	// EntryCommitted is called once the entry at the given position is
	// durable on a quorum of replicas. The entry must not be modified.
	EntryCommitted(entry *LogEntry)
}
