package raft

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skadeyl/raftwal/internal/logger"
	"github.com/skadeyl/raftwal/internal/util"
	"github.com/skadeyl/raftwal/logio"
)

// State represents the current role of a replica. A replica may be
// shutdown, a follower, a candidate, or the leader.
type State uint32

const (
	// Follower is a state indicating that the replica accepts entries
	// replicated by the leader and grants votes. It may not accept
	// client writes.
	Follower State = iota

	// Candidate is a state indicating that the replica is soliciting
	// votes to become the leader of a new term.
	Candidate

	// Leader is a state indicating that the replica accepts client
	// writes and replicates entries to the followers. At most one
	// replica per term is the leader.
	Leader

	// Shutdown is a state indicating that the replica is offline.
	Shutdown
)

// String converts a State into a string.
func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Shutdown:
		return "shutdown"
	default:
		panic("invalid state")
	}
}

// Status is a diagnostic snapshot of a replica.
type Status struct {
	// The ID of this replica.
	ID int32

	// The serving address of this replica.
	Address string

	// The current term.
	Term int64

	// The replica this replica believes is the leader, -1 if unknown.
	LeaderID int32

	// The current role.
	State State

	// The position of the highest committed entry, null if nothing has
	// committed.
	CommitPos logio.LogPos

	// The position and term of the last log entry.
	LastLogPos  logio.LogPos
	LastLogTerm int64
}

// peer contains the leader-side replication state for one cluster member.
type peer struct {
	// The address of this peer.
	address string

	// The index of the next log entry that should be sent to this peer.
	next int

	// The index of the highest log entry known to be stored on this
	// peer, -1 if unknown.
	match int

	// Whether an AppendEntries RPC to this peer is currently in flight.
	inFlight bool

	// The time of the last successful round trip to this peer.
	lastContact time.Time
}

// saveOutcome is delivered to a waiting Save handler when its entry
// commits or the replica loses leadership.
type saveOutcome struct {
	pos logio.LogPos
	err error
}

// Replica implements one member of a replicated state machine cluster.
type Replica struct {
	// The ID of this replica, an index into the cluster address list.
	id int32

	// The ID this replica believes is the leader. Used to redirect
	// clients. -1 if unknown.
	leaderID int32

	// The configuration options for this replica.
	options options

	// The network transport for sending and receiving RPCs.
	transport Transport

	// The replication state of every cluster member, indexed by node ID.
	// Cursors are maintained by the leader; the entry for this replica
	// only supplies its address.
	peers []*peer

	// The durable replicated log.
	log Log

	// Storage for the durable term and vote.
	stateStorage StateStorage

	// Consumes committed entries in log order. May be nil.
	observer CommitObserver

	// Requests waiting for the commit position to reach their entry,
	// keyed by the entry's position. Leader only.
	waiters map[logio.LogPos]chan saveOutcome

	// Notifies the commit loop that match cursors may have advanced.
	commitCond *sync.Cond

	// Notifies the observer loop that the commit position advanced.
	observeCond *sync.Cond

	// The current role of this replica.
	state State

	// Index of the highest committed entry, -1 if none.
	commitIndex int

	// Index of the highest entry handed to the observer, -1 if none.
	lastNotified int

	// The current term. Persisted before it becomes observable.
	currentTerm int64

	// The candidate this replica voted for in the current term, -1 if
	// none. Persisted before a grant is sent.
	votedFor int32

	// Set when a log write failed; the replica stops acknowledging
	// writes but keeps serving votes and reads of its prior state.
	ioFailed bool

	// The time of the last contact from a valid leader or of the last
	// granted vote. Drives the election timer.
	lastContact time.Time

	wg sync.WaitGroup

	mu sync.Mutex
}

// NewReplica creates a replica with the given ID. The address list names
// every member of the cluster, including this one, indexed by node ID; it
// must be identical on every member. Committed entries are delivered to
// observer in log order. State is persisted under dataDir.
func NewReplica(
	id int32,
	addresses []string,
	observer CommitObserver,
	dataDir string,
	opts ...Option,
) (*Replica, error) {
	if id < 0 || int(id) >= len(addresses) {
		return nil, fmt.Errorf("node ID %d is not in the cluster address list", id)
	}

	// Apply provided options.
	var options options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}

	// Set default values if option not provided.
	if options.logger == nil {
		defaultLogger, err := logger.NewLogger()
		if err != nil {
			return nil, err
		}
		options.logger = defaultLogger
	}
	if options.electionTimeout == 0 {
		options.electionTimeout = defaultElectionTimeout
	}
	if options.heartbeatInterval == 0 {
		options.heartbeatInterval = options.electionTimeout / 4
	}
	if options.requestTimeout == 0 {
		options.requestTimeout = defaultRequestTimeout
	}
	if options.maxEntriesSize == 0 {
		options.maxEntriesSize = defaultMaxEntriesSize
	}
	if options.numRetries == 0 {
		options.numRetries = defaultNumRetries
	}
	if options.reopenConnectionInterval == 0 {
		options.reopenConnectionInterval = defaultReopenConnectionInterval
	}

	r := &Replica{
		id:           id,
		leaderID:     -1,
		state:        Shutdown,
		observer:     observer,
		votedFor:     -1,
		commitIndex:  -1,
		lastNotified: -1,
	}

	if options.log == nil || options.stateStorage == nil {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	if options.log == nil {
		options.log = NewLog(dataDir, "raft", options.blockSize, options.blocksPerFile)
	}
	if options.stateStorage == nil {
		options.stateStorage = NewStateStorage(dataDir)
	}
	if options.transport == nil {
		transport, err := NewTransport(addresses[id], options.reopenConnectionInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: address = %s: %w", addresses[id], err)
		}
		options.transport = transport
	}

	r.log = options.log
	r.stateStorage = options.stateStorage
	r.transport = options.transport
	r.options = options

	r.peers = make([]*peer, len(addresses))
	for i, address := range addresses {
		r.peers[i] = &peer{address: address, match: -1}
	}
	r.waiters = make(map[logio.LogPos]chan saveOutcome)
	r.commitCond = sync.NewCond(&r.mu)
	r.observeCond = sync.NewCond(&r.mu)

	return r, nil
}

// Start starts the replica if it is not already started.
func (r *Replica) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Shutdown {
		return
	}

	// Register the RPC handlers.
	r.transport.RegisterRequestVoteHandler(r.RequestVote)
	r.transport.RegisterAppendEntriesHandler(r.AppendEntries)
	r.transport.RegisterSaveHandler(r.Save)

	// Restore the current term and vote if they have been persisted.
	if err := r.stateStorage.Open(); err != nil {
		r.options.logger.Fatalf("failed to open state storage: error = %v", err)
	}
	if err := r.stateStorage.Replay(); err != nil {
		r.options.logger.Fatalf("failed to recover state: error = %v", err)
	}
	currentTerm, votedFor, err := r.stateStorage.State()
	if err != nil {
		r.options.logger.Fatalf("failed to recover state: error = %v", err)
	}
	r.currentTerm = currentTerm
	r.votedFor = votedFor

	// Open the log and replay its persisted entries into memory.
	if err := r.log.Open(); err != nil {
		r.options.logger.Fatalf("failed to open log: error = %v", err)
	}
	if err := r.log.Replay(); err != nil {
		r.options.logger.Fatalf("failed to replay log: error = %v", err)
	}

	r.commitIndex = -1
	r.lastNotified = -1
	r.ioFailed = false

	// Connect to the other members of the cluster.
	for id, peer := range r.peers {
		if int32(id) == r.id {
			continue
		}
		if err := r.transport.Connect(peer.address); err != nil {
			r.options.logger.Errorf("failed to connect to node: error = %v", err)
		}
	}

	r.lastContact = time.Now()
	r.state = Follower

	r.wg.Add(4)
	go r.electionLoop()
	go r.heartbeatLoop()
	go r.commitLoop()
	go r.observeLoop()

	// Start serving incoming RPCs.
	if err := r.transport.Run(); err != nil {
		r.options.logger.Fatalf("failed to start transport: error = %v", err)
	}

	r.options.logger.Infof(
		"node started: id = %d, electionTimeout = %v, heartbeatInterval = %v, term = %d",
		r.id,
		r.options.electionTimeout,
		r.options.heartbeatInterval,
		r.currentTerm,
	)
}

// Stop stops the replica if it is not already stopped.
func (r *Replica) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return
	}

	r.state = Shutdown
	r.failWaitersLocked(errShutdown)
	r.commitCond.Broadcast()
	r.observeCond.Broadcast()

	r.mu.Unlock()
	r.wg.Wait()
	r.mu.Lock()

	// Close connections to the other members and stop accepting RPCs.
	for id, peer := range r.peers {
		if int32(id) == r.id {
			continue
		}
		if err := r.transport.Close(peer.address); err != nil {
			r.options.logger.Errorf("failed to close connection to node: error = %v", err)
		}
	}
	r.transport.Shutdown()

	if err := r.log.Close(); err != nil {
		r.options.logger.Errorf("failed to close log: %v", err)
	}
	if err := r.stateStorage.Close(); err != nil {
		r.options.logger.Errorf("failed to close state storage: %v", err)
	}

	r.options.logger.Infof("node stopped: id = %d", r.id)
}

// Status returns a diagnostic snapshot of this replica.
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Status{
		ID:          r.id,
		Address:     r.peers[r.id].address,
		Term:        r.currentTerm,
		LeaderID:    r.leaderID,
		State:       r.state,
		CommitPos:   r.commitPosLocked(),
		LastLogPos:  r.log.LastPos(),
		LastLogTerm: r.log.LastTerm(),
	}
}

// StatusString renders a human-readable snapshot of this replica,
// including the per-peer replication cursors when it is the leader.
func (r *Replica) StatusString(includePeers bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "node %d [%s] state=%s term=%d votedFor=%d leader=%d",
		r.id, r.peers[r.id].address, r.state, r.currentTerm, r.votedFor, r.leaderID)
	fmt.Fprintf(&b, " lastLog=%s/%d commit=%s entries=%d",
		r.log.LastPos(), r.log.LastTerm(), r.commitPosLocked(), r.log.Size())
	if includePeers && r.state == Leader {
		for id, p := range r.peers {
			if int32(id) == r.id {
				continue
			}
			fmt.Fprintf(&b, "\n  peer %d [%s] next=%d match=%d inFlight=%v lastContact=%v",
				id, p.address, p.next, p.match, p.inFlight, p.lastContact)
		}
	}
	return b.String()
}

// RequestVote handles vote requests from candidates during elections. It
// takes a vote request and fills the response with the result of the vote.
func (r *Replica) RequestVote(request *RequestVoteRequest, response *RequestVoteResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return fmt.Errorf("could not execute RequestVote RPC: node %d is shutdown", r.id)
	}

	r.options.logger.Debugf(
		"RequestVote RPC received: candidateID = %d, term = %d, lastLogPos = %s, lastLogTerm = %d",
		request.CandidateID,
		request.Term,
		request.LastLogPos,
		request.LastLogTerm,
	)

	response.Term = r.currentTerm
	response.VoteGranted = false

	// Reject the request if the term is out-of-date.
	if request.Term < r.currentTerm {
		r.options.logger.Debugf(
			"RequestVote RPC rejected: reason = out of date term, localTerm = %d, remoteTerm = %d",
			r.currentTerm,
			request.Term,
		)
		return nil
	}

	// If the request has a more up-to-date term, update current term and
	// become a follower.
	if request.Term > r.currentTerm {
		r.becomeFollowerLocked(-1, request.Term)
		response.Term = r.currentTerm
	}

	// Reject the request if this replica already voted for someone else.
	if r.votedFor != -1 && r.votedFor != request.CandidateID {
		r.options.logger.Debugf(
			"RequestVote RPC rejected: reason = already voted, votedFor = %d",
			r.votedFor,
		)
		return nil
	}

	// Reject any requests with an out-of-date log. To determine which log
	// is more up-to-date:
	// 1. If the logs have last entries with different terms, then the log
	//    with the greater term is more up-to-date.
	// 2. If the logs end with the same term, the longer log is more
	//    up-to-date.
	if request.LastLogTerm < r.log.LastTerm() ||
		(request.LastLogTerm == r.log.LastTerm() && request.LastLogPos.Less(r.log.LastPos())) {
		r.options.logger.Debugf(
			"RequestVote RPC rejected: reason = out-of-date log, localLastLogPos = %s, localLastLogTerm = %d, remoteLastLogPos = %s, remoteLastLogTerm = %d",
			r.log.LastPos(),
			r.log.LastTerm(),
			request.LastLogPos,
			request.LastLogTerm,
		)
		return nil
	}

	r.lastContact = time.Now()
	r.votedFor = request.CandidateID
	r.persistTermAndVoteLocked()
	response.VoteGranted = true

	r.options.logger.Infof(
		"RequestVote RPC successful: votedFor = %d, term = %d",
		request.CandidateID,
		r.currentTerm,
	)

	return nil
}

// AppendEntries handles log replication requests from the leader. It takes
// a request to append entries and fills the response with the result of the
// append operation.
func (r *Replica) AppendEntries(request *AppendEntriesRequest, response *AppendEntriesResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return fmt.Errorf("could not execute AppendEntries RPC: node %d is shutdown", r.id)
	}

	r.options.logger.Debugf(
		"AppendEntries RPC received: leaderID = %d, term = %d, prevPos = %s, prevTerm = %d, entries = %d, leaderCommit = %s",
		request.LeaderID,
		request.Term,
		request.PrevPos,
		request.PrevTerm,
		len(request.Entries),
		request.LeaderCommit,
	)

	response.Term = r.currentTerm
	response.Success = false
	response.MatchPos = logio.NullPos
	response.ConflictHint = logio.NullPos

	// Reject any requests with an out-of-date term.
	if request.Term < r.currentTerm {
		r.options.logger.Debugf(
			"AppendEntries RPC rejected: reason = out of date term, localTerm = %d, remoteTerm = %d",
			r.currentTerm,
			request.Term,
		)
		return nil
	}

	// Update the time of last contact - note that this should be done even
	// if the request is rejected due to a failed consistency check.
	r.lastContact = time.Now()

	// Update the ID of the replica that this replica recognizes as leader.
	r.leaderID = request.LeaderID

	// If the request has a more up-to-date term, or this replica is still
	// soliciting votes for the sender's term, step down to follower.
	if request.Term > r.currentTerm || r.state != Follower {
		r.becomeFollowerLocked(request.LeaderID, request.Term)
		response.Term = r.currentTerm
	}

	// Consistency check: the local log must contain the entry the new ones
	// follow. On failure, hint the highest position this replica is
	// confident about so the leader can backtrack in few round trips.
	prevIndex := -1
	if !request.PrevPos.IsNull() {
		index, ok := r.log.FindEntry(request.PrevPos)
		if !ok {
			response.ConflictHint = r.log.LastPos()
			r.options.logger.Debugf(
				"AppendEntries RPC rejected: reason = log does not contain previous entry, prevPos = %s, hint = %s",
				request.PrevPos,
				response.ConflictHint,
			)
			return nil
		}
		entry, err := r.log.GetEntry(index)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		if entry.Term != request.PrevTerm {
			// Back off to before the conflicting term.
			conflictTerm := entry.Term
			hintIndex := index - 1
			for hintIndex >= 0 {
				prior, err := r.log.GetEntry(hintIndex)
				if err != nil {
					r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
				}
				if prior.Term != conflictTerm {
					response.ConflictHint = prior.Pos
					break
				}
				hintIndex--
			}
			r.options.logger.Debugf(
				"AppendEntries RPC rejected: reason = previous entry has conflicting term, prevPos = %s, localTerm = %d, remoteTerm = %d, hint = %s",
				request.PrevPos,
				entry.Term,
				request.PrevTerm,
				response.ConflictHint,
			)
			return nil
		}
		prevIndex = index
	}

	response.Success = true

	// Skip entries already present; truncate the local suffix at the first
	// conflict (same position, different term) and append the remainder.
	var toAppend []*LogEntry
	for i, entry := range request.Entries {
		index := prevIndex + 1 + i
		if index >= r.log.Size() {
			toAppend = request.Entries[i:]
			break
		}

		existing, err := r.log.GetEntry(index)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		if existing.Term == entry.Term {
			continue
		}

		if index <= r.commitIndex {
			r.options.logger.Fatalf(
				"refusing to truncate committed entries: index = %d, commitIndex = %d",
				index,
				r.commitIndex,
			)
		}
		r.options.logger.Warnf("truncating log: pos = %s", existing.Pos)
		if err := r.log.Truncate(index); err != nil {
			r.options.logger.Fatalf("failed to truncate log: %v", err)
		}

		toAppend = request.Entries[i:]
		break
	}

	if len(toAppend) > 0 {
		if r.ioFailed {
			response.Success = false
			return nil
		}
		if err := r.log.AppendEntries(toAppend); err != nil {
			r.options.logger.Errorf("failed to append entries to log: %v", err)
			r.ioFailed = true
			response.Success = false
			return nil
		}
	}

	matchIndex := prevIndex + len(request.Entries)
	if matchIndex >= 0 {
		entry, err := r.log.GetEntry(matchIndex)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		response.MatchPos = entry.Pos
	}

	// Advance the local commit position, capped at the last entry this
	// request covered.
	if !request.LeaderCommit.IsNull() {
		if index, ok := r.log.FloorEntry(request.LeaderCommit); ok {
			index = util.Min(index, matchIndex)
			if index > r.commitIndex {
				r.options.logger.Debugf(
					"updating commit index: currentCommitIndex = %d, newCommitIndex = %d",
					r.commitIndex,
					index,
				)
				r.commitIndex = index
				r.observeCond.Broadcast()
			}
		}
	}

	return nil
}

// Save handles client requests to replicate a payload. It blocks until the
// resulting entry commits, the replica loses leadership, or the request
// timeout elapses, and fills the response with the outcome.
func (r *Replica) Save(request *SaveRequest, response *SaveResponse) error {
	r.mu.Lock()

	if r.state == Shutdown {
		r.mu.Unlock()
		return fmt.Errorf("could not execute Save RPC: node %d is shutdown", r.id)
	}

	response.CommittedPos = logio.NullPos

	if r.state != Leader {
		response.Code = SaveNotLeader
		response.LeaderHint = r.leaderID
		response.Reason = NotLeaderError{NodeID: r.id, KnownLeader: r.leaderID}.Error()
		r.mu.Unlock()
		return nil
	}

	if r.ioFailed {
		response.Code = SaveIOError
		response.LeaderHint = r.id
		response.Reason = "replica stopped acknowledging writes after a log failure"
		r.mu.Unlock()
		return nil
	}

	entry := &LogEntry{
		Term:      r.currentTerm,
		Data:      request.Payload,
		ClientID:  request.ClientID,
		RequestID: request.RequestID,
	}
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Errorf("failed to append entry to log: error = %v", err)
		r.ioFailed = true
		response.Code = SaveIOError
		response.LeaderHint = r.id
		response.Reason = err.Error()
		r.mu.Unlock()
		return nil
	}

	ch := make(chan saveOutcome, 1)
	r.waiters[entry.Pos] = ch

	r.options.logger.Debugf(
		"entry submitted: pos = %s, term = %d, bytes = %d",
		entry.Pos,
		entry.Term,
		len(entry.Data),
	)

	// A single-node cluster commits on the local durable append alone.
	if len(r.peers) == 1 {
		r.commitCond.Broadcast()
	} else {
		r.sendAppendEntriesToPeersLocked()
	}

	timeout := r.options.requestTimeout
	pos := entry.Pos
	r.mu.Unlock()

	select {
	case outcome := <-ch:
		r.mu.Lock()
		hint := r.leaderID
		r.mu.Unlock()
		if outcome.err == nil {
			response.Code = SaveOK
			response.CommittedPos = outcome.pos
			response.LeaderHint = r.id
			return nil
		}
		response.Code = SaveNotLeaderAnymore
		response.LeaderHint = hint
		response.Reason = outcome.err.Error()
		return nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.waiters, pos)
		hint := r.leaderID
		r.mu.Unlock()
		response.Code = SaveTimeout
		response.LeaderHint = hint
		response.Reason = ErrSubmitTimeout.Error()
		return nil
	}
}

// sendAppendEntriesToPeersLocked schedules an AppendEntries to every peer
// that does not already have one in flight.
func (r *Replica) sendAppendEntriesToPeersLocked() {
	for id, peer := range r.peers {
		if int32(id) == r.id || peer.inFlight {
			continue
		}
		peer.inFlight = true
		go r.sendAppendEntries(int32(id))
	}
	if len(r.peers) == 1 && r.log.Size()-1 > r.commitIndex {
		r.commitCond.Broadcast()
	}
}

func (r *Replica) sendAppendEntries(id int32) {
	r.mu.Lock()

	peer := r.peers[id]

	if r.state != Leader {
		peer.inFlight = false
		r.mu.Unlock()
		return
	}

	next := util.Min(peer.next, r.log.Size())
	prevIndex := next - 1
	prevPos := logio.NullPos
	prevTerm := int64(0)
	if prevIndex >= 0 {
		prevEntry, err := r.log.GetEntry(prevIndex)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		prevPos = prevEntry.Pos
		prevTerm = prevEntry.Term
	}

	// Batch entries from the peer's cursor up to the configured byte cap.
	// At least one entry is always sent when one is available.
	entries := make([]*LogEntry, 0)
	size := 0
	for index := next; index < r.log.Size(); index++ {
		entry, err := r.log.GetEntry(index)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		if len(entries) > 0 && size+len(entry.Data) > r.options.maxEntriesSize {
			break
		}
		entries = append(entries, entry)
		size += len(entry.Data)
	}

	request := AppendEntriesRequest{
		Term:         r.currentTerm,
		LeaderID:     r.id,
		PrevPos:      prevPos,
		PrevTerm:     prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitPosLocked(),
	}
	term := r.currentTerm
	address := peer.address
	timeout := r.options.requestTimeout

	r.mu.Unlock()
	response, err := r.transport.SendAppendEntries(address, request, timeout)
	r.mu.Lock()
	defer r.mu.Unlock()

	peer.inFlight = false

	// Leave the cursors untouched on a transport error; the next
	// heartbeat tick retries.
	if err != nil || r.state != Leader || r.currentTerm != term {
		return
	}

	peer.lastContact = time.Now()

	// Step down if the peer has a more up-to-date term.
	if response.Term > r.currentTerm {
		r.becomeFollowerLocked(-1, response.Term)
		return
	}

	if !response.Success {
		// Backtrack toward the peer's hint and retry immediately. A null
		// hint means the peer is sure of no entry, so replication restarts
		// from the first entry; a hint the local log does not hold backs
		// off by one entry.
		if !response.ConflictHint.IsNull() {
			if index, ok := r.log.FindEntry(response.ConflictHint); ok {
				peer.next = util.Min(peer.next-1, index+1)
			} else {
				peer.next = util.Max(peer.next-1, 0)
			}
		} else {
			peer.next = 0
		}
		peer.next = util.Max(peer.next, 0)
		peer.inFlight = true
		go r.sendAppendEntries(id)
		return
	}

	// Update the peer's cursors and re-evaluate the commit position.
	match := prevIndex + len(entries)
	if match > peer.match {
		peer.match = match
		if match > r.commitIndex {
			r.commitCond.Broadcast()
		}
	}
	peer.next = util.Max(peer.next, match+1)

	// Keep pumping if the peer is still behind.
	if peer.next < r.log.Size() {
		peer.inFlight = true
		go r.sendAppendEntries(id)
	}
}

func (r *Replica) sendRequestVoteToPeersLocked(votes *int) {
	for id := range r.peers {
		if int32(id) == r.id {
			continue
		}
		go r.sendRequestVote(int32(id), votes, r.currentTerm)
	}
}

func (r *Replica) sendRequestVote(id int32, votes *int, term int64) {
	r.mu.Lock()

	if r.state != Candidate || r.currentTerm != term {
		r.mu.Unlock()
		return
	}

	request := RequestVoteRequest{
		Term:        term,
		CandidateID: r.id,
		LastLogPos:  r.log.LastPos(),
		LastLogTerm: r.log.LastTerm(),
	}
	address := r.peers[id].address
	timeout := r.options.requestTimeout

	r.mu.Unlock()
	response, err := r.transport.SendRequestVote(address, request, timeout)
	r.mu.Lock()
	defer r.mu.Unlock()

	// Ensure this response is not stale. It is possible that this replica
	// has started another election, won this one already, or shut down.
	if err != nil || r.state != Candidate || r.currentTerm != term {
		return
	}

	// Step down if the peer has a more up-to-date term.
	if response.Term > r.currentTerm {
		r.becomeFollowerLocked(-1, response.Term)
		return
	}

	if response.VoteGranted {
		*votes++
	}

	// If a quorum of the cluster granted the vote, become the leader.
	if r.state == Candidate && r.hasQuorumLocked(*votes) {
		r.becomeLeaderLocked()
	}
}

func (r *Replica) electionLoop() {
	defer r.wg.Done()

	for {
		// A random timeout between the election timeout and twice the
		// election timeout is drawn to prevent multiple replicas from
		// becoming candidates at the same time.
		timeout := util.RandomTimeout(r.options.electionTimeout, 2*r.options.electionTimeout)
		time.Sleep(timeout)

		r.mu.Lock()
		if r.state == Shutdown {
			r.mu.Unlock()
			return
		}

		// An election is only needed if this replica is not the leader and
		// has not heard from a valid leader (or granted a vote) recently.
		if r.state != Leader && time.Since(r.lastContact) >= r.options.electionTimeout {
			r.becomeCandidateLocked()
			votes := 1
			if r.hasQuorumLocked(votes) {
				r.becomeLeaderLocked()
			} else {
				r.sendRequestVoteToPeersLocked(&votes)
			}
		}
		r.mu.Unlock()
	}
}

func (r *Replica) heartbeatLoop() {
	defer r.wg.Done()

	// If this replica is the leader, broadcast AppendEntries to the peers
	// once every heartbeat interval.
	for {
		time.Sleep(r.options.heartbeatInterval)

		r.mu.Lock()
		if r.state == Shutdown {
			r.mu.Unlock()
			return
		}
		if r.state == Leader {
			r.sendAppendEntriesToPeersLocked()
		}
		r.mu.Unlock()
	}
}

func (r *Replica) commitLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.wg.Done()

	for r.state != Shutdown {
		r.commitCond.Wait()

		// Followers may not advance the commit position on their own.
		if r.state != Leader {
			continue
		}

		// Sort the match cursors in decreasing order; the entry at index
		// N/2 has been stored by a majority of the cluster.
		matches := make([]int, 0, len(r.peers))
		matches = append(matches, r.log.Size()-1)
		for id, peer := range r.peers {
			if int32(id) == r.id {
				continue
			}
			matches = append(matches, peer.match)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(matches)))
		candidate := matches[len(r.peers)/2]

		if candidate <= r.commitIndex {
			continue
		}

		// It is NOT safe for the leader to commit an entry with a term
		// other than the current term. An entry from an earlier term can
		// be stored on a majority and still be overwritten by a future
		// leader. Committing an entry of the current term transitively
		// commits everything before it.
		entry, err := r.log.GetEntry(candidate)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		if entry.Term != r.currentTerm {
			continue
		}

		r.options.logger.Debugf(
			"leader updating commit index: currentCommitIndex = %d, newCommitIndex = %d",
			r.commitIndex,
			candidate,
		)

		previous := r.commitIndex
		r.commitIndex = candidate

		// Release the waiters of the newly committed entries in position
		// order.
		for index := previous + 1; index <= candidate; index++ {
			committed, err := r.log.GetEntry(index)
			if err != nil {
				r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
			}
			if ch, ok := r.waiters[committed.Pos]; ok {
				delete(r.waiters, committed.Pos)
				ch <- saveOutcome{pos: committed.Pos}
			}
		}

		r.observeCond.Broadcast()

		// Propagate the new commit position to the followers.
		r.sendAppendEntriesToPeersLocked()
	}
}

func (r *Replica) observeLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.wg.Done()

	for r.state != Shutdown {
		r.observeCond.Wait()

		// Deliver newly committed entries in position order, exactly once
		// each. The lock is released around the callback so a slow
		// observer never blocks the replica.
		for r.state != Shutdown && r.lastNotified < r.commitIndex {
			entry, err := r.log.GetEntry(r.lastNotified + 1)
			if err != nil {
				r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
			}

			if r.observer != nil {
				r.mu.Unlock()
				r.observer.EntryCommitted(entry)
				r.mu.Lock()
			}

			r.lastNotified++
			r.options.logger.Debugf(
				"entry observed committed: pos = %s, term = %d",
				entry.Pos,
				entry.Term,
			)
		}
	}
}

func (r *Replica) becomeCandidateLocked() {
	r.state = Candidate
	r.currentTerm++
	r.votedFor = r.id
	r.leaderID = -1
	r.lastContact = time.Now()
	r.persistTermAndVoteLocked()
	r.options.logger.Infof("entered the candidate state: term = %d", r.currentTerm)
}

func (r *Replica) becomeLeaderLocked() {
	r.state = Leader
	r.leaderID = r.id
	for _, peer := range r.peers {
		peer.next = r.log.Size()
		peer.match = -1
		peer.inFlight = false
	}
	r.waiters = make(map[logio.LogPos]chan saveOutcome)

	// Assert leadership immediately rather than waiting for the first
	// heartbeat tick.
	r.sendAppendEntriesToPeersLocked()

	r.options.logger.Infof("entered the leader state: term = %d", r.currentTerm)
}

func (r *Replica) becomeFollowerLocked(leaderID int32, term int64) {
	wasLeader := r.state == Leader

	r.state = Follower
	r.leaderID = leaderID
	r.lastContact = time.Now()
	if term > r.currentTerm {
		r.currentTerm = term
		r.votedFor = -1
		r.persistTermAndVoteLocked()
	}

	r.options.logger.Infof("entered the follower state: term = %d", r.currentTerm)

	// Cancel any pending submissions; the entries may still commit under
	// the next leader, but this replica can no longer confirm them.
	if wasLeader {
		r.failWaitersLocked(NotLeaderAnymoreError{NodeID: r.id})
	}
}

func (r *Replica) failWaitersLocked(err error) {
	for pos, ch := range r.waiters {
		ch <- saveOutcome{pos: pos, err: err}
	}
	r.waiters = make(map[logio.LogPos]chan saveOutcome)
}

func (r *Replica) commitPosLocked() logio.LogPos {
	if r.commitIndex < 0 {
		return logio.NullPos
	}
	entry, err := r.log.GetEntry(r.commitIndex)
	if err != nil {
		r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
	}
	return entry.Pos
}

func (r *Replica) hasQuorumLocked(count int) bool {
	return count > len(r.peers)/2
}

func (r *Replica) persistTermAndVoteLocked() {
	if err := r.stateStorage.SetState(r.currentTerm, r.votedFor); err != nil {
		r.options.logger.Fatalf("failed to persist term and vote: error = %v", err)
	}
}
