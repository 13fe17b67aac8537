package raft

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skadeyl/raftwal/internal/logger"
	"github.com/skadeyl/raftwal/logio"
)

// testNetwork delivers RPCs between in-memory transports and supports
// partitioning members from each other.
type testNetwork struct {
	mu         sync.Mutex
	transports map[string]*testTransport
	blocked    map[string]map[string]bool
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		transports: make(map[string]*testTransport),
		blocked:    make(map[string]map[string]bool),
	}
}

func (n *testNetwork) transport(address string) *testTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if transport, ok := n.transports[address]; ok {
		return transport
	}
	transport := &testTransport{network: n, address: address}
	n.transports[address] = transport
	return transport
}

func (n *testNetwork) isolate(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.transports {
		if other == address {
			continue
		}
		n.blockLocked(address, other)
		n.blockLocked(other, address)
	}
}

func (n *testNetwork) heal(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.transports {
		delete(n.blocked[address], other)
		delete(n.blocked[other], address)
	}
}

func (n *testNetwork) blockLocked(from, to string) {
	if n.blocked[from] == nil {
		n.blocked[from] = make(map[string]bool)
	}
	n.blocked[from][to] = true
}

// target resolves the transport serving the given address, or an error if
// it is unreachable from the sender.
func (n *testNetwork) target(from, to string) (*testTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blocked[from][to] {
		return nil, fmt.Errorf("network partition between %s and %s", from, to)
	}
	transport, ok := n.transports[to]
	if !ok || !transport.isRunning() {
		return nil, fmt.Errorf("no node serving at %s", to)
	}
	return transport, nil
}

// testTransport implements Transport over direct in-process calls.
type testTransport struct {
	network *testNetwork
	address string

	mu            sync.Mutex
	running       bool
	voteHandler   func(*RequestVoteRequest, *RequestVoteResponse) error
	appendHandler func(*AppendEntriesRequest, *AppendEntriesResponse) error
	saveHandler   func(*SaveRequest, *SaveResponse) error
}

func (t *testTransport) Run() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
	return nil
}

func (t *testTransport) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
}

func (t *testTransport) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *testTransport) Connect(address string) error { return nil }
func (t *testTransport) Close(address string) error   { return nil }
func (t *testTransport) Address() string              { return t.address }

func (t *testTransport) RegisterRequestVoteHandler(handler func(*RequestVoteRequest, *RequestVoteResponse) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.voteHandler = handler
}

func (t *testTransport) RegisterAppendEntriesHandler(handler func(*AppendEntriesRequest, *AppendEntriesResponse) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendHandler = handler
}

func (t *testTransport) RegisterSaveHandler(handler func(*SaveRequest, *SaveResponse) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.saveHandler = handler
}

func (t *testTransport) SendRequestVote(
	address string,
	request RequestVoteRequest,
	timeout time.Duration,
) (RequestVoteResponse, error) {
	target, err := t.network.target(t.address, address)
	if err != nil {
		return RequestVoteResponse{}, err
	}
	target.mu.Lock()
	handler := target.voteHandler
	target.mu.Unlock()
	if handler == nil {
		return RequestVoteResponse{}, fmt.Errorf("no vote handler at %s", address)
	}
	var response RequestVoteResponse
	if err := handler(&request, &response); err != nil {
		return RequestVoteResponse{}, err
	}
	return response, nil
}

func (t *testTransport) SendAppendEntries(
	address string,
	request AppendEntriesRequest,
	timeout time.Duration,
) (AppendEntriesResponse, error) {
	target, err := t.network.target(t.address, address)
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	target.mu.Lock()
	handler := target.appendHandler
	target.mu.Unlock()
	if handler == nil {
		return AppendEntriesResponse{}, fmt.Errorf("no append handler at %s", address)
	}
	// Entries cross the test network by value, as they would a real wire.
	clone := request
	clone.Entries = make([]*LogEntry, len(request.Entries))
	for i, entry := range request.Entries {
		clone.Entries[i] = &LogEntry{
			Pos:       logio.NullPos,
			Term:      entry.Term,
			Data:      append([]byte(nil), entry.Data...),
			ClientID:  entry.ClientID,
			RequestID: entry.RequestID,
		}
	}
	var response AppendEntriesResponse
	if err := handler(&clone, &response); err != nil {
		return AppendEntriesResponse{}, err
	}
	return response, nil
}

func (t *testTransport) SendSave(
	address string,
	request SaveRequest,
	timeout time.Duration,
) (SaveResponse, error) {
	target, err := t.network.target(t.address, address)
	if err != nil {
		return SaveResponse{}, err
	}
	target.mu.Lock()
	handler := target.saveHandler
	target.mu.Unlock()
	if handler == nil {
		return SaveResponse{}, fmt.Errorf("no save handler at %s", address)
	}
	var response SaveResponse
	if err := handler(&request, &response); err != nil {
		return SaveResponse{}, err
	}
	return response, nil
}

// testObserver records committed entries in delivery order.
type testObserver struct {
	mu      sync.Mutex
	entries []*LogEntry
}

func (o *testObserver) EntryCommitted(entry *LogEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entry)
}

func (o *testObserver) payloads() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	payloads := make([]string, len(o.entries))
	for i, entry := range o.entries {
		payloads[i] = string(entry.Data)
	}
	return payloads
}

type testCluster struct {
	t         *testing.T
	network   *testNetwork
	addresses []string
	dirs      []string
	replicas  []*Replica
	observers []*testObserver
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	cluster := &testCluster{t: t, network: newTestNetwork()}
	for id := 0; id < size; id++ {
		cluster.addresses = append(cluster.addresses, fmt.Sprintf("node-%d", id))
		cluster.dirs = append(cluster.dirs, t.TempDir())
		cluster.observers = append(cluster.observers, &testObserver{})
	}
	for id := 0; id < size; id++ {
		cluster.replicas = append(cluster.replicas, cluster.newReplica(int32(id)))
	}
	return cluster
}

func (c *testCluster) newReplica(id int32) *Replica {
	c.t.Helper()
	replica, err := NewReplica(
		id,
		c.addresses,
		c.observers[id],
		c.dirs[id],
		WithTransport(c.network.transport(c.addresses[id])),
		WithElectionTimeout(50*time.Millisecond),
		WithRequestTimeout(150*time.Millisecond),
		WithBlockSize(testBlockSize),
		WithBlocksPerFile(testBlocksPerFile),
		WithLogger(logger.NewNopLogger()),
	)
	require.NoError(c.t, err)
	return replica
}

func (c *testCluster) start() {
	for _, replica := range c.replicas {
		replica.Start()
	}
	c.t.Cleanup(c.stop)
}

func (c *testCluster) stop() {
	for _, replica := range c.replicas {
		replica.Stop()
	}
}

// restart tears down the replica and brings up a fresh one over the same
// data directory, address, and observer.
func (c *testCluster) restart(id int32) {
	c.replicas[id].Stop()
	c.replicas[id] = c.newReplica(id)
	c.replicas[id].Start()
}

func (c *testCluster) waitForLeader(exclude ...int32) int32 {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for id, replica := range c.replicas {
			if contains(exclude, int32(id)) {
				continue
			}
			if replica.Status().State != Leader {
				continue
			}
			// The election has settled once every reachable member
			// acknowledges this leader.
			acknowledged := true
			for other, otherReplica := range c.replicas {
				if other == id || contains(exclude, int32(other)) {
					continue
				}
				if otherReplica.Status().LeaderID != int32(id) {
					acknowledged = false
					break
				}
			}
			if acknowledged {
				return int32(id)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("no leader elected within the deadline")
	return -1
}

func (c *testCluster) submit(id int32, payload string) SaveResponse {
	c.t.Helper()
	var response SaveResponse
	request := SaveRequest{Payload: []byte(payload)}
	require.NoError(c.t, c.replicas[id].Save(&request, &response))
	return response
}

func contains(ids []int32, id int32) bool {
	for _, other := range ids {
		if other == id {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReplicaStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	cluster := newTestCluster(t, 3)
	for _, replica := range cluster.replicas {
		replica.Start()
	}
	cluster.waitForLeader()
	for _, replica := range cluster.replicas {
		replica.Stop()
	}
	for _, replica := range cluster.replicas {
		require.Equal(t, Shutdown, replica.Status().State)
	}
}

func TestSingleNodeCommit(t *testing.T) {
	cluster := newTestCluster(t, 1)
	cluster.start()

	leader := cluster.waitForLeader()
	require.Equal(t, int32(0), leader)

	response := cluster.submit(leader, "hello")
	require.Equal(t, SaveOK, response.Code)
	require.Equal(t, logio.LogPos{FileOrd: 0, Offset: 0}, response.CommittedPos)

	waitFor(t, time.Second, func() bool {
		return equalStrings(cluster.observers[0].payloads(), []string{"hello"})
	})
}

func TestThreeNodeCommit(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.start()

	leader := cluster.waitForLeader()

	first := cluster.submit(leader, "A")
	require.Equal(t, SaveOK, first.Code)
	second := cluster.submit(leader, "B")
	require.Equal(t, SaveOK, second.Code)
	require.True(t, first.CommittedPos.Less(second.CommittedPos))

	// Every node observes A then B.
	for id := range cluster.replicas {
		id := id
		waitFor(t, time.Second, func() bool {
			return equalStrings(cluster.observers[id].payloads(), []string{"A", "B"})
		})
	}

	// The logs converged.
	leaderStatus := cluster.replicas[leader].Status()
	for _, replica := range cluster.replicas {
		require.Equal(t, leaderStatus.LastLogPos, replica.Status().LastLogPos)
	}
}

func TestSaveRedirectsToLeader(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.start()

	leader := cluster.waitForLeader()
	cluster.submit(leader, "settle")

	for id := range cluster.replicas {
		if int32(id) == leader {
			continue
		}
		// Followers know the leader once they have heard a heartbeat.
		id := id
		waitFor(t, time.Second, func() bool {
			return cluster.replicas[id].Status().LeaderID == leader
		})
		response := cluster.submit(int32(id), "refused")
		require.Equal(t, SaveNotLeader, response.Code)
		require.Equal(t, leader, response.LeaderHint)
	}
}

func TestLeaderIsolation(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.start()

	oldLeader := cluster.waitForLeader()
	require.Equal(t, SaveOK, cluster.submit(oldLeader, "committed").Code)

	cluster.network.isolate(cluster.addresses[oldLeader])

	// A submission to the isolated leader cannot commit.
	response := cluster.submit(oldLeader, "lost")
	require.Equal(t, SaveTimeout, response.Code)

	// The other two elect a new leader and accept submissions.
	newLeader := cluster.waitForLeader(oldLeader)
	require.NotEqual(t, oldLeader, newLeader)
	require.Equal(t, SaveOK, cluster.submit(newLeader, "after-1").Code)
	require.Equal(t, SaveOK, cluster.submit(newLeader, "after-2").Code)

	// Heal the partition: the old leader steps down, truncates its
	// uncommitted suffix, and converges on the new leader's log.
	cluster.network.heal(cluster.addresses[oldLeader])

	waitFor(t, 2*time.Second, func() bool {
		status := cluster.replicas[oldLeader].Status()
		return status.State == Follower &&
			status.LastLogPos == cluster.replicas[newLeader].Status().LastLogPos
	})

	expected := []string{"committed", "after-1", "after-2"}
	for id := range cluster.replicas {
		id := id
		waitFor(t, time.Second, func() bool {
			return equalStrings(cluster.observers[id].payloads(), expected)
		})
	}
}

func TestFollowerCatchUp(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.start()

	leader := cluster.waitForLeader()

	var follower int32 = -1
	for id := range cluster.replicas {
		if int32(id) != leader {
			follower = int32(id)
			break
		}
	}
	cluster.replicas[follower].Stop()

	expected := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		payload := fmt.Sprintf("entry-%d", i)
		require.Equal(t, SaveOK, cluster.submit(leader, payload).Code)
		expected = append(expected, payload)
	}

	// The follower replays its log on restart and catches up from the
	// leader. Its fresh observer sees every entry in order.
	cluster.observers[follower] = &testObserver{}
	cluster.restart(follower)

	waitFor(t, 2*time.Second, func() bool {
		return equalStrings(cluster.observers[follower].payloads(), expected)
	})

	require.Equal(t,
		cluster.replicas[leader].Status().LastLogPos,
		cluster.replicas[follower].Status().LastLogPos,
	)
}

func TestConflictingSuffixTruncated(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.start()

	oldLeader := cluster.waitForLeader()
	require.Equal(t, SaveOK, cluster.submit(oldLeader, "base").Code)

	// The isolated leader appends entries it can never commit.
	cluster.network.isolate(cluster.addresses[oldLeader])
	require.Equal(t, SaveTimeout, cluster.submit(oldLeader, "orphan-1").Code)
	require.Equal(t, SaveTimeout, cluster.submit(oldLeader, "orphan-2").Code)

	newLeader := cluster.waitForLeader(oldLeader)
	require.Equal(t, SaveOK, cluster.submit(newLeader, "winner-1").Code)
	require.Equal(t, SaveOK, cluster.submit(newLeader, "winner-2").Code)

	cluster.network.heal(cluster.addresses[oldLeader])

	// The old leader's conflicting suffix is overwritten by the new
	// leader's entries.
	waitFor(t, 2*time.Second, func() bool {
		return cluster.replicas[oldLeader].Status().LastLogPos ==
			cluster.replicas[newLeader].Status().LastLogPos
	})

	expected := []string{"base", "winner-1", "winner-2"}
	for id := range cluster.replicas {
		id := id
		waitFor(t, time.Second, func() bool {
			return equalStrings(cluster.observers[id].payloads(), expected)
		})
	}
}

func TestTwoNodeCommitRequiresBothPeers(t *testing.T) {
	cluster := newTestCluster(t, 2)
	cluster.start()

	leader := cluster.waitForLeader()
	require.Equal(t, SaveOK, cluster.submit(leader, "both-up").Code)

	// With the only follower unreachable there is no quorum beyond the
	// leader itself, so nothing further commits.
	var follower int32
	for id := range cluster.replicas {
		if int32(id) != leader {
			follower = int32(id)
		}
	}
	cluster.network.isolate(cluster.addresses[follower])

	require.Equal(t, SaveTimeout, cluster.submit(leader, "half-up").Code)
}

func TestVoteRejectedForStaleTerm(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.start()

	leader := cluster.waitForLeader()
	require.Equal(t, SaveOK, cluster.submit(leader, "settle").Code)

	term := cluster.replicas[leader].Status().Term

	var response RequestVoteResponse
	request := RequestVoteRequest{
		Term:        term - 1,
		CandidateID: 99,
		LastLogPos:  logio.NullPos,
		LastLogTerm: 0,
	}
	require.NoError(t, cluster.replicas[leader].RequestVote(&request, &response))
	require.False(t, response.VoteGranted)
	require.Equal(t, term, response.Term)
}

func TestVoteRejectedForStaleLog(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.start()

	leader := cluster.waitForLeader()
	require.Equal(t, SaveOK, cluster.submit(leader, "settle").Code)

	status := cluster.replicas[leader].Status()

	// A candidate with an empty log cannot win this replica's vote, even
	// with a higher term.
	var response RequestVoteResponse
	request := RequestVoteRequest{
		Term:        status.Term + 1,
		CandidateID: 2,
		LastLogPos:  logio.NullPos,
		LastLogTerm: 0,
	}
	require.NoError(t, cluster.replicas[leader].RequestVote(&request, &response))
	require.False(t, response.VoteGranted)

	// The higher term still deposes the leader.
	require.GreaterOrEqual(t, cluster.replicas[leader].Status().Term, status.Term+1)
}

func TestStaleAppendEntriesRejected(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.start()

	leader := cluster.waitForLeader()
	require.Equal(t, SaveOK, cluster.submit(leader, "settle").Code)

	term := cluster.replicas[leader].Status().Term

	var response AppendEntriesResponse
	request := AppendEntriesRequest{
		Term:         term - 1,
		LeaderID:     99,
		PrevPos:      logio.NullPos,
		LeaderCommit: logio.NullPos,
	}
	require.NoError(t, cluster.replicas[leader].AppendEntries(&request, &response))
	require.False(t, response.Success)
	require.Equal(t, term, response.Term)
	require.Equal(t, Leader, cluster.replicas[leader].Status().State)
}

func TestTermPersistsAcrossRestart(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.start()

	leader := cluster.waitForLeader()
	require.Equal(t, SaveOK, cluster.submit(leader, "settle").Code)
	term := cluster.replicas[leader].Status().Term

	cluster.restart(leader)

	status := cluster.replicas[leader].Status()
	require.GreaterOrEqual(t, status.Term, term)
}
