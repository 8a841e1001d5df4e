package raft

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fabric is an in-memory network connecting multiple fakeTransports, so a
// whole cluster of Nodes can run as goroutines in one test process without
// sockets or an external harness. Routes by PeerID and supports directed
// partitions for failover scenarios.
type fabric struct {
	mu    sync.Mutex
	peers map[PeerID]*fakeTransport
	cut   map[[2]PeerID]bool
}

func newFabric() *fabric {
	return &fabric{peers: make(map[PeerID]*fakeTransport), cut: make(map[[2]PeerID]bool)}
}

func (fb *fabric) register(t *fakeTransport) {
	fb.mu.Lock()
	fb.peers[t.id] = t
	fb.mu.Unlock()
}

// partition cuts delivery in both directions between a and b.
func (fb *fabric) partition(a, b PeerID) {
	fb.mu.Lock()
	fb.cut[[2]PeerID{a, b}] = true
	fb.cut[[2]PeerID{b, a}] = true
	fb.mu.Unlock()
}

func (fb *fabric) heal(a, b PeerID) {
	fb.mu.Lock()
	delete(fb.cut, [2]PeerID{a, b})
	delete(fb.cut, [2]PeerID{b, a})
	fb.mu.Unlock()
}

func (fb *fabric) deliver(src, dest PeerID, f Frame) {
	fb.mu.Lock()
	blocked := fb.cut[[2]PeerID{src, dest}]
	target, ok := fb.peers[dest]
	fb.mu.Unlock()
	if blocked || !ok {
		return
	}
	go target.dispatcher.dispatch(f)
}

// fakeTransport implements Transport over a fabric instead of a real
// stream, used both for the Node instances under test and for a
// synthetic client peer that issues read/write/cas requests the same way
// the wire protocol would.
type fakeTransport struct {
	*dispatcher
	id  PeerID
	fab *fabric
}

func newFakeTransport(fab *fabric, id PeerID, logger *log.Logger) *fakeTransport {
	t := &fakeTransport{dispatcher: newDispatcher(id, logger), id: id, fab: fab}
	fab.register(t)
	return t
}

func (t *fakeTransport) Send(dest PeerID, body Body) {
	frame := Frame{Src: t.getSelf(), Dest: dest, Body: body}
	t.fab.deliver(t.getSelf(), dest, frame)
}

func (t *fakeTransport) Reply(req Frame, body Body) {
	body.InReplyTo = req.Body.MsgID
	t.Send(req.Src, body)
}

func (t *fakeTransport) RPC(dest PeerID, body Body, handler FrameHandler) {
	id := t.allocMsgID()
	body.MsgID = &id
	t.registerPending(id, handler)
	t.Send(dest, body)
}

func (t *fakeTransport) On(msgType string, handler FrameHandler) error {
	return t.onType(msgType, handler)
}

func (t *fakeTransport) SetSelf(id PeerID) { t.setSelf(id) }

// Run parks forever: delivery is entirely driven by fabric.deliver
// goroutines, there is no stream to read.
func (t *fakeTransport) Run() { <-make(chan struct{}) }

var _ Transport = (*fakeTransport)(nil)

// testCluster is a set of Nodes wired together over one fabric, with a
// shortened election timeout so tests don't wait on spec.md's production
// 2-second base.
type testCluster struct {
	fab   *fabric
	nodes map[PeerID]*Node
}

func newTestCluster(t *testing.T, ids ...PeerID) *testCluster {
	t.Helper()
	fab := newFabric()
	logger := log.New(io.Discard, "", 0)

	nodes := make(map[PeerID]*Node, len(ids))
	for _, id := range ids {
		tr := newFakeTransport(fab, id, logger)
		n := NewNode(tr, SystemClock, logger)
		// Well above MaintenanceTick, so a leader's heartbeats reach the
		// followers before their election deadlines pass.
		n.electionTimeout = time.Second
		require.NoError(t, n.InitStandalone(id, ids))
		nodes[id] = n
	}
	for _, n := range nodes {
		go n.Run()
	}
	return &testCluster{fab: fab, nodes: nodes}
}

func (c *testCluster) leader() *Node {
	for _, n := range c.nodes {
		if n.Role() == Leader {
			return n
		}
	}
	return nil
}

func (c *testCluster) awaitLeader(t *testing.T) *Node {
	t.Helper()
	var leader *Node
	require.Eventually(t, func() bool {
		leader = c.leader()
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond, "no leader elected")
	return leader
}

// testClient is a synthetic client peer registered on the fabric so that
// leader responses (sent via Transport.Send, not Reply) are actually
// delivered somewhere and correlated by msg_id, exactly as a real client
// process would over the wire.
type testClient struct {
	*fakeTransport
}

func newTestClient(c *testCluster, id PeerID) *testClient {
	logger := log.New(io.Discard, "", 0)
	return &testClient{fakeTransport: newFakeTransport(c.fab, id, logger)}
}

func (tc *testClient) call(t *testing.T, dest PeerID, body Body) Frame {
	t.Helper()
	done := make(chan Frame, 1)
	tc.RPC(dest, body, func(f Frame) { done <- f })
	select {
	case f := <-done:
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("no response to %s within timeout", body.Type)
		return Frame{}
	}
}

func TestClusterElectsExactlyOneLeaderPerTerm(t *testing.T) {
	c := newTestCluster(t, "n1", "n2", "n3")
	leader := c.awaitLeader(t)

	term := leader.CurrentTerm()
	count := 0
	for _, n := range c.nodes {
		if n.Role() == Leader && n.CurrentTerm() == term {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestClusterHappyPathWriteThenRead(t *testing.T) {
	c := newTestCluster(t, "n1", "n2", "n3")
	leader := c.awaitLeader(t)
	client := newTestClient(c, "client")

	resp := client.call(t, leader.id, Body{Type: "write", Key: "x", Value: "1"})
	require.Equal(t, "write_ok", resp.Body.Type)

	resp = client.call(t, leader.id, Body{Type: "read", Key: "x"})
	require.Equal(t, "read_ok", resp.Body.Type)
	require.Equal(t, "1", resp.Body.Value)
}

func TestClusterNonLeaderRejectsClientOp(t *testing.T) {
	c := newTestCluster(t, "n1", "n2", "n3")
	c.awaitLeader(t)
	client := newTestClient(c, "client")

	var follower *Node
	for _, n := range c.nodes {
		if n.Role() != Leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	resp := client.call(t, follower.id, Body{Type: "write", Key: "x", Value: "1"})
	require.Equal(t, "error", resp.Body.Type)
	require.Equal(t, ErrCodeNotLeader, resp.Body.Code)
}

func TestClusterFailoverPreservesCommittedWrite(t *testing.T) {
	c := newTestCluster(t, "n1", "n2", "n3")
	leader := c.awaitLeader(t)
	client := newTestClient(c, "client")

	resp := client.call(t, leader.id, Body{Type: "write", Key: "a", Value: "1"})
	require.Equal(t, "write_ok", resp.Body.Type)

	oldLeaderID := leader.id
	for id := range c.nodes {
		if id != oldLeaderID {
			c.fab.partition(oldLeaderID, id)
		}
	}

	var newLeader *Node
	require.Eventually(t, func() bool {
		for id, n := range c.nodes {
			if id != oldLeaderID && n.Role() == Leader {
				newLeader = n
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no new leader elected after partition")

	resp = client.call(t, newLeader.id, Body{Type: "read", Key: "a"})
	require.Equal(t, "read_ok", resp.Body.Type)
	require.Equal(t, "1", resp.Body.Value)
}

func TestClusterCasSuccessThenFailure(t *testing.T) {
	c := newTestCluster(t, "n1", "n2", "n3")
	leader := c.awaitLeader(t)
	client := newTestClient(c, "client")

	resp := client.call(t, leader.id, Body{Type: "write", Key: "c", Value: "old"})
	require.Equal(t, "write_ok", resp.Body.Type)

	resp = client.call(t, leader.id, Body{Type: "cas", Key: "c", From: "old", To: "new"})
	require.Equal(t, "cas_ok", resp.Body.Type)

	resp = client.call(t, leader.id, Body{Type: "cas", Key: "c", From: "old", To: "x"})
	require.Equal(t, "error", resp.Body.Type)
	require.Equal(t, ErrCodeCasFailed, resp.Body.Code)
}

func TestClusterLogRepairAfterPartitionHeal(t *testing.T) {
	c := newTestCluster(t, "n1", "n2", "n3")
	leader := c.awaitLeader(t)
	client := newTestClient(c, "client")

	leaderID := leader.id
	var laggingID PeerID
	for id := range c.nodes {
		if id != leaderID {
			laggingID = id
			break
		}
	}

	c.fab.partition(leaderID, laggingID)

	resp := client.call(t, leaderID, Body{Type: "write", Key: "k", Value: "v1"})
	require.Equal(t, "write_ok", resp.Body.Type)
	resp = client.call(t, leaderID, Body{Type: "write", Key: "k", Value: "v2"})
	require.Equal(t, "write_ok", resp.Body.Type)

	c.fab.heal(leaderID, laggingID)

	lagging := c.nodes[laggingID]
	require.Eventually(t, func() bool {
		leader.mu.Lock()
		leaderSize := leader.log.Size()
		leader.mu.Unlock()

		lagging.mu.Lock()
		defer lagging.mu.Unlock()
		return lagging.commitIndex >= leaderSize
	}, 5*time.Second, 10*time.Millisecond, "lagging node never caught up after heal")
}
