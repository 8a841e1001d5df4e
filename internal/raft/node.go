package raft

import (
	"log"
	"sync"
	"time"
)

// DefaultElectionTimeout is the base election timeout T; the node resets
// its election deadline to a value uniformly distributed in [T, 2T).
const DefaultElectionTimeout = 2 * time.Second

// MaintenanceTick is the cadence of the periodic maintenance loop.
const MaintenanceTick = 200 * time.Millisecond

// Node is a single Raft consensus core: role state, log, election and
// replication bookkeeping, commit index, last-applied index, and the
// inbound-message handlers and periodic loops that drive them. All
// mutation is serialized by mu. Helpers named with a "Locked" suffix, and
// those documented "Caller must hold mu", are only ever called while
// already holding it; every other method takes mu itself (spec section 9's
// "reentrant mutex -> structured critical sections" note: no method here
// re-enters mu).
type Node struct {
	mu sync.Mutex

	id      PeerID
	peerIDs []PeerID // every other node in the cluster, excluding self
	allIDs  map[PeerID]struct{}

	role Role

	currentTerm uint64
	votedFor    *PeerID
	log         *Log

	commitIndex uint64
	lastApplied uint64

	// Leader-only; nil whenever role != Leader (invariant 8).
	nextIndex  map[PeerID]uint64
	matchIndex map[PeerID]uint64

	// Candidate-only; nil whenever role != Candidate.
	votes map[PeerID]struct{}

	electionDeadline  time.Time
	heartbeatDeadline time.Time
	electionTimeout   time.Duration

	kv        *KV
	transport Transport
	clock     Clock
	logger    *log.Logger

	initialized bool
	shutdown    chan struct{}
	shutOnce    sync.Once
}

// NewNode constructs a Nascent node. It does not start any loops or
// register any handlers — call Run for that, after wiring up the
// transport.
func NewNode(transport Transport, clock Clock, logger *log.Logger) *Node {
	return &Node{
		role:            Nascent,
		log:             NewLog(),
		lastApplied:     1,
		kv:              NewKV(),
		transport:       transport,
		clock:           clock,
		electionTimeout: DefaultElectionTimeout,
		logger:          logger,
		shutdown:        make(chan struct{}),
	}
}

// Role returns the node's current role. Safe for concurrent use.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// CurrentTerm returns the node's current term. Safe for concurrent use.
func (n *Node) CurrentTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// majority returns floor(n/2)+1, the number of votes needed to win an
// election (or entries needed to commit) out of n voters.
func majority(n int) int {
	return n/2 + 1
}

// median implements spec section 4.6's median(xs) = sorted(xs)[len(xs) -
// majority(len(xs))], the lower-biased tie-break used by
// leaderAdvanceCommitIndexLocked. median must never be called on an empty
// slice.
func median(xs []uint64) uint64 {
	if len(xs) == 0 {
		panic("raft: median of empty slice")
	}
	sorted := append([]uint64(nil), xs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)-majority(len(sorted))]
}

// registerHandlers wires every inbound message type this core understands.
// Called once, from Run, before the loops start.
func (n *Node) registerHandlers() error {
	handlers := []struct {
		msgType string
		fn      FrameHandler
	}{
		{"raft_init", n.handleRaftInit},
		{"request_vote", n.handleRequestVote},
		{"append_entries", n.handleAppendEntries},
		{"read", func(f Frame) { n.handleClientOp(f, OpRead) }},
		{"write", func(f Frame) { n.handleClientOp(f, OpWrite) }},
		{"cas", func(f Frame) { n.handleClientOp(f, OpCas) }},
	}
	for _, h := range handlers {
		if err := n.transport.On(h.msgType, h.fn); err != nil {
			return err
		}
	}
	return nil
}

// Run registers handlers, starts the maintenance loop, the election loop,
// and the transport's read loop, and blocks until the transport's Run
// returns: at end of input for LineTransport, or once Shutdown closes a
// transport that implements Close (TCPTransport).
func (n *Node) Run() error {
	if err := n.registerHandlers(); err != nil {
		return err
	}

	go n.maintenanceLoop()
	go n.electionLoop()

	n.transport.Run()
	return nil
}

// closer is implemented by transports that can be shut down out-of-band
// (TCPTransport). LineTransport does not implement it: per spec section 6,
// there is no graceful shutdown of the stdin/stdout stream itself, so Run
// only returns there on EOF.
type closer interface {
	Close() error
}

// Shutdown stops the maintenance and election loops and, if the transport
// supports it, closes it so Run returns.
func (n *Node) Shutdown() {
	n.shutOnce.Do(func() { close(n.shutdown) })
	if c, ok := n.transport.(closer); ok {
		if err := c.Close(); err != nil {
			n.logger.Printf("node %s: transport close: %v", n.id, err)
		}
	}
}

// handleRaftInit implements the bootstrap handshake from spec section 6:
// the node must be Nascent, stores its identity, replies raft_init_ok,
// resets the election deadline, and transitions to Follower. Reinit is a
// fatal protocol error, logged and ignored rather than crashing the
// process (spec section 7).
func (n *Node) handleRaftInit(f Frame) {
	n.mu.Lock()

	if n.initialized {
		n.mu.Unlock()
		n.logger.Printf("raft: %v", protoErrorf("raft_init", "node already initialized"))
		return
	}

	n.id = f.Body.NodeID
	n.allIDs = make(map[PeerID]struct{}, len(f.Body.NodeIDs))
	n.peerIDs = n.peerIDs[:0]
	for _, id := range f.Body.NodeIDs {
		n.allIDs[id] = struct{}{}
		if id != n.id {
			n.peerIDs = append(n.peerIDs, id)
		}
	}
	n.initialized = true
	n.role = Follower
	n.resetElectionDeadline()

	n.mu.Unlock()

	n.transport.SetSelf(n.id)
	n.transport.Reply(f, Body{Type: "raft_init_ok"})
	n.logger.Printf("node %s: initialized, peers=%v", n.id, n.peerIDs)
}

// InitStandalone performs the same transition as handleRaftInit without a
// raft_init frame, for deployments that aren't driven by the harness (spec
// section 1 treats the init message as an external collaborator) — the
// standalone TCP-transport mode described in SPEC_FULL.md section A.
func (n *Node) InitStandalone(id PeerID, allIDs []PeerID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.initialized {
		return protoErrorf("InitStandalone", "node already initialized")
	}

	n.id = id
	n.allIDs = make(map[PeerID]struct{}, len(allIDs))
	n.peerIDs = n.peerIDs[:0]
	for _, pid := range allIDs {
		n.allIDs[pid] = struct{}{}
		if pid != n.id {
			n.peerIDs = append(n.peerIDs, pid)
		}
	}
	n.initialized = true
	n.role = Follower
	n.resetElectionDeadline()
	n.transport.SetSelf(n.id)
	return nil
}
