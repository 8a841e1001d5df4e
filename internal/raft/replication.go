package raft

// replicateLog implements spec section 4.5: for each peer, if force or the
// peer isn't caught up, send an append_entries RPC built from that peer's
// next_index. Must be called with role == Leader; it is a no-op otherwise
// (a node that steps down between the maintenance tick firing and this
// call running simply sends nothing).
func (n *Node) replicateLog(force bool) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}

	term := n.currentTerm
	self := n.id
	commitIndex := n.commitIndex
	peers := append([]PeerID(nil), n.peerIDs...)

	type plan struct {
		peer    PeerID
		ni      uint64
		entries []LogEntry
	}
	var plans []plan

	for _, peer := range peers {
		ni := n.nextIndex[peer]
		if !force && ni > n.log.Size() {
			continue
		}
		entries := n.log.From(ni)
		plans = append(plans, plan{peer: peer, ni: ni, entries: entries})
	}
	n.mu.Unlock()

	if len(plans) == 0 {
		return
	}

	for _, p := range plans {
		n.mu.Lock()
		prevLogIndex := p.ni - 1
		prevLogTerm := n.log.Get(prevLogIndex).Term
		n.mu.Unlock()

		body := Body{
			Type:         "append_entries",
			Term:         term,
			LeaderID:     self,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      toWireEntries(p.entries),
			LeaderCommit: commitIndex,
		}

		peer, ni, numEntries := p.peer, p.ni, len(p.entries)
		n.transport.RPC(peer, body, func(f Frame) {
			n.handleAppendEntriesResponse(peer, ni, numEntries, f)
		})
	}

	n.mu.Lock()
	n.resetHeartbeatDeadline()
	n.mu.Unlock()
}

// handleAppendEntriesResponse implements spec section 4.5's response
// handling. ni and numEntries describe the request this is a response to,
// closed over at RPC-send time, so a reordered or delayed response still
// advances next_index/match_index correctly.
func (n *Node) handleAppendEntriesResponse(peer PeerID, ni uint64, numEntries int, f Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.maybeStepDown(f.Body.Term) {
		n.resetElectionDeadline()
		return
	}
	if n.role != Leader {
		return
	}

	if f.Body.Success {
		if next := ni + uint64(numEntries); next > n.nextIndex[peer] {
			n.nextIndex[peer] = next
		}
		if match := ni - 1 + uint64(numEntries); match > n.matchIndex[peer] {
			n.matchIndex[peer] = match
		}
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}

	n.leaderAdvanceCommitIndexLocked()
}

// handleAppendEntries is the receiver-side acceptance rule: the election
// deadline is reset before the term-staleness check runs, so a stale
// leader's heartbeats can still suppress an election on a follower that has
// already moved to a higher term. Intentional, not a bug.
func (n *Node) handleAppendEntries(f Frame) {
	n.mu.Lock()

	n.maybeStepDown(f.Body.Term)
	n.resetElectionDeadline()

	resp := Body{Type: "append_entries_res", Term: n.currentTerm}

	if f.Body.Term < n.currentTerm {
		resp.Success = false
		n.mu.Unlock()
		n.transport.Reply(f, resp)
		return
	}

	if f.Body.PrevLogIndex > 0 {
		if f.Body.PrevLogIndex > n.log.Size() || n.log.Get(f.Body.PrevLogIndex).Term != f.Body.PrevLogTerm {
			resp.Success = false
			n.mu.Unlock()
			n.transport.Reply(f, resp)
			return
		}
	}

	n.log.TruncateTo(f.Body.PrevLogIndex)
	n.log.AppendMany(fromWireEntries(f.Body.Entries))

	if f.Body.LeaderCommit > n.commitIndex {
		c := f.Body.LeaderCommit
		if n.log.Size() < c {
			c = n.log.Size()
		}
		n.commitIndex = c
	}

	resp.Success = true
	n.mu.Unlock()
	n.transport.Reply(f, resp)
}

// leaderAdvanceCommitIndexLocked implements spec section 4.6. Caller must
// hold mu.
func (n *Node) leaderAdvanceCommitIndexLocked() {
	if n.role != Leader {
		return
	}

	m := make([]uint64, 0, len(n.peerIDs)+1)
	m = append(m, n.log.Size())
	for _, peer := range n.peerIDs {
		m = append(m, n.matchIndex[peer])
	}

	candidate := median(m)
	if candidate > n.commitIndex && n.log.Get(candidate).Term == n.currentTerm {
		n.commitIndex = candidate
	}
}
