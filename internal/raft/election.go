package raft

// resetElectionDeadline draws a fresh randomized timeout in [T, 2T) and
// sets electionDeadline to now+that. Caller must hold mu.
func (n *Node) resetElectionDeadline() {
	n.electionDeadline = n.clock.Now().Add(randomizedElectionTimeout(n.electionTimeout))
}

// resetHeartbeatDeadline sets heartbeatDeadline to now+T/2, per spec
// section 5: "Heartbeat interval is T/2". Caller must hold mu.
func (n *Node) resetHeartbeatDeadline() {
	n.heartbeatDeadline = n.clock.Now().Add(n.electionTimeout / 2)
}

// maybeStepDown implements spec section 4.9: if remoteTerm is strictly
// greater than currentTerm, advance the term, clear votedFor, drop leader
// bookkeeping, and transition to Follower, all in the same critical
// section (invariant 5). Caller must hold mu. Returns whether it stepped
// down.
func (n *Node) maybeStepDown(remoteTerm uint64) bool {
	if remoteTerm <= n.currentTerm {
		return false
	}
	n.currentTerm = remoteTerm
	n.votedFor = nil
	n.role = Follower
	n.nextIndex = nil
	n.matchIndex = nil
	n.votes = nil
	return true
}

// becomeCandidate implements spec section 4.4: bump term, vote for self,
// reset the election deadline, and broadcast request_vote to every peer.
func (n *Node) becomeCandidate() {
	n.mu.Lock()

	n.role = Candidate
	n.currentTerm++
	term := n.currentTerm
	self := n.id
	n.votedFor = &self
	n.votes = map[PeerID]struct{}{n.id: {}}
	n.resetElectionDeadline()

	lastLogIndex := n.log.Size()
	lastLogTerm := n.log.LastTerm()
	peers := append([]PeerID(nil), n.peerIDs...)

	n.mu.Unlock()

	n.logger.Printf("node %s: became candidate for term %d", self, term)

	for _, peer := range peers {
		peer := peer
		body := Body{
			Type:         "request_vote",
			Term:         term,
			CandidateID:  self,
			LastLogIndex: lastLogIndex,
			LastLogTerm:  lastLogTerm,
		}
		n.transport.RPC(peer, body, func(f Frame) {
			n.handleRequestVoteResponse(peer, term, f)
		})
	}
}

// handleRequestVoteResponse processes one request_vote_res. Stale
// responses — for a term that has since moved on, or received after the
// node is no longer a candidate — are ignored except for the step-down
// check (spec section 5: "Cancellation and timeouts").
func (n *Node) handleRequestVoteResponse(peer PeerID, requestTerm uint64, f Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.maybeStepDown(f.Body.Term) {
		n.resetElectionDeadline()
		return
	}

	if n.role != Candidate || n.currentTerm != requestTerm {
		return
	}
	if !f.Body.VoteGranted {
		return
	}

	n.votes[peer] = struct{}{}
	if len(n.votes) >= majority(len(n.allIDs)) {
		n.becomeLeaderLocked()
	}
}

// becomeLeaderLocked implements spec section 4.4: must be called while
// holding mu, and is a no-op unless role == Candidate. It transitions to
// Leader and initializes
// per-peer replication bookkeeping; no no-op entry is appended on
// election.
func (n *Node) becomeLeaderLocked() {
	if n.role != Candidate {
		return
	}
	n.role = Leader

	n.nextIndex = make(map[PeerID]uint64, len(n.peerIDs))
	n.matchIndex = make(map[PeerID]uint64, len(n.peerIDs))
	for _, peer := range n.peerIDs {
		n.nextIndex[peer] = n.log.Size() + 1
		n.matchIndex[peer] = 0
	}
	n.votes = nil
	n.resetHeartbeatDeadline()

	n.logger.Printf("node %s: became leader for term %d", n.id, n.currentTerm)
}

// handleRequestVote implements the request_vote acceptance rule from spec
// section 4.4.
func (n *Node) handleRequestVote(f Frame) {
	n.mu.Lock()

	n.maybeStepDown(f.Body.Term)

	resp := Body{Type: "request_vote_res", Term: n.currentTerm}

	grant := f.Body.Term >= n.currentTerm &&
		(n.votedFor == nil || *n.votedFor == f.Body.CandidateID) &&
		n.candidateLogUpToDateLocked(f.Body.LastLogIndex, f.Body.LastLogTerm)

	if grant {
		candidate := f.Body.CandidateID
		n.votedFor = &candidate
		n.resetElectionDeadline()
	}
	resp.VoteGranted = grant

	n.mu.Unlock()

	n.transport.Reply(f, resp)
}

// candidateLogUpToDateLocked applies a non-canonical up-to-date check:
// last_term() <= candidate's last_log_term AND log.size() <= candidate's
// last_log_index. The canonical Raft rule ("later term wins; else longer
// log wins") is NOT applied here — intentional, not an oversight. Caller
// must hold mu.
func (n *Node) candidateLogUpToDateLocked(candLastLogIndex, candLastLogTerm uint64) bool {
	return n.log.LastTerm() <= candLastLogTerm && n.log.Size() <= candLastLogIndex
}
