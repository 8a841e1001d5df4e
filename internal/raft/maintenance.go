package raft

import "time"

// electionPollInterval is how often the election loop checks whether the
// election deadline has passed. It only needs to be small relative to the
// election timeout, not to the maintenance tick.
const electionPollInterval = 20 * time.Millisecond

// maintenanceLoop implements spec section 4.10's fixed-cadence steps:
// replicate (non-forced), heartbeat (forced, if due), advance the commit
// index, apply committed entries to the state machine.
func (n *Node) maintenanceLoop() {
	ticker := time.NewTicker(MaintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.replicateLog(false)

			n.mu.Lock()
			isLeader := n.role == Leader
			due := !n.heartbeatDeadline.IsZero() && !n.clock.Now().Before(n.heartbeatDeadline)
			n.mu.Unlock()

			if isLeader && due {
				n.replicateLog(true)
			}

			n.mu.Lock()
			n.leaderAdvanceCommitIndexLocked()
			n.mu.Unlock()

			n.advanceStateMachine()
		}
	}
}

// electionLoop implements spec section 4.10's separate election-deadline
// loop: if the deadline has elapsed and the role is Follower or Candidate,
// call an election; if Leader, just push the deadline out so a quiescent
// leader never spuriously calls one. A node that is not yet initialized
// (Nascent) is skipped and its deadline is left as it is.
func (n *Node) electionLoop() {
	ticker := time.NewTicker(electionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.mu.Lock()
			if !n.initialized || n.electionDeadline.IsZero() || n.clock.Now().Before(n.electionDeadline) {
				n.mu.Unlock()
				continue
			}
			role := n.role
			n.mu.Unlock()

			switch role {
			case Follower, Candidate:
				n.becomeCandidate()
			default: // Leader, Nascent
				n.mu.Lock()
				n.resetElectionDeadline()
				n.mu.Unlock()
			}
		}
	}
}
