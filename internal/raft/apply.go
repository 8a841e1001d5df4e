package raft

// handleClientOp implements spec section 4.8. A non-leader rejects
// immediately with error code 11. A leader stamps the op with the
// requesting client's identity and msg_id and appends it to the log; the
// client's eventual response is emitted later by advanceStateMachine, once
// the entry commits.
func (n *Node) handleClientOp(f Frame, kind OpKind) {
	n.mu.Lock()

	if n.role != Leader {
		n.mu.Unlock()
		n.transport.Reply(f, Body{Type: "error", Code: ErrCodeNotLeader, Text: "not a leader"})
		return
	}

	var msgID uint64
	if f.Body.MsgID != nil {
		msgID = *f.Body.MsgID
	}
	op := &ClientOp{
		Kind:   kind,
		Key:    f.Body.Key,
		Value:  f.Body.Value,
		From:   f.Body.From,
		To:     f.Body.To,
		Client: f.Src,
		MsgID:  msgID,
	}

	n.log.AppendOne(LogEntry{Term: n.currentTerm, Op: op})

	n.mu.Unlock()
}

// advanceStateMachine applies every entry with index in (last_applied,
// commit_index] in order and, if this node is currently the leader, sends
// the client its response. Non-leaders apply but never reply — the client
// is presumed to have talked to the leader. Drains the whole backlog per
// call rather than applying one entry at a time.
func (n *Node) advanceStateMachine() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		n.lastApplied++
		entry := n.log.Get(n.lastApplied)
		isLeader := n.role == Leader
		n.mu.Unlock()

		if entry.Op == nil {
			continue
		}
		result := n.kv.Apply(entry.Op)
		if !isLeader {
			continue
		}
		n.transport.Send(result.Dest, opResultToBody(result))
	}
}

func opResultToBody(r OpResult) Body {
	if r.Err {
		return Body{Type: "error", InReplyTo: &r.InReplyTo, Code: r.ErrCode, Text: r.ErrText}
	}
	switch r.Kind {
	case OpRead:
		return Body{Type: "read_ok", InReplyTo: &r.InReplyTo, Value: r.Value}
	case OpWrite:
		return Body{Type: "write_ok", InReplyTo: &r.InReplyTo}
	case OpCas:
		return Body{Type: "cas_ok", InReplyTo: &r.InReplyTo}
	default:
		return Body{Type: "error", InReplyTo: &r.InReplyTo, Code: ErrCodeNotFound, Text: "unknown op"}
	}
}
