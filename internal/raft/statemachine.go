package raft

import "fmt"

// KV is the deterministic in-memory key-value state machine. Entries live
// forever (no expiry, no compaction, per spec non-goals); application is
// total — it never fails, it only ever produces an ok or error response.
type KV struct {
	data map[string]string
}

// NewKV returns an empty state machine.
func NewKV() *KV {
	return &KV{data: make(map[string]string)}
}

// OpResult is the outcome of applying a ClientOp, addressed back to the
// client that issued it.
type OpResult struct {
	Dest      PeerID
	InReplyTo uint64

	// Kind mirrors the op that produced this result and is always set.
	// Value is set on a successful Read; the Err fields are set on failure.
	Kind  OpKind
	Value string // set on a successful Read

	Err     bool
	ErrCode int
	ErrText string
}

// Apply executes op against the state machine and returns the response to
// send back to op.Client. Apply is total: it never returns a Go error, it
// encodes failure in OpResult per the client protocol's error codes.
func (kv *KV) Apply(op *ClientOp) OpResult {
	res := OpResult{Dest: op.Client, InReplyTo: op.MsgID, Kind: op.Kind}

	switch op.Kind {
	case OpRead:
		v, ok := kv.data[op.Key]
		if !ok {
			return notFound(res)
		}
		res.Value = v
		return res

	case OpWrite:
		kv.data[op.Key] = op.Value
		return res

	case OpCas:
		cur, ok := kv.data[op.Key]
		if !ok {
			return notFound(res)
		}
		if cur != op.From {
			res.Err = true
			res.ErrCode = ErrCodeCasFailed
			res.ErrText = fmt.Sprintf("expected %s, had %s", op.From, cur)
			return res
		}
		kv.data[op.Key] = op.To
		return res

	default:
		panic(fmt.Sprintf("raft: unknown op kind %d", op.Kind))
	}
}

func notFound(res OpResult) OpResult {
	res.Err = true
	res.ErrCode = ErrCodeNotFound
	res.ErrText = "not found"
	return res
}
