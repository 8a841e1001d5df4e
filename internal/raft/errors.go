package raft

import "fmt"

// ProtoError marks a protocol-level misuse of the core: double init, an
// unknown message type, or a response with neither a matching pending RPC
// nor a registered type handler (spec section 7). These are fatal at the
// handler site but never crash the dispatch loop — the caller logs and
// continues, per spec section 9's "exceptions for control flow -> explicit
// result types" note.
type ProtoError struct {
	Op  string
	Msg string
}

func (e *ProtoError) Error() string {
	return fmt.Sprintf("raft: protocol error in %s: %s", e.Op, e.Msg)
}

func protoErrorf(op, format string, args ...any) *ProtoError {
	return &ProtoError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
