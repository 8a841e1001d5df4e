package raft

// Log is the replicated sequence of (term, op) entries. Indices exposed by
// every method are 1-based; index 0 always denotes "before the log". The
// log is never empty: it is seeded with a sentinel entry at index 1
// (term 0, nil op) so that prevLogIndex=0 always has something to compare
// against.
//
// Internally entries[0] is an unused placeholder so that entries[i] lines
// up with the external 1-based index i directly — entries[1] is the
// sentinel. This trades one wasted slot for arithmetic that never needs a
// -1/+1 correction (spec section 9's "global 1-indexed log" note).
type Log struct {
	entries []LogEntry
}

// NewLog returns a log containing only the sentinel entry.
func NewLog() *Log {
	return &Log{entries: []LogEntry{{}, {Term: 0, Op: nil}}}
}

// Size returns the number of entries in the log, including the sentinel.
func (l *Log) Size() uint64 {
	return uint64(len(l.entries)) - 1
}

// Get returns the entry at 1-based index i. i=0 returns the virtual
// sentinel (term 0, nil op).
func (l *Log) Get(i uint64) LogEntry {
	if i == 0 {
		return LogEntry{Term: 0, Op: nil}
	}
	return l.entries[i]
}

// LastTerm returns the term of the last entry in the log.
func (l *Log) LastTerm() uint64 {
	return l.Get(l.Size()).Term
}

// AppendOne appends a single entry at the tail.
func (l *Log) AppendOne(e LogEntry) {
	l.entries = append(l.entries, e)
}

// AppendMany appends a sequence of entries at the tail.
func (l *Log) AppendMany(es []LogEntry) {
	l.entries = append(l.entries, es...)
}

// TruncateTo keeps only the first length entries (1-based count, including
// the sentinel at index 1). length >= Size() is a no-op.
func (l *Log) TruncateTo(length uint64) {
	if length >= l.Size() {
		return
	}
	l.entries = l.entries[:length+1]
}

// From returns entries at indices i..Size() inclusive. i must be >= 1.
// From(Size()+1) returns an empty (nil) slice.
func (l *Log) From(i uint64) []LogEntry {
	if i < 1 {
		panic("raft: Log.From index must be >= 1")
	}
	if i > l.Size() {
		return nil
	}
	out := make([]LogEntry, l.Size()-i+1)
	copy(out, l.entries[i:])
	return out
}
