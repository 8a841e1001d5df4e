package raft

import (
	"bufio"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

// FrameHandler processes one inbound frame — either a type handler or an
// RPC callback.
type FrameHandler func(Frame)

// Transport is the abstract bidirectional stream of framed messages the
// node core depends on (spec section 4.3). It is deliberately independent
// of the concrete wire: LineTransport realizes it over stdin/stdout (the
// in-scope harness transport) and TCPTransport realizes it over a
// peer-to-peer socket (the domain-stack addition for standalone
// deployments and the containerized end-to-end tests).
type Transport interface {
	// Send writes one outbound frame. LineTransport's Send blocks only on
	// its local writer; TCPTransport's Send may dial the peer and writes to
	// its socket synchronously. The node core releases its mutex before
	// every Send, Reply and RPC call.
	Send(dest PeerID, body Body)

	// Reply sends body to req.Src with InReplyTo set to req.Body.MsgID.
	Reply(req Frame, body Body)

	// RPC allocates a fresh msg_id, registers handler keyed by that id,
	// and sends. When a frame arrives whose InReplyTo matches, handler
	// fires exactly once and is then deregistered.
	RPC(dest PeerID, body Body, handler FrameHandler)

	// On registers a type handler. Registering the same type twice is a
	// protocol error.
	On(msgType string, handler FrameHandler) error

	// SetSelf sets the peer id used as Src on outbound frames. Harness-mode
	// nodes don't know their own id until raft_init arrives, so this is
	// called once from the raft_init handler rather than at construction.
	SetSelf(id PeerID)

	// Run delivers inbound frames, dispatching each one: a frame whose
	// InReplyTo matches a pending RPC invokes that callback; otherwise it
	// dispatches by Type; otherwise it is a protocol error, logged and
	// skipped. LineTransport's Run returns when its input stream is
	// exhausted; TCPTransport's Run blocks until Close.
	Run()
}

// dispatcher holds the pending-RPC table and the type-handler table shared
// by every Transport implementation, plus the priority rule from spec
// section 4.3 (in_reply_to before type). It is generalized from the
// teacher's client.go, which correlated one HTTP request with its one
// response inline; here a response can arrive on a separate read from a
// separate goroutine, so the correlation table is explicit and locked.
type dispatcher struct {
	selfMu sync.RWMutex
	self   PeerID

	log *log.Logger

	nextMsgID uint64

	mu           sync.Mutex
	pending      map[uint64]FrameHandler
	typeHandlers map[string]FrameHandler
}

func newDispatcher(self PeerID, logger *log.Logger) *dispatcher {
	return &dispatcher{
		self:         self,
		log:          logger,
		pending:      make(map[uint64]FrameHandler),
		typeHandlers: make(map[string]FrameHandler),
	}
}

func (d *dispatcher) allocMsgID() uint64 {
	return atomic.AddUint64(&d.nextMsgID, 1)
}

func (d *dispatcher) setSelf(id PeerID) {
	d.selfMu.Lock()
	d.self = id
	d.selfMu.Unlock()
}

func (d *dispatcher) getSelf() PeerID {
	d.selfMu.RLock()
	defer d.selfMu.RUnlock()
	return d.self
}

func (d *dispatcher) registerPending(id uint64, h FrameHandler) {
	d.mu.Lock()
	d.pending[id] = h
	d.mu.Unlock()
}

func (d *dispatcher) onType(msgType string, h FrameHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.typeHandlers[msgType]; exists {
		return protoErrorf("On", "duplicate handler registration for type %q", msgType)
	}
	d.typeHandlers[msgType] = h
	return nil
}

// dispatch routes one inbound frame, per the priority rule in spec section
// 4.3. It returns a *ProtoError if the frame matched nothing.
func (d *dispatcher) dispatch(f Frame) error {
	if f.Body.InReplyTo != nil {
		d.mu.Lock()
		h, ok := d.pending[*f.Body.InReplyTo]
		if ok {
			delete(d.pending, *f.Body.InReplyTo)
		}
		d.mu.Unlock()
		if ok {
			h(f)
			return nil
		}
	}

	d.mu.Lock()
	h, ok := d.typeHandlers[f.Body.Type]
	d.mu.Unlock()
	if ok {
		h(f)
		return nil
	}

	return protoErrorf("dispatch", "no pending RPC and no type handler for %q from %s", f.Body.Type, f.Src)
}

// LineTransport implements Transport as line-delimited JSON frames over an
// arbitrary reader/writer pair — stdin/stdout in production, an in-memory
// pipe in tests.
type LineTransport struct {
	*dispatcher

	writeMu sync.Mutex
	w       io.Writer
	r       *bufio.Scanner
}

// NewLineTransport builds a LineTransport reading frames from r and writing
// frames to w, tagging outbound frames with src=self.
func NewLineTransport(self PeerID, r io.Reader, w io.Writer, logger *log.Logger) *LineTransport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &LineTransport{
		dispatcher: newDispatcher(self, logger),
		w:          w,
		r:          scanner,
	}
}

func (t *LineTransport) Send(dest PeerID, body Body) {
	frame := Frame{Src: t.getSelf(), Dest: dest, Body: body}
	line, err := encodeFrame(frame)
	if err != nil {
		t.log.Printf("transport: failed to encode frame to %s: %v", dest, err)
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(line); err != nil {
		t.log.Printf("transport: failed to write frame to %s: %v", dest, err)
		return
	}
	if _, err := t.w.Write([]byte("\n")); err != nil {
		t.log.Printf("transport: failed to write newline: %v", err)
	}
}

func (t *LineTransport) Reply(req Frame, body Body) {
	body.InReplyTo = req.Body.MsgID
	t.Send(req.Src, body)
}

func (t *LineTransport) RPC(dest PeerID, body Body, handler FrameHandler) {
	id := t.allocMsgID()
	body.MsgID = &id
	t.registerPending(id, handler)
	t.Send(dest, body)
}

func (t *LineTransport) On(msgType string, handler FrameHandler) error {
	return t.onType(msgType, handler)
}

// SetSelf implements Transport.
func (t *LineTransport) SetSelf(id PeerID) {
	t.setSelf(id)
}

// Run reads one JSON frame per line until EOF, dispatching each. A
// malformed line or a frame matching no handler is logged and the loop
// continues (spec section 6: "Stdin EOF or a malformed frame is logged;
// the source treats dispatcher failures as non-fatal").
func (t *LineTransport) Run() {
	for t.r.Scan() {
		line := t.r.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := decodeFrame(line)
		if err != nil {
			t.log.Printf("transport: malformed frame: %v", err)
			continue
		}
		if err := t.dispatch(frame); err != nil {
			t.log.Printf("transport: %v", err)
		}
	}
	if err := t.r.Err(); err != nil {
		t.log.Printf("transport: read error: %v", err)
	}
}

var _ Transport = (*LineTransport)(nil)
