package raft

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"sync"
)

// TCPTransport is a peer-to-peer realization of Transport: each frame is
// one JSON line over a persistent TCP socket. It exists for deployments
// that run outside the line-JSON stdin/stdout harness — standalone local
// clusters and the containerized end-to-end tests in cluster_e2e_test.go.
//
// A connection, once dialed, is kept open and reused; inbound frames are
// matched to pending RPCs or type handlers by the same dispatcher
// LineTransport uses.
type TCPTransport struct {
	*dispatcher

	addrs map[PeerID]string // peer id -> host:port, static for this node's lifetime

	mu    sync.Mutex
	conns map[PeerID]*connWriter
	ln    net.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *connWriter) writeLine(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(line); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte("\n"))
	return err
}

// NewTCPTransport builds a TCPTransport for node self, listening on
// listenAddr and dialing peers lazily using addrs (which need not include
// self).
func NewTCPTransport(self PeerID, listenAddr string, addrs map[PeerID]string, logger *log.Logger) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("raft: tcp transport listen: %w", err)
	}
	t := &TCPTransport{
		dispatcher: newDispatcher(self, logger),
		addrs:      addrs,
		conns:      make(map[PeerID]*connWriter),
		ln:         ln,
		closed:     make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			t.log.Printf("tcp transport: accept: %v", err)
			return
		}
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := decodeFrame(line)
		if err != nil {
			t.log.Printf("tcp transport: malformed frame: %v", err)
			continue
		}
		// A sender with no configured address (a client) is answered on the
		// connection it wrote from.
		if _, isPeer := t.addrs[frame.Src]; !isPeer && frame.Src != "" {
			t.mu.Lock()
			if cw, ok := t.conns[frame.Src]; !ok || cw.conn != conn {
				t.conns[frame.Src] = &connWriter{conn: conn}
			}
			t.mu.Unlock()
		}
		if err := t.dispatch(frame); err != nil {
			t.log.Printf("tcp transport: %v", err)
		}
	}
}

func (t *TCPTransport) connFor(dest PeerID) (*connWriter, error) {
	t.mu.Lock()
	if cw, ok := t.conns[dest]; ok {
		t.mu.Unlock()
		return cw, nil
	}
	t.mu.Unlock()

	addr, ok := t.addrs[dest]
	if !ok {
		return nil, fmt.Errorf("raft: no known address for peer %s", dest)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	cw := &connWriter{conn: conn}

	t.mu.Lock()
	t.conns[dest] = cw
	t.mu.Unlock()

	go t.readLoop(conn)
	return cw, nil
}

func (t *TCPTransport) Send(dest PeerID, body Body) {
	frame := Frame{Src: t.getSelf(), Dest: dest, Body: body}
	line, err := encodeFrame(frame)
	if err != nil {
		t.log.Printf("tcp transport: failed to encode frame to %s: %v", dest, err)
		return
	}

	cw, err := t.connFor(dest)
	if err != nil {
		// Unreachable peer: drop the frame. Raft tolerates lost RPCs —
		// the leader retries on the next maintenance tick.
		t.log.Printf("tcp transport: %v", err)
		return
	}
	if err := cw.writeLine(line); err != nil {
		t.log.Printf("tcp transport: write to %s: %v", dest, err)
		t.mu.Lock()
		delete(t.conns, dest)
		t.mu.Unlock()
	}
}

func (t *TCPTransport) Reply(req Frame, body Body) {
	body.InReplyTo = req.Body.MsgID
	t.Send(req.Src, body)
}

func (t *TCPTransport) RPC(dest PeerID, body Body, handler FrameHandler) {
	id := t.allocMsgID()
	body.MsgID = &id
	t.registerPending(id, handler)
	t.Send(dest, body)
}

func (t *TCPTransport) On(msgType string, handler FrameHandler) error {
	return t.onType(msgType, handler)
}

// SetSelf implements Transport. TCP-mode nodes already know their id at
// construction time, but the interface requires this of every
// implementation since LineTransport needs it.
func (t *TCPTransport) SetSelf(id PeerID) {
	t.setSelf(id)
}

// Run blocks until Close is called; inbound frames are already dispatched
// by the per-connection read loops started from acceptLoop and connFor, so
// Run's only job here is to park the caller until shutdown.
func (t *TCPTransport) Run() {
	<-t.closed
}

// Close stops accepting new connections, closes the connections it holds
// for sending (dialed peers and clients that wrote to it), and unblocks
// Run. Other accepted connections are not closed here. Safe to call more
// than once.
func (t *TCPTransport) Close() error {
	err := t.ln.Close()
	t.mu.Lock()
	for _, cw := range t.conns {
		cw.conn.Close()
	}
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
	return err
}

var _ Transport = (*TCPTransport)(nil)
