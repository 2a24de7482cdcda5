package tcp

import "sync"

// firstEphemeralPort is the auto-allocation cursor start, matching
// tcp_bind's "start scanning upward from 1024" behaviour.
const firstEphemeralPort = 1024

// Table demultiplexes inbound segments to a Conn by local port and
// hands out ephemeral source ports for outbound connections.
type Table struct {
	mu    sync.Mutex
	conns map[uint16]*Conn
	next  uint16
}

// NewTable returns an empty connection table.
func NewTable() *Table {
	return &Table{conns: make(map[uint16]*Conn), next: firstEphemeralPort}
}

// Bind registers c under its local port, auto-allocating one starting
// at 1024 and scanning upward (wrapping past 65535) if c.localPort is
// zero.
func (t *Table) Bind(c *Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.localPort != 0 {
		if _, used := t.conns[c.localPort]; used {
			return errPortInUse
		}
		t.conns[c.localPort] = c
		return nil
	}

	start := t.next
	for {
		port := t.next
		t.next++
		if t.next == 0 {
			t.next = firstEphemeralPort
		}
		if _, used := t.conns[port]; !used {
			c.localPort = port
			t.conns[port] = c
			return nil
		}
		if t.next == start {
			return errNoFreePorts
		}
	}
}

// Remove unregisters c, e.g. once it reaches CLOSED.
func (t *Table) Remove(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[c.localPort] == c {
		delete(t.conns, c.localPort)
	}
}

// Lookup returns the Conn bound to localPort, or nil.
func (t *Table) Lookup(localPort uint16) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[localPort]
}

// Dispatch routes an inbound segment to its Conn, replying with a bare
// RST for any port with no registered connection (an unsolicited
// segment addressed to nothing we own).
func (t *Table) Dispatch(h Header, payload []byte, tx Transmitter) {
	c := t.Lookup(h.DstPort)
	if c == nil {
		if h.Flags&FlagRST == 0 {
			rst := Header{SrcPort: h.DstPort, DstPort: h.SrcPort, Seq: h.Ack, Flags: FlagRST}
			_ = tx.Transmit(BuildSegment(rst, 0, nil))
		}
		return
	}
	c.Receive(h, payload)
}

var errPortInUse = tcpError("tcp: local port already in use")
var errNoFreePorts = tcpError("tcp: no free ephemeral ports")

type tcpError string

func (e tcpError) Error() string { return string(e) }
