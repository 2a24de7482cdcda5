package tcp

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pxeboot/corepipe/internal/xfer"
)

// State is a TCB state per the client-only subset of RFC 793 §4.4
// covers: no LISTEN/SYN_RCVD-as-server, no simultaneous open.
type State int

const (
	StateClosed State = iota
	StateSynSent
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	default:
		return "UNKNOWN"
	}
}

// msl is the maximum segment lifetime used to size TIME_WAIT (2*MSL),
// shortened from the textbook 2 minutes to keep the state machine's
// own tests fast; real deployments would want this configurable.
const msl = 2 * time.Second

const maxRetransmits = 5

var (
	// ErrNetUnreachable short-circuits straight to CLOSED without a
	// retransmit series, mirroring tcp_senddata_conn's -ENETUNREACH
	// fast-abort: a SYN that can never route is not worth retrying.
	ErrNetUnreachable = errors.New("tcp: network unreachable")
	ErrConnReset      = errors.New("tcp: connection reset")
	ErrRetransmitLimit = errors.New("tcp: retransmission limit exceeded")
)

// Transmitter hands a built segment to the IP layer. It is the seam
// between this package's TCB logic and the actual link/NIC driver,
// which is out of scope per spec.md §1.
type Transmitter interface {
	Transmit(seg []byte) error
}

// Conn is one client TCP connection's transmission control block.
type Conn struct {
	log           *zap.Logger
	tx            Transmitter
	sched         *xfer.Scheduler
	data          *xfer.Interface // plugged to the consuming application/adaptor
	onRetransmit  func()
	onEstablished func()

	localPort  uint16
	remotePort uint16

	state State

	iss    uint32 // initial send sequence
	sndUna uint32 // oldest unacked
	sndNxt uint32 // next to send
	sndWnd uint32 // peer-advertised window

	irs    uint32 // initial receive sequence
	rcvNxt uint32 // next expected
	rcvWnd uint32 // our advertised window

	mss uint16

	synSent, finSent bool
	finAcked         bool

	pending []byte // unacked payload awaiting retransmit/ACK

	retransmits int
	limiter     *rate.Limiter
	rtxTimer    *xfer.Timer
	twTimer     *xfer.Timer

	closedRC error
}

// Config supplies the fixed parameters for a new Conn.
type Config struct {
	LocalPort, RemotePort uint16
	MSS                   uint16 // 0 defaults to MSS const
	Window                uint32 // 0 defaults to 65535
	Logger                *zap.Logger
	Scheduler             *xfer.Scheduler
	Transmitter           Transmitter
	Data                  *xfer.Interface

	// OnRetransmit, if set, is called once per retransmitted segment
	// (SYN or pending data), letting a caller feed a Prometheus counter
	// without this package importing anything metrics-shaped.
	OnRetransmit func()

	// OnEstablished, if set, is called once when the SYN_SENT ->
	// ESTABLISHED transition completes, letting a caller synchronise
	// with the handshake without polling State().
	OnEstablished func()
}

// NewConn allocates a TCB in the CLOSED state, mirroring alloc_tcp.
func NewConn(cfg Config) *Conn {
	if cfg.MSS == 0 {
		cfg.MSS = MSS
	}
	if cfg.Window == 0 {
		cfg.Window = 65535
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Conn{
		log:           cfg.Logger,
		tx:            cfg.Transmitter,
		sched:         cfg.Scheduler,
		data:          cfg.Data,
		onRetransmit:  cfg.OnRetransmit,
		onEstablished: cfg.OnEstablished,
		localPort:     cfg.LocalPort,
		remotePort:    cfg.RemotePort,
		state:         StateClosed,
		rcvWnd:        cfg.Window,
		mss:           cfg.MSS,
		limiter:       rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// State reports the current TCB state.
func (c *Conn) State() State { return c.state }

// Connect issues the active-open SYN, transitioning CLOSED -> SYN_SENT.
func (c *Conn) Connect(iss uint32) error {
	if c.state != StateClosed {
		return fmt.Errorf("tcp: connect called in state %s", c.state)
	}
	c.iss = iss
	c.sndUna = iss
	c.sndNxt = iss + 1
	c.state = StateSynSent
	c.synSent = true
	return c.sendSYN()
}

func (c *Conn) sendSYN() error {
	h := Header{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		Seq:     c.iss,
		Flags:   FlagSYN,
		Window:  uint16(c.rcvWnd),
	}
	if err := c.transmit(BuildSegment(h, c.mss, nil)); err != nil {
		if errors.Is(err, ErrNetUnreachable) {
			c.abort(err)
			return err
		}
		return err
	}
	c.armRetransmit()
	return nil
}

// Abort forces the TCB to CLOSED and notifies the data interface, the
// Go analogue of tcp_abort / free_tcp's unconditional teardown path.
func (c *Conn) Abort(rc error) {
	c.abort(rc)
}

func (c *Conn) abort(rc error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.closedRC = rc
	c.stopTimers()
	if c.data != nil {
		xfer.Shutdown(c.data, rc)
	}
}

func (c *Conn) stopTimers() {
	if c.rtxTimer != nil {
		c.rtxTimer.Stop()
		c.rtxTimer = nil
	}
	if c.twTimer != nil {
		c.twTimer.Stop()
		c.twTimer = nil
	}
}

func (c *Conn) armRetransmit() {
	if c.sched == nil {
		return
	}
	if c.rtxTimer != nil {
		c.rtxTimer.Stop()
	}
	c.rtxTimer = xfer.NewTimer(c.onRetransmitTimeout)
	backoff := time.Duration(1<<uint(c.retransmits)) * 200 * time.Millisecond
	c.sched.StartTimer(c.rtxTimer, backoff)
}

func (c *Conn) onRetransmitTimeout() {
	if c.state == StateClosed || c.state == StateTimeWait {
		return
	}
	c.retransmits++
	if c.retransmits > maxRetransmits {
		c.abort(ErrRetransmitLimit)
		return
	}
	c.log.Debug("tcp retransmit", zap.String("state", c.state.String()), zap.Int("attempt", c.retransmits))
	if c.onRetransmit != nil {
		c.onRetransmit()
	}
	switch c.state {
	case StateSynSent:
		_ = c.sendSYN()
	default:
		c.retransmitPending()
	}
}

func (c *Conn) retransmitPending() {
	h := Header{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		Seq:     c.sndUna,
		Ack:     c.rcvNxt,
		Flags:   FlagACK,
		Window:  uint16(c.rcvWnd),
	}
	if c.finSent && c.sndUna+uint32(len(c.pending)) < c.sndNxt {
		h.Flags |= FlagFIN
	}
	_ = c.transmit(BuildSegment(h, 0, c.pending))
	c.armRetransmit()
}

func (c *Conn) transmit(seg []byte) error {
	if c.tx == nil {
		return nil
	}
	if err := c.tx.Transmit(seg); err != nil {
		return err
	}
	return nil
}

// Send queues application payload for transmission. At most one
// in-flight unacked buffer is kept at a time (a simplified send
// window); callers pace further writes on WindowChanged.
func (c *Conn) Send(payload []byte) error {
	if c.state != StateEstablished && c.state != StateCloseWait {
		return fmt.Errorf("tcp: send called in state %s", c.state)
	}
	if len(c.pending) > 0 {
		return errors.New("tcp: previous send still unacked")
	}
	c.pending = append([]byte(nil), payload...)
	h := Header{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		Seq:     c.sndNxt,
		Ack:     c.rcvNxt,
		Flags:   FlagACK | FlagPSH,
		Window:  uint16(c.rcvWnd),
	}
	c.sndNxt += uint32(len(payload))
	if err := c.transmit(BuildSegment(h, 0, payload)); err != nil {
		return err
	}
	c.armRetransmit()
	return nil
}

// CloseSend sends a FIN right away, sequenced after any data still
// awaiting acknowledgement, with at most one of {SYN,FIN} ever appearing in a segment this package
// emits (SYN only from Connect, FIN only from here or the
// retransmitted-close overlap in retransmitPending, which never also
// carries SYN since a FIN cannot be sent before SYN_SENT completes).
func (c *Conn) CloseSend() error {
	switch c.state {
	case StateEstablished:
		c.state = StateFinWait1
	case StateCloseWait:
		c.state = StateLastAck
	default:
		return fmt.Errorf("tcp: close called in state %s", c.state)
	}
	c.finSent = true
	h := Header{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		Seq:     c.sndNxt,
		Ack:     c.rcvNxt,
		Flags:   FlagACK | FlagFIN,
		Window:  uint16(c.rcvWnd),
	}
	c.sndNxt++
	if err := c.transmit(BuildSegment(h, 0, nil)); err != nil {
		return err
	}
	c.armRetransmit()
	return nil
}

// Receive processes one inbound segment, implementing tcp_rx's
// dispatch to tcp_rx_rst / tcp_rx_syn / tcp_rx_ack / tcp_rx_data /
// tcp_rx_fin in that priority order.
func (c *Conn) Receive(h Header, payload []byte) {
	if !c.seqInWindow(h) && h.Flags&FlagRST == 0 {
		// Stray/out-of-window segment: reply with a RST unless it is
		// itself a RST.
		if c.state != StateClosed {
			c.sendRST(h.Ack)
		}
		return
	}

	if h.Flags&FlagRST != 0 {
		c.abort(ErrConnReset)
		return
	}

	if h.Flags&FlagSYN != 0 {
		c.rxSYN(h)
	}

	if h.Flags&FlagACK != 0 {
		c.rxACK(h)
	}

	if len(payload) > 0 {
		c.rxData(h, payload)
	}

	if h.Flags&FlagFIN != 0 {
		c.rxFIN(h)
	}
}

func (c *Conn) seqInWindow(h Header) bool {
	if c.state == StateSynSent || c.state == StateClosed {
		return true // no sequence space established yet
	}
	return h.Seq == c.rcvNxt
}

func (c *Conn) sendRST(seq uint32) {
	// Pace RST generation: a burst of stray/out-of-window segments
	// (e.g. a confused peer retransmitting) should not turn into a
	// matching burst of RSTs.
	if !c.limiter.Allow() {
		return
	}
	h := Header{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		Seq:     seq,
		Flags:   FlagRST,
	}
	_ = c.transmit(BuildSegment(h, 0, nil))
}

func (c *Conn) rxSYN(h Header) {
	if c.state != StateSynSent {
		return
	}
	c.irs = h.Seq
	c.rcvNxt = h.Seq + 1
	if h.MSS != 0 && h.MSS < c.mss {
		c.mss = h.MSS
	}
}

func (c *Conn) rxACK(h Header) {
	switch c.state {
	case StateSynSent:
		if h.Ack == c.sndNxt {
			c.state = StateEstablished
			c.synSent = false
			c.retransmits = 0
			c.sndUna = h.Ack
			if c.rtxTimer != nil {
				c.rtxTimer.Stop()
				c.rtxTimer = nil
			}
			if c.onEstablished != nil {
				c.onEstablished()
			}
		}
	default:
		acked := h.Ack - c.sndUna
		if acked > 0 && int(acked) <= len(c.pending) {
			c.pending = c.pending[acked:]
			c.sndUna = h.Ack
			c.retransmits = 0
			if len(c.pending) == 0 && c.rtxTimer != nil {
				c.rtxTimer.Stop()
				c.rtxTimer = nil
			}
		}
		c.advanceFinAck(h)
	}
	if h.Window != 0 {
		c.sndWnd = uint32(h.Window)
	}
}

func (c *Conn) advanceFinAck(h Header) {
	if !c.finSent {
		return
	}
	finSeq := c.sndNxt - 1
	if h.Ack-1 != finSeq {
		return
	}
	c.finAcked = true
	switch c.state {
	case StateFinWait1:
		c.state = StateFinWait2
	case StateClosing:
		c.enterTimeWait()
	case StateLastAck:
		c.abort(nil)
	}
}

func (c *Conn) rxData(h Header, payload []byte) {
	c.rcvNxt += uint32(len(payload))
	if c.data != nil {
		_ = c.data.Deliver(xfer.FromBytes(payload), xfer.Metadata{})
	}
	c.sendPureACK()
}

func (c *Conn) rxFIN(h Header) {
	c.rcvNxt++
	c.sendPureACK()
	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
	case StateFinWait1:
		if c.finAcked {
			c.enterTimeWait()
		} else {
			c.state = StateClosing
		}
	case StateFinWait2:
		c.enterTimeWait()
	}
	if c.data != nil && c.state == StateCloseWait {
		// Half-close: peer is done sending: signal EOF upward via a
		// zero-length delivery convention the application adaptor
		// recognises as end of stream.
		_ = c.data.Deliver(xfer.FromBytes(nil), xfer.Metadata{})
	}
}

func (c *Conn) enterTimeWait() {
	c.state = StateTimeWait
	c.stopTimers()
	// Without a scheduler no timer runs and the connection stays in
	// TIME_WAIT.
	if c.sched != nil {
		c.twTimer = xfer.NewTimer(func() { c.abort(nil) })
		c.sched.StartTimer(c.twTimer, 2*msl)
	}
}

func (c *Conn) sendPureACK() {
	h := Header{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		Seq:     c.sndNxt,
		Ack:     c.rcvNxt,
		Flags:   FlagACK,
		Window:  uint16(c.rcvWnd),
	}
	_ = c.transmit(BuildSegment(h, 0, nil))
}
