package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pxeboot/corepipe/internal/xfer"
)

type recordingTx struct {
	segs [][]byte
	err  error
}

func (r *recordingTx) Transmit(seg []byte) error {
	r.segs = append(r.segs, append([]byte(nil), seg...))
	return r.err
}

func (r *recordingTx) last() Header {
	h, _, _ := ParseSegment(r.segs[len(r.segs)-1])
	return h
}

func newTestConn(tx Transmitter) *Conn {
	return NewConn(Config{
		LocalPort:   1024,
		RemotePort:  80,
		Transmitter: tx,
		Data:        xfer.New(nil, xfer.Ops{}),
	})
}

func TestConnectSendsSingleSYN(t *testing.T) {
	tx := &recordingTx{}
	c := newTestConn(tx)

	require.NoError(t, c.Connect(1000))
	require.Equal(t, StateSynSent, c.State())
	require.Len(t, tx.segs, 1)

	h := tx.last()
	require.NotZero(t, h.Flags&FlagSYN)
	require.Zero(t, h.Flags&FlagFIN, "a SYN segment must never also carry FIN")
}

func TestOnRetransmitFiresPerRetry(t *testing.T) {
	tx := &recordingTx{}
	var calls int
	c := NewConn(Config{
		LocalPort:    1024,
		RemotePort:   80,
		Transmitter:  tx,
		Data:         xfer.New(nil, xfer.Ops{}),
		OnRetransmit: func() { calls++ },
	})
	require.NoError(t, c.Connect(1000))

	c.onRetransmitTimeout()
	c.onRetransmitTimeout()
	require.Equal(t, 2, calls)
}

func TestOnEstablishedFiresOnceOnSynAck(t *testing.T) {
	tx := &recordingTx{}
	var calls int
	c := NewConn(Config{
		LocalPort:     1024,
		RemotePort:    80,
		Transmitter:   tx,
		Data:          xfer.New(nil, xfer.Ops{}),
		OnEstablished: func() { calls++ },
	})
	require.NoError(t, c.Connect(1000))

	c.Receive(Header{Seq: 5000, Ack: 1001, Flags: FlagSYN | FlagACK, Window: 4096}, nil)
	require.Equal(t, StateEstablished, c.State())
	require.Equal(t, 1, calls)

	// A later bare ACK in ESTABLISHED must not re-fire the hook.
	c.Receive(Header{Seq: c.rcvNxt, Ack: 1001, Flags: FlagACK, Window: 4096}, nil)
	require.Equal(t, 1, calls)
}

func TestSynAckEstablishesConnection(t *testing.T) {
	tx := &recordingTx{}
	c := newTestConn(tx)
	require.NoError(t, c.Connect(1000))

	c.Receive(Header{Seq: 5000, Ack: 1001, Flags: FlagSYN | FlagACK, Window: 4096}, nil)
	require.Equal(t, StateEstablished, c.State())
	require.Equal(t, uint32(5001), c.rcvNxt)
}

func TestAtMostOneOfSynFinPerSegmentSent(t *testing.T) {
	tx := &recordingTx{}
	c := newTestConn(tx)
	require.NoError(t, c.Connect(1000))
	c.Receive(Header{Seq: 5000, Ack: 1001, Flags: FlagSYN | FlagACK}, nil)

	require.NoError(t, c.CloseSend())
	for _, seg := range tx.segs {
		h, _, err := ParseSegment(seg)
		require.NoError(t, err)
		require.False(t, h.Flags&FlagSYN != 0 && h.Flags&FlagFIN != 0,
			"segment carries both SYN and FIN: %08b", h.Flags)
	}
}

func TestRSTInWindowAborts(t *testing.T) {
	tx := &recordingTx{}
	c := newTestConn(tx)
	require.NoError(t, c.Connect(1000))
	c.Receive(Header{Seq: 5000, Ack: 1001, Flags: FlagSYN | FlagACK}, nil)
	require.Equal(t, StateEstablished, c.State())

	c.Receive(Header{Seq: c.rcvNxt, Ack: c.sndNxt, Flags: FlagRST}, nil)
	require.Equal(t, StateClosed, c.State())
}

func TestStraySegmentElicitsRST(t *testing.T) {
	tx := &recordingTx{}
	c := newTestConn(tx)
	require.NoError(t, c.Connect(1000))
	c.Receive(Header{Seq: 5000, Ack: 1001, Flags: FlagSYN | FlagACK}, nil)
	pre := len(tx.segs)

	// Out-of-window sequence number: must be treated as stray and
	// answered with a RST, not silently accepted.
	c.Receive(Header{Seq: c.rcvNxt + 999, Ack: c.sndNxt, Flags: FlagACK, Window: 10}, []byte("x"))

	require.Greater(t, len(tx.segs), pre)
	h := tx.last()
	require.NotZero(t, h.Flags&FlagRST)
	require.Equal(t, StateEstablished, c.State(), "a stray segment must not tear down the connection")
}

func TestDeliveredPlusUnackedNeverExceedsSenderTotal(t *testing.T) {
	tx := &recordingTx{}
	c := newTestConn(tx)
	require.NoError(t, c.Connect(1000))
	c.Receive(Header{Seq: 5000, Ack: 1001, Flags: FlagSYN | FlagACK}, nil)

	payload := []byte("hello, world")
	require.NoError(t, c.Send(payload))

	total := uint32(len(payload))
	unacked := c.sndNxt - c.sndUna
	delivered := total - unacked
	require.LessOrEqual(t, delivered+unacked, total)

	// Partial ACK covering half the payload.
	c.Receive(Header{Seq: c.rcvNxt, Ack: c.sndUna + total/2, Flags: FlagACK, Window: 4096}, nil)
	unacked = c.sndNxt - c.sndUna
	delivered = total - unacked
	require.LessOrEqual(t, delivered+unacked, total)
	require.Equal(t, total/2, unacked)
}

func TestGracefulCloseReachesTimeWait(t *testing.T) {
	tx := &recordingTx{}
	c := newTestConn(tx)
	require.NoError(t, c.Connect(1000))
	c.Receive(Header{Seq: 5000, Ack: 1001, Flags: FlagSYN | FlagACK}, nil)

	require.NoError(t, c.CloseSend())
	require.Equal(t, StateFinWait1, c.State())

	finSeq := c.sndNxt
	c.Receive(Header{Seq: 5001, Ack: finSeq, Flags: FlagACK}, nil)
	require.Equal(t, StateFinWait2, c.State())

	c.Receive(Header{Seq: 5001, Ack: finSeq, Flags: FlagFIN | FlagACK}, nil)
	require.Equal(t, StateTimeWait, c.State())
}

func TestBindAutoAllocatesFromEphemeralBase(t *testing.T) {
	table := NewTable()
	c := NewConn(Config{RemotePort: 80})
	require.NoError(t, table.Bind(c))
	require.GreaterOrEqual(t, c.localPort, uint16(firstEphemeralPort))
	require.Same(t, c, table.Lookup(c.localPort))
}

func TestDispatchToUnknownPortSendsRST(t *testing.T) {
	table := NewTable()
	tx := &recordingTx{}
	table.Dispatch(Header{SrcPort: 80, DstPort: 9999, Flags: FlagACK}, nil, tx)
	require.Len(t, tx.segs, 1)
	h := tx.last()
	require.NotZero(t, h.Flags&FlagRST)
}
