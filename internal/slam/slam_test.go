package slam

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pxeboot/corepipe/internal/xfer"
)

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 31, 32, 255, 8191, 1 << 20, 1 << 40} {
		enc := EncodeVarint(nil, v)
		got, n, err := DecodeVarint(enc)
		require.NoError(t, err)
		require.Equal(t, len(enc), n)
		require.Equal(t, v, got)
	}
}

func TestVarintTerminator(t *testing.T) {
	v, n, err := DecodeVarint([]byte{0x00, 0xFF})
	require.NoError(t, err)
	require.Zero(t, v)
	require.Equal(t, 1, n)
}

func TestBitmapFirstMissingRun(t *testing.T) {
	b := NewBitmap(10*512, 512) // 10 blocks
	b.Set(0)
	b.Set(1)
	b.Set(5)

	first, run, ok := b.FirstMissingRun(0, MaxBlocksPerNACK)
	require.True(t, ok)
	require.Equal(t, 2, first)
	require.Equal(t, 3, run) // blocks 2,3,4 missing, capped at 4 but only 3 contiguous before block 5
}

func TestBitmapFull(t *testing.T) {
	b := NewBitmap(2*512, 512)
	require.False(t, b.Full())
	b.Set(0)
	b.Set(1)
	require.True(t, b.Full())
}

type recordingSender struct {
	mu    sync.Mutex
	nacks [][]byte
}

func (s *recordingSender) SendNACK(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nacks = append(s.nacks, append([]byte(nil), payload...))
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nacks)
}

func TestReceiverSendsNackAfterDataDatagram(t *testing.T) {
	tx := &recordingSender{}
	data := xfer.New(nil, xfer.Ops{})
	r := NewReceiver(nil, tx, data, nil)

	r.OnDatagram(Datagram{XID: 1, Total: 1024, BlockSize: 512, IsData: true, Block: 0, Payload: make([]byte, 512)})
	require.Len(t, tx.nacks, 1)

	first, n, err := DecodeVarint(tx.nacks[0])
	require.NoError(t, err)
	require.EqualValues(t, 1, first) // block 1 is the first missing block
	require.Less(t, n, len(tx.nacks[0]))
}

func TestReceiverHooksFireOnNackAndMissingCount(t *testing.T) {
	tx := &recordingSender{}
	data := xfer.New(nil, xfer.Ops{})
	r := NewReceiver(nil, tx, data, nil)

	var nacks, lastMissing int
	r.SetHooks(func() { nacks++ }, func(n int) { lastMissing = n })

	r.OnDatagram(Datagram{XID: 1, Total: 1536, BlockSize: 512, IsData: true, Block: 0, Payload: make([]byte, 512)})
	require.Equal(t, 1, nacks)
	require.Equal(t, 2, lastMissing) // 3 total blocks, 1 received
}

func TestReceiverCompletesWhenBitmapFull(t *testing.T) {
	tx := &recordingSender{}
	data := xfer.New(nil, xfer.Ops{Close: func(rc error) {}})
	r := NewReceiver(nil, tx, data, nil)

	r.OnDatagram(Datagram{XID: 1, Total: 512, BlockSize: 512, IsData: true, Block: 0, Payload: make([]byte, 512)})
	require.True(t, r.done)
	// Disconnect datagram is the final NACK entry: a single zero byte.
	last := tx.nacks[len(tx.nacks)-1]
	require.Equal(t, []byte{0x00}, last)
}

func TestSlaveTimerPromotesToMasterOnExpiry(t *testing.T) {
	sched := xfer.NewScheduler(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	tx := &recordingSender{}
	data := xfer.New(nil, xfer.Ops{})
	r := NewReceiver(sched, tx, data, nil)

	r.OnDatagram(Datagram{XID: 1, Total: 4096, BlockSize: 512, IsData: false})
	require.False(t, r.IsMaster())

	require.Eventually(t, func() bool { return r.IsMaster() }, 3*time.Second, 10*time.Millisecond)
}
