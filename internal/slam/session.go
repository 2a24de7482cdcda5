package slam

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/pxeboot/corepipe/internal/xfer"
)

// MaxBlocksPerNACK bounds a single NACK's run length, per
// SLAM_MAX_BLOCKS_PER_NACK.
const MaxBlocksPerNACK = 4

// SlaveTimeout is SLAM_SLAVE_TIMEOUT: reset on every multicast
// datagram; its first expiry promotes this receiver to master.
const SlaveTimeout = 1 * time.Second

// MasterMaxRetries bounds the master retransmit-NACK budget before it
// demotes itself (does not abort).
const MasterMaxRetries = 3

var ErrTimedOut = errors.New("slam: slave timer hard expiry")

// Sender transmits a NACK datagram to the multicast group's unicast
// return address (SLAM NACKs are always sent back unicast to the
// sender, never multicast).
type Sender interface {
	SendNACK(payload []byte) error
}

// Receiver implements one SLAM file transfer: cache state, bitmap,
// and the master/slave timer pair described in spec.md §4.7 and
// supplemented in §6 (kept as two distinct timers rather than
// collapsed into one).
type Receiver struct {
	log   *zap.Logger
	sched *xfer.Scheduler
	tx    Sender
	data  *xfer.Interface

	xid       uint64
	total     int64
	blockSize int64
	bitmap    *Bitmap

	isMaster      atomic.Bool // read from outside the scheduler goroutine by callers/tests polling status
	masterRetries int
	limiter       *rate.Limiter

	masterTimer *xfer.Timer
	slaveTimer  *xfer.Timer

	done bool

	// onNACK and onMissing, if set, feed a caller's Prometheus counters
	// without this package importing anything metrics-shaped.
	onNACK    func()
	onMissing func(n int)
}

// SetHooks wires optional instrumentation callbacks: onNACK fires once
// per NACK datagram actually sent, onMissing reports the current
// missing-block count after every bitmap update.
func (r *Receiver) SetHooks(onNACK func(), onMissing func(n int)) {
	r.onNACK = onNACK
	r.onMissing = onMissing
}

// NewReceiver constructs a Receiver with no provisioned transfer yet;
// the first datagram's (xid, total, block_size) triple provisions it.
func NewReceiver(sched *xfer.Scheduler, tx Sender, data *xfer.Interface, log *zap.Logger) *Receiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Receiver{
		sched:   sched,
		tx:      tx,
		data:    data,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 4),
	}
}

// IsMaster reports whether this receiver currently owns the NACK role.
func (r *Receiver) IsMaster() bool { return r.isMaster.Load() }

// Datagram is one parsed multicast packet: the cache triple plus,
// for a data datagram, the block index and payload.
type Datagram struct {
	XID       uint64
	Total     int64
	BlockSize int64
	IsData    bool
	Block     int
	Payload   []byte
}

// OnDatagram processes one inbound multicast datagram, reprovisioning
// the bitmap when the cache triple changes and resetting the slave
// timer on every datagram per §4.7.
func (r *Receiver) OnDatagram(d Datagram) {
	if r.bitmap == nil || d.XID != r.xid || d.Total != r.total || d.BlockSize != r.blockSize {
		r.provision(d.XID, d.Total, d.BlockSize)
	}
	r.resetSlaveTimer()

	if d.IsData {
		r.recordBlock(d.Block, d.Payload)
		r.sendNACK()
	} else {
		// Receiver-solicited acknowledgement: also triggers a NACK.
		r.sendNACK()
	}

	if r.bitmap.Full() && !r.done {
		r.complete()
	}
}

func (r *Receiver) provision(xid uint64, total, blockSize int64) {
	r.xid = xid
	r.total = total
	r.blockSize = blockSize
	r.bitmap = NewBitmap(total, blockSize)
	if r.data != nil {
		_ = r.data.Seek(total)
	}
	r.log.Debug("slam reprovisioned", zap.Uint64("xid", xid), zap.Int64("total", total), zap.Int64("block_size", blockSize))
}

func (r *Receiver) recordBlock(block int, payload []byte) {
	if r.bitmap.Has(block) {
		return
	}
	expectLen := r.blockSize
	if int64(block) == int64(r.bitmap.Blocks())-1 {
		// Last block may be short.
		if rem := r.total % r.blockSize; rem != 0 {
			expectLen = rem
		}
	}
	_ = expectLen // length mismatch tolerated; the bitmap only tracks receipt
	r.bitmap.Set(block)
	if r.data != nil {
		_ = r.data.Deliver(xfer.FromBytes(payload), xfer.Metadata{Offset: int64(block) * r.blockSize})
	}
	if r.onMissing != nil {
		r.onMissing(r.bitmap.MissingCount())
	}
}

func (r *Receiver) sendNACK() {
	if !r.limiter.Allow() {
		return
	}
	first, run, ok := r.bitmap.FirstMissingRun(0, MaxBlocksPerNACK)
	var payload []byte
	if ok {
		payload = EncodeVarint(payload, uint64(first))
		payload = EncodeVarint(payload, uint64(run))
	}
	payload = EncodeVarint(payload, 0) // terminator
	if r.tx != nil {
		_ = r.tx.SendNACK(payload)
		if r.onNACK != nil {
			r.onNACK()
		}
	}
}

func (r *Receiver) resetSlaveTimer() {
	if r.sched == nil {
		return
	}
	if r.slaveTimer != nil {
		r.slaveTimer.Stop()
	}
	r.slaveTimer = xfer.NewTimer(r.onSlaveExpiry)
	r.sched.StartTimer(r.slaveTimer, SlaveTimeout)
}

func (r *Receiver) onSlaveExpiry() {
	if r.done {
		return
	}
	if !r.isMaster.Load() {
		// First expiry: promote to master and emit a NACK
		// unilaterally.
		r.isMaster.Store(true)
		r.sendNACK()
		r.armMasterTimer()
		return
	}
	// Hard expiry while already master/slave with no data arriving at
	// all: abort.
	r.abort(ErrTimedOut)
}

func (r *Receiver) armMasterTimer() {
	if r.sched == nil {
		return
	}
	if r.masterTimer != nil {
		r.masterTimer.Stop()
	}
	r.masterTimer = xfer.NewTimer(r.onMasterExpiry)
	r.sched.StartTimer(r.masterTimer, SlaveTimeout)
}

func (r *Receiver) onMasterExpiry() {
	if r.done {
		return
	}
	r.masterRetries++
	if r.masterRetries > MasterMaxRetries {
		// Master demotes on failure, does not abort: another
		// receiver may pick up the NACK role.
		r.isMaster.Store(false)
		r.masterRetries = 0
		return
	}
	r.sendNACK()
	r.armMasterTimer()
}

func (r *Receiver) complete() {
	r.done = true
	if r.masterTimer != nil {
		r.masterTimer.Stop()
	}
	if r.slaveTimer != nil {
		r.slaveTimer.Stop()
	}
	// Disconnect: a single zero byte.
	if r.tx != nil {
		_ = r.tx.SendNACK([]byte{0x00})
	}
	if r.data != nil {
		xfer.Shutdown(r.data, nil)
	}
}

func (r *Receiver) abort(rc error) {
	r.done = true
	if r.masterTimer != nil {
		r.masterTimer.Stop()
	}
	if r.slaveTimer != nil {
		r.slaveTimer.Stop()
	}
	if r.data != nil {
		xfer.Shutdown(r.data, rc)
	}
}

// JoinGroup joins the SLAM multicast group on iface, the Go-native
// analogue of the firmware's own IGMP join when opening an slam: URI.
func JoinGroup(conn *net.UDPConn, iface *net.Interface, group net.IP) error {
	p := ipv4.NewPacketConn(conn)
	return p.JoinGroup(iface, &net.UDPAddr{IP: group})
}
