package opener

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/pxeboot/corepipe/internal/blockio"
	"github.com/pxeboot/corepipe/internal/slam"
	"github.com/pxeboot/corepipe/internal/socket"
	"github.com/pxeboot/corepipe/internal/uri"
	"github.com/pxeboot/corepipe/internal/xfer"
)

// defaultSLAMGroup/defaultSLAMPort are the multicast rendezvous point
// a slam:// URI joins when it names neither a group nor a port, per
// §6's "default 239.255.1.1:10000".
var defaultSLAMGroup = net.IPv4(239, 255, 1, 1)

const defaultSLAMPort = 10000

// SLAMOpener dials an slam:// URI's unicast server socket and joins
// its multicast group, driving a slam.Receiver off sched.
type SLAMOpener struct {
	facade *socket.Facade
	sched  *xfer.Scheduler
	log    *zap.Logger
}

// NewSLAMOpener builds an opener dialling through facade and
// scheduling receiver work on sched.
func NewSLAMOpener(facade *socket.Facade, sched *xfer.Scheduler, log *zap.Logger) *SLAMOpener {
	if log == nil {
		log = zap.NewNop()
	}
	return &SLAMOpener{facade: facade, sched: sched, log: log}
}

// Open implements BlockOpenFunc for the slam scheme. The unicast
// server port defaults to the multicast port; a `group=` query
// parameter overrides the multicast address.
func (o *SLAMOpener) Open(ctx context.Context, u *uri.URI) (blockio.Backend, error) {
	group := defaultSLAMGroup
	if g := queryValue(u.Query, "group"); g != "" {
		if ip := net.ParseIP(g); ip != nil {
			group = ip
		}
	}
	groupPort := uint16(defaultSLAMPort)
	if p := u.PortNum(0); p != 0 {
		groupPort = p
	}

	return &slamBackend{
		facade:      o.facade,
		sched:       o.sched,
		log:         o.log,
		host:        u.Host,
		port:        groupPort,
		group:       group,
		groupPort:   groupPort,
		provisioned: make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

func queryValue(rawQuery, name string) string {
	for _, part := range splitAmp(rawQuery) {
		if k, v, ok := cutEquals(part); ok && k == name {
			return v
		}
	}
	return ""
}

func splitAmp(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '&' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func cutEquals(s string) (k, v string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// slamBackend lazily joins the multicast group and dials the unicast
// server socket on first use, buffering the whole transfer in memory
// keyed by block offset the way the bitmap-backed receiver delivers
// it, since a reliable multicast push has no notion of serving a
// partial read before the matching bytes have actually arrived.
type slamBackend struct {
	facade    *socket.Facade
	sched     *xfer.Scheduler
	log       *zap.Logger
	host      string
	port      uint16
	group     net.IP
	groupPort uint16

	openOnce sync.Once
	openErr  error

	mu          sync.Mutex
	buf         []byte
	blockSize   int64
	provisioned chan struct{}
	provOnce    sync.Once
	done        chan struct{}
	recvErr     error
}

func (b *slamBackend) ensureOpen(ctx context.Context) error {
	b.openOnce.Do(func() { b.openErr = b.start(ctx) })
	return b.openErr
}

func (b *slamBackend) start(ctx context.Context) error {
	unicast, err := b.facade.OpenNamedSocket(ctx, socket.Dgram, b.host, b.port)
	if err != nil {
		return fmt.Errorf("opener: slam dial %s:%d: %w", b.host, b.port, err)
	}

	mcastConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(b.groupPort)})
	if err != nil {
		return fmt.Errorf("opener: slam listen on multicast port %d: %w", b.groupPort, err)
	}

	iface, err := multicastInterface()
	if err != nil {
		return fmt.Errorf("opener: slam: %w", err)
	}
	if err := slam.JoinGroup(mcastConn, iface, b.group); err != nil {
		return fmt.Errorf("opener: slam join group %s on %s: %w", b.group, iface.Name, err)
	}

	sender := &unicastSender{conn: unicast}
	receiverSide := xfer.New(b, xfer.Ops{})
	bufferSide := xfer.New(b, xfer.Ops{
		Seek:    b.onSeek,
		Deliver: b.onDeliver,
		Close:   b.onClose,
	})
	xfer.Plug(receiverSide, bufferSide)
	receiver := slam.NewReceiver(b.sched, sender, receiverSide, b.log)

	go readSLAMDatagrams(context.Background(), mcastConn, b.sched, receiver, b.recordBlockSize)
	go readSLAMDatagrams(context.Background(), unicast, b.sched, receiver, b.recordBlockSize)

	return nil
}

func (b *slamBackend) recordBlockSize(blockSize int64) {
	b.mu.Lock()
	b.blockSize = blockSize
	b.mu.Unlock()
}

func (b *slamBackend) onSeek(size int64) error {
	b.mu.Lock()
	b.buf = make([]byte, size)
	b.mu.Unlock()
	b.provOnce.Do(func() { close(b.provisioned) })
	return nil
}

func (b *slamBackend) onDeliver(buf *xfer.IOBuf, meta xfer.Metadata) error {
	data := buf.Bytes()
	if len(data) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if meta.Offset < 0 || meta.Offset+int64(len(data)) > int64(len(b.buf)) {
		return fmt.Errorf("opener: slam: delivery at offset %d/%d bytes overruns %d-byte transfer", meta.Offset, len(data), len(b.buf))
	}
	copy(b.buf[meta.Offset:], data)
	return nil
}

func (b *slamBackend) onClose(rc error) {
	b.mu.Lock()
	b.recvErr = rc
	b.mu.Unlock()
	close(b.done)
}

func (b *slamBackend) ReadCapacity(ctx context.Context) (int64, uint32, error) {
	if err := b.ensureOpen(ctx); err != nil {
		return 0, 0, err
	}
	select {
	case <-b.provisioned:
	case <-b.done:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var blocks int64
	if b.blockSize > 0 {
		blocks = (int64(len(b.buf)) + b.blockSize - 1) / b.blockSize
	}
	return blocks, uint32(b.blockSize), nil
}

func (b *slamBackend) ReadBlocks(ctx context.Context, lba, count int64, buf []byte) error {
	if err := b.ensureOpen(ctx); err != nil {
		return err
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recvErr != nil {
		return fmt.Errorf("opener: slam transfer failed: %w", b.recvErr)
	}
	start := lba * b.blockSize
	length := count * b.blockSize
	if start < 0 || start+length > int64(len(b.buf)) {
		return fmt.Errorf("opener: slam: read range [%d,%d) exceeds %d-byte transfer", start, start+length, len(b.buf))
	}
	if int64(len(buf)) < length {
		return fmt.Errorf("opener: slam: buffer too small for %d blocks", count)
	}
	copy(buf, b.buf[start:start+length])
	return nil
}

func (b *slamBackend) WriteBlocks(ctx context.Context, lba, count int64, buf []byte) error {
	return fmt.Errorf("opener: slam backend is read-only (multicast receive-only transfer)")
}

// unicastSender replies to the server's unicast socket, the only
// destination a SLAM NACK is ever sent to per §4.7.
type unicastSender struct {
	conn net.Conn
}

func (s *unicastSender) SendNACK(payload []byte) error {
	_, err := s.conn.Write(payload)
	return err
}

// multicastInterface returns the first up, multicast-capable network
// interface to join the group on.
func multicastInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		f := ifaces[i].Flags
		if f&net.FlagUp != 0 && f&net.FlagMulticast != 0 {
			return &ifaces[i], nil
		}
	}
	return nil, fmt.Errorf("no up, multicast-capable interface found")
}

// readSLAMDatagrams reads datagrams off conn until it errors or ctx is
// cancelled, decoding each one and scheduling its delivery to recv on
// sched's own goroutine: Receiver's timers and bitmap are only safe to
// touch from the scheduler's single cooperative thread.
func readSLAMDatagrams(ctx context.Context, conn net.Conn, sched *xfer.Scheduler, recv *slam.Receiver, recordBlockSize func(int64)) {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		d, err := slam.DecodeDatagram(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		recordBlockSize(d.BlockSize)
		sched.Schedule(xfer.ProcessFunc(func() bool {
			recv.OnDatagram(d)
			return true
		}))
	}
}
