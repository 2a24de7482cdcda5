package opener

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pxeboot/corepipe/internal/blockio"
	"github.com/pxeboot/corepipe/internal/nbd"
	"github.com/pxeboot/corepipe/internal/socket"
	"github.com/pxeboot/corepipe/internal/uri"
)

// nbdBlockSize is the granularity this bridge reads/writes the export
// at; NBD itself is byte-addressable but every other leg of the
// pipeline deals in fixed-size blocks, so the opener picks one and
// reports it from ReadCapacity.
const nbdBlockSize = 512

// NBDOpener dials an nbd:// URI and wraps the negotiated export as a
// blockio.Backend.
type NBDOpener struct {
	facade *socket.Facade
}

// NewNBDOpener builds an opener dialling through facade.
func NewNBDOpener(facade *socket.Facade) *NBDOpener {
	return &NBDOpener{facade: facade}
}

// Open implements BlockOpenFunc for the nbd scheme. The export name is
// the URI path with its leading slash stripped; the `?use-opt-go`
// query selects NBD_OPT_GO over the legacy NBD_OPT_EXPORT_NAME path,
// per §6.
func (o *NBDOpener) Open(ctx context.Context, u *uri.URI) (blockio.Backend, error) {
	export := strings.TrimPrefix(u.Path, "/")
	useOptGo := hasQueryFlag(u.Query, "use-opt-go")
	port := u.PortNum(10809)

	return &nbdBackend{
		facade:   o.facade,
		host:     u.Host,
		port:     port,
		export:   export,
		useOptGo: useOptGo,
	}, nil
}

func hasQueryFlag(rawQuery, name string) bool {
	for _, part := range strings.Split(rawQuery, "&") {
		if part == name {
			return true
		}
		if k, _, ok := strings.Cut(part, "="); ok && k == name {
			return true
		}
	}
	return false
}

// nbdBackend defers the dial and handshake until the first call,
// matching §4.9's "opens the backing URI lazily".
type nbdBackend struct {
	facade   *socket.Facade
	host     string
	port     uint16
	export   string
	useOptGo bool

	conn *nbd.Conn
	exp  nbd.Export
}

func (b *nbdBackend) ensureOpen(ctx context.Context) error {
	if b.conn != nil {
		return nil
	}
	nc, err := b.facade.OpenNamedSocket(ctx, socket.Stream, b.host, b.port)
	if err != nil {
		return fmt.Errorf("opener: nbd dial %s:%d: %w", b.host, b.port, err)
	}
	conn := nbd.NewConn(nc)
	export, err := conn.Handshake(b.export, b.useOptGo)
	if err != nil {
		return fmt.Errorf("opener: nbd handshake export %q: %w", b.export, err)
	}
	b.conn = conn
	b.exp = export
	return nil
}

func (b *nbdBackend) ReadCapacity(ctx context.Context) (int64, uint32, error) {
	if err := b.ensureOpen(ctx); err != nil {
		return 0, 0, err
	}
	blocks := int64((b.exp.Size + nbdBlockSize - 1) / nbdBlockSize)
	return blocks, nbdBlockSize, nil
}

func (b *nbdBackend) ReadBlocks(ctx context.Context, lba, count int64, buf []byte) error {
	if err := b.ensureOpen(ctx); err != nil {
		return err
	}
	length := uint32(count * nbdBlockSize)
	if int64(len(buf)) < int64(length) {
		return fmt.Errorf("opener: nbd read: buffer too small for %d blocks", count)
	}
	cmd, err := b.conn.SendRead(uint64(lba*nbdBlockSize), length)
	if err != nil {
		return fmt.Errorf("opener: nbd send read: %w", err)
	}
	data, err := b.conn.ReadReply(cmd)
	if err != nil {
		return fmt.Errorf("opener: nbd read reply: %w", err)
	}
	if n := copy(buf, data); n < len(data) {
		return io.ErrShortBuffer
	}
	return nil
}

func (b *nbdBackend) WriteBlocks(ctx context.Context, lba, count int64, buf []byte) error {
	if err := b.ensureOpen(ctx); err != nil {
		return err
	}
	if b.exp.ReadOnly() {
		return nbd.ErrReadOnly
	}
	length := int64(count * nbdBlockSize)
	if int64(len(buf)) < length {
		return fmt.Errorf("opener: nbd write: buffer too small for %d blocks", count)
	}
	cmd, err := b.conn.SendWrite(uint64(lba*nbdBlockSize), buf[:length], false)
	if err != nil {
		return fmt.Errorf("opener: nbd send write: %w", err)
	}
	if _, err := b.conn.ReadReply(cmd); err != nil {
		return fmt.Errorf("opener: nbd write reply: %w", err)
	}
	return nil
}

