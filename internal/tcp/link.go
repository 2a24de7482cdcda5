package tcp

import (
	"context"
	"net"

	"github.com/pxeboot/corepipe/internal/xfer"
)

// PacketLink carries whole TCP segments over a net.Conn that preserves
// datagram boundaries (in practice a connected UDP socket dialled
// through socket.Facade), standing in for the NIC/IP layer that sits
// below this package per spec.md §1's link-layer boundary: one
// Transmit/Read call maps to exactly one segment, with no IP
// fragmentation or reassembly to account for.
type PacketLink struct {
	nc net.Conn
}

// NewPacketLink wraps an already-dialled nc as a Transmitter.
func NewPacketLink(nc net.Conn) *PacketLink {
	return &PacketLink{nc: nc}
}

// Transmit implements Transmitter by writing seg as a single datagram.
func (l *PacketLink) Transmit(seg []byte) error {
	_, err := l.nc.Write(seg)
	return err
}

// Serve reads segments off the link until ctx is cancelled or the
// connection errors, parsing each one and scheduling its dispatch on
// sched's own goroutine: Table.Dispatch and Conn.Receive mutate TCB
// state that is only safe to touch from the scheduler's single
// cooperative thread, never directly from this read loop's goroutine.
func (l *PacketLink) Serve(ctx context.Context, sched *xfer.Scheduler, table *Table) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := l.nc.Read(buf)
		if err != nil {
			return err
		}
		h, payload, err := ParseSegment(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		link := l
		sched.Schedule(xfer.ProcessFunc(func() bool {
			table.Dispatch(h, payload, link)
			return true
		}))
	}
}
