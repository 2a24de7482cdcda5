package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/pxeboot/corepipe/internal/socket"
	"github.com/pxeboot/corepipe/internal/xfer"
)

// RunLoopbackDemo drives one real connect/send/receive/close cycle
// through a *Conn bound into table and scheduled on sched: it dials a
// PacketLink over a loopback UDP socket (through facade, the same
// dialling path a live opener would use), talks to a scripted EchoPeer
// standing in for a remote host, and returns whatever payload comes
// back over the wire. This is the one place the TCB state machine,
// PacketLink framing, and the cooperative scheduler are all driven
// together outside their own package tests.
func RunLoopbackDemo(ctx context.Context, facade *socket.Facade, sched *xfer.Scheduler, table *Table, log *zap.Logger, payload []byte) ([]byte, error) {
	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("tcp: loopback demo: listen: %w", err)
	}
	defer serverConn.Close()
	serverPort := uint16(serverConn.LocalAddr().(*net.UDPAddr).Port)

	nc, err := facade.OpenNamedSocket(ctx, socket.Dgram, "127.0.0.1", serverPort)
	if err != nil {
		return nil, fmt.Errorf("tcp: loopback demo: dial: %w", err)
	}
	defer nc.Close()
	link := NewPacketLink(nc)

	linkCtx, cancelLink := context.WithCancel(ctx)
	defer cancelLink()
	go link.Serve(linkCtx, sched, table)

	var collected []byte
	received := make(chan []byte, 1)
	connSide := xfer.New(nil, xfer.Ops{})
	appSide := xfer.New(nil, xfer.Ops{
		Deliver: func(b *xfer.IOBuf, meta xfer.Metadata) error {
			collected = append(collected, b.Bytes()...)
			if len(collected) >= len(payload) {
				select {
				case received <- collected:
				default:
				}
			}
			return nil
		},
	})
	xfer.Plug(connSide, appSide)

	established := make(chan struct{}, 1)
	conn := NewConn(Config{
		RemotePort:    serverPort,
		Transmitter:   link,
		Scheduler:     sched,
		Data:          connSide,
		Logger:        log,
		OnEstablished: func() { select { case established <- struct{}{}: default: } },
	})

	bound := make(chan error, 1)
	sched.Schedule(xfer.ProcessFunc(func() bool { bound <- table.Bind(conn); return true }))
	if err := <-bound; err != nil {
		return nil, fmt.Errorf("tcp: loopback demo: bind: %w", err)
	}
	defer func() {
		done := make(chan struct{})
		sched.Schedule(xfer.ProcessFunc(func() bool { table.Remove(conn); close(done); return true }))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}()

	peer := NewEchoPeer(serverPort, conn.localPort, 0xc0ffee)
	peerCtx, cancelPeer := context.WithCancel(ctx)
	defer cancelPeer()
	go serveEchoPeer(peerCtx, serverConn, peer)

	connectErr := make(chan error, 1)
	sched.Schedule(xfer.ProcessFunc(func() bool { connectErr <- conn.Connect(1000); return true }))
	if err := <-connectErr; err != nil {
		return nil, fmt.Errorf("tcp: loopback demo: connect: %w", err)
	}

	select {
	case <-established:
	case <-ctx.Done():
		return nil, fmt.Errorf("tcp: loopback demo: handshake: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("tcp: loopback demo: handshake timed out")
	}

	sendErr := make(chan error, 1)
	sched.Schedule(xfer.ProcessFunc(func() bool { sendErr <- conn.Send(payload); return true }))
	if err := <-sendErr; err != nil {
		return nil, fmt.Errorf("tcp: loopback demo: send: %w", err)
	}

	select {
	case data := <-received:
		sched.Schedule(xfer.ProcessFunc(func() bool { _ = conn.CloseSend(); return true }))
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("tcp: loopback demo: receive: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("tcp: loopback demo: receive timed out")
	}
}
