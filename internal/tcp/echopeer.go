package tcp

import (
	"context"
	"net"
	"time"
)

// EchoPeer is a minimal scripted TCP responder standing in for a real
// remote host: it completes the passive side of a handshake, echoes
// back any data segment it receives, and answers a FIN with its own.
// This package is deliberately client-only (RFC 793 §4.4's subset
// note), so EchoPeer is what lets a *Conn be driven through a full
// connect/send/receive/close cycle over a real link without a second,
// independent TCP/IP stack to talk to.
type EchoPeer struct {
	localPort, remotePort uint16
	iss                   uint32
	rcvNxt                uint32
	sndNxt                uint32
	synRcvd               bool
}

// NewEchoPeer returns a peer listening as localPort for a connection
// from remotePort, replying with initial sequence number iss.
func NewEchoPeer(localPort, remotePort uint16, iss uint32) *EchoPeer {
	return &EchoPeer{localPort: localPort, remotePort: remotePort, iss: iss}
}

// Handle processes one inbound segment and returns the reply segment
// to transmit, or nil when no reply is due.
func (p *EchoPeer) Handle(h Header, payload []byte) []byte {
	switch {
	case h.Flags&FlagRST != 0:
		return nil
	case h.Flags&FlagSYN != 0:
		if p.synRcvd {
			return nil
		}
		p.rcvNxt = h.Seq + 1
		p.sndNxt = p.iss + 1
		p.synRcvd = true
		reply := Header{SrcPort: p.localPort, DstPort: p.remotePort, Seq: p.iss, Ack: p.rcvNxt, Flags: FlagSYN | FlagACK, Window: 65535}
		return BuildSegment(reply, MSS, nil)
	case h.Flags&FlagFIN != 0:
		p.rcvNxt += uint32(len(payload)) + 1
		reply := Header{SrcPort: p.localPort, DstPort: p.remotePort, Seq: p.sndNxt, Ack: p.rcvNxt, Flags: FlagFIN | FlagACK, Window: 65535}
		p.sndNxt++
		return BuildSegment(reply, 0, nil)
	case len(payload) > 0:
		p.rcvNxt += uint32(len(payload))
		reply := Header{SrcPort: p.localPort, DstPort: p.remotePort, Seq: p.sndNxt, Ack: p.rcvNxt, Flags: FlagACK, Window: 65535}
		p.sndNxt += uint32(len(payload))
		return BuildSegment(reply, 0, payload)
	default:
		return nil
	}
}

// serveEchoPeer drives peer off conn until ctx is cancelled, replying
// to whatever arrives and discarding anything that fails to parse as a
// segment.
func serveEchoPeer(ctx context.Context, conn *net.UDPConn, peer *EchoPeer) {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		h, payload, err := ParseSegment(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		if reply := peer.Handle(h, payload); reply != nil {
			_, _ = conn.WriteToUDP(reply, addr)
		}
	}
}
