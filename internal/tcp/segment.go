// Package tcp implements the client-only TCP connection state machine
// described in spec.md §4.4, translated directly from
// original_source/src/net/tcp.c. It owns TCB bookkeeping and segment
// framing; the actual IP/Ethernet transmission is a sibling concern
// (the pack's NIC drivers) reached through the Transmitter interface,
// matching §1's "link-layer drivers are external collaborators"
// boundary.
package tcp

import (
	"encoding/binary"
	"errors"
)

// Flags are the low six bits of the TCP header's flags byte.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// MSS is the compile-time MSS option value (§4.4).
const MSS = 1460

// optionKindMSS is the TCP option kind byte for MSS.
const optionKindMSS = 2
const optionLenMSS = 4

// HeaderLen is the fixed (no-options) TCP header length in bytes.
const HeaderLen = 20

// Header is the wire layout of §6's TCP segment (source/dest ports,
// SEQ, ACK, DataOffset|flags, window, checksum, urgent, then options).
type Header struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	DataOffset       uint8 // in 32-bit words, header only (no options accounted separately)
	Flags            Flags
	Window           uint16
	Checksum         uint16
	Urgent           uint16
	MSS              uint16 // 0 if no MSS option present
}

var errShortSegment = errors.New("tcp: segment shorter than header")
var errBadHeaderLen = errors.New("tcp: header length out of range")

// ParseSegment decodes a raw TCP segment (header + options + payload)
// into a Header and the remaining payload slice. Unknown options are
// skipped, matching §6 ("all unknown options are skipped on
// receive").
func ParseSegment(b []byte) (Header, []byte, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, nil, errShortSegment
	}
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Seq = binary.BigEndian.Uint32(b[4:8])
	h.Ack = binary.BigEndian.Uint32(b[8:12])
	dataOffsetWords := b[12] >> 4
	h.Flags = Flags(b[13] & 0x3f)
	h.Window = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	h.Urgent = binary.BigEndian.Uint16(b[18:20])

	hlen := int(dataOffsetWords) * 4
	if hlen < HeaderLen {
		return h, nil, errBadHeaderLen
	}
	if hlen > len(b) {
		return h, nil, errBadHeaderLen
	}
	h.DataOffset = dataOffsetWords

	// Walk options looking for MSS; skip anything else.
	opts := b[HeaderLen:hlen]
	for len(opts) > 0 {
		kind := opts[0]
		if kind == 0 { // end of options
			break
		}
		if kind == 1 { // NOP
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			break
		}
		optLen := int(opts[1])
		if optLen < 2 || optLen > len(opts) {
			break
		}
		if kind == optionKindMSS && optLen == optionLenMSS {
			h.MSS = binary.BigEndian.Uint16(opts[2:4])
		}
		opts = opts[optLen:]
	}

	return h, b[hlen:], nil
}

// BuildSegment serialises h and payload into a wire segment. When
// h.Flags has FlagSYN set and mss != 0, an MSS option is emitted ahead
// of the payload, matching tcp_senddata_conn's "push MSS option only
// on a SYN" behaviour.
func BuildSegment(h Header, mss uint16, payload []byte) []byte {
	hlen := HeaderLen
	withMSS := h.Flags&FlagSYN != 0 && mss != 0
	if withMSS {
		hlen += optionLenMSS
	}
	buf := make([]byte, hlen+len(payload))

	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = uint8(hlen/4) << 4
	buf[13] = uint8(h.Flags)
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	// Checksum left zero; BuildSegment does not compute it (it depends
	// on the pseudo header owned by the IP layer).
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)

	if withMSS {
		buf[HeaderLen] = optionKindMSS
		buf[HeaderLen+1] = optionLenMSS
		binary.BigEndian.PutUint16(buf[HeaderLen+2:HeaderLen+4], mss)
	}
	copy(buf[hlen:], payload)
	return buf
}
