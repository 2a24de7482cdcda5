// Package nbd implements the NBD newstyle client handshake and
// transmission phase used to open a remote export as a block device.
//
// Grounded on original_source/src/net/tcp/nbd.c: the handshake step
// order, magic constants, and the EXPORT_NAME/GO option split
// translate directly.
package nbd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire magic constants, per spec.md §6.
const (
	NBDMagic        uint64 = 0x4e42444d41474943
	IHaveOpt        uint64 = 0x49484156454F5054
	RequestMagic    uint32 = 0x25609513
	ReplyMagic      uint32 = 0x67446698
	RepMagic        uint64 = 0x3e889045565a9
)

// Handshake flags (server, then client).
const (
	FlagFixedNewstyle uint16 = 1 << 0
	FlagNoZeroes      uint16 = 1 << 1
)

// Options.
const (
	OptExportName uint32 = 1
	OptGo         uint32 = 7
	OptInfo       uint32 = 6
)

// Reply types for NBD_OPT_GO / NBD_OPT_INFO.
const (
	RepAck       uint32 = 1
	RepInfo      uint32 = 3
	RepFlagError uint32 = 1 << 31
	RepErrUnsup  uint32 = RepFlagError | 1
	RepErrUnknow uint32 = RepFlagError | 6
)

// NBD_INFO sub-types; only EXPORT is retained, everything else
// discarded per spec.md §4.6 step 5.
const InfoExport uint16 = 0

// Transmission-phase command types.
const (
	CmdRead  uint16 = 0
	CmdWrite uint16 = 1
)

// Export transport flags.
const (
	TransHasFlags uint16 = 1 << 0
	TransReadOnly uint16 = 1 << 1
)

var (
	ErrBadMagic       = errors.New("nbd: bad magic")
	ErrNotFixed       = errors.New("nbd: server does not offer FIXED_NEWSTYLE")
	ErrUnsupported    = errors.New("nbd: server replied UNSUP")
	ErrUnknownExport  = errors.New("nbd: server replied UNKNOWN")
	ErrSpuriousReply  = errors.New("nbd: reply handle does not match outstanding command")
	ErrReadOnly       = errors.New("nbd: write on a read-only export")
)

// Export describes a negotiated export's parameters, the result of a
// successful Handshake.
type Export struct {
	Name       string
	Size       uint64
	TransFlags uint16
}

// ReadOnly reports whether the export rejects writes.
func (e Export) ReadOnly() bool { return e.TransFlags&TransReadOnly != 0 }

// Conn wraps a byte stream (already connected, e.g. via internal/tcp)
// with the NBD handshake and command/reply framing.
type Conn struct {
	rw     io.ReadWriter
	r      *bufio.Reader
	handle uint64 // next command handle, incremented per command
}

// NewConn wraps an already-open stream.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw, r: bufio.NewReader(rw)}
}

// Handshake performs the newstyle negotiation and returns the
// negotiated export. useOptGo selects NBD_OPT_GO over the legacy
// NBD_OPT_EXPORT_NAME path, the `?use-opt-go` URI query recognised by
// the NBD opener (§6).
func (c *Conn) Handshake(export string, useOptGo bool) (Export, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return Export{}, err
	}
	magic := binary.BigEndian.Uint64(hdr[0:8])
	opt := binary.BigEndian.Uint64(hdr[8:16])
	if magic != NBDMagic || opt != IHaveOpt {
		return Export{}, ErrBadMagic
	}

	var flagsBuf [2]byte
	if _, err := io.ReadFull(c.r, flagsBuf[:]); err != nil {
		return Export{}, err
	}
	serverFlags := binary.BigEndian.Uint16(flagsBuf[:])
	if serverFlags&FlagFixedNewstyle == 0 {
		return Export{}, ErrNotFixed
	}
	noZeroes := serverFlags&FlagNoZeroes != 0

	clientFlags := uint32(FlagFixedNewstyle)
	if noZeroes {
		clientFlags |= uint32(FlagNoZeroes)
	}
	var cf [4]byte
	binary.BigEndian.PutUint32(cf[:], clientFlags)
	if _, err := c.rw.Write(cf[:]); err != nil {
		return Export{}, err
	}

	if useOptGo {
		return c.negotiateGo(export)
	}
	return c.negotiateExportName(export, noZeroes)
}

func (c *Conn) sendOptionHeader(opt uint32, dataLen uint32) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], IHaveOpt)
	binary.BigEndian.PutUint32(buf[8:12], opt)
	binary.BigEndian.PutUint32(buf[12:16], dataLen)
	_, err := c.rw.Write(buf[:])
	return err
}

func (c *Conn) negotiateExportName(export string, noZeroes bool) (Export, error) {
	if err := c.sendOptionHeader(OptExportName, uint32(len(export))); err != nil {
		return Export{}, err
	}
	if _, err := io.WriteString(c.rw, export); err != nil {
		return Export{}, err
	}

	var reply [10]byte
	if _, err := io.ReadFull(c.r, reply[:]); err != nil {
		return Export{}, err
	}
	size := binary.BigEndian.Uint64(reply[0:8])
	transFlags := binary.BigEndian.Uint16(reply[8:10])

	if !noZeroes {
		var zeroes [124]byte
		if _, err := io.ReadFull(c.r, zeroes[:]); err != nil {
			return Export{}, err
		}
	}
	return Export{Name: export, Size: size, TransFlags: transFlags}, nil
}

func (c *Conn) negotiateGo(export string) (Export, error) {
	// Empty NBD_INFO request list: just the export name, a
	// zero-length info-request count, per §4.6 step 3.
	payload := make([]byte, 2+len(export)+2)
	binary.BigEndian.PutUint16(payload[0:2], uint16(len(export)))
	copy(payload[2:], export)
	binary.BigEndian.PutUint16(payload[2+len(export):], 0)

	if err := c.sendOptionHeader(OptGo, uint32(len(payload))); err != nil {
		return Export{}, err
	}
	if _, err := c.rw.Write(payload); err != nil {
		return Export{}, err
	}

	result := Export{Name: export}
	for {
		var replyHdr [20]byte
		if _, err := io.ReadFull(c.r, replyHdr[:]); err != nil {
			return Export{}, err
		}
		magic := binary.BigEndian.Uint64(replyHdr[0:8])
		opt := binary.BigEndian.Uint32(replyHdr[8:12])
		repType := binary.BigEndian.Uint32(replyHdr[12:16])
		repLen := binary.BigEndian.Uint32(replyHdr[16:20])
		if magic != RepMagic || opt != OptGo {
			return Export{}, ErrBadMagic
		}

		body := make([]byte, repLen)
		if repLen > 0 {
			if _, err := io.ReadFull(c.r, body); err != nil {
				return Export{}, err
			}
		}

		switch {
		case repType == RepAck:
			return result, nil
		case repType == RepErrUnsup:
			return Export{}, ErrUnsupported
		case repType == RepErrUnknow:
			return Export{}, ErrUnknownExport
		case repType&RepFlagError != 0:
			return Export{}, fmt.Errorf("nbd: server rejected OPT_GO: reply type %#x", repType)
		case repType == RepInfo && repLen >= 2:
			infoType := binary.BigEndian.Uint16(body[0:2])
			if infoType == InfoExport && repLen >= 12 {
				result.Size = binary.BigEndian.Uint64(body[2:10])
				result.TransFlags = binary.BigEndian.Uint16(body[10:12])
			}
			// Any other NBD_INFO sub-type is discarded, per §6.
		}
	}
}

// Command is one outstanding transmission-phase request.
type Command struct {
	Type   uint16
	Offset uint64
	Length uint32
	handle uint64
}

// SendRead issues a 28-byte read command header and returns the
// Command used to match its reply.
func (c *Conn) SendRead(offset uint64, length uint32) (Command, error) {
	return c.sendCommand(CmdRead, offset, length)
}

// SendWrite issues a write command header followed immediately by
// data, passed to the underlying stream in one Write call rather than
// in 512 B pieces.
func (c *Conn) SendWrite(offset uint64, data []byte, readOnly bool) (Command, error) {
	if readOnly {
		return Command{}, ErrReadOnly
	}
	cmd, err := c.sendCommand(CmdWrite, offset, uint32(len(data)))
	if err != nil {
		return Command{}, err
	}
	if _, err := c.rw.Write(data); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (c *Conn) sendCommand(typ uint16, offset uint64, length uint32) (Command, error) {
	c.handle++
	cmd := Command{Type: typ, Offset: offset, Length: length, handle: c.handle}

	var buf [28]byte
	binary.BigEndian.PutUint32(buf[0:4], RequestMagic)
	binary.BigEndian.PutUint16(buf[4:6], 0) // flags
	binary.BigEndian.PutUint16(buf[6:8], typ)
	binary.BigEndian.PutUint64(buf[8:16], cmd.handle)
	binary.BigEndian.PutUint64(buf[16:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], length)
	if _, err := c.rw.Write(buf[:]); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// ReadReply reads a 16-byte reply header for cmd and, for a read
// command, the following cmd.Length bytes of data. The handle is
// checked verbatim against cmd as the identity check against
// spurious replies.
func (c *Conn) ReadReply(cmd Command) ([]byte, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	errCode := binary.BigEndian.Uint32(hdr[4:8])
	handle := binary.BigEndian.Uint64(hdr[8:16])

	if magic != ReplyMagic {
		return nil, ErrBadMagic
	}
	if handle != cmd.handle {
		return nil, ErrSpuriousReply
	}
	if errCode != 0 {
		return nil, fmt.Errorf("nbd: server error %d on handle %d", errCode, handle)
	}

	if cmd.Type != CmdRead || cmd.Length == 0 {
		return nil, nil
	}
	data := make([]byte, cmd.Length)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, err
	}
	return data, nil
}
