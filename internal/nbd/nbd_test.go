package nbd

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeInit(w io.Writer, flags uint16) {
	var buf [18]byte
	binary.BigEndian.PutUint64(buf[0:8], NBDMagic)
	binary.BigEndian.PutUint64(buf[8:16], IHaveOpt)
	binary.BigEndian.PutUint16(buf[16:18], flags)
	w.Write(buf[:])
}

func readClientFlags(r io.Reader) uint32 {
	var buf [4]byte
	io.ReadFull(r, buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

func TestHandshakeExportName(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeInit(server, FlagFixedNewstyle)
		readClientFlags(server)

		var optHdr [16]byte
		io.ReadFull(server, optHdr[:])
		nameLen := binary.BigEndian.Uint32(optHdr[12:16])
		name := make([]byte, nameLen)
		io.ReadFull(server, name)
		require.Equal(t, "disk0", string(name))

		var reply [10]byte
		binary.BigEndian.PutUint64(reply[0:8], 1<<20)
		binary.BigEndian.PutUint16(reply[8:10], TransHasFlags)
		server.Write(reply[:])
		var zeroes [124]byte
		server.Write(zeroes[:])
	}()

	c := NewConn(client)
	exp, err := c.Handshake("disk0", false)
	require.NoError(t, err)
	require.EqualValues(t, 1<<20, exp.Size)
	require.False(t, exp.ReadOnly())
	<-done
}

func TestHandshakeOptGoReadOnly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeInit(server, FlagFixedNewstyle|FlagNoZeroes)
		readClientFlags(server)

		var optHdr [16]byte
		io.ReadFull(server, optHdr[:])
		dataLen := binary.BigEndian.Uint32(optHdr[12:16])
		payload := make([]byte, dataLen)
		io.ReadFull(server, payload)

		// NBD_REP_INFO carrying NBD_INFO_EXPORT.
		info := make([]byte, 12)
		binary.BigEndian.PutUint16(info[0:2], InfoExport)
		binary.BigEndian.PutUint64(info[2:10], 2048)
		binary.BigEndian.PutUint16(info[10:12], TransHasFlags|TransReadOnly)
		writeOptReply(server, OptGo, RepInfo, info)

		writeOptReply(server, OptGo, RepAck, nil)
	}()

	c := NewConn(client)
	exp, err := c.Handshake("disk0", true)
	require.NoError(t, err)
	require.EqualValues(t, 2048, exp.Size)
	require.True(t, exp.ReadOnly())
	<-done

	_, err = c.SendWrite(0, []byte("x"), exp.ReadOnly())
	require.ErrorIs(t, err, ErrReadOnly)
}

func writeOptReply(w io.Writer, opt, repType uint32, body []byte) {
	var hdr [20]byte
	binary.BigEndian.PutUint64(hdr[0:8], RepMagic)
	binary.BigEndian.PutUint32(hdr[8:12], opt)
	binary.BigEndian.PutUint32(hdr[12:16], repType)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(body)))
	w.Write(hdr[:])
	if len(body) > 0 {
		w.Write(body)
	}
}

func TestHandshakeOptGoUnsupported(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeInit(server, FlagFixedNewstyle)
		readClientFlags(server)
		var optHdr [16]byte
		io.ReadFull(server, optHdr[:])
		dataLen := binary.BigEndian.Uint32(optHdr[12:16])
		payload := make([]byte, dataLen)
		io.ReadFull(server, payload)
		writeOptReply(server, OptGo, RepErrUnsup, nil)
	}()

	c := NewConn(client)
	_, err := c.Handshake("disk0", true)
	require.ErrorIs(t, err, ErrUnsupported)
	<-done
}

func TestHandshakeRejectsNonFixedNewstyle(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		writeInit(server, 0)
	}()

	c := NewConn(client)
	_, err := c.Handshake("disk0", false)
	require.ErrorIs(t, err, ErrNotFixed)
}

func TestReadReplyRejectsSpuriousHandle(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(client)

	go func() {
		var reqHdr [28]byte
		io.ReadFull(server, reqHdr[:]) // drain request header
		var buf [16]byte
		binary.BigEndian.PutUint32(buf[0:4], ReplyMagic)
		binary.BigEndian.PutUint64(buf[8:16], 9999) // wrong handle
		server.Write(buf[:])
	}()

	cmd, err := c.SendRead(0, 4)
	require.NoError(t, err)

	_, err = c.ReadReply(cmd)
	require.ErrorIs(t, err, ErrSpuriousReply)
}
