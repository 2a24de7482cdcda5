package xfer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlugDeliver(t *testing.T) {
	var got []byte
	sink := New("sink", Ops{
		Deliver: func(buf *IOBuf, _ Metadata) error {
			got = append(got, buf.Bytes()...)
			return nil
		},
	})
	source := New("source", Ops{})
	Plug(source, sink)

	buf := FromBytes([]byte("hello world"))
	require.NoError(t, source.Deliver(buf, Metadata{}))
	require.Equal(t, "hello world", string(got))
}

func TestShutdownIsReentrantSafe(t *testing.T) {
	closed := 0
	var a, b *Interface
	a = New("a", Ops{Close: func(rc error) {
		closed++
		// A naive implementation might try to re-shutdown the
		// interface that is already being shut down; this must
		// not deadlock or double-fire.
		Shutdown(a, rc)
	}})
	b = New("b", Ops{})
	Plug(a, b)

	Shutdown(b, errors.New("boom"))
	require.Equal(t, 1, closed)
	require.False(t, a.Connected())
	require.False(t, b.Connected())
}

func TestWindowDefaultsClosed(t *testing.T) {
	i := New("i", Ops{})
	require.Equal(t, 0, i.Window())
}

func TestSeekNotifiesPeer(t *testing.T) {
	var gotSize int64 = -1
	sink := New("sink", Ops{Seek: func(size int64) error {
		gotSize = size
		return nil
	}})
	source := New("source", Ops{})
	Plug(source, sink)

	require.NoError(t, source.Seek(4096))
	require.EqualValues(t, 4096, gotSize)
}

func TestIOBufPushPull(t *testing.T) {
	b := NewIOBuf(16)
	payload, err := b.Put(5)
	require.NoError(t, err)
	copy(payload, []byte("abcde"))

	hdr, err := b.Push(3)
	require.NoError(t, err)
	copy(hdr, []byte{1, 2, 3})
	require.Equal(t, 8, b.Len())

	pulled, err := b.Pull(3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, pulled)
	require.Equal(t, "abcde", string(b.Bytes()))
}

func TestIOBufOverrun(t *testing.T) {
	b := NewIOBuf(4)
	_, err := b.Put(5)
	require.ErrorIs(t, err, ErrNoBuffers)
}
