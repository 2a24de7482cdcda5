package slam

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeDatagramNonData(t *testing.T) {
	raw := EncodeDatagram(Datagram{XID: 7, Total: 1536, BlockSize: 512})
	d, err := DecodeDatagram(raw)
	require.NoError(t, err)
	require.EqualValues(t, 7, d.XID)
	require.EqualValues(t, 1536, d.Total)
	require.EqualValues(t, 512, d.BlockSize)
	require.False(t, d.IsData)
}

func TestDecodeDatagramData(t *testing.T) {
	payload := []byte("hi there")
	raw := EncodeDatagram(Datagram{XID: 1, Total: 1024, BlockSize: 512, IsData: true, Block: 3, Payload: payload})
	d, err := DecodeDatagram(raw)
	require.NoError(t, err)
	require.True(t, d.IsData)
	require.Equal(t, 3, d.Block)
	require.Equal(t, payload, d.Payload)
}

func TestDecodeDatagramTruncated(t *testing.T) {
	_, err := DecodeDatagram(nil)
	require.Error(t, err)
}
