package slam

import "fmt"

// DecodeDatagram parses one inbound multicast/unicast SLAM datagram:
// the cached (xid, total_bytes, block_size) triple, and — when any
// bytes remain — a block index followed by the block's payload. A
// datagram with nothing left after the triple is the non-data,
// receiver-solicited acknowledgement variant that still triggers a
// NACK but carries no block.
func DecodeDatagram(b []byte) (Datagram, error) {
	var d Datagram

	xid, n, err := DecodeVarint(b)
	if err != nil {
		return d, fmt.Errorf("slam: decode xid: %w", err)
	}
	b = b[n:]

	total, n, err := DecodeVarint(b)
	if err != nil {
		return d, fmt.Errorf("slam: decode total_bytes: %w", err)
	}
	b = b[n:]

	blockSize, n, err := DecodeVarint(b)
	if err != nil {
		return d, fmt.Errorf("slam: decode block_size: %w", err)
	}
	b = b[n:]

	d.XID = xid
	d.Total = int64(total)
	d.BlockSize = int64(blockSize)

	if len(b) == 0 {
		return d, nil
	}

	block, n, err := DecodeVarint(b)
	if err != nil {
		return d, fmt.Errorf("slam: decode block index: %w", err)
	}
	d.IsData = true
	d.Block = int(block)
	d.Payload = append([]byte(nil), b[n:]...)
	return d, nil
}

// EncodeDatagram renders a data datagram: the cached triple followed
// by the block index and payload. Used by tests to synthesise server
// traffic; the live opener only ever decodes, since this receiver
// never originates data datagrams.
func EncodeDatagram(d Datagram) []byte {
	var out []byte
	out = EncodeVarint(out, d.XID)
	out = EncodeVarint(out, uint64(d.Total))
	out = EncodeVarint(out, uint64(d.BlockSize))
	if !d.IsData {
		return out
	}
	out = EncodeVarint(out, uint64(d.Block))
	out = append(out, d.Payload...)
	return out
}
