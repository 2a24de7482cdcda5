// Package slam implements the Scalable Local Area Multicast receiver:
// the variable-length integer codec, the received-block bitmap, and
// the master/slave NACK-retransmit timer pair.
//
// Grounded on original_source/src/net/udp/slam.c.
package slam

import "errors"

var (
	ErrTruncated    = errors.New("slam: varint truncated")
	ErrTooWide      = errors.New("slam: varint byte count out of range")
)

// DecodeVarint reads one SLAM variable-length integer from b: the
// first byte's top three bits give the byte count (1-7), its
// remaining five bits are the high-order part, and subsequent bytes
// extend the value big-endian. It returns the decoded value and the
// number of bytes consumed. A lone 0x00 is the list terminator and
// decodes to (0, 1).
func DecodeVarint(b []byte) (value uint64, n int, err error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	first := b[0]
	count := int(first >> 5)
	if count == 0 {
		return 0, 1, nil // terminator
	}
	if count > 7 {
		return 0, 0, ErrTooWide
	}
	if len(b) < count {
		return 0, 0, ErrTruncated
	}
	value = uint64(first & 0x1f)
	for i := 1; i < count; i++ {
		value = value<<8 | uint64(b[i])
	}
	return value, count, nil
}

// EncodeVarint appends the minimum-width encoding of v to dst and
// returns the extended slice. v == 0 encodes as the single-byte
// terminator form (count field 0).
func EncodeVarint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, 0x00)
	}

	// Find the minimum byte count: the first byte holds 5 value bits,
	// each subsequent byte holds 8.
	count := 1
	for bits := bitsNeeded(v); bits > 5; bits -= 8 {
		count++
	}
	if count > 7 {
		count = 7
	}

	buf := make([]byte, count)
	remaining := v
	for i := count - 1; i >= 1; i-- {
		buf[i] = byte(remaining)
		remaining >>= 8
	}
	buf[0] = byte(count<<5) | byte(remaining&0x1f)
	return append(dst, buf...)
}

func bitsNeeded(v uint64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 1
	}
	if n == 0 {
		n = 1
	}
	return n
}
