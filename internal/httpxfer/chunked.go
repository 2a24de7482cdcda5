package httpxfer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformedChunk = errors.New("httpxfer: malformed chunk length line")

// DecodeChunked reads a Transfer-Encoding: chunked body from r to
// completion (through the terminating empty chunk and any trailer
// headers, which are discarded) and returns the concatenated data.
func DecodeChunked(r *bufio.Reader) ([]byte, error) {
	var out bytes.Buffer
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		sizeField, _, _ := strings.Cut(line, ";") // chunk extensions ignored
		sizeField = strings.TrimSpace(sizeField)
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedChunk, line)
		}
		if size == 0 {
			// Terminating chunk: drain trailer headers up to the
			// blank line, then stop.
			for {
				trailer, err := readLine(r)
				if err != nil {
					return nil, err
				}
				if trailer == "" {
					break
				}
			}
			return out.Bytes(), nil
		}

		buf := make([]byte, size)
		if _, err := readFull(r, buf); err != nil {
			return nil, err
		}
		out.Write(buf)

		// Each chunk's data is followed by a bare CRLF.
		if _, err := readLine(r); err != nil {
			return nil, err
		}
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// EncodeChunked renders data as a single-chunk Transfer-Encoding:
// chunked body (chunk, terminator, no trailers) — used by tests to
// verify decode_chunked(encode_chunked(x)) == x per spec.md §11.
func EncodeChunked(data []byte) []byte {
	var b bytes.Buffer
	if len(data) > 0 {
		fmt.Fprintf(&b, "%x\r\n", len(data))
		b.Write(data)
		b.WriteString("\r\n")
	}
	b.WriteString("0\r\n\r\n")
	return b.Bytes()
}
