package httpxfer

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComposeGet(t *testing.T) {
	req := Request{Host: "example.com", Path: "/demo/boot.php"}
	got := req.Compose()
	require.Equal(t, "GET /demo/boot.php HTTP/1.1\r\n"+
		"User-Agent: pxeboot/1.0\r\n"+
		"Host: example.com\r\n"+
		"\r\n", got)
}

func TestComposeCapacityProbeIsHead(t *testing.T) {
	req := CapacityRequest("example.com", 8080, "/img")
	require.Equal(t, "HEAD", req.Method())
	got := req.Compose()
	require.True(t, strings.HasPrefix(got, "HEAD /img HTTP/1.1\r\n"))
	require.Contains(t, got, "Host: example.com:8080\r\n")
}

func TestComposeRangeAndAuth(t *testing.T) {
	req := Request{
		Host: "h", Path: "/p", KeepAlive: true,
		HasRange: true, RangeStart: 512, RangeEnd: 1023,
		BasicAuth: true, User: "bob", Pass: "secret",
	}
	got := req.Compose()
	require.Contains(t, got, "Connection: Keep-Alive\r\n")
	require.Contains(t, got, "Range: bytes=512-1023\r\n")
	require.Contains(t, got, "Authorization: Basic Ym9iOnNlY3JldA==\r\n")
}

func TestParseSmallGetResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\nhello world"
	r := bufio.NewReader(strings.NewReader(raw))
	head, err := ParseResponseHead(r)
	require.NoError(t, err)
	require.Equal(t, 200, head.Code)
	require.True(t, head.HasLength)
	require.EqualValues(t, 11, head.ContentLength)

	body := make([]byte, 11)
	n, err := r.Read(body)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body[:n]))
}

func TestParseChunkedResponseAndDecode(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	head, err := ParseResponseHead(r)
	require.NoError(t, err)
	require.True(t, head.Chunked)
	require.False(t, head.HasLength)

	data, err := DecodeChunked(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestChunkedRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	encoded := EncodeChunked(payload)
	r := bufio.NewReader(bytes.NewReader(encoded))
	decoded, err := DecodeChunked(r)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestRedirectLocationParsed(t *testing.T) {
	raw := "HTTP/1.1 301 Moved Permanently\r\nLocation: http://other/target\r\nContent-Length: 0\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	head, err := ParseResponseHead(r)
	require.NoError(t, err)
	require.Equal(t, StatusOK, ClassifyStatus(head.Code))
	require.Equal(t, "http://other/target", head.Location)
}

func TestClassifyStatus(t *testing.T) {
	require.Equal(t, StatusUnauthorized401, ClassifyStatus(401))
	require.Equal(t, StatusForbidden403, ClassifyStatus(403))
	require.Equal(t, StatusNotFound404, ClassifyStatus(404))
	require.Equal(t, StatusOK, ClassifyStatus(206))
	require.Equal(t, StatusOtherError, ClassifyStatus(500))
}

type fakeTransport struct {
	responses []struct {
		head ResponseHead
		body []byte
	}
	calls int
}

func (f *fakeTransport) Do(req Request) (ResponseHead, *bufio.Reader, error) {
	resp := f.responses[f.calls]
	f.calls++
	return resp.head, bufio.NewReader(bytes.NewReader(resp.body)), nil
}

func TestBlockDeviceCachesCapacity(t *testing.T) {
	tr := &fakeTransport{responses: []struct {
		head ResponseHead
		body []byte
	}{
		{head: ResponseHead{Code: 200, HasLength: true, ContentLength: 4096}},
	}}
	dev := &BlockDevice{Transport: tr, Cache: NewCapacityCache(), Host: "h", Path: "/img"}

	n1, err := dev.ReadCapacity()
	require.NoError(t, err)
	require.EqualValues(t, 8, n1) // 4096 / 512

	n2, err := dev.ReadCapacity()
	require.NoError(t, err)
	require.Equal(t, n1, n2)
	require.Equal(t, 1, tr.calls, "second ReadCapacity must hit the cache, not re-issue a HEAD")
}

func TestBlockDeviceRedirectInvalidatesCache(t *testing.T) {
	tr := &fakeTransport{}
	cache := NewCapacityCache()
	cache.set("h", "/img", 4096)
	dev := &BlockDevice{Transport: tr, Cache: cache, Host: "h", Path: "/img"}

	dev.Redirect("other", 80, "/target")
	_, ok := cache.get("h", "/img")
	require.False(t, ok)
}

func TestReadBlocksFromRangedResponse(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, BlockSize*2)
	tr := &fakeTransport{responses: []struct {
		head ResponseHead
		body []byte
	}{
		{head: ResponseHead{Code: 206}, body: payload},
	}}
	dev := &BlockDevice{Transport: tr, Cache: NewCapacityCache(), Host: "h", Path: "/img"}

	buf := make([]byte, BlockSize*2)
	require.NoError(t, dev.ReadBlocks(0, 2, buf))
	require.Equal(t, payload, buf)
}
