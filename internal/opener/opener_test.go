package opener

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pxeboot/corepipe/internal/blockio"
	"github.com/pxeboot/corepipe/internal/socket"
	"github.com/pxeboot/corepipe/internal/uri"
	"github.com/pxeboot/corepipe/internal/xfer"
)

type stubBackend struct{}

func (stubBackend) ReadCapacity(ctx context.Context) (int64, uint32, error) { return 1, 512, nil }
func (stubBackend) ReadBlocks(ctx context.Context, lba, count int64, buf []byte) error { return nil }
func (stubBackend) WriteBlocks(ctx context.Context, lba, count int64, buf []byte) error { return nil }

func TestRegistryDispatchesByScheme(t *testing.T) {
	r := &Registry{schemes: make(map[string]BlockOpenFunc)}
	r.Register("stub", func(ctx context.Context, u *uri.URI) (blockio.Backend, error) {
		return stubBackend{}, nil
	})

	b, err := r.Open(context.Background(), uri.Parse("stub://host/path"))
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestRegistryUnsupportedScheme(t *testing.T) {
	r := &Registry{schemes: make(map[string]BlockOpenFunc)}
	_, err := r.Open(context.Background(), uri.Parse("ftp://host/path"))
	require.Error(t, err)
	require.Equal(t, `opener: no opener registered for scheme "ftp"`, err.Error())
}

func TestOpenFirstReturnsFirstSuccess(t *testing.T) {
	r := &Registry{schemes: make(map[string]BlockOpenFunc)}
	r.Register("ok", func(ctx context.Context, u *uri.URI) (blockio.Backend, error) {
		return stubBackend{}, nil
	})

	uris := []*uri.URI{uri.Parse("bad://host/a"), uri.Parse("ok://host/b")}
	b, err := r.OpenFirst(context.Background(), uris)
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestNewLeavesHTTPSUnregistered(t *testing.T) {
	r := New(socket.New(), xfer.NewScheduler(16))
	_, err := r.Open(context.Background(), uri.Parse("https://host/path"))
	require.Equal(t, `opener: no opener registered for scheme "https"`, err.Error())

	_, ok := r.schemes["http"]
	require.True(t, ok)
	_, ok = r.schemes["nbd"]
	require.True(t, ok)
	_, ok = r.schemes["slam"]
	require.True(t, ok)
}

func TestHasQueryFlag(t *testing.T) {
	require.True(t, hasQueryFlag("use-opt-go", "use-opt-go"))
	require.True(t, hasQueryFlag("a=b&use-opt-go", "use-opt-go"))
	require.True(t, hasQueryFlag("use-opt-go=1", "use-opt-go"))
	require.False(t, hasQueryFlag("a=b", "use-opt-go"))
}
