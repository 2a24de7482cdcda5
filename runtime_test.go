package pxecore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pxeboot/corepipe/internal/uri"
)

func TestNewBuildsRuntimeFromDefaults(t *testing.T) {
	rt, err := New(nil)
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Log)
	require.NotNil(t, rt.Opener)
	require.NotNil(t, rt.TCP)
	require.NotNil(t, rt.SAN)
	require.NotNil(t, rt.Metrics)
	require.NotNil(t, rt.OCSP)
}

func TestChuriRoundTrips(t *testing.T) {
	rt, err := New(nil)
	require.NoError(t, err)
	defer rt.Close()

	require.Nil(t, rt.CWURI())

	u := uri.Parse("http://example.com/a/b")
	rt.Churi(u)
	require.Equal(t, u, rt.CWURI())
}

func TestResolveAgainstCWURI(t *testing.T) {
	rt, err := New(nil)
	require.NoError(t, err)
	defer rt.Close()

	rt.Churi(uri.Parse("http://example.com/pxe/pxelinux.0"))
	resolved := rt.ResolveAgainstCWURI("./../ipxe/undionly.kpxe")
	require.Equal(t, "http://example.com/ipxe/undionly.kpxe", resolved.String())

	noBase := &Runtime{}
	require.Equal(t, "http://other/x", noBase.ResolveAgainstCWURI("http://other/x").String())
}
