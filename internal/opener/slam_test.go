package opener

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pxeboot/corepipe/internal/uri"
)

func TestQueryValue(t *testing.T) {
	require.Equal(t, "239.1.2.3", queryValue("group=239.1.2.3", "group"))
	require.Equal(t, "239.1.2.3", queryValue("a=b&group=239.1.2.3&c=d", "group"))
	require.Equal(t, "", queryValue("a=b", "group"))
	require.Equal(t, "", queryValue("", "group"))
}

func TestSLAMOpenReturnsLazyBackendWithoutDialling(t *testing.T) {
	o := NewSLAMOpener(nil, nil, nil)
	u := uri.Parse("slam://203.0.113.5:9000?group=239.9.9.9")
	backend, err := o.Open(context.Background(), u)
	require.NoError(t, err)

	sb, ok := backend.(*slamBackend)
	require.True(t, ok)
	require.Equal(t, "203.0.113.5", sb.host)
	require.EqualValues(t, 9000, sb.port)
	require.Equal(t, "239.9.9.9", sb.group.String())
}

func TestSLAMOpenDefaultsGroupAndPort(t *testing.T) {
	o := NewSLAMOpener(nil, nil, nil)
	u := uri.Parse("slam://203.0.113.5")
	backend, err := o.Open(context.Background(), u)
	require.NoError(t, err)

	sb := backend.(*slamBackend)
	require.EqualValues(t, defaultSLAMPort, sb.port)
	require.Equal(t, defaultSLAMGroup.String(), sb.group.String())
}
