package pxecore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpecConstants(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.SLAM.MaxRetries)
	require.Equal(t, 4, cfg.SLAM.MaxBlocksPerNack)
	require.Equal(t, time.Second, cfg.SLAM.SlaveTimeout.Std())
	require.Equal(t, "239.255.1.1:10000", cfg.SLAM.MulticastGroup)
	require.Equal(t, 2*time.Second, cfg.TCP.MSL.Std())
	require.Equal(t, 5*time.Minute, cfg.OCSP.Margin.Std())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pxeboot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[slam]
multicast_group = "239.1.2.3:9999"
max_retries = 7

[ocsp]
margin = "1m"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "239.1.2.3:9999", cfg.SLAM.MulticastGroup)
	require.Equal(t, 7, cfg.SLAM.MaxRetries)
	require.Equal(t, time.Minute, cfg.OCSP.Margin.Std())
	// Untouched defaults survive the partial decode.
	require.Equal(t, 4, cfg.SLAM.MaxBlocksPerNack)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pxeboot.toml")
	require.NoError(t, os.WriteFile(path, []byte("bogus_key = 1\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
