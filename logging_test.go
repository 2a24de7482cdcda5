package pxecore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenLogsDefaultsToInfoOnStderr(t *testing.T) {
	log, err := openLogs(LogConfig{})
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestOpenLogsRejectsBadLevel(t *testing.T) {
	_, err := openLogs(LogConfig{Level: "not-a-level"})
	require.Error(t, err)
}

func TestOpenLogsRotatesToFile(t *testing.T) {
	dir := t.TempDir()
	log, err := openLogs(LogConfig{Level: "debug", File: filepath.Join(dir, "pxeboot.log")})
	require.NoError(t, err)
	log.Info("hello")
	require.NoError(t, log.Sync())
}
