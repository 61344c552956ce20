package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factorial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processor_num: 8\nworker_ack_timeout: 45s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.ProcessorNum)
	require.Equal(t, 45*time.Second, cfg.WorkerAckTimeout)
	require.Equal(t, Default().CoordinatorPort, cfg.CoordinatorPort)
}
