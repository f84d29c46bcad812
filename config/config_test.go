package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ntpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
peers:
  - name: time.example.com
  - name: pool.example.com
    pool: true
    max_peers: 4
`), 0o644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.MinIntersectionSurvivors)
	require.EqualValues(t, 16, cfg.LocalStratum)
	require.Len(t, cfg.Peers, 2)
	require.True(t, cfg.Peers[1].Pool)
	require.Equal(t, 4, cfg.Peers[1].MaxPeers)
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := ReadConfig("/nonexistent/path.yaml")
	require.Error(t, err)
}

func TestPanicThresholdSecondsDefaultsInfinite(t *testing.T) {
	forward, backward := PanicThresholdSeconds(ThresholdConfig{}, 999)
	require.EqualValues(t, 999, forward)
	require.EqualValues(t, 999, backward)
}
