package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	World    string   `json:"world"`
	Delay    int      `json:"delay"`
	Channels []string `json:"channels"`
	Nested   struct {
		Enabled bool   `json:"enabled"`
		Address string `json:"address"`
	} `json:"nested"`
}

func TestReadConfigMergesLocal(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "otwatch.json5")

	require.NoError(t, os.WriteFile(name, []byte(`{
		// comments and trailing commas are json5
		world: "Mystian",
		delay: 3,
		nested: { address: "127.0.0.1:9051" },
	}`), 0600))
	require.NoError(t, os.WriteFile(LocalPath(name), []byte(`{
		delay: 7,
		nested: { enabled: true },
	}`), 0600))

	defaults := testConfig{World: "Antica", Channels: []string{"hunt-claims"}}
	cfg, err := ReadConfig(name, defaults)
	require.NoError(t, err)

	require.Equal(t, "Mystian", cfg.World)
	require.Equal(t, 7, cfg.Delay)
	require.Equal(t, []string{"hunt-claims"}, cfg.Channels)
	require.True(t, cfg.Nested.Enabled)
	require.Equal(t, "127.0.0.1:9051", cfg.Nested.Address)
}

func TestReadConfigNotFound(t *testing.T) {
	defaults := testConfig{World: "Antica"}
	cfg, err := ReadConfig(filepath.Join(t.TempDir(), "missing.json5"), defaults)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Equal(t, defaults, cfg)
}

func TestReadConfigInvalid(t *testing.T) {
	name := filepath.Join(t.TempDir(), "broken.json5")
	require.NoError(t, os.WriteFile(name, []byte(`{ world: `), 0600))

	_, err := ReadConfig(name, testConfig{})
	require.Error(t, err)
	require.NotErrorIs(t, err, os.ErrNotExist)
}

func TestLocalPath(t *testing.T) {
	require.Equal(t, "conf/otwatch.local.json5", LocalPath("conf/otwatch.json5"))
	require.Equal(t, "config.local", LocalPath("config"))
}
