package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuels/bulletinboard-dht/internal/config"
)

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.BindFlags(flags)
	return flags
}

func TestLoadWithNoFileOrFlagsUsesDefaults(t *testing.T) {
	cfg, err := config.Load(newFlagSet(), "")
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhtnode.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen-addr: 127.0.0.1:7777\nalpha: 7\n"), 0o600))

	cfg, err := config.Load(newFlagSet(), path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.ListenAddr)
	assert.Equal(t, int64(7), cfg.Alpha)
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhtnode.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen-addr: 127.0.0.1:7777\n"), 0o600))

	flags := newFlagSet()
	require.NoError(t, flags.Set("listen-addr", "127.0.0.1:8888"))

	cfg, err := config.Load(flags, path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8888", cfg.ListenAddr)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")
	cfg, err := config.Load(newFlagSet(), path)
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), cfg)
}
