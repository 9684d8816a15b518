package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "nonexistent.yaml"))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Music.LibraryRoot, cfg.Music.LibraryRoot)
	assert.Equal(t, 256, cfg.Bus.MailboxSize)
}

func TestEnvOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("CANTINA_MUSIC_LIBRARY_ROOT", "/mnt/music")
	t.Setenv("CANTINA_DJ_CROSSFADE_SEC", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/mnt/music", cfg.Music.LibraryRoot)
	assert.Equal(t, 8, cfg.DJ.CrossfadeSec)
}

func TestLoadWithoutFileMatchesDefaultConfigExactly(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "nonexistent.yaml"))
	cfg, err := Load()
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("loaded config diverged from defaults with no overrides present (-want +got):\n%s", diff)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("music:\n  library_root: /data/tunes\n"), 0o644))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/data/tunes", cfg.Music.LibraryRoot)
}
