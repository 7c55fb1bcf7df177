package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	cfg := Defaults()
	cfg.Plugins.Dirs = "/opt/tasks"

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{name: "root service field", path: "service.name", want: "dioptra-task"},
		{name: "plugin dirs", path: "plugins.dirs", want: "/opt/tasks"},
		{name: "duration renders as string", path: "plugins.task_timeout", want: "10m0s"},
		{name: "missing key", path: "service.missing", wantErr: true},
		{name: "through a scalar", path: "service.name.first", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("# runtime settings\nservice:\n  log_level: info\n"), 0o600))

	require.NoError(t, SetPath(dir, "plugins.task_timeout", "45s"))
	require.NoError(t, SetPath(path, "service.log_level", "debug"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Plugins.TaskTimeout)
	assert.Equal(t, "debug", cfg.Service.LogLevel)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# runtime settings")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSetPathRollsBackInvalidValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	original := []byte("service:\n  log_level: info\n")
	require.NoError(t, os.WriteFile(path, original, 0o644))

	err := SetPath(path, "service.log_level", "loud")
	require.ErrorContains(t, err, "validation failed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, data)

	assert.Error(t, SetPath(path, "", "x"))
}

func TestGuessTag(t *testing.T) {
	assert.Equal(t, "!!bool", guessTag("true"))
	assert.Equal(t, "!!int", guessTag("-12"))
	assert.Equal(t, "!!str", guessTag("-"))
	assert.Equal(t, "!!str", guessTag(""))
	assert.Equal(t, "!!str", guessTag("45s"))
}
