package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigTree(t *testing.T) (dir, root string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conf.d"), 0o755))
	root = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(root, []byte("include:\n  - conf.d/plugins.yaml\nstate:\n  path: ./inv.db\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conf.d", "plugins.yaml"), []byte("plugins:\n  dirs: /opt/tasks\n"), 0o644))
	return dir, root
}

func TestFilesFollowsIncludes(t *testing.T) {
	dir, root := writeConfigTree(t)

	files, err := Files(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "conf.d", "plugins.yaml"), root}, files)
}

func TestLockThenVerify(t *testing.T) {
	dir, root := writeConfigTree(t)

	reports, err := Lock(root, true)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.False(t, r.Written)
	}
	_, err = os.Stat(filepath.Join(dir, ChecksumsFilename))
	assert.True(t, os.IsNotExist(err), "dry run must not write")

	files, err := Files(root)
	require.NoError(t, err)

	result := VerifyIntegrity(files, false)
	assert.True(t, result.Passed)
	assert.Len(t, result.Warnings, 2)

	result = VerifyIntegrity(files, true)
	assert.False(t, result.Passed)
	assert.Len(t, result.Errors, 2)

	reports, err = Lock(root, false)
	require.NoError(t, err)
	for _, r := range reports {
		assert.True(t, r.Written)
	}

	result = VerifyIntegrity(files, true)
	assert.True(t, result.Passed, "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "/opt/tasks", cfg.Plugins.Dirs)
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	dir, root := writeConfigTree(t)
	_, err := Lock(root, false)
	require.NoError(t, err)

	include := filepath.Join(dir, "conf.d", "plugins.yaml")
	require.NoError(t, os.WriteFile(include, []byte("plugins:\n  dirs: /tmp/evil\n"), 0o644))

	files, err := Files(root)
	require.NoError(t, err)
	result := VerifyIntegrity(files, false)
	assert.False(t, result.Passed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "hash mismatch")

	_, err = Load(root)
	assert.ErrorContains(t, err, "config verification failed")
}

func TestVerifyIntegrityUnlistedFile(t *testing.T) {
	dir, root := writeConfigTree(t)
	_, err := GenerateChecksumsWithReport(dir, []string{"other.yaml"}, false)
	require.NoError(t, err)

	result := VerifyIntegrity([]string{root}, false)
	assert.False(t, result.Passed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "not in")
}
