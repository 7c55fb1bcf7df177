package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "invocations.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", "task_invocation").Scan(&name)
	require.NoError(t, err, "task_invocation table missing")

	// Bootstrapping twice is harmless.
	require.NoError(t, BootstrapSQLite(context.Background(), db))
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "invocations.db")

	tests := []struct {
		name    string
		fsType  string
		detErr  error
		wantErr string
	}{
		{name: "local ext4 magic", fsType: "0xef53"},
		{name: "local apfs", fsType: "apfs"},
		{name: "nfs", fsType: "nfs", wantErr: "network filesystem"},
		{name: "smbfs uppercase", fsType: "SMBFS", wantErr: "state.path"},
		{name: "unsupported platform passes", detErr: errDetectUnsupported},
		{name: "detection failure", detErr: errors.New("statfs failed"), wantErr: "detect filesystem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inspected string
			err := checkLocalFilesystem(dbPath, func(path string) (string, error) {
				inspected = path
				return tt.fsType, tt.detErr
			})
			assert.Equal(t, root, inspected, "detector must inspect the nearest existing ancestor")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}
