package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireWritesPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", ".checksums.lock")
	l, err := TryAcquire(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })
	assert.Equal(t, path, l.Path())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(b)))
}

func TestTryAcquireHeld(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.lock")
	first, err := TryAcquire(path)
	require.NoError(t, err)

	_, err = TryAcquire(path)
	assert.ErrorIs(t, err, ErrHeld)

	_, err = Acquire(path, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := Acquire(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestTryAcquireEmptyPath(t *testing.T) {
	_, err := TryAcquire("")
	assert.Error(t, err)
}
