package filelock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "mail-sync.lock")

	first, err := TryAcquire(path)
	require.NoError(t, err)
	require.Equal(t, path, first.Path())

	_, err = TryAcquire(path)
	require.ErrorIs(t, err, ErrAlreadyLocked)

	require.NoError(t, first.Release())

	again, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestTryAcquireRequiresPath(t *testing.T) {
	_, err := TryAcquire("")
	require.Error(t, err)
}
