package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "cpupowerctl.pid")

	require.NoError(t, Write(path))
	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got)

	require.NoError(t, Remove(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpupowerctl.pid")
	// the parent is alive for the duration of the test
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600))

	err := Write(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestWriteReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpupowerctl.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o600))

	require.NoError(t, Write(path))
	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got)
}

func TestRemoveLeavesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpupowerctl.pid")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o600))

	require.NoError(t, Remove(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
