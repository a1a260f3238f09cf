package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "netlocd.pid")
	p := New(path)

	require.NoError(t, p.Create())
	pid, err := p.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, p.Remove())
}

func TestCreateRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netlocd.pid")
	// pid 1 is always alive
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))

	err := New(path).Create()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running with PID 1")
}

func TestCreateReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netlocd.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	p := New(path)
	require.NoError(t, p.Create())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))
}

func TestRemoveLeavesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netlocd.pid")
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))

	assert.Error(t, New(path).Remove())
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestSignalNotRunning(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "missing.pid"))
	assert.ErrorIs(t, p.Signal(0), ErrNotRunning)
}
