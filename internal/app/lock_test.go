package app

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePid(t *testing.T, dir string, pid int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockName), []byte(strconv.Itoa(pid)), 0o600))
}

func TestAcquireLockFresh(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	l, err := AcquireLock(dir)
	require.NoError(t, err)

	owner, ok := readPid(filepath.Join(dir, lockName))
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), owner)

	require.NoError(t, l.Close())
	_, err = os.Stat(filepath.Join(dir, lockName))
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireLockHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	writePid(t, dir, os.Getppid())

	_, err := AcquireLock(dir)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireLockTakesOverStalePid(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	dead := cmd.Process.Pid

	dir := t.TempDir()
	writePid(t, dir, dead)

	l, err := AcquireLock(dir)
	require.NoError(t, err)
	defer l.Close()
	owner, _ := readPid(filepath.Join(dir, lockName))
	assert.Equal(t, os.Getpid(), owner)
}

func TestAcquireLockIgnoresGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lockName)
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o600))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	l, err := AcquireLock(dir)
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}

func TestCloseLeavesForeignPidFile(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir)
	require.NoError(t, err)

	writePid(t, dir, os.Getppid())
	require.NoError(t, l.Close())
	owner, ok := readPid(filepath.Join(dir, lockName))
	require.True(t, ok)
	assert.Equal(t, os.Getppid(), owner)
}

func TestAcquireLockWaitsForPidBeingWritten(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockName), nil, 0o600))

	_, err := AcquireLock(dir)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

// TestLockHelperProcess is run as a child by TestAcquireLockAcrossProcesses.
func TestLockHelperProcess(t *testing.T) {
	dir := os.Getenv("CLASSSWAP_LOCK_HELPER_DIR")
	if dir == "" {
		t.Skip("only runs as a child process")
	}
	l, err := AcquireLock(dir)
	if err != nil {
		fmt.Println("busy")
		return
	}
	fmt.Println("locked")
	time.Sleep(time.Second)
	l.Close()
}

func TestAcquireLockAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	const children = 4

	var wg sync.WaitGroup
	outputs := make([]string, children)
	for i := 0; i < children; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := exec.Command(os.Args[0], "-test.run=^TestLockHelperProcess$")
			cmd.Env = append(os.Environ(), "CLASSSWAP_LOCK_HELPER_DIR="+dir)
			out, err := cmd.Output()
			assert.NoError(t, err)
			outputs[i] = string(out)
		}(i)
	}
	wg.Wait()

	locked := 0
	for _, out := range outputs {
		locked += strings.Count(out, "locked\n")
	}
	assert.Equal(t, 1, locked, "exactly one process may hold the lock: %q", outputs)
}
