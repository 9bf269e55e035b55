package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrAlreadyRunning means another monitor holds the state directory.
var ErrAlreadyRunning = errors.New("app: another monitor is already running")

const (
	lockName        = "classswap.pid"
	lockAttempts    = 3
	unreadableGrace = 2 * time.Second
)

// Lock is a pid file guarding the state directory. Two monitors sharing a
// state dir would double-alert and race on the session cache.
type Lock struct {
	path string
	pid  int
}

// AcquireLock claims dir for this process. The pid file is created
// exclusively; a file left behind by a process that no longer exists is
// removed and the create retried.
func AcquireLock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("app: creating state dir: %w", err)
	}
	path := filepath.Join(dir, lockName)
	pid := os.Getpid()

	for attempt := 0; attempt < lockAttempts; attempt++ {
		err := createPidFile(path, pid)
		if err == nil {
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("app: writing pid file: %w", err)
		}

		owner, ok := readPid(path)
		switch {
		case ok && owner == pid:
			return &Lock{path: path, pid: pid}, nil
		case ok:
			alive, err := process.PidExists(int32(owner))
			if err != nil {
				return nil, fmt.Errorf("app: checking pid %d: %w", owner, err)
			}
			if alive {
				return nil, fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, owner, path)
			}
		case !olderThan(path, unreadableGrace):
			// Another process created it and has not written its pid yet.
			return nil, fmt.Errorf("%w (%s is being written)", ErrAlreadyRunning, path)
		}

		// Only remove what was judged stale; a fresh owner wins the race.
		if cur, curOK := readPid(path); cur != owner || curOK != ok {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("app: removing stale pid file: %w", err)
		}
	}
	return nil, fmt.Errorf("%w (%s keeps changing owner)", ErrAlreadyRunning, path)
}

func createPidFile(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(strconv.Itoa(pid) + "\n")
	if err := f.Close(); werr == nil {
		werr = err
	}
	if werr != nil {
		os.Remove(path)
	}
	return werr
}

func olderThan(path string, d time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > d
}

// Close removes the pid file if it is still ours.
func (l *Lock) Close() error {
	if owner, ok := readPid(l.path); !ok || owner != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("app: removing pid file: %w", err)
	}
	return nil
}

func readPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
