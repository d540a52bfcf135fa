// Package sync implements the synchronization engine: the run lock, the
// error accumulator, software inventory diffing and the phase sequence
// that drives a full exchange with the server.
package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LockedError reports that another live process holds the run lock.
type LockedError struct {
	Cmd string
	PID int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("another instance of %s is running: %d", e.Cmd, e.PID)
}

// RunLock is a PID-file mutex that serializes client commands per host.
type RunLock struct {
	path string
}

// AcquireLock takes the run lock at path. A lock file whose recorded PID
// is no longer alive is considered stale and overwritten. A live holder
// yields *LockedError.
func AcquireLock(cmd, path string) (*RunLock, error) {
	if data, err := os.ReadFile(path); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && processAlive(pid) {
			return nil, &LockedError{Cmd: cmd, PID: pid}
		}
		// stale or unreadable content, take over
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	return &RunLock{path: path}, nil
}

// Release drops the lock file.
func (l *RunLock) Release() {
	_ = os.Remove(l.path)
}

// processAlive probes a PID with the null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
