package gitsafety

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is the sprint's advisory `.loop.lock` file: O_EXCL create, contents
// are the owning PID. A stale PID (process no longer alive) is reclaimed
// rather than left to block every future run forever.
type Lock struct {
	path string
	held bool
}

func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire creates the lock file exclusively. If a lock file already exists
// and names a live PID, it returns an error; if the PID is dead, the stale
// lock is removed and acquisition retried once.
func (l *Lock) Acquire() error {
	err := l.tryCreate()
	if err == nil {
		l.held = true
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("gitsafety: create lock file: %w", err)
	}

	ownerPID, readErr := l.readOwner()
	if readErr == nil && pidAlive(ownerPID) {
		return fmt.Errorf("gitsafety: sprint locked by live process %d (%s)", ownerPID, l.path)
	}

	// Stale (or unreadable) lock: reclaim it.
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("gitsafety: remove stale lock: %w", rmErr)
	}
	if err := l.tryCreate(); err != nil {
		return fmt.Errorf("gitsafety: create lock file after reclaiming stale lock: %w", err)
	}
	l.held = true
	return nil
}

func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

func (l *Lock) readOwner() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("gitsafety: malformed lock file: %w", err)
	}
	return pid, nil
}

// Release removes the lock file if this process holds it.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("gitsafety: remove lock file: %w", err)
	}
	return nil
}

// pidAlive reports whether pid names a live process, using signal 0 which
// performs existence/permission checks without affecting the target.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
