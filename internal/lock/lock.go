// Package lock guards a session's durable store with an advisory flock.
// Exactly one daemon may own a session at a time; a second process writing
// the same SQLite file would break the single-source-of-truth contract.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError reports the pid recorded by the process that holds the lock.
type LockHeldError struct {
	PID  int
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock is an acquired session lock. Release it on shutdown; the kernel drops
// the flock anyway if the process dies, so a crash never wedges the session.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive non-blocking flock on the given lock file,
// creating parent directories as needed. Returns LockHeldError if another
// process holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		return nil, &LockHeldError{PID: ownerPID(string(data)), Path: path}
	}

	l := &Lock{file: f, path: path}
	if err := l.writeOwner(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// writeOwner records pid and acquisition time for LockHeldError diagnostics.
func (l *Lock) writeOwner() error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(l.file, "pid=%d\ntime=%s\n",
		os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// Release removes the lock file and closes it, dropping the flock. Safe to
// call on a nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func ownerPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
