package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Lock file exists and records our pid.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "pid=") {
		t.Errorf("lock file content = %q, want pid= line", data)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Lock file removed after release.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file still present after release")
	}
}

func TestAcquireCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "work", "LOCK")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	_ = l.Release()
}

func TestReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l1.Release(); err != nil {
		t.Fatal(err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	_ = l2.Release()
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("Release() on nil = %v, want nil", err)
	}
}

func TestLockHeldErrorMessage(t *testing.T) {
	e := &LockHeldError{PID: 42, Path: "/tmp/LOCK"}
	if !errors.As(error(e), new(*LockHeldError)) {
		t.Fatal("LockHeldError should satisfy errors.As")
	}
	if !strings.Contains(e.Error(), "42") {
		t.Errorf("error message %q should contain PID", e.Error())
	}
}
