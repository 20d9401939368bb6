package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultSession:   "work",
		RemoteURL:        "wss://sync.example.com/v1",
		UserID:           "user-a",
		AllowMeteredSync: true,
		SyncWorkers:      5,
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.RemoteURL != "wss://sync.example.com/v1" {
		t.Errorf("RemoteURL = %q, want wss://sync.example.com/v1", loaded.RemoteURL)
	}
	if !loaded.AllowMeteredSync {
		t.Error("AllowMeteredSync = false, want true")
	}
	if loaded.SyncWorkers != 5 {
		t.Errorf("SyncWorkers = %d, want 5", loaded.SyncWorkers)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
