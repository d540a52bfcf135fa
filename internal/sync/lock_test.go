package sync

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireLockAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migasfree.pid")

	lock, err := AcquireLock("migasfree", path)
	if err != nil {
		t.Fatalf("AcquireLock() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Lock file was not written: %v", err)
	}
	if pid, _ := strconv.Atoi(string(data)); pid != os.Getpid() {
		t.Errorf("Lock file holds pid %s, want %d", data, os.Getpid())
	}

	lock.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Lock file survived Release")
	}
}

func TestAcquireLockHeldByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migasfree.pid")
	// this test process is alive
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := AcquireLock("migasfree", path)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("Got %v, want *LockedError", err)
	}
	if locked.PID != os.Getpid() {
		t.Errorf("LockedError PID = %d, want %d", locked.PID, os.Getpid())
	}
}

func TestAcquireLockOverwritesStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migasfree.pid")
	// a pid far beyond pid_max on any test host
	if err := os.WriteFile(path, []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock("migasfree", path)
	if err != nil {
		t.Fatalf("Stale lock was not taken over: %v", err)
	}
	defer lock.Release()

	data, _ := os.ReadFile(path)
	if pid, _ := strconv.Atoi(string(data)); pid != os.Getpid() {
		t.Errorf("Lock file holds pid %s, want current pid", data)
	}
}

func TestAcquireLockGarbageContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migasfree.pid")
	if err := os.WriteFile(path, []byte("not a pid"), 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock("migasfree", path)
	if err != nil {
		t.Fatalf("Unreadable lock was not taken over: %v", err)
	}
	lock.Release()
}
