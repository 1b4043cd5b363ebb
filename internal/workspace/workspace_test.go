package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareCreatesEmptyDirectory(t *testing.T) {
	root := t.TempDir()
	manager, err := New(filepath.Join(root, "work"))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	dir, err := manager.Prepare("dep-1")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory at %s: %v", dir, err)
	}

	// Preparing the same identifier again wipes leftovers.
	stale := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}
	if _, err := manager.Prepare("dep-1"); err != nil {
		t.Fatalf("second Prepare returned error: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file should be removed, got %v", err)
	}
}

func TestPrepareRequiresIdentifier(t *testing.T) {
	manager, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := manager.Prepare(""); err == nil {
		t.Fatalf("empty identifier should be rejected")
	}
}

func TestCleanupRefusesPathsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	manager, err := New(filepath.Join(root, "work"))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	outside := t.TempDir()
	if err := manager.Cleanup(outside); err == nil {
		t.Fatalf("cleanup outside the root should be refused")
	}
	if err := manager.Cleanup(filepath.Join(root, "work")); err == nil {
		t.Fatalf("cleanup of the root itself should be refused")
	}

	dir, err := manager.Prepare("dep-1")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if err := manager.Cleanup(dir); err != nil {
		t.Fatalf("Cleanup returned error: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed, got %v", err)
	}
}
