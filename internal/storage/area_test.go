package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAllocateReleaseOnce(t *testing.T) {
	area, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new area: %v", err)
	}

	lease, err := area.Allocate("job-1", "output", "mp4")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := os.WriteFile(lease.Path(), []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if area.Live() != 1 {
		t.Fatalf("expected 1 live lease, got %d", area.Live())
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(lease.Path()); !os.IsNotExist(err) {
		t.Fatalf("file should be removed, stat err=%v", err)
	}
	if area.Live() != 0 {
		t.Fatalf("expected 0 live leases, got %d", area.Live())
	}

	// Second release is a no-op, not a double removal error.
	if err := lease.Release(); err != nil {
		t.Fatalf("double release: %v", err)
	}
}

func TestReleaseMissingFile(t *testing.T) {
	area, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new area: %v", err)
	}
	lease, err := area.Allocate("job-2", "output", "mp4")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	// Engine failed before writing anything.
	if err := lease.Release(); err != nil {
		t.Fatalf("release without file: %v", err)
	}
}

func TestAdoptRequiresExistingFile(t *testing.T) {
	dir := t.TempDir()
	area, err := New(dir)
	if err != nil {
		t.Fatalf("new area: %v", err)
	}

	if _, err := area.Adopt("job-3", filepath.Join(dir, "nope.mp4")); err == nil {
		t.Fatalf("expected adopt of missing file to fail")
	}

	path := filepath.Join(dir, "input.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	lease, err := area.Adopt("job-3", path)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if _, err := area.Adopt("job-4", path); err == nil {
		t.Fatalf("expected second adopt of same path to fail")
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestSweepSkipsLeasedFiles(t *testing.T) {
	dir := t.TempDir()
	area, err := New(dir)
	if err != nil {
		t.Fatalf("new area: %v", err)
	}

	leased := filepath.Join(dir, "leased.mp4")
	orphan := filepath.Join(dir, "orphan.mp4")
	for _, p := range []string{leased, orphan} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		old := time.Now().Add(-2 * time.Hour)
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	if _, err := area.Adopt("job-5", leased); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	removed, err := area.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(leased); err != nil {
		t.Fatalf("leased file should survive sweep: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphan should be swept, stat err=%v", err)
	}
}
