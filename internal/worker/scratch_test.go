package worker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireScratch_CleanupRemovesDir(t *testing.T) {
	root := t.TempDir()
	dir, cleanup, err := acquireScratch(root, "render-a", 3)
	if err != nil {
		t.Fatalf("acquireScratch: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("scratch dir not created: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "chunk.video"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	cleanup()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("expected scratch dir removed by cleanup")
	}
}

func TestAcquireScratch_ReacquireClearsStaleFiles(t *testing.T) {
	// A retry of the same chunk must start from an empty directory even if the
	// previous attempt's cleanup never ran.
	root := t.TempDir()
	dir, _, err := acquireScratch(root, "render-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "chunk.video")
	if err := os.WriteFile(stale, []byte("half-written"), 0644); err != nil {
		t.Fatal(err)
	}

	dir2, cleanup, err := acquireScratch(root, "render-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	if dir2 != dir {
		t.Errorf("expected the same deterministic dir, got %s and %s", dir, dir2)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected stale artifact removed on reacquire")
	}
}

func TestScratchUsage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("12345"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b"), []byte("678"), 0644); err != nil {
		t.Fatal(err)
	}
	got := scratchUsage(dir)
	want := "scratch: 2 files, 8 bytes"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
