package metacache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBodyCache_PutGetMemoryOnly(t *testing.T) {
	c, err := NewBodyCache(1<<20, time.Hour, "")
	if err != nil {
		t.Fatalf("NewBodyCache: %v", err)
	}
	defer c.Close()

	c.Put("a.objectfs", []byte("hello"))
	if got := c.Get("a.objectfs"); string(got) != "hello" {
		t.Errorf("Get = %q, want hello", got)
	}
	if got := c.Get("missing.objectfs"); got != nil {
		t.Errorf("Get(missing) = %v, want nil", got)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit 1 miss", stats)
	}
}

func TestBodyCache_EvictsOverCapacity(t *testing.T) {
	c, err := NewBodyCache(10, time.Hour, "")
	if err != nil {
		t.Fatalf("NewBodyCache: %v", err)
	}
	defer c.Close()

	c.Put("a.objectfs", []byte("0123456789"))
	c.Put("b.objectfs", []byte("0123456789"))

	if got := c.Get("a.objectfs"); got != nil {
		t.Errorf("Get(a) = %v, want nil (evicted)", got)
	}
	if got := c.Get("b.objectfs"); string(got) != "0123456789" {
		t.Errorf("Get(b) = %q, want 0123456789", got)
	}
	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
}

func TestBodyCache_DiskTierSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBodyCache(1<<20, time.Hour, dir)
	if err != nil {
		t.Fatalf("NewBodyCache: %v", err)
	}
	c.Put("a.objectfs", []byte("artifact-bytes"))
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh cache instance over the same disk directory has an empty hot
	// tier but should still serve the body from the warm tier, promoting it
	// back into memory.
	c2, err := NewBodyCache(1<<20, time.Hour, dir)
	if err != nil {
		t.Fatalf("NewBodyCache: %v", err)
	}
	defer c2.Close()

	if got := c2.Get("a.objectfs"); string(got) != "artifact-bytes" {
		t.Errorf("Get(a) = %q, want artifact-bytes", got)
	}
}

func TestBodyCache_CorruptedDiskFileIsTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBodyCache(1<<20, time.Hour, dir)
	if err != nil {
		t.Fatalf("NewBodyCache: %v", err)
	}
	defer c.Close()

	c.Put("a.objectfs", []byte("artifact-bytes"))

	sumPath := filepath.Join(dir, "a.objectfs"+bodySumSuffix)
	if err := os.WriteFile(sumPath, []byte("not-the-real-checksum"), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Force a disk-tier read by constructing a fresh cache over the same dir.
	c2, err := NewBodyCache(1<<20, time.Hour, dir)
	if err != nil {
		t.Fatalf("NewBodyCache: %v", err)
	}
	defer c2.Close()

	if got := c2.Get("a.objectfs"); got != nil {
		t.Errorf("Get with corrupted checksum = %q, want nil", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.objectfs"+bodyDiskSuffix)); !os.IsNotExist(err) {
		t.Errorf("corrupted cache file should have been removed, stat err = %v", err)
	}
}
