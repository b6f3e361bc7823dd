package metacache

import (
	"bytes"
	"compress/gzip"
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/objectfs/pkg/types"
)

// bodyDiskSuffix and bodySumSuffix name a cached body's two on-disk files: the
// gzip-compressed artifact and its checksum, written and removed together.
const (
	bodyDiskSuffix = ".body.gz"
	bodySumSuffix  = ".sum"
)

// bodyCacheEntry is one hot-tier slot.
type bodyCacheEntry struct {
	filename string
	data     []byte
	checksum string
	cachedAt time.Time
}

// BodyCache is the on-demand session-body layer spec.md §9 describes: an LRU
// keyed by filename, size-bounded by cache.max_body_bytes. Bodies are
// immutable once published, so eviction is the only invalidation this cache
// ever needs — there is no range-invalidation or partial-overwrite case to
// handle.
//
// A session body is always read and cached whole, so unlike the teacher's
// cache.cache implementations (keyed on (key, offset, size) for byte-range
// caching of arbitrary object storage reads), BodyCache's key is just the
// filename. The in-memory hot tier is a container/list LRU in the same
// arrangement the teacher's cache.LRUCache uses; the optional disk-backed
// warm tier keeps a cached body available across a process restart, each
// entry verified against its own checksum on every disk read so a corrupted
// cache file is treated as a miss rather than returned as good data.
type BodyCache struct {
	maxBytes int64
	ttl      time.Duration
	diskDir  string // empty disables the warm tier

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	size    int64
	hits    uint64
	misses  uint64
	evicted uint64

	stopCh chan struct{}
	doneWg sync.WaitGroup
}

// NewBodyCache constructs a BodyCache bounded at maxBytes with the given TTL
// (spec.md §6 cache.max_body_bytes / cache.body_cache_ttl). diskDir enables
// the disk-backed warm tier; an empty diskDir runs memory-only.
func NewBodyCache(maxBytes int64, ttl time.Duration, diskDir string) (*BodyCache, error) {
	if diskDir != "" {
		if err := os.MkdirAll(diskDir, 0750); err != nil {
			return nil, err
		}
	}

	b := &BodyCache{
		maxBytes: maxBytes,
		ttl:      ttl,
		diskDir:  diskDir,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		stopCh:   make(chan struct{}),
	}

	if ttl > 0 {
		b.doneWg.Add(1)
		go b.cleanupExpired()
	}

	return b, nil
}

// Get returns the cached body for filename, or nil on a miss in both tiers.
// A disk-tier hit is promoted into the hot tier.
func (b *BodyCache) Get(filename string) []byte {
	if data, hit := b.getHot(filename); hit {
		return data
	}

	if b.diskDir == "" {
		b.recordMiss()
		return nil
	}

	data, checksum, ok := b.readFromDisk(filename)
	if !ok {
		b.recordMiss()
		return nil
	}
	b.insertHot(filename, data, checksum)
	b.recordHit()
	return data
}

func (b *BodyCache) getHot(filename string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.entries[filename]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*bodyCacheEntry)
	if b.ttl > 0 && time.Since(entry.cachedAt) > b.ttl {
		b.removeLocked(el)
		return nil, false
	}
	b.order.MoveToFront(el)
	b.hits++
	return entry.data, true
}

func (b *BodyCache) recordHit() {
	b.mu.Lock()
	b.hits++
	b.mu.Unlock()
}

func (b *BodyCache) recordMiss() {
	b.mu.Lock()
	b.misses++
	b.mu.Unlock()
}

// Put caches data under filename in both tiers, evicting older hot-tier
// entries if the configured capacity is exceeded.
func (b *BodyCache) Put(filename string, data []byte) {
	checksum := checksumOf(data)
	b.insertHot(filename, data, checksum)

	if b.diskDir != "" {
		_ = b.writeToDisk(filename, data, checksum)
	}
}

func (b *BodyCache) insertHot(filename string, data []byte, checksum string) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.entries[filename]; ok {
		entry := el.Value.(*bodyCacheEntry)
		b.size += int64(len(data)) - int64(len(entry.data))
		entry.data = data
		entry.checksum = checksum
		entry.cachedAt = now
		b.order.MoveToFront(el)
	} else {
		entry := &bodyCacheEntry{filename: filename, data: data, checksum: checksum, cachedAt: now}
		el := b.order.PushFront(entry)
		b.entries[filename] = el
		b.size += int64(len(data))
	}
	b.evictIfNeededLocked()
}

func (b *BodyCache) evictIfNeededLocked() {
	if b.maxBytes <= 0 {
		return
	}
	for b.size > b.maxBytes {
		back := b.order.Back()
		if back == nil {
			return
		}
		b.removeLocked(back)
		b.evicted++
	}
}

func (b *BodyCache) removeLocked(el *list.Element) {
	entry := el.Value.(*bodyCacheEntry)
	delete(b.entries, entry.filename)
	b.order.Remove(el)
	b.size -= int64(len(entry.data))
}

// Delete evicts filename's cached body from both tiers, if present.
func (b *BodyCache) Delete(filename string) {
	b.mu.Lock()
	if el, ok := b.entries[filename]; ok {
		b.removeLocked(el)
	}
	b.mu.Unlock()

	if b.diskDir == "" {
		return
	}
	path, err := b.diskPath(filename)
	if err != nil {
		return
	}
	_ = os.Remove(path)
	_ = os.Remove(path + bodySumSuffix)
}

// Stats reports the hot tier's hit/miss/eviction counters and utilization.
func (b *BodyCache) Stats() types.CacheStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := types.CacheStats{
		Hits:      b.hits,
		Misses:    b.misses,
		Evictions: b.evicted,
		Size:      b.size,
		Capacity:  b.maxBytes,
	}
	if total := b.hits + b.misses; total > 0 {
		stats.HitRate = float64(b.hits) / float64(total)
	}
	if b.maxBytes > 0 {
		stats.Utilization = float64(b.size) / float64(b.maxBytes)
	}
	return stats
}

// Close stops the expiry-sweep goroutine, if one is running. It does not
// touch the disk tier's contents.
func (b *BodyCache) Close() error {
	if b.ttl > 0 {
		close(b.stopCh)
		b.doneWg.Wait()
	}
	return nil
}

func (b *BodyCache) cleanupExpired() {
	defer b.doneWg.Done()

	interval := b.ttl / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.evictExpired()
		case <-b.stopCh:
			return
		}
	}
}

func (b *BodyCache) evictExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for el := b.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*bodyCacheEntry)
		if time.Since(entry.cachedAt) > b.ttl {
			b.removeLocked(el)
		}
		el = prev
	}
}

func (b *BodyCache) diskPath(filename string) (string, error) {
	if !validFilename(filename) {
		return "", fmt.Errorf("bodycache: invalid filename %q", filename)
	}
	return filepath.Join(b.diskDir, filename+bodyDiskSuffix), nil
}

func (b *BodyCache) writeToDisk(filename string, data []byte, checksum string) error {
	path, err := b.diskPath(filename)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0640); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.WriteFile(path+bodySumSuffix, []byte(checksum), 0640); err != nil {
		return err
	}

	b.evictDiskIfNeeded()
	return nil
}

// readFromDisk decompresses filename's cached body and verifies it against
// its stored checksum before returning it; a corrupted or partially written
// cache file is removed and reported as a miss rather than served.
func (b *BodyCache) readFromDisk(filename string) (data []byte, checksum string, ok bool) {
	path, err := b.diskPath(filename)
	if err != nil {
		return nil, "", false
	}

	compressed, err := readFileWithinRoot(b.diskDir, path)
	if err != nil {
		return nil, "", false
	}
	sum, err := readFileWithinRoot(b.diskDir, path+bodySumSuffix)
	if err != nil {
		return nil, "", false
	}

	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, "", false
	}
	defer gr.Close()
	decompressed, err := io.ReadAll(gr)
	if err != nil {
		return nil, "", false
	}

	if checksumOf(decompressed) != string(sum) {
		_ = os.Remove(path)
		_ = os.Remove(path + bodySumSuffix)
		return nil, "", false
	}
	return decompressed, string(sum), true
}

// evictDiskIfNeeded removes the oldest warm-tier files, by modification
// time, until the disk tier is back under maxBytes.
func (b *BodyCache) evictDiskIfNeeded() {
	if b.maxBytes <= 0 {
		return
	}

	entries, err := os.ReadDir(b.diskDir)
	if err != nil {
		return
	}

	type diskFile struct {
		path    string
		modTime time.Time
		size    int64
	}
	var files []diskFile
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), bodyDiskSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, diskFile{filepath.Join(b.diskDir, e.Name()), info.ModTime(), info.Size()})
		total += info.Size()
	}
	if total <= b.maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		if total <= b.maxBytes {
			return
		}
		_ = os.Remove(f.path)
		_ = os.Remove(strings.TrimSuffix(f.path, bodyDiskSuffix) + bodySumSuffix)
		total -= f.size
	}
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
