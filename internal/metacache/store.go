package metacache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/objectfs/objectfs/internal/codec"
	pkgerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/retry"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/objectfs/objectfs/pkg/utils"
)

const manifestVersion = "1.0"

// Store is the Meta Cache Manager: the local mirror of a remote bucket's
// session metadata (spec.md §4.3). Its public methods are the MCM contract;
// callers that need cancellation and progress reporting (SyncWithRemote,
// PublishSession, RepairCloudStructure) are meant to be invoked from inside
// an asyncop.Func.
type Store struct {
	root        string
	sessionsDir string
	indexesDir  string
	metaDir     string

	manifestPath string
	infoPath     string

	osa   types.ObjectStore // nil in local-only mode; every remote op then reports NotConfigured
	codec *codec.Codec

	bodies *BodyCache

	lock        *writerLock
	lockTimeout time.Duration

	publishRetry retry.Config // manifest CAS retry loop in PublishSession

	mu       sync.RWMutex
	indexes  map[string]*types.MetadataIndex
	order    []string // filenames, manifest order first, discovered orphans appended

	lastSync      string
	lastIntegrity types.IntegrityStatus

	flight singleflight.Group

	logger  *utils.StructuredLogger
	metrics types.MetricsCollector
}

// Options configures a Store beyond what CacheConfig carries.
type Options struct {
	Cache        types.CacheConfig
	OSA          types.ObjectStore // nil for local-only mode
	Codec        *codec.Codec
	LockTimeout  time.Duration
	PublishRetry retry.Config // zero value falls back to retry.DefaultConfig()
	Logger       *utils.StructuredLogger
	Metrics      types.MetricsCollector
}

// NewStore constructs a Store rooted at opts.Cache.RootDir, creating the
// on-disk layout if absent and loading any existing local cache into
// memory.
func NewStore(opts Options) (*Store, error) {
	root := expandRoot(opts.Cache.RootDir)
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}

	logger := opts.Logger
	if logger != nil {
		logger = logger.WithComponent("metacache")
	}

	publishRetry := opts.PublishRetry
	if publishRetry.MaxAttempts <= 0 {
		publishRetry = retry.DefaultConfig()
	}

	bodies, err := NewBodyCache(opts.Cache.MaxBodyBytes, opts.Cache.BodyCacheTTL, filepath.Join(root, metaCacheDirName, bodyCacheDirName))
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to open disk body cache").
			WithComponent("metacache").WithOperation("NewStore").WithCause(err)
	}

	s := &Store{
		root:         root,
		sessionsDir:  filepath.Join(root, sessionsDirName),
		metaDir:      filepath.Join(root, metaCacheDirName),
		indexesDir:   filepath.Join(root, metaCacheDirName, indexesDirName),
		manifestPath: filepath.Join(root, metaCacheDirName, manifestFileName),
		infoPath:     filepath.Join(root, metaCacheDirName, infoFileName),
		osa:          opts.OSA,
		codec:        opts.Codec,
		bodies:       bodies,
		lock:         newWriterLock(root),
		lockTimeout:  lockTimeout,
		publishRetry: publishRetry,
		indexes:      make(map[string]*types.MetadataIndex),
		logger:       logger,
		metrics:      opts.Metrics,
	}

	for _, dir := range []string{s.sessionsDir, s.indexesDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to create cache directory").
				WithComponent("metacache").WithOperation("NewStore").WithCause(err)
		}
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}

	return s, nil
}

// Close releases the disk body cache's background goroutines. Safe to skip
// in short-lived processes; required before the cache root is removed out
// from under a long-running one.
func (s *Store) Close() error {
	return s.bodies.Close()
}

func expandRoot(dir string) string {
	if len(dir) >= 2 && dir[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, dir[2:])
		}
	}
	return dir
}

// loadSnapshot reads every local index file and the local manifest (if any)
// into memory. A missing manifest is not an error: a fresh cache has none.
func (s *Store) loadSnapshot() error {
	var manifest types.OverallManifest
	if data, err := os.ReadFile(s.manifestPath); err == nil {
		_ = json.Unmarshal(data, &manifest) // a corrupt local manifest is caught by ValidateIntegrity, not here
	}

	entries, err := os.ReadDir(s.indexesDir)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindFatal, "failed to read meta_indexes directory").
			WithComponent("metacache").WithOperation("loadSnapshot").WithCause(err)
	}

	found := make(map[string]*types.MetadataIndex, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		filename, ok := filenameFromIndexEntry(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.indexesDir, e.Name()))
		if err != nil {
			continue // unreadable index; ValidateIntegrity will flag it as missing
		}
		var idx types.MetadataIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			continue // unparsable index; ValidateIntegrity will flag it as corrupted
		}
		applyLegacyDefaults(&idx, filename)
		found[filename] = &idx
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.indexes = found
	s.order = s.order[:0]
	seen := make(map[string]bool, len(found))
	for _, entry := range manifest.Sessions {
		if idx, ok := found[entry.Filename]; ok {
			s.order = append(s.order, entry.Filename)
			seen[entry.Filename] = true
			_ = idx
		}
	}
	var orphans []string
	for fn := range found {
		if !seen[fn] {
			orphans = append(orphans, fn)
		}
	}
	sort.Strings(orphans)
	s.order = append(s.order, orphans...)

	return nil
}

func filenameFromIndexEntry(name string) (string, bool) {
	const suffix = ".meta.json"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}

// applyLegacyDefaults fills in defaults for a pre-1.0 index file missing
// the version or metadata fields (spec.md §4.3 "Backward compatibility").
// It does not rewrite the file; that happens transparently on next write.
func applyLegacyDefaults(idx *types.MetadataIndex, filename string) {
	if idx.Filename == "" {
		idx.Filename = filename
	}
	if idx.Version == "" {
		idx.Version = "0.9"
	}
	if idx.Metadata.Tags == nil {
		idx.Metadata.Tags = []string{}
	}
}

// ListMetadata returns every cached Metadata Index in manifest order, with
// any locally-discovered orphans appended. Never touches the network: a
// legacy session body on disk with no index yet is derived locally via the
// Artifact Codec the first time it is listed (spec.md §4.3 backward
// compatibility), not fetched remotely.
func (s *Store) ListMetadata(ctx context.Context) []*types.MetadataIndex {
	s.deriveMissingLegacyIndexes(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.MetadataIndex, 0, len(s.order))
	for _, fn := range s.order {
		if idx, ok := s.indexes[fn]; ok {
			copyIdx := *idx
			out = append(out, &copyIdx)
		}
	}
	return out
}

// deriveMissingLegacyIndexes scans sessionsDir for body files that have no
// corresponding entry in s.indexes and derives one for each.
func (s *Store) deriveMissingLegacyIndexes(ctx context.Context) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.IsDir() || !validFilename(e.Name()) {
			continue
		}
		filename := e.Name()

		s.mu.RLock()
		_, known := s.indexes[filename]
		s.mu.RUnlock()
		if known {
			continue
		}

		if _, err := s.deriveLegacyIndexOnce(ctx, filename); err != nil && s.logger != nil {
			s.logger.Warn("failed to derive metadata index for legacy session body",
				map[string]interface{}{"filename": filename, "error": err.Error()})
		}
	}
}

// GetMetadata returns the cached index for filename, or a NotFound error.
func (s *Store) GetMetadata(filename string) (*types.MetadataIndex, error) {
	s.mu.RLock()
	idx, ok := s.indexes[filename]
	s.mu.RUnlock()
	if !ok {
		if s.metrics != nil {
			s.metrics.RecordCacheMiss(filename, 0)
		}
		return nil, pkgerrors.New(pkgerrors.KindNotFound, "metadata index not found").
			WithComponent("metacache").WithOperation("GetMetadata").WithFilename(filename)
	}
	if s.metrics != nil {
		s.metrics.RecordCacheHit(filename, idx.Metadata.FileSize)
	}
	copyIdx := *idx
	return &copyIdx, nil
}

// recordOperation reports op's outcome to the configured metrics collector,
// a no-op when none was configured.
func (s *Store) recordOperation(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordOperation(op, time.Since(start), 0, err == nil)
	if err != nil {
		s.metrics.RecordError(op, err)
	}
}

// GetThumbnail returns the cover-image bytes of filename's cached body, if
// the body happens to be in the on-demand BodyCache. It never triggers a
// network fetch; callers that need to guarantee a thumbnail should warm the
// body cache first.
func (s *Store) GetThumbnail(filename string) ([]byte, bool) {
	body := s.bodies.Get(filename)
	if body == nil {
		return nil, false
	}
	idx := bytes.Index(body, []byte(codec.Sentinel))
	if idx < 0 {
		return nil, false
	}
	cover := make([]byte, idx)
	copy(cover, body[:idx])
	return cover, true
}

// PutMetadata atomically writes filename's index and rewrites the manifest
// to reflect it (spec.md §4.3 put_metadata). Acquires the writer lock.
func (s *Store) PutMetadata(ctx context.Context, index *types.MetadataIndex) error {
	start := time.Now()
	if index == nil || !validFilename(index.Filename) {
		err := pkgerrors.New(pkgerrors.KindFatal, "metadata index has an invalid filename").
			WithComponent("metacache").WithOperation("PutMetadata")
		s.recordOperation("put_metadata", start, err)
		return err
	}
	err := s.withWriterLock(ctx, func() error {
		return s.putMetadataLocked(index)
	})
	s.recordOperation("put_metadata", start, err)
	return err
}

// putMetadataLocked assumes the writer lock is already held.
func (s *Store) putMetadataLocked(index *types.MetadataIndex) error {
	if index.Version == "" {
		index.Version = manifestVersion
	}

	if err := writeJSONAtomic(s.root, s.indexPath(index.Filename), index); err != nil {
		return pkgerrors.New(pkgerrors.KindFatal, "failed to write metadata index").
			WithComponent("metacache").WithOperation("PutMetadata").WithFilename(index.Filename).WithCause(err)
	}

	s.mu.Lock()
	if _, exists := s.indexes[index.Filename]; !exists {
		s.order = append(s.order, index.Filename)
	}
	copyIdx := *index
	s.indexes[index.Filename] = &copyIdx
	s.mu.Unlock()

	return s.rewriteManifestLocked()
}

// RemoveMetadata atomically deletes filename's index and manifest entry.
func (s *Store) RemoveMetadata(ctx context.Context, filename string) error {
	start := time.Now()
	err := s.withWriterLock(ctx, func() error {
		return s.removeMetadataLocked(filename)
	})
	s.recordOperation("remove_metadata", start, err)
	return err
}

func (s *Store) removeMetadataLocked(filename string) error {
	if !validFilename(filename) {
		return pkgerrors.New(pkgerrors.KindFatal, "invalid filename").
			WithComponent("metacache").WithOperation("RemoveMetadata").WithFilename(filename)
	}

	if err := os.Remove(s.indexPath(filename)); err != nil && !os.IsNotExist(err) {
		return pkgerrors.New(pkgerrors.KindFatal, "failed to remove metadata index").
			WithComponent("metacache").WithOperation("RemoveMetadata").WithFilename(filename).WithCause(err)
	}

	s.mu.Lock()
	delete(s.indexes, filename)
	for i, fn := range s.order {
		if fn == filename {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	return s.rewriteManifestLocked()
}

// Clear removes all cache content: every index file and the manifest.
func (s *Store) Clear(ctx context.Context) error {
	start := time.Now()
	err := s.withWriterLock(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		entries, err := os.ReadDir(s.indexesDir)
		if err == nil {
			for _, e := range entries {
				_ = os.Remove(filepath.Join(s.indexesDir, e.Name()))
			}
		}
		s.indexes = make(map[string]*types.MetadataIndex)
		s.order = nil

		manifest := emptyManifest()
		if err := writeJSONAtomic(s.root, s.manifestPath, manifest); err != nil {
			return pkgerrors.New(pkgerrors.KindFatal, "failed to write manifest").
				WithComponent("metacache").WithOperation("Clear").WithCause(err)
		}
		return nil
	})
	s.recordOperation("clear", start, err)
	return err
}

// Stats reports the cache's current size, entry count, last sync time, and
// most recent integrity check.
func (s *Store) Stats() types.CacheInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var size int64
	for _, idx := range s.indexes {
		size += idx.Metadata.FileSize
	}

	return types.CacheInfo{
		Version:        manifestVersion,
		LastSync:       s.lastSync,
		CacheSizeBytes: size,
		TotalMetaFiles: len(s.indexes),
		Integrity:      s.lastIntegrity,
	}
}

// withWriterLock acquires the exclusive cache_lock for the duration of fn.
// Internal *Locked methods assume it is already held and must never be
// called outside of one of these closures.
func (s *Store) withWriterLock(ctx context.Context, fn func() error) error {
	file, err := s.lock.acquire(ctx, true, s.lockTimeout)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindFatal, "failed to acquire cache writer lock").
			WithComponent("metacache").WithCause(err)
	}
	defer s.lock.release(file)
	return fn()
}

// rewriteManifestLocked recomputes and atomically writes the manifest from
// the current in-memory snapshot. Assumes the writer lock is held.
func (s *Store) rewriteManifestLocked() error {
	s.mu.RLock()
	entries := make([]types.ManifestEntry, 0, len(s.order))
	for _, fn := range s.order {
		idx, ok := s.indexes[fn]
		if !ok {
			continue
		}
		entries = append(entries, types.ManifestEntry{
			Filename:  idx.Filename,
			CreatedAt: idx.CreatedAt,
			FileSize:  idx.Metadata.FileSize,
			Checksum:  idx.Checksum,
		})
	}
	s.mu.RUnlock()

	manifest := &types.OverallManifest{
		Version:       manifestVersion,
		LastUpdated:   nowRFC3339(),
		TotalSessions: len(entries),
		Sessions:      entries,
	}
	manifest.Checksum = "sha256:" + checksumManifest(manifest)

	if err := writeJSONAtomic(s.root, s.manifestPath, manifest); err != nil {
		return pkgerrors.New(pkgerrors.KindFatal, "failed to write manifest").
			WithComponent("metacache").WithOperation("rewriteManifestLocked").WithCause(err)
	}
	return nil
}

func (s *Store) writeCacheInfo() error {
	info := s.Stats()
	if err := writeJSONAtomic(s.root, s.infoPath, info); err != nil {
		return pkgerrors.New(pkgerrors.KindFatal, "failed to write cache_info.json").
			WithComponent("metacache").WithOperation("writeCacheInfo").WithCause(err)
	}
	return nil
}

func emptyManifest() *types.OverallManifest {
	m := &types.OverallManifest{Version: manifestVersion, LastUpdated: nowRFC3339()}
	m.Checksum = "sha256:" + checksumManifest(m)
	return m
}

// checksumManifest computes the manifest's own checksum field per spec.md
// §6: sha256 over the canonical JSON form with "checksum" held empty.
func checksumManifest(m *types.OverallManifest) string {
	clean := *m
	clean.Checksum = ""
	data, _ := json.Marshal(clean) // Marshal on a concrete struct never fails
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validManifestChecksum(m *types.OverallManifest) bool {
	want := "sha256:" + checksumManifest(m)
	return m.Checksum == want
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
