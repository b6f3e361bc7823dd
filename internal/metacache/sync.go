package metacache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/objectfs/objectfs/internal/asyncop"
	pkgerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

const (
	remoteIndexesPrefix = "meta_indexes/"
	remoteSessionsPrefix = "sessions/"
	remoteManifestKey    = "overall_meta.json"
)

func remoteIndexKey(filename string) string {
	return remoteIndexesPrefix + filename + ".meta.json"
}

func remoteBodyKey(filename string) string {
	return remoteSessionsPrefix + filename
}

// OrphanPolicy governs what sync does with a local index whose filename the
// remote manifest no longer lists (spec.md §4.3 step 4).
type OrphanPolicy string

const (
	OrphanKeep   OrphanPolicy = "keep"
	OrphanDelete OrphanPolicy = "delete"
	OrphanPrompt OrphanPolicy = "prompt"
)

// OrphanDecisionFunc is invoked once per orphaned filename when the policy
// is OrphanPrompt; returning true deletes it, false keeps it.
type OrphanDecisionFunc func(filename string) bool

// SyncReport summarizes one SyncWithRemote run.
type SyncReport struct {
	Fetched        []string
	Revalidated    []string
	Orphans        []string
	OrphansDeleted []string
	Rebuilt        bool
}

// SyncWithRemote runs the smart synchronization protocol (spec.md §4.3):
// fetch the remote manifest, diff filenames into to_fetch/to_revalidate/
// orphans, pull only the indexes that changed, resolve orphans per policy,
// and rewrite cache_info.json. It never downloads a body.
func (s *Store) SyncWithRemote(ctx context.Context, token asyncop.CancelToken, progress asyncop.ProgressSink, policy OrphanPolicy, decide OrphanDecisionFunc) (report *SyncReport, err error) {
	start := time.Now()
	defer func() { s.recordOperation("sync_with_remote", start, err) }()

	if s.osa == nil {
		return nil, pkgerrors.New(pkgerrors.KindNotConfigured, "no object store configured").
			WithComponent("metacache").WithOperation("SyncWithRemote")
	}

	progress.SetPhase("fetching-manifest")
	remote, err := s.fetchRemoteManifest(ctx)
	if err != nil {
		return nil, err
	}

	report = &SyncReport{}
	if remote == nil {
		progress.SetPhase("rebuilding")
		if err := s.rebuildFromRemote(ctx, token, progress); err != nil {
			return nil, err
		}
		report.Rebuilt = true
		return s.finishSync(report)
	}

	s.mu.RLock()
	localChecksums := make(map[string]string, len(s.indexes))
	for fn, idx := range s.indexes {
		localChecksums[fn] = idx.Checksum
	}
	s.mu.RUnlock()

	remoteChecksums := make(map[string]string, len(remote.Sessions))
	for _, e := range remote.Sessions {
		remoteChecksums[e.Filename] = e.Checksum
	}

	var toFetch, toRevalidate, orphans []string
	for fn, checksum := range remoteChecksums {
		if local, ok := localChecksums[fn]; !ok {
			toFetch = append(toFetch, fn)
		} else if local != checksum {
			toRevalidate = append(toRevalidate, fn)
		}
	}
	for fn := range localChecksums {
		if _, ok := remoteChecksums[fn]; !ok {
			orphans = append(orphans, fn)
		}
	}
	sort.Strings(toFetch)
	sort.Strings(toRevalidate)
	sort.Strings(orphans)

	toPull := append(append([]string{}, toFetch...), toRevalidate...)
	progress.SetPhase("fetching-indexes")
	total := int64(len(toPull))
	var done int64
	for _, fn := range toPull {
		if token.Canceled() {
			return nil, pkgerrors.New(pkgerrors.KindCancelled, "sync cancelled").
				WithComponent("metacache").WithOperation("SyncWithRemote")
		}
		idx, err := s.fetchRemoteIndex(ctx, fn, remoteChecksums[fn])
		if err != nil {
			return nil, err
		}
		if err := s.PutMetadata(ctx, idx); err != nil {
			return nil, err
		}
		done++
		progress.Update(done, total, "indexes")
	}
	report.Fetched = toFetch
	report.Revalidated = toRevalidate
	report.Orphans = orphans

	progress.SetPhase("resolving-orphans")
	for _, fn := range orphans {
		if token.Canceled() {
			return nil, pkgerrors.New(pkgerrors.KindCancelled, "sync cancelled").
				WithComponent("metacache").WithOperation("SyncWithRemote")
		}

		del := policy == OrphanDelete
		if policy == OrphanPrompt && decide != nil {
			del = decide(fn)
		}
		if !del {
			continue
		}
		if err := s.RemoveMetadata(ctx, fn); err != nil {
			return nil, err
		}
		s.bodies.Delete(fn)
		report.OrphansDeleted = append(report.OrphansDeleted, fn)
	}

	return s.finishSync(report)
}

// rebuildFromRemote implements step 1's rebuild path: the remote manifest is
// absent or fails its own checksum, so the manifest is reconstructed from a
// full listing of meta_indexes/ and uploaded fresh (no precondition, since
// there is nothing valid to race against).
func (s *Store) rebuildFromRemote(ctx context.Context, token asyncop.CancelToken, progress asyncop.ProgressSink) error {
	var filenames []string
	err := s.osa.ListObjectsPaginated(ctx, remoteIndexesPrefix, 1000, func(page []types.ObjectInfo) bool {
		for _, obj := range page {
			filename, ok := filenameFromIndexEntry(obj.Key[len(remoteIndexesPrefix):])
			if ok {
				filenames = append(filenames, filename)
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	sort.Strings(filenames)

	total := int64(len(filenames))
	var done int64
	for _, filename := range filenames {
		if token.Canceled() {
			return pkgerrors.New(pkgerrors.KindCancelled, "rebuild cancelled").
				WithComponent("metacache").WithOperation("rebuildFromRemote")
		}
		idx, err := s.fetchRemoteIndex(ctx, filename, "")
		if err != nil {
			return err
		}
		if err := s.PutMetadata(ctx, idx); err != nil {
			return err
		}
		done++
		progress.Update(done, total, "indexes")
	}

	return s.withWriterLock(ctx, func() error {
		if err := s.rewriteManifestLocked(); err != nil {
			return err
		}
		data, err := rebuildManifestBytes(s)
		if err != nil {
			return err
		}
		// Unconditional: the remote manifest is either absent or already
		// known broken, so there is nothing valid to race against.
		return s.osa.PutObject(ctx, remoteManifestKey, data)
	})
}

func rebuildManifestBytes(s *Store) ([]byte, error) {
	data, err := readFileWithinRoot(s.root, s.manifestPath)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to read freshly written manifest").
			WithComponent("metacache").WithOperation("rebuildFromRemote").WithCause(err)
	}
	return data, nil
}

func (s *Store) finishSync(report *SyncReport) (*SyncReport, error) {
	if _, err := s.ValidateIntegrity(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSync = nowRFC3339()
	s.mu.Unlock()

	if err := s.writeCacheInfo(); err != nil {
		return nil, err
	}
	return report, nil
}

// fetchRemoteManifest downloads and validates overall_meta.json. A NotFound
// or checksum-invalid manifest is reported as (nil, nil): the caller enters
// the rebuild path rather than treating either as an error.
func (s *Store) fetchRemoteManifest(ctx context.Context) (*types.OverallManifest, error) {
	data, _, err := s.osa.GetObjectWithETag(ctx, remoteManifestKey)
	if err != nil {
		var cacheErr *pkgerrors.CacheError
		if asCacheError(err, &cacheErr) && cacheErr.Kind == pkgerrors.KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	var manifest types.OverallManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, nil
	}
	if !validManifestChecksum(&manifest) {
		return nil, nil
	}
	return &manifest, nil
}

// fetchRemoteIndex downloads and validates one index. When wantChecksum is
// non-empty (the manifest's own record of this filename's checksum), the
// downloaded index must match it; this is "verify the index's own checksum"
// from spec.md §4.3 step 3, cross-checked against the manifest rather than
// self-referential (the index has no checksum field of its own to verify
// against, only the body's).
func (s *Store) fetchRemoteIndex(ctx context.Context, filename, wantChecksum string) (*types.MetadataIndex, error) {
	if !validFilename(filename) {
		return nil, pkgerrors.New(pkgerrors.KindIntegrity, "remote manifest entry has an invalid filename").
			WithComponent("metacache").WithOperation("fetchRemoteIndex").WithFilename(filename)
	}

	data, err := s.osa.GetObject(ctx, remoteIndexKey(filename), 0, 0)
	if err != nil {
		return nil, err
	}

	var idx types.MetadataIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, pkgerrors.New(pkgerrors.KindSchemaMismatch, "remote index is not valid JSON").
			WithComponent("metacache").WithOperation("fetchRemoteIndex").WithFilename(filename).WithCause(err)
	}
	if idx.Filename != "" && idx.Filename != filename {
		return nil, pkgerrors.New(pkgerrors.KindIntegrity, "remote index filename field does not match its key").
			WithComponent("metacache").WithOperation("fetchRemoteIndex").WithFilename(filename)
	}
	idx.Filename = filename
	if wantChecksum != "" && idx.Checksum != wantChecksum {
		return nil, pkgerrors.New(pkgerrors.KindIntegrity, "remote index checksum does not match manifest entry").
			WithComponent("metacache").WithOperation("fetchRemoteIndex").WithFilename(filename)
	}
	applyLegacyDefaults(&idx, filename)
	return &idx, nil
}

// deriveLegacyIndexOnce derives a Metadata Index from a legacy body file
// that has no index on disk, via the Artifact Codec (spec.md §4.3 backward
// compatibility, "Legacy body files ... trigger on-demand derivation ...
// the first time they are listed"). singleflight collapses concurrent
// derivation requests for the same filename into one.
func (s *Store) deriveLegacyIndexOnce(ctx context.Context, filename string) (*types.MetadataIndex, error) {
	v, err, _ := s.flight.Do(filename, func() (interface{}, error) {
		body, readErr := readFileWithinRoot(s.root, s.bodyPath(filename))
		if readErr != nil {
			return nil, pkgerrors.New(pkgerrors.KindNotFound, "no local body to derive an index from").
				WithComponent("metacache").WithOperation("deriveLegacyIndexOnce").WithFilename(filename).WithCause(readErr)
		}

		idx, derErr := s.codec.DeriveIndex(body, filename, time.Now())
		if derErr != nil {
			return nil, derErr
		}
		if putErr := s.PutMetadata(ctx, idx); putErr != nil {
			return nil, putErr
		}
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.MetadataIndex), nil
}
