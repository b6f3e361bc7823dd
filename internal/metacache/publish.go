package metacache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/objectfs/objectfs/internal/asyncop"
	"github.com/objectfs/objectfs/internal/codec"
	pkgerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/retry"
	"github.com/objectfs/objectfs/pkg/types"
)

// PublishSession runs the atomic publish protocol (spec.md §4.3): encode the
// session, upload body then index, then add its manifest entry under an
// if_match CAS loop, rolling back the uploaded body/index on any permanent
// failure (property P3: never a partial publish).
func (s *Store) PublishSession(ctx context.Context, token asyncop.CancelToken, progress asyncop.ProgressSink, session *types.Session, filename string) (_ *types.MetadataIndex, err error) {
	start := time.Now()
	defer func() { s.recordOperation("publish_session", start, err) }()

	if s.osa == nil {
		return nil, pkgerrors.New(pkgerrors.KindNotConfigured, "no object store configured").
			WithComponent("metacache").WithOperation("PublishSession")
	}
	if !validFilename(filename) {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "invalid filename").
			WithComponent("metacache").WithOperation("PublishSession").WithFilename(filename)
	}

	encoded, encErr := s.codec.Encode(session, filename, time.Now())
	if encErr != nil {
		return nil, encErr
	}

	var index *types.MetadataIndex
	lockErr := s.withWriterLock(ctx, func() error {
		idx, pubErr := s.publishLocked(ctx, token, progress, filename, encoded)
		index = idx
		return pubErr
	})
	if lockErr != nil {
		return nil, lockErr
	}
	return index, nil
}

// publishLocked performs steps 2-7 of the protocol. It assumes the writer
// lock is held and rolls back whichever of (body, index) it uploaded if it
// returns a non-nil error before the manifest CAS in step 4 commits. Once
// that CAS succeeds, the remote manifest points at the uploaded body and
// index, so a later failure (e.g. the local metadata write) must surface the
// error without deleting objects the manifest now depends on (property P3:
// never a partial publish).
func (s *Store) publishLocked(ctx context.Context, token asyncop.CancelToken, progress asyncop.ProgressSink, filename string, encoded *codec.EncodeResult) (_ *types.MetadataIndex, err error) {
	var bodyUploaded, indexUploaded, manifestCommitted bool
	defer func() {
		if err == nil || manifestCommitted {
			return
		}
		cleanupCtx := context.Background()
		if indexUploaded {
			_ = s.osa.DeleteObject(cleanupCtx, remoteIndexKey(filename))
		}
		if bodyUploaded {
			_ = s.osa.DeleteObject(cleanupCtx, remoteBodyKey(filename))
		}
	}()

	if token.Canceled() {
		err = pkgerrors.New(pkgerrors.KindCancelled, "publish cancelled before upload").
			WithComponent("metacache").WithOperation("PublishSession").WithFilename(filename)
		return nil, err
	}

	progress.SetPhase("uploading-body")
	if err = s.osa.PutObject(ctx, remoteBodyKey(filename), encoded.Artifact); err != nil {
		return nil, err
	}
	bodyUploaded = true

	if token.Canceled() {
		err = pkgerrors.New(pkgerrors.KindCancelled, "publish cancelled after body upload").
			WithComponent("metacache").WithOperation("PublishSession").WithFilename(filename)
		return nil, err
	}

	progress.SetPhase("uploading-index")
	var indexBytes []byte
	indexBytes, err = json.Marshal(encoded.Index)
	if err != nil {
		err = pkgerrors.New(pkgerrors.KindFatal, "failed to marshal metadata index").
			WithComponent("metacache").WithOperation("PublishSession").WithFilename(filename).WithCause(err)
		return nil, err
	}
	if err = s.osa.PutObject(ctx, remoteIndexKey(filename), indexBytes); err != nil {
		return nil, err
	}
	indexUploaded = true

	progress.SetPhase("updating-manifest")
	retryer := retry.New(s.publishRetry)
	err = retryer.DoWithContext(ctx, func(ctx context.Context) error {
		if token.Canceled() {
			return pkgerrors.New(pkgerrors.KindCancelled, "publish cancelled during manifest update").
				WithComponent("metacache").WithOperation("PublishSession").WithFilename(filename)
		}
		return s.publishManifestEntry(ctx, encoded.Index)
	})
	if err != nil {
		return nil, err
	}
	manifestCommitted = true

	if err = s.putMetadataLocked(encoded.Index); err != nil {
		return nil, err
	}

	s.bodies.Put(filename, encoded.Artifact)
	return encoded.Index, nil
}

// publishManifestEntry performs one attempt of step 4: fetch the manifest
// and its etag, splice in/replace this filename's entry, and CAS-put the
// result. A concurrent writer's successful put invalidates our etag and
// this returns the Transient PreconditionFailed error the retry loop above
// expects.
func (s *Store) publishManifestEntry(ctx context.Context, index *types.MetadataIndex) error {
	data, etag, err := s.osa.GetObjectWithETag(ctx, remoteManifestKey)

	var manifest types.OverallManifest
	ifMatch := etag
	switch {
	case err != nil:
		var cacheErr *pkgerrors.CacheError
		if !(asCacheError(err, &cacheErr) && cacheErr.Kind == pkgerrors.KindNotFound) {
			return err
		}
		manifest = types.OverallManifest{Version: manifestVersion}
		ifMatch = "" // no existing object: create-only precondition
	case json.Unmarshal(data, &manifest) != nil || !validManifestChecksum(&manifest):
		manifest = types.OverallManifest{Version: manifestVersion}
	}

	entries := make([]types.ManifestEntry, 0, len(manifest.Sessions)+1)
	replaced := false
	for _, e := range manifest.Sessions {
		if e.Filename == index.Filename {
			entries = append(entries, manifestEntryFromIndex(index))
			replaced = true
			continue
		}
		entries = append(entries, e)
	}
	if !replaced {
		entries = append(entries, manifestEntryFromIndex(index))
	}

	newManifest := &types.OverallManifest{
		Version:       manifestVersion,
		LastUpdated:   nowRFC3339(),
		TotalSessions: len(entries),
		Sessions:      entries,
	}
	newManifest.Checksum = "sha256:" + checksumManifest(newManifest)

	body, err := json.Marshal(newManifest)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindFatal, "failed to marshal manifest").
			WithComponent("metacache").WithOperation("publishManifestEntry").WithCause(err)
	}

	_, err = s.osa.PutObjectConditional(ctx, remoteManifestKey, body, ifMatch)
	return err
}

func manifestEntryFromIndex(idx *types.MetadataIndex) types.ManifestEntry {
	return types.ManifestEntry{
		Filename:  idx.Filename,
		CreatedAt: idx.CreatedAt,
		FileSize:  idx.Metadata.FileSize,
		Checksum:  idx.Checksum,
	}
}

// RepairCloudStructure reconciles the remote meta_indexes/ and sessions/
// listings against each other and rewrites overall_meta.json to match
// (spec.md §4.3 "Repair"): a body without an index gets one derived via the
// Artifact Codec and uploaded; an index without a body is dropped (no local
// copy of the body exists to re-upload in the common case).
func (s *Store) RepairCloudStructure(ctx context.Context, token asyncop.CancelToken, progress asyncop.ProgressSink) (err error) {
	start := time.Now()
	defer func() { s.recordOperation("repair_cloud_structure", start, err) }()

	if s.osa == nil {
		return pkgerrors.New(pkgerrors.KindNotConfigured, "no object store configured").
			WithComponent("metacache").WithOperation("RepairCloudStructure")
	}

	progress.SetPhase("listing-remote")
	bodyFiles, err := s.listRemoteFilenames(ctx, remoteSessionsPrefix)
	if err != nil {
		return err
	}
	indexFiles, err := s.listRemoteFilenames(ctx, remoteIndexesPrefix)
	if err != nil {
		return err
	}

	entries := make([]types.ManifestEntry, 0, len(bodyFiles))

	progress.SetPhase("deriving-missing-indexes")
	for filename := range bodyFiles {
		if token.Canceled() {
			return pkgerrors.New(pkgerrors.KindCancelled, "repair cancelled").
				WithComponent("metacache").WithOperation("RepairCloudStructure")
		}
		if !indexFiles[filename] {
			idx, err := s.rederiveRemoteIndex(ctx, filename)
			if err != nil {
				return err
			}
			entries = append(entries, manifestEntryFromIndex(idx))
			continue
		}

		idx, err := s.indexForManifestEntry(ctx, filename)
		if err != nil {
			return err
		}
		entries = append(entries, manifestEntryFromIndex(idx))
	}

	progress.SetPhase("dropping-orphan-indexes")
	for filename := range indexFiles {
		if bodyFiles[filename] {
			continue
		}
		if err := s.osa.DeleteObject(ctx, remoteIndexKey(filename)); err != nil {
			return err
		}
		if err := s.RemoveMetadata(ctx, filename); err != nil {
			return err
		}
	}

	progress.SetPhase("rewriting-manifest")
	manifest := &types.OverallManifest{
		Version:       manifestVersion,
		LastUpdated:   nowRFC3339(),
		TotalSessions: len(entries),
		Sessions:      entries,
	}
	manifest.Checksum = "sha256:" + checksumManifest(manifest)

	body, err := json.Marshal(manifest)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindFatal, "failed to marshal repaired manifest").
			WithComponent("metacache").WithOperation("RepairCloudStructure").WithCause(err)
	}
	if err := s.osa.PutObject(ctx, remoteManifestKey, body); err != nil {
		return err
	}

	return s.withWriterLock(ctx, s.rewriteManifestLocked)
}

func (s *Store) listRemoteFilenames(ctx context.Context, prefix string) (map[string]bool, error) {
	out := make(map[string]bool)
	err := s.osa.ListObjectsPaginated(ctx, prefix, 1000, func(page []types.ObjectInfo) bool {
		for _, obj := range page {
			name := obj.Key[len(prefix):]
			if prefix == remoteIndexesPrefix {
				if filename, ok := filenameFromIndexEntry(name); ok {
					out[filename] = true
				}
				continue
			}
			if validFilename(name) {
				out[name] = true
			}
		}
		return true
	})
	return out, err
}

func (s *Store) rederiveRemoteIndex(ctx context.Context, filename string) (*types.MetadataIndex, error) {
	body, err := s.osa.GetObject(ctx, remoteBodyKey(filename), 0, 0)
	if err != nil {
		return nil, err
	}
	idx, err := s.codec.DeriveIndex(body, filename, time.Now())
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(idx)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to marshal derived index").
			WithComponent("metacache").WithOperation("RepairCloudStructure").WithFilename(filename).WithCause(err)
	}
	if err := s.osa.PutObject(ctx, remoteIndexKey(filename), data); err != nil {
		return nil, err
	}
	if err := s.PutMetadata(ctx, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *Store) indexForManifestEntry(ctx context.Context, filename string) (*types.MetadataIndex, error) {
	if idx, err := s.GetMetadata(filename); err == nil {
		return idx, nil
	}
	return s.fetchRemoteIndex(ctx, filename, "")
}
