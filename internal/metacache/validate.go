package metacache

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	pkgerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// ValidateIntegrity checks every on-disk index file and the local manifest
// (spec.md §4.3 validate_integrity). An index file is classified corrupted
// when it is not valid JSON or its filename field names another file; no
// checksum is recomputed for index files. The manifest is classified
// corrupted when it is not valid JSON or its own checksum does not match
// its contents. An on-disk index whose filename is not
// listed in the local manifest's session list is orphaned (I3): it has no
// manifest entry pointing at it, so it can never be surfaced through normal
// lookups and is safe to drop during recovery.
func (s *Store) ValidateIntegrity() (_ *types.IntegrityStatus, err error) {
	start := time.Now()
	defer func() { s.recordOperation("validate_integrity", start, err) }()

	entries, err := os.ReadDir(s.indexesDir)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.KindFatal, "failed to read meta_indexes directory").
			WithComponent("metacache").WithOperation("ValidateIntegrity").WithCause(err)
	}

	var corrupted, missing []string
	onDisk := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		filename, ok := filenameFromIndexEntry(e.Name())
		if !ok {
			continue
		}
		onDisk[filename] = true

		data, err := os.ReadFile(s.indexPath(filename))
		if err != nil {
			missing = append(missing, filename)
			continue
		}
		var idx types.MetadataIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			corrupted = append(corrupted, filename)
			continue
		}
		if !indexSelfConsistent(&idx, filename) {
			corrupted = append(corrupted, filename)
		}
	}

	s.mu.RLock()
	for fn := range s.indexes {
		if !onDisk[fn] {
			missing = append(missing, fn)
		}
	}
	s.mu.RUnlock()

	var orphaned []string
	manifestData, manifestErr := os.ReadFile(s.manifestPath)
	if manifestErr == nil {
		var manifest types.OverallManifest
		if err := json.Unmarshal(manifestData, &manifest); err != nil || !validManifestChecksum(&manifest) {
			corrupted = append(corrupted, manifestFileName)
		} else {
			inManifest := make(map[string]bool, len(manifest.Sessions))
			for _, e := range manifest.Sessions {
				inManifest[e.Filename] = true
			}
			for filename := range onDisk {
				if !inManifest[filename] {
					orphaned = append(orphaned, filename)
				}
			}
		}
	}

	sort.Strings(corrupted)
	sort.Strings(missing)
	sort.Strings(orphaned)

	status := "valid"
	if len(corrupted) > 0 || len(missing) > 0 {
		status = "corrupted"
	}

	report := &types.IntegrityStatus{
		LastValidated:  nowRFC3339(),
		Status:         status,
		CorruptedFiles: corrupted,
		MissingFiles:   missing,
		OrphanedFiles:  orphaned,
	}

	s.mu.Lock()
	s.lastIntegrity = *report
	s.mu.Unlock()

	return report, nil
}

// indexSelfConsistent reports whether a loaded index's filename field
// matches the file it was read from. It cannot verify the checksum against
// the body without fetching the body, which validate_integrity deliberately
// avoids (it is a local, no-network check); checksum-vs-body verification
// happens when the body is actually read (sync's revalidation, or decode).
func indexSelfConsistent(idx *types.MetadataIndex, filename string) bool {
	return idx.Filename == "" || idx.Filename == filename
}

// RecoverFromCorruption restores corrupted or missing cache entries. With
// osa given, it re-downloads indexes and the manifest from remote; without
// one, it drops the corrupted entries so the cache converges to a valid
// (if smaller) state satisfying I1-I4.
func (s *Store) RecoverFromCorruption(ctx context.Context, report *types.IntegrityStatus) (err error) {
	start := time.Now()
	defer func() { s.recordOperation("recover_from_corruption", start, err) }()

	if report == nil {
		report, err = s.ValidateIntegrity()
		if err != nil {
			return err
		}
	}

	toFix := make([]string, 0, len(report.CorruptedFiles)+len(report.MissingFiles))
	toFix = append(toFix, report.CorruptedFiles...)
	toFix = append(toFix, report.MissingFiles...)

	for _, filename := range toFix {
		if filename == manifestFileName {
			if err = s.recoverManifest(ctx); err != nil {
				return err
			}
			continue
		}
		if err = s.recoverIndex(ctx, filename); err != nil {
			return err
		}
	}

	_, err = s.ValidateIntegrity()
	return err
}

func (s *Store) recoverManifest(ctx context.Context) error {
	if s.osa == nil {
		return s.withWriterLock(ctx, s.rewriteManifestLocked)
	}

	remote, err := s.fetchRemoteManifest(ctx)
	if err != nil {
		return err
	}
	if remote == nil {
		return s.withWriterLock(ctx, s.rewriteManifestLocked)
	}

	return s.withWriterLock(ctx, func() error {
		return writeJSONAtomic(s.root, s.manifestPath, remote)
	})
}

func (s *Store) recoverIndex(ctx context.Context, filename string) error {
	if s.osa == nil {
		return s.RemoveMetadata(ctx, filename)
	}

	idx, err := s.fetchRemoteIndex(ctx, filename, "")
	if err != nil {
		var cacheErr *pkgerrors.CacheError
		if asCacheError(err, &cacheErr) && cacheErr.Kind == pkgerrors.KindNotFound {
			return s.RemoveMetadata(ctx, filename)
		}
		return err
	}
	return s.PutMetadata(ctx, idx)
}
