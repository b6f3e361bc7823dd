package metacache

import (
	"context"
	"testing"

	"github.com/objectfs/objectfs/internal/asyncop"
)

func TestSyncWithRemote_FetchesNewAndRevalidatesChanged(t *testing.T) {
	osa := newFakeObjectStore()
	s, err := NewStore(testOptions(t, osa))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	token := asyncop.NewCancelToken(ctx)
	progress := asyncop.NewProgressSink(nil, "")

	// Seed a local entry that the remote manifest will list with a changed
	// checksum, so it lands in to_revalidate rather than to_fetch.
	stale := sampleIndex("stale.objectfs")
	if err := s.PutMetadata(ctx, stale); err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}
	seedRemoteIndex(t, osa, "stale.objectfs", "sha256:newchecksum")
	seedRemoteIndex(t, osa, "fresh.objectfs", "sha256:freshchecksum")
	seedRemoteManifest(t, osa, []remoteEntry{
		{filename: "stale.objectfs", checksum: "sha256:newchecksum"},
		{filename: "fresh.objectfs", checksum: "sha256:freshchecksum"},
	})

	report, err := s.SyncWithRemote(ctx, token, progress, OrphanKeep, nil)
	if err != nil {
		t.Fatalf("SyncWithRemote: %v", err)
	}
	if report.Rebuilt {
		t.Error("Rebuilt = true, want false (remote manifest was valid)")
	}
	if len(report.Fetched) != 1 || report.Fetched[0] != "fresh.objectfs" {
		t.Errorf("Fetched = %v, want [fresh.objectfs]", report.Fetched)
	}
	if len(report.Revalidated) != 1 || report.Revalidated[0] != "stale.objectfs" {
		t.Errorf("Revalidated = %v, want [stale.objectfs]", report.Revalidated)
	}

	got, err := s.GetMetadata("stale.objectfs")
	if err != nil {
		t.Fatalf("GetMetadata(stale.objectfs): %v", err)
	}
	if got.Checksum != "sha256:newchecksum" {
		t.Errorf("stale.objectfs checksum = %q, want sha256:newchecksum", got.Checksum)
	}
}

func TestSyncWithRemote_OrphanPolicyDelete(t *testing.T) {
	osa := newFakeObjectStore()
	s, err := NewStore(testOptions(t, osa))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if err := s.PutMetadata(ctx, sampleIndex("orphan.objectfs")); err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}
	seedRemoteManifest(t, osa, nil) // remote manifest lists nothing

	report, err := s.SyncWithRemote(ctx, asyncop.NewCancelToken(ctx), asyncop.NewProgressSink(nil, ""), OrphanDelete, nil)
	if err != nil {
		t.Fatalf("SyncWithRemote: %v", err)
	}
	if len(report.OrphansDeleted) != 1 || report.OrphansDeleted[0] != "orphan.objectfs" {
		t.Errorf("OrphansDeleted = %v, want [orphan.objectfs]", report.OrphansDeleted)
	}
	if _, err := s.GetMetadata("orphan.objectfs"); err == nil {
		t.Error("GetMetadata(orphan.objectfs) after delete-orphan sync: want error, got nil")
	}
}

func TestSyncWithRemote_OrphanPolicyKeep(t *testing.T) {
	osa := newFakeObjectStore()
	s, err := NewStore(testOptions(t, osa))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if err := s.PutMetadata(ctx, sampleIndex("orphan.objectfs")); err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}
	seedRemoteManifest(t, osa, nil)

	if _, err := s.SyncWithRemote(ctx, asyncop.NewCancelToken(ctx), asyncop.NewProgressSink(nil, ""), OrphanKeep, nil); err != nil {
		t.Fatalf("SyncWithRemote: %v", err)
	}
	if _, err := s.GetMetadata("orphan.objectfs"); err != nil {
		t.Errorf("GetMetadata(orphan.objectfs) after keep-orphan sync: %v", err)
	}
}

func TestSyncWithRemote_RebuildsWhenManifestAbsent(t *testing.T) {
	osa := newFakeObjectStore()
	s, err := NewStore(testOptions(t, osa))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	seedRemoteIndex(t, osa, "a.objectfs", "sha256:aaa")
	seedRemoteIndex(t, osa, "b.objectfs", "sha256:bbb")
	// No overall_meta.json uploaded: SyncWithRemote must rebuild from the
	// meta_indexes/ listing.

	report, err := s.SyncWithRemote(ctx, asyncop.NewCancelToken(ctx), asyncop.NewProgressSink(nil, ""), OrphanKeep, nil)
	if err != nil {
		t.Fatalf("SyncWithRemote: %v", err)
	}
	if !report.Rebuilt {
		t.Error("Rebuilt = false, want true (no remote manifest existed)")
	}

	list := s.ListMetadata(ctx)
	if len(list) != 2 {
		t.Fatalf("ListMetadata after rebuild = %+v, want 2 entries", list)
	}

	if _, _, err := osa.GetObjectWithETag(ctx, remoteManifestKey); err != nil {
		t.Errorf("remote manifest was not uploaded during rebuild: %v", err)
	}
}

type remoteEntry struct {
	filename string
	checksum string
}

func seedRemoteIndex(t *testing.T, osa *fakeObjectStore, filename, checksum string) {
	t.Helper()
	idx := sampleIndex(filename)
	idx.Checksum = checksum
	data, err := marshalIndexForTest(idx)
	if err != nil {
		t.Fatalf("marshal index: %v", err)
	}
	if err := osa.PutObject(context.Background(), remoteIndexKey(filename), data); err != nil {
		t.Fatalf("seed remote index %s: %v", filename, err)
	}
}

func seedRemoteManifest(t *testing.T, osa *fakeObjectStore, entries []remoteEntry) {
	t.Helper()
	manifest := emptyManifest()
	for _, e := range entries {
		manifest.Sessions = append(manifest.Sessions, sessionEntryForTest(e.filename, e.checksum))
	}
	manifest.TotalSessions = len(manifest.Sessions)
	manifest.Checksum = "sha256:" + checksumManifest(manifest)

	data, err := marshalManifestForTest(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := osa.PutObject(context.Background(), remoteManifestKey, data); err != nil {
		t.Fatalf("seed remote manifest: %v", err)
	}
}
