package metacache

import (
	"context"
	"os"
	"testing"

	"github.com/objectfs/objectfs/internal/asyncop"
	"github.com/objectfs/objectfs/pkg/types"
)

func sampleSession() *types.Session {
	return &types.Session{
		Version:   "1.0",
		CreatedAt: "2026-01-01T00:00:00Z",
		Metadata: types.SessionMetadata{
			Name: "afternoon",
			Tags: []string{"work"},
		},
	}
}

func TestPublishSession_UploadsBodyIndexAndManifest(t *testing.T) {
	osa := newFakeObjectStore()
	s, err := NewStore(testOptions(t, osa))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	idx, err := s.PublishSession(ctx, asyncop.NewCancelToken(ctx), asyncop.NewProgressSink(nil, ""), sampleSession(), "afternoon.objectfs")
	if err != nil {
		t.Fatalf("PublishSession: %v", err)
	}
	if idx.Filename != "afternoon.objectfs" {
		t.Errorf("Filename = %q, want afternoon.objectfs", idx.Filename)
	}

	if _, err := osa.GetObject(ctx, remoteBodyKey("afternoon.objectfs"), 0, 0); err != nil {
		t.Errorf("remote body not uploaded: %v", err)
	}
	if _, err := osa.GetObject(ctx, remoteIndexKey("afternoon.objectfs"), 0, 0); err != nil {
		t.Errorf("remote index not uploaded: %v", err)
	}

	manifestData, _, err := osa.GetObjectWithETag(ctx, remoteManifestKey)
	if err != nil {
		t.Fatalf("remote manifest not uploaded: %v", err)
	}
	var manifest types.OverallManifest
	if err := unmarshalForTest(manifestData, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if manifest.TotalSessions != 1 || manifest.Sessions[0].Filename != "afternoon.objectfs" {
		t.Errorf("manifest sessions = %+v, want one entry for afternoon.objectfs", manifest.Sessions)
	}

	local, err := s.GetMetadata("afternoon.objectfs")
	if err != nil {
		t.Fatalf("local GetMetadata after publish: %v", err)
	}
	if local.Checksum != idx.Checksum {
		t.Errorf("local checksum = %q, want %q", local.Checksum, idx.Checksum)
	}
}

func TestPublishSession_RollsBackOnManifestFailure(t *testing.T) {
	osa := newFakeObjectStore()
	s, err := NewStore(testOptions(t, osa))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	osa.mu.Lock()
	osa.failPut[remoteManifestKey] = errPermanentForTest
	osa.mu.Unlock()

	_, err = s.PublishSession(ctx, asyncop.NewCancelToken(ctx), asyncop.NewProgressSink(nil, ""), sampleSession(), "evening.objectfs")
	if err == nil {
		t.Fatal("PublishSession with a failing manifest put: want error, got nil")
	}

	if _, getErr := osa.GetObject(ctx, remoteBodyKey("evening.objectfs"), 0, 0); getErr == nil {
		t.Error("remote body was not rolled back after manifest failure")
	}
	if _, getErr := osa.GetObject(ctx, remoteIndexKey("evening.objectfs"), 0, 0); getErr == nil {
		t.Error("remote index was not rolled back after manifest failure")
	}
	if _, localErr := s.GetMetadata("evening.objectfs"); localErr == nil {
		t.Error("local cache was updated despite the publish failing")
	}
}

func TestPublishSession_PostCASLocalWriteFailureDoesNotRollbackRemote(t *testing.T) {
	osa := newFakeObjectStore()
	s, err := NewStore(testOptions(t, osa))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	// Make the local index directory unwritable by replacing it with a
	// plain file, so putMetadataLocked fails strictly after the manifest
	// CAS in publishManifestEntry has already committed remotely.
	if err := os.RemoveAll(s.indexesDir); err != nil {
		t.Fatalf("RemoveAll(indexesDir): %v", err)
	}
	if err := os.WriteFile(s.indexesDir, []byte("not a directory"), 0640); err != nil {
		t.Fatalf("WriteFile(indexesDir): %v", err)
	}

	_, err = s.PublishSession(ctx, asyncop.NewCancelToken(ctx), asyncop.NewProgressSink(nil, ""), sampleSession(), "afternoon.objectfs")
	if err == nil {
		t.Fatal("PublishSession: want error from the local metadata write failure")
	}

	if _, getErr := osa.GetObject(ctx, remoteBodyKey("afternoon.objectfs"), 0, 0); getErr != nil {
		t.Errorf("remote body was rolled back despite the manifest already committing: %v", getErr)
	}
	if _, getErr := osa.GetObject(ctx, remoteIndexKey("afternoon.objectfs"), 0, 0); getErr != nil {
		t.Errorf("remote index was rolled back despite the manifest already committing: %v", getErr)
	}

	manifestData, _, err := osa.GetObjectWithETag(ctx, remoteManifestKey)
	if err != nil {
		t.Fatalf("remote manifest missing after commit: %v", err)
	}
	var manifest types.OverallManifest
	if err := unmarshalForTest(manifestData, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	found := false
	for _, e := range manifest.Sessions {
		if e.Filename == "afternoon.objectfs" {
			found = true
		}
	}
	if !found {
		t.Errorf("manifest sessions = %+v, want a committed entry for afternoon.objectfs", manifest.Sessions)
	}
}

func TestPublishSession_ReplacesExistingManifestEntry(t *testing.T) {
	osa := newFakeObjectStore()
	s, err := NewStore(testOptions(t, osa))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	session := sampleSession()
	if _, err := s.PublishSession(ctx, asyncop.NewCancelToken(ctx), asyncop.NewProgressSink(nil, ""), session, "repeat.objectfs"); err != nil {
		t.Fatalf("first PublishSession: %v", err)
	}
	if _, err := s.PublishSession(ctx, asyncop.NewCancelToken(ctx), asyncop.NewProgressSink(nil, ""), session, "repeat.objectfs"); err != nil {
		t.Fatalf("second PublishSession: %v", err)
	}

	manifestData, _, err := osa.GetObjectWithETag(ctx, remoteManifestKey)
	if err != nil {
		t.Fatalf("GetObjectWithETag: %v", err)
	}
	var manifest types.OverallManifest
	if err := unmarshalForTest(manifestData, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if manifest.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1 (republish must replace, not duplicate)", manifest.TotalSessions)
	}
}
