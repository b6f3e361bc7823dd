package types

// Session is the JSON document embedded (deflated, then XOR-enciphered)
// inside a session body artifact. It carries everything needed to
// reconstruct a captured screenshot session: per-window geometry and
// image payloads, plus the metadata block mirrored into the session's
// Metadata Index.
type Session struct {
	Version   string         `json:"version"`
	CreatedAt string         `json:"created_at"`
	Windows   []SessionWindow `json:"windows"`
	Metadata  SessionMetadata `json:"metadata"`
}

// SessionWindow is one captured window within a session.
type SessionWindow struct {
	X       int      `json:"x"`
	Y       int      `json:"y"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Scale   float64  `json:"scale"`
	Image   string   `json:"image,omitempty"`   // base64, when inlined
	ImageRef string  `json:"image_ref,omitempty"` // images/<n>.png, when embedded as a zip entry
	Draw    []DrawOp `json:"draw_history,omitempty"`
}

// DrawOp is one annotation operation recorded against a window.
type DrawOp struct {
	Type   string    `json:"type"`
	Points []float64 `json:"points,omitempty"`
	Color  string    `json:"color,omitempty"`
}

// SessionMetadata is the descriptive block carried both inside the Session
// JSON and mirrored into the Metadata Index.
type SessionMetadata struct {
	Name       string   `json:"name"`
	Desc       string   `json:"desc"`
	Tags       []string `json:"tags"`
	Color      string   `json:"color"`
	Class      string   `json:"class"`
	ImageCount int      `json:"image_count"`
	CreatedAt  string   `json:"created_at"`
	FileSize   int64    `json:"file_size"`
}

// MetadataIndex is the canonical per-session index document stored under
// meta_indexes/<filename>.meta.json, both locally and remotely.
type MetadataIndex struct {
	Version     string          `json:"version"`
	Filename    string          `json:"filename"`
	Metadata    SessionMetadata `json:"metadata"`
	Checksum    string          `json:"checksum"`
	CreatedAt   string          `json:"created_at"`
	LastUpdated string          `json:"last_updated"`
}

// ManifestEntry is one session's entry inside the Overall Manifest.
type ManifestEntry struct {
	Filename  string `json:"filename"`
	CreatedAt string `json:"created_at"`
	FileSize  int64  `json:"file_size"`
	Checksum  string `json:"checksum"`
}

// OverallManifest is the canonical overall_meta.json document: the single
// authoritative listing of every published session (invariant I1).
type OverallManifest struct {
	Version       string          `json:"version"`
	LastUpdated   string          `json:"last_updated"`
	TotalSessions int             `json:"total_sessions"`
	Sessions      []ManifestEntry `json:"sessions"`
	Checksum      string          `json:"checksum"`
}

// IntegrityStatus is the nested integrity-check report carried inside
// CacheInfo and returned standalone by validate_integrity.
type IntegrityStatus struct {
	LastValidated  string   `json:"last_validated"`
	Status         string   `json:"status"` // "valid" | "corrupted"
	CorruptedFiles []string `json:"corrupted_files"`
	MissingFiles   []string `json:"missing_files,omitempty"`
	OrphanedFiles  []string `json:"orphaned_files,omitempty"`
}

// CacheInfo is the local cache_info.json document: one per local cache,
// rewritten on every sync and validation pass.
type CacheInfo struct {
	Version        string          `json:"version"`
	LastSync       string          `json:"last_sync"`
	CacheSizeBytes int64           `json:"cache_size_bytes"`
	TotalMetaFiles int             `json:"total_meta_files"`
	Integrity      IntegrityStatus `json:"integrity_check"`
}
