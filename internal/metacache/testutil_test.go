package metacache

import (
	"encoding/json"
	"errors"

	"github.com/objectfs/objectfs/pkg/types"
)

var errPermanentForTest = errors.New("permanent failure injected by test")

func marshalIndexForTest(idx *types.MetadataIndex) ([]byte, error) {
	return json.Marshal(idx)
}

func marshalManifestForTest(manifest *types.OverallManifest) ([]byte, error) {
	return json.Marshal(manifest)
}

func unmarshalForTest(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func sessionEntryForTest(filename, checksum string) types.ManifestEntry {
	return types.ManifestEntry{
		Filename:  filename,
		CreatedAt: "2026-01-01T00:00:00Z",
		FileSize:  1024,
		Checksum:  checksum,
	}
}
