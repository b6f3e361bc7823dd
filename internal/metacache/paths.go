package metacache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/objectfs/objectfs/pkg/utils"
)

const (
	sessionsDirName  = "sessions"
	metaCacheDirName = "meta_cache"
	indexesDirName   = "meta_indexes"
	bodyCacheDirName = "body_cache"
	manifestFileName = "overall_meta.json"
	infoFileName     = "cache_info.json"
)

// writeJSONAtomic marshals v and writes it to path by writing a temp file in
// the same directory and renaming over the target (I5), refusing to write
// outside root.
func writeJSONAtomic(root, path string, v interface{}) error {
	cleanPath := filepath.Clean(path)
	if err := utils.ValidatePathWithinBase(root, cleanPath); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), 0750); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := cleanPath + ".tmp"
	if err := utils.ValidatePathWithinBase(root, tmp); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, cleanPath)
}

// validFilename rejects path separators and traversal so a filename sourced
// from a remote manifest entry can never be used to escape the cache root.
func validFilename(filename string) bool {
	if filename == "" || filename == "." {
		return false
	}
	return utils.ValidatePath(filename, false) == nil && filepath.Base(filename) == filename
}

func (s *Store) indexPath(filename string) string {
	return filepath.Join(s.indexesDir, filename+".meta.json")
}

func (s *Store) bodyPath(filename string) string {
	return filepath.Join(s.sessionsDir, filename)
}

// readFileWithinRoot reads path, refusing to follow it outside root.
func readFileWithinRoot(root, path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if err := utils.ValidatePathWithinBase(root, cleanPath); err != nil {
		return nil, err
	}
	return os.ReadFile(cleanPath)
}
