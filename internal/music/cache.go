package music

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// cacheEntry is one filepath's cached duration probe, invalidated on
// size or mtime mismatch.
type cacheEntry struct {
	Duration float64 `json:"duration_seconds"`
	Size     int64   `json:"size"`
	ModTime  int64   `json:"mtime"`
}

func loadCache(path string) map[string]cacheEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]cacheEntry{}
	}
	var cache map[string]cacheEntry
	if err := json.Unmarshal(data, &cache); err != nil {
		return map[string]cacheEntry{}
	}
	return cache
}

// saveCache writes cache atomically via a temp-file-then-rename so a reader
// never observes a partially-written file.
func saveCache(path string, cache map[string]cacheEntry) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Clean(path))
}
