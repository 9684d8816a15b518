// Package music implements the Music Engine: library scan,
// playback/pause/resume/stop/next/queue/volume, ducking, crossfade, and the
// 1Hz progress clock.
package music

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cantinaos/cantinaos/internal/schemas"
)

// DurationProber determines a track's duration. Audio decoding itself is an
// out-of-scope external collaborator; this interface is the seam
// a real embedded decoder plugs into. The default prober used in tests and
// at small scale is a deterministic stub.
type DurationProber interface {
	// Probe returns the track duration, or ok=false if it cannot yet be
	// determined (caller polls per bounded wait).
	Probe(path string) (seconds float64, ok bool)
}

// Library holds the scanned track index. Single-writer (the scanner),
// many-readers; guarded by a single lock with sub-millisecond
// hold time.
type Library struct {
	mu       sync.RWMutex
	byID     map[string]schemas.Track
	order    []string
	root     string
	cacheFile string
	prober   DurationProber
	extensions map[string]bool
}

// NewLibrary constructs an empty Library rooted at root, caching durations
// to cacheFile, accepting extensions (e.g. ".mp3").
func NewLibrary(root, cacheFile string, extensions []string, prober DurationProber) *Library {
	ext := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		ext[strings.ToLower(e)] = true
	}
	return &Library{
		byID:       make(map[string]schemas.Track),
		root:       root,
		cacheFile:  cacheFile,
		prober:     prober,
		extensions: ext,
	}
}

// Tracks returns a snapshot of the current listing in scan order.
func (l *Library) Tracks() []schemas.Track {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schemas.Track, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

// Track returns the track with the given id, if present.
func (l *Library) Track(id string) (schemas.Track, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.byID[id]
	return t, ok
}

// Scan walks root for supported files, loading cached durations where
// valid (mtime/size match) and probing the rest with bounded polling
// (pollInterval up to maxWait). It returns the new listing; callers are
// responsible for publishing /music/library_updated.
func (l *Library) Scan(pollInterval time.Duration, maxWait time.Duration) ([]schemas.Track, error) {
	cache := loadCache(l.cacheFile)
	newCache := make(map[string]cacheEntry)

	var found []schemas.Track
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !l.extensions[ext] {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}

		var duration *float64
		if entry, ok := cache[path]; ok && entry.Size == info.Size() && entry.ModTime == info.ModTime().Unix() {
			d := entry.Duration
			duration = &d
		} else if secs, ok := l.probeWithBound(path, pollInterval, maxWait); ok {
			duration = &secs
		}

		if duration != nil {
			newCache[path] = cacheEntry{Duration: *duration, Size: info.Size(), ModTime: info.ModTime().Unix()}
		}

		track := schemas.Track{
			TrackID:         stableID(path),
			Title:           titleFromFilename(path),
			Artist:          "",
			DurationSeconds: duration,
			FilePath:        path,
		}
		found = append(found, track)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.byID = make(map[string]schemas.Track, len(found))
	l.order = l.order[:0]
	for _, t := range found {
		l.byID[t.TrackID] = t
		l.order = append(l.order, t.TrackID)
	}
	l.mu.Unlock()

	_ = saveCache(l.cacheFile, newCache)
	return found, nil
}

// probeWithBound polls the prober every pollInterval up to maxWait.
func (l *Library) probeWithBound(path string, pollInterval, maxWait time.Duration) (float64, bool) {
	deadline := time.Now().Add(maxWait)
	for {
		if secs, ok := l.prober.Probe(path); ok {
			return secs, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(pollInterval)
	}
}

// stableID derives a deterministic track id from its path so re-scans
// produce the same id for the same file.
func stableID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String()
}

func titleFromFilename(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
