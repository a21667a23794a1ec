package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SummaryCacheName is the summary file the external session scanner maintains
// next to the session files. This package reads it, never writes it.
const SummaryCacheName = "usage-summaries.json"

// FSLister enumerates session files in a directory. Only top-level .json files
// count; the scanner's own summary cache is excluded.
type FSLister struct {
	dir string
}

// NewFSLister returns a lister over the given session directory.
func NewFSLister(dir string) *FSLister {
	return &FSLister{dir: dir}
}

// List returns the session files with their current mtimes. A missing
// directory yields an empty listing, not an error: the host may not have
// recorded any sessions yet.
func (l *FSLister) List(_ context.Context) ([]SessionFile, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list session dir %s: %w", l.dir, err)
	}
	var files []SessionFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == SummaryCacheName || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat session file %s: %w", name, err)
		}
		files = append(files, SessionFile{
			Path:    filepath.Join(l.dir, name),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

type cachedModel struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

type cachedSummary struct {
	ModTime      time.Time              `json:"modTime"`
	Tokens       int64                  `json:"tokens"`
	Interactions int64                  `json:"interactions"`
	Models       map[string]cachedModel `json:"models"`
}

// CacheFileSource serves session stats from the scanner's summary cache file.
// A summary whose recorded mtime matches the file's current mtime is a hit.
// On a mismatch the stale summary is still returned (counted as a miss); the
// scanner refreshes the cache on its own schedule and the next cycle picks up
// the new totals.
type CacheFileSource struct {
	path string

	mu      sync.Mutex
	loaded  time.Time
	entries map[string]cachedSummary
}

// NewCacheFileSource returns a source reading the given summary cache file.
func NewCacheFileSource(path string) *CacheFileSource {
	return &CacheFileSource{path: path}
}

func (s *CacheFileSource) Lookup(_ context.Context, path string, mtime time.Time) (SessionStats, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return SessionStats{}, false, err
	}

	entry, ok := s.entries[path]
	if !ok {
		return SessionStats{}, false, nil
	}
	stats := SessionStats{
		Tokens:       entry.Tokens,
		Interactions: entry.Interactions,
		ModTime:      entry.ModTime,
		ModelUsage:   make(map[string]ModelUsage, len(entry.Models)),
	}
	for model, usage := range entry.Models {
		stats.ModelUsage[model] = ModelUsage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}
	}
	return stats, entry.ModTime.Equal(mtime), nil
}

// reloadLocked re-reads the cache file when its mtime changed since the last
// load. A missing file is treated as an empty cache.
func (s *CacheFileSource) reloadLocked() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.entries = nil
			s.loaded = time.Time{}
			return nil
		}
		return fmt.Errorf("stat summary cache %s: %w", s.path, err)
	}
	if s.entries != nil && info.ModTime().Equal(s.loaded) {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read summary cache %s: %w", s.path, err)
	}
	entries := map[string]cachedSummary{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode summary cache %s: %w", s.path, err)
	}
	s.entries = entries
	s.loaded = info.ModTime()
	return nil
}
