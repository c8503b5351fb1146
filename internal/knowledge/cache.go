package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileCache stores answers as JSON files named by the sha256 of the query.
type FileCache struct {
	dir string
	mu  sync.Mutex
}

type entry struct {
	Query    string    `json:"query"`
	Answer   string    `json:"answer"`
	StoredAt time.Time `json:"stored_at"`
}

// NewFileCache creates a cache in dir. An empty dir disables caching.
func NewFileCache(dir string) *FileCache {
	return &FileCache{dir: dir}
}

// Key derives the cache key of a query. Queries differing only in case or
// surrounding whitespace share a key.
func Key(query string) string {
	h := sha256.New()
	_ = writeString(h, "knowledge")
	_ = writeString(h, strings.ToLower(strings.TrimSpace(query)))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached answer for query if it is younger than maxAge. A
// zero maxAge accepts any age.
func (c *FileCache) Get(query string, maxAge time.Duration) (string, bool) {
	if c.dir == "" {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path(Key(query)))
	if err != nil {
		return "", false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// invalid entries are misses
		return "", false
	}
	if maxAge > 0 && time.Since(e.StoredAt) > maxAge {
		return "", false
	}
	return e.Answer, true
}

// Put stores the answer for query.
func (c *FileCache) Put(query, answer string) error {
	if c.dir == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	data, err := json.MarshalIndent(entry{Query: query, Answer: answer, StoredAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}
	if err := os.WriteFile(c.path(Key(query)), data, 0o644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}
	return nil
}

// Clear removes the cache directory. It refuses to touch a directory that
// holds anything besides cache files.
func (c *FileCache) Clear() error {
	if c.dir == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cache directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return fmt.Errorf("cache directory contains subdirectories - refusing to delete for safety")
		}
		if filepath.Ext(e.Name()) != ".json" {
			return fmt.Errorf("cache directory contains non-cache files - refusing to delete for safety")
		}
	}
	return os.RemoveAll(c.dir)
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func writeString(w io.Writer, s string) error {
	// NUL delimiter keeps adjacent fields from colliding
	_, err := w.Write([]byte(s + "\x00"))
	return err
}

// Cached serves repeated queries from a FileCache.
type Cached struct {
	next   Retriever
	cache  *FileCache
	maxAge time.Duration
	logger *slog.Logger
}

// NewCached wraps next. Answers older than maxAge are fetched again; zero
// keeps answers forever.
func NewCached(next Retriever, cache *FileCache, maxAge time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: cache, maxAge: maxAge, logger: logger}
}

func (c *Cached) Retrieve(ctx context.Context, query string) (string, error) {
	if answer, ok := c.cache.Get(query, c.maxAge); ok {
		c.logger.Debug("knowledge cache hit", "query", query)
		return answer, nil
	}
	answer, err := c.next.Retrieve(ctx, query)
	if err != nil {
		return "", err
	}
	if err := c.cache.Put(query, answer); err != nil {
		c.logger.Warn("caching knowledge answer failed", "error", err)
	}
	return answer, nil
}
