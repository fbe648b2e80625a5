// Package cache stores fetched page text on disk so repeated runs against
// the same sources do not refetch them. Entries are keyed by sha256(url) and
// kept as a small meta file plus the extracted text body. No eviction policy
// beyond age-based purge.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is the metadata written next to each cached body.
type Entry struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	SavedAt     time.Time `json:"saved_at"`
}

// PageCache is a directory of <key>.meta.json / <key>.body pairs. A nil
// *PageCache is valid and caches nothing, so callers can wire it
// unconditionally.
type PageCache struct {
	Dir string
	// MaxAge bounds entry freshness on Load. Zero means entries never
	// expire.
	MaxAge time.Duration
}

func (c *PageCache) enabled() bool {
	return c != nil && strings.TrimSpace(c.Dir) != ""
}

func (c *PageCache) ensureDir() error {
	if !c.enabled() {
		return errors.New("cache dir not configured")
	}
	return os.MkdirAll(c.Dir, 0o755)
}

func (c *PageCache) key(url string) string {
	h := sha256.Sum256([]byte(url))
	return hex.EncodeToString(h[:])
}

func (c *PageCache) metaPath(key string) string { return filepath.Join(c.Dir, key+".meta.json") }
func (c *PageCache) bodyPath(key string) string { return filepath.Join(c.Dir, key+".body") }

// Load returns the cached text for url, or ok=false when absent, stale, or
// the cache is disabled.
func (c *PageCache) Load(_ context.Context, url string) (string, bool) {
	if !c.enabled() {
		return "", false
	}
	key := c.key(url)
	raw, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return "", false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false
	}
	if c.MaxAge > 0 && time.Now().UTC().Sub(e.SavedAt) > c.MaxAge {
		return "", false
	}
	body, err := os.ReadFile(c.bodyPath(key))
	if err != nil {
		return "", false
	}
	return string(body), true
}

// Save stores text for url. Meta is written through a temp file so a partial
// write never yields a readable entry.
func (c *PageCache) Save(_ context.Context, url, contentType, text string) error {
	if !c.enabled() {
		return nil
	}
	if err := c.ensureDir(); err != nil {
		return err
	}
	key := c.key(url)
	if err := os.WriteFile(c.bodyPath(key), []byte(text), 0o644); err != nil {
		return err
	}
	meta := Entry{URL: url, ContentType: contentType, SavedAt: time.Now().UTC()}
	raw, err := json.Marshal(&meta)
	if err != nil {
		return err
	}
	tmp := c.metaPath(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.metaPath(key))
}

// ClearDir removes the directory and all contents, recreating it so the
// location stays usable.
func ClearDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("empty dir")
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// PurgeByAge removes entries whose SavedAt is older than maxAge and returns
// how many were deleted. Malformed entries are skipped, not deleted.
func PurgeByAge(dir string, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".meta.json") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil
		}
		if now.Sub(e.SavedAt) <= maxAge {
			return nil
		}
		removed++
		_ = os.Remove(path)
		_ = os.Remove(strings.TrimSuffix(path, ".meta.json") + ".body")
		return nil
	})
	return removed, err
}
