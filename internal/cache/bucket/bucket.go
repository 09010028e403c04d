// Package bucket persists fixed-size byte ranges of proxied media to disk.
// Each bucket is a data file plus a metadata sidecar; a bucket without its
// sidecar is invisible to readers. Writers stream to a temp file and rename
// on completion so partial downloads never become visible.
package bucket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/watchtogether/server/internal/cache"
)

const (
	metaSuffix   = ".meta"
	tmpSuffix    = ".tmp"
	staleTmpAge  = time.Hour
	activeWindow = 5 * time.Minute
)

type Config struct {
	Dir                  string
	BucketSize           int64
	MaxCacheSize         int64
	TTL                  time.Duration
	MinDiskFree          int64
	MaxCacheableFileSize int64
}

type Meta struct {
	BucketStart int64  `json:"bucket_start"`
	BucketEnd   int64  `json:"bucket_end"`
	ContentType string `json:"content_type"`
	CachedAt    int64  `json:"cached_at"`
}

type Cache struct {
	cfg    Config
	active *cache.ActiveTracker
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	return &Cache{
		cfg:    cfg,
		active: cache.NewActiveTracker(activeWindow),
		logger: logger,
	}, nil
}

// BucketIndex maps a byte position to its bucket number.
func (c *Cache) BucketIndex(position int64) int64 {
	return position / c.cfg.BucketSize
}

func (c *Cache) key(url string, bucketIndex int64) string {
	return fmt.Sprintf("bucket_%s_%d", cache.URLHash(url), bucketIndex)
}

func (c *Cache) path(url string, bucketIndex int64) string {
	return filepath.Join(c.cfg.Dir, c.key(url, bucketIndex))
}

// MarkActive records that the asset behind url was just served, extending
// its TTL in the next sweep.
func (c *Cache) MarkActive(url string) {
	c.active.Mark(cache.URLHash(url))
}

// Reader serves a cached bucket from a requested offset.
type Reader struct {
	*os.File
	ContentType string
	// BucketEnd is the absolute offset one past the last byte the reader
	// can serve, for synthesizing Content-Range headers.
	BucketEnd int64
}

// Open returns a reader positioned at offset within the bucket covering it.
// It reports false when the bucket is absent, has no sidecar, or does not
// actually contain the offset.
func (c *Cache) Open(url string, offset int64) (*Reader, bool) {
	dataPath := c.path(url, c.BucketIndex(offset))

	meta, err := c.readMeta(dataPath + metaSuffix)
	if err != nil {
		return nil, false
	}
	if offset < meta.BucketStart || offset >= meta.BucketEnd {
		return nil, false
	}

	f, err := os.Open(dataPath)
	if err != nil {
		return nil, false
	}
	if _, err := f.Seek(offset-meta.BucketStart, 0); err != nil {
		f.Close()
		return nil, false
	}

	now := time.Now()
	os.Chtimes(dataPath, now, now)
	c.MarkActive(url)

	return &Reader{File: f, ContentType: meta.ContentType, BucketEnd: meta.BucketEnd}, true
}

func (c *Cache) readMeta(metaPath string) (Meta, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return Meta{}, err
	}

	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, fmt.Errorf("failed to unmarshal bucket meta: %w", err)
	}

	return meta, nil
}

// Admit reports whether a response of contentLength bytes may be cached:
// enough disk headroom, total size under cap, length under the per-file
// ceiling. An unknown length (0) passes the length check.
func (c *Cache) Admit(contentLength int64) bool {
	free, err := diskFree(c.cfg.Dir)
	if err != nil || free < c.cfg.MinDiskFree {
		return false
	}
	if c.CurrentSize() >= c.cfg.MaxCacheSize {
		return false
	}
	if contentLength > c.cfg.MaxCacheableFileSize {
		return false
	}

	return true
}

// CurrentSize sums the data files in the cache dir, ignoring sidecars and
// in-progress temp files.
func (c *Cache) CurrentSize() int64 {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return 0
	}

	var total int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, tmpSuffix) || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
		}
	}

	return total
}

// Writer streams upstream bytes into a temp file. Commit makes the bucket
// visible atomically; Abort discards it.
type Writer struct {
	cache       *Cache
	f           *os.File
	tmpPath     string
	finalPath   string
	rangeStart  int64
	contentType string
	written     int64
}

func (c *Cache) NewWriter(url string, rangeStart int64, contentType string) (*Writer, error) {
	finalPath := c.path(url, c.BucketIndex(rangeStart))
	tmpPath := fmt.Sprintf("%s.%d%s", finalPath, time.Now().UnixNano(), tmpSuffix)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp bucket file: %w", err)
	}

	return &Writer{
		cache:       c,
		f:           f,
		tmpPath:     tmpPath,
		finalPath:   finalPath,
		rangeStart:  rangeStart,
		contentType: contentType,
	}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *Writer) Commit() error {
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("failed to close temp bucket file: %w", err)
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("failed to finalize bucket file: %w", err)
	}

	meta := Meta{
		BucketStart: w.rangeStart,
		BucketEnd:   w.rangeStart + w.written,
		ContentType: w.contentType,
		CachedAt:    time.Now().Unix(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket meta: %w", err)
	}
	if err := os.WriteFile(w.finalPath+metaSuffix, raw, 0o644); err != nil {
		// data file without sidecar is treated as invalid by readers
		os.Remove(w.finalPath)
		return fmt.Errorf("failed to write bucket meta: %w", err)
	}

	return nil
}

func (w *Writer) Abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}

// Sweep enforces TTL and the size cap. Buckets of actively watched assets
// get a doubled TTL. If the cache still exceeds the cap, the oldest buckets
// by modification time are deleted until under cap. Sidecars follow their
// data files.
func (c *Cache) Sweep() {
	c.active.Sweep()

	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		c.logger.Warn("failed to read cache dir", "err", err)
		return
	}

	now := time.Now()

	type fileInfo struct {
		path  string
		size  int64
		mtime time.Time
	}
	var kept []fileInfo
	var total int64

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, metaSuffix) {
			continue
		}

		path := filepath.Join(c.cfg.Dir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if strings.HasSuffix(name, tmpSuffix) {
			if now.Sub(info.ModTime()) > staleTmpAge {
				os.Remove(path)
			}
			continue
		}

		ttl := c.cfg.TTL
		if hash := hashFromName(name); hash != "" && c.active.IsActive(hash) {
			ttl *= 2
		}

		if now.Sub(info.ModTime()) > ttl {
			c.removeBucket(path)
			continue
		}

		kept = append(kept, fileInfo{path: path, size: info.Size(), mtime: info.ModTime()})
		total += info.Size()
	}

	if total <= c.cfg.MaxCacheSize {
		return
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].mtime.Before(kept[j].mtime) })

	toFree := total - c.cfg.MaxCacheSize
	var freed int64
	for _, fi := range kept {
		if freed >= toFree {
			break
		}
		c.removeBucket(fi.path)
		freed += fi.size
	}
	c.logger.Info("cache sweep freed space", "bytes", freed)
}

func (c *Cache) removeBucket(path string) {
	if err := os.Remove(path); err != nil {
		return
	}
	os.Remove(path + metaSuffix)
}

// hashFromName extracts the URL hash from a bucket_<hash>_<n> or
// seg_<hash>_<pos> filename.
func hashFromName(name string) string {
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return ""
	}

	return parts[1]
}

func diskFree(dir string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}

	return int64(st.Bavail) * int64(st.Bsize), nil
}
