// Package mediacache stores generated media on local disk so clients can
// fetch results from the gateway instead of the upstream's short-lived
// hosting URLs. Entries are content addressed and expire after a TTL.
package mediacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a cache entry is absent or already expired.
var ErrNotFound = errors.New("mediacache: not found")

// Cache is a TTL-bounded content-addressed file store.
type Cache struct {
	dir     string
	ttl     time.Duration
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	now func() time.Time
}

// Options configures a Cache.
type Options struct {
	// Dir is created if missing.
	Dir string
	// TTL bounds entry lifetime. Zero disables eviction.
	TTL time.Duration
	// BaseURL is the public prefix under which cached entries are served.
	BaseURL string
	// Client downloads upstream media. Nil uses a default with a timeout.
	Client *http.Client
	Logger *zap.Logger
}

// New creates the cache directory and returns the Cache.
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("mediacache: directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		dir:     opts.Dir,
		ttl:     opts.TTL,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  opts.Client,
		logger:  opts.Logger,
		now:     time.Now,
	}, nil
}

// Put stores data under its content hash and returns the entry name.
// Storing the same bytes twice is idempotent.
func (c *Cache) Put(data []byte, ext string) (string, error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + normalizeExt(ext)
	path := filepath.Join(c.dir, name)

	if _, err := os.Stat(path); err == nil {
		return name, nil
	}

	tmp, err := os.CreateTemp(c.dir, ".put-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return name, nil
}

// Open returns a reader over a live cache entry. Expired entries report
// ErrNotFound even before the evictor removes them.
func (c *Cache) Open(name string) (io.ReadCloser, error) {
	if !validName(name) {
		return nil, ErrNotFound
	}
	path := filepath.Join(c.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, ErrNotFound
	}
	if c.expired(info.ModTime()) {
		return nil, ErrNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrNotFound
	}
	return f, nil
}

// URL maps an entry name to its public address.
func (c *Cache) URL(name string) string {
	return c.baseURL + "/" + name
}

// EntryName inverts URL: it reports whether a public address points into
// this cache and, if so, which entry.
func (c *Cache) EntryName(publicURL string) (string, bool) {
	if c.baseURL == "" {
		return "", false
	}
	name, ok := strings.CutPrefix(publicURL, c.baseURL+"/")
	if !ok || !validName(name) {
		return "", false
	}
	return name, true
}

// Mirror downloads upstream media into the cache and returns the public
// address of the copy. The upstream URL is consulted for the file extension.
func (c *Cache) Mirror(ctx context.Context, upstreamURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 512<<20))
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}

	name, err := c.Put(data, extFromURL(upstreamURL, resp.Header.Get("Content-Type")))
	if err != nil {
		return "", err
	}
	c.logger.Debug("mirrored media",
		zap.String("entry", name),
		zap.Int("bytes", len(data)))
	return c.URL(name), nil
}

// Evict removes entries older than the TTL and reports how many were
// deleted.
func (c *Cache) Evict() (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !c.expired(info.ModTime()) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			c.logger.Warn("evict cache entry", zap.String("entry", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("evicted expired media", zap.Int("count", removed))
	}
	return removed, nil
}

func (c *Cache) expired(modTime time.Time) bool {
	return c.ttl > 0 && c.now().Sub(modTime) > c.ttl
}

// validName rejects anything that could escape the cache directory. Entry
// names are hex digests plus an extension, nothing else.
func validName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return true
}

func normalizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.ToLower(ext)
}

func extFromURL(rawURL, contentType string) string {
	base := rawURL
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	if ext := filepath.Ext(base); ext != "" && len(ext) <= 5 {
		return ext
	}
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "video/mp4"):
		return ".mp4"
	}
	return ""
}
