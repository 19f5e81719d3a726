package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/metrics"
)

// DownloadFunc fetches the audio into workDir and returns the produced file.
type DownloadFunc func(ctx context.Context, workDir string) (string, error)

// Artifact is a stored audio file. Hit is true when the caller did not
// trigger the download itself.
type Artifact struct {
	Key  string
	Path string
	Size int64
	Hit  bool
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries  int
	InFlight int
}

// AudioCache maps URLs to downloaded audio files. Entries are written once
// and never mutated; a missing file is treated as a miss.
type AudioCache struct {
	dir        string
	staleAfter time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]Artifact
	inflight map[string]time.Time
}

type Option func(*AudioCache)

// WithStaleAfter bounds how long a caller waits on another caller's
// download before fetching on its own. Zero waits indefinitely.
func WithStaleAfter(d time.Duration) Option {
	return func(c *AudioCache) { c.staleAfter = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *AudioCache) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *AudioCache) { c.metrics = m }
}

// New creates dir if needed and returns a cache rooted there.
func New(dir string, opts ...Option) (*AudioCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &AudioCache{
		dir:      dir,
		log:      slog.Default(),
		entries:  make(map[string]Artifact),
		inflight: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Key derives the cache key for url: the first 32 hex chars of its sha256.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:32]
}

// FetchOrDownload returns the cached artifact for url, calling download at
// most once across concurrent callers for the same url.
func (c *AudioCache) FetchOrDownload(ctx context.Context, url string, download DownloadFunc) (Artifact, error) {
	key := Key(url)
	if a, ok := c.lookup(key); ok {
		c.metrics.CacheLookup(true)
		c.log.Debug("audio cache hit", "key", key)
		a.Hit = true
		return a, nil
	}

	c.mu.Lock()
	started, waiting := c.inflight[key]
	c.mu.Unlock()
	if waiting && c.isStale(started) {
		c.log.Warn("audio download marker is stale, downloading directly", "key", key, "since", started)
		return c.direct(ctx, key, download)
	}

	var ran bool
	ch := c.group.DoChan(key, func() (any, error) {
		ran = true
		if a, ok := c.lookup(key); ok {
			a.Hit = true
			return a, nil
		}
		c.mark(key)
		defer c.unmark(key)
		return c.store(ctx, key, download)
	})

	// Only callers that found someone else's marker are bounded by it.
	var stale <-chan time.Time
	if waiting && c.staleAfter > 0 {
		t := time.NewTimer(max(c.staleAfter-time.Since(started), 0))
		defer t.Stop()
		stale = t.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			// The leader's context ended, not ours: try on our own.
			if !ran && ctx.Err() == nil && isContextErr(res.Err) {
				return c.direct(ctx, key, download)
			}
			return Artifact{}, res.Err
		}
		a := res.Val.(Artifact)
		if !ran {
			a.Hit = true
		}
		c.metrics.CacheLookup(a.Hit)
		return a, nil
	case <-stale:
		c.log.Warn("gave up waiting on in-flight download", "key", key, "after", c.staleAfter)
		return c.direct(ctx, key, download)
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	}
}

// Stats reports stored and in-flight entries.
func (c *AudioCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), InFlight: len(c.inflight)}
}

func (c *AudioCache) isStale(started time.Time) bool {
	return c.staleAfter > 0 && time.Since(started) > c.staleAfter
}

func (c *AudioCache) mark(key string) {
	c.mu.Lock()
	c.inflight[key] = time.Now()
	c.mu.Unlock()
}

func (c *AudioCache) unmark(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// lookup checks the in-memory index, then the directory, and drops entries
// whose file has disappeared.
func (c *AudioCache) lookup(key string) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.entries[key]; ok {
		if fi, err := os.Stat(a.Path); err == nil && fi.Mode().IsRegular() {
			return a, true
		}
		delete(c.entries, key)
	}
	for _, ext := range constants.AudioExtensions {
		p := filepath.Join(c.dir, key+"."+ext)
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		a := Artifact{Key: key, Path: p, Size: fi.Size()}
		c.entries[key] = a
		return a, true
	}
	return Artifact{}, false
}

// direct downloads outside the shared flight.
func (c *AudioCache) direct(ctx context.Context, key string, download DownloadFunc) (Artifact, error) {
	c.metrics.CacheLookup(false)
	return c.store(ctx, key, download)
}

// store runs download in a scratch directory and moves the result into place.
func (c *AudioCache) store(ctx context.Context, key string, download DownloadFunc) (Artifact, error) {
	work, err := os.MkdirTemp(c.dir, ".dl-"+key+"-")
	if err != nil {
		return Artifact{}, common.Tag(common.ErrDownload, err)
	}
	defer os.RemoveAll(work)

	start := time.Now()
	c.log.Info("audio download start", "key", key)
	src, err := download(ctx, work)
	if err != nil {
		c.log.Warn("audio download failed", "key", key, "error", err)
		return Artifact{}, common.Tag(common.ErrDownload, err)
	}

	ext := constants.NormalizeExt(filepath.Ext(src))
	if ext == "" {
		ext = constants.DefaultAudioExt
	}
	dst := filepath.Join(c.dir, key+"."+ext)
	if err := moveFile(src, dst); err != nil {
		return Artifact{}, common.Tag(common.ErrDownload, fmt.Errorf("store artifact: %w", err))
	}
	fi, err := os.Stat(dst)
	if err != nil {
		return Artifact{}, common.Tag(common.ErrDownload, err)
	}

	a := Artifact{Key: key, Path: dst, Size: fi.Size()}
	c.mu.Lock()
	c.entries[key] = a
	c.mu.Unlock()
	c.log.Info("audio download done", "key", key, "bytes", a.Size, "elapsed", time.Since(start))
	return a, nil
}

// moveFile renames src to dst, copying when they live on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
