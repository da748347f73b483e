package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	cachekey "github.com/always-cache/filecache/pkg/cache-key"
	serializer "github.com/always-cache/filecache/pkg/response-serializer"
)

// runLoader loads the zone after LoaderDelay. While the zone stays cold,
// e.g. because another process stopped loading it, the load is retried
// every LoaderDelay.
func (c *Cache) runLoader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.LoaderDelay):
		}
		if err := c.load(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error().Err(err).Msg("Cache loader failed")
		}
		if !c.Stats().Cold {
			return
		}
	}
}

// batch limits the work done between pauses.
type batch struct {
	files     int
	limit     int
	threshold time.Duration
	last      time.Time
}

func newBatch(limit int, threshold time.Duration) *batch {
	return &batch{limit: limit, threshold: threshold, last: time.Now()}
}

// next counts one file and reports whether the batch is used up.
func (b *batch) next() bool {
	b.files++
	return b.files >= b.limit || time.Since(b.last) >= b.threshold
}

func (b *batch) reset() {
	b.files = 0
	b.last = time.Now()
}

// load walks the cache directory and adds every cache file to the index.
// Only one process loads a zone; the cache is warm afterwards.
func (c *Cache) load(ctx context.Context) error {
	c.index.Lock()
	if !c.index.Cold() || c.index.Loading() {
		c.index.Unlock()
		return nil
	}
	c.index.SetLoading(true)
	c.index.Unlock()

	start := time.Now()
	b := newBatch(c.cfg.LoaderFiles, c.cfg.LoaderThreshold)
	var files int
	err := afero.Walk(c.fs, c.cfg.Path, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("Cache loader cannot access path")
			return nil
		}
		if fi.IsDir() {
			return nil
		}
		if c.loadFile(path, fi, start) {
			files++
		}
		if b.next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.LoaderSleep):
			}
			b.reset()
		}
		return nil
	})

	c.index.Lock()
	c.index.SetLoading(false)
	if err == nil {
		c.index.SetCold(false)
	}
	c.index.Unlock()
	if err != nil {
		return err
	}

	stats := c.Stats()
	c.log.Info().
		Int("files", files).
		Int64("entries", stats.Entries).
		Int64("size", stats.Size).
		Dur("elapsed", time.Since(start)).
		Msg("Cache loaded")
	c.reportSize()
	return nil
}

// loadFile adds one file to the index. Files that cannot be cache files are
// deleted; temporary files are only deleted if they are older than the
// loader.
func (c *Cache) loadFile(path string, fi os.FileInfo, start time.Time) bool {
	name := filepath.Base(path)
	if i := strings.Index(name, tempSuffix); i == 2*cachekey.Size {
		if fi.ModTime().Before(start) {
			c.log.Debug().Str("path", path).Msg("Deleting stale temporary file")
			c.removeFile(path)
		}
		return false
	}

	key, ok := cachekey.ParseHex(name)
	if !ok {
		c.log.Warn().Str("path", path).Msg("Deleting unknown file in cache directory")
		c.removeFile(path)
		return false
	}
	if fi.Size() < serializer.FixedSize {
		c.log.Warn().Str("path", path).Msg("Deleting too small cache file")
		c.removeFile(path)
		return false
	}

	now := c.clock.Now().Unix()
	c.index.Lock()
	defer c.index.Unlock()
	n, found := c.index.Lookup(key)
	if !found {
		var err error
		if n, err = c.index.Insert(key); err != nil {
			c.index.LowerWatermark()
			c.log.Warn().Err(err).Str("path", path).Msg("Cache index is full, file not loaded")
			return false
		}
		blocks := c.blocks(fi)
		n.SetUses(1)
		n.SetExists(true)
		n.SetUniq(fileUniq(fi))
		n.SetFsSize(blocks)
		c.index.AddSize(blocks)
	} else {
		c.index.MoveToFront(n)
	}
	n.SetExpire(now + int64(c.cfg.Inactive/time.Second))
	return true
}
