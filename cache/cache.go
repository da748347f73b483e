// Package cache stores HTTP responses in files and indexes them in a
// memory segment shared by every process that opens the same zone.
//
// A request looks up its key with Lookup and receives an Entry whose Status
// tells it what to do: serve the stored response (Hit, Stale), serve a
// cached failure (Negative), fetch and store the response (Miss, or Stale
// when the entry can be populated), or fetch without storing (Busy). At most
// one request regenerates a key at a time; others wait (Retry, Wait), serve
// the stale response or bypass the cache.
//
// Entries must always be closed. Start runs the loader, which rebuilds the
// index from the files after a restart, and the manager, which removes
// inactive entries and keeps the cache within its limits.
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"github.com/always-cache/filecache/internal/index"
	"github.com/always-cache/filecache/internal/shm"
	cachekey "github.com/always-cache/filecache/pkg/cache-key"
)

var (
	// ErrNoSpace is returned by Lookup when the index is full even after
	// forced eviction.
	ErrNoSpace = shm.ErrNoSpace
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: closed")
	// ErrNotPopulating is returned when populating an entry that the request may not populate.
	ErrNotPopulating = errors.New("cache: entry cannot be populated")
	// ErrHeaderTooLong is returned by Populate when the response head does not fit the read buffer.
	ErrHeaderTooLong = errors.New("cache: response header too long")
	// ErrNoPath is returned by Open without Config.Path.
	ErrNoPath = errors.New("cache: no path configured")
)

type Cache struct {
	cfg     Config
	log     zerolog.Logger
	fs      afero.Fs
	seg     *shm.Segment
	index   *index.Index
	bsize   int64
	maxSize int64 // blocks
	headers *expirable.LRU[string, storedHeader]
	metrics Metrics
	clock   Clock

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers *conc.WaitGroup
	closed  atomic.Bool
}

// Open opens the cache described by cfg. It does not start the background
// maintainer; see Start.
func Open(cfg Config) (*Cache, error) {
	cfg.setDefaults()
	if cfg.Path == "" {
		return nil, ErrNoPath
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("cache", cfg.Path).Logger()

	if err := cfg.Fs.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, err
	}

	seg, err := shm.Open(cfg.ZonePath, cfg.ZoneSize, index.NodeSize)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:     cfg,
		log:     logger,
		fs:      cfg.Fs,
		seg:     seg,
		index:   index.New(seg),
		bsize:   cfg.BlockSize,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
	if c.bsize <= 0 {
		c.bsize = blockSize(cfg.Path)
	}
	c.maxSize = cfg.MaxSize / c.bsize
	if cfg.MaxSize <= 0 {
		c.maxSize = 1<<63 - 1
	}
	if cfg.HeaderCacheEntries > 0 {
		c.headers = expirable.NewLRU[string, storedHeader](cfg.HeaderCacheEntries, nil, cfg.HeaderCacheValid)
	}

	stats := c.Stats()
	c.log.Info().
		Bool("fresh", seg.Fresh()).
		Bool("cold", stats.Cold).
		Int64("entries", stats.Entries).
		Int64("capacity", stats.Capacity).
		Int64("bsize", c.bsize).
		Msg("Cache opened")
	return c, nil
}

// Start runs the loader and the manager until ctx is done or the cache is closed.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers != nil || c.closed.Load() {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.workers = conc.NewWaitGroup()
	c.workers.Go(func() { c.runLoader(ctx) })
	c.workers.Go(func() { c.runManager(ctx) })
}

// Close stops the background maintainer and unmaps the index.
// All entries must be closed before.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.workers.Wait()
	}
	c.mu.Unlock()
	return c.seg.Close()
}

// Stats is a snapshot of the shared index.
type Stats struct {
	Entries   int64
	Capacity  int64
	Size      int64 // bytes
	MaxSize   int64 // bytes, 0 if unlimited
	Watermark int64
	Cold      bool
	Loading   bool
}

func (c *Cache) Stats() Stats {
	c.index.Lock()
	defer c.index.Unlock()
	return Stats{
		Entries:   c.index.Count(),
		Capacity:  c.index.Capacity(),
		Size:      c.index.Size() * c.bsize,
		MaxSize:   c.cfg.MaxSize,
		Watermark: c.index.Watermark(),
		Cold:      c.index.Cold(),
		Loading:   c.index.Loading(),
	}
}

// Each calls fn with a summary of every entry, most recently used first.
func (c *Cache) Each(fn func(EntryInfo) bool) {
	c.index.Lock()
	defer c.index.Unlock()
	c.index.Each(func(n index.Node) bool {
		return fn(EntryInfo{
			Key:      n.Key(),
			Path:     c.path(n.Key()),
			Uses:     n.Uses(),
			Count:    n.Count(),
			Exists:   n.Exists(),
			Updating: n.Updating(),
			Error:    n.Error(),
			Expire:   n.Expire(),
			Size:     n.FsSize() * c.bsize,
		})
	})
}

// EntryInfo describes one index entry.
type EntryInfo struct {
	Key      cachekey.Key
	Path     string
	Uses     uint32
	Count    uint32
	Exists   bool
	Updating bool
	Error    int
	Expire   int64
	Size     int64
}

func (c *Cache) reportSize() {
	c.index.Lock()
	count, size := c.index.Count(), c.index.Size()
	c.index.Unlock()
	c.metrics.Size(count, size*c.bsize)
}
