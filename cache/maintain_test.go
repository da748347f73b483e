package cache

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/filecache/internal/index"
	"github.com/always-cache/filecache/internal/shm"
	cachekey "github.com/always-cache/filecache/pkg/cache-key"
)

type countingMetrics struct {
	mu      sync.Mutex
	lookups map[Status]int
	stores  int
	evicted map[EvictReason]int
	entries int64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{lookups: map[Status]int{}, evicted: map[EvictReason]int{}}
}

func (m *countingMetrics) Lookup(s Status) {
	m.mu.Lock()
	m.lookups[s]++
	m.mu.Unlock()
}

func (m *countingMetrics) Store(int64) {
	m.mu.Lock()
	m.stores++
	m.mu.Unlock()
}

func (m *countingMetrics) Evict(r EvictReason) {
	m.mu.Lock()
	m.evicted[r]++
	m.mu.Unlock()
}

func (m *countingMetrics) Size(entries, _ int64) {
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
}

func fileExists(t *testing.T, c *Cache, path string) bool {
	t.Helper()
	ok, err := afero.Exists(c.fs, c.path(cachekey.Sum(request(path, Policy{}).Keys...)))
	require.NoError(t, err)
	return ok
}

func TestForcedEvictionSkipsReferencedEntry(t *testing.T) {
	metrics := newCountingMetrics()
	c := openCache(t, Config{
		Fs:        afero.NewMemMapFs(),
		Path:      "/cache",
		Levels:    []int{1, 2},
		BlockSize: 1,
		MaxSize:   35_000,
		Metrics:   metrics,
	})
	warm(t, c)
	payload := strings.Repeat("x", 10_000)
	valid := Meta{Valid: time.Now().Add(time.Hour)}

	store(t, c, request("/0", Policy{}), payload, valid)
	reader, err := c.Lookup(request("/0", Policy{}))
	require.NoError(t, err)
	defer reader.Close()
	require.Equal(t, Hit, reader.Status)

	for _, p := range []string{"/1", "/2", "/3"} {
		store(t, c, request(p, Policy{}), payload, valid)
	}
	require.GreaterOrEqual(t, c.Stats().Size, int64(35_000))

	c.manage()

	stats := c.Stats()
	assert.Less(t, stats.Size, int64(35_000))
	assert.Equal(t, int64(3), stats.Entries)
	assert.True(t, fileExists(t, c, "/0"), "referenced entry is kept")
	assert.False(t, fileExists(t, c, "/1"), "least recently used entry is evicted")
	assert.True(t, fileExists(t, c, "/2"))
	assert.True(t, fileExists(t, c, "/3"))
	assert.Equal(t, 1, metrics.evicted[EvictForced])
	assert.Equal(t, 4, metrics.stores)
	assert.Equal(t, int64(3), metrics.entries)
	assert.Equal(t, payload, body(t, reader))
}

func TestIndexFullForcesEviction(t *testing.T) {
	c := openCache(t, Config{ZoneSize: shm.HeaderSize + 2*index.NodeSize})
	warm(t, c)
	require.Equal(t, int64(2), c.Stats().Capacity)
	valid := Meta{Valid: time.Now().Add(time.Hour)}

	store(t, c, request("/a", Policy{}), "a", valid)
	store(t, c, request("/b", Policy{}), "b", valid)

	e, err := c.Lookup(request("/c", Policy{}))
	require.NoError(t, err)
	assert.Equal(t, Miss, e.Status)
	require.NoError(t, e.Close())
	assert.False(t, fileExists(t, c, "/a"))
	assert.True(t, fileExists(t, c, "/b"))
	assert.Equal(t, int64(2), c.Stats().Watermark)

	b, err := c.Lookup(request("/b", Policy{}))
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, Hit, b.Status)
	d, err := c.Lookup(request("/d", Policy{}))
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, Miss, d.Status)

	_, err = c.Lookup(request("/e", Policy{}))
	assert.ErrorIs(t, err, ErrNoSpace, "every entry is in use")
}

func TestManagerExpiresInactiveEntries(t *testing.T) {
	clk := newFakeClock()
	metrics := newCountingMetrics()
	c := openCache(t, Config{Clock: clk, Inactive: time.Minute, Metrics: metrics})
	warm(t, c)
	valid := Meta{Valid: clk.Now().Add(time.Hour)}

	store(t, c, request("/old", Policy{}), "old", valid)
	clk.add(45 * time.Second)
	store(t, c, request("/new", Policy{}), "new", valid)
	clk.add(30 * time.Second)

	next := c.manage()
	assert.Equal(t, maxManagerWait, next, "the next entry expires later")
	assert.False(t, fileExists(t, c, "/old"))
	assert.True(t, fileExists(t, c, "/new"))
	assert.Equal(t, int64(1), c.Stats().Entries)
	assert.Equal(t, 1, metrics.evicted[EvictInactive])
}

func TestManagerKeepsLockedInactiveEntry(t *testing.T) {
	clk := newFakeClock()
	c := openCache(t, Config{Clock: clk, Inactive: time.Minute})
	warm(t, c)

	store(t, c, request("/busy", Policy{}), "busy", Meta{Valid: clk.Now().Add(time.Hour)})
	e, err := c.Lookup(request("/busy", Policy{}))
	require.NoError(t, err)
	defer e.Close()
	require.Equal(t, Hit, e.Status)

	clk.add(2 * time.Minute)
	c.expire(newBatch(100, time.Minute))
	assert.True(t, fileExists(t, c, "/busy"))
	assert.Equal(t, "busy", body(t, e))
}

func TestLoaderRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	first := openCache(t, Config{Path: dir, BlockSize: 1})
	warm(t, first)
	store(t, first, request("/stored", Policy{}), "stored", Meta{Valid: time.Now().Add(time.Hour)})
	require.NoError(t, first.Close())

	hex := strings.Repeat("ab", cachekey.Size)
	write := func(name string, size int, mtime time.Time) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
		return path
	}
	junk := write("junk.txt", 300, time.Now())
	tiny := write(hex, 10, time.Now())
	oldTemp := write(hex+tempSuffix+"1", 300, time.Now().Add(-time.Hour))
	newTemp := write(hex+tempSuffix+"2", 300, time.Now().Add(time.Hour))

	c := openCache(t, Config{Path: dir, BlockSize: 1})
	require.True(t, c.Stats().Cold)
	warm(t, c)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Entries)
	assert.NotZero(t, stats.Size)
	assert.False(t, stats.Loading)
	assert.NoFileExists(t, junk)
	assert.NoFileExists(t, tiny)
	assert.NoFileExists(t, oldTemp)
	assert.FileExists(t, newTemp, "a temporary file may belong to a running writer")

	// loaded entries are served at first use regardless of the popularity floor
	e, err := c.Lookup(request("/stored", Policy{MinUses: 3}))
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Hit, e.Status)
	assert.Equal(t, "stored", body(t, e))

	other, err := c.Lookup(request("/other", Policy{MinUses: 3}))
	require.NoError(t, err)
	defer other.Close()
	assert.Equal(t, Busy, other.Status)
}

func TestColdCacheServesStoredFiles(t *testing.T) {
	dir := t.TempDir()
	first := openCache(t, Config{Path: dir})
	warm(t, first)
	store(t, first, request("/stored", Policy{}), "stored", Meta{Valid: time.Now().Add(time.Hour)})
	require.NoError(t, first.Close())

	c := openCache(t, Config{Path: dir})
	require.True(t, c.Stats().Cold)
	e, err := c.Lookup(request("/stored", Policy{MinUses: 3}))
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Hit, e.Status)
	assert.NotZero(t, c.Stats().Size)

	// a second lookup does not count the file twice
	size := c.Stats().Size
	again, err := c.Lookup(request("/stored", Policy{}))
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, Hit, again.Status)
	assert.Equal(t, size, c.Stats().Size)
}

func TestStartLoadsInBackground(t *testing.T) {
	dir := t.TempDir()
	first := openCache(t, Config{Path: dir})
	warm(t, first)
	store(t, first, request("/stored", Policy{}), "stored", Meta{Valid: time.Now().Add(time.Hour)})
	require.NoError(t, first.Close())

	c := openCache(t, Config{Path: dir, LoaderDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Start(ctx)

	require.Eventually(t, func() bool { return !c.Stats().Cold }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), c.Stats().Entries)

	var infos []EntryInfo
	c.Each(func(info EntryInfo) bool {
		infos = append(infos, info)
		return true
	})
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Exists)
	assert.FileExists(t, infos[0].Path)
	require.NoError(t, c.Close())
}

func TestForcedExpireWaitsBrieflyForReferencedEntries(t *testing.T) {
	c := openCache(t, Config{BlockSize: 1, MaxSize: 1})
	warm(t, c)
	assert.Equal(t, maxManagerWait, c.forcedExpire(), "nothing to evict")

	store(t, c, request("/held", Policy{}), "held", Meta{Valid: time.Now().Add(time.Hour)})
	e, err := c.Lookup(request("/held", Policy{}))
	require.NoError(t, err)
	defer e.Close()
	require.Equal(t, Hit, e.Status)

	assert.Equal(t, forcedExpireWait, c.forcedExpire())
	assert.Equal(t, forcedExpireWait, c.manage())
	assert.True(t, fileExists(t, c, "/held"))
}

// storeFiles writes n cache files to dir.
func storeFiles(t *testing.T, dir string, n int) {
	t.Helper()
	c := openCache(t, Config{Path: dir})
	warm(t, c)
	for i := 0; i < n; i++ {
		store(t, c, request("/"+strconv.Itoa(i), Policy{}), "stored", Meta{Valid: time.Now().Add(time.Hour)})
	}
	require.NoError(t, c.Close())
}

func TestLoaderPausesBetweenBatches(t *testing.T) {
	dir := t.TempDir()
	storeFiles(t, dir, 3)

	const sleep = 50 * time.Millisecond
	c := openCache(t, Config{Path: dir, LoaderFiles: 1, LoaderSleep: sleep, LoaderThreshold: time.Hour})
	require.True(t, c.Stats().Cold)

	start := time.Now()
	require.NoError(t, c.load(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 3*sleep, "one pause per file")
	assert.Equal(t, int64(3), c.Stats().Entries)
	assert.False(t, c.Stats().Cold)
}

func TestCancelledLoadIsResumed(t *testing.T) {
	dir := t.TempDir()
	zone := filepath.Join(t.TempDir(), "zone")
	storeFiles(t, dir, 3)

	a := openCache(t, Config{Path: dir, ZonePath: zone, LoaderFiles: 1, LoaderSleep: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.load(ctx) }()
	require.Eventually(t, func() bool { return a.Stats().Entries == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	stats := a.Stats()
	assert.True(t, stats.Cold, "a cancelled load leaves the cache cold")
	assert.False(t, stats.Loading)

	b := openCache(t, Config{Path: dir, ZonePath: zone, LoaderDelay: time.Millisecond})
	bctx, bcancel := context.WithCancel(context.Background())
	defer bcancel()
	b.Start(bctx)
	require.Eventually(t, func() bool { return !a.Stats().Cold }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), a.Stats().Entries)
	require.NoError(t, b.Close())
}
