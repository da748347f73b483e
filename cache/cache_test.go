package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	cachekey "github.com/always-cache/filecache/pkg/cache-key"
	serializer "github.com/always-cache/filecache/pkg/response-serializer"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// openCache opens a cache in a temporary directory. The cache is warm
// unless cfg.Path is already populated by the test.
func openCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = t.TempDir()
	}
	if cfg.Logger == nil {
		l := zerolog.Nop()
		cfg.Logger = &l
	}
	c, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func warm(t *testing.T, c *Cache) {
	t.Helper()
	require.NoError(t, c.load(context.Background()))
	require.False(t, c.Stats().Cold)
}

func request(path string, p Policy) Request {
	return Request{
		Keys:   []string{"GET:", "http://", "example.com", path},
		Header: http.Header{},
		Policy: p,
	}
}

func store(t *testing.T, c *Cache, req Request, body string, m Meta) {
	t.Helper()
	e, err := c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	require.True(t, e.CanPopulate(), "status %s", e.Status)
	populate(t, c, e, body, m)
}

func populate(t *testing.T, c *Cache, e *Entry, body string, m Meta) {
	t.Helper()
	if m.StatusCode == 0 {
		m.StatusCode = http.StatusOK
	}
	if m.Header == nil {
		m.Header = http.Header{"Content-Type": {"text/plain"}}
	}
	w, err := c.Populate(e, m)
	require.NoError(t, err)
	_, err = io.WriteString(w, body)
	require.NoError(t, err)
	require.NoError(t, c.FinishPopulate(w, Outcome{}))
}

func body(t *testing.T, e *Entry) string {
	t.Helper()
	b, err := io.ReadAll(e.Body())
	require.NoError(t, err)
	return string(b)
}

func TestMissHitStale(t *testing.T) {
	clk := newFakeClock()
	c := openCache(t, Config{Clock: clk})
	warm(t, c)
	req := request("/a", Policy{})

	store(t, c, req, "hello", Meta{Valid: clk.Now().Add(60 * time.Second)})

	clk.add(59 * time.Second)
	e, err := c.Lookup(req)
	require.NoError(t, err)
	assert.Equal(t, Hit, e.Status)
	assert.False(t, e.CanPopulate())
	assert.Equal(t, "hello", body(t, e))
	status, header, err := e.Header()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "text/plain", header.Get("Content-Type"))
	require.NoError(t, e.Close())

	clk.add(2 * time.Second)
	first, err := c.Lookup(req)
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, Stale, first.Status)
	assert.True(t, first.CanPopulate(), "first request regenerates")
	assert.Equal(t, "hello", body(t, first))

	second, err := c.Lookup(req)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, Busy, second.Status)
	assert.Zero(t, second.RetryAfter)
	assert.False(t, second.CanPopulate())

	stale := req
	stale.Policy.UseStale = true
	third, err := c.Lookup(stale)
	require.NoError(t, err)
	defer third.Close()
	assert.Equal(t, Stale, third.Status)
	assert.False(t, third.CanPopulate())
	assert.Equal(t, "hello", body(t, third))

	populate(t, c, first, "hello again", Meta{Valid: clk.Now().Add(time.Minute)})

	e, err = c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Hit, e.Status)
	assert.Equal(t, "hello again", body(t, e))
	assert.Equal(t, "hello", body(t, third), "open readers keep the old file")
}

func TestStaleWhileRevalidateWindow(t *testing.T) {
	clk := newFakeClock()
	c := openCache(t, Config{Clock: clk})
	warm(t, c)
	req := request("/swr", Policy{LockAge: time.Hour})

	store(t, c, req, "old", Meta{
		Valid:                clk.Now().Add(10 * time.Second),
		StaleWhileRevalidate: 30 * time.Second,
		StaleIfError:         time.Hour,
	})
	clk.add(20 * time.Second)

	first, err := c.Lookup(req)
	require.NoError(t, err)
	defer first.Close()
	require.Equal(t, Stale, first.Status)
	require.True(t, first.CanPopulate())
	assert.True(t, first.StaleWhileUpdating(clk.Now()))
	assert.True(t, first.StaleIfError(clk.Now()))

	second, err := c.Lookup(req)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, Stale, second.Status, "inside the window stale content is served")
	assert.False(t, second.CanPopulate())

	clk.add(30 * time.Second)
	third, err := c.Lookup(req)
	require.NoError(t, err)
	defer third.Close()
	assert.Equal(t, Busy, third.Status, "outside the window the request bypasses the cache")
}

func TestAtMostOneRegenerator(t *testing.T) {
	dir := t.TempDir()
	zone := filepath.Join(t.TempDir(), "zone")
	a := openCache(t, Config{Path: dir, ZonePath: zone})
	b := openCache(t, Config{Path: dir, ZonePath: zone})
	warm(t, a)
	assert.False(t, b.Stats().Cold, "caches share the index")

	req := request("/hot", Policy{Lock: true, LockAge: time.Minute})

	const n = 32
	entries := make([]*Entry, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		c := a
		if i%2 == 1 {
			c = b
		}
		g.Go(func() error {
			e, err := c.Lookup(req)
			entries[i] = e
			return err
		})
	}
	require.NoError(t, g.Wait())

	var populators, busy int
	for _, e := range entries {
		switch {
		case e.CanPopulate():
			populators++
		case e.Status == Busy:
			busy++
		}
	}
	assert.Equal(t, 1, populators)
	assert.Equal(t, n-1, busy)

	for _, e := range entries {
		require.NoError(t, e.Close())
	}
	assert.Equal(t, int64(0), a.Stats().Entries, "no dangling nodes")
}

func TestWaitForLock(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)
	req := request("/wait", Policy{Lock: true, LockTimeout: 5 * time.Second})

	owner, err := c.Lookup(req)
	require.NoError(t, err)
	defer owner.Close()
	require.Equal(t, Miss, owner.Status)

	waiter, err := c.Lookup(req)
	require.NoError(t, err)
	defer waiter.Close()
	require.True(t, waiter.Again())
	assert.LessOrEqual(t, waiter.RetryAfter, lockPollInterval)

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background(), waiter) }()

	time.Sleep(50 * time.Millisecond)
	populate(t, c, owner, "fresh", Meta{Valid: time.Now().Add(time.Minute)})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not woken up")
	}
	assert.Equal(t, Hit, waiter.Status)
	assert.Equal(t, "fresh", body(t, waiter))
}

func TestLockTimeout(t *testing.T) {
	clk := newFakeClock()
	c := openCache(t, Config{Clock: clk})
	warm(t, c)
	req := request("/slow", Policy{Lock: true, LockAge: time.Minute, LockTimeout: 2 * time.Second})

	owner, err := c.Lookup(req)
	require.NoError(t, err)
	defer owner.Close()
	require.Equal(t, Miss, owner.Status)

	waiter, err := c.Lookup(req)
	require.NoError(t, err)
	defer waiter.Close()
	require.True(t, waiter.Again())

	clk.add(time.Second)
	require.NoError(t, c.Retry(waiter))
	assert.True(t, waiter.Again(), "owner still holds the lock")

	clk.add(time.Second)
	require.NoError(t, c.Retry(waiter))
	assert.Equal(t, Busy, waiter.Status)
	assert.False(t, waiter.Again(), "gave up waiting")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	other, err := c.Lookup(req)
	require.NoError(t, err)
	defer other.Close()
	assert.ErrorIs(t, c.Wait(ctx, other), context.Canceled)
}

func TestLockExpires(t *testing.T) {
	clk := newFakeClock()
	c := openCache(t, Config{Clock: clk})
	warm(t, c)
	req := request("/crashed", Policy{Lock: true, LockAge: 5 * time.Second})

	crashed, err := c.Lookup(req)
	require.NoError(t, err)
	defer crashed.Close()
	require.Equal(t, Miss, crashed.Status)

	e, err := c.Lookup(req)
	require.NoError(t, err)
	assert.Equal(t, Busy, e.Status)
	require.NoError(t, e.Close())

	clk.add(6 * time.Second)
	e, err = c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Miss, e.Status, "an expired lock is taken over")
	assert.True(t, e.CanPopulate())
}

func TestNegativeCaching(t *testing.T) {
	clk := newFakeClock()
	c := openCache(t, Config{Clock: clk})
	warm(t, c)
	req := request("/broken", Policy{})

	e, err := c.Lookup(req)
	require.NoError(t, err)
	w, err := c.Populate(e, Meta{StatusCode: http.StatusOK, Valid: clk.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, c.FinishPopulate(w, Outcome{ErrorStatus: http.StatusBadGateway, ErrorWindow: 10 * time.Second}))
	assert.ErrorIs(t, c.FinishPopulate(w, Outcome{}), ErrNotPopulating)
	require.NoError(t, e.Close())
	assertNoTempFiles(t, c.cfg.Path)

	e, err = c.Lookup(req)
	require.NoError(t, err)
	assert.Equal(t, Negative, e.Status)
	assert.Equal(t, http.StatusBadGateway, e.ErrorStatus)
	assert.False(t, e.CanPopulate())
	require.NoError(t, e.Close())

	clk.add(11 * time.Second)
	e, err = c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Miss, e.Status)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		require.NoError(t, err)
		assert.NotContains(t, filepath.Base(path), tempSuffix)
		return nil
	})
}

func TestAbandonCleansUp(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)
	req := request("/aborted", Policy{Lock: true})

	e, err := c.Lookup(req)
	require.NoError(t, err)
	w, err := c.Populate(e, Meta{StatusCode: http.StatusOK, Valid: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, err = io.WriteString(w, "partial")
	require.NoError(t, err)
	_, err = c.Populate(e, Meta{})
	assert.ErrorIs(t, err, ErrNotPopulating, "one writer per entry")

	c.Abandon(e)
	require.NoError(t, e.Close(), "close after abandon is a no-op")
	assertNoTempFiles(t, c.cfg.Path)
	assert.Equal(t, int64(0), c.Stats().Entries)

	e, err = c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Miss, e.Status, "the lock was released")
}

func TestPopularityFloor(t *testing.T) {
	clk := newFakeClock()
	c := openCache(t, Config{Clock: clk, Inactive: time.Minute})
	warm(t, c)
	req := request("/rare", Policy{MinUses: 3})

	for i := 0; i < 2; i++ {
		e, err := c.Lookup(req)
		require.NoError(t, err)
		assert.Equal(t, Busy, e.Status)
		assert.Zero(t, e.RetryAfter)
		require.NoError(t, e.Close())
		assert.Equal(t, int64(1), c.Stats().Entries, "node kept to count uses")
	}

	e, err := c.Lookup(req)
	require.NoError(t, err)
	assert.Equal(t, Miss, e.Status)
	require.NoError(t, e.Close())

	// unused nodes are aged out by the manager
	clk.add(2 * time.Minute)
	c.expire(newBatch(100, time.Minute))
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestUnpopulatedNodeIsRemoved(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)

	e, err := c.Lookup(request("/x", Policy{}))
	require.NoError(t, err)
	require.Equal(t, Miss, e.Status)
	assert.Equal(t, int64(1), c.Stats().Entries)
	require.NoError(t, e.Close())
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestCollisionGuard(t *testing.T) {
	// cold: new nodes look for a file
	c := openCache(t, Config{})
	a, b := request("/a", Policy{}), request("/b", Policy{})

	store(t, c, a, "content of a", Meta{Valid: time.Now().Add(time.Hour)})

	// pretend b's digest collides with a's: a's file under b's name
	src := c.path(cachekey.Sum(a.Keys...))
	dst := c.path(cachekey.Sum(b.Keys...))
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o700))
	require.NoError(t, os.WriteFile(dst, data, 0o600))

	e, err := c.Lookup(b)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Miss, e.Status, "a file with another key is never served")
}

func TestCorruptFileIsReplaced(t *testing.T) {
	c := openCache(t, Config{BlockSize: 1})
	warm(t, c)
	req := request("/corrupt", Policy{})
	store(t, c, req, "data", Meta{Valid: time.Now().Add(time.Hour)})
	assert.NotZero(t, c.Stats().Size)

	path := c.path(cachekey.Sum(req.Keys...))
	require.NoError(t, os.Truncate(path, serializer.FixedSize-1))

	e, err := c.Lookup(req)
	require.NoError(t, err)
	assert.Equal(t, Miss, e.Status)
	assert.Zero(t, c.Stats().Size)
	populate(t, c, e, "data again", Meta{Valid: time.Now().Add(time.Hour)})
	require.NoError(t, e.Close())

	e, err = c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Hit, e.Status)
	assert.Equal(t, "data again", body(t, e))
}

func TestMissingFileIsRepopulated(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)
	req := request("/gone", Policy{})
	store(t, c, req, "data", Meta{Valid: time.Now().Add(time.Hour)})

	require.NoError(t, os.Remove(c.path(cachekey.Sum(req.Keys...))))

	e, err := c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Miss, e.Status)
	assert.Zero(t, c.Stats().Size)
}

func TestPopulateLimits(t *testing.T) {
	c := openCache(t, Config{BufferSize: 512})
	warm(t, c)

	e, err := c.Lookup(request("/big-header", Policy{}))
	require.NoError(t, err)
	defer e.Close()
	_, err = c.Populate(e, Meta{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-Large": {strings.Repeat("x", 1024)}},
		Valid:      time.Now().Add(time.Minute),
	})
	assert.ErrorIs(t, err, ErrHeaderTooLong)

	_, err = c.Populate(e, Meta{StatusCode: http.StatusOK, Vary: "*"})
	assert.ErrorIs(t, err, serializer.ErrVaryStar)

	rare, err := c.Lookup(request("/rare", Policy{MinUses: 2}))
	require.NoError(t, err)
	defer rare.Close()
	require.Equal(t, Busy, rare.Status)
	_, err = c.Populate(rare, Meta{})
	assert.ErrorIs(t, err, ErrNotPopulating)
}

func TestPurge(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)
	req := request("/purge", Policy{})
	store(t, c, req, "data", Meta{Valid: time.Now().Add(time.Hour)})

	purged, err := c.Purge(req)
	require.NoError(t, err)
	assert.True(t, purged)
	assert.NoFileExists(t, c.path(cachekey.Sum(req.Keys...)))
	assert.Equal(t, int64(0), c.Stats().Entries)

	purged, err = c.Purge(req)
	require.NoError(t, err)
	assert.False(t, purged)

	e, err := c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Miss, e.Status)
}

func TestClosed(t *testing.T) {
	c := openCache(t, Config{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err := c.Lookup(request("/", Policy{}))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFailWithoutWriter(t *testing.T) {
	clk := newFakeClock()
	c := openCache(t, Config{Clock: clk})
	warm(t, c)
	req := request("/down", Policy{Lock: true})

	e, err := c.Lookup(req)
	require.NoError(t, err)
	require.NoError(t, c.Fail(e, Outcome{ErrorStatus: http.StatusGatewayTimeout, ErrorWindow: time.Minute}))
	assert.ErrorIs(t, c.Fail(e, Outcome{}), ErrNotPopulating)
	require.NoError(t, e.Close())

	e, err = c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Negative, e.Status)
	assert.Equal(t, http.StatusGatewayTimeout, e.ErrorStatus)
}

func TestLockTimeoutEnablesLock(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)
	req := request("/hot", Policy{LockTimeout: 5 * time.Second})

	const n = 8
	entries := make([]*Entry, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			e, err := c.Lookup(req)
			entries[i] = e
			return err
		})
	}
	require.NoError(t, g.Wait())

	var populators, waiting int
	for _, e := range entries {
		if e.CanPopulate() {
			populators++
		}
		if e.Again() {
			waiting++
		}
	}
	assert.Equal(t, 1, populators)
	assert.Equal(t, n-1, waiting)
	for _, e := range entries {
		require.NoError(t, e.Close())
	}
}

type renameFailFs struct {
	afero.Fs
	fail atomic.Bool
}

func (f *renameFailFs) Rename(oldname, newname string) error {
	if f.fail.Load() {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errors.New("rename failed")}
	}
	return f.Fs.Rename(oldname, newname)
}

func TestFailedPublishForgetsFile(t *testing.T) {
	clk := newFakeClock()
	fsys := &renameFailFs{Fs: afero.NewMemMapFs()}
	c := openCache(t, Config{Fs: fsys, Path: "/cache", BlockSize: 1, Clock: clk})
	warm(t, c)
	req := request("/renamed", Policy{})
	path := c.path(cachekey.Sum(req.Keys...))

	store(t, c, req, strings.Repeat("x", 5000), Meta{Valid: clk.Now().Add(time.Minute)})
	require.NotZero(t, c.Stats().Size)

	clk.add(2 * time.Minute)
	e, err := c.Lookup(req)
	require.NoError(t, err)
	require.Equal(t, Stale, e.Status)
	require.True(t, e.CanPopulate())

	fsys.fail.Store(true)
	w, err := c.Populate(e, Meta{StatusCode: http.StatusOK, Valid: clk.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, err = io.WriteString(w, "new")
	require.NoError(t, err)
	assert.Error(t, c.FinishPopulate(w, Outcome{}))
	require.NoError(t, e.Close())
	fsys.fail.Store(false)

	assert.Zero(t, c.Stats().Size)
	exists, err := afero.Exists(fsys, path)
	require.NoError(t, err)
	assert.False(t, exists, "the outdated file is removed")
	c.Each(func(info EntryInfo) bool {
		assert.False(t, info.Exists)
		return true
	})

	e, err = c.Lookup(req)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Miss, e.Status)
	assert.True(t, e.CanPopulate())
}

func TestColdIntegrityFailureBelowFloor(t *testing.T) {
	dir := t.TempDir()
	first := openCache(t, Config{Path: dir})
	warm(t, first)
	a, b := request("/a", Policy{}), request("/b", Policy{MinUses: 3})
	store(t, first, a, "content of a", Meta{Valid: time.Now().Add(time.Hour)})
	require.NoError(t, first.Close())

	c := openCache(t, Config{Path: dir})
	require.True(t, c.Stats().Cold)
	data, err := os.ReadFile(c.path(cachekey.Sum(a.Keys...)))
	require.NoError(t, err)
	dst := c.path(cachekey.Sum(b.Keys...))
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o700))
	require.NoError(t, os.WriteFile(dst, data, 0o600))

	e, err := c.Lookup(b)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Busy, e.Status, "the popularity floor still applies")
	assert.False(t, e.CanPopulate())
}
