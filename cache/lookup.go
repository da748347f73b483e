package cache

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/always-cache/filecache/internal/index"
	"github.com/always-cache/filecache/internal/shm"
	cachekey "github.com/always-cache/filecache/pkg/cache-key"
	serializer "github.com/always-cache/filecache/pkg/response-serializer"
)

// Lookup finds the entry for req. The returned entry must be closed.
// Errors are only returned when the index cannot hold the entry.
func (c *Cache) Lookup(req Request) (*Entry, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	key := cachekey.Sum(req.Keys...)
	e := &Entry{
		c:       c,
		req:     req,
		text:    cachekey.Text(req.Keys...),
		mainKey: key,
		key:     key,
	}
	if err := c.open(e); err != nil {
		e.Close()
		return nil, err
	}
	c.report(e)
	return e, nil
}

// Retry repeats the lookup of an entry that waits for another request.
// It does not block; if the other request still holds the lock, RetryAfter
// is updated.
func (c *Cache) Retry(e *Entry) error {
	if !e.Again() || e.closed {
		return nil
	}
	now := c.clock.Now()
	if !now.Before(e.waitDeadline) {
		c.log.Debug().Str("key", e.key.String()).Msg("Cache lock timeout")
		e.waitExpired = true
	} else {
		c.index.Lock()
		n := e.node
		locked := n.Updating() && n.LockTime() > now.UnixMilli()
		c.index.Unlock()
		if locked {
			e.RetryAfter = min(e.waitDeadline.Sub(now), lockPollInterval)
			return nil
		}
	}
	e.closeFile()
	e.Status, e.RetryAfter = Miss, 0
	if err := c.open(e); err != nil {
		return err
	}
	c.report(e)
	return nil
}

// Wait retries the lookup of e until it no longer waits for another request
// or ctx is done.
func (c *Cache) Wait(ctx context.Context, e *Entry) error {
	for e.Again() {
		t := time.NewTimer(e.RetryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if err := c.Retry(e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) report(e *Entry) {
	if e.Again() {
		return
	}
	c.metrics.Lookup(e.Status)
	c.log.Trace().
		Str("key", e.key.String()).
		Bool("secondary", e.secondary).
		Str("status", e.Status.String()).
		Msg("Cache lookup")
}

type existence int

const (
	// the node has usable state: a cached failure, a file, or enough uses
	existsFound existence = iota
	// the node is new or was renewed
	existsNew
	// the key has not been used often enough to be cached
	existsScarce
)

// exists finds or creates the node for the entry's key.
func (c *Cache) exists(e *Entry) (existence, error) {
	now := c.clock.Now().Unix()

	c.index.Lock()
	defer c.index.Unlock()
	e.cold = c.index.Cold()

	rc := existsFound
	if !e.hasNode {
		n, created, err := c.findOrCreate(e.key)
		if err != nil {
			return 0, err
		}
		e.node, e.hasNode = n, true
		if created {
			rc = existsNew
		}
	}

	n := e.node
	if rc == existsFound {
		switch {
		case n.Error() != 0 && n.ValidSec() < now:
			c.renew(n)
			rc = existsNew
		case n.Error() != 0:
		case n.Exists() || n.Uses() >= e.req.Policy.minUses():
			e.exists = n.Exists()
			if n.BodyStart() != 0 {
				e.bodyStart = n.BodyStart()
			}
		default:
			rc = existsScarce
		}
	}

	n.SetExpire(now + int64(c.cfg.Inactive/time.Second))
	c.index.MoveToFront(n)
	e.uniq = n.Uniq()
	e.ErrorStatus = n.Error()
	return rc, nil
}

// findOrCreate runs Index.FindOrCreate. When the index is full it forces
// the eviction of an entry and tries once more. Caller must hold the index
// lock, which is released during the eviction.
func (c *Cache) findOrCreate(key cachekey.Key) (index.Node, bool, error) {
	var (
		n       index.Node
		created bool
	)
	err := retry.Do(
		func() error {
			var err error
			n, created, err = c.index.FindOrCreate(key)
			return err
		},
		retry.Attempts(2),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, shm.ErrNoSpace) }),
		retry.OnRetry(func(_ uint, _ error) {
			c.index.LowerWatermark()
			c.index.Unlock()
			c.forcedExpire()
			c.index.Lock()
		}),
	)
	if err != nil {
		c.log.Error().Err(err).Str("key", key.String()).Msg("Could not allocate cache node")
		return index.Node{}, false, err
	}
	return n, created, nil
}

// renew forgets the cached state of a node. Caller must hold the index lock.
func (c *Cache) renew(n index.Node) {
	if n.Exists() {
		c.index.AddSize(-n.FsSize())
	}
	n.Renew()
}

func (c *Cache) open(e *Entry) error {
	rc, err := c.exists(e)
	if err != nil {
		return err
	}

	var test, declined bool
	switch rc {
	case existsScarce:
		e.Status = Busy
		return nil
	case existsFound:
		if e.ErrorStatus != 0 {
			e.Status = Negative
			return nil
		}
		test, declined = e.exists, true
	case existsNew:
		test = e.cold
		if e.req.Policy.minUses() > 1 {
			if !e.cold {
				e.Status = Busy
				return nil
			}
			test = true
		} else {
			declined = true
		}
	}

	e.scarce = !declined
	if test && c.openFile(e) {
		return c.read(e)
	}
	return c.noFile(e)
}

// noFile handles a lookup that found no usable file.
func (c *Cache) noFile(e *Entry) error {
	if e.scarce {
		e.Status = Busy
		return nil
	}
	return c.lock(e)
}

// openFile opens the file of the entry. A missing or unreadable file is
// reported as not found and the node is marked accordingly.
func (c *Cache) openFile(e *Entry) bool {
	e.path = c.path(e.key)
	f, err := c.fs.Open(e.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Error().Err(err).Str("path", e.path).Msg("Could not open cache file")
		} else if e.exists {
			c.log.Warn().Str("path", e.path).Msg("Cache file is missing")
		}
		c.forget(e)
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		c.log.Error().Err(err).Str("path", e.path).Msg("Could not stat cache file")
		c.forget(e)
		return false
	}
	e.file = f
	e.size = fi.Size()
	e.uniq = fileUniq(fi)
	e.fsSize = c.blocks(fi)

	want := c.cfg.BufferSize
	if e.bodyStart != 0 && int(e.bodyStart) < want {
		want = int(e.bodyStart)
	}
	buf, err := c.readHeader(f, fi, e.path, want)
	if err != nil {
		c.log.Error().Err(err).Str("path", e.path).Msg("Could not read cache file")
		e.closeFile()
		c.forget(e)
		return false
	}
	e.head = buf
	return true
}

// forget marks the node of the entry as having no file.
func (c *Cache) forget(e *Entry) {
	c.index.Lock()
	defer c.index.Unlock()
	if n := e.node; n.Exists() {
		c.index.AddSize(-n.FsSize())
		n.SetFsSize(0)
		n.SetExists(false)
	}
	e.exists = false
}

// read validates the opened file and decides between Hit and Stale.
func (c *Cache) read(e *Entry) error {
	buf := e.head
	h, err := serializer.Decode(buf, e.text)
	if errors.Is(err, serializer.ErrHeaderTooLong) && len(buf) < c.cfg.BufferSize && int64(len(buf)) < e.size {
		// the size hint is outdated, the file was replaced
		fi, serr := e.file.Stat()
		if serr == nil {
			if buf, err = c.readHeader(e.file, fi, e.path, c.cfg.BufferSize); err == nil {
				h, err = serializer.Decode(buf, e.text)
			}
		}
	}
	if err != nil {
		c.log.Warn().Err(err).Str("path", e.path).Msg("Invalid cache file")
		e.closeFile()
		c.forget(e)
		return c.noFile(e)
	}
	e.hdr = h
	e.head = buf[h.HeaderStart:h.BodyStart]
	e.bodyStart = h.BodyStart

	if h.Vary != "" {
		if variant := cachekey.Variant(e.mainKey, h.Vary, e.req.Header); variant != h.Variant {
			return c.reopen(e, variant)
		}
	}

	now := c.clock.Now()
	c.index.Lock()
	n := e.node
	if e.cold && !n.Exists() {
		n.SetUses(1)
		n.SetBodyStart(h.BodyStart)
		n.SetExists(true)
		n.SetUniq(e.uniq)
		n.SetFsSize(e.fsSize)
		c.index.AddSize(e.fsSize)
	} else if n.BodyStart() == 0 {
		n.SetBodyStart(h.BodyStart)
	}

	if h.ValidSec >= now.Unix() {
		c.index.Unlock()
		e.Status = Hit
		return nil
	}

	nowMs := now.UnixMilli()
	if n.Updating() && n.LockTime() > nowMs && !e.updating {
		c.index.Unlock()
		p := e.req.Policy
		switch {
		case p.LockTimeout > 0 && !e.waitExpired:
			c.wait(e, now)
		case h.UpdatingSec >= now.Unix() || p.UseStale:
			e.Status = Stale
		default:
			e.closeFile()
			e.Status = Busy
		}
		return nil
	}
	if !e.updating {
		n.SetUpdating(true)
		n.SetLockTime(nowMs + e.req.Policy.lockAge().Milliseconds())
		e.updating = true
		e.lockTime = n.LockTime()
	}
	c.index.Unlock()
	e.Status = Stale
	return nil
}

// reopen repeats the lookup under the variant key of a response that varies.
func (c *Cache) reopen(e *Entry, variant cachekey.Key) error {
	e.closeFile()
	if e.secondary {
		c.log.Warn().Str("path", e.path).Msg("Cache file has incorrect vary hash")
		return c.noFile(e)
	}
	c.log.Trace().Str("key", e.key.String()).Str("variant", variant.String()).Msg("Cache file vary mismatch")

	c.index.Lock()
	c.release(e)
	c.index.Unlock()

	e.secondary = true
	e.key = variant
	e.exists = false
	e.bodyStart = 0
	return c.open(e)
}

// lock takes the lock for populating a new entry.
func (c *Cache) lock(e *Entry) error {
	p := e.req.Policy
	if !p.locking() {
		e.Status = Miss
		return nil
	}

	now := c.clock.Now()
	nowMs := now.UnixMilli()
	c.index.Lock()
	if n := e.node; !n.Updating() || n.LockTime() <= nowMs {
		n.SetUpdating(true)
		n.SetLockTime(nowMs + p.lockAge().Milliseconds())
		e.updating = true
		e.lockTime = n.LockTime()
	}
	c.index.Unlock()

	switch {
	case e.updating:
		e.Status = Miss
	case p.LockTimeout <= 0 || e.waitExpired:
		e.Status, e.RetryAfter = Busy, 0
	default:
		c.wait(e, now)
	}
	return nil
}

func (c *Cache) wait(e *Entry, now time.Time) {
	if e.waitDeadline.IsZero() {
		e.waitDeadline = now.Add(e.req.Policy.LockTimeout)
	}
	e.Status = Busy
	e.RetryAfter = max(min(e.waitDeadline.Sub(now), lockPollInterval), time.Millisecond)
}
