package cache

import (
	"context"
	"time"

	"github.com/always-cache/filecache/internal/index"
)

func (c *Cache) runManager(ctx context.Context) {
	for {
		wait := c.manage()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// manage runs one manager iteration and returns the time until the next one.
func (c *Cache) manage() time.Duration {
	b := newBatch(c.cfg.ManagerFiles, c.cfg.ManagerThreshold)
	next := c.expire(b)
	if next == 0 {
		next = c.cfg.ManagerSleep
	} else {
		for c.overLimit() {
			if wait := c.forcedExpire(); wait > 0 {
				next = wait
				break
			}
			if b.next() {
				next = c.cfg.ManagerSleep
				break
			}
		}
	}
	c.reportSize()
	c.log.Trace().
		Int("files", b.files).
		Dur("elapsed", time.Since(b.last)).
		Dur("next", next).
		Msg("Cache manager")
	return next
}

// overLimit reports whether entries must be evicted regardless of their age.
func (c *Cache) overLimit() bool {
	c.index.Lock()
	size, count, watermark := c.index.Size(), c.index.Count(), c.index.Watermark()
	c.index.Unlock()

	if size >= c.maxSize || count >= watermark {
		return true
	}
	if c.cfg.MinFree > 0 {
		free, err := freeSpace(c.cfg.Path)
		if err != nil {
			c.log.Debug().Err(err).Msg("Could not determine free space")
			return false
		}
		if free < c.cfg.MinFree {
			c.log.Trace().Int64("free", free).Msg("Cache file system is low on space")
			return true
		}
	}
	return false
}

// expire removes entries that have not been used for Config.Inactive,
// starting with the least recently used. It returns 0 when the batch is
// used up, otherwise the time until the next entry expires.
func (c *Cache) expire(b *batch) time.Duration {
	now := c.clock.Now().Unix()
	inactive := int64(c.cfg.Inactive / time.Second)

	c.index.Lock()
	defer c.index.Unlock()
	for {
		n, ok := c.index.Back()
		if !ok {
			return maxManagerWait
		}
		if wait := n.Expire() - now; wait > 0 {
			return min(time.Duration(wait)*time.Second, maxManagerWait)
		}
		switch {
		case n.Count() == 0:
			c.delete(n, EvictInactive)
		case n.Deleting():
			return time.Second
		default:
			c.log.Warn().
				Str("key", n.Key().String()).
				Uint32("count", n.Count()).
				Msg("Ignoring long locked inactive cache entry")
			n.SetExpire(now + inactive)
			c.index.MoveToFront(n)
		}
		if b.next() {
			return 0
		}
	}
}

// forcedExpire removes the least recently used entry that is not in use.
// Entries in use are moved to the front. It returns 0 if an entry was
// removed, and a short wait if only entries in use were found.
func (c *Cache) forcedExpire() time.Duration {
	c.index.Lock()
	defer c.index.Unlock()

	wait := maxManagerWait
	tries := forcedExpireTries
	for n, ok := c.index.Back(); ok; {
		prev, pok := c.index.Prev(n)
		if n.Count() == 0 {
			c.delete(n, EvictForced)
			return 0
		}
		if !n.Deleting() {
			c.log.Warn().
				Str("key", n.Key().String()).
				Uint32("count", n.Count()).
				Msg("Ignoring referenced cache entry during forced expire")
			c.index.MoveToFront(n)
			wait = forcedExpireWait
			if tries--; tries == 0 {
				break
			}
		}
		n, ok = prev, pok
	}
	return wait
}

// delete removes the file and the node of an unreferenced entry. Caller must
// hold the index lock, which is released while the file is removed.
func (c *Cache) delete(n index.Node, reason EvictReason) {
	key := n.Key()
	if n.Exists() {
		c.index.AddSize(-n.FsSize())
		n.SetFsSize(0)
		n.SetExists(false)
		path := c.path(key)

		n.SetCount(n.Count() + 1)
		n.SetDeleting(true)
		c.index.Unlock()
		c.removeFile(path)
		c.index.Lock()
		n.SetCount(n.Count() - 1)
		n.SetDeleting(false)
	}
	if n.Count() == 0 {
		c.index.Remove(n)
	}
	c.metrics.Evict(reason)
	c.log.Trace().Str("key", key.String()).Str("reason", reason.String()).Msg("Cache entry removed")
}
