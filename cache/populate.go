package cache

import (
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	cachekey "github.com/always-cache/filecache/pkg/cache-key"
	serializer "github.com/always-cache/filecache/pkg/response-serializer"
)

// Meta describes a response to be stored.
type Meta struct {
	StatusCode int
	Header     http.Header
	// The response is fresh until Valid.
	Valid time.Time
	// How long after Valid the response may be served while it is regenerated.
	StaleWhileRevalidate time.Duration
	// How long after Valid the response may be served when regeneration fails.
	StaleIfError time.Duration
	LastModified time.Time
	Date         time.Time
	ETag         string
	// Value of the Vary response header.
	Vary string
}

// Outcome is the result of a regeneration.
type Outcome struct {
	// Non-zero if the regeneration failed. The failure is cached for ErrorWindow.
	ErrorStatus int
	ErrorWindow time.Duration
}

// Writer receives the body of a response being stored.
type Writer struct {
	e    *Entry
	f    afero.File
	path string
	hdr  serializer.Header
	n    int64
	done bool
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *Writer) discard() {
	w.done = true
	w.f.Close()
	if err := w.e.c.fs.Remove(w.f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.e.c.log.Error().Err(err).Str("path", w.f.Name()).Msg("Could not delete temporary file")
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Populate starts storing a response for e. The header is written to a
// temporary file right away; the body is written through the returned
// Writer and published with FinishPopulate.
func (c *Cache) Populate(e *Entry, m Meta) (*Writer, error) {
	if !e.CanPopulate() {
		return nil, ErrNotPopulating
	}

	h := serializer.Header{
		ValidSec:     m.Valid.Unix(),
		ValidMsec:    uint16(m.Valid.Nanosecond() / int(time.Millisecond)),
		LastModified: unixOrZero(m.LastModified),
		Date:         unixOrZero(m.Date),
		ETag:         m.ETag,
		Vary:         m.Vary,
	}
	if m.StaleWhileRevalidate > 0 {
		h.UpdatingSec = m.Valid.Add(m.StaleWhileRevalidate).Unix()
	}
	if m.StaleIfError > 0 {
		h.ErrorSec = m.Valid.Add(m.StaleIfError).Unix()
	}
	if m.Vary != "" {
		h.Variant = cachekey.Variant(e.mainKey, m.Vary, e.req.Header)
	}

	buf, h, err := serializer.Encode(h, e.text, serializer.HeadToBytes(m.StatusCode, m.Header))
	if err != nil {
		return nil, err
	}
	if int(h.BodyStart) > c.cfg.BufferSize {
		return nil, ErrHeaderTooLong
	}

	if err := c.updateVariant(e, m.Vary != "", h.Variant); err != nil {
		return nil, err
	}

	path := c.path(e.key)
	dir := filepath.Dir(path)
	if err := c.fs.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	f, err := afero.TempFile(c.fs, dir, e.key.String()+tempSuffix+"*")
	if err != nil {
		return nil, err
	}
	w := &Writer{e: e, f: f, path: path, hdr: h}
	if _, err := w.Write(buf); err != nil {
		w.discard()
		return nil, err
	}
	e.writer = w
	return w, nil
}

// updateVariant switches a secondary entry back to the main key when the
// new response no longer varies the same way.
func (c *Cache) updateVariant(e *Entry, vary bool, variant cachekey.Key) error {
	if !e.secondary || vary && variant == e.key {
		return nil
	}
	c.log.Debug().Str("key", e.mainKey.String()).Msg("Response vary changed, switching to main key")

	c.index.Lock()
	n := e.node
	n.SetUpdating(false)
	c.release(e)
	c.index.Unlock()

	e.secondary = false
	e.key = e.mainKey
	e.exists = false
	_, err := c.exists(e)
	return err
}

// FinishPopulate completes a Writer. On success the file is published and
// later lookups find it. On failure the temporary file is removed and, with
// a non-zero ErrorWindow, the failure is cached. The entry no longer holds
// the node afterwards but must still be closed.
func (c *Cache) FinishPopulate(w *Writer, o Outcome) error {
	e := w.e
	if w.done || e.writer != w {
		return ErrNotPopulating
	}
	e.writer = nil

	if o.ErrorStatus != 0 {
		w.discard()
		c.fail(e, o)
		return nil
	}

	w.done = true
	if err := w.f.Close(); err != nil {
		c.fs.Remove(w.f.Name())
		c.free(e)
		return err
	}
	return c.update(e, w)
}

// Fail ends the regeneration of e without storing a response, discarding a
// pending Writer. With a non-zero ErrorStatus and ErrorWindow the failure is
// cached and later lookups return Negative until the window ends.
func (c *Cache) Fail(e *Entry, o Outcome) error {
	if w := e.writer; w != nil {
		e.writer = nil
		w.discard()
	} else if !e.CanPopulate() {
		return ErrNotPopulating
	}
	c.fail(e, o)
	return nil
}

func (c *Cache) fail(e *Entry, o Outcome) {
	if o.ErrorStatus != 0 && o.ErrorWindow > 0 {
		e.failStatus = o.ErrorStatus
		e.failValid = c.clock.Now().Add(o.ErrorWindow)
	}
	c.free(e)
}

// update publishes a finished file and records it in the node.
func (c *Cache) update(e *Entry, w *Writer) error {
	tmp := w.f.Name()
	err := c.fs.Rename(tmp, w.path)
	if errors.Is(err, fs.ErrNotExist) {
		// the directory was removed in the meantime
		if err = c.fs.MkdirAll(filepath.Dir(w.path), 0o700); err == nil {
			err = c.fs.Rename(tmp, w.path)
		}
	}

	var (
		uniq   uint64
		blocks int64
	)
	if err != nil {
		c.log.Error().Err(err).Str("path", w.path).Msg("Could not publish cache file")
		c.fs.Remove(tmp)
		// the previous file is outdated and no longer accounted for
		c.removeFile(w.path)
	} else if fi, serr := c.fs.Stat(w.path); serr == nil {
		uniq, blocks = fileUniq(fi), c.blocks(fi)
	}
	c.forgetHeader(w.path)

	c.index.Lock()
	n := e.node
	n.SetError(0)
	if n.Exists() {
		c.index.AddSize(-n.FsSize())
	}
	if err == nil {
		n.SetUniq(uniq)
		n.SetBodyStart(w.hdr.BodyStart)
		n.SetFsSize(blocks)
		n.SetExists(true)
		c.index.AddSize(blocks)
	} else {
		n.SetUniq(0)
		n.SetBodyStart(0)
		n.SetFsSize(0)
		n.SetExists(false)
	}
	n.SetUpdating(false)
	c.release(e)
	c.index.Unlock()

	if err != nil {
		return err
	}
	c.metrics.Store(w.n)
	c.log.Debug().
		Str("key", e.key.String()).
		Int64("bytes", w.n).
		Time("valid", time.Unix(w.hdr.ValidSec, 0)).
		Msg("Cache file stored")
	return nil
}

// Purge removes the entry for req, including the variant matching the
// request header if the stored response varies.
func (c *Cache) Purge(req Request) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	key := cachekey.Sum(req.Keys...)
	keys := []cachekey.Key{key}
	if f, err := c.fs.Open(c.path(key)); err == nil {
		buf := make([]byte, c.cfg.BufferSize)
		n, _ := f.ReadAt(buf, 0)
		f.Close()
		if h, err := serializer.Decode(buf[:n], cachekey.Text(req.Keys...)); err == nil && h.Vary != "" {
			if v := cachekey.Variant(key, h.Vary, req.Header); v != h.Variant {
				keys = append(keys, v)
			}
		}
	}

	var (
		purged bool
		errs   []error
	)
	for _, k := range keys {
		ok, err := c.purge(k)
		purged = purged || ok
		if err != nil {
			errs = append(errs, err)
		}
	}
	return purged, errors.Join(errs...)
}

func (c *Cache) purge(key cachekey.Key) (bool, error) {
	path := c.path(key)

	c.index.Lock()
	n, found := c.index.Lookup(key)
	if found {
		c.renew(n)
		if n.Count() == 0 {
			c.index.Remove(n)
		}
	}
	c.index.Unlock()

	_, statErr := c.fs.Stat(path)
	existed := statErr == nil
	if err := c.removeFile(path); err != nil {
		return found || existed, err
	}
	if found || existed {
		c.metrics.Evict(EvictPurge)
		c.log.Debug().Str("key", key.String()).Msg("Cache entry purged")
	}
	return found || existed, nil
}
