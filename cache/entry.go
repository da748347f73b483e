package cache

import (
	"io"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"github.com/always-cache/filecache/internal/index"
	cachekey "github.com/always-cache/filecache/pkg/cache-key"
	serializer "github.com/always-cache/filecache/pkg/response-serializer"
)

// Status is the outcome of a lookup.
type Status int

const (
	// Miss: nothing usable is stored. The request should populate the entry.
	Miss Status = iota
	// Hit: a fresh response is stored.
	Hit
	// Stale: an expired response is stored. If the entry can be populated the
	// request regenerates it, otherwise it serves the stale response.
	Stale
	// Negative: a failure is cached, see Entry.ErrorStatus.
	Negative
	// Busy: the response must be fetched without storing it. With a non-zero
	// RetryAfter the request should instead retry the lookup later.
	Busy
)

func (s Status) String() string {
	switch s {
	case Miss:
		return "miss"
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	case Negative:
		return "negative"
	case Busy:
		return "busy"
	}
	return "unknown"
}

// Request is the input of a lookup.
type Request struct {
	// Key parts; see cachekey.Sum.
	Keys []string
	// Request header, consulted when stored responses vary.
	Header http.Header
	Policy Policy
}

// Entry is the handle of one request on one cache entry. It is not safe for
// concurrent use. Close must be called when the request is done with it.
type Entry struct {
	Status Status
	// Time until the lookup should be retried, if Status is Busy.
	RetryAfter time.Duration
	// Status of a cached failure, if Status is Negative.
	ErrorStatus int

	c    *Cache
	req  Request
	text string

	mainKey   cachekey.Key
	key       cachekey.Key
	secondary bool

	node    index.Node
	hasNode bool
	exists  bool
	cold    bool
	// below the popularity floor, only a stored file is served
	scarce bool

	file      afero.File
	path      string
	size      int64
	uniq      uint64
	fsSize    int64
	bodyStart uint32
	hdr       serializer.Header
	head      []byte

	updating bool
	lockTime int64

	waitDeadline time.Time
	waitExpired  bool

	writer     *Writer
	failStatus int
	failValid  time.Time
	closed     bool
}

// Key returns the key the entry is stored under. For responses that vary
// this is the variant key.
func (e *Entry) Key() cachekey.Key { return e.key }

// Again reports whether the lookup waits for another request and should be retried.
func (e *Entry) Again() bool {
	return e.Status == Busy && e.RetryAfter > 0
}

// CanPopulate reports whether the request may store a response for this entry.
func (e *Entry) CanPopulate() bool {
	if e.closed || e.writer != nil || !e.hasNode {
		return false
	}
	return e.Status == Miss || e.Status == Stale && e.updating
}

// Stored returns the file header of a Hit or Stale entry.
func (e *Entry) Stored() serializer.Header { return e.hdr }

// StaleWhileUpdating reports whether a Stale entry is still within its
// stale-while-revalidate window.
func (e *Entry) StaleWhileUpdating(now time.Time) bool {
	return e.file != nil && e.hdr.UpdatingSec >= now.Unix()
}

// StaleIfError reports whether a Stale entry may be served after a failed
// regeneration.
func (e *Entry) StaleIfError(now time.Time) bool {
	return e.file != nil && e.hdr.ErrorSec >= now.Unix()
}

// Head returns the stored response head of a Hit or Stale entry.
func (e *Entry) Head() []byte { return e.head }

// Header parses the stored response head.
func (e *Entry) Header() (int, http.Header, error) {
	return serializer.BytesToHead(e.head)
}

// Body returns the stored response body of a Hit or Stale entry.
func (e *Entry) Body() *io.SectionReader {
	if e.file == nil {
		return io.NewSectionReader(emptyReaderAt{}, 0, 0)
	}
	return io.NewSectionReader(e.file, int64(e.bodyStart), e.size-int64(e.bodyStart))
}

type emptyReaderAt struct{}

func (emptyReaderAt) ReadAt([]byte, int64) (int, error) { return 0, io.EOF }

// Close releases the entry. A pending Writer is discarded. Close is
// idempotent.
func (e *Entry) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.writer != nil {
		e.writer.discard()
		e.writer = nil
	}
	e.c.free(e)
	return e.closeFile()
}

func (e *Entry) closeFile() error {
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	e.head = nil
	e.hdr = serializer.Header{}
	return err
}

// Abandon releases an entry whose regeneration was aborted.
func (c *Cache) Abandon(e *Entry) {
	e.Close()
}

// free drops the entry's reference to its node, recording a failure if
// there is one.
func (c *Cache) free(e *Entry) {
	if !e.hasNode {
		return
	}
	c.index.Lock()
	defer c.index.Unlock()
	if e.failStatus != 0 {
		n := e.node
		n.SetError(e.failStatus)
		n.SetValidSec(e.failValid.Unix())
		n.SetValidMsec(uint16(e.failValid.Nanosecond() / int(time.Millisecond)))
	}
	c.release(e)
}

// release drops the entry's reference to its node and removes the node if
// nothing worth keeping is left. Caller must hold the index lock.
func (c *Cache) release(e *Entry) {
	n := e.node
	n.SetCount(n.Count() - 1)
	if e.updating && n.LockTime() == e.lockTime {
		n.SetUpdating(false)
	}
	if !n.Exists() && n.Count() == 0 && n.Error() == 0 && e.req.Policy.minUses() <= 1 {
		c.index.Remove(n)
	}
	e.node, e.hasNode, e.updating = index.Node{}, false, false
}
