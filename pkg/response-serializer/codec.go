package serializer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"

	cachekey "github.com/always-cache/filecache/pkg/cache-key"
)

// Version of the cache file format. Files with another version are ignored.
const Version = 1

const (
	// MaxETag is the longest ETag that is stored. Longer ETags are dropped.
	MaxETag = 42
	// MaxVary is the longest Vary value that can be stored.
	MaxVary = 42
)

// FixedSize is the size of the fixed part of the cache file header.
const FixedSize = 162

// fixed header layout
const (
	offVersion      = 0
	offCRC          = 4
	offValidSec     = 8
	offUpdatingSec  = 16
	offErrorSec     = 24
	offLastModified = 32
	offDate         = 40
	offValidMsec    = 48
	offHeaderStart  = 52
	offBodyStart    = 56
	offETag         = 60
	offVary         = offETag + 1 + MaxETag
	offVariant      = offVary + 1 + MaxVary
)

const keyPrefix = "\nKEY: "

var (
	ErrTruncated     = errors.New("cache file: truncated header")
	ErrVersion       = errors.New("cache file: version mismatch")
	ErrKeyMismatch   = errors.New("cache file: key mismatch")
	ErrCorrupt       = errors.New("cache file: corrupt header")
	ErrHeaderTooLong = errors.New("cache file: header too long")
	ErrVaryTooLong   = errors.New("cache file: vary too long")
	ErrVaryStar      = errors.New("cache file: vary is *")
)

var le = binary.LittleEndian

// Header holds the fields of a cache file that are needed without parsing the payload.
// Times are unix seconds.
type Header struct {
	// The response is fresh until ValidSec (plus ValidMsec milliseconds).
	ValidSec  int64
	ValidMsec uint16
	// Stale content may be served until UpdatingSec while the entry is being regenerated.
	UpdatingSec int64
	// Stale content may be served until ErrorSec when regeneration fails.
	ErrorSec     int64
	LastModified int64
	Date         int64
	// HeaderStart is the offset of the payload head, BodyStart the offset of the payload body.
	HeaderStart uint32
	BodyStart   uint32
	ETag        string
	Vary        string
	Variant     cachekey.Key
}

// KeyRegion returns the bytes that store the key text.
func KeyRegion(keyText string) string {
	return keyPrefix + keyText + "\n"
}

// Encode serializes h, the key region and the payload head.
// HeaderStart and BodyStart are computed and returned in the updated header.
// The payload body is to be appended by the caller.
func Encode(h Header, keyText string, head []byte) ([]byte, Header, error) {
	if strings.TrimSpace(h.Vary) == "*" {
		return nil, h, ErrVaryStar
	}
	if len(h.Vary) > MaxVary {
		return nil, h, ErrVaryTooLong
	}
	if len(h.ETag) > MaxETag {
		h.ETag = ""
	}
	key := KeyRegion(keyText)
	h.HeaderStart = uint32(FixedSize + len(key))
	h.BodyStart = h.HeaderStart + uint32(len(head))

	buf := make([]byte, FixedSize, int(h.BodyStart))
	le.PutUint32(buf[offVersion:], Version)
	le.PutUint32(buf[offCRC:], cachekey.CRC(keyText))
	le.PutUint64(buf[offValidSec:], uint64(h.ValidSec))
	le.PutUint64(buf[offUpdatingSec:], uint64(h.UpdatingSec))
	le.PutUint64(buf[offErrorSec:], uint64(h.ErrorSec))
	le.PutUint64(buf[offLastModified:], uint64(h.LastModified))
	le.PutUint64(buf[offDate:], uint64(h.Date))
	le.PutUint16(buf[offValidMsec:], h.ValidMsec)
	le.PutUint32(buf[offHeaderStart:], h.HeaderStart)
	le.PutUint32(buf[offBodyStart:], h.BodyStart)
	buf[offETag] = byte(len(h.ETag))
	copy(buf[offETag+1:], h.ETag)
	buf[offVary] = byte(len(h.Vary))
	copy(buf[offVary+1:], h.Vary)
	copy(buf[offVariant:], h.Variant[:])

	buf = append(buf, key...)
	buf = append(buf, head...)
	return buf, h, nil
}

// Decode validates the start of a cache file against the key text of the
// request and returns its header. buf must hold at least the bytes up to
// the payload body.
func Decode(buf []byte, keyText string) (Header, error) {
	var h Header
	if len(buf) < FixedSize {
		return h, ErrTruncated
	}
	if le.Uint32(buf[offVersion:]) != Version {
		return h, ErrVersion
	}
	h.HeaderStart = le.Uint32(buf[offHeaderStart:])
	h.BodyStart = le.Uint32(buf[offBodyStart:])
	key := KeyRegion(keyText)
	if le.Uint32(buf[offCRC:]) != cachekey.CRC(keyText) || int(h.HeaderStart) != FixedSize+len(key) {
		return h, ErrKeyMismatch
	}
	if int(h.HeaderStart) > len(buf) {
		return h, ErrHeaderTooLong
	}
	if !bytes.Equal(buf[FixedSize:h.HeaderStart], []byte(key)) {
		return h, ErrKeyMismatch
	}
	etagLen, varyLen := int(buf[offETag]), int(buf[offVary])
	if etagLen > MaxETag || varyLen > MaxVary || h.BodyStart < h.HeaderStart {
		return h, ErrCorrupt
	}
	if int(h.BodyStart) > len(buf) {
		return h, ErrHeaderTooLong
	}

	h.ValidSec = int64(le.Uint64(buf[offValidSec:]))
	h.UpdatingSec = int64(le.Uint64(buf[offUpdatingSec:]))
	h.ErrorSec = int64(le.Uint64(buf[offErrorSec:]))
	h.LastModified = int64(le.Uint64(buf[offLastModified:]))
	h.Date = int64(le.Uint64(buf[offDate:]))
	h.ValidMsec = le.Uint16(buf[offValidMsec:])
	h.ETag = string(buf[offETag+1 : offETag+1+etagLen])
	h.Vary = string(buf[offVary+1 : offVary+1+varyLen])
	copy(h.Variant[:], buf[offVariant:offVariant+cachekey.Size])
	return h, nil
}
