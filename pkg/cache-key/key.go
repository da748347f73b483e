package cachekey

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const (
	methodSeparator = ":"
	schemeSeparator = "://"
	varySeparator   = "\t"
)

// Size is the length of a Key in bytes.
const Size = md5.Size

// Key identifies a cacheable resource.
// The first 8 bytes, read big endian, are the ordering prefix used by the index;
// the last 8 bytes are the remainder that breaks prefix ties.
type Key [Size]byte

// Sum computes the key for an ordered list of key parts.
func Sum(parts ...string) Key {
	h := md5.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	var k Key
	h.Sum(k[:0])
	return k
}

// Text is the literal key text stored in cache files.
func Text(parts ...string) string {
	return strings.Join(parts, "")
}

// CRC is the checksum of the key text stored in the cache file header.
func CRC(text string) uint32 {
	return crc32.ChecksumIEEE([]byte(text))
}

func (k Key) Prefix() uint64 {
	return binary.BigEndian.Uint64(k[:8])
}

// Compare orders keys by prefix, then by remainder.
func (k Key) Compare(o Key) int {
	if a, b := k.Prefix(), o.Prefix(); a != b {
		if a < b {
			return -1
		}
		return 1
	}
	return bytes.Compare(k[8:], o[8:])
}

func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseHex parses the 32 hex digit form of a key, as used in file names.
func ParseHex(s string) (Key, bool) {
	var k Key
	if len(s) != 2*Size {
		return k, false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return k, false
		}
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, false
	}
	return k, true
}

// ParseLevels parses a directory layout such as "1:2".
// Up to three levels of one or two hex digits are allowed.
func ParseLevels(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ":")
	if len(fields) > 3 {
		return nil, fmt.Errorf("invalid levels %q: at most 3 levels", s)
	}
	levels := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 || n > 2 {
			return nil, fmt.Errorf("invalid levels %q: level must be 1 or 2", s)
		}
		levels = append(levels, n)
	}
	return levels, nil
}

// Dir returns the directory holding the file for k.
// Level names are taken from the end of the hex form of the key.
func Dir(root string, levels []int, k Key) string {
	name := k.String()
	elems := []string{root}
	end := len(name)
	for _, l := range levels {
		elems = append(elems, name[end-l:end])
		end -= l
	}
	return filepath.Join(elems...)
}

// Path returns the file name for k.
func Path(root string, levels []int, k Key) string {
	return filepath.Join(Dir(root, levels, k), k.String())
}

// normalizedHeaders are compared as sorted, trimmed token lists when
// computing variants.
var normalizedHeaders = map[string]bool{
	"accept":          true,
	"accept-charset":  true,
	"accept-encoding": true,
	"accept-language": true,
}

// VaryNames splits a Vary field value into lowercase header names.
func VaryNames(vary string) []string {
	var names []string
	for _, n := range strings.Split(vary, ",") {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// Variant derives the secondary key of main for the request headers listed in vary.
func Variant(main Key, vary string, h http.Header) Key {
	m := md5.New()
	m.Write(main[:])
	for _, name := range VaryNames(vary) {
		m.Write([]byte(name))
		m.Write([]byte(":"))
		values := h.Values(name)
		if normalizedHeaders[name] {
			m.Write([]byte(normalizeList(values)))
		} else {
			m.Write([]byte(strings.Join(values, ",")))
		}
		m.Write([]byte("\r\n"))
	}
	var k Key
	m.Sum(k[:0])
	return k
}

func normalizeList(values []string) string {
	var tokens []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	slices.Sort(tokens)
	return strings.Join(tokens, ",")
}

// Keyer builds key parts from incoming requests.
type Keyer struct {
	// Optional namespace prepended to every key, e.g. to separate origins
	// sharing one store.
	Prefix string
}

func NewKeyer(prefix string) Keyer {
	return Keyer{Prefix: prefix}
}

// Parts returns the ordered key parts for r.
// HEAD requests share the key of the equivalent GET.
// If the request has a `Cache-Key` header, that value is included in the key.
func (c Keyer) Parts(r *http.Request) ([]string, error) {
	method := r.Method
	switch method {
	case http.MethodGet:
	case http.MethodHead:
		method = http.MethodGet
	default:
		return nil, ErrorMethodNotSupported
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	parts := make([]string, 0, 6)
	if c.Prefix != "" {
		parts = append(parts, c.Prefix)
	}
	parts = append(parts, method+methodSeparator, scheme+schemeSeparator, host, r.URL.RequestURI())
	if ck := r.Header.Get("Cache-Key"); ck != "" {
		parts = append(parts, varySeparator+ck)
	}
	return parts, nil
}
