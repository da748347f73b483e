// Package rfc9211 builds the Cache-Status response header (RFC 9211).
package rfc9211

import (
	"strconv"
	"strings"
	"time"
)

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin and
// §     why.
type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"
	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache contained a response that matched the request
	// URI, but it could not select a response based upon this request's
	// header fields and stored Vary header fields.
	FwdReasonVaryMiss FwdReason = "vary-miss"
	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"
	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus collects the parameters of one cache's Cache-Status entry.
// The zero value describes a request that was forwarded without a reason.
type CacheStatus struct {
	cache     string
	hit       bool
	fwdReason FwdReason
	fwdStatus int
	ttl       *time.Duration
	stored    bool
	collapsed bool
	key       string
	detail    string
}

// New returns the status of the cache named name.
func New(name string) *CacheStatus {
	return &CacheStatus{cache: name}
}

// §  2.1.  The hit Parameter
func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

// §  2.3.  The fwd-status Parameter
// §
// §     "fwd-status" indicates what status code the next hop server returned
// §     in response to the forwarded request.
func (cs *CacheStatus) ForwardStatus(status int) { cs.fwdStatus = status }

// §  2.4.  The ttl Parameter
// §
// §     "ttl" indicates the response's remaining freshness lifetime as
// §     calculated by the cache, as an integer number of seconds, measured
// §     when the response header section is sent by the cache.  This includes
// §     freshness assigned by the cache through, for example, heuristics (see
// §     Section 4.2.2 of [HTTP-CACHING]), local configuration, or other
// §     factors.  May be negative, to indicate staleness.
func (cs *CacheStatus) TTL(ttl time.Duration) { cs.ttl = &ttl }

// §  2.5.  The stored Parameter
func (cs *CacheStatus) Stored() { cs.stored = true }

// §  2.6.  The collapsed Parameter
// §
// §     "collapsed" indicates whether this request was collapsed together with
// §     one or more other forward requests.
func (cs *CacheStatus) Collapsed() { cs.collapsed = true }

// §  2.7.  The key Parameter
func (cs *CacheStatus) Key(key string) { cs.key = key }

// §  2.8.  The detail Parameter
func (cs *CacheStatus) Detail(detail string) { cs.detail = detail }

// String formats the entry as a structured field list member.
func (cs *CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(cs.cache)
	if cs.hit {
		b.WriteString("; hit")
	} else {
		reason := cs.fwdReason
		if reason == "" {
			reason = FwdReasonMiss
		}
		b.WriteString("; fwd=")
		b.WriteString(string(reason))
	}
	if cs.fwdStatus != 0 {
		b.WriteString("; fwd-status=")
		b.WriteString(strconv.Itoa(cs.fwdStatus))
	}
	if cs.ttl != nil {
		b.WriteString("; ttl=")
		b.WriteString(strconv.FormatInt(int64(*cs.ttl/time.Second), 10))
	}
	if cs.stored {
		b.WriteString("; stored")
	}
	if cs.collapsed {
		b.WriteString("; collapsed")
	}
	if cs.key != "" {
		b.WriteString("; key=")
		b.WriteString(strconv.Quote(cs.key))
	}
	if cs.detail != "" {
		b.WriteString("; detail=")
		b.WriteString(cs.detail)
	}
	return b.String()
}
