package rfc9111

import (
	"net/http"
	"time"
)

// freshnessLifetime returns the explicit freshness lifetime of a response
// and whether there is one.
//
// §  4.2.1.  Calculating Freshness Lifetime
// §
// §     A cache can calculate the freshness lifetime (denoted as
// §     freshness_lifetime) of a response by evaluating the following rules
// §     and using the first match:
func freshnessLifetime(header http.Header, cc CacheControl, responseTime time.Time) (time.Duration, bool) {
	// §     *  If the cache is shared and the s-maxage response directive
	// §        (Section 5.2.2.10) is present, use its value, or
	if val, ok := cc.SMaxAge(); ok {
		return val, true
	}
	// §     *  If the max-age response directive (Section 5.2.2.1) is present,
	// §        use its value, or
	if val, ok := cc.MaxAge(); ok {
		return val, true
	}
	// §     *  If the Expires response header field (Section 5.3) is present, use
	// §        its value minus the value of the Date response header field (using
	// §        the time the message was received if it is not present, as per
	// §        Section 6.6.1 of [HTTP]), or
	if expires, present := getExpires(header); present {
		date := dateValue(header, responseTime)
		return max(expires.Sub(date), 0), true
	}
	// §     *  Otherwise, no explicit expiration time is present in the response.
	// §        A heuristic freshness lifetime might be applicable; see
	// §        Section 4.2.2.
	//
	// no heuristics: the caller applies its configured default
	return 0, false
}
