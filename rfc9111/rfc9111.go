// Package rfc9111 implements the parts of HTTP Caching (RFC 9111) needed by
// a shared cache that stores responses without validating them: storability,
// freshness and age, plus the stale-while-revalidate and stale-if-error
// extensions of RFC 5861.
//
// Files are named after the sections they implement.
package rfc9111

import (
	"net/http"
	"time"
)

// Freshness describes how long a stored response may be used.
type Freshness struct {
	// Explicit is false if the response carries no expiration information.
	// Valid is then the response time.
	Explicit bool
	// The response is fresh until Valid.
	Valid time.Time
	// How long after Valid the response may be served while it is updated.
	StaleWhileRevalidate time.Duration
	// How long after Valid the response may be served if updating fails.
	StaleIfError time.Duration
}

// GetFreshness evaluates the expiration information of a response received
// at responseTime.
//
// §  4.2.  Freshness
// §
// §     A response's "freshness_lifetime" is the length of time between its
// §     generation by the origin server and its expiration time.
// §
// §     The calculation to determine if a response is fresh is:
// §
// §        response_is_fresh = (freshness_lifetime > current_age)
func GetFreshness(res *http.Response, responseTime time.Time) Freshness {
	cc := ParseCacheControl(res.Header.Values("Cache-Control"))
	f := Freshness{Valid: responseTime}
	if lifetime, ok := freshnessLifetime(res.Header, cc, responseTime); ok {
		f.Explicit = true
		f.Valid = responseTime.Add(lifetime - CorrectedInitialAge(res.Header, responseTime))
	}
	// §  4.2.4.  Serving Stale Responses
	// §
	// §     A cache MUST NOT generate a stale response if it is prohibited by an
	// §     explicit in-protocol directive (e.g., by a no-cache response
	// §     directive, a must-revalidate response directive, or an applicable
	// §     s-maxage or proxy-revalidate response directive; see Section 5.2.2).
	if cc.HasDirective("must-revalidate") || cc.HasDirective("proxy-revalidate") || cc.HasDirective("s-maxage") {
		return f
	}
	f.StaleWhileRevalidate, _ = cc.StaleWhileRevalidate()
	f.StaleIfError, _ = cc.StaleIfError()
	return f
}

// LastModified returns the Last-Modified date of a response, if valid.
func LastModified(header http.Header) time.Time {
	if v := header.Get("Last-Modified"); v != "" {
		if t, err := HttpDate(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Date returns the Date of a response, or the response time.
func Date(header http.Header, responseTime time.Time) time.Time {
	return dateValue(header, responseTime)
}
