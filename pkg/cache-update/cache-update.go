package cacheupdate

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/filecache/rfc9111"
)

// Targets returns the request URIs whose stored responses are invalidated by
// a response with statusCode and header to req. The result is empty unless
// rfc9111.Invalidates holds; otherwise it starts with the target URI of req.
//
// The Location and Content-Location fields as well as `Cache-Update` entries
// name further URIs. Parameters of `Cache-Update` entries, such as delay, are
// ignored. URIs on another host are never returned.
//
// §     A cache MAY invalidate other URIs when it receives a non-error status
// §     code in response to an unsafe request method (including methods whose
// §     safety is unknown).  In particular, the URI(s) in the Location and
// §     Content-Location response header fields (if present) are candidates
// §     for invalidation; other URIs might be discovered through mechanisms
// §     not specified in this document.  However, a cache MUST NOT trigger an
// §     invalidation under these conditions if the origin (Section 4.3.1 of
// §     [HTTP]) of the URI to be invalidated differs from that of the target
// §     URI (Section 7.1 of [HTTP]).
func Targets(req *http.Request, statusCode int, header http.Header) []string {
	if !rfc9111.Invalidates(req, statusCode) {
		return nil
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	base := &url.URL{Path: req.URL.Path, RawPath: req.URL.RawPath, RawQuery: req.URL.RawQuery}

	targets := []string{base.RequestURI()}
	add := func(ref string) {
		if ref == "" {
			return
		}
		u, err := url.Parse(ref)
		if err != nil || (u.Host != "" && !strings.EqualFold(u.Host, host)) {
			return
		}
		u = base.ResolveReference(u)
		uri := (&url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}).RequestURI()
		for _, t := range targets {
			if t == uri {
				return
			}
		}
		targets = append(targets, uri)
	}

	add(header.Get("Location"))
	add(header.Get("Content-Location"))
	for _, update := range rfc9111.GetListHeader(header, "Cache-Update") {
		// path is the first element
		path, _, _ := strings.Cut(update, ";")
		add(strings.TrimSpace(path))
	}
	return targets
}
