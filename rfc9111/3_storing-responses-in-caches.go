package rfc9111

import (
	"net/http"
	"slices"
)

// MustNotStore returns a boolean indicating if a response MUST NOT be stored
// by a shared cache.
//
// §  3.  Storing Responses in Caches
// §
// §     A cache MUST NOT store a response to a request unless:
func MustNotStore(req *http.Request, res *http.Response) bool {
	resCacheControl := ParseCacheControl(res.Header.Values("Cache-Control"))
	// §  *  the request method is understood by the cache;
	if !requestMethodIsUnderstood(req.Method) {
		return true
	}
	// §  *  the response status code is final (see Section 15 of [HTTP]);
	if !responseStatusCodeIsFinal(res.StatusCode) {
		return true
	}
	// §  *  if the response status code is 206 or 304, or the must-understand
	// §     cache directive (see Section 5.2.2.3) is present: the cache
	// §     understands the response status code;
	if !statusCodeUnderstoodIfNeeded(res, resCacheControl) {
		return true
	}
	// §  *  the no-store cache directive is not present in the response (see
	// §     Section 5.2.2.5);
	if resCacheControl.HasDirective("no-store") {
		return true
	}
	// §  *  if the cache is shared: the private response directive is either
	// §     not present or allows a shared cache to store a modified response;
	//
	// the second part of the or is a "MAY" - we don't do that
	if resCacheControl.HasDirective("private") {
		return true
	}
	// §  *  if the cache is shared: the Authorization header field is not
	// §     present in the request (see Section 11.6.2 of [HTTP]) or a
	// §     response directive is present that explicitly allows shared
	// §     caching (see Section 3.5); and
	if req.Header.Get("Authorization") != "" && !mayUseResponseForAuthenticatedRequest(resCacheControl) {
		return true
	}
	// stored responses are reused without validation, so no-cache means the
	// response is not stored at all
	if resCacheControl.HasDirective("no-cache") {
		return true
	}
	// responses that vary on everything cannot be selected again
	if slices.Contains(GetListHeader(res.Header, "Vary"), "*") {
		return true
	}
	// a cookie must not be handed to other clients
	if res.Header.Get("Set-Cookie") != "" {
		return true
	}
	// §  *  the response contains at least one of the following: [...]
	//
	// §     Note that a cache extension can override any of the requirements
	// §     listed; see Section 5.2.3.
	//
	// responses without explicit freshness are stored with a configured
	// default lifetime, see Freshness.Explicit
	return false
}

// statusCodeUnderstoodIfNeeded checks if the response status code needs to be understood and is.
func statusCodeUnderstoodIfNeeded(res *http.Response, resCacheControl CacheControl) bool {
	if res.StatusCode == http.StatusPartialContent || res.StatusCode == http.StatusNotModified ||
		resCacheControl.HasDirective("must-understand") {
		return responseStatusCodeIsUnderstood(res.StatusCode)
	}
	return true
}

func requestMethodIsUnderstood(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

func responseStatusCodeIsUnderstood(statusCode int) bool {
	switch statusCode {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusMultipleChoices, http.StatusMovedPermanently, http.StatusFound,
		http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusGone,
		http.StatusRequestURITooLong, http.StatusNotImplemented:
		return true
	}
	return false
}

func responseStatusCodeIsFinal(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 599
}
