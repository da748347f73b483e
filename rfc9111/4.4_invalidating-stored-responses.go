package rfc9111

import "net/http"

// §  4.4.  Invalidating Stored Responses
// §
// §     Because unsafe request methods (Section 9.2.1 of [HTTP]) such as PUT,
// §     POST, or DELETE have the potential for changing state on the origin
// §     server, intervening caches are required to invalidate stored
// §     responses to keep their contents up to date.

// UnsafeRequest reports whether the request method is unsafe or of unknown
// safety. Only GET, HEAD, OPTIONS and TRACE are safe.
func UnsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// Invalidates reports whether a response to req requires invalidating the
// target URI.
//
// §     A cache MUST invalidate the target URI (Section 7.1 of [HTTP]) when
// §     it receives a non-error status code in response to an unsafe request
// §     method (including methods whose safety is unknown).
// §
// §     A "non-error response" is one with a 2xx (Successful) or 3xx
// §     (Redirection) status code.
func Invalidates(req *http.Request, statusCode int) bool {
	return UnsafeRequest(req) && statusCode >= 200 && statusCode < 400
}
