package rfc9111

import (
	"net/http"
	"time"
)

// §  5.3.  Expires
// §
// §     The "Expires" response header field gives the date/time after which
// §     the response is considered stale.
// §
// §     A cache recipient MUST interpret invalid date formats, especially the
// §     value "0", as representing a time in the past (i.e., "already
// §     expired").
func getExpires(header http.Header) (time.Time, bool) {
	values := header.Values("Expires")
	if len(values) == 0 {
		return time.Time{}, false
	}
	exp, err := HttpDate(values[0])
	if err != nil {
		return time.Unix(0, 0), true
	}
	return exp, true
}
