package rfc9111

import (
	"net/http"
	"time"
)

// §  5.1.  Age
// §
// §     The "Age" response header field conveys the sender's estimate of the
// §     time since the response was generated or successfully validated at
// §     the origin server.
// §
// §       Age = delta-seconds
func getAge(header http.Header) (time.Duration, bool) {
	if secondsStr := header.Get("Age"); secondsStr != "" {
		return deltaSeconds(secondsStr)
	}
	return 0, false
}
