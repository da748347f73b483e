package rfc9111

import (
	"net/http"
	"time"
)

// §  4.2.3.  Calculating Age
// §
// §     age_value
// §        The term "age_value" denotes the value of the Age header field
// §        (Section 5.1), in a form appropriate for arithmetic operation; or
// §        0, if not available.
func ageValue(header http.Header) time.Duration {
	if age, present := getAge(header); present {
		return age
	}
	return 0
}

// §     date_value
// §        The term "date_value" denotes the value of the Date header field,
// §        in a form appropriate for arithmetic operations.
//
// The response time is used if there is no valid Date.
func dateValue(header http.Header, responseTime time.Time) time.Time {
	if dateHeader := header.Get("Date"); dateHeader != "" {
		if date, err := HttpDate(dateHeader); err == nil {
			return date
		}
	}
	return responseTime
}

// CorrectedInitialAge returns the age of a response when it was received at
// responseTime. Request and response time are assumed to be the same.
//
// §       apparent_age = max(0, response_time - date_value);
// §
// §       response_delay = response_time - request_time;
// §       corrected_age_value = age_value + response_delay;
// §
// §       corrected_initial_age = max(apparent_age, corrected_age_value);
func CorrectedInitialAge(header http.Header, responseTime time.Time) time.Duration {
	apparentAge := max(0, responseTime.Sub(dateValue(header, responseTime)))
	return max(apparentAge, ageValue(header))
}

// CurrentAge returns the age of a stored response at now.
//
// §       resident_time = now - response_time;
// §       current_age = corrected_initial_age + resident_time;
func CurrentAge(header http.Header, responseTime, now time.Time) time.Duration {
	return CorrectedInitialAge(header, responseTime) + max(0, now.Sub(responseTime))
}
