package tee

import (
	"io"
	"net/http"
	"time"
)

// HeaderFunc is called once when the response header is written. It returns
// the writer that receives a copy of the body (nil for none) and whether the
// response is forwarded to the underlying http.ResponseWriter.
type HeaderFunc func(statusCode int, header http.Header) (w io.Writer, forward bool)

// ResponseSaver is a wrapper around http.ResponseWriter that copies the
// response body to a second writer.
type ResponseSaver struct {
	rw           http.ResponseWriter
	header       http.Header
	status       int
	wroteHeaders bool
	onHeader     HeaderFunc
	forward      bool
	w            io.Writer
	saved        int64
	saveErr      error
	writeErr     error
	CreatedAt    time.Time
}

// NewResponseSaver returns a new ResponseSaver. onHeader decides where the
// response goes; if it is nil the response is forwarded and not saved.
func NewResponseSaver(w http.ResponseWriter, onHeader HeaderFunc) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		header:    http.Header{},
		onHeader:  onHeader,
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// informational responses are passed through
	if statusCode >= 100 && statusCode < 200 {
		if t.rw != nil {
			copyHeader(t.rw.Header(), t.header)
			t.rw.WriteHeader(statusCode)
		}
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	t.forward = true
	if t.onHeader != nil {
		t.w, t.forward = t.onHeader(statusCode, t.header)
	}
	if t.forward && t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter. Errors of the save writer are
// recorded but do not affect the client.
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.w != nil && t.saveErr == nil {
		n, err := t.w.Write(b)
		t.saved += int64(n)
		t.saveErr = err
	}
	if !t.forward || t.rw == nil {
		return len(b), nil
	}
	n, err := t.rw.Write(b)
	if err != nil && t.writeErr == nil {
		t.writeErr = err
	}
	return n, err
}

// Flush implements http.Flusher.
func (t *ResponseSaver) Flush() {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if f, ok := t.rw.(http.Flusher); ok && t.forward {
		f.Flush()
	}
}

// Unwrap is used by http.ResponseController.
func (t *ResponseSaver) Unwrap() http.ResponseWriter {
	return t.rw
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Forwarded reports whether the response was sent to the client.
func (t *ResponseSaver) Forwarded() bool {
	return t.wroteHeaders && t.forward
}

// Saved returns the number of body bytes written to the save writer and the
// first error it returned.
func (t *ResponseSaver) Saved() (int64, error) {
	return t.saved, t.saveErr
}

// ClientErr returns the first error writing to the client.
func (t *ResponseSaver) ClientErr() error {
	return t.writeErr
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
