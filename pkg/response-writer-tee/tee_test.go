package tee

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTee(t *testing.T) {
	rec := httptest.NewRecorder()
	var saved bytes.Buffer
	var gotStatus int
	rs := NewResponseSaver(rec, func(status int, header http.Header) (io.Writer, bool) {
		gotStatus = status
		assert.Equal(t, "text/plain", header.Get("Content-Type"))
		return &saved, true
	})

	rs.Header().Set("Content-Type", "text/plain")
	rs.Write([]byte("hello "))
	rs.Write([]byte("world"))

	assert.Equal(t, http.StatusOK, gotStatus)
	assert.Equal(t, http.StatusOK, rs.StatusCode())
	assert.True(t, rs.Forwarded())
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hello world", saved.String())
	n, err := rs.Saved()
	assert.Equal(t, int64(11), n)
	assert.NoError(t, err)
}

func TestTeeHoldsBackResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	rs := NewResponseSaver(rec, func(int, http.Header) (io.Writer, bool) { return nil, false })

	rs.Header().Set("X-Origin", "1")
	rs.WriteHeader(http.StatusBadGateway)
	n, err := rs.Write([]byte("upstream error"))

	assert.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.False(t, rs.Forwarded())
	assert.Equal(t, http.StatusBadGateway, rs.StatusCode())
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, rec.Header().Get("X-Origin"))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestTeeSaveErrorDoesNotAffectClient(t *testing.T) {
	rec := httptest.NewRecorder()
	rs := NewResponseSaver(rec, func(int, http.Header) (io.Writer, bool) { return failingWriter{}, true })

	rs.WriteHeader(http.StatusOK)
	rs.WriteHeader(http.StatusTeapot)
	_, err := rs.Write([]byte("body"))

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code, "the header is written once")
	assert.Equal(t, "body", rec.Body.String())
	_, err = rs.Saved()
	assert.EqualError(t, err, "disk full")
}
