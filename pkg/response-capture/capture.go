// Package capture wraps an http.ResponseWriter so the response can be
// recorded for the cache while it streams to the client. A shadow
// capture records without any client at all, which is how background
// refreshes replay the origin handler.
package capture

import (
	"bytes"
	"net/http"
)

// Capture implements http.ResponseWriter around an optional real
// writer. Everything written through it is buffered; if a real writer
// is present the bytes are forwarded to it as well.
type Capture struct {
	// BeforeWriteHeader, when set, runs once just before the status
	// line is committed. It may still add or change headers; the
	// caching layer uses it to stamp x-cache and friends onto the
	// response before the first body byte goes out.
	BeforeWriteHeader func(statusCode int, header http.Header)

	rw          http.ResponseWriter
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

// New returns a Capture that tees all writes to w.
func New(w http.ResponseWriter) *Capture {
	return &Capture{
		rw:     w,
		header: make(http.Header),
	}
}

// NewShadow returns a Capture with no underlying writer. Writes are
// recorded and silently discarded, never reaching a client.
func NewShadow() *Capture {
	return New(nil)
}

// Header implements http.ResponseWriter.
func (c *Capture) Header() http.Header {
	return c.header
}

// WriteHeader implements http.ResponseWriter. Repeated calls after
// the first are ignored, matching net/http semantics.
func (c *Capture) WriteHeader(statusCode int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = statusCode
	if c.BeforeWriteHeader != nil {
		c.BeforeWriteHeader(statusCode, c.header)
	}
	if c.rw != nil {
		copyHeader(c.rw.Header(), c.header)
		c.rw.WriteHeader(statusCode)
	}
}

// Write implements http.ResponseWriter.
func (c *Capture) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if c.rw != nil {
		if _, err := c.rw.Write(b); err != nil {
			// keep recording for the cache even when the client
			// connection is gone
			c.rw = nil
		}
	}
	return c.body.Write(b)
}

// Flush implements http.Flusher when the underlying writer does.
func (c *Capture) Flush() {
	if f, ok := c.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// StatusCode returns the recorded status code, defaulting to 200 when
// the handler never called WriteHeader.
func (c *Capture) StatusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// StatusMessage returns the standard status text for the recorded
// status code.
func (c *Capture) StatusMessage() string {
	return http.StatusText(c.StatusCode())
}

// Body returns the recorded response body.
func (c *Capture) Body() []byte {
	return c.body.Bytes()
}

// ContentType returns the recorded Content-Type header, sniffing the
// body when the handler never set one.
func (c *Capture) ContentType() string {
	if ct := c.header.Get("Content-Type"); ct != "" {
		return ct
	}
	if c.body.Len() > 0 {
		return http.DetectContentType(c.body.Bytes())
	}
	return ""
}

// ContentLength returns the recorded body length. A handler-set
// Content-Length header is deliberately ignored: after buffering, the
// body length is the authoritative value.
func (c *Capture) ContentLength() int64 {
	return int64(c.body.Len())
}

// ContentEncoding returns the recorded Content-Encoding header, if
// any.
func (c *Capture) ContentEncoding() string {
	return c.header.Get("Content-Encoding")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
