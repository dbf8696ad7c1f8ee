package web

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

const (
	// nonceLength is the length of the CSP nonce in bytes (before base64 encoding).
	// 16 bytes = 128 bits of entropy, which is sufficient for CSP nonces.
	nonceLength = 16

	// noncePlaceholder is replaced with the request's nonce in HTML responses:
	// <script nonce="{{CSP_NONCE}}">
	noncePlaceholder = "{{CSP_NONCE}}"
)

// generateCSPNonce generates a cryptographically secure random nonce for CSP.
func generateCSPNonce() (string, error) {
	b := make([]byte, nonceLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// secureResponseWriter applies the hardening headers when the response
// starts, records the status code and injects the CSP nonce into
// uncompressed HTML bodies.
type secureResponseWriter struct {
	http.ResponseWriter
	headers     SecurityHeadersConfig
	nonce       string
	secure      bool
	statusCode  int
	wroteHeader bool
	hijacked    bool
	buffer      *bytes.Buffer // HTML awaiting nonce injection
}

func newSecureResponseWriter(w http.ResponseWriter, headers SecurityHeadersConfig, nonce string, secure bool) *secureResponseWriter {
	return &secureResponseWriter{
		ResponseWriter: w,
		headers:        headers,
		nonce:          nonce,
		secure:         secure,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader sets the security headers and, for HTML, defers the real
// header write until the body has been rewritten.
func (w *secureResponseWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = statusCode
	w.headers.apply(w.Header(), w.nonce, w.secure)

	if w.nonce != "" && w.injectable(statusCode) {
		w.buffer = &bytes.Buffer{}
		return
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *secureResponseWriter) injectable(statusCode int) bool {
	if statusCode == http.StatusNoContent || statusCode == http.StatusNotModified {
		return false
	}
	h := w.Header()
	return strings.Contains(h.Get("Content-Type"), "text/html") && h.Get("Content-Encoding") == ""
}

// Write buffers HTML content or writes directly for everything else.
func (w *secureResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(b))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.buffer != nil {
		return w.buffer.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// finish makes sure headers went out and flushes buffered HTML with the
// placeholder replaced.
func (w *secureResponseWriter) finish() {
	if w.hijacked {
		return
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.buffer == nil {
		return
	}

	html := strings.ReplaceAll(w.buffer.String(), noncePlaceholder, w.nonce)
	w.buffer = nil
	if w.Header().Get("Content-Length") != "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(html)))
	}
	w.ResponseWriter.WriteHeader(w.statusCode)
	_, _ = w.ResponseWriter.Write([]byte(html))
}

// Flush implements http.Flusher for streaming responses. Buffered HTML is
// only written by finish.
func (w *secureResponseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.buffer != nil {
		return
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket support.
func (w *secureResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		w.hijacked = true
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

// Unwrap returns the underlying ResponseWriter for interface detection.
// This is required for proper compatibility with http.TimeoutHandler and other middleware.
func (w *secureResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
