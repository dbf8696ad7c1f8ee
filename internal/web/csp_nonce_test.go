package web

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func TestGenerateCSPNonce(t *testing.T) {
	nonces := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, err := generateCSPNonce()
		if err != nil {
			t.Fatalf("generateCSPNonce() error = %v", err)
		}
		// Nonce should be base64 encoded (24 chars for 16 bytes)
		if len(nonce) != 24 {
			t.Errorf("generateCSPNonce() length = %d, want 24", len(nonce))
		}
		if nonces[nonce] {
			t.Errorf("generateCSPNonce() generated duplicate nonce: %s", nonce)
		}
		nonces[nonce] = true
	}
}

func serveSecure(handler http.HandlerFunc, nonce string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	sw := newSecureResponseWriter(rec, DefaultSecurityHeadersConfig(), nonce, false)
	handler(sw, httptest.NewRequest(http.MethodGet, "/", nil))
	sw.finish()
	return rec
}

func TestSecureResponseWriter_InjectsNonceIntoHTML(t *testing.T) {
	page := `<html><script nonce="{{CSP_NONCE}}" src="a.js"></script><style nonce="{{CSP_NONCE}}"></style></html>`
	rec := serveSecure(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", "999")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(page))
	}, "NONCE")

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	body := rec.Body.String()
	if strings.Count(body, `nonce="NONCE"`) != 2 {
		t.Errorf("nonce not injected everywhere: %s", body)
	}
	if got := rec.Header().Get("Content-Length"); got != "" && got != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %s, body is %d bytes", got, len(body))
	}
	if !strings.Contains(rec.Header().Get("Content-Security-Policy"), "'nonce-NONCE'") {
		t.Error("CSP header does not carry the nonce")
	}
}

func TestSecureResponseWriter_PassesThroughNonHTML(t *testing.T) {
	rec := serveSecure(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"nonce":"{{CSP_NONCE}}"}`))
	}, "NONCE")

	if !strings.Contains(rec.Body.String(), noncePlaceholder) {
		t.Error("non-HTML body must not be rewritten")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("headers missing on JSON response")
	}
}

func TestSecureResponseWriter_SkipsCompressedHTML(t *testing.T) {
	rec := serveSecure(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("compressed"))
	}, "NONCE")

	if rec.Body.String() != "compressed" {
		t.Errorf("compressed body altered: %q", rec.Body.String())
	}
}

func TestSecureResponseWriter_HeadersWithoutBody(t *testing.T) {
	rec := serveSecure(func(w http.ResponseWriter, r *http.Request) {}, "NONCE")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("headers not applied to empty response")
	}
}
