package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDAssignedAndEchoed(t *testing.T) {
	s := NewServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status: %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("no request id assigned")
	}
}

func TestRequestIDFromCallerIsKept(t *testing.T) {
	s := NewServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "ride-report-7")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "ride-report-7" {
		t.Fatalf("caller request id not echoed, got %q", got)
	}
}

func TestClientAddrPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientAddr(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded client, got %q", got)
	}
	req.Header.Del("X-Forwarded-For")
	if got := clientAddr(req); got != "10.0.0.1" {
		t.Fatalf("expected remote host, got %q", got)
	}
}
