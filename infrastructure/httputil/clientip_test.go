package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPTrustsForwardedHeaderBehindPrivatePeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:41234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")

	if got := ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("ClientIP() = %q, want 203.0.113.9", got)
	}
}

func TestClientIPIgnoresForwardedHeaderFromPublicPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "203.0.113.9:41234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	if got := ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("ClientIP() = %q, want the direct peer 203.0.113.9", got)
	}
}

func TestClientIPFallsBackToRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "127.0.0.1:41234"
	req.Header.Set("X-Real-IP", "203.0.113.9")

	if got := ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("ClientIP() = %q, want 203.0.113.9", got)
	}
}

func TestClientIPHandlesBareRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.168.1.20"

	if got := ClientIP(req); got != "192.168.1.20" {
		t.Fatalf("ClientIP() = %q, want 192.168.1.20", got)
	}
}

func TestClientIPNilRequest(t *testing.T) {
	if got := ClientIP(nil); got != "" {
		t.Fatalf("ClientIP(nil) = %q, want empty", got)
	}
}
