package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetMaxBodyBytes(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 8<<20 {
		t.Fatalf("expected default, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
}

func TestSetRequestTimeoutNormalizesNegative(t *testing.T) {
	SetRequestTimeout(-time.Second)
	if requestTimeout != 0 {
		t.Fatalf("expected 0, got %v", requestTimeout)
	}
}

func TestCORSPreflight(t *testing.T) {
	SetCORSOptions(true, []string{"http://ui.local"}, []string{"GET", "POST", "DELETE"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)
	h := NewMux(newMockTracker(), testCatalog(), nil)

	req := httptest.NewRequest(http.MethodOptions, "/sessions/clip/propagate", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Fatalf("allow-origin=%q status=%d", got, w.Code)
	}
}
