package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.Handler
		wantCode int
		wantBody string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok\n"},
		{"healthz nil probe", HealthzHandler(nil), http.StatusOK, "ok\n"},
		{"healthz failing", HealthzHandler(Fixed(false, "store wedged")), http.StatusServiceUnavailable, "store wedged\n"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready\n"},
		{"readyz failing", ReadyzHandler(Fixed(false, "no active policy table")), http.StatusServiceUnavailable, "no active policy table\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tt.wantCode || rec.Body.String() != tt.wantBody {
				t.Fatalf("got %d %q, want %d %q", rec.Code, rec.Body, tt.wantCode, tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}

func TestRegisterRoutes(t *testing.T) {
	var gate ShutdownGate
	r := chi.NewRouter()
	RegisterRoutes(r, nil, gate.Probe())

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/-/ping"); rec.Code != http.StatusOK || rec.Body.String() != "pong\n" {
		t.Fatalf("ping = %d %q", rec.Code, rec.Body)
	}
	if rec := get("/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("ready before drain = %d", rec.Code)
	}
	gate.Close("shutting down")
	if rec := get("/-/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready during drain = %d", rec.Code)
	}
	if rec := get("/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy during drain = %d", rec.Code)
	}
}
