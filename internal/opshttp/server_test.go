package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/admissiond/internal/health"
	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/ratelimit"
)

func adminRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestLimiter(t *testing.T, now *time.Time) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(t.Context(), ratelimit.Config{DefaultLimit: 2, DefaultWindow: time.Minute},
		ratelimit.WithClock(func() time.Time { return *now }), ratelimit.WithoutSweeper())
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestHandler_Health(t *testing.T) {
	h := NewHandler(log.Nop(), Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(false, "no active policy table"),
	})

	if rec := adminRequest(t, h, http.MethodGet, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	rec := adminRequest(t, h, http.MethodGet, "/-/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "no active policy table") {
		t.Fatalf("ready = %d %q", rec.Code, rec.Body)
	}
}

func TestHandler_Metrics(t *testing.T) {
	h := NewHandler(log.Nop(), Options{Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("up 1\n"))
	})})
	if rec := adminRequest(t, h, http.MethodGet, "/metrics"); rec.Body.String() != "up 1\n" {
		t.Fatalf("metrics body = %q", rec.Body)
	}

	bare := NewHandler(log.Nop(), Options{})
	if rec := adminRequest(t, bare, http.MethodGet, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler = %d", rec.Code)
	}
}

func TestHandler_Pprof(t *testing.T) {
	off := NewHandler(log.Nop(), Options{})
	if rec := adminRequest(t, off, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}

	on := NewHandler(log.Nop(), Options{EnablePprof: true})
	if rec := adminRequest(t, on, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
	if rec := adminRequest(t, on, http.MethodGet, "/debug/pprof/goroutine?debug=1"); rec.Code != http.StatusOK {
		t.Fatalf("pprof goroutine = %d", rec.Code)
	}
}

func TestHandler_RejectsPublicAndProxied(t *testing.T) {
	h := NewHandler(log.Nop(), Options{Health: health.Fixed(true, "")})

	pub := httptest.NewRequest(http.MethodGet, "/-/healthy", nil)
	pub.RemoteAddr = "203.0.113.10:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, pub)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("public peer = %d", rec.Code)
	}

	proxied := httptest.NewRequest(http.MethodGet, "/-/healthy", nil)
	proxied.RemoteAddr = "10.0.0.2:5000"
	proxied.Header.Set("X-Forwarded-For", "203.0.113.10")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, proxied)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("proxied = %d", rec.Code)
	}
}

func TestHandler_RecoversPanics(t *testing.T) {
	var panics int
	h := NewHandler(log.Nop(), Options{
		Health:  health.CheckFunc(func(context.Context) error { panic("probe exploded") }),
		OnPanic: func() { panics++ },
	})
	if rec := adminRequest(t, h, http.MethodGet, "/-/healthy"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d", panics)
	}
}

func TestLimiterAdmin(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	front := newTestLimiter(t, &now)
	h := NewHandler(log.Nop(), Options{Limiters: map[string]*ratelimit.Limiter{"frontdoor": front}})

	for i := 0; i < 3; i++ {
		if _, err := front.Check("10.0.0.9"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := front.Check("10.0.0.10"); err != nil {
		t.Fatal(err)
	}

	rec := adminRequest(t, h, http.MethodGet, "/admin/ratelimit/frontdoor/entries/10.0.0.9")
	if rec.Code != http.StatusOK {
		t.Fatalf("get entry = %d %s", rec.Code, rec.Body)
	}
	var e entryResponse
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatal(err)
	}
	if e.Count != 2 || e.Denials != 1 || !e.ResetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("entry = %+v", e)
	}

	if rec := adminRequest(t, h, http.MethodGet, "/admin/ratelimit/frontdoor/entries/nobody"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing entry = %d", rec.Code)
	}
	if rec := adminRequest(t, h, http.MethodGet, "/admin/ratelimit/other/entries/x"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown limiter = %d", rec.Code)
	}

	rec = adminRequest(t, h, http.MethodGet, "/admin/ratelimit")
	if !strings.Contains(rec.Body.String(), `"frontdoor":{"entries":2,"default_limit":2,"default_window_ms":60000}`) {
		t.Fatalf("list = %s", rec.Body)
	}

	rec = adminRequest(t, h, http.MethodDelete, "/admin/ratelimit/frontdoor/entries/10.0.0.9")
	if !strings.Contains(rec.Body.String(), `"removed":true`) {
		t.Fatalf("reset = %s", rec.Body)
	}
	if _, ok := front.Peek("10.0.0.9"); ok {
		t.Fatal("entry survived reset")
	}

	rec = adminRequest(t, h, http.MethodDelete, "/admin/ratelimit/frontdoor/entries")
	if !strings.Contains(rec.Body.String(), `"removed":1`) || front.Len() != 0 {
		t.Fatalf("reset all = %s, len = %d", rec.Body, front.Len())
	}
}

func TestLimiterAdmin_IdentityWithSlash(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLimiter(t, &now)
	h := NewHandler(log.Nop(), Options{Limiters: map[string]*ratelimit.Limiter{"check": l}})

	if _, err := l.Check("tenant/42"); err != nil {
		t.Fatal(err)
	}

	rec := adminRequest(t, h, http.MethodGet, "/admin/ratelimit/check/entries/tenant%2F42")
	if rec.Code != http.StatusOK {
		t.Fatalf("get entry = %d %s", rec.Code, rec.Body)
	}
	var e entryResponse
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatal(err)
	}
	if e.Identity != "tenant/42" || e.Count != 1 {
		t.Fatalf("entry = %+v", e)
	}

	rec = adminRequest(t, h, http.MethodDelete, "/admin/ratelimit/check/entries/tenant%2F42")
	if !strings.Contains(rec.Body.String(), `"removed":true`) {
		t.Fatalf("reset = %s", rec.Body)
	}
	if _, ok := l.Peek("tenant/42"); ok {
		t.Fatal("entry survived reset")
	}
}

func TestLimiterAdmin_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLimiter(t, &now)
	h := NewHandler(log.Nop(), Options{Limiters: map[string]*ratelimit.Limiter{"check": l}})

	if _, err := l.Check("a"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	rec := adminRequest(t, h, http.MethodPost, "/admin/ratelimit/check/sweep")
	if !strings.Contains(rec.Body.String(), `"evicted":1`) {
		t.Fatalf("sweep = %s", rec.Body)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStart_ServeAndStop(t *testing.T) {
	port := freePort(t)
	stop, err := Start(t.Context(), log.Nop(), Options{Port: port, Health: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Fatalf("healthy = %d %q", resp.StatusCode, body)
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still serving after stop")
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, err := Start(t.Context(), log.Nop(), Options{Port: ln.Addr().(*net.TCPAddr).Port}); err == nil {
		t.Fatal("expected listen error")
	}
}
