package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/admissiond/internal/admissionapi"
	"github.com/keithlinneman/admissiond/internal/httpserver"
	"github.com/keithlinneman/admissiond/internal/lockout"
	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/policy"
	"github.com/keithlinneman/admissiond/internal/ratelimit"
)

const integrationDoc = `
version: "it-1"
default: {limit: 5, window: 1m}
policies:
  api: {limit: 3, window: 1m}
  market-history: {limit: 1, window: 1m}
lockouts:
  default: {max_attempts: 2, lockout: 10m}
`

// TestIntegration_FullStack runs the admission API behind the front-door
// limiter with real limiters, a parsed policy table and the full
// middleware chain.
func TestIntegration_FullStack(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tbl, err := policy.Parse([]byte(integrationDoc))
	if err != nil {
		t.Fatalf("policy.Parse: %v", err)
	}
	mgr := policy.NewManager(nil)
	mgr.Set(tbl)

	frontdoor, err := ratelimit.New(t.Context(), ratelimit.Config{}, ratelimit.WithClock(clock), ratelimit.WithoutSweeper())
	if err != nil {
		t.Fatalf("frontdoor: %v", err)
	}
	t.Cleanup(frontdoor.Stop)
	check, err := ratelimit.New(t.Context(), ratelimit.Config{}, ratelimit.WithClock(clock), ratelimit.WithoutSweeper())
	if err != nil {
		t.Fatalf("check limiter: %v", err)
	}
	t.Cleanup(check.Stop)
	tr, err := lockout.New(t.Context(), lockout.Config{}, lockout.WithClock(clock), lockout.WithoutPruner())
	if err != nil {
		t.Fatalf("lockout.New: %v", err)
	}
	t.Cleanup(tr.Stop)

	api := admissionapi.NewAPI(check, tr, mgr, log.Nop())
	h := httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		RateLimitMW:  frontdoor.Middleware("api", mgr),
		Policy:       mgr,
		APIRoutes:    api.RegisterRoutes,
	})

	post := func(t *testing.T, client, path, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.RemoteAddr = client + ":5000"
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("check admits then denies by named policy", func(t *testing.T) {
		body := `{"identity":"user-1","policy":"market-history"}`
		rec := post(t, "198.51.100.1", "/v1/check", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("first = %d %s", rec.Code, rec.Body)
		}
		if got := rec.Header().Get("X-Policy-Version"); got != "it-1" {
			t.Fatalf("X-Policy-Version = %q", got)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Fatalf("front-door X-RateLimit-Limit = %q, want 3", got)
		}

		rec = post(t, "198.51.100.1", "/v1/check", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("second = %d", rec.Code)
		}
		var resp admissionapi.CheckResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Admitted || resp.Policy != "market-history" || resp.RetryAfterSeconds != 60 {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("front door limits the client address", func(t *testing.T) {
		for i := range 3 {
			if rec := post(t, "198.51.100.2", "/v1/check", `{"identity":"x"}`); rec.Code != http.StatusOK {
				t.Fatalf("request %d = %d", i, rec.Code)
			}
		}
		rec := post(t, "198.51.100.2", "/v1/check", `{"identity":"x"}`)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != "60" {
			t.Fatalf("Retry-After = %q, want 60", got)
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatal("security headers missing on 429")
		}

		// another address has its own budget
		if rec := post(t, "198.51.100.3", "/v1/check", `{"identity":"x"}`); rec.Code != http.StatusOK {
			t.Fatalf("other client = %d", rec.Code)
		}
	})

	t.Run("window reset readmits", func(t *testing.T) {
		now = now.Add(61 * time.Second)
		if rec := post(t, "198.51.100.2", "/v1/check", `{"identity":"x"}`); rec.Code != http.StatusOK {
			t.Fatalf("after window = %d", rec.Code)
		}
	})

	t.Run("health is never limited", func(t *testing.T) {
		for range 10 {
			req := httptest.NewRequest(http.MethodGet, "/-/healthy", nil)
			req.RemoteAddr = "198.51.100.4:5000"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("healthy = %d", rec.Code)
			}
		}
	})

	t.Run("unknown field is rejected", func(t *testing.T) {
		rec := post(t, "198.51.100.5", "/v1/check", `{"identity":"x","bogus":1}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}
