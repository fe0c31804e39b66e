package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"propagated", "req-123", true},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"control chars", "abc\x00def", false},
		{"spaces", "two words", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fromCtx string
			h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fromCtx = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(DefaultRequestIDHeader, tt.incoming)
			}
			rec := serve(t, h, req)

			echoed := rec.Header().Get(DefaultRequestIDHeader)
			if echoed != fromCtx {
				t.Fatalf("echoed %q, context %q", echoed, fromCtx)
			}
			if tt.keep {
				if fromCtx != tt.incoming {
					t.Fatalf("id = %q, want %q", fromCtx, tt.incoming)
				}
				return
			}
			if _, err := uuid.Parse(fromCtx); err != nil {
				t.Fatalf("generated id %q is not a uuid: %v", fromCtx, err)
			}
		})
	}
}

func TestRequestID_CustomHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-1")
	rec := serve(t, RequestID("X-Correlation-Id")(okHandler), req)
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr-1" {
		t.Fatalf("header = %q", got)
	}
}

func TestRequestIDFromContext_Missing(t *testing.T) {
	if got := RequestIDFromContext(t.Context()); got != "" {
		t.Fatalf("got %q", got)
	}
}
