package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyInfo reports the active policy table. policy.Manager implements it.
type PolicyInfo interface {
	Version() string
	Hash() string
}

// PolicyHeaders adds X-Policy-Version and a short X-Policy-Hash to every
// response so callers can tell which limits applied.
func PolicyHeaders(info PolicyInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, h := info.Version(), info.Hash()
			if v != "" {
				w.Header().Set("X-Policy-Version", v)
			}
			if h != "" {
				short := h
				if len(short) > 12 {
					short = short[:12]
				}
				w.Header().Set("X-Policy-Hash", short)
			}
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("policy.version", v),
					attribute.String("policy.hash", h),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}
