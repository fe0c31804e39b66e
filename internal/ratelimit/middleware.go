package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/keithlinneman/admissiond/internal/httpmw"
)

// Resolver maps a policy name to a Policy. Unknown names resolve to a
// default rather than failing.
type Resolver interface {
	Resolve(name string) Policy
}

// Middleware limits requests by client IP under the named policy. It must
// run after httpmw.ClientIP. Requests without a client IP are rejected with
// 400 instead of sharing one bucket. A nil Resolver uses the limiter's
// default policy.
func (l *Limiter) Middleware(name string, res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httpmw.ClientIPFromContext(r.Context())
			if ip == "" {
				writeJSONError(w, http.StatusBadRequest, `{"error":"client address unavailable"}`)
				return
			}

			p := l.def
			if res != nil {
				p = res.Resolve(name)
			}
			d, err := l.CheckPolicy(ip, p)
			if err != nil {
				l.logger.Error(r.Context(), err, "ratelimit check failed", "policy", name, "client_ip", ip)
				writeJSONError(w, http.StatusInternalServerError, `{"error":"internal error"}`)
				return
			}

			h := w.Header()
			switch d := d.(type) {
			case Admitted:
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
				next.ServeHTTP(w, r)
			case Denied:
				retry := strconv.Itoa(d.RetryAfterSeconds)
				h.Set("Retry-After", retry)
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				h.Set("X-RateLimit-Remaining", "0")
				h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
				writeJSONError(w, http.StatusTooManyRequests, `{"error":"too many requests","retry_after_seconds":`+retry+`}`)
			}
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
