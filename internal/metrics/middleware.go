package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records request count, latency, size and 5xx errors. It may
// sit outside the chi router: a route context is seeded so the matched
// pattern is visible once the router returns. Unmatched requests are
// labelled "unmatched" rather than by raw path.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		m.observe(r, sw, time.Since(start))
	})
}

func (m *ServerMetrics) observe(r *http.Request, sw *statusWriter, took time.Duration) {
	code := sw.status
	if code == 0 {
		code = http.StatusOK
	}
	route := chi.RouteContext(r.Context()).RoutePattern()
	if route == "" {
		route = "unmatched"
	}

	m.reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
	if code >= http.StatusInternalServerError {
		m.errorsTot.WithLabelValues(r.Method, route).Inc()
	}
	m.respBytes.WithLabelValues(r.Method, route).Observe(float64(sw.n))

	obs := m.reqDur.WithLabelValues(r.Method, route)
	eo, ok := obs.(prometheus.ExemplarObserver)
	ex := traceExemplar(r.Context())
	if ok && ex != nil {
		eo.ObserveWithExemplar(took.Seconds(), ex)
		return
	}
	obs.Observe(took.Seconds())
}

// traceExemplar links a latency sample to its sampled trace.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
