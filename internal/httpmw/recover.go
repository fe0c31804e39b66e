package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, when
// set, runs after the log line (the metrics package counts panics there).
// http.ErrAbortHandler is re-raised.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				logger.Error(r.Context(), xerrors.WithStack(err), "panic in http handler",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				)
				if onPanic != nil {
					onPanic()
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal error"}` + "\n"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
