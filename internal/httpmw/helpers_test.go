package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/keithlinneman/admissiond/internal/log"
)

type logEntry struct {
	level string
	msg   string
	err   error
	kv    []any
}

type logSink struct {
	mu      sync.Mutex
	entries []logEntry
}

// recordingLogger captures log calls, including those made through With.
type recordingLogger struct {
	sink   *logSink
	fields []any
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{sink: &logSink{}}
}

func (l *recordingLogger) With(kv ...any) log.Logger {
	return &recordingLogger{sink: l.sink, fields: append(append([]any{}, l.fields...), kv...)}
}

func (l *recordingLogger) add(level, msg string, err error, kv []any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.entries = append(l.sink.entries, logEntry{level: level, msg: msg, err: err, kv: append(append([]any{}, l.fields...), kv...)})
}

func (l *recordingLogger) Debug(_ context.Context, msg string, kv ...any) { l.add("debug", msg, nil, kv) }
func (l *recordingLogger) Info(_ context.Context, msg string, kv ...any)  { l.add("info", msg, nil, kv) }
func (l *recordingLogger) Warn(_ context.Context, msg string, kv ...any)  { l.add("warn", msg, nil, kv) }
func (l *recordingLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add("error", msg, err, kv)
}
func (l *recordingLogger) Sync() error { return nil }

func (l *recordingLogger) all() []logEntry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return append([]logEntry(nil), l.sink.entries...)
}

func (e logEntry) field(key string) (any, bool) {
	for i := 0; i+1 < len(e.kv); i += 2 {
		if k, _ := e.kv[i].(string); k == key {
			return e.kv[i+1], true
		}
	}
	return nil, false
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
