package opshttp

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/admissiond/internal/httpmw"
	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/ratelimit"
)

type entryResponse struct {
	Identity string    `json:"identity"`
	Count    int       `json:"count"`
	Denials  int       `json:"denials"`
	ResetAt  time.Time `json:"reset_at"`
	Touched  time.Time `json:"touched"`
}

type limiterSummary struct {
	Entries       int   `json:"entries"`
	DefaultLimit  int   `json:"default_limit"`
	DefaultWindow int64 `json:"default_window_ms"`
}

// limiterAdmin inspects and clears limiter state by name.
type limiterAdmin struct {
	limiters map[string]*ratelimit.Limiter
	logger   log.Logger
}

func (a *limiterAdmin) routes(r chi.Router) {
	r.Get("/admin/ratelimit", a.list)
	r.Route("/admin/ratelimit/{limiter}", func(r chi.Router) {
		r.Get("/entries/{identity}", a.getEntry)
		r.Delete("/entries/{identity}", a.resetEntry)
		r.Delete("/entries", a.resetAll)
		r.Post("/sweep", a.sweep)
	})
}

func (a *limiterAdmin) list(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(a.limiters))
	for name := range a.limiters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]limiterSummary, len(names))
	for _, name := range names {
		l := a.limiters[name]
		def := l.Default()
		out[name] = limiterSummary{Entries: l.Len(), DefaultLimit: def.Limit, DefaultWindow: def.Window.Milliseconds()}
	}
	writeJSON(w, http.StatusOK, out)
}

func identityParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := httpmw.PathParam(r, "identity")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed identity"})
	}
	return id, ok
}

func (a *limiterAdmin) limiter(w http.ResponseWriter, r *http.Request) (*ratelimit.Limiter, bool) {
	l, ok := a.limiters[chi.URLParam(r, "limiter")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown limiter"})
	}
	return l, ok
}

func (a *limiterAdmin) getEntry(w http.ResponseWriter, r *http.Request) {
	l, ok := a.limiter(w, r)
	if !ok {
		return
	}
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	e, found := l.Peek(id)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no entry"})
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{
		Identity: e.Identity,
		Count:    e.Count,
		Denials:  e.Denials,
		ResetAt:  e.ResetAt.UTC(),
		Touched:  e.Touched.UTC(),
	})
}

func (a *limiterAdmin) resetEntry(w http.ResponseWriter, r *http.Request) {
	l, ok := a.limiter(w, r)
	if !ok {
		return
	}
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	removed := l.Reset(id)
	a.logger.Info(r.Context(), "admin reset rate limit entry",
		"limiter", chi.URLParam(r, "limiter"), "identity", id, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (a *limiterAdmin) resetAll(w http.ResponseWriter, r *http.Request) {
	l, ok := a.limiter(w, r)
	if !ok {
		return
	}
	n := l.ResetAll()
	a.logger.Warn(r.Context(), "admin cleared all rate limit entries",
		"limiter", chi.URLParam(r, "limiter"), "removed", n)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (a *limiterAdmin) sweep(w http.ResponseWriter, r *http.Request) {
	l, ok := a.limiter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"evicted": l.Sweep(), "remaining": l.Len()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
