// Package admissionapi serves admission decisions and failed-attempt
// tracking over HTTP for front doors that cannot embed the limiter.
package admissionapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/admissiond/internal/httpmw"
	"github.com/keithlinneman/admissiond/internal/lockout"
	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/policy"
	"github.com/keithlinneman/admissiond/internal/ratelimit"
)

const (
	maxRequestBytes = 16 << 10

	// largest window_ms that still fits a time.Duration
	maxWindowMS = math.MaxInt64 / int64(time.Millisecond)
)

// Policies is the read side of policy.Manager.
type Policies interface {
	Resolve(name string) ratelimit.Policy
	Lockout(name string) (policy.Lockout, bool)
	Current() *policy.Table
}

// API implements the /v1 endpoints.
type API struct {
	limiter  *ratelimit.Limiter
	tracker  *lockout.Tracker
	policies Policies
	logger   log.Logger
	now      func() time.Time
}

func NewAPI(limiter *ratelimit.Limiter, tracker *lockout.Tracker, policies Policies, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		limiter:  limiter,
		tracker:  tracker,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}
}

func (api *API) RegisterRoutes(r chi.Router) {
	r.Post("/v1/check", api.HandleCheck)
	r.Post("/v1/attempts/check", api.HandleAttemptCheck)
	r.Post("/v1/attempts/failures", api.HandleAttemptFailure)
	r.Delete("/v1/attempts/{key}", api.HandleAttemptClear)
	r.Get("/v1/policies", api.HandlePolicies)
}

// HandleCheck counts one request for the identity and answers with the
// decision. Denials are 200 responses; only malformed requests fail.
func (api *API) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckRequest
	if !api.decode(w, r, &req) {
		return
	}

	p := api.policies.Resolve(req.Policy)
	if req.Limit != nil {
		p.Limit = *req.Limit
	}
	if req.WindowMS != nil {
		if *req.WindowMS > maxWindowMS {
			api.configError(ctx, w, &ratelimit.ConfigurationError{Field: "window_ms", Value: *req.WindowMS, Reason: "too large"})
			return
		}
		p.Window = time.Duration(*req.WindowMS) * time.Millisecond
	}

	d, err := api.limiter.CheckPolicy(req.Identity, p)
	if err != nil {
		api.configError(ctx, w, err)
		return
	}

	resp := CheckResponse{Policy: p.Name}
	switch d := d.(type) {
	case ratelimit.Admitted:
		resp.Admitted = true
		resp.Count = d.Count
		resp.Limit = d.Limit
		resp.Remaining = d.Remaining
		resp.ResetAt = d.ResetAt.UTC()
	case ratelimit.Denied:
		resp.Limit = d.Limit
		resp.ResetAt = d.ResetAt.UTC()
		resp.RetryAfterSeconds = d.RetryAfterSeconds
		resp.Reason = string(d.Reason)
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) HandleAttemptCheck(w http.ResponseWriter, r *http.Request) {
	var req AttemptRequest
	if !api.decode(w, r, &req) {
		return
	}
	lo, _ := api.policies.Lockout(req.Policy)
	api.writeAttemptStatus(w, r, req.Key, lo)
}

// HandleAttemptFailure records a failed attempt and returns the status
// that results from it.
func (api *API) HandleAttemptFailure(w http.ResponseWriter, r *http.Request) {
	var req AttemptRequest
	if !api.decode(w, r, &req) {
		return
	}
	lo, _ := api.policies.Lockout(req.Policy)
	if err := api.tracker.RecordFailure(attemptKey(lo.Name, req.Key)); err != nil {
		api.configError(r.Context(), w, err)
		return
	}
	api.writeAttemptStatus(w, r, req.Key, lo)
}

// HandleAttemptClear forgets a key, normally after a successful attempt.
// The lockout policy comes from the "policy" query parameter.
func (api *API) HandleAttemptClear(w http.ResponseWriter, r *http.Request) {
	key, ok := httpmw.PathParam(r, "key")
	if !ok {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "malformed key"})
		return
	}
	lo, _ := api.policies.Lockout(r.URL.Query().Get("policy"))
	cleared := api.tracker.Clear(attemptKey(lo.Name, key))
	api.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"key":     key,
		"policy":  lo.Name,
		"cleared": cleared,
	})
}

func (api *API) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	t := api.policies.Current()
	def := t.Default()
	resp := PoliciesResponse{
		Version:  t.Version,
		SHA256:   t.SHA256,
		Source:   string(t.Source),
		LoadedAt: t.LoadedAt.UTC().Truncate(time.Second),
		Default:  LimitSummary{Limit: def.Limit, WindowMS: def.Window.Milliseconds()},
		Policies: make(map[string]LimitSummary),
		Lockouts: make(map[string]LockoutSummary),
	}
	for _, name := range t.PolicyNames() {
		p, _ := t.Policy(name)
		resp.Policies[name] = LimitSummary{Limit: p.Limit, WindowMS: p.Window.Milliseconds()}
	}
	for _, name := range t.LockoutNames() {
		lo, _ := t.Lockout(name)
		resp.Lockouts[name] = LockoutSummary{MaxAttempts: lo.MaxAttempts, LockoutMS: lo.Lockout.Milliseconds()}
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) writeAttemptStatus(w http.ResponseWriter, r *http.Request, key string, lo policy.Lockout) {
	st, err := api.tracker.CheckWith(attemptKey(lo.Name, key), lo.MaxAttempts, lo.Lockout)
	if err != nil {
		api.configError(r.Context(), w, err)
		return
	}

	resp := AttemptStatus{
		Key:       key,
		Policy:    lo.Name,
		Allowed:   st.Allowed,
		Remaining: st.Remaining,
	}
	if !st.LockedUntil.IsZero() {
		until := st.LockedUntil.UTC()
		resp.LockedUntil = &until
		if left := until.Sub(api.now()); left > 0 {
			resp.RetryAfterSeconds = int((left + time.Second - 1) / time.Second)
		}
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// attemptKey scopes keys by lockout policy so that, for example, register
// and verify failures for the same address are tracked separately.
func attemptKey(policyName, key string) string {
	if key == "" {
		return ""
	}
	return policyName + "/" + key
}

func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid request body"
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.writeJSON(r.Context(), w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		if s := err.Error(); strings.HasPrefix(s, "json: unknown field") {
			msg = strings.TrimPrefix(s, "json: ")
		}
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: msg})
		return false
	}
	return true
}

func (api *API) configError(ctx context.Context, w http.ResponseWriter, err error) {
	if !errors.Is(err, ratelimit.ErrConfiguration) {
		api.logger.Error(ctx, err, "admission request failed")
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	api.logger.Debug(ctx, "rejected admission request", "error", err.Error())
	api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
