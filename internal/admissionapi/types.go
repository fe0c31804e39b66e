package admissionapi

import "time"

// CheckRequest asks for an admission decision. Limit and WindowMS, when
// set, override the named policy for this call only.
type CheckRequest struct {
	Identity string `json:"identity"`
	Policy   string `json:"policy,omitempty"`
	Limit    *int   `json:"limit,omitempty"`
	WindowMS *int64 `json:"window_ms,omitempty"`
}

// CheckResponse carries either the admitted or the denied fields.
type CheckResponse struct {
	Admitted bool      `json:"admitted"`
	Policy   string    `json:"policy"`
	Limit    int       `json:"limit"`
	ResetAt  time.Time `json:"reset_at"`

	Count     int `json:"count,omitempty"`
	Remaining int `json:"remaining"`

	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

type AttemptRequest struct {
	Key    string `json:"key"`
	Policy string `json:"policy,omitempty"`
}

type AttemptStatus struct {
	Key               string     `json:"key"`
	Policy            string     `json:"policy"`
	Allowed           bool       `json:"allowed"`
	Remaining         int        `json:"remaining"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
}

type LimitSummary struct {
	Limit    int   `json:"limit"`
	WindowMS int64 `json:"window_ms"`
}

type LockoutSummary struct {
	MaxAttempts int   `json:"max_attempts"`
	LockoutMS   int64 `json:"lockout_ms"`
}

// PoliciesResponse describes the active policy table.
type PoliciesResponse struct {
	Version  string                    `json:"version,omitempty"`
	SHA256   string                    `json:"sha256,omitempty"`
	Source   string                    `json:"source"`
	LoadedAt time.Time                 `json:"loaded_at"`
	Default  LimitSummary              `json:"default"`
	Policies map[string]LimitSummary   `json:"policies"`
	Lockouts map[string]LockoutSummary `json:"lockouts"`
}

type errorResponse struct {
	Error string `json:"error"`
}
