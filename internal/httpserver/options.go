package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/admissiond/internal/health"
	"github.com/keithlinneman/admissiond/internal/httpmw"
	"github.com/keithlinneman/admissiond/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	ClientIPOpts httpmw.ClientIPOptions
	// RateLimitMW is the front-door limiter. Health probes bypass it.
	RateLimitMW func(http.Handler) http.Handler
	// Policy feeds X-Policy-Version and X-Policy-Hash.
	Policy       httpmw.PolicyInfo
	APIRoutes    func(chi.Router)
	MaxBodyBytes int64
}
