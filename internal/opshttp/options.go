package opshttp

import (
	"net/http"

	"github.com/keithlinneman/admissiond/internal/health"
	"github.com/keithlinneman/admissiond/internal/ratelimit"
)

type Options struct {
	// Port defaults to 9000.
	Port int

	Metrics     http.Handler
	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe

	// Limiters are exposed under /admin/ratelimit/{name}.
	Limiters map[string]*ratelimit.Limiter

	// OnPanic runs after a recovered handler panic.
	OnPanic func()
}
