package ratelimit

import (
	"errors"
	"time"

	"github.com/keithlinneman/admissiond/internal/xerrors"
)

const (
	DefaultLimit         = 100
	DefaultWindow        = time.Minute
	DefaultSweepInterval = time.Minute
)

// Policy is the limit applied to one identity. Name is only a label for
// hooks and metrics.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

func (p Policy) Validate() error {
	var errs []error
	if p.Limit <= 0 {
		errs = append(errs, &ConfigurationError{Field: "limit", Value: p.Limit, Reason: "must be positive"})
	}
	if p.Window <= 0 {
		errs = append(errs, &ConfigurationError{Field: "window", Value: p.Window, Reason: "must be positive"})
	}
	return errors.Join(errs...)
}

// Config sets the default policy and housekeeping for a Limiter. Zero
// fields take the package defaults; MaxEntries 0 means unbounded.
type Config struct {
	DefaultLimit  int
	DefaultWindow time.Duration
	SweepInterval time.Duration
	MaxEntries    int
}

func (c Config) withDefaults() Config {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.DefaultWindow == 0 {
		c.DefaultWindow = DefaultWindow
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Validate checks c after defaults are applied and returns every problem
// joined.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if c.DefaultLimit < 0 {
		errs = append(errs, &ConfigurationError{Field: "default limit", Value: c.DefaultLimit, Reason: "must not be negative"})
	}
	if c.DefaultWindow < 0 {
		errs = append(errs, &ConfigurationError{Field: "default window", Value: c.DefaultWindow, Reason: "must not be negative"})
	}
	if c.SweepInterval < 0 {
		errs = append(errs, &ConfigurationError{Field: "sweep interval", Value: c.SweepInterval, Reason: "must not be negative"})
	}
	if c.MaxEntries < 0 {
		errs = append(errs, &ConfigurationError{Field: "max entries", Value: c.MaxEntries, Reason: "must not be negative"})
	}
	if len(errs) == 0 {
		return nil
	}
	return xerrors.WithStack(errors.Join(errs...))
}

func (c Config) defaultPolicy() Policy {
	return Policy{Name: "default", Limit: c.DefaultLimit, Window: c.DefaultWindow}
}
