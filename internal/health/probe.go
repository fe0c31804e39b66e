package health

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/admissiond/internal/xerrors"
)

type Probe interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := errors.New(reason)
	return func(context.Context) error { return err }
}

// All passes when every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one non-nil probe passes. With no probes it
// fails.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return xerrors.New("no probes configured")
		}
		return errs[len(errs)-1]
	}
}

// Timeout bounds p to d. A probe that ignores its context still blocks
// the caller.
func Timeout(p Probe, d time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := p.Check(ctx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// ShutdownGate fails readiness once Close is called.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Close starts draining with the given reason ("draining" when empty).
func (g *ShutdownGate) Close(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Open clears a previous Close.
func (g *ShutdownGate) Open() { g.reason.Store(nil) }

func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return errors.New(*r)
		}
		return nil
	}
}
