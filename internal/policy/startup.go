package policy

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/xerrors"
)

type RetryOptions struct {
	Logger          log.Logger
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the whole attempt; zero means two minutes.
	MaxElapsed time.Duration
}

// LoadInitial loads the published table into mgr, retrying transient
// failures with exponential backoff. Integrity and validation failures are
// returned at once.
func LoadInitial(ctx context.Context, f interface {
	Load(ctx context.Context) (*Table, error)
}, mgr *Manager, opts RetryOptions) error {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 2 * time.Minute
	}

	b := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		b.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		b.MaxInterval = opts.MaxInterval
	}

	t, err := backoff.Retry(ctx, func() (*Table, error) {
		t, err := f.Load(ctx)
		if err != nil && (errors.Is(err, ErrIntegrity) || errors.Is(err, ErrInvalidDocument)) {
			return nil, backoff.Permanent(err)
		}
		return t, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(opts.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			opts.Logger.Warn(ctx, "initial policy load failed, retrying",
				"error", err.Error(),
				"next_attempt_in", next.String(),
			)
		}),
	)
	if err != nil {
		return xerrors.Wrap(err, "initial policy load")
	}
	mgr.Set(t)
	return nil
}
