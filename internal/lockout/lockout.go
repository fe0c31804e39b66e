// Package lockout tracks failed attempts per key (login name, email, OTP
// target) and locks the key once too many pile up. Unlike ratelimit, only
// failures recorded by the caller count.
package lockout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keithlinneman/admissiond/internal/ratelimit"
	"github.com/keithlinneman/admissiond/internal/xerrors"
)

const (
	DefaultMaxAttempts   = 5
	DefaultLockout       = 15 * time.Minute
	DefaultPruneInterval = 10 * time.Minute
)

type Config struct {
	MaxAttempts   int
	Lockout       time.Duration
	PruneInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Lockout == 0 {
		c.Lockout = DefaultLockout
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if c.MaxAttempts < 0 {
		errs = append(errs, &ratelimit.ConfigurationError{Field: "max attempts", Value: c.MaxAttempts, Reason: "must not be negative"})
	}
	if c.Lockout < 0 {
		errs = append(errs, &ratelimit.ConfigurationError{Field: "lockout", Value: c.Lockout, Reason: "must not be negative"})
	}
	if c.PruneInterval < 0 {
		errs = append(errs, &ratelimit.ConfigurationError{Field: "prune interval", Value: c.PruneInterval, Reason: "must not be negative"})
	}
	if len(errs) == 0 {
		return nil
	}
	return xerrors.WithStack(errors.Join(errs...))
}

// Status is the answer for one key. LockedUntil is zero unless the key is
// locked.
type Status struct {
	Allowed     bool
	Remaining   int
	LockedUntil time.Time
}

type Event string

const (
	EventFailure Event = "failure"
	EventLocked  Event = "locked"
	EventExpired Event = "expired"
	EventCleared Event = "cleared"
)

type attempts struct {
	count int
	last  time.Time
	// hold is the longest lockout any check applied to this key; prune
	// keeps the entry at least that long.
	hold time.Duration
}

type Tracker struct {
	mu      sync.Mutex
	entries map[string]attempts

	cfg     Config
	now     func() time.Time
	onEvent func(key string, ev Event)

	noPruner bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithOnEvent is called outside the lock for failures, lock hits, expiries
// and clears.
func WithOnEvent(fn func(key string, ev Event)) Option {
	return func(t *Tracker) { t.onEvent = fn }
}

func WithoutPruner() Option {
	return func(t *Tracker) { t.noPruner = true }
}

func New(ctx context.Context, cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		entries: make(map[string]attempts),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.noPruner {
		t.cancel = func() {}
		close(t.done)
		return t, nil
	}
	ctx, t.cancel = context.WithCancel(ctx)
	go t.pruneLoop(ctx)
	return t, nil
}

func (t *Tracker) Config() Config { return t.cfg }

// Check reports whether key may attempt again under the configured limits.
func (t *Tracker) Check(key string) (Status, error) {
	return t.CheckWith(key, t.cfg.MaxAttempts, t.cfg.Lockout)
}

// CheckWith is Check with per-call limits. A key whose last failure is
// older than lockout starts over.
func (t *Tracker) CheckWith(key string, maxAttempts int, lockout time.Duration) (Status, error) {
	if err := validate(key, maxAttempts, lockout); err != nil {
		return Status{}, err
	}
	now := t.now()

	t.mu.Lock()
	a, ok := t.entries[key]
	var st Status
	var ev Event
	switch {
	case !ok:
		st = Status{Allowed: true, Remaining: maxAttempts}
	case now.Sub(a.last) > lockout:
		delete(t.entries, key)
		st = Status{Allowed: true, Remaining: maxAttempts}
		ev = EventExpired
	case a.count >= maxAttempts:
		if lockout > a.hold {
			a.hold = lockout
			t.entries[key] = a
		}
		st = Status{LockedUntil: a.last.Add(lockout)}
		ev = EventLocked
	default:
		if lockout > a.hold {
			a.hold = lockout
			t.entries[key] = a
		}
		st = Status{Allowed: true, Remaining: maxAttempts - a.count}
	}
	t.mu.Unlock()

	if ev != "" {
		t.emit(key, ev)
	}
	return st, nil
}

// RecordFailure counts one failed attempt for key.
func (t *Tracker) RecordFailure(key string) error {
	if key == "" {
		return emptyKey()
	}
	now := t.now()

	t.mu.Lock()
	a := t.entries[key]
	a.count++
	a.last = now
	if a.hold == 0 {
		a.hold = t.cfg.Lockout
	}
	t.entries[key] = a
	t.mu.Unlock()

	t.emit(key, EventFailure)
	return nil
}

// Clear forgets key, typically after a successful attempt.
func (t *Tracker) Clear(key string) bool {
	t.mu.Lock()
	_, ok := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()

	if ok {
		t.emit(key, EventCleared)
	}
	return ok
}

// Prune drops keys whose last failure is older than their lockout.
func (t *Tracker) Prune() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, a := range t.entries {
		if now.Sub(a.last) > a.hold {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) pruneLoop(ctx context.Context) {
	defer close(t.done)
	tk := time.NewTicker(t.cfg.PruneInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.Prune()
		}
	}
}

// Stop halts the prune goroutine; safe to call more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(t.cancel)
	<-t.done
}

func (t *Tracker) emit(key string, ev Event) {
	if t.onEvent != nil {
		t.onEvent(key, ev)
	}
}

func validate(key string, maxAttempts int, lockout time.Duration) error {
	if key == "" {
		return emptyKey()
	}
	if maxAttempts <= 0 {
		return xerrors.WithStack(&ratelimit.ConfigurationError{Field: "max attempts", Value: maxAttempts, Reason: "must be positive"})
	}
	if lockout <= 0 {
		return xerrors.WithStack(&ratelimit.ConfigurationError{Field: "lockout", Value: lockout, Reason: "must be positive"})
	}
	return nil
}

func emptyKey() error {
	return xerrors.WithStack(&ratelimit.ConfigurationError{Field: "key", Value: `""`, Reason: "must not be empty"})
}
