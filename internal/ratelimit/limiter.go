package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/xerrors"
)

// Limiter makes fixed-window admission decisions per identity and evicts
// expired windows in the background.
type Limiter struct {
	store      Store
	def        Policy
	maxEntries int
	sweepEvery time.Duration
	now        func() time.Time
	logger     log.Logger

	onDecision    func(identity string, p Policy, d Decision)
	onDenied      func(identity string, d Denied)
	onFirstDenied func(identity string)
	onCapacity    func()
	onSweep       func(evicted, remaining int)

	// atCapacity is set by the first capacity rejection and cleared once
	// entries are freed, so OnCapacity fires once per episode.
	atCapacity atomic.Bool

	noSweeper bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

func WithLogger(lg log.Logger) Option {
	return func(l *Limiter) { l.logger = lg }
}

// WithOnDecision is called for every decision, used for metrics.
func WithOnDecision(fn func(identity string, p Policy, d Decision)) Option {
	return func(l *Limiter) { l.onDecision = fn }
}

// WithOnDenied is called on every denial, including capacity denials.
func WithOnDenied(fn func(identity string, d Denied)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnFirstDenied is called once per identity per window, on its first
// limit denial. Use it for logging so a flood produces one line.
func WithOnFirstDenied(fn func(identity string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

// WithOnCapacity is called when a new identity is turned away because
// MaxEntries is reached. It fires again only after a sweep or reset frees
// space.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

// WithOnSweep is called after every sweep pass.
func WithOnSweep(fn func(evicted, remaining int)) Option {
	return func(l *Limiter) { l.onSweep = fn }
}

// WithoutSweeper skips the background goroutine; callers run Sweep.
func WithoutSweeper() Option {
	return func(l *Limiter) { l.noSweeper = true }
}

// New validates cfg and starts the sweep goroutine. The goroutine exits on
// Stop or when ctx is cancelled.
func New(ctx context.Context, cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	l := &Limiter{
		def:        cfg.defaultPolicy(),
		maxEntries: cfg.MaxEntries,
		sweepEvery: cfg.SweepInterval,
		now:        time.Now,
		logger:     log.Nop(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}

	if l.noSweeper {
		l.cancel = func() {}
		close(l.done)
		return l, nil
	}
	ctx, l.cancel = context.WithCancel(ctx)
	go l.sweepLoop(ctx)
	return l, nil
}

// Default returns the policy used by Check.
func (l *Limiter) Default() Policy { return l.def }

// Check applies the default policy to identity.
func (l *Limiter) Check(identity string) (Decision, error) {
	return l.CheckPolicy(identity, l.def)
}

// CheckPolicy records a request for identity under p and returns the
// decision. A window ends strictly after ResetAt; a request at exactly
// ResetAt still belongs to the old window. Denials leave the count and
// window untouched.
func (l *Limiter) CheckPolicy(identity string, p Policy) (Decision, error) {
	if identity == "" {
		return nil, xerrors.WithStack(&ConfigurationError{Field: "identity", Value: `""`, Reason: "must not be empty"})
	}
	if err := p.Validate(); err != nil {
		return nil, xerrors.WithStack(err)
	}

	now := l.now()
	var (
		d         Decision
		firstDeny bool
		overCap   bool
	)
	l.store.Update(identity, func(cur *Entry, size int) (Entry, bool) {
		if cur == nil || now.After(cur.ResetAt) {
			if cur == nil && l.maxEntries > 0 && size >= l.maxEntries {
				overCap = true
				d = Denied{
					RetryAfterSeconds: retryAfter(now.Add(l.sweepEvery), now),
					Limit:             p.Limit,
					ResetAt:           now.Add(l.sweepEvery),
					Reason:            ReasonCapacity,
				}
				return Entry{}, false
			}
			e := Entry{Identity: identity, Count: 1, ResetAt: now.Add(p.Window), Touched: now}
			d = admit(e, p)
			return e, true
		}

		e := *cur
		e.Touched = now
		if e.Count < p.Limit {
			e.Count++
			d = admit(e, p)
			return e, true
		}
		e.Denials++
		firstDeny = e.Denials == 1
		d = Denied{
			RetryAfterSeconds: retryAfter(e.ResetAt, now),
			Limit:             p.Limit,
			ResetAt:           e.ResetAt,
			Reason:            ReasonLimit,
		}
		return e, true
	})

	// hooks run outside the store lock
	if l.onDecision != nil {
		l.onDecision(identity, p, d)
	}
	if den, ok := d.(Denied); ok {
		if l.onDenied != nil {
			l.onDenied(identity, den)
		}
		if firstDeny && l.onFirstDenied != nil {
			l.onFirstDenied(identity)
		}
		if overCap && l.atCapacity.CompareAndSwap(false, true) && l.onCapacity != nil {
			l.onCapacity()
		}
	}
	return d, nil
}

func admit(e Entry, p Policy) Admitted {
	return Admitted{
		Count:     e.Count,
		Limit:     p.Limit,
		Remaining: max(p.Limit-e.Count, 0),
		ResetAt:   e.ResetAt,
	}
}

// Peek returns the entry for identity without counting a request.
func (l *Limiter) Peek(identity string) (Entry, bool) { return l.store.Get(identity) }

// Reset forgets identity so its next request opens a new window.
func (l *Limiter) Reset(identity string) bool {
	ok := l.store.Delete(identity)
	if ok {
		l.atCapacity.Store(false)
	}
	return ok
}

// ResetAll forgets every identity and returns how many were dropped.
func (l *Limiter) ResetAll() int {
	n := l.store.Clear()
	l.atCapacity.Store(false)
	return n
}

func (l *Limiter) Len() int { return l.store.Len() }

// Sweep evicts every expired entry once and returns the number removed.
func (l *Limiter) Sweep() int {
	n := l.store.DeleteExpired(l.now())
	if n > 0 {
		l.atCapacity.Store(false)
	}
	if l.onSweep != nil {
		l.onSweep(n, l.store.Len())
	}
	return n
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	defer close(l.done)
	t := time.NewTicker(l.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug(ctx, "ratelimit sweep", "evicted", n, "remaining", l.Len())
			}
		}
	}
}

// Stop halts the sweep goroutine and waits for it to exit. Safe to call
// more than once and after the New context is cancelled.
func (l *Limiter) Stop() {
	l.stopOnce.Do(l.cancel)
	<-l.done
}
