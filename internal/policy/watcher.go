package policy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/admissiond/internal/cryptoutil"
	"github.com/keithlinneman/admissiond/internal/log"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultStaleThreshold = 30 * time.Minute

	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollHashError
	pollLoadError
)

// Fetcher is what the Watcher needs from a Loader.
type Fetcher interface {
	CurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Table, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncPolicyPolls()
	IncPolicySwaps()
	IncPolicyError(kind string)
	ObservePolicyLoadDuration(seconds float64)
	SetPolicyLastSuccess(unixSeconds float64)
	SetPolicyStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Fetcher      Fetcher
	Manager      *Manager
	PollInterval time.Duration

	// OnSwap runs on the poll goroutine after a new table is active.
	OnSwap func(t *Table)

	Metrics WatcherMetrics

	// StaleThreshold is how long SSM may fail before the table is
	// reported stale.
	StaleThreshold time.Duration
}

// Watcher polls the published digest and swaps in new tables.
type Watcher struct {
	fetcher  Fetcher
	manager  *Manager
	logger   log.Logger
	interval time.Duration
	onSwap   func(t *Table)
	metrics  WatcherMetrics
	now      func() time.Time

	currentHash     string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	stale          bool
	backoffLog     rate.Sometimes

	polls int64
	swaps int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	w := &Watcher{
		fetcher:        opts.Fetcher,
		manager:        opts.Manager,
		logger:         opts.Logger,
		interval:       opts.PollInterval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		now:            time.Now,
		staleThreshold: opts.StaleThreshold,
		backoffLog:     rate.Sometimes{First: 1, Interval: time.Minute},
	}
	// an already loaded table is not fetched again
	if t, ok := opts.Manager.Get(); ok {
		w.currentHash = t.SHA256
	}
	w.lastSuccessAt = w.now()
	return w
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", shortHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping", "polls", w.polls, "swaps", w.swaps)
			return ctx.Err()
		case <-ticker.C:
			res := w.checkOnce(ctx)
			if next, changed := w.afterPoll(ctx, res); changed {
				ticker.Reset(next)
			}
		}
	}
}

// afterPoll updates backoff and staleness state and returns the next
// poll interval when it differs from the current one.
func (w *Watcher) afterPoll(ctx context.Context, res pollResult) (time.Duration, bool) {
	if res == pollHashError {
		w.consecutiveErrs++
		next := w.backoffDuration()
		w.backoffLog.Do(func() {
			w.logger.Warn(ctx, "policy watcher backing off",
				"consecutive_errors", w.consecutiveErrs,
				"next_poll_in", next.String(),
			)
		})
		if since := w.now().Sub(w.lastSuccessAt); since > w.staleThreshold && !w.stale {
			w.stale = true
			w.logger.Error(ctx, fmt.Errorf("last successful ssm poll was %s ago", since.Truncate(time.Second)),
				"policy watcher: active policy table may be stale")
			if w.metrics != nil {
				w.metrics.SetPolicyStale(true)
			}
		}
		return next, true
	}

	if w.stale {
		w.stale = false
		w.logger.Info(ctx, "policy watcher: staleness recovered")
		if w.metrics != nil {
			w.metrics.SetPolicyStale(false)
		}
	}
	if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "policy watcher recovered", "had_consecutive_errors", w.consecutiveErrs)
		w.consecutiveErrs = 0
		return w.interval, true
	}
	return 0, false
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.polls++
	if w.metrics != nil {
		w.metrics.IncPolicyPolls()
	}

	hash, err := w.fetcher.CurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: ssm poll failed")
		if w.metrics != nil {
			w.metrics.IncPolicyError("ssm")
		}
		return pollHashError
	}
	w.lastSuccessAt = w.now()
	if w.metrics != nil {
		w.metrics.SetPolicyLastSuccess(float64(w.lastSuccessAt.Unix()))
	}

	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	start := time.Now()
	t, err := w.fetcher.LoadHash(ctx, hash)
	if w.metrics != nil {
		w.metrics.ObservePolicyLoadDuration(time.Since(start).Seconds())
	}
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: keeping current table",
			"rejected_hash", shortHash(hash),
			"current_hash", shortHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncPolicyError("load")
		}
		return pollLoadError
	}

	old := w.currentHash
	w.manager.Set(t)
	w.currentHash = hash
	w.swaps++
	if w.metrics != nil {
		w.metrics.IncPolicySwaps()
	}
	w.logger.Info(ctx, "policy table swapped",
		"old_hash", shortHash(old),
		"new_hash", shortHash(hash),
		"version", t.Version,
	)

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r), "policy watcher: OnSwap panicked",
						"hash", shortHash(hash))
				}
			}()
			w.onSwap(t)
		}()
	}
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped.
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
