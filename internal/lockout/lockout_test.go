package lockout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/admissiond/internal/ratelimit"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) record(_ string, ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) count(ev Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, x := range e.events {
		if x == ev {
			n++
		}
	}
	return n
}

func newTestTracker(t *testing.T, cfg Config) (*Tracker, *clock, *eventLog) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := &eventLog{}
	tr, err := New(context.Background(), cfg, WithClock(clk.Now), WithOnEvent(events.record), WithoutPruner())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr, clk, events
}

func mustStatus(t *testing.T, tr *Tracker, key string) Status {
	t.Helper()
	st, err := tr.Check(key)
	if err != nil {
		t.Fatalf("Check(%q): %v", key, err)
	}
	return st
}

func TestCheck_UnknownKeyAllowed(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	st := mustStatus(t, tr, "alice@example.com")
	if !st.Allowed || st.Remaining != 5 || !st.LockedUntil.IsZero() {
		t.Fatalf("status = %+v, want allowed with 5 remaining", st)
	}
}

func TestCheck_LocksAfterMaxFailures(t *testing.T) {
	tr, clk, events := newTestTracker(t, Config{MaxAttempts: 3, Lockout: time.Hour})
	key := "bob"

	for i := 0; i < 3; i++ {
		st := mustStatus(t, tr, key)
		if !st.Allowed || st.Remaining != 3-i {
			t.Fatalf("before failure %d: %+v", i+1, st)
		}
		clk.Advance(time.Minute)
		if err := tr.RecordFailure(key); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	last := clk.Now()

	clk.Advance(10 * time.Minute)
	st := mustStatus(t, tr, key)
	if st.Allowed || st.Remaining != 0 {
		t.Fatalf("status = %+v, want locked", st)
	}
	if !st.LockedUntil.Equal(last.Add(time.Hour)) {
		t.Fatalf("locked until %v, want %v", st.LockedUntil, last.Add(time.Hour))
	}
	if events.count(EventFailure) != 3 || events.count(EventLocked) != 1 {
		t.Fatalf("events = %v", events.events)
	}
}

func TestCheck_LockoutExpires(t *testing.T) {
	tr, clk, events := newTestTracker(t, Config{MaxAttempts: 2, Lockout: 15 * time.Minute})

	tr.RecordFailure("k")
	tr.RecordFailure("k")

	clk.Advance(15 * time.Minute)
	if st := mustStatus(t, tr, "k"); st.Allowed {
		t.Fatal("lockout should still hold at exactly the lockout duration")
	}

	clk.Advance(time.Second)
	st := mustStatus(t, tr, "k")
	if !st.Allowed || st.Remaining != 2 {
		t.Fatalf("after lockout: %+v", st)
	}
	if tr.Len() != 0 {
		t.Fatal("expired entry should be dropped on check")
	}
	if events.count(EventExpired) != 1 {
		t.Fatalf("expired events = %d", events.count(EventExpired))
	}
}

func TestCheckWith_PerCallLimits(t *testing.T) {
	tr, clk, _ := newTestTracker(t, Config{})

	for i := 0; i < 3; i++ {
		tr.RecordFailure("register:10.0.0.1")
	}
	st, err := tr.CheckWith("register:10.0.0.1", 3, time.Hour)
	if err != nil {
		t.Fatalf("CheckWith: %v", err)
	}
	if st.Allowed {
		t.Fatal("3 failures against max 3 should lock")
	}

	// the default 5/15m view of the same key is still open
	if st := mustStatus(t, tr, "register:10.0.0.1"); !st.Allowed || st.Remaining != 2 {
		t.Fatalf("default check = %+v", st)
	}

	// prune honours the longer hold applied by CheckWith
	clk.Advance(30 * time.Minute)
	if n := tr.Prune(); n != 0 {
		t.Fatalf("pruned %d entries still inside their 1h hold", n)
	}
	clk.Advance(31 * time.Minute)
	if n := tr.Prune(); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
}

func TestClear(t *testing.T) {
	tr, _, events := newTestTracker(t, Config{MaxAttempts: 1})

	tr.RecordFailure("k")
	if st := mustStatus(t, tr, "k"); st.Allowed {
		t.Fatal("should be locked")
	}
	if !tr.Clear("k") {
		t.Fatal("Clear = false")
	}
	if tr.Clear("k") {
		t.Fatal("second Clear = true")
	}
	if st := mustStatus(t, tr, "k"); !st.Allowed {
		t.Fatal("should be allowed after Clear")
	}
	if events.count(EventCleared) != 1 {
		t.Fatalf("cleared events = %d", events.count(EventCleared))
	}
}

func TestPrune(t *testing.T) {
	tr, clk, _ := newTestTracker(t, Config{Lockout: 15 * time.Minute})

	tr.RecordFailure("old")
	clk.Advance(10 * time.Minute)
	tr.RecordFailure("new")
	clk.Advance(6 * time.Minute)

	if n := tr.Prune(); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if tr.Len() != 1 {
		t.Fatalf("len = %d", tr.Len())
	}
}

func TestErrors(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	tests := []struct {
		name string
		err  error
	}{
		{"empty check", func() error { _, err := tr.Check(""); return err }()},
		{"empty record", tr.RecordFailure("")},
		{"zero max", func() error { _, err := tr.CheckWith("k", 0, time.Minute); return err }()},
		{"zero lockout", func() error { _, err := tr.CheckWith("k", 1, 0); return err }()},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, ratelimit.ErrConfiguration) {
			t.Errorf("%s: err = %v, want ErrConfiguration", tt.name, tt.err)
		}
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{MaxAttempts: -1, Lockout: -time.Second})
	if !errors.Is(err, ratelimit.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	cfg := tr.Config()
	if cfg.MaxAttempts != 5 || cfg.Lockout != 15*time.Minute || cfg.PruneInterval != 10*time.Minute {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestStop_Idempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr, err := New(ctx, Config{PruneInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.Stop()
	tr.Stop()
	select {
	case <-tr.done:
	default:
		t.Fatal("pruner still running")
	}
}

func TestConcurrentFailures(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{MaxAttempts: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.RecordFailure("k")
		}()
	}
	wg.Wait()
	if st := mustStatus(t, tr, "k"); st.Remaining != 950 {
		t.Fatalf("remaining = %d, want 950", st.Remaining)
	}
}
