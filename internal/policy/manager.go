package policy

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/admissiond/internal/ratelimit"
	"github.com/keithlinneman/admissiond/internal/xerrors"
)

// Manager holds the active Table and swaps it atomically. Until a table
// is set, lookups use the fallback.
type Manager struct {
	active   atomic.Pointer[Table]
	fallback *Table
}

func NewManager(fallback *Table) *Manager {
	if fallback == nil {
		fallback = Builtin(
			ratelimit.Policy{Limit: ratelimit.DefaultLimit, Window: ratelimit.DefaultWindow},
			Lockout{MaxAttempts: 5, Lockout: 15 * time.Minute},
		)
	}
	return &Manager{fallback: fallback}
}

// Set makes t active. LoadedAt is stamped if unset.
func (m *Manager) Set(t *Table) {
	if t == nil {
		return
	}
	cp := *t
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	m.active.Store(&cp)
}

// Get returns the active table and whether one has been set.
func (m *Manager) Get() (*Table, bool) {
	t := m.active.Load()
	return t, t != nil
}

func (m *Manager) current() *Table {
	if t := m.active.Load(); t != nil {
		return t
	}
	return m.fallback
}

// Current returns the active table, or the fallback before one is set.
func (m *Manager) Current() *Table { return m.current() }

// Resolve implements ratelimit.Resolver.
func (m *Manager) Resolve(name string) ratelimit.Policy { return m.current().Resolve(name) }

func (m *Manager) Lockout(name string) (Lockout, bool) { return m.current().Lockout(name) }

// ReadyErr reports an error until a table has been set.
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return errors.New("policy: no active table")
	}
	return nil
}

// Version and Hash feed the policy response headers.
func (m *Manager) Version() string { return m.current().Version }
func (m *Manager) Hash() string    { return m.current().SHA256 }

// LoadFile parses a policy document from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy file %s", path)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse policy file %s", path)
	}
	t.Source = SourceFile
	t.LoadedAt = time.Now().UTC()
	return t, nil
}
