// Package policy holds the named rate-limit and lockout policies that
// front doors select by name, and keeps them current from a local file or
// a signed document published to S3.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/admissiond/internal/cryptoutil"
	"github.com/keithlinneman/admissiond/internal/ratelimit"
	"github.com/keithlinneman/admissiond/internal/xerrors"
)

// ErrInvalidDocument is returned for documents that parse but fail
// validation, or do not parse at all.
var ErrInvalidDocument = errors.New("policy: invalid document")

// DefaultName is the policy used when a requested name is unknown.
const DefaultName = "default"

type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceFile    Source = "file"
	SourceS3      Source = "s3"
)

// document is the YAML layout.
type document struct {
	Version  string                 `yaml:"version"`
	Default  *limitEntry             `yaml:"default"`
	Policies map[string]limitEntry   `yaml:"policies"`
	Lockouts map[string]lockoutEntry `yaml:"lockouts"`
}

type limitEntry struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type lockoutEntry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Lockout     time.Duration `yaml:"lockout"`
}

// Lockout is a named failed-attempt policy.
type Lockout struct {
	Name        string
	MaxAttempts int
	Lockout     time.Duration
}

// Table is an immutable, validated set of policies.
type Table struct {
	Version  string
	SHA256   string
	Source   Source
	LoadedAt time.Time

	def      ratelimit.Policy
	policies map[string]ratelimit.Policy
	lockouts map[string]Lockout
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

// Parse decodes and validates a YAML policy document. Unknown fields are
// rejected. A missing default takes the ratelimit package defaults.
func Parse(data []byte) (*Table, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.WithStack(fmt.Errorf("%w: %w", ErrInvalidDocument, err))
	}

	def := ratelimit.Policy{Name: DefaultName, Limit: ratelimit.DefaultLimit, Window: ratelimit.DefaultWindow}
	if doc.Default != nil {
		def = ratelimit.Policy{Name: DefaultName, Limit: doc.Default.Limit, Window: doc.Default.Window}
	}

	var errs []error
	if err := def.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("default: %w", err))
	}

	t := &Table{
		Version:  doc.Version,
		SHA256:   cryptoutil.SHA256Hex(data),
		def:      def,
		policies: make(map[string]ratelimit.Policy, len(doc.Policies)),
		lockouts: make(map[string]Lockout, len(doc.Lockouts)),
	}
	for name, s := range doc.Policies {
		if !namePattern.MatchString(name) {
			errs = append(errs, fmt.Errorf("policy %q: name must match %s", name, namePattern))
			continue
		}
		p := ratelimit.Policy{Name: name, Limit: s.Limit, Window: s.Window}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy %q: %w", name, err))
			continue
		}
		t.policies[name] = p
	}
	for name, s := range doc.Lockouts {
		if !namePattern.MatchString(name) {
			errs = append(errs, fmt.Errorf("lockout %q: name must match %s", name, namePattern))
			continue
		}
		if s.MaxAttempts <= 0 || s.Lockout <= 0 {
			errs = append(errs, fmt.Errorf("lockout %q: max_attempts and lockout must be positive", name))
			continue
		}
		t.lockouts[name] = Lockout{Name: name, MaxAttempts: s.MaxAttempts, Lockout: s.Lockout}
	}
	if len(errs) > 0 {
		return nil, xerrors.WithStack(fmt.Errorf("%w: %w", ErrInvalidDocument, errors.Join(errs...)))
	}
	return t, nil
}

// Builtin is the table used when no policy document is configured. It
// carries def as the default and api policy, plus the stock policies for
// the market history, registration and verification endpoints.
func Builtin(def ratelimit.Policy, lock Lockout) *Table {
	def.Name = DefaultName
	lock.Name = DefaultName
	api := def
	api.Name = "api"
	return &Table{
		Version: "builtin",
		Source:  SourceBuiltin,
		def:     def,
		policies: map[string]ratelimit.Policy{
			"api":            api,
			"market-history": {Name: "market-history", Limit: 50, Window: time.Minute},
		},
		lockouts: map[string]Lockout{
			DefaultName: lock,
			"register":  {Name: "register", MaxAttempts: 3, Lockout: time.Hour},
			"verify":    {Name: "verify", MaxAttempts: 5, Lockout: 15 * time.Minute},
		},
	}
}

// Default returns the fallback rate-limit policy.
func (t *Table) Default() ratelimit.Policy { return t.def }

// Policy returns the named policy, if present.
func (t *Table) Policy(name string) (ratelimit.Policy, bool) {
	p, ok := t.policies[name]
	return p, ok
}

// Resolve returns the named policy or the default.
func (t *Table) Resolve(name string) ratelimit.Policy {
	if p, ok := t.policies[name]; ok {
		return p
	}
	return t.def
}

// Lockout returns the named lockout policy or, failing that, the one
// named "default".
func (t *Table) Lockout(name string) (Lockout, bool) {
	if l, ok := t.lockouts[name]; ok {
		return l, true
	}
	l, ok := t.lockouts[DefaultName]
	return l, ok
}

func (t *Table) PolicyNames() []string  { return sortedKeys(t.policies) }
func (t *Table) LockoutNames() []string { return sortedKeys(t.lockouts) }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
