// Package cfg binds admissiond settings to command-line flags, with
// ADMISSIOND_* environment variables and an optional .env file as
// fallbacks.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/admissiond/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "ADMISSIOND_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool
	TrustedHops int
	DrainPeriod time.Duration

	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	RateLimitLimit         int
	RateLimitWindow        time.Duration
	RateLimitSweepInterval time.Duration
	RateLimitMaxEntries    int

	LockoutMaxAttempts   int
	LockoutDuration      time.Duration
	LockoutPruneInterval time.Duration

	PolicyFile          string
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Prefix      string
	PolicySigningKeyARN string
	PolicyPollInterval  time.Duration
}

// PolicyFromS3 reports whether policies come from SSM and S3 rather than a
// file or the builtin table.
func (c App) PolicyFromS3() bool { return c.PolicySSMParam != "" }

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or text (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error chain call sites in error logs")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 8, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the server whose X-Forwarded-For entries are trusted (0..8)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 20*time.Second, "how long readiness fails before listeners close on shutdown")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.IntVar(&c.RateLimitLimit, "ratelimit-limit", 100, "default requests admitted per window")
	fs.DurationVar(&c.RateLimitWindow, "ratelimit-window", time.Minute, "default fixed window length")
	fs.DurationVar(&c.RateLimitSweepInterval, "ratelimit-sweep-interval", time.Minute, "how often expired windows are evicted")
	fs.IntVar(&c.RateLimitMaxEntries, "ratelimit-max-entries", 100000, "max tracked identities per limiter, 0 for unbounded")

	fs.IntVar(&c.LockoutMaxAttempts, "lockout-max-attempts", 5, "failed attempts before a key is locked")
	fs.DurationVar(&c.LockoutDuration, "lockout-duration", 15*time.Minute, "how long a key stays locked after its last failure")
	fs.DurationVar(&c.LockoutPruneInterval, "lockout-prune-interval", 10*time.Minute, "how often stale attempt records are dropped")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML policy document to load at startup")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding the sha256 of the active policy document")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "s3 bucket holding policy documents")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "admissiond/policies", "s3 prefix (key) of policy documents")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for policy document signature verification")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", 30*time.Second, "how often ssm is polled for a new policy hash")
}

// LoadDotEnv reads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks ranges and formats and reports every invalid field.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be 0..8)", c.TrustedHops))
	}
	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		// grpc exporter wants host:port, no scheme
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if c.RateLimitLimit < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_LIMIT must be positive (got %d)", c.RateLimitLimit))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_WINDOW must be positive (got %s)", c.RateLimitWindow))
	}
	if c.RateLimitSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_INTERVAL must be positive (got %s)", c.RateLimitSweepInterval))
	}
	if c.RateLimitMaxEntries < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX_ENTRIES must not be negative (got %d)", c.RateLimitMaxEntries))
	}

	if c.LockoutMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be positive (got %d)", c.LockoutMaxAttempts))
	}
	if c.LockoutDuration <= 0 {
		errs = append(errs, fmt.Errorf("LOCKOUT_DURATION must be positive (got %s)", c.LockoutDuration))
	}
	if c.LockoutPruneInterval <= 0 {
		errs = append(errs, fmt.Errorf("LOCKOUT_PRUNE_INTERVAL must be positive (got %s)", c.LockoutPruneInterval))
	}

	if c.PolicyFile != "" && c.PolicySSMParam != "" {
		errs = append(errs, errors.New("POLICY_FILE and POLICY_SSM_PARAM are mutually exclusive"))
	}
	if c.PolicyFromS3() {
		if c.PolicyS3Bucket == "" {
			errs = append(errs, errors.New("POLICY_S3_BUCKET is required with POLICY_SSM_PARAM"))
		}
		if c.PolicyS3Prefix == "" {
			errs = append(errs, errors.New("POLICY_S3_PREFIX is required with POLICY_SSM_PARAM"))
		}
		if c.PolicyPollInterval < time.Second {
			errs = append(errs, fmt.Errorf("POLICY_POLL_INTERVAL must be at least 1s (got %s)", c.PolicyPollInterval))
		}
	} else if c.PolicySigningKeyARN != "" {
		errs = append(errs, errors.New("POLICY_SIGNING_KEY_ARN only applies with POLICY_SSM_PARAM"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
