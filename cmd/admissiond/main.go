package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/admissiond/internal/admissionapi"
	"github.com/keithlinneman/admissiond/internal/cfg"
	"github.com/keithlinneman/admissiond/internal/health"
	"github.com/keithlinneman/admissiond/internal/httpmw"
	"github.com/keithlinneman/admissiond/internal/httpserver"
	"github.com/keithlinneman/admissiond/internal/lockout"
	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/metrics"
	"github.com/keithlinneman/admissiond/internal/opshttp"
	"github.com/keithlinneman/admissiond/internal/otelx"
	"github.com/keithlinneman/admissiond/internal/policy"
	"github.com/keithlinneman/admissiond/internal/prof"
	"github.com/keithlinneman/admissiond/internal/ratelimit"
	v "github.com/keithlinneman/admissiond/internal/version"
)

const (
	appName   = "admissiond"
	component = "server"

	// frontdoor limits every public request by client address; check
	// backs POST /v1/check. They are separate so caller-chosen identities
	// can never collide with addresses.
	limiterFrontdoor = "frontdoor"
	limiterCheck     = "check"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var (
		conf        cfg.App
		showVersion bool
		envFile     string
	)
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", ".env", "optional KEY=value file read before ADMISSIOND_* variables")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (build_id=%s, build_date=%s, commit_date=%s)\n",
			appName, vi, vi.BuildID, vi.BuildDate, vi.CommitDate)
		os.Exit(0)
	}

	if err := cfg.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "env file error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lg, err := newLogger(conf, vi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildID,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"ratelimit_limit", conf.RateLimitLimit,
		"ratelimit_window", conf.RateLimitWindow.String(),
		"ratelimit_max_entries", conf.RateLimitMaxEntries,
		"lockout_max_attempts", conf.LockoutMaxAttempts,
		"lockout_duration", conf.LockoutDuration.String(),
		"policy_file", conf.PolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_s3_bucket", conf.PolicyS3Bucket,
		"policy_s3_prefix", conf.PolicyS3Prefix,
		"policy_signed", conf.PolicySigningKeyARN != "",
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_pprof", conf.EnablePprof,
	)

	m := metrics.New()
	m.SetBuildInfo(appName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.ShortCommit(),
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// policies
	mgr := policy.NewManager(nil)
	publish := func() {
		t := mgr.Current()
		m.SetPolicyTable(t.Version, t.SHA256, string(t.Source), t.LoadedAt)
		L.Info(ctx, "policy table active",
			"policy_version", t.Version,
			"policy_hash", t.SHA256,
			"policy_source", string(t.Source),
			"policies", t.PolicyNames(),
			"lockouts", t.LockoutNames(),
		)
	}

	var watcher *policy.Watcher
	switch {
	case conf.PolicyFromS3():
		loader, err := policy.NewLoader(ctx, policy.LoaderOptions{
			Logger:        L,
			SSMParam:      conf.PolicySSMParam,
			S3Bucket:      conf.PolicyS3Bucket,
			S3Prefix:      conf.PolicyS3Prefix,
			SigningKeyARN: conf.PolicySigningKeyARN,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create policy loader")
			os.Exit(1)
		}
		// systemd restarts us if the published table never arrives
		if err := policy.LoadInitial(ctx, loader, mgr, policy.RetryOptions{Logger: L}); err != nil {
			L.Error(ctx, err, "failed to load published policy table")
			os.Exit(1)
		}
		watcher = policy.NewWatcher(policy.WatcherOptions{
			Logger:       L,
			Fetcher:      loader,
			Manager:      mgr,
			PollInterval: conf.PolicyPollInterval,
			Metrics:      m,
			OnSwap:       func(*policy.Table) { publish() },
		})
	case conf.PolicyFile != "":
		t, err := policy.LoadFile(conf.PolicyFile)
		if err != nil {
			L.Error(ctx, err, "failed to load policy file", "path", conf.PolicyFile)
			os.Exit(1)
		}
		mgr.Set(t)
	default:
		mgr.Set(policy.Builtin(
			ratelimit.Policy{Limit: conf.RateLimitLimit, Window: conf.RateLimitWindow},
			policy.Lockout{MaxAttempts: conf.LockoutMaxAttempts, Lockout: conf.LockoutDuration},
		))
	}
	publish()
	if watcher != nil {
		go func() { _ = watcher.Run(ctx) }()
	}

	// limiters
	limiterCfg := ratelimit.Config{
		DefaultLimit:  conf.RateLimitLimit,
		DefaultWindow: conf.RateLimitWindow,
		SweepInterval: conf.RateLimitSweepInterval,
		MaxEntries:    conf.RateLimitMaxEntries,
	}
	capacityWarn := &rate.Sometimes{Interval: time.Minute}

	frontdoor, err := ratelimit.New(ctx, limiterCfg, limiterOptions(ctx, limiterFrontdoor, L, m, capacityWarn)...)
	if err != nil {
		L.Error(ctx, err, "failed to create front door limiter")
		os.Exit(1)
	}
	defer frontdoor.Stop()

	checkLimiter, err := ratelimit.New(ctx, limiterCfg, limiterOptions(ctx, limiterCheck, L, m, capacityWarn)...)
	if err != nil {
		L.Error(ctx, err, "failed to create check limiter")
		os.Exit(1)
	}
	defer checkLimiter.Stop()

	tracker, err := lockout.New(ctx,
		lockout.Config{
			MaxAttempts:   conf.LockoutMaxAttempts,
			Lockout:       conf.LockoutDuration,
			PruneInterval: conf.LockoutPruneInterval,
		},
		lockout.WithOnEvent(func(key string, ev lockout.Event) {
			m.IncLockoutEvent(string(ev))
			if ev == lockout.EventLocked {
				L.Debug(ctx, "attempt key locked", "key", key)
			}
		}),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create lockout tracker")
		os.Exit(1)
	}
	defer tracker.Stop()

	api := admissionapi.NewAPI(checkLimiter, tracker, mgr, L)

	// readiness needs the gate open and an active policy table
	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(func(context.Context) error { return mgr.ReadyErr() }),
	)
	liveness := health.Fixed(true, "")

	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHTTPPanic,
		MetricsMW:    m.Middleware,
		Health:       liveness,
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		RateLimitMW:  frontdoor.Middleware("api", mgr),
		Policy:       mgr,
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// private peers only; PrivateOnly also rejects anything proxied
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      liveness,
		Readiness:   readiness,
		Limiters: map[string]*ratelimit.Limiter{
			limiterFrontdoor: frontdoor,
			limiterCheck:     checkLimiter,
		},
		OnPanic: m.IncHTTPPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Close("draining")
	drain(bg, L, conf.DrainPeriod)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	L.Info(bg, "shutdown complete")
}

func newLogger(conf cfg.App, vi v.Info) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		return nil, err
	}
	if stackLvl == slog.LevelInfo {
		// zero means "default" to log.New; -1 covers info but not debug
		stackLvl = slog.LevelInfo - 1
	}
	return log.New(log.Options{
		App:             appName,
		Version:         vi.Version,
		Commit:          vi.ShortCommit(),
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSON:            conf.LogJSON,
		ErrorLinks:      conf.IncludeErrorLinks,
		MaxErrorLinks:   conf.MaxErrorLinks,
	})
}

// limiterOptions wires a limiter's hooks to metrics and logs. Capacity
// warnings are shared across limiters and throttled.
func limiterOptions(ctx context.Context, name string, L log.Logger, m *metrics.ServerMetrics, capacityWarn *rate.Sometimes) []ratelimit.Option {
	LL := L.With("limiter", name)
	return []ratelimit.Option{
		ratelimit.WithLogger(LL),
		ratelimit.WithOnDecision(func(_ string, p ratelimit.Policy, d ratelimit.Decision) {
			m.ObserveDecision(name, p, d)
		}),
		// once per identity until its entry is swept
		ratelimit.WithOnFirstDenied(func(identity string) {
			m.IncFirstDenied(name)
			LL.Warn(ctx, "rate limit triggered", "identity", identity)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			capacityWarn.Do(func() {
				LL.Warn(ctx, "rate limit capacity reached, rejecting new identities until some are evicted")
			})
		}),
		ratelimit.WithOnSweep(func(evicted, remaining int) {
			m.ObserveSweep(name, evicted, remaining)
		}),
	}
}

// drain keeps serving while readiness fails so load balancers stop
// routing here. A second signal cuts it short.
func drain(ctx context.Context, L log.Logger, period time.Duration) {
	if period <= 0 {
		return
	}
	L.Info(ctx, "draining before shutdown", "period", period.String())
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(period)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}
