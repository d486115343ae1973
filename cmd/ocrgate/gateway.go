package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/ocrgate/internal/api"
	"github.com/mattjoyce/ocrgate/internal/auth"
	"github.com/mattjoyce/ocrgate/internal/config"
	"github.com/mattjoyce/ocrgate/internal/events"
	"github.com/mattjoyce/ocrgate/internal/janitor"
	"github.com/mattjoyce/ocrgate/internal/jobs"
	"github.com/mattjoyce/ocrgate/internal/lock"
	"github.com/mattjoyce/ocrgate/internal/log"
	"github.com/mattjoyce/ocrgate/internal/ratelimit"
	"github.com/mattjoyce/ocrgate/internal/storage"
	"github.com/mattjoyce/ocrgate/internal/webhook"
)

const (
	redisConnectAttempts = 5
	janitorLockTTL       = 2 * time.Minute
)

// gateway is every long-running component of one process, wired from config.
type gateway struct {
	cfg        *config.Config
	gate       *auth.Gate
	hub        *events.Hub
	registry   *jobs.Registry
	hooks      *webhook.Hooks
	dispatcher *webhook.Dispatcher
	janitor    *janitor.Janitor
	api        *api.Server

	closers []func() error
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("ocrgate starting", "version", version, "config", cfg.SourcePath,
		"state_backend", cfg.State.Backend, "rate_limit_backend", cfg.RateLimit.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer gw.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				gw.reloadCredentials(cfg.SourcePath, logger)
			}
		}
	}()

	logger.Info("ocrgate running (press Ctrl+C to stop)", "listen", cfg.API.Listen)
	if err := gw.Run(ctx); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("ocrgate stopped")
	return 0
}

func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	discovered, err := config.DiscoverConfigDir()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

// buildGateway opens storage and constructs every component. On error
// anything already opened is closed.
func buildGateway(ctx context.Context, cfg *config.Config) (_ *gateway, err error) {
	gw := &gateway{cfg: cfg, hub: events.NewHub(cfg.Service.EventBuffer)}
	defer func() {
		if err != nil {
			gw.Close()
		}
	}()

	creds := credentialsFromConfig(cfg)
	gw.gate, err = auth.NewGate(creds)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if !gw.gate.Configured() {
		log.WithComponent("auth").Warn("no API credentials configured; every request will be rejected")
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = storage.OpenRedis(ctx, storage.RedisOptions{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		}, redisConnectAttempts, log.WithComponent("redis"))
		if err != nil {
			return nil, err
		}
		gw.closers = append(gw.closers, rdb.Close)
	}

	var (
		jobStore  jobs.Store
		hookStore webhook.Store
		mutex     janitor.Mutex
	)
	switch cfg.State.Backend {
	case "redis":
		jobStore = jobs.NewRedisStore(rdb, cfg.Redis.Prefix)
		hookStore = webhook.NewRedisStore(rdb, cfg.Redis.Prefix)
		mutex = lock.NewRedisMutex(rdb, cfg.Redis.Prefix+":lock:janitor", janitorLockTTL)
	default:
		db, err := openSQLiteState(ctx, cfg.State.Path, gw)
		if err != nil {
			return nil, err
		}
		jobStore = jobs.NewSQLiteStore(db)
		hookStore = webhook.NewSQLiteStore(db)
		mutex = lock.LocalMutex{}
	}

	guard, err := webhook.NewGuard(webhook.GuardConfig{
		AllowedSchemes: cfg.Webhooks.AllowedSchemes,
		DeniedHosts:    cfg.Webhooks.DeniedHosts,
		DeniedCIDRs:    cfg.Webhooks.DeniedCIDRs,
		AllowedCIDRs:   cfg.Webhooks.AllowedCIDRs,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("webhook destination policy: %w", err)
	}

	gw.dispatcher = webhook.NewDispatcher(webhook.DispatcherConfig{
		Workers:     cfg.Webhooks.Workers,
		QueueSize:   cfg.Webhooks.QueueSize,
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Timeout:     cfg.Webhooks.Timeout,
		BackoffBase: cfg.Webhooks.BackoffBase,
		BackoffMax:  cfg.Webhooks.BackoffMax,
	}, guard, hookStore, gw.hub, log.WithComponent("webhook"))
	gw.hooks = webhook.NewHooks(hookStore, guard, log.WithComponent("webhook"))
	gw.registry = jobs.NewRegistry(jobStore, log.WithComponent("jobs"), gw.dispatcher, events.JobNotifier{Hub: gw.hub})

	var (
		limiter ratelimit.Limiter
		evictor janitor.Evictor
	)
	if cfg.RateLimit.Backend == "redis" {
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.Redis.Prefix, cfg.RateLimit.IdleTimeout)
	} else {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimit.IdleTimeout)
		limiter, evictor = mem, mem
	}
	admitter := ratelimit.NewAdmitter(limiter,
		policyFrom(cfg.RateLimit.Authenticated),
		policyFrom(cfg.RateLimit.Anonymous),
		ratelimit.FailureMode(cfg.RateLimit.FailureMode),
		log.WithComponent("ratelimit"),
	)

	gw.janitor = janitor.New(janitor.Config{
		Interval:  cfg.Service.SweepInterval,
		Retention: cfg.Service.JobRetention,
	}, gw.registry, hookStore, evictor, mutex, gw.hub, log.WithComponent("janitor"))

	maxBody, err := config.ParseByteSize(cfg.API.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("api.max_body_size: %w", err)
	}
	gw.api = api.New(api.Config{
		Listen:           cfg.API.Listen,
		MaxBodySize:      maxBody,
		EnableCORS:       cfg.API.EnableCORS,
		CORSOrigins:      cfg.API.CORSOrigins,
		TrustProxy:       cfg.API.TrustProxy,
		Service:          cfg.Service.Name,
		Version:          version,
		StateBackend:     cfg.State.Backend,
		RateLimitBackend: cfg.RateLimit.Backend,
	}, api.Deps{
		Gate:     gw.gate,
		Admitter: admitter,
		Jobs:     gw.registry,
		Hooks:    gw.hooks,
		Webhooks: gw.dispatcher,
		Events:   gw.hub,
	}, log.WithComponent("api"))

	return gw, nil
}

// openSQLiteState takes the PID lock before opening the database so two
// processes never share a state file.
func openSQLiteState(ctx context.Context, path string, gw *gateway) (*sql.DB, error) {
	pidLock, err := lock.AcquirePIDLock(lock.LockPathFor(path))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, fmt.Errorf("another ocrgate instance is using %s: %w", path, err)
		}
		return nil, err
	}
	gw.closers = append(gw.closers, pidLock.Release)

	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	gw.closers = append(gw.closers, db.Close)
	log.WithComponent("storage").Info("state database opened", "path", path, "lock", pidLock.Path())
	return db, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (gw *gateway) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := gw.dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("webhook dispatcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := gw.janitor.Start(ctx); err != nil {
			return fmt.Errorf("janitor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := gw.api.Start(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases storage in reverse order of acquisition.
func (gw *gateway) Close() {
	for i := len(gw.closers) - 1; i >= 0; i-- {
		if err := gw.closers[i](); err != nil {
			log.Warn("close failed", "error", err)
		}
	}
	gw.closers = nil
}

// reloadCredentials re-reads the config file and swaps the credential set.
// Everything else needs a restart.
func (gw *gateway) reloadCredentials(path string, logger *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("credential reload failed; keeping current set", "error", err)
		return
	}
	creds := credentialsFromConfig(cfg)
	if err := gw.gate.Reload(creds); err != nil {
		logger.Error("credential reload failed; keeping current set", "error", err)
		return
	}
	logger.Info("credentials reloaded", "count", len(creds))
}

// credentialsFromConfig maps api.auth to gate credentials. The legacy
// api_key becomes the "admin" owner with every scope.
func credentialsFromConfig(cfg *config.Config) []auth.Credential {
	creds := make([]auth.Credential, 0, len(cfg.API.Auth.Tokens)+1)
	if cfg.API.Auth.APIKey != "" {
		creds = append(creds, auth.Credential{
			Name:   "admin",
			Token:  cfg.API.Auth.APIKey,
			Scopes: []string{auth.ScopeAll},
		})
	}
	for _, t := range cfg.API.Auth.Tokens {
		creds = append(creds, auth.Credential{
			Name:   t.Name,
			Token:  t.Token,
			Scopes: append([]string(nil), t.Scopes...),
		})
	}
	return creds
}

func policyFrom(p config.LimitProfile) ratelimit.Policy {
	return ratelimit.Policy{
		BurstCapacity:     p.BurstCapacity,
		BurstRefillPerSec: p.RefillPerSec,
		SustainedLimit:    p.SustainedLimit,
		SustainedWindow:   p.SustainedWindow,
	}
}
