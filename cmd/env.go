package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/accuracy"
	"github.com/pharmaduty/duty-engine/internal/alerting"
	"github.com/pharmaduty/duty-engine/internal/dutywindow"
	"github.com/pharmaduty/duty-engine/internal/identity"
	"github.com/pharmaduty/duty-engine/internal/ingest"
	"github.com/pharmaduty/duty-engine/internal/override"
	"github.com/pharmaduty/duty-engine/internal/reconcile"
	"github.com/pharmaduty/duty-engine/internal/registry"
	"github.com/pharmaduty/duty-engine/internal/resilience"
	"github.com/pharmaduty/duty-engine/internal/retryqueue"
	"github.com/pharmaduty/duty-engine/internal/server"
	"github.com/pharmaduty/duty-engine/internal/staleness"
	"github.com/pharmaduty/duty-engine/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "duty.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// engineEnv bundles the wired components. Callers should defer
// env.Close().
type engineEnv struct {
	Store       store.Store
	Registry    *registry.SourceRegistry
	Alerts      *alerting.Manager
	Accuracy    *accuracy.Aggregator
	Monitor     *staleness.Monitor
	Engine      *reconcile.Engine
	Overrides   *override.Handler
	Retries     *retryqueue.Scheduler
	Coordinator *ingest.Coordinator
	Server      *server.Server
	Windows     *dutywindow.Resolver
}

func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine sets up the store and the full component graph. Every
// command goes through here so serve, ingest, and the retry worker
// see identical wiring.
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	windows, err := dutywindow.New(cfg.Reconcile.Timezone)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var notifier alerting.Notifier
	if w := alerting.NewWebhookNotifier(cfg.Monitoring); w != nil {
		notifier = w
		zap.L().Info("alert webhook enabled")
	}
	alerts := alerting.NewManager(st, notifier)

	acc := accuracy.New(st)
	monitor := staleness.New(st, acc, alerts, windows, staleness.Config{
		Window:           time.Duration(cfg.Staleness.WindowMins) * time.Minute,
		CoverageFloorPct: cfg.Staleness.CoverageFloorPct,
	})

	reg := registry.New(st)
	engine := reconcile.New(st, reg, monitor, reconcile.Config{
		EvidenceFreshness: time.Duration(cfg.Reconcile.EvidenceFreshnessMins) * time.Minute,
		OverrideCeiling:   cfg.Reconcile.OverrideCeiling,
	})

	resolver := identity.NewResolver(st, alerts)
	overrides := override.NewHandler(st, resolver, engine, windows)

	retries := retryqueue.New(st, alerts, retryqueue.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Retry.InitialDelaySecs) * time.Second,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelaySecs) * time.Second,
		PollInterval: time.Duration(cfg.Retry.PollIntervalSecs) * time.Second,
	})

	fetcher := ingest.NewSchemeFetcher(ingest.FetchOptions{
		UserAgent:         cfg.Ingest.UserAgent,
		Timeout:           time.Duration(cfg.Ingest.FetchTimeoutSecs) * time.Second,
		RequestsPerSecond: cfg.Ingest.RequestsPerSecond,
	})
	coordinator := ingest.NewCoordinator(
		st, reg, resolver, engine, windows, alerts, retries,
		fetcher,
		ingest.NewParserRegistry(),
		resilience.NewHostBreakers(resilience.BreakerConfig{}),
		ingest.CoordinatorConfig{
			FetchTimeout: time.Duration(cfg.Ingest.FetchTimeoutSecs) * time.Second,
			Backoff: resilience.BackoffPolicy{
				MaxAttempts:  3,
				InitialDelay: 2 * time.Second,
				MaxDelay:     15 * time.Second,
				Multiplier:   2,
			},
			Concurrency: cfg.Ingest.MaxConcurrentEndpoints,
		},
	)

	srv := server.New(st, overrides, alerts, monitor, acc, retries, windows)

	return &engineEnv{
		Store:       st,
		Registry:    reg,
		Alerts:      alerts,
		Accuracy:    acc,
		Monitor:     monitor,
		Engine:      engine,
		Overrides:   overrides,
		Retries:     retries,
		Coordinator: coordinator,
		Server:      srv,
		Windows:     windows,
	}, nil
}
