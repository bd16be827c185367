package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/cache"
	"github.com/codelaboratoryltd/hotspot/pkg/clock"
	"github.com/codelaboratoryltd/hotspot/pkg/config"
	"github.com/codelaboratoryltd/hotspot/pkg/database"
	"github.com/codelaboratoryltd/hotspot/pkg/fingerprint"
	"github.com/codelaboratoryltd/hotspot/pkg/metrics"
	"github.com/codelaboratoryltd/hotspot/pkg/notify"
	"github.com/codelaboratoryltd/hotspot/pkg/orchestrator"
	"github.com/codelaboratoryltd/hotspot/pkg/radius"
	"github.com/codelaboratoryltd/hotspot/pkg/session"
)

// app holds the wired components shared by the daemon and the CLI.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	cache   cache.Cache
	pool    *pgxpool.Pool // nil without a database
	store   *session.Store
	devices *fingerprint.Resolver
	coa     *radius.CoAClient // nil unless requested
	orch    *orchestrator.Orchestrator
}

// newApp connects the cache and, when configured, the database. withCoA
// builds the CoA client, which needs the RADIUS secret.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, withCoA bool) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.Real(),
		metrics: metrics.New(),
	}

	c, err := cache.New(ctx, cfg.Cache, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session cache: %w", err)
	}
	a.cache = c

	if cfg.Database.DSN != "" {
		pool, err := database.Connect(ctx, cfg.Database, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.pool = pool
	}

	a.store = session.NewStore(a.cache, a.clock, cfg.Session, logger)
	a.store.SetMetrics(a.metrics)

	var repo fingerprint.Repository = fingerprint.NewMemoryRepository()
	if a.pool != nil {
		repo = fingerprint.NewPostgresRepository(a.pool)
	} else {
		logger.Warn("No database configured, device identities are kept in memory")
	}
	a.devices = fingerprint.NewResolver(repo, a.clock, logger)
	a.devices.SetMetrics(a.metrics)

	var coa orchestrator.CoA = disabledCoA{logger: logger}
	if withCoA {
		client, err := radius.NewCoAClient(cfg.CoA, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create CoA client: %w", err)
		}
		client.SetMetrics(a.metrics)
		a.coa = client
		coa = client
	}

	policies := radius.NewPolicyManager()
	if err := policies.LoadPolicies(cfg.Policies); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load QoS policies: %w", err)
	}

	a.orch = orchestrator.New(a.store, coa, a.devices, a.notifier(), a.clock, cfg.Orchestrator, logger)
	a.orch.SetMetrics(a.metrics)
	a.orch.SetPolicies(policies)
	return a, nil
}

// notifier publishes events on Redis when the cache is Redis backed.
func (a *app) notifier() notify.Notifier {
	var out notify.Multi
	if a.cfg.Notify.Log {
		out = append(out, notify.NewLogNotifier(a.logger))
	}
	if rc, ok := a.cache.(*cache.RedisCache); ok && a.cfg.Notify.Channel != "" {
		out = append(out, notify.NewRedisNotifier(rc.Client(), a.cfg.Notify.Channel, a.logger))
	}
	if len(out) == 0 {
		return notify.Nop{}
	}
	return out
}

// Ready reports whether the backing stores answer.
func (a *app) Ready(ctx context.Context) error {
	if err := a.cache.Ping(ctx); err != nil {
		return fmt.Errorf("session cache: %w", err)
	}
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("Failed to close session cache", zap.Error(err))
		}
	}
}

// disabledCoA stands in for CLI commands that never reach a NAS.
type disabledCoA struct {
	logger *zap.Logger
}

func (d disabledCoA) Disconnect(_ context.Context, username, nasAddress string) bool {
	d.logger.Warn("CoA disabled, disconnect not sent",
		zap.String("username", username),
		zap.String("nas", nasAddress),
	)
	return false
}

func (d disabledCoA) Modify(_ context.Context, username, nasAddress string, _ []radius.Attribute) bool {
	d.logger.Warn("CoA disabled, change not sent",
		zap.String("username", username),
		zap.String("nas", nasAddress),
	)
	return false
}
