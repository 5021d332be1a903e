// Package bootstrap wires the application's dependency graph.
package bootstrap

import (
	"context"
	"fmt"

	"telesync/internal/auth"
	redisclient "telesync/internal/clients/redis"
	"telesync/internal/config"
	"telesync/internal/credentials"
	"telesync/internal/ingestion/dispatch"
	ingestionHandler "telesync/internal/ingestion/handler"
	"telesync/internal/ingestion/normalizer"
	ingestionProcessor "telesync/internal/ingestion/processor"
	integrationsHandler "telesync/internal/integrations/handler"
	integrationsProcessor "telesync/internal/integrations/processor"
	"telesync/internal/jobs/scheduler"
	"telesync/internal/metrics"
	"telesync/internal/observability"
	"telesync/internal/poller"
	"telesync/internal/poller/providers"
	"telesync/internal/ratelimit"
	"telesync/internal/store"
	"telesync/internal/syncstatus"
	"telesync/internal/workers"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Store  store.Store
	Logger *observability.Logger
	Redis  *redisclient.Client

	// Handlers
	AuthValidator       *auth.Validator
	WebhookHandler      *ingestionHandler.Handler
	IntegrationsHandler *integrationsHandler.Handler

	// Services
	SyncService      *syncstatus.Service
	IngestionService *ingestionProcessor.Processor
	RateLimiter      *ratelimit.Service

	// Background work
	DispatchPool workers.WorkerPool
	Scheduler    *scheduler.Scheduler
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}

	// Initialize database store
	connectionString := cfg.Database.ConnectionString()
	var err error
	deps.Store, err = store.New(connectionString, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Redis backs the poll lease and the new-event announcements. When
	// disabled the client is nil: leases are granted locally and
	// announcements are dropped.
	deps.Redis, err = redisclient.NewClient(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Sync status tracking
	tracker := syncstatus.NewTracker(cfg.SyncHealth)
	deps.SyncService = syncstatus.New(&deps.Store, tracker, logger)

	// Dispatch pool for deferred post-ingest work
	dispatchHandler := dispatch.NewHandler(&deps.Store, deps.Redis, logger)
	deps.DispatchPool = workers.NewPool(workers.PoolConfig{
		NumWorkers: cfg.WorkerPool.DispatchWorkers,
	}, dispatchHandler, logger)
	if err := deps.DispatchPool.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start dispatch pool: %w", err)
	}
	dispatchQueue := dispatch.NewQueue(deps.DispatchPool, logger)

	// Ingestion pipeline, shared by webhooks and the poll reconciler
	registry := normalizer.DefaultRegistry()
	deps.IngestionService = ingestionProcessor.New(&deps.Store, registry, dispatchQueue, logger)
	deps.WebhookHandler = ingestionHandler.New(&deps.Store, deps.IngestionService, deps.SyncService, dispatchQueue, logger)

	// Poll reconciler and its provider sources
	credentialsClient := credentials.NewServiceClient(cfg.Credentials, logger)
	sources := []poller.EventSource{
		providers.NewTwilioSource(),
		providers.NewTelnyxSource(""),
		providers.NewVonageSource(""),
	}
	reconciler := poller.NewReconciler(
		cfg.Poller,
		&deps.Store,
		deps.SyncService,
		deps.IngestionService,
		credentialsClient,
		deps.Redis,
		sources,
		logger,
	)
	deps.Scheduler = scheduler.New(logger)
	deps.Scheduler.Register(poller.NewJob(reconciler, cfg.Poller.Interval))

	// Integration management and read API
	integrations := integrationsProcessor.New(&deps.Store, deps.SyncService, registry, metrics.NewAggregator(), logger)
	deps.IntegrationsHandler = integrationsHandler.New(integrations, logger)

	// Auth
	deps.AuthValidator = auth.NewValidator(cfg.Auth, logger)

	// Webhook delivery throttling
	deps.RateLimiter = ratelimit.NewService(deps.Redis, logger)

	return deps, nil
}

// Cleanup drains background work and closes connections.
func (d *Dependencies) Cleanup() {
	ctx := context.Background()

	if d.DispatchPool != nil {
		if err := d.DispatchPool.Drain(ctx); err != nil {
			d.Logger.Error(ctx, "failed to drain dispatch pool", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close redis client", err)
		}
	}
	if db := d.Store.DB(); db != nil {
		if err := db.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close database", err)
		}
	}
}
