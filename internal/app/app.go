// Package app assembles the sync engine from configuration. Both the server
// and the operator CLI build their components here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"wearable-sync/internal/aggregation"
	"wearable-sync/internal/backfill"
	"wearable-sync/internal/config"
	"wearable-sync/internal/database"
	"wearable-sync/internal/ingest"
	"wearable-sync/internal/oauth"
	"wearable-sync/internal/provider"
	"wearable-sync/internal/recommend"
	"wearable-sync/internal/scheduler"
	"wearable-sync/internal/throttle"
	"wearable-sync/internal/trainingload"
	"wearable-sync/internal/vault"
	"wearable-sync/internal/worker"
)

const (
	maxTaskAttempts       = 3
	maxProcessingAttempts = 3
	planningTimeout       = 10 * time.Minute
	providerTimeout       = 30 * time.Second

	// QueueDepthInterval is how often the queue gauges are refreshed
	QueueDepthInterval = 15 * time.Second
)

// App holds every long-lived component
type App struct {
	Config *config.Config
	DB     *database.DB

	Provider        *provider.Client
	Vault           *vault.Vault
	Engine          *aggregation.Engine
	Load            *trainingload.Model
	Pipeline        *ingest.Pipeline
	Scheduler       *scheduler.Scheduler
	Backfill        *backfill.Orchestrator
	Worker          *worker.Worker
	Consumer        *aggregation.Consumer
	OAuth           *oauth.Manager
	Recommendations *recommend.Service

	logger *slog.Logger
}

// New opens the database, applies the schema and wires the components
func New(cfg *config.Config) (*App, error) {
	keys, err := vault.ParseKeyring(cfg.VaultKeys, cfg.VaultActiveKey)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := provider.NewClient(provider.Config{
		BaseURL:      cfg.ProviderBaseURL,
		AuthURL:      cfg.ProviderAuthURL,
		TokenURL:     cfg.ProviderTokenURL,
		ClientID:     cfg.ProviderClientID,
		ClientSecret: cfg.ProviderClientSecret,
		RedirectURL:  cfg.ProviderRedirectURL,
		Scopes:       cfg.ProviderScopes,
		Timeout:      providerTimeout,
	}, throttle.New(cfg.ProviderGlobalRPS, cfg.ProviderUserRPS))

	v := vault.New(db, keys)
	engine := aggregation.NewEngine(db)
	load := trainingload.NewModel(db)
	pipeline := ingest.New(db, v, engine, ingest.ProviderClients(client))

	orchestrator := backfill.New(db, pipeline, v, engine, load, backfill.Config{
		HistoryDays:           cfg.BackfillHistoryDays,
		ChunkDays:             cfg.BackfillChunkDays,
		PageSize:              cfg.BackfillPageSize,
		CompleteRatio:         cfg.BackfillCompleteRatio,
		LeaseTTL:              cfg.LeaseTTL,
		MaxTaskAttempts:       maxTaskAttempts,
		MaxProcessingAttempts: maxProcessingAttempts,
		PlanningTimeout:       planningTimeout,
		SweepInterval:         cfg.SweepInterval,
	})

	return &App{
		Config:   cfg,
		DB:       db,
		Provider: client,
		Vault:    v,
		Engine:   engine,
		Load:     load,
		Pipeline: pipeline,
		Scheduler: scheduler.New(db, pipeline, v, scheduler.Config{
			Interval:  cfg.SyncInterval,
			Freshness: cfg.SyncFreshness,
			LeaseTTL:  cfg.LeaseTTL,
			PageSize:  cfg.BackfillPageSize,
		}),
		Backfill: orchestrator,
		Worker: worker.NewWorker(db, orchestrator, client.RateLimiter(), worker.Config{
			Workers:           cfg.WorkerCount,
			DispatchSpacing:   cfg.DispatchSpacing,
			ThrottleThreshold: cfg.ThrottleThreshold,
			RecoveryCount:     cfg.RecoveryCount,
			MaxAttempts:       maxTaskAttempts,
		}),
		Consumer: aggregation.NewConsumer(db, engine, load),
		OAuth:    oauth.NewManager(db, client, v, orchestrator),
		Recommendations: recommend.NewService(db, engine, load, recommend.Config{
			URL:    cfg.RecommendationURL,
			APIKey: cfg.RecommendationAPIKey,
		}),
		logger: slog.Default(),
	}, nil
}

// Close releases the database
func (a *App) Close() error {
	return a.DB.Close()
}

// SetFTP records an FTP effective from date, rescores the activities it
// applies to, replays training load from date and refreshes the period
// rollups whose TSS totals changed. Returns the number of rescored activities.
func (a *App) SetFTP(ctx context.Context, userID, date string, watts float64) (int, error) {
	if err := a.DB.SetFTP(ctx, userID, date, watts); err != nil {
		return 0, err
	}

	n, err := a.Load.Rescore(ctx, userID, date)
	if err != nil {
		return n, fmt.Errorf("failed to rescore activities: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	_, last, ok, err := a.DB.ActivityDateRange(ctx, userID)
	if err != nil || !ok || last < date {
		return n, err
	}
	if err := a.Engine.RecomputeRange(ctx, userID, date, last); err != nil {
		return n, fmt.Errorf("failed to recompute periods: %w", err)
	}
	return n, nil
}

// RunBackground runs the scheduler, chunk workers, backfill sweeper,
// aggregation consumer, OAuth state cleanup and lifetime reconciliation
// until ctx is cancelled or one of them fails.
func (a *App) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			a.logger.Info("Starting background task", "task", name)
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	run("scheduler", a.Scheduler.Run)
	run("chunk_workers", a.Worker.Start)
	run("backfill", a.Backfill.Run)
	run("aggregation_consumer", a.Consumer.Run)
	run("oauth_states", a.OAuth.Run)
	run("lifetime_reconcile", a.reconcileLifetimeLoop)

	return g.Wait()
}

func (a *App) reconcileLifetimeLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.Config.LifetimeReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			users, err := a.Engine.ReconcileAll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.Error("Lifetime reconciliation failed", "error", err)
				continue
			}
			a.logger.Info("Lifetime reconciliation complete", "users", users)
		}
	}
}
