// Package backfill runs historical syncs as a job of independently retried
// chunks and rebuilds the user's rollups once enough of them have landed.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"wearable-sync/internal/aggregation"
	"wearable-sync/internal/database"
	"wearable-sync/internal/ingest"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/provider"
	"wearable-sync/internal/sentry"
	"wearable-sync/internal/trainingload"
)

// Progress milestones. Chunk acknowledgements move progress from
// progressDispatched up to progressSynced.
const (
	progressDispatched = 5
	progressSynced     = 90
	progressComplete   = 100
)

const (
	defaultRetryAfter = 60 * time.Second
	retryBaseDelay    = 30 * time.Second
	reasonDisconnect  = "disconnected"
	errorKindInternal = "internal"
)

var (
	// ErrNotConnected is returned when starting a backfill for a user without a connection
	ErrNotConnected = errors.New("user is not connected")
	// ErrInProgress is returned while another backfill or a sync holds the user
	ErrInProgress = errors.New("a sync or backfill is already running for this user")
)

// Source fetches provider data for the orchestrator
type Source interface {
	IngestChunk(ctx context.Context, userID string, chunk ingest.Chunk, opts ingest.Options) (*ingest.Result, error)
	CountActivities(ctx context.Context, userID string) (int, error)
}

// Credentials is the part of the vault the orchestrator needs
type Credentials interface {
	MarkReauthRequired(ctx context.Context, userID string, cause error) error
	Clear(ctx context.Context, userID string) error
}

// Config controls planning, retries and completion
type Config struct {
	HistoryDays           int
	ChunkDays             int
	PageSize              int
	CompleteRatio         float64
	LeaseTTL              time.Duration
	MaxTaskAttempts       int
	MaxProcessingAttempts int
	PlanningTimeout       time.Duration
	SweepInterval         time.Duration
}

// TaskResult reports how a chunk task ended. RateLimit is set when the
// provider throttled the call, so the caller can open the circuit breaker.
type TaskResult struct {
	Outcome   string
	RateLimit *provider.RateLimitError
}

// Orchestrator drives backfill jobs through their states
type Orchestrator struct {
	db     *database.DB
	source Source
	creds  Credentials
	engine *aggregation.Engine
	load   *trainingload.Model
	cfg    Config
	logger *slog.Logger
}

// New creates an orchestrator
func New(db *database.DB, source Source, creds Credentials, engine *aggregation.Engine, load *trainingload.Model, cfg Config) *Orchestrator {
	return &Orchestrator{
		db:     db,
		source: source,
		creds:  creds,
		engine: engine,
		load:   load,
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// Start plans a backfill of the configured history window and queues its
// chunks. The returned job is in syncing, or failed if planning could not
// reach the provider.
func (o *Orchestrator) Start(ctx context.Context, userID string) (*database.BackfillJob, error) {
	conn, err := o.db.GetConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conn == nil || !conn.Connected {
		return nil, ErrNotConnected
	}

	today := o.db.Now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -(o.cfg.HistoryDays - 1))
	job := &database.BackfillJob{
		ID:          uuid.NewString(),
		UserID:      userID,
		WindowStart: start.Format(database.DateLayout),
		WindowEnd:   today.Format(database.DateLayout),
	}

	holder := "backfill:" + job.ID
	acquired, err := o.db.AcquireLease(ctx, userID, holder, o.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrInProgress
	}
	defer func() {
		if err := o.db.ReleaseLease(context.WithoutCancel(ctx), userID, holder); err != nil {
			o.logger.Error("Failed to release backfill lease", "user_id", userID, "error", err)
		}
	}()

	if err := o.db.CreateBackfillJob(ctx, job); err != nil {
		if errors.Is(err, database.ErrActiveJobExists) {
			return nil, ErrInProgress
		}
		return nil, err
	}
	o.logger.Info("Backfill job created",
		"user_id", userID,
		"job_id", job.ID,
		"window_start", job.WindowStart,
		"window_end", job.WindowEnd)

	count, err := o.source.CountActivities(ctx, userID)
	if err != nil {
		o.failJob(ctx, job, fmt.Sprintf("planning failed: %v", err), err)
		if provider.IsAuth(err) {
			o.requireReauth(ctx, userID, err)
		}
		return o.db.GetBackfillJob(context.WithoutCancel(ctx), job.ID)
	}

	plans := PlanHealthChunks(start, today, o.cfg.ChunkDays)
	plans = append(plans, PlanActivityPages(count, o.cfg.PageSize)...)
	if err := o.db.DispatchChunks(ctx, job.ID, count, plans, progressDispatched); err != nil {
		o.failJob(context.WithoutCancel(ctx), job, "dispatch failed", err)
		return nil, err
	}
	if _, err := o.db.TransitionBackfillJob(ctx, job.ID, database.BackfillDispatching, database.BackfillSyncing, progressDispatched); err != nil {
		// the sweep retries the transition
		o.logger.Error("Failed to move backfill to syncing", "job_id", job.ID, "error", err)
	}

	o.logger.Info("Backfill dispatched",
		"user_id", userID,
		"job_id", job.ID,
		"chunks", len(plans),
		"activity_count", count)
	return o.db.GetBackfillJob(ctx, job.ID)
}

// Status returns the user's most recent backfill job, or nil
func (o *Orchestrator) Status(ctx context.Context, userID string) (*database.BackfillJob, error) {
	return o.db.GetLatestBackfillJob(ctx, userID)
}

// Disconnect fails the user's active backfill, drops its queued chunks and
// clears the stored session. Chunks already being fetched finish normally.
func (o *Orchestrator) Disconnect(ctx context.Context, userID string) error {
	jobID, err := o.db.CancelUserBackfill(ctx, userID, reasonDisconnect)
	if err != nil {
		return err
	}
	if jobID != "" {
		metrics.BackfillJobsTotal.WithLabelValues(database.BackfillFailed).Inc()
		o.logger.Info("Backfill cancelled", "user_id", userID, "job_id", jobID, "reason", reasonDisconnect)
	}
	return o.creds.Clear(ctx, userID)
}

// HandleTask runs one claimed chunk task and settles it. Provider failures
// are absorbed into the task's retry state; only storage errors are returned.
func (o *Orchestrator) HandleTask(ctx context.Context, task *database.ChunkTask) (*TaskResult, error) {
	chunk, err := o.db.GetChunk(ctx, task.ChunkID)
	if err != nil {
		return nil, err
	}
	if chunk == nil || chunk.State != database.ChunkPending {
		return o.drop(ctx, task)
	}
	job, err := o.db.GetBackfillJob(ctx, chunk.JobID)
	if err != nil {
		return nil, err
	}
	// Chunks of a completed job still land; a failed job takes nothing more
	if job == nil || job.Status == database.BackfillFailed {
		return o.drop(ctx, task)
	}

	deferred := job.Status == database.BackfillDispatching || job.Status == database.BackfillSyncing
	result, err := o.source.IngestChunk(ctx, task.UserID, ingest.ChunkFromRecord(chunk), ingest.Options{DeferAggregation: deferred})
	if err != nil {
		return o.settleFailure(ctx, task, chunk, job, err)
	}

	if _, err := o.db.AcknowledgeChunk(ctx, chunk.ID, progressSynced); err != nil {
		return nil, err
	}
	metrics.BackfillChunksTotal.WithLabelValues(chunk.Kind, metrics.ResultSuccess).Inc()

	if deferred {
		if err := o.publishIfProcessed(ctx, job.ID, task.UserID, result.TouchedDates); err != nil {
			return nil, err
		}
	}
	return &TaskResult{Outcome: metrics.ResultSuccess}, nil
}

// publishIfProcessed queues aggregation for dates written with aggregation
// deferred when the job moved past syncing while the chunk was in flight
func (o *Orchestrator) publishIfProcessed(ctx context.Context, jobID, userID string, dates []string) error {
	if len(dates) == 0 {
		return nil
	}
	job, err := o.db.GetBackfillJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status == database.BackfillDispatching || job.Status == database.BackfillSyncing {
		return nil
	}
	for _, date := range dates {
		if err := o.db.EnqueueAggregation(ctx, userID, date); err != nil {
			return err
		}
	}
	return nil
}

// FailTask fails the task's chunk after the worker gave up on it, the same
// way a chunk that keeps failing at the provider is failed
func (o *Orchestrator) FailTask(ctx context.Context, task *database.ChunkTask, reason string) error {
	chunk, err := o.db.GetChunk(ctx, task.ChunkID)
	if err != nil {
		return err
	}
	if chunk == nil {
		return o.db.DeleteChunkTask(ctx, task.ID)
	}

	counted, err := o.db.FailChunk(ctx, chunk.ID, errorKindInternal, reason)
	if err != nil {
		return err
	}
	if counted {
		metrics.BackfillChunksTotal.WithLabelValues(chunk.Kind, metrics.ResultFailure).Inc()
	}
	o.logger.Error("Chunk failed",
		"user_id", task.UserID,
		"job_id", chunk.JobID,
		"chunk_id", chunk.ID,
		"attempts", task.Attempts+1,
		"error", reason)
	return nil
}

func (o *Orchestrator) drop(ctx context.Context, task *database.ChunkTask) (*TaskResult, error) {
	if err := o.db.DeleteChunkTask(ctx, task.ID); err != nil {
		return nil, err
	}
	return &TaskResult{Outcome: metrics.ResultDropped}, nil
}

func (o *Orchestrator) settleFailure(ctx context.Context, task *database.ChunkTask, chunk *database.BackfillChunk, job *database.BackfillJob, cause error) (*TaskResult, error) {
	// Settle even when the worker is shutting down
	ctx = context.WithoutCancel(ctx)
	now := o.db.Now()

	if rl, ok := provider.AsRateLimit(cause); ok {
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		if err := o.db.DeferChunkTask(ctx, task.ID, cause.Error(), now.Add(wait)); err != nil {
			return nil, err
		}
		o.logger.Warn("Chunk rate limited",
			"user_id", task.UserID,
			"job_id", job.ID,
			"chunk_id", chunk.ID,
			"retry_after", wait)
		return &TaskResult{Outcome: metrics.ResultRateLimited, RateLimit: rl}, nil
	}

	if provider.IsAuth(cause) {
		if _, err := o.db.FailChunk(ctx, chunk.ID, provider.Kind(cause), cause.Error()); err != nil {
			return nil, err
		}
		o.failJob(ctx, job, fmt.Sprintf("authentication failed: %v", cause), cause)
		o.requireReauth(ctx, task.UserID, cause)
		metrics.BackfillChunksTotal.WithLabelValues(chunk.Kind, metrics.ResultFailure).Inc()
		return &TaskResult{Outcome: metrics.ResultFailure}, nil
	}

	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		// Interrupted, not failed; make it claimable again without using an attempt
		if err := o.db.RetryChunkTask(ctx, task.ID, task.Attempts, cause.Error(), now); err != nil {
			return nil, err
		}
		return &TaskResult{Outcome: metrics.ResultRetry}, nil
	}

	attempts := task.Attempts + 1
	if attempts >= o.cfg.MaxTaskAttempts {
		if _, err := o.db.FailChunk(ctx, chunk.ID, provider.Kind(cause), cause.Error()); err != nil {
			return nil, err
		}
		metrics.BackfillChunksTotal.WithLabelValues(chunk.Kind, metrics.ResultFailure).Inc()
		o.logger.Error("Chunk failed",
			"user_id", task.UserID,
			"job_id", job.ID,
			"chunk_id", chunk.ID,
			"attempts", attempts,
			"error", cause)
		return &TaskResult{Outcome: metrics.ResultFailure}, nil
	}

	delay := retryDelay(attempts)
	if err := o.db.RetryChunkTask(ctx, task.ID, attempts, cause.Error(), now.Add(delay)); err != nil {
		return nil, err
	}
	metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeChunkTask, fmt.Sprintf("%d", attempts)).Inc()
	o.logger.Warn("Chunk will be retried",
		"user_id", task.UserID,
		"job_id", job.ID,
		"chunk_id", chunk.ID,
		"attempt", attempts,
		"delay", delay,
		"error", cause)
	return &TaskResult{Outcome: metrics.ResultRetry}, nil
}

// retryDelay is exponential in the attempt number with up to 50% jitter
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	return d + rand.N(d/2+1)
}

// Run sweeps jobs every SweepInterval until ctx is cancelled
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Starting backfill sweep", "interval", o.cfg.SweepInterval)
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Stopping backfill sweep")
			return ctx.Err()
		case <-ticker.C:
			if err := o.Sweep(ctx); err != nil {
				o.logger.Error("Backfill sweep failed", "error", err)
			}
		}
	}
}

// Sweep advances every non-terminal job whose conditions are met. A job that
// cannot be advanced is logged and left for the next sweep.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	jobs, err := o.db.ListBackfillJobsByStatus(ctx,
		database.BackfillPlanning,
		database.BackfillDispatching,
		database.BackfillSyncing,
		database.BackfillProcessing)
	if err != nil {
		return err
	}

	for i := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.advance(ctx, &jobs[i]); err != nil {
			o.logger.Error("Failed to advance backfill job",
				"user_id", jobs[i].UserID,
				"job_id", jobs[i].ID,
				"status", jobs[i].Status,
				"error", err)
		}
	}
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, job *database.BackfillJob) error {
	switch job.Status {
	case database.BackfillPlanning:
		if o.db.Now().Sub(time.Unix(job.CreatedAt, 0)) > o.cfg.PlanningTimeout {
			o.failJob(ctx, job, "planning timed out", nil)
		}
		return nil

	case database.BackfillDispatching:
		if _, err := o.db.TransitionBackfillJob(ctx, job.ID, database.BackfillDispatching, database.BackfillSyncing, progressDispatched); err != nil {
			return err
		}
		job.Status = database.BackfillSyncing
		return o.advanceSyncing(ctx, job)

	case database.BackfillSyncing:
		return o.advanceSyncing(ctx, job)

	case database.BackfillProcessing:
		return o.process(ctx, job)
	}
	return nil
}

// advanceSyncing moves the job to processing once enough chunks arrived, or
// fails it when every chunk has settled without reaching the ratio
func (o *Orchestrator) advanceSyncing(ctx context.Context, job *database.BackfillJob) error {
	received := job.ChunksReceived
	requested := job.ChunksRequested

	if requested == 0 || float64(received)/float64(requested) >= o.cfg.CompleteRatio {
		moved, err := o.db.TransitionBackfillJob(ctx, job.ID, database.BackfillSyncing, database.BackfillProcessing, progressSynced)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		job.Status = database.BackfillProcessing
		o.logger.Info("Backfill chunks synced",
			"user_id", job.UserID,
			"job_id", job.ID,
			"received", received,
			"failed", job.ChunksFailed,
			"requested", requested)
		return o.process(ctx, job)
	}

	if job.Settled() >= requested {
		reason := fmt.Sprintf("only %d of %d chunks succeeded", received, requested)
		o.failJob(ctx, job, reason, errors.New(reason))
	}
	return nil
}

// process rebuilds rollups and training load for the whole window. The user
// lease keeps two sweeps from processing the same job at once.
func (o *Orchestrator) process(ctx context.Context, job *database.BackfillJob) error {
	holder := "backfill:" + job.ID
	acquired, err := o.db.AcquireLease(ctx, job.UserID, holder, o.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		o.logger.Debug("Backfill processing deferred, user is busy", "job_id", job.ID)
		return nil
	}
	defer func() {
		if err := o.db.ReleaseLease(context.WithoutCancel(ctx), job.UserID, holder); err != nil {
			o.logger.Error("Failed to release backfill lease", "user_id", job.UserID, "error", err)
		}
	}()

	attempts, err := o.db.IncrementProcessingAttempts(ctx, job.ID)
	if err != nil {
		return err
	}
	if attempts > o.cfg.MaxProcessingAttempts {
		o.failJob(ctx, job, fmt.Sprintf("processing failed after %d attempts", o.cfg.MaxProcessingAttempts), nil)
		return nil
	}

	started := time.Now()
	if err := o.rebuild(ctx, job); err != nil {
		if appendErr := o.db.AppendBackfillError(ctx, job.ID, nil, "processing", err.Error()); appendErr != nil {
			o.logger.Error("Failed to record processing error", "job_id", job.ID, "error", appendErr)
		}
		sentry.CaptureException(err, map[string]string{"user_id": job.UserID, "job_id": job.ID})
		return fmt.Errorf("processing attempt %d: %w", attempts, err)
	}

	moved, err := o.db.TransitionBackfillJob(ctx, job.ID, database.BackfillProcessing, database.BackfillComplete, progressComplete)
	if err != nil {
		return err
	}
	if moved {
		metrics.BackfillJobsTotal.WithLabelValues(database.BackfillComplete).Inc()
		o.logger.Info("Backfill complete",
			"user_id", job.UserID,
			"job_id", job.ID,
			"duration", time.Since(started))
	}
	return nil
}

func (o *Orchestrator) rebuild(ctx context.Context, job *database.BackfillJob) error {
	from, to := job.WindowStart, job.WindowEnd
	first, last, ok, err := o.db.ActivityDateRange(ctx, job.UserID)
	if err != nil {
		return err
	}
	if ok {
		from = min(from, first)
		to = max(to, last)
	}

	// Queued events in the range are covered by the full recompute
	if err := o.db.DeleteUserAggregations(ctx, job.UserID, from, to); err != nil {
		return err
	}
	if err := o.engine.RecomputeRange(ctx, job.UserID, from, to); err != nil {
		return fmt.Errorf("failed to recompute periods: %w", err)
	}
	if _, err := o.engine.ReconcileLifetime(ctx, job.UserID); err != nil {
		return fmt.Errorf("failed to reconcile lifetime stats: %w", err)
	}
	if err := o.load.ReplayAll(ctx, job.UserID); err != nil {
		return fmt.Errorf("failed to replay training load: %w", err)
	}
	return nil
}

// failJob fails a job and reports unexpected causes. A nil cause is an
// expected structural failure.
func (o *Orchestrator) failJob(ctx context.Context, job *database.BackfillJob, reason string, cause error) {
	failed, err := o.db.FailBackfillJob(ctx, job.ID, reason)
	if err != nil {
		o.logger.Error("Failed to mark backfill failed", "job_id", job.ID, "error", err)
		return
	}
	if !failed {
		return
	}

	metrics.BackfillJobsTotal.WithLabelValues(database.BackfillFailed).Inc()
	o.logger.Error("Backfill failed", "user_id", job.UserID, "job_id", job.ID, "reason", reason)
	if cause != nil && !provider.IsAuth(cause) {
		sentry.CaptureException(fmt.Errorf("backfill %s failed: %w", job.ID, cause), map[string]string{
			"user_id": job.UserID,
			"job_id":  job.ID,
		})
	}
}

func (o *Orchestrator) requireReauth(ctx context.Context, userID string, cause error) {
	if err := o.creds.MarkReauthRequired(ctx, userID, cause); err != nil {
		o.logger.Error("Failed to mark re-authentication required", "user_id", userID, "error", err)
	}
}
