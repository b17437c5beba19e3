package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"wearable-sync/internal/backfill"
	"wearable-sync/internal/database"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/provider"
	"wearable-sync/internal/sentry"
)

// panicRetryDelay holds back a task whose handler panicked
const panicRetryDelay = time.Minute

// TaskHandler runs one claimed chunk task, and fails its chunk once the
// worker gives up on it
type TaskHandler interface {
	HandleTask(ctx context.Context, task *database.ChunkTask) (*backfill.TaskResult, error)
	FailTask(ctx context.Context, task *database.ChunkTask, reason string) error
}

// Budget reports the provider's remaining rate limit budget
type Budget interface {
	Status() provider.RateLimitStatus
	IsNearLimit(threshold float64) bool
}

// Config tunes the worker pool
type Config struct {
	Workers int
	// DispatchSpacing is the minimum gap between two chunk tasks, across all workers
	DispatchSpacing time.Duration
	// ThrottleThreshold is the budget usage percentage above which no new
	// tasks are claimed
	ThrottleThreshold float64
	// RecoveryCount is the number of successes a half-open breaker needs to close
	RecoveryCount int
	// MaxAttempts fails a chunk whose handler panicked or errored this many
	// times. Zero retries forever.
	MaxAttempts int
}

// Worker claims chunk tasks from the queue and runs them, honouring the
// persisted circuit breaker
type Worker struct {
	db           *database.DB
	handler      TaskHandler
	budget       Budget
	cfg          Config
	spacing      *rate.Limiter
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewWorker creates a chunk worker pool
func NewWorker(db *database.DB, handler TaskHandler, budget Budget, cfg Config) *Worker {
	return &Worker{
		db:           db,
		handler:      handler,
		budget:       budget,
		cfg:          cfg,
		spacing:      rate.NewLimiter(rate.Every(cfg.DispatchSpacing), 1),
		logger:       slog.Default(),
		pollInterval: 500 * time.Millisecond,
	}
}

// Start runs cfg.Workers poll loops until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	workers := max(w.cfg.Workers, 1)
	w.logger.Info("Starting chunk workers", "workers", workers, "dispatch_spacing", w.cfg.DispatchSpacing)

	g, ctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			return w.loop(ctx, i)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) error {
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	for {
		if ctx.Err() != nil {
			w.logger.Info("Stopping chunk worker", "worker", id)
			return ctx.Err()
		}

		outcome, err := w.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Worker poll failed", "worker", id, "error", err)
		}
		if outcome == metrics.OutcomeTaskFound {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.pollInterval):
		}
	}
}

// PollOnce runs one poll cycle: update the breaker, check the budget, then
// claim and run at most one task. Returns the cycle outcome.
func (w *Worker) PollOnce(ctx context.Context) (string, error) {
	// 1. Check circuit breaker state
	state, err := w.db.GetCircuitBreakerState(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to check circuit breaker: %w", err)
	}

	// 2. Handle circuit state transitions
	if err := w.handleCircuitBreakerTransitions(ctx, state); err != nil {
		w.logger.Error("Failed to handle circuit transitions", "error", err)
	}

	// 3. Skip backfill work while the circuit is open
	if state.State == database.BreakerOpen {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeCircuitOpen).Inc()
		return metrics.OutcomeCircuitOpen, nil
	}

	// 4. Proactive throttling: leave headroom for interactive syncs
	if w.budget != nil && w.budget.IsNearLimit(w.cfg.ThrottleThreshold) {
		w.logger.Debug("Chunk tasks throttled", "threshold", w.cfg.ThrottleThreshold)
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeThrottled).Inc()
		metrics.ChunkTasksThrottled.Inc()
		return metrics.OutcomeThrottled, nil
	}

	// 5. Claim and run a chunk task
	task, err := w.db.ClaimChunkTask(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to claim chunk task: %w", err)
	}
	if task == nil {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeIdle).Inc()
		return metrics.OutcomeIdle, nil
	}

	metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeTaskFound).Inc()
	if err := w.spacing.Wait(ctx); err != nil {
		// Shutting down; hand the task back untouched
		w.release(task, task.Attempts, err.Error(), w.db.Now())
		return metrics.OutcomeTaskFound, err
	}

	result := w.processTask(ctx, task)
	if result != nil && result.Outcome == metrics.ResultSuccess && state.State == database.BreakerHalfOpen {
		if err := w.db.IncrementCircuitBreakerSuccesses(ctx); err != nil {
			w.logger.Error("Failed to record circuit breaker success", "error", err)
		}
	}
	return metrics.OutcomeTaskFound, nil
}

// handleCircuitBreakerTransitions manages state transitions for the circuit
// breaker. state is updated in place.
func (w *Worker) handleCircuitBreakerTransitions(ctx context.Context, state *database.CircuitBreakerState) error {
	now := w.db.Now()

	switch state.State {
	case database.BreakerOpen:
		// Check if cooldown period has elapsed
		if state.ClosesAt != nil && now.After(state.ClosesAtTime()) {
			w.logger.Info("Circuit breaker cooldown elapsed, transitioning to half_open",
				"opened_at", time.Unix(derefInt64(state.OpenedAt), 0))
			if err := w.db.TransitionCircuitBreakerToHalfOpen(ctx); err != nil {
				return fmt.Errorf("failed to transition to half_open: %w", err)
			}
			state.State = database.BreakerHalfOpen
			state.ConsecutiveSuccesses = 0
			metrics.CircuitBreakerState.WithLabelValues("rate_limit").Set(1)
		}

	case database.BreakerHalfOpen:
		// After N consecutive successes, recover to closed
		if state.ConsecutiveSuccesses >= w.cfg.RecoveryCount {
			w.logger.Info("Circuit breaker recovered after consecutive successes",
				"successes", state.ConsecutiveSuccesses)
			if err := w.db.TransitionCircuitBreakerToClosed(ctx); err != nil {
				return fmt.Errorf("failed to transition to closed: %w", err)
			}
			state.State = database.BreakerClosed
			metrics.CircuitBreakerState.WithLabelValues("rate_limit").Set(0)
			metrics.CircuitBreakerRecovered.Inc()
		}
	}

	return nil
}

// handleRateLimit opens the circuit breaker after the provider throttled us
func (w *Worker) handleRateLimit(ctx context.Context, rl *provider.RateLimitError) error {
	w.logger.Warn("Rate limited by provider, opening circuit breaker", "retry_after", rl.RetryAfter)

	remaining15min := rl.Remaining15Min
	remainingDaily := rl.RemainingDaily
	if w.budget != nil {
		status := w.budget.Status()
		if remaining15min == nil {
			r := status.Remaining15Min()
			remaining15min = &r
		}
		if remainingDaily == nil {
			r := status.RemainingDaily()
			remainingDaily = &r
		}
	}

	remaining := 0
	if remaining15min != nil {
		remaining = *remaining15min
	}
	cooldown := provider.CalculateCooldown(w.db.Now(), rl.RetryAfter, remaining)

	if err := w.db.OpenCircuitBreaker(ctx, remaining15min, remainingDaily, cooldown); err != nil {
		w.logger.Error("Failed to open circuit breaker", "error", err)
		return err
	}

	metrics.CircuitBreakerOpened.Inc()
	metrics.CircuitBreakerState.WithLabelValues("rate_limit").Set(2)

	w.logger.Info("Circuit breaker opened",
		"cooldown_duration", cooldown,
		"remaining_15min", remaining,
		"closes_at", w.db.Now().Add(cooldown))
	return nil
}

// processTask runs a single chunk task. A panicking or erroring handler uses
// one attempt; the task goes back on the queue until MaxAttempts is reached.
func (w *Worker) processTask(ctx context.Context, task *database.ChunkTask) (result *backfill.TaskResult) {
	start := time.Now()
	w.logger.Info("Processing chunk task",
		"id", task.ID,
		"chunk_id", task.ChunkID,
		"user_id", task.UserID,
		"attempts", task.Attempts)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		metrics.WorkerPanicsTotal.Inc()
		err := sentry.CapturePanic(r, map[string]string{
			"user_id":  task.UserID,
			"chunk_id": strconv.FormatInt(task.ChunkID, 10),
		})
		w.logger.Error("Chunk task panicked", "id", task.ID, "error", err)
		outcome := w.retryOrFail(ctx, task, err.Error())
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeChunkTask, metrics.ResultFailure).Observe(time.Since(start).Seconds())
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeChunkTask, outcome).Inc()
		result = nil
	}()

	result, err := w.handler.HandleTask(ctx, task)
	if err != nil {
		w.logger.Error("Failed to process chunk task", "id", task.ID, "error", err)
		outcome := w.retryOrFail(ctx, task, err.Error())
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeChunkTask, metrics.ResultFailure).Observe(time.Since(start).Seconds())
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeChunkTask, outcome).Inc()
		return nil
	}

	if result.RateLimit != nil {
		if err := w.handleRateLimit(ctx, result.RateLimit); err != nil {
			w.logger.Error("Failed to handle rate limit", "error", err)
		}
	}

	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeChunkTask, result.Outcome).Observe(time.Since(start).Seconds())
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeChunkTask, result.Outcome).Inc()
	w.logger.Info("Chunk task processed", "id", task.ID, "outcome", result.Outcome)
	return result
}

// retryOrFail uses one attempt of a task the handler could not settle. The
// task is held back for panicRetryDelay, or its chunk is failed once
// MaxAttempts is reached.
func (w *Worker) retryOrFail(ctx context.Context, task *database.ChunkTask, errorMsg string) string {
	attempts := task.Attempts + 1
	if w.cfg.MaxAttempts <= 0 || attempts < w.cfg.MaxAttempts {
		w.release(task, attempts, errorMsg, w.db.Now().Add(panicRetryDelay))
		return metrics.ResultRetry
	}

	w.logger.Error("Chunk task exhausted its attempts", "id", task.ID, "chunk_id", task.ChunkID, "attempts", attempts)
	if err := w.handler.FailTask(context.WithoutCancel(ctx), task, errorMsg); err != nil {
		w.logger.Error("Failed to fail chunk task", "id", task.ID, "error", err)
		w.release(task, attempts, errorMsg, w.db.Now().Add(panicRetryDelay))
		return metrics.ResultRetry
	}
	return metrics.ResultFailure
}

// release hands a task back to the queue
func (w *Worker) release(task *database.ChunkTask, attempts int, errorMsg string, next time.Time) {
	if err := w.db.RetryChunkTask(context.Background(), task.ID, attempts, errorMsg, next); err != nil {
		w.logger.Error("Failed to release chunk task", "id", task.ID, "error", err)
	}
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
