package aggregation

import (
	"context"
	"log/slog"
	"time"

	"wearable-sync/internal/database"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/trainingload"
)

// Consumer drains aggregation events, recomputing the touched periods and the
// training load series from the touched date
type Consumer struct {
	db           *database.DB
	engine       *Engine
	load         *trainingload.Model
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewConsumer creates an aggregation event consumer
func NewConsumer(db *database.DB, engine *Engine, load *trainingload.Model) *Consumer {
	return &Consumer{
		db:           db,
		engine:       engine,
		load:         load,
		logger:       slog.Default(),
		pollInterval: time.Second,
	}
}

// Run processes events until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting aggregation consumer")

	for {
		processed, err := c.ProcessNext(ctx)
		if err != nil {
			c.logger.Error("Failed to process aggregation event", "error", err)
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Stopping aggregation consumer")
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// ProcessNext claims and processes one event. Returns false when the queue
// is empty. A failed event is released for another attempt.
func (c *Consumer) ProcessNext(ctx context.Context) (bool, error) {
	ev, err := c.db.ClaimAggregation(ctx)
	if err != nil {
		return false, err
	}
	if ev == nil {
		return false, nil
	}

	start := time.Now()
	if err := c.process(ctx, ev); err != nil {
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeAggregation, metrics.ResultFailure).Observe(time.Since(start).Seconds())
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeAggregation, metrics.ResultRetry).Inc()
		if relErr := c.db.ReleaseAggregation(ctx, ev.ID); relErr != nil {
			c.logger.Error("Failed to release aggregation event", "id", ev.ID, "error", relErr)
		}
		return true, err
	}

	if err := c.db.CompleteAggregation(ctx, ev); err != nil {
		return true, err
	}
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeAggregation, metrics.ResultSuccess).Observe(time.Since(start).Seconds())
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeAggregation, metrics.ResultSuccess).Inc()
	c.logger.Debug("Aggregation event processed", "user_id", ev.UserID, "date", ev.Date)
	return true, nil
}

// Drain processes events until the queue is empty or an event fails
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := c.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

func (c *Consumer) process(ctx context.Context, ev *database.AggregationEvent) error {
	if err := c.engine.RecomputePeriod(ctx, ev.UserID, ev.Date); err != nil {
		return err
	}
	return c.load.Recompute(ctx, ev.UserID, ev.Date)
}
