package metrics

import (
	"context"
	"log/slog"
	"time"
)

// QueueDepths is one snapshot of a queue's size.
type QueueDepths struct {
	Total      int
	Ready      int
	Processing int
}

// DB interface for queue depth queries
type DB interface {
	ChunkTaskQueueDepths(ctx context.Context) (QueueDepths, error)
	AggregationQueueDepths(ctx context.Context) (QueueDepths, error)
}

// StartQueueDepthCollector starts a background goroutine that periodically
// collects queue depth metrics from the database
func StartQueueDepthCollector(ctx context.Context, db DB, interval time.Duration) {
	logger := slog.Default()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect once immediately
	collectQueueDepths(ctx, db, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Queue depth collector stopping")
			return
		case <-ticker.C:
			collectQueueDepths(ctx, db, logger)
		}
	}
}

func collectQueueDepths(ctx context.Context, db DB, logger *slog.Logger) {
	if depths, err := db.ChunkTaskQueueDepths(ctx); err != nil {
		logger.Error("Failed to get chunk task queue depths", "error", err)
	} else {
		setDepths(QueueTypeChunkTask, depths)
	}

	if depths, err := db.AggregationQueueDepths(ctx); err != nil {
		logger.Error("Failed to get aggregation queue depths", "error", err)
	} else {
		setDepths(QueueTypeAggregation, depths)
	}
}

func setDepths(queueType string, d QueueDepths) {
	QueueDepthTotal.WithLabelValues(queueType).Set(float64(d.Total))
	QueueDepthReady.WithLabelValues(queueType).Set(float64(d.Ready))
	QueueDepthProcessing.WithLabelValues(queueType).Set(float64(d.Processing))
}
