package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// StaleLockTimeout is how long a claimed task may run before another worker
// is allowed to reclaim it
const StaleLockTimeout = 10 * time.Minute

// ChunkTask is a queued execution of a backfill chunk
type ChunkTask struct {
	ID                  int64   `db:"id"`
	ChunkID             int64   `db:"chunk_id"`
	UserID              string  `db:"user_id"`
	Attempts            int     `db:"attempts"`
	LastError           *string `db:"last_error"`
	NextRetryAt         *int64  `db:"next_retry_at"`
	ProcessingStartedAt *int64  `db:"processing_started_at"`
	CreatedAt           int64   `db:"created_at"`
}

// ClaimChunkTask claims the next ready chunk task for processing.
// Items are considered ready if:
// - next_retry_at is NULL or in the past
// - processing_started_at is NULL or stale (older than StaleLockTimeout)
// Among ready tasks, the user dispatched least recently goes first so one
// user's backfill cannot starve the others. Returns nil if nothing is ready.
func (db *DB) ClaimChunkTask(ctx context.Context) (*ChunkTask, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimChunkTask))
	defer timer.ObserveDuration()

	now := db.now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var task *ChunkTask
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var claimed ChunkTask
		err := tx.QueryRowxContext(ctx, `
			UPDATE chunk_tasks
			SET processing_started_at = ?
			WHERE id = (
				SELECT t.id
				FROM chunk_tasks t
				LEFT JOIN user_dispatch d ON d.user_id = t.user_id
				WHERE (t.next_retry_at IS NULL OR t.next_retry_at <= ?)
				  AND (t.processing_started_at IS NULL OR t.processing_started_at < ?)
				ORDER BY COALESCE(d.last_dispatched_at, 0) ASC, t.id ASC
				LIMIT 1
			)
			RETURNING id, chunk_id, user_id, attempts, last_error, next_retry_at, processing_started_at, created_at
		`, now.Unix(), now.Unix(), staleThreshold).StructScan(&claimed)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim chunk task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_dispatch (user_id, last_dispatched_at) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET last_dispatched_at = excluded.last_dispatched_at
		`, claimed.UserID, now.UnixNano()); err != nil {
			return fmt.Errorf("failed to record dispatch: %w", err)
		}

		task = &claimed
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimChunkTask).Inc()
		return nil, err
	}

	return task, nil
}

// DeleteChunkTask removes a task from the queue
func (db *DB) DeleteChunkTask(ctx context.Context, id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteChunkTask))
	defer timer.ObserveDuration()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM chunk_tasks WHERE id = ?`, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteChunkTask).Inc()
		return fmt.Errorf("failed to delete chunk task: %w", err)
	}
	return nil
}

// RetryChunkTask releases a failed task back to the queue after consuming an attempt
func (db *DB) RetryChunkTask(ctx context.Context, id int64, attempts int, errMsg string, nextRetryAt time.Time) error {
	return db.releaseChunkTask(ctx, `
		UPDATE chunk_tasks
		SET attempts = ?, last_error = ?, next_retry_at = ?, processing_started_at = NULL
		WHERE id = ?
	`, attempts, errMsg, nextRetryAt.Unix(), id)
}

// DeferChunkTask releases a task without consuming an attempt, used when the
// provider throttles us rather than the chunk itself failing
func (db *DB) DeferChunkTask(ctx context.Context, id int64, errMsg string, until time.Time) error {
	return db.releaseChunkTask(ctx, `
		UPDATE chunk_tasks
		SET last_error = ?, next_retry_at = ?, processing_started_at = NULL
		WHERE id = ?
	`, errMsg, until.Unix(), id)
}

func (db *DB) releaseChunkTask(ctx context.Context, query string, args ...any) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseChunkTask))
	defer timer.ObserveDuration()

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseChunkTask).Inc()
		return fmt.Errorf("failed to release chunk task: %w", err)
	}
	return nil
}

// CountUserChunkTasks returns the number of queued tasks for a user
func (db *DB) CountUserChunkTasks(ctx context.Context, userID string) (int, error) {
	var count int
	if err := db.conn.GetContext(ctx, &count, `SELECT COUNT(*) FROM chunk_tasks WHERE user_id = ?`, userID); err != nil {
		return 0, fmt.Errorf("failed to count chunk tasks: %w", err)
	}
	return count, nil
}

// ChunkTaskQueueDepths reports total, ready and in-flight chunk tasks
func (db *DB) ChunkTaskQueueDepths(ctx context.Context) (metrics.QueueDepths, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetChunkTaskQueueLength))
	defer timer.ObserveDuration()

	now := db.now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var depths struct {
		Total      int `db:"total"`
		Ready      int `db:"ready"`
		Processing int `db:"processing"`
	}
	err := db.conn.GetContext(ctx, &depths, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN (next_retry_at IS NULL OR next_retry_at <= ?)
			               AND (processing_started_at IS NULL OR processing_started_at < ?) THEN 1 ELSE 0 END), 0) AS ready,
			COALESCE(SUM(CASE WHEN processing_started_at IS NOT NULL AND processing_started_at >= ? THEN 1 ELSE 0 END), 0) AS processing
		FROM chunk_tasks
	`, now.Unix(), staleThreshold, staleThreshold)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetChunkTaskQueueLength).Inc()
		return metrics.QueueDepths{}, fmt.Errorf("failed to get chunk task queue depths: %w", err)
	}

	return metrics.QueueDepths{Total: depths.Total, Ready: depths.Ready, Processing: depths.Processing}, nil
}
