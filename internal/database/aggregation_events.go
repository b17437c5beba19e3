package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// AggregationEvent marks a user date whose rollups must be recomputed.
// Repeated touches of the same date coalesce into one row; generation lets a
// consumer tell whether the date was touched again while it was working.
type AggregationEvent struct {
	ID                  int64  `db:"id"`
	UserID              string `db:"user_id"`
	Date                string `db:"date"`
	Generation          int64  `db:"generation"`
	ProcessingStartedAt *int64 `db:"processing_started_at"`
	CreatedAt           int64  `db:"created_at"`
}

// EnqueueAggregation publishes a touch for userID/date
func (db *DB) EnqueueAggregation(ctx context.Context, userID, date string) error {
	return enqueueAggregation(ctx, db.conn, db.now().Unix(), userID, date)
}

// EnqueueAggregationTx publishes a touch as part of the ingestion write
func (db *DB) EnqueueAggregationTx(ctx context.Context, tx *sqlx.Tx, userID, date string) error {
	return enqueueAggregation(ctx, tx, db.now().Unix(), userID, date)
}

func enqueueAggregation(ctx context.Context, ex sqlx.ExecerContext, now int64, userID, date string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueAggregation))
	defer timer.ObserveDuration()

	_, err := ex.ExecContext(ctx, `
		INSERT INTO aggregation_events (user_id, date, generation, created_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET generation = aggregation_events.generation + 1
	`, userID, date, now)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueAggregation).Inc()
		return fmt.Errorf("failed to enqueue aggregation event: %w", err)
	}
	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeAggregation).Inc()
	return nil
}

// ClaimAggregation claims the oldest unclaimed (or stale) event. Returns nil
// if the queue is empty.
func (db *DB) ClaimAggregation(ctx context.Context) (*AggregationEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimAggregation))
	defer timer.ObserveDuration()

	now := db.now()
	var ev AggregationEvent
	err := db.conn.QueryRowxContext(ctx, `
		UPDATE aggregation_events
		SET processing_started_at = ?
		WHERE id = (
			SELECT id FROM aggregation_events
			WHERE processing_started_at IS NULL OR processing_started_at < ?
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, user_id, date, generation, processing_started_at, created_at
	`, now.Unix(), now.Add(-StaleLockTimeout).Unix()).StructScan(&ev)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimAggregation).Inc()
		return nil, fmt.Errorf("failed to claim aggregation event: %w", err)
	}
	return &ev, nil
}

// CompleteAggregation removes a processed event. If the date was touched again
// after the claim, the row is released for another pass instead.
func (db *DB) CompleteAggregation(ctx context.Context, ev *AggregationEvent) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCompleteAggregation))
	defer timer.ObserveDuration()

	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM aggregation_events WHERE id = ? AND generation = ?`, ev.ID, ev.Generation)
		if err != nil {
			return fmt.Errorf("failed to delete aggregation event: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE aggregation_events SET processing_started_at = NULL WHERE id = ?`, ev.ID); err != nil {
			return fmt.Errorf("failed to release aggregation event: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCompleteAggregation).Inc()
		return err
	}
	return nil
}

// ReleaseAggregation returns a claimed event to the queue after a failure
func (db *DB) ReleaseAggregation(ctx context.Context, id int64) error {
	if _, err := db.conn.ExecContext(ctx, `UPDATE aggregation_events SET processing_started_at = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to release aggregation event: %w", err)
	}
	return nil
}

// DeleteUserAggregations drops queued events for dates in [from, to], used
// once a backfill has recomputed that whole range itself
func (db *DB) DeleteUserAggregations(ctx context.Context, userID, from, to string) error {
	_, err := db.conn.ExecContext(ctx, `
		DELETE FROM aggregation_events
		WHERE user_id = ? AND date >= ? AND date <= ? AND processing_started_at IS NULL
	`, userID, from, to)
	if err != nil {
		return fmt.Errorf("failed to delete aggregation events: %w", err)
	}
	return nil
}

// AggregationQueueDepths reports total, ready and in-flight aggregation events
func (db *DB) AggregationQueueDepths(ctx context.Context) (metrics.QueueDepths, error) {
	staleThreshold := db.now().Add(-StaleLockTimeout).Unix()

	var depths struct {
		Total      int `db:"total"`
		Ready      int `db:"ready"`
		Processing int `db:"processing"`
	}
	err := db.conn.GetContext(ctx, &depths, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN processing_started_at IS NULL OR processing_started_at < ? THEN 1 ELSE 0 END), 0) AS ready,
			COALESCE(SUM(CASE WHEN processing_started_at >= ? THEN 1 ELSE 0 END), 0) AS processing
		FROM aggregation_events
	`, staleThreshold, staleThreshold)
	if err != nil {
		return metrics.QueueDepths{}, fmt.Errorf("failed to get aggregation queue depths: %w", err)
	}
	return metrics.QueueDepths{Total: depths.Total, Ready: depths.Ready, Processing: depths.Processing}, nil
}
