package database

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// Circuit breaker states
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// CircuitBreakerState is the persisted provider throttling state shared by all workers
type CircuitBreakerState struct {
	State                string `db:"state"`
	OpenedAt             *int64 `db:"opened_at"`
	ClosesAt             *int64 `db:"closes_at"`
	Last429At            *int64 `db:"last_429_at"`
	Remaining15Min       *int   `db:"remaining_15min"`
	RemainingDaily       *int   `db:"remaining_daily"`
	ConsecutiveSuccesses int    `db:"consecutive_successes"`
	UpdatedAt            int64  `db:"updated_at"`
}

// ClosesAtTime returns when an open breaker may be probed, or the zero time
func (s *CircuitBreakerState) ClosesAtTime() time.Time {
	if s.ClosesAt == nil {
		return time.Time{}
	}
	return time.Unix(*s.ClosesAt, 0)
}

func (db *DB) GetCircuitBreakerState(ctx context.Context) (*CircuitBreakerState, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetCircuitBreakerState))
	defer timer.ObserveDuration()

	var state CircuitBreakerState
	err := db.conn.GetContext(ctx, &state, `
		SELECT state, opened_at, closes_at, last_429_at,
		       remaining_15min, remaining_daily, consecutive_successes, updated_at
		FROM rate_limit_circuit_breaker
		WHERE id = 1
	`)
	if isNoRows(err) {
		return &CircuitBreakerState{State: BreakerClosed, UpdatedAt: db.now().Unix()}, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetCircuitBreakerState).Inc()
		return nil, fmt.Errorf("failed to get circuit breaker state: %w", err)
	}

	return &state, nil
}

// OpenCircuitBreaker opens the breaker until now+cooldown. remaining values may
// be nil when the provider did not report them.
func (db *DB) OpenCircuitBreaker(ctx context.Context, remaining15min, remainingDaily *int, cooldown time.Duration) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpOpenCircuitBreaker))
	defer timer.ObserveDuration()

	now := db.now()
	_, err := db.conn.ExecContext(ctx, `
		UPDATE rate_limit_circuit_breaker
		SET state = 'open',
		    opened_at = ?,
		    closes_at = ?,
		    last_429_at = ?,
		    remaining_15min = ?,
		    remaining_daily = ?,
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE id = 1
	`, now.Unix(), now.Add(cooldown).Unix(), now.Unix(), remaining15min, remainingDaily, now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpOpenCircuitBreaker).Inc()
		return fmt.Errorf("failed to open circuit breaker: %w", err)
	}

	return nil
}

func (db *DB) TransitionCircuitBreakerToHalfOpen(ctx context.Context) error {
	return db.transitionCircuitBreaker(ctx, `
		UPDATE rate_limit_circuit_breaker
		SET state = 'half_open',
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE id = 1 AND state = 'open'
	`)
}

func (db *DB) TransitionCircuitBreakerToClosed(ctx context.Context) error {
	return db.transitionCircuitBreaker(ctx, `
		UPDATE rate_limit_circuit_breaker
		SET state = 'closed',
		    opened_at = NULL,
		    closes_at = NULL,
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE id = 1
	`)
}

func (db *DB) IncrementCircuitBreakerSuccesses(ctx context.Context) error {
	return db.transitionCircuitBreaker(ctx, `
		UPDATE rate_limit_circuit_breaker
		SET consecutive_successes = consecutive_successes + 1,
		    updated_at = ?
		WHERE id = 1 AND state = 'half_open'
	`)
}

func (db *DB) transitionCircuitBreaker(ctx context.Context, query string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransitionCircuitBreaker))
	defer timer.ObserveDuration()

	if _, err := db.conn.ExecContext(ctx, query, db.now().Unix()); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransitionCircuitBreaker).Inc()
		return fmt.Errorf("failed to transition circuit breaker: %w", err)
	}
	return nil
}
