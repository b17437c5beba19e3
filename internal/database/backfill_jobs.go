package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// Chunk kinds
const (
	ChunkKindHealth     = "health"
	ChunkKindActivities = "activities"
)

// Chunk states
const (
	ChunkPending   = "pending"
	ChunkReceived  = "received"
	ChunkFailed    = "failed"
	ChunkCancelled = "cancelled"
)

// ErrActiveJobExists is returned when a user already has a non-terminal backfill job
var ErrActiveJobExists = errors.New("an active backfill job already exists for this user")

// BackfillJob is one historical sync for a user
type BackfillJob struct {
	ID                 string  `db:"id"`
	UserID             string  `db:"user_id"`
	Status             string  `db:"status"`
	WindowStart        string  `db:"window_start"`
	WindowEnd          string  `db:"window_end"`
	ActivityCount      int     `db:"activity_count"`
	ChunksRequested    int     `db:"chunks_requested"`
	ChunksReceived     int     `db:"chunks_received"`
	ChunksFailed       int     `db:"chunks_failed"`
	Progress           float64 `db:"progress"`
	ProcessingAttempts int     `db:"processing_attempts"`
	FailureReason      *string `db:"failure_reason"`
	CreatedAt          int64   `db:"created_at"`
	UpdatedAt          int64   `db:"updated_at"`
	CompletedAt        *int64  `db:"completed_at"`

	Errors []BackfillError `db:"-"`
}

// Terminal reports whether the job can no longer change state
func (j *BackfillJob) Terminal() bool {
	return j.Status == BackfillComplete || j.Status == BackfillFailed
}

// Settled is the number of chunks that reached a final state
func (j *BackfillJob) Settled() int {
	return j.ChunksReceived + j.ChunksFailed
}

// BackfillError is one failure surfaced on a job
type BackfillError struct {
	ID        int64  `db:"id" json:"-"`
	JobID     string `db:"job_id" json:"-"`
	ChunkID   *int64 `db:"chunk_id" json:"chunkId,omitempty"`
	Kind      string `db:"kind" json:"kind"`
	Message   string `db:"message" json:"message"`
	CreatedAt int64  `db:"created_at" json:"createdAt"`
}

// BackfillChunk is an immutable unit of work planned for a job
type BackfillChunk struct {
	ID         int64   `db:"id"`
	JobID      string  `db:"job_id"`
	UserID     string  `db:"user_id"`
	Kind       string  `db:"kind"`
	StartDate  *string `db:"start_date"`
	EndDate    *string `db:"end_date"`
	PageOffset *int    `db:"page_offset"`
	PageSize   *int    `db:"page_size"`
	State      string  `db:"state"`
	SettledAt  *int64  `db:"settled_at"`
}

// ChunkPlan describes a chunk to be created at dispatch time
type ChunkPlan struct {
	Kind       string
	StartDate  string
	EndDate    string
	PageOffset int
	PageSize   int
}

const backfillJobColumns = `id, user_id, status, window_start, window_end, activity_count,
	chunks_requested, chunks_received, chunks_failed, progress, processing_attempts,
	failure_reason, created_at, updated_at, completed_at`

// CreateBackfillJob inserts a job in the planning state and mirrors it onto
// the user's connection
func (db *DB) CreateBackfillJob(ctx context.Context, job *BackfillJob) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCreateBackfillJob))
	defer timer.ObserveDuration()

	now := db.now()
	job.Status = BackfillPlanning
	job.CreatedAt = now.Unix()
	job.UpdatedAt = now.Unix()

	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO backfill_jobs (id, user_id, status, window_start, window_end, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, job.ID, job.UserID, job.Status, job.WindowStart, job.WindowEnd, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrActiveJobExists
			}
			return fmt.Errorf("failed to insert backfill job: %w", err)
		}
		return setBackfillState(ctx, tx, now, job.ID, job.UserID, BackfillPlanning, 0)
	})
	if err != nil && !errors.Is(err, ErrActiveJobExists) {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCreateBackfillJob).Inc()
	}
	return err
}

// GetBackfillJob returns a job with its errors, or nil if not found
func (db *DB) GetBackfillJob(ctx context.Context, id string) (*BackfillJob, error) {
	return db.getBackfillJob(ctx, `SELECT `+backfillJobColumns+` FROM backfill_jobs WHERE id = ?`, id)
}

// GetLatestBackfillJob returns the user's most recent job, or nil
func (db *DB) GetLatestBackfillJob(ctx context.Context, userID string) (*BackfillJob, error) {
	return db.getBackfillJob(ctx, `
		SELECT `+backfillJobColumns+` FROM backfill_jobs
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, userID)
}

// GetActiveBackfillJob returns the user's non-terminal job, or nil
func (db *DB) GetActiveBackfillJob(ctx context.Context, userID string) (*BackfillJob, error) {
	return db.getBackfillJob(ctx, `
		SELECT `+backfillJobColumns+` FROM backfill_jobs
		WHERE user_id = ? AND status NOT IN ('complete', 'failed')
	`, userID)
}

func (db *DB) getBackfillJob(ctx context.Context, query string, args ...any) (*BackfillJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetBackfillJob))
	defer timer.ObserveDuration()

	var job BackfillJob
	err := db.conn.GetContext(ctx, &job, query, args...)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetBackfillJob).Inc()
		return nil, fmt.Errorf("failed to get backfill job: %w", err)
	}

	if err := db.conn.SelectContext(ctx, &job.Errors, `
		SELECT id, job_id, chunk_id, kind, message, created_at
		FROM backfill_job_errors WHERE job_id = ? ORDER BY id
	`, job.ID); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetBackfillJob).Inc()
		return nil, fmt.Errorf("failed to get backfill job errors: %w", err)
	}

	return &job, nil
}

// ListBackfillJobsByStatus returns jobs in any of the given statuses, oldest first
func (db *DB) ListBackfillJobsByStatus(ctx context.Context, statuses ...string) ([]BackfillJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetBackfillJob))
	defer timer.ObserveDuration()

	query, args, err := sqlx.In(`SELECT `+backfillJobColumns+` FROM backfill_jobs WHERE status IN (?) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build backfill job query: %w", err)
	}

	var jobs []BackfillJob
	if err := db.conn.SelectContext(ctx, &jobs, db.conn.Rebind(query), args...); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetBackfillJob).Inc()
		return nil, fmt.Errorf("failed to list backfill jobs: %w", err)
	}
	return jobs, nil
}

// DispatchChunks records the plan of a planning job in one transaction: every
// chunk and its queue task is created and chunks_requested is fixed before any
// task can run. The job moves to dispatching.
func (db *DB) DispatchChunks(ctx context.Context, jobID string, activityCount int, plans []ChunkPlan, progress float64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDispatchChunks))
	defer timer.ObserveDuration()

	now := db.now()
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var userID string
		if err := tx.GetContext(ctx, &userID, `
			SELECT user_id FROM backfill_jobs WHERE id = ? AND status = 'planning'
		`, jobID); err != nil {
			if isNoRows(err) {
				return fmt.Errorf("backfill job %s is not planning", jobID)
			}
			return err
		}

		for _, p := range plans {
			var startDate, endDate any
			var pageOffset, pageSize any
			switch p.Kind {
			case ChunkKindHealth:
				startDate, endDate = p.StartDate, p.EndDate
			case ChunkKindActivities:
				pageOffset, pageSize = p.PageOffset, p.PageSize
			default:
				return fmt.Errorf("unknown chunk kind %q", p.Kind)
			}

			result, err := tx.ExecContext(ctx, `
				INSERT INTO backfill_chunks (job_id, user_id, kind, start_date, end_date, page_offset, page_size, state)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')
			`, jobID, userID, p.Kind, startDate, endDate, pageOffset, pageSize)
			if err != nil {
				return fmt.Errorf("failed to insert chunk: %w", err)
			}
			chunkID, err := result.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get chunk id: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chunk_tasks (chunk_id, user_id, created_at) VALUES (?, ?, ?)
			`, chunkID, userID, now.Unix()); err != nil {
				return fmt.Errorf("failed to enqueue chunk task: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE backfill_jobs
			SET chunks_requested = ?, activity_count = ?, status = 'dispatching',
			    progress = MAX(progress, ?), updated_at = ?
			WHERE id = ?
		`, len(plans), activityCount, progress, now.Unix(), jobID); err != nil {
			return fmt.Errorf("failed to record chunks requested: %w", err)
		}

		return setBackfillState(ctx, tx, now, jobID, userID, BackfillDispatching, progress)
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDispatchChunks).Inc()
		return err
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeChunkTask).Add(float64(len(plans)))
	return nil
}

// TransitionBackfillJob moves a job from one status to another, raising
// progress to at least the given value. Returns false if the job was not in
// the expected status.
func (db *DB) TransitionBackfillJob(ctx context.Context, jobID, from, to string, progress float64) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateBackfillJob))
	defer timer.ObserveDuration()

	now := db.now()
	var moved bool
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var completedAt any
		if to == BackfillComplete || to == BackfillFailed {
			completedAt = now.Unix()
		}

		var userID string
		err := tx.GetContext(ctx, &userID, `
			UPDATE backfill_jobs
			SET status = ?, progress = MAX(progress, ?), updated_at = ?, completed_at = COALESCE(?, completed_at)
			WHERE id = ? AND status = ?
			RETURNING user_id
		`, to, progress, now.Unix(), completedAt, jobID, from)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to transition backfill job: %w", err)
		}
		moved = true
		return setBackfillState(ctx, tx, now, jobID, userID, to, progress)
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateBackfillJob).Inc()
		return false, err
	}
	return moved, nil
}

// FailBackfillJob moves a non-terminal job to failed, records the reason and
// cancels every queued task that is not currently being worked on
func (db *DB) FailBackfillJob(ctx context.Context, jobID, reason string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateBackfillJob))
	defer timer.ObserveDuration()

	now := db.now()
	var failed bool
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		failed, err = failJobTx(ctx, tx, now, jobID, reason)
		return err
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateBackfillJob).Inc()
		return false, err
	}
	return failed, nil
}

func failJobTx(ctx context.Context, tx *sqlx.Tx, now time.Time, jobID, reason string) (bool, error) {
	var job struct {
		UserID   string  `db:"user_id"`
		Progress float64 `db:"progress"`
	}
	err := tx.GetContext(ctx, &job, `
		UPDATE backfill_jobs
		SET status = 'failed', failure_reason = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('complete', 'failed')
		RETURNING user_id, progress
	`, reason, now.Unix(), now.Unix(), jobID)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fail backfill job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO backfill_job_errors (job_id, kind, message, created_at) VALUES (?, 'job', ?, ?)
	`, jobID, reason, now.Unix()); err != nil {
		return false, fmt.Errorf("failed to record job failure: %w", err)
	}

	if err := cancelQueuedChunksTx(ctx, tx, now, jobID); err != nil {
		return false, err
	}

	return true, setBackfillState(ctx, tx, now, jobID, job.UserID, BackfillFailed, job.Progress)
}

// cancelQueuedChunksTx drops tasks that are not in flight and marks their
// chunks cancelled. In-flight chunks finish and their effects stand.
func cancelQueuedChunksTx(ctx context.Context, tx *sqlx.Tx, now time.Time, jobID string) error {
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chunk_tasks
		WHERE chunk_id IN (SELECT id FROM backfill_chunks WHERE job_id = ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, jobID, staleThreshold); err != nil {
		return fmt.Errorf("failed to cancel chunk tasks: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE backfill_chunks SET state = 'cancelled', settled_at = ?
		WHERE job_id = ? AND state = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM chunk_tasks t WHERE t.chunk_id = backfill_chunks.id)
	`, now.Unix(), jobID); err != nil {
		return fmt.Errorf("failed to cancel chunks: %w", err)
	}
	return nil
}

// CancelUserBackfill fails the user's active job (if any) with the given
// reason and cancels its queued chunks. Returns the failed job id, or "".
func (db *DB) CancelUserBackfill(ctx context.Context, userID, reason string) (string, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCancelUserTasks))
	defer timer.ObserveDuration()

	now := db.now()
	var jobID string
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &jobID, `
			SELECT id FROM backfill_jobs WHERE user_id = ? AND status NOT IN ('complete', 'failed')
		`, userID)
		if isNoRows(err) {
			jobID = ""
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find active job: %w", err)
		}
		_, err = failJobTx(ctx, tx, now, jobID, reason)
		return err
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCancelUserTasks).Inc()
		return "", err
	}
	return jobID, nil
}

// IncrementProcessingAttempts bumps and returns the job's processing attempt count
func (db *DB) IncrementProcessingAttempts(ctx context.Context, jobID string) (int, error) {
	var attempts int
	err := db.conn.GetContext(ctx, &attempts, `
		UPDATE backfill_jobs SET processing_attempts = processing_attempts + 1, updated_at = ?
		WHERE id = ? RETURNING processing_attempts
	`, db.now().Unix(), jobID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateBackfillJob).Inc()
		return 0, fmt.Errorf("failed to increment processing attempts: %w", err)
	}
	return attempts, nil
}

// AppendBackfillError records a non-fatal error on a job
func (db *DB) AppendBackfillError(ctx context.Context, jobID string, chunkID *int64, kind, message string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO backfill_job_errors (job_id, chunk_id, kind, message, created_at) VALUES (?, ?, ?, ?, ?)
	`, jobID, chunkID, kind, message, db.now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateBackfillJob).Inc()
		return fmt.Errorf("failed to append backfill error: %w", err)
	}
	return nil
}

// GetChunk returns a chunk by id, or nil
func (db *DB) GetChunk(ctx context.Context, id int64) (*BackfillChunk, error) {
	var chunk BackfillChunk
	err := db.conn.GetContext(ctx, &chunk, `
		SELECT id, job_id, user_id, kind, start_date, end_date, page_offset, page_size, state, settled_at
		FROM backfill_chunks WHERE id = ?
	`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return &chunk, nil
}

// ListChunks returns every chunk of a job in plan order
func (db *DB) ListChunks(ctx context.Context, jobID string) ([]BackfillChunk, error) {
	var chunks []BackfillChunk
	err := db.conn.SelectContext(ctx, &chunks, `
		SELECT id, job_id, user_id, kind, start_date, end_date, page_offset, page_size, state, settled_at
		FROM backfill_chunks WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// AcknowledgeChunk atomically marks a pending chunk received, increments the
// job's chunks_received and raises progress to received/requested*ceiling.
// A chunk is counted at most once; repeated acknowledgements return false.
func (db *DB) AcknowledgeChunk(ctx context.Context, chunkID int64, ceiling float64) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpAcknowledgeChunk))
	defer timer.ObserveDuration()

	now := db.now()
	var counted bool
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var jobID string
		err := tx.GetContext(ctx, &jobID, `
			UPDATE backfill_chunks SET state = 'received', settled_at = ?
			WHERE id = ? AND state = 'pending'
			RETURNING job_id
		`, now.Unix(), chunkID)
		if isNoRows(err) {
			_, err = tx.ExecContext(ctx, `DELETE FROM chunk_tasks WHERE chunk_id = ?`, chunkID)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to mark chunk received: %w", err)
		}

		var job struct {
			UserID   string  `db:"user_id"`
			Status   string  `db:"status"`
			Progress float64 `db:"progress"`
		}
		if err := tx.GetContext(ctx, &job, `
			UPDATE backfill_jobs
			SET chunks_received = chunks_received + 1,
			    progress = MAX(progress, (chunks_received + 1) * ? / chunks_requested),
			    updated_at = ?
			WHERE id = ?
			RETURNING user_id, status, progress
		`, ceiling, now.Unix(), jobID); err != nil {
			return fmt.Errorf("failed to increment chunks received: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_tasks WHERE chunk_id = ?`, chunkID); err != nil {
			return fmt.Errorf("failed to delete chunk task: %w", err)
		}

		counted = true
		return setBackfillState(ctx, tx, now, jobID, job.UserID, job.Status, job.Progress)
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpAcknowledgeChunk).Inc()
		return false, err
	}
	return counted, nil
}

// FailChunk atomically marks a pending chunk failed, increments chunks_failed
// and appends the error to the job
func (db *DB) FailChunk(ctx context.Context, chunkID int64, kind, message string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFailChunk))
	defer timer.ObserveDuration()

	now := db.now()
	var counted bool
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var jobID string
		err := tx.GetContext(ctx, &jobID, `
			UPDATE backfill_chunks SET state = 'failed', settled_at = ?
			WHERE id = ? AND state = 'pending'
			RETURNING job_id
		`, now.Unix(), chunkID)
		if isNoRows(err) {
			_, err = tx.ExecContext(ctx, `DELETE FROM chunk_tasks WHERE chunk_id = ?`, chunkID)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to mark chunk failed: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE backfill_jobs SET chunks_failed = chunks_failed + 1, updated_at = ? WHERE id = ?
		`, now.Unix(), jobID); err != nil {
			return fmt.Errorf("failed to increment chunks failed: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backfill_job_errors (job_id, chunk_id, kind, message, created_at) VALUES (?, ?, ?, ?, ?)
		`, jobID, chunkID, kind, message, now.Unix()); err != nil {
			return fmt.Errorf("failed to record chunk error: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_tasks WHERE chunk_id = ?`, chunkID); err != nil {
			return fmt.Errorf("failed to delete chunk task: %w", err)
		}

		counted = true
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFailChunk).Inc()
		return false, err
	}
	return counted, nil
}
