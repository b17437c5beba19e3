// Package scheduler runs incremental syncs on a timer and on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wearable-sync/internal/database"
	"wearable-sync/internal/ingest"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/provider"
)

// Sync reasons
const (
	ReasonScheduled = "scheduled"
	ReasonOnDemand  = "on_demand"
	ReasonOperator  = "operator"
)

// SyncStatus is the outcome of a sync request
type SyncStatus string

const (
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFresh      SyncStatus = "already_fresh"
	SyncStatusInProgress SyncStatus = "in_progress"
)

// ErrNotConnected is returned for users without a live provider connection
var ErrNotConnected = errors.New("user is not connected")

// SyncResult reports what a sync request did
type SyncResult struct {
	Status     SyncStatus `json:"status"`
	Snapshots  int        `json:"snapshots"`
	Activities int        `json:"activities"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
}

// Ingester stores one chunk of provider data
type Ingester interface {
	IngestChunk(ctx context.Context, userID string, chunk ingest.Chunk, opts ingest.Options) (*ingest.Result, error)
}

// Reauther disconnects users whose session the provider rejected
type Reauther interface {
	MarkReauthRequired(ctx context.Context, userID string, cause error) error
}

// Config controls sync timing
type Config struct {
	Interval  time.Duration
	Freshness time.Duration
	LeaseTTL  time.Duration
	PageSize  int
}

// Scheduler runs incremental syncs. At most one sync or backfill runs per
// user at a time, enforced by the user lease.
type Scheduler struct {
	db       *database.DB
	ingester Ingester
	reauth   Reauther
	cfg      Config
	logger   *slog.Logger
}

// New creates a scheduler
func New(db *database.DB, ingester Ingester, reauth Reauther, cfg Config) *Scheduler {
	return &Scheduler{
		db:       db,
		ingester: ingester,
		reauth:   reauth,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// Run syncs every connected user each interval until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting sync scheduler", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping sync scheduler")
			return ctx.Err()
		case <-ticker.C:
			n, err := s.SyncAll(ctx)
			if err != nil {
				s.logger.Error("Scheduled sync pass failed", "error", err)
				continue
			}
			s.logger.Info("Scheduled sync pass complete", "synced", n)
		}
	}
}

// SyncAll requests a scheduled sync for every connected user. Per-user
// failures are logged. Returns the number of completed syncs.
func (s *Scheduler) SyncAll(ctx context.Context) (int, error) {
	users, err := s.db.ListConnectedUserIDs(ctx)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		result, err := s.RequestSync(ctx, userID, ReasonScheduled)
		if err != nil {
			s.logger.Error("Scheduled sync failed", "user_id", userID, "error", err)
			continue
		}
		if result.Status == SyncStatusCompleted {
			completed++
		}
	}
	return completed, nil
}

// RequestSync syncs the recent window for a user. Requests other than
// scheduled ones are a no-op while the last sync is fresh; a request while
// another sync or a backfill runs reports SyncStatusInProgress.
func (s *Scheduler) RequestSync(ctx context.Context, userID, reason string) (*SyncResult, error) {
	conn, err := s.db.GetConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conn == nil || !conn.Connected {
		return nil, ErrNotConnected
	}

	if reason != ReasonScheduled && conn.LastSyncAt != nil {
		last := conn.LastSync()
		if s.db.Now().Sub(last) < s.cfg.Freshness {
			metrics.SyncRunsTotal.WithLabelValues(reason, string(SyncStatusFresh)).Inc()
			return &SyncResult{Status: SyncStatusFresh, LastSyncAt: &last}, nil
		}
	}

	holder := "sync:" + uuid.NewString()
	acquired, err := s.db.AcquireLease(ctx, userID, holder, s.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		metrics.SyncRunsTotal.WithLabelValues(reason, string(SyncStatusInProgress)).Inc()
		return &SyncResult{Status: SyncStatusInProgress}, nil
	}
	defer func() {
		if err := s.db.ReleaseLease(context.WithoutCancel(ctx), userID, holder); err != nil {
			s.logger.Error("Failed to release sync lease", "user_id", userID, "error", err)
		}
	}()

	// Backfills create their job under the same lease, so this cannot race a Start
	job, err := s.db.GetActiveBackfillJob(ctx, userID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		metrics.SyncRunsTotal.WithLabelValues(reason, string(SyncStatusInProgress)).Inc()
		return &SyncResult{Status: SyncStatusInProgress}, nil
	}

	result, err := s.run(ctx, userID)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(reason, "failed").Inc()
		if provider.IsAuth(err) && s.reauth != nil {
			if rerr := s.reauth.MarkReauthRequired(ctx, userID, err); rerr != nil {
				s.logger.Error("Failed to mark re-authentication required", "user_id", userID, "error", rerr)
			}
		}
		return nil, fmt.Errorf("sync for %s failed: %w", userID, err)
	}

	metrics.SyncRunsTotal.WithLabelValues(reason, string(SyncStatusCompleted)).Inc()
	s.logger.Info("Sync complete",
		"user_id", userID,
		"reason", reason,
		"snapshots", result.Snapshots,
		"activities", result.Activities)
	return result, nil
}

// run ingests yesterday and today plus the newest page of activities
func (s *Scheduler) run(ctx context.Context, userID string) (*SyncResult, error) {
	now := s.db.Now().UTC()
	health := ingest.Chunk{
		Kind:      database.ChunkKindHealth,
		StartDate: now.AddDate(0, 0, -1).Format(database.DateLayout),
		EndDate:   now.Format(database.DateLayout),
	}
	activities := ingest.Chunk{
		Kind:     database.ChunkKindActivities,
		PageSize: s.cfg.PageSize,
	}

	h, err := s.ingester.IngestChunk(ctx, userID, health, ingest.Options{})
	if err != nil {
		return nil, err
	}
	a, err := s.ingester.IngestChunk(ctx, userID, activities, ingest.Options{})
	if err != nil {
		return nil, err
	}

	if err := s.db.UpdateLastSyncAt(ctx, userID, now); err != nil {
		return nil, err
	}
	return &SyncResult{
		Status:     SyncStatusCompleted,
		Snapshots:  h.Snapshots,
		Activities: a.Inserted,
		LastSyncAt: &now,
	}, nil
}
