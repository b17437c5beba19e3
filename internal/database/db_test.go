package database

import (
	"context"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Init(); err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeClock returns a settable clock installed on db
func fakeClock(db *DB, start time.Time) *time.Time {
	now := start
	db.SetClock(func() time.Time { return now })
	return &now
}

func TestInitIsIdempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := db.Init(); err != nil {
		t.Fatalf("Failed to re-init db: %v", err)
	}
	if err := db.Health(); err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	conn, err := db.GetConnection(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to get connection: %v", err)
	}
	if conn != nil {
		t.Fatal("Expected no connection before upsert")
	}

	if err := db.UpsertConnection(ctx, "u1", "acct-1"); err != nil {
		t.Fatalf("Failed to upsert connection: %v", err)
	}
	if err := db.SetSession(ctx, "u1", []byte("sealed"), "k1"); err != nil {
		t.Fatalf("Failed to set session: %v", err)
	}

	conn, err = db.GetConnection(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to get connection: %v", err)
	}
	if !conn.Connected {
		t.Error("Expected connection to be connected after session set")
	}
	if string(conn.SessionCiphertext) != "sealed" {
		t.Errorf("Expected ciphertext 'sealed', got %q", conn.SessionCiphertext)
	}
	if conn.BackfillStatus != BackfillIdle {
		t.Errorf("Expected backfill status idle, got %s", conn.BackfillStatus)
	}

	ids, err := db.ListConnectedUserIDs(ctx)
	if err != nil {
		t.Fatalf("Failed to list connected users: %v", err)
	}
	if len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("Expected [u1], got %v", ids)
	}

	if err := db.ClearSession(ctx, "u1"); err != nil {
		t.Fatalf("Failed to clear session: %v", err)
	}
	conn, err = db.GetConnection(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to get connection: %v", err)
	}
	if conn.Connected || conn.SessionCiphertext != nil {
		t.Error("Expected session cleared and connection disconnected")
	}
}

func TestReplaceSealedSessionIsCompareAndSwap(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertConnection(ctx, "u1", "acct-1"); err != nil {
		t.Fatalf("Failed to upsert connection: %v", err)
	}
	if err := db.SetSession(ctx, "u1", []byte("v1"), "old"); err != nil {
		t.Fatalf("Failed to set session: %v", err)
	}

	ok, err := db.ReplaceSealedSession(ctx, "u1", []byte("stale"), []byte("v2"), "new")
	if err != nil {
		t.Fatalf("Failed to replace session: %v", err)
	}
	if ok {
		t.Error("Expected replace with stale ciphertext to be rejected")
	}

	ok, err = db.ReplaceSealedSession(ctx, "u1", []byte("v1"), []byte("v2"), "new")
	if err != nil {
		t.Fatalf("Failed to replace session: %v", err)
	}
	if !ok {
		t.Error("Expected replace with current ciphertext to succeed")
	}
}

func TestLeaseExclusion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := fakeClock(db, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	ok, err := db.AcquireLease(ctx, "u1", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expected first acquire to succeed, got %v, %v", ok, err)
	}

	ok, err = db.AcquireLease(ctx, "u1", "b", time.Minute)
	if err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}
	if ok {
		t.Fatal("Expected second holder to be refused")
	}

	// same holder renews
	ok, err = db.AcquireLease(ctx, "u1", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expected renewal to succeed, got %v, %v", ok, err)
	}

	*now = now.Add(2 * time.Minute)
	ok, err = db.AcquireLease(ctx, "u1", "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expected expired lease to be taken over, got %v, %v", ok, err)
	}

	if err := db.ReleaseLease(ctx, "u1", "a"); err != nil {
		t.Fatalf("Failed to release lease: %v", err)
	}
	lease, err := db.GetLease(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to get lease: %v", err)
	}
	if lease == nil || lease.Holder != "b" {
		t.Errorf("Expected release by former holder to be a no-op, got %+v", lease)
	}
}

func TestCircuitBreakerTransitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	fakeClock(db, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	state, err := db.GetCircuitBreakerState(ctx)
	if err != nil {
		t.Fatalf("Failed to get breaker state: %v", err)
	}
	if state.State != BreakerClosed {
		t.Errorf("Expected closed, got %s", state.State)
	}

	remaining := 0
	if err := db.OpenCircuitBreaker(ctx, &remaining, nil, 15*time.Minute); err != nil {
		t.Fatalf("Failed to open breaker: %v", err)
	}
	state, _ = db.GetCircuitBreakerState(ctx)
	if state.State != BreakerOpen {
		t.Errorf("Expected open, got %s", state.State)
	}
	if got := state.ClosesAtTime(); !got.Equal(time.Date(2024, 3, 1, 12, 15, 0, 0, time.UTC)) {
		t.Errorf("Unexpected closes_at %v", got)
	}

	if err := db.TransitionCircuitBreakerToHalfOpen(ctx); err != nil {
		t.Fatalf("Failed to half-open breaker: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := db.IncrementCircuitBreakerSuccesses(ctx); err != nil {
			t.Fatalf("Failed to increment successes: %v", err)
		}
	}
	state, _ = db.GetCircuitBreakerState(ctx)
	if state.State != BreakerHalfOpen || state.ConsecutiveSuccesses != 2 {
		t.Errorf("Expected half_open with 2 successes, got %s/%d", state.State, state.ConsecutiveSuccesses)
	}

	if err := db.TransitionCircuitBreakerToClosed(ctx); err != nil {
		t.Fatalf("Failed to close breaker: %v", err)
	}
	state, _ = db.GetCircuitBreakerState(ctx)
	if state.State != BreakerClosed || state.ClosesAt != nil {
		t.Errorf("Expected closed with no closes_at, got %+v", state)
	}
}
