package database

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
)

// FTPEntry is an FTP value effective from a date until the next entry
type FTPEntry struct {
	UserID        string  `db:"user_id" json:"-"`
	EffectiveDate string  `db:"effective_date" json:"effectiveDate"`
	FTPWatts      float64 `db:"ftp_watts" json:"ftpWatts"`
	CreatedAt     int64   `db:"created_at" json:"-"`
}

// FTPAt returns the FTP in effect on date, or 0 if none was recorded by then
func (db *DB) FTPAt(ctx context.Context, userID, date string) (float64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetFTP))
	defer timer.ObserveDuration()

	var ftp float64
	err := db.conn.GetContext(ctx, &ftp, `
		SELECT ftp_watts FROM ftp_history
		WHERE user_id = ? AND effective_date <= ?
		ORDER BY effective_date DESC
		LIMIT 1
	`, userID, date)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetFTP).Inc()
		return 0, fmt.Errorf("failed to get ftp: %w", err)
	}
	return ftp, nil
}

// SetFTP records an FTP effective from date, replacing any entry on that date
func (db *DB) SetFTP(ctx context.Context, userID, effectiveDate string, watts float64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSetFTP))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO ftp_history (user_id, effective_date, ftp_watts, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, effective_date) DO UPDATE SET ftp_watts = excluded.ftp_watts
	`, userID, effectiveDate, watts, db.now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSetFTP).Inc()
		return fmt.Errorf("failed to set ftp: %w", err)
	}
	return nil
}

// ListFTPHistory returns all entries oldest first
func (db *DB) ListFTPHistory(ctx context.Context, userID string) ([]FTPEntry, error) {
	var entries []FTPEntry
	err := db.conn.SelectContext(ctx, &entries, `
		SELECT user_id, effective_date, ftp_watts, created_at FROM ftp_history
		WHERE user_id = ? ORDER BY effective_date
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ftp history: %w", err)
	}
	return entries, nil
}
