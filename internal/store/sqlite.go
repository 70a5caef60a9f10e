// Package store persists the two records that must survive a restart: the
// server-side mirror of experiment assignments and the impression ledger.
// Everything else the engine holds is rebuilt from config or kept in memory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/popgate/popgate/internal/experiment"
)

// SQLiteStore backs assignments and impressions with a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS assignments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    experiment_id TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    variant_key TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_sticky
    ON assignments(experiment_id, visitor_id);

CREATE TABLE IF NOT EXISTS impressions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    campaign_id TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    fire_id TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_impressions_dedup
    ON impressions(campaign_id, visitor_id, fire_id);

CREATE INDEX IF NOT EXISTS idx_impressions_visitor
    ON impressions(visitor_id, campaign_id);
`

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the mirrored variant for (experiment, visitor).
// Implements experiment.AssignmentStore.
func (s *SQLiteStore) Get(ctx context.Context, experimentID, visitorID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT variant_key FROM assignments WHERE experiment_id = ? AND visitor_id = ?`,
		experimentID, visitorID,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", experiment.ErrNoAssignment
	}
	if err != nil {
		return "", fmt.Errorf("failed to read assignment: %w", err)
	}
	return key, nil
}

// Put records an assignment. The unique index makes it first-write-wins:
// a concurrent duplicate insert is silently ignored, keeping stickiness even
// when two tabs race the first evaluation.
func (s *SQLiteStore) Put(ctx context.Context, experimentID, visitorID, variantKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (experiment_id, visitor_id, variant_key, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(experiment_id, visitor_id) DO NOTHING`,
		experimentID, visitorID, variantKey, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to write assignment: %w", err)
	}
	return nil
}

// RecordImpression appends to the impression ledger. It reports whether the
// row was new: a retried report with the same (campaign, visitor, fire)
// returns false and counts nothing twice.
func (s *SQLiteStore) RecordImpression(ctx context.Context, campaignID, visitorID, sessionID, fireID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO impressions (campaign_id, visitor_id, session_id, fire_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(campaign_id, visitor_id, fire_id) DO NOTHING`,
		campaignID, visitorID, sessionID, fireID, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record impression: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ImpressionCount returns how many impressions a visitor has for a campaign.
func (s *SQLiteStore) ImpressionCount(ctx context.Context, campaignID, visitorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM impressions WHERE campaign_id = ? AND visitor_id = ?`,
		campaignID, visitorID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count impressions: %w", err)
	}
	return n, nil
}

// PruneImpressions deletes ledger rows older than the retention window.
func (s *SQLiteStore) PruneImpressions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM impressions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune impressions: %w", err)
	}
	return res.RowsAffected()
}
