// Package store persists completed request records to SQLite for auditing
// and longer-horizon usage queries than the cache layer retains.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// RequestRecord is one completed gateway request.
type RequestRecord struct {
	QueryID       string        `json:"query_id"`
	CorrelationID string        `json:"correlation_id"`
	UserID        string        `json:"user_id"`
	Tier          string        `json:"tier"`
	SessionID     string        `json:"session_id"`
	Operation     string        `json:"operation"` // chat, search, research
	Query         string        `json:"query"`
	Intent        string        `json:"intent"`
	Arm           string        `json:"arm"`
	Status        string        `json:"status"` // success, partial, error
	ErrorCode     string        `json:"error_code,omitempty"`
	Cost          float64       `json:"cost"`
	Duration      time.Duration `json:"duration"`
	ModelsUsed    []string      `json:"models_used,omitempty"`
	ExecutionPath []string      `json:"execution_path,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Store is the SQLite-backed audit log.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	query_id       TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	tier           TEXT NOT NULL DEFAULT '',
	session_id     TEXT NOT NULL DEFAULT '',
	operation      TEXT NOT NULL,
	query          TEXT NOT NULL,
	intent         TEXT NOT NULL DEFAULT '',
	arm            TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	error_code     TEXT NOT NULL DEFAULT '',
	cost           REAL NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	models_used    TEXT NOT NULL DEFAULT '[]',
	execution_path TEXT NOT NULL DEFAULT '[]',
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_user_created ON requests(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
`

// Open opens (creating if needed) the audit database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordRequest appends one completed request.
func (s *Store) RecordRequest(ctx context.Context, rec RequestRecord) error {
	models, _ := json.Marshal(rec.ModelsUsed)
	path, _ := json.Marshal(rec.ExecutionPath)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests
			(query_id, correlation_id, user_id, tier, session_id, operation,
			 query, intent, arm, status, error_code, cost, duration_ms,
			 models_used, execution_path, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.QueryID, rec.CorrelationID, rec.UserID, rec.Tier, rec.SessionID,
		rec.Operation, rec.Query, rec.Intent, rec.Arm, rec.Status, rec.ErrorCode,
		rec.Cost, rec.Duration.Milliseconds(), string(models), string(path),
		rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: inserting request %s: %w", rec.QueryID, err)
	}
	return nil
}

// SpendSince sums a user's recorded cost from `since` onward. Implements the
// budget layer's usage source for tier recommendations.
func (s *Store) SpendSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost) FROM requests WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: summing spend for %s: %w", userID, err)
	}
	return total.Float64, nil
}

// RecentRequests returns a user's newest records, newest first.
func (s *Store) RecentRequests(ctx context.Context, userID string, limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT query_id, correlation_id, user_id, tier, session_id, operation,
		       query, intent, arm, status, error_code, cost, duration_ms,
		       models_used, execution_path, created_at
		FROM requests WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying requests for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var durationMS int64
		var models, path string
		if err := rows.Scan(&rec.QueryID, &rec.CorrelationID, &rec.UserID,
			&rec.Tier, &rec.SessionID, &rec.Operation, &rec.Query, &rec.Intent,
			&rec.Arm, &rec.Status, &rec.ErrorCode, &rec.Cost, &durationMS,
			&models, &path, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning request row: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		json.Unmarshal([]byte(models), &rec.ModelsUsed)
		json.Unmarshal([]byte(path), &rec.ExecutionPath)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UsageSummary aggregates a user's activity since a point in time.
type UsageSummary struct {
	Requests   int     `json:"requests"`
	TotalCost  float64 `json:"total_cost"`
	ErrorCount int     `json:"error_count"`
}

// UsageSince aggregates request count, spend and errors for a user.
func (s *Store) UsageSince(ctx context.Context, userID string, since time.Time) (UsageSummary, error) {
	var u UsageSummary
	var total sql.NullFloat64
	var errs sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(cost),
		       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
		FROM requests WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC()).Scan(&u.Requests, &total, &errs)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("store: summarizing usage for %s: %w", userID, err)
	}
	u.TotalCost = total.Float64
	u.ErrorCount = int(errs.Int64)
	return u, nil
}

// ActiveUser identifies a user seen since some point in time, with the tier
// they most recently requested under.
type ActiveUser struct {
	UserID string
	Tier   string
}

// ActiveUsers lists users with at least one request since the given time.
// The maintenance scheduler uses this to sweep budget resets.
func (s *Store) ActiveUsers(ctx context.Context, since time.Time) ([]ActiveUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, tier, MAX(created_at)
		FROM requests WHERE created_at >= ?
		GROUP BY user_id`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: listing active users: %w", err)
	}
	defer rows.Close()

	var out []ActiveUser
	for rows.Next() {
		var u ActiveUser
		var latest time.Time
		if err := rows.Scan(&u.UserID, &u.Tier, &latest); err != nil {
			return nil, fmt.Errorf("store: scanning active user row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Prune deletes records older than the retention horizon and returns how
// many were removed. Called by the maintenance scheduler.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: pruning: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
