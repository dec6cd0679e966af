// Package report validates and persists abuse reports. A report must name a
// session the reporter actually participated in; validated reports are
// stored in PostgreSQL and forwarded to the moderation service over NATS.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report is a validated abuse report to be persisted.
type Report struct {
	SessionID      string
	ReporterUserID string
	TargetUserID   string
	Evidence       []byte // opaque JSON from the client
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report. Evidence is stored as JSONB; an empty
// evidence payload is stored as SQL NULL.
func (s *Store) Create(ctx context.Context, r *Report) error {
	var evidence interface{}
	if len(r.Evidence) > 0 {
		evidence = r.Evidence
	}

	const query = `
		INSERT INTO abuse_reports (session_id, reporter_user_id, target_user_id, evidence)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query,
		r.SessionID, r.ReporterUserID, r.TargetUserID, evidence)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within the
// given window. The bridge attaches it to forwarded payloads so the
// moderation service sees the durable count, not just its own volatile one.
func (s *Store) CountRecent(ctx context.Context, targetUserID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE target_user_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, targetUserID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
