// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_unix_ms   INTEGER NOT NULL,
	event_type          TEXT    NOT NULL,
	tenant_id           TEXT    NOT NULL,
	phone_hash          TEXT    NOT NULL,
	session_id          TEXT    NOT NULL,
	direction           TEXT    NOT NULL DEFAULT '',
	message_tag         TEXT    NOT NULL DEFAULT '',
	from_number         TEXT    NOT NULL DEFAULT '',
	provider_message_id TEXT    NOT NULL DEFAULT '',
	success             INTEGER NOT NULL,
	error_code          TEXT    NOT NULL DEFAULT '',
	details_json        TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_phone ON audit_events(tenant_id, phone_hash);
CREATE INDEX IF NOT EXISTS idx_audit_events_provider_msg ON audit_events(provider_message_id);
`

// SQLiteStore persists Events append-only. Rows are never updated or
// deleted by normal operation; retention pruning (7-year HIPAA window) is a
// deliberate, explicit operation via PruneBefore, not an automatic sweep.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the audit table on an already-configured
// database/sql.DB (see internal/persistence/sqlite.Open) and runs its
// migration if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var userVersion int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&userVersion); err != nil {
		return fmt.Errorf("audit: read schema version: %w", err)
	}
	if userVersion >= schemaVersion {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("audit: set schema version: %w", err)
	}
	return nil
}

// Record inserts one append-only audit row.
func (s *SQLiteStore) Record(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	detailsJSON, err := encodeDetails(e.Details)
	if err != nil {
		return fmt.Errorf("audit: encode details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(timestamp_unix_ms, event_type, tenant_id, phone_hash, session_id,
			 direction, message_tag, from_number, provider_message_id, success,
			 error_code, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixMilli(), string(e.Type), e.TenantID, e.PhoneHash, e.SessionID,
		e.Direction, e.MessageTag, e.FromNumber, e.ProviderID, boolToInt(e.Success),
		e.ErrorCode, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// ListBySession returns every audit row for a session, oldest first. Used by
// operational tooling and by tests asserting the audit invariants (exactly
// one outbound row per send attempt).
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_unix_ms, event_type, tenant_id, phone_hash, session_id,
		       direction, message_tag, from_number, provider_message_id, success,
		       error_code, details_json
		FROM audit_events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit: query session: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountOutboundSince counts successful outbound SMS rows for a
// (tenant, phone-hash) pair recorded at or after since. Used by the
// revocation-monotonicity invariant check: no successful outbound row may
// post-date a revocation without an intervening fresh consent row.
func (s *SQLiteStore) CountOutboundSince(ctx context.Context, tenantID, phoneHash string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE tenant_id = ? AND phone_hash = ? AND event_type = ?
		  AND direction = 'outbound' AND success = 1 AND timestamp_unix_ms >= ?`,
		tenantID, phoneHash, string(EventOutboundSMS), since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count outbound since: %w", err)
	}
	return n, nil
}

// Summary is an aggregate count of audit rows by event type, for the
// operator-facing "report" command (spec.md §3 supplemented features).
type Summary struct {
	OutboundSMSSuccess int
	OutboundSMSFailed  int
	InboundSMS         int
	StateTransitions   int
	AnalysisSuccess    int
	AnalysisFailed     int
	ConsentChanges     int
}

// SummarizeSince aggregates audit rows recorded at or after since into a
// Summary, for reporting purposes only (no invariant depends on it).
func (s *SQLiteStore) SummarizeSince(ctx context.Context, since time.Time) (Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, success, COUNT(*)
		FROM audit_events
		WHERE timestamp_unix_ms >= ?
		GROUP BY event_type, success`, since.UnixMilli())
	if err != nil {
		return Summary{}, fmt.Errorf("audit: summarize: %w", err)
	}
	defer rows.Close()

	var sum Summary
	for rows.Next() {
		var (
			eventType string
			success   int
			count     int
		)
		if err := rows.Scan(&eventType, &success, &count); err != nil {
			return Summary{}, fmt.Errorf("audit: scan summary row: %w", err)
		}
		switch EventType(eventType) {
		case EventOutboundSMS:
			if success != 0 {
				sum.OutboundSMSSuccess += count
			} else {
				sum.OutboundSMSFailed += count
			}
		case EventInboundSMS:
			sum.InboundSMS += count
		case EventStateTransition:
			sum.StateTransitions += count
		case EventAnalysisCall:
			if success != 0 {
				sum.AnalysisSuccess += count
			} else {
				sum.AnalysisFailed += count
			}
		case EventConsentChange:
			sum.ConsentChanges += count
		}
	}
	return sum, rows.Err()
}

// PruneBefore deletes audit rows older than cutoff, for rows past the
// retention window; it is never called from the hot send/transition path,
// and no command in cmd/ calls it.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp_unix_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			ts          int64
			eventType   string
			success     int
			detailsJSON string
			e           Event
		)
		if err := rows.Scan(&ts, &eventType, &e.TenantID, &e.PhoneHash, &e.SessionID,
			&e.Direction, &e.MessageTag, &e.FromNumber, &e.ProviderID, &success,
			&e.ErrorCode, &detailsJSON); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Type = EventType(eventType)
		e.Success = success != 0
		details, err := decodeDetails(detailsJSON)
		if err != nil {
			return nil, fmt.Errorf("audit: decode details: %w", err)
		}
		e.Details = details
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
