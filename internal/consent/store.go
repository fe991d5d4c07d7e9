// SPDX-License-Identifier: MIT

package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS consent_records (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id           TEXT NOT NULL,
	phone_hash          TEXT NOT NULL,
	consent_given       INTEGER NOT NULL,
	consent_timestamp   INTEGER NOT NULL,
	consent_method      TEXT NOT NULL,
	revoked_at          INTEGER,
	revocation_reason   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_consent_records_lookup ON consent_records(tenant_id, phone_hash, id);
`

// Store persists Records append-only.
type Store struct {
	db *sql.DB
}

// NewStore opens the consent_records table on an already-configured
// database/sql.DB and runs its migration if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var userVersion int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&userVersion); err != nil {
		return fmt.Errorf("consent: read schema version: %w", err)
	}
	if userVersion >= schemaVersion {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("consent: create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("consent: set schema version: %w", err)
	}
	return nil
}

// Grant appends a consent-given row, superseding any prior revocation.
func (s *Store) Grant(ctx context.Context, tenantID, phoneHash string, method Method, at time.Time) error {
	if !validMethod(method) {
		return ErrInvalidMethod
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consent_records (tenant_id, phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, revocation_reason)
		VALUES (?, ?, 1, ?, ?, NULL, '')`,
		tenantID, phoneHash, at.UnixMilli(), string(method),
	)
	if err != nil {
		return fmt.Errorf("consent: grant: %w", err)
	}
	return nil
}

// Revoke appends a revocation row. Per the monotonic-revocation invariant,
// no successful outbound SMS audit row may follow this until a later Grant
// row exists — that check is enforced by the caller (smsdispatch) via
// IsOptedOut, not by this store.
func (s *Store) Revoke(ctx context.Context, tenantID, phoneHash, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consent_records (tenant_id, phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, revocation_reason)
		VALUES (?, ?, 0, ?, '', ?, ?)`,
		tenantID, phoneHash, at.UnixMilli(), at.UnixMilli(), reason,
	)
	if err != nil {
		return fmt.Errorf("consent: revoke: %w", err)
	}
	return nil
}

// Latest returns the most recently inserted record for (tenantID,
// phoneHash). Because the table is append-only, the row with the highest id
// is authoritative regardless of clock skew between inserts.
func (s *Store) Latest(ctx context.Context, tenantID, phoneHash string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, revocation_reason
		FROM consent_records
		WHERE tenant_id = ? AND phone_hash = ?
		ORDER BY id DESC LIMIT 1`, tenantID, phoneHash)

	var (
		r           Record
		given       int
		ts          int64
		method      string
		revokedAt   sql.NullInt64
		reason      string
	)
	err := row.Scan(&r.TenantID, &r.PhoneHash, &given, &ts, &method, &revokedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNoConsentRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("consent: latest: %w", err)
	}
	r.ConsentGiven = given != 0
	r.ConsentTimestamp = time.UnixMilli(ts)
	r.ConsentMethod = Method(method)
	r.RevocationReason = reason
	if revokedAt.Valid {
		t := time.UnixMilli(revokedAt.Int64)
		r.RevokedAt = &t
	}
	return r, nil
}

// IsActive reports whether (tenantID, phoneHash) currently has active
// consent. A phone-hash with no history at all is not active.
func (s *Store) IsActive(ctx context.Context, tenantID, phoneHash string) (bool, error) {
	latest, err := s.Latest(ctx, tenantID, phoneHash)
	if errors.Is(err, ErrNoConsentRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return latest.IsActive(), nil
}

// IsOptedOut reports whether (tenantID, phoneHash) has an explicit
// revocation as its latest record — distinct from IsActive's false, which
// is also returned for a phone-hash with no consent history at all (e.g.
// one that has never replied YES to a first consent prompt).
func (s *Store) IsOptedOut(ctx context.Context, tenantID, phoneHash string) (bool, error) {
	latest, err := s.Latest(ctx, tenantID, phoneHash)
	if errors.Is(err, ErrNoConsentRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !latest.ConsentGiven && latest.RevokedAt != nil, nil
}

// History returns every consent row for (tenantID, phoneHash), oldest
// first, for audit/reporting.
func (s *Store) History(ctx context.Context, tenantID, phoneHash string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, phone_hash, consent_given, consent_timestamp, consent_method, revoked_at, revocation_reason
		FROM consent_records
		WHERE tenant_id = ? AND phone_hash = ?
		ORDER BY id ASC`, tenantID, phoneHash)
	if err != nil {
		return nil, fmt.Errorf("consent: history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			given     int
			ts        int64
			method    string
			revokedAt sql.NullInt64
			reason    string
		)
		if err := rows.Scan(&r.TenantID, &r.PhoneHash, &given, &ts, &method, &revokedAt, &reason); err != nil {
			return nil, fmt.Errorf("consent: scan row: %w", err)
		}
		r.ConsentGiven = given != 0
		r.ConsentTimestamp = time.UnixMilli(ts)
		r.ConsentMethod = Method(method)
		r.RevocationReason = reason
		if revokedAt.Valid {
			t := time.UnixMilli(revokedAt.Int64)
			r.RevokedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
