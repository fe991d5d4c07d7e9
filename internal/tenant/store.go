// SPDX-License-Identifier: MIT

package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS tenants (
	id                     TEXT PRIMARY KEY,
	active                 INTEGER NOT NULL DEFAULT 1,
	primary_provider       TEXT NOT NULL,
	failover_provider      TEXT NOT NULL DEFAULT '',
	interim_updates        INTEGER NOT NULL DEFAULT 0,
	from_numbers_json      TEXT NOT NULL DEFAULT '[]',
	stacking_json          TEXT NOT NULL DEFAULT '{}',
	cpt_overrides_json     TEXT NOT NULL DEFAULT '{}'
);
`

// Store persists Tenant records in SQLite, the DB-backed half of §6's
// configuration surface ("Per-tenant (DB): SMS primary + failover provider
// names, from-number pools, stacking rules, CPT->duration overrides").
type Store struct {
	db *sql.DB
}

// NewStore opens the tenants table on an already-configured
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
		return fmt.Errorf("tenant: read schema version: %w", err)
	}
	if userVersion >= schemaVersion {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("tenant: create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("tenant: set schema version: %w", err)
	}
	return nil
}

// Put inserts or replaces a tenant row. Tenants are small, operator-managed
// records; there is no append-only requirement here (unlike audit/consent).
func (s *Store) Put(ctx context.Context, t Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	fromNumbers, err := json.Marshal(t.SMS.FromNumbers)
	if err != nil {
		return fmt.Errorf("tenant: encode from_numbers: %w", err)
	}
	stacking, err := json.Marshal(t.Stacking)
	if err != nil {
		return fmt.Errorf("tenant: encode stacking: %w", err)
	}
	overrides, err := json.Marshal(t.CPTDurationOverrides)
	if err != nil {
		return fmt.Errorf("tenant: encode cpt overrides: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, active, primary_provider, failover_provider, interim_updates, from_numbers_json, stacking_json, cpt_overrides_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			primary_provider = excluded.primary_provider,
			failover_provider = excluded.failover_provider,
			interim_updates = excluded.interim_updates,
			from_numbers_json = excluded.from_numbers_json,
			stacking_json = excluded.stacking_json,
			cpt_overrides_json = excluded.cpt_overrides_json`,
		t.ID, boolToInt(t.Active), t.SMS.PrimaryProvider, t.SMS.FailoverProvider, boolToInt(t.SMS.InterimUpdates),
		string(fromNumbers), string(stacking), string(overrides),
	)
	if err != nil {
		return fmt.Errorf("tenant: put: %w", err)
	}
	return nil
}

// Get returns one tenant by id.
func (s *Store) Get(ctx context.Context, id string) (Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, active, primary_provider, failover_provider, interim_updates, from_numbers_json, stacking_json, cpt_overrides_json
		FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrUnknownTenant
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("tenant: get: %w", err)
	}
	return t, nil
}

// ListActive returns every tenant with Active = true.
func (s *Store) ListActive(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, active, primary_provider, failover_provider, interim_updates, from_numbers_json, stacking_json, cpt_overrides_json
		FROM tenants WHERE active = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("tenant: list active: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("tenant: scan row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (Tenant, error) {
	var (
		t              Tenant
		active         int
		interimUpdates int
		fromNumbers    string
		stacking       string
		overrides      string
	)
	if err := row.Scan(&t.ID, &active, &t.SMS.PrimaryProvider, &t.SMS.FailoverProvider, &interimUpdates, &fromNumbers, &stacking, &overrides); err != nil {
		return Tenant{}, err
	}
	t.Active = active != 0
	t.SMS.InterimUpdates = interimUpdates != 0
	if err := json.Unmarshal([]byte(fromNumbers), &t.SMS.FromNumbers); err != nil {
		return Tenant{}, fmt.Errorf("decode from_numbers: %w", err)
	}
	if err := json.Unmarshal([]byte(stacking), &t.Stacking); err != nil {
		return Tenant{}, fmt.Errorf("decode stacking: %w", err)
	}
	if err := json.Unmarshal([]byte(overrides), &t.CPTDurationOverrides); err != nil {
		return Tenant{}, fmt.Errorf("decode cpt overrides: %w", err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
