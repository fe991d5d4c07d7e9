// SPDX-License-Identifier: MIT

// Package store is the SQLite-backed persistence for conversation
// sessions: the single-writer-per-session guarantee required by spec.md §5
// is implemented as optimistic CAS on (id, version), and "at most one
// non-terminal session per (tenant, phone-hash)" (spec.md §3) is enforced
// by a DB-level unique partial index rather than application logic.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/radscheduler/core/internal/conversation/model"
)

const schemaVersion = 5

const createTableSQL = `
CREATE TABLE IF NOT EXISTS conversation_sessions (
	id                      TEXT PRIMARY KEY,
	tenant_id               TEXT NOT NULL,
	phone_hash              TEXT NOT NULL,
	phone_encrypted         TEXT NOT NULL,
	state                   TEXT NOT NULL,
	order_data_json         TEXT NOT NULL DEFAULT '{}',
	location_id             TEXT NOT NULL DEFAULT '',
	slot_id                 TEXT NOT NULL DEFAULT '',
	slot_time_unix          INTEGER NOT NULL DEFAULT 0,
	min_schedule_unix       INTEGER NOT NULL DEFAULT 0,
	reprompt_count          INTEGER NOT NULL DEFAULT 0,
	slot_request_sent_unix  INTEGER NOT NULL DEFAULT 0,
	slot_retry_count        INTEGER NOT NULL DEFAULT 0,
	slot_failed_unix        INTEGER NOT NULL DEFAULT 0,
	from_number             TEXT NOT NULL DEFAULT '',
	offered_locations_json  TEXT NOT NULL DEFAULT '[]',
	offered_slots_json      TEXT NOT NULL DEFAULT '[]',
	started_at_unix         INTEGER NOT NULL,
	updated_at_unix         INTEGER NOT NULL,
	expires_at_unix         INTEGER NOT NULL,
	completed_at_unix       INTEGER NOT NULL DEFAULT 0,
	version                 INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active_per_phone
	ON conversation_sessions(tenant_id, phone_hash)
	WHERE state NOT IN ('CONFIRMED', 'CANCELLED', 'EXPIRED');

CREATE INDEX IF NOT EXISTS idx_sessions_expiry_sweep ON conversation_sessions(state, expires_at_unix);
CREATE INDEX IF NOT EXISTS idx_sessions_slot_sweep ON conversation_sessions(state, slot_request_sent_unix);

CREATE TABLE IF NOT EXISTS pending_orders (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	phone_hash       TEXT NOT NULL,
	phone_encrypted  TEXT NOT NULL DEFAULT '',
	order_data_json  TEXT NOT NULL,
	queued_at_unix   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_orders_phone ON pending_orders(tenant_id, phone_hash, queued_at_unix);

CREATE TABLE IF NOT EXISTS processed_inbound_messages (
	tenant_id           TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	received_at_unix    INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, provider_message_id)
);
`

var (
	// ErrNotFound is returned when a session or pending order id has no
	// matching row.
	ErrNotFound = errors.New("conversation/store: not found")
	// ErrVersionConflict is returned by Update when the row's version no
	// longer matches the caller's in-memory copy — another writer won the
	// race, and the caller should re-read and retry.
	ErrVersionConflict = errors.New("conversation/store: version conflict, reload and retry")
	// ErrActiveSessionExists is returned by Create when a non-terminal
	// session already exists for (tenant, phone-hash).
	ErrActiveSessionExists = errors.New("conversation/store: an active session already exists for this tenant/phone")
)

// Store persists conversation sessions and the pending-order queue.
type Store struct {
	db *sql.DB
}

// NewStore opens the conversation schema on an already-configured
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
		return fmt.Errorf("conversation/store: read schema version: %w", err)
	}
	if userVersion >= schemaVersion {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("conversation/store: create schema: %w", err)
	}
	if userVersion < 2 {
		// v1 -> v2 added the offered-locations/slots snapshot columns.
		// CREATE TABLE IF NOT EXISTS above is a no-op on a pre-existing v1
		// table, so add them explicitly; ignore "duplicate column" for a
		// table that was just created fresh with them already present.
		_, _ = s.db.ExecContext(ctx, `ALTER TABLE conversation_sessions ADD COLUMN offered_locations_json TEXT NOT NULL DEFAULT '[]'`)
		_, _ = s.db.ExecContext(ctx, `ALTER TABLE conversation_sessions ADD COLUMN offered_slots_json TEXT NOT NULL DEFAULT '[]'`)
	}
	// v2 -> v3 added processed_inbound_messages; CREATE TABLE IF NOT EXISTS
	// above already handles both a fresh DB and an existing v1/v2 one.
	if userVersion >= 1 && userVersion < 4 {
		// v3 -> v4 added the encrypted phone to queued orders so the drain
		// can replay them without the original inbound event.
		_, _ = s.db.ExecContext(ctx, `ALTER TABLE pending_orders ADD COLUMN phone_encrypted TEXT NOT NULL DEFAULT ''`)
	}
	if userVersion >= 1 && userVersion < 5 {
		// v4 -> v5 added the Safety Gate's earliest-schedule bound so slot
		// requests honor the contrast wash-out window.
		_, _ = s.db.ExecContext(ctx, `ALTER TABLE conversation_sessions ADD COLUMN min_schedule_unix INTEGER NOT NULL DEFAULT 0`)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("conversation/store: set schema version: %w", err)
	}
	return nil
}

// Create inserts a brand-new session. It returns ErrActiveSessionExists if
// the unique partial index rejects the insert.
func (s *Store) Create(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_sessions (
			id, tenant_id, phone_hash, phone_encrypted, state, order_data_json,
			location_id, slot_id, slot_time_unix, min_schedule_unix, reprompt_count,
			slot_request_sent_unix, slot_retry_count, slot_failed_unix, from_number,
			offered_locations_json, offered_slots_json,
			started_at_unix, updated_at_unix, expires_at_unix, completed_at_unix, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TenantID, sess.PhoneHash, sess.PhoneEncrypted, string(sess.State), sess.OrderDataJSON,
		sess.LocationID, sess.SlotID, unixOrZero(sess.SlotTime), unixOrZero(sess.MinScheduleDate), sess.RepromptCount,
		unixOrZero(sess.SlotRequestSentAt), sess.SlotRetryCount, unixOrZero(sess.SlotRequestFailedAt), sess.FromNumber,
		nonEmptyOr(sess.OfferedLocationsJSON, "[]"), nonEmptyOr(sess.OfferedSlotsJSON, "[]"),
		sess.StartedAt.Unix(), sess.UpdatedAt.Unix(), sess.ExpiresAt.Unix(), unixOrZero(sess.CompletedAt), sess.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("conversation/store: create session: %w", err)
	}
	return nil
}

// Get loads one session by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM conversation_sessions WHERE id = ?", id)
	return scanSession(row)
}

// GetActiveByPhone loads the non-terminal session for (tenantID,
// phoneHash), if one exists. This is the lookup the inbound-SMS webhook
// and the order-arrival handler both use.
func (s *Store) GetActiveByPhone(ctx context.Context, tenantID, phoneHash string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM conversation_sessions
		WHERE tenant_id = ? AND phone_hash = ? AND state NOT IN ('CONFIRMED', 'CANCELLED', 'EXPIRED')`,
		tenantID, phoneHash,
	)
	return scanSession(row)
}

// Update persists every mutable field of sess, guarded by a CAS on
// (id, version): the WHERE clause only matches the row this sess.Version
// copy was read from, so a concurrent winner's update silently loses and
// gets ErrVersionConflict instead of clobbering the winner's write. sess
// must carry the version it was read with; on success the caller's copy
// already has the new Version since ApplyTransition incremented it before
// Update was called.
func (s *Store) Update(ctx context.Context, sess *model.Session) error {
	priorVersion := sess.Version - 1
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_sessions SET
			state = ?, order_data_json = ?, location_id = ?, slot_id = ?, slot_time_unix = ?,
			min_schedule_unix = ?, reprompt_count = ?, slot_request_sent_unix = ?, slot_retry_count = ?, slot_failed_unix = ?,
			from_number = ?, offered_locations_json = ?, offered_slots_json = ?,
			updated_at_unix = ?, completed_at_unix = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(sess.State), sess.OrderDataJSON, sess.LocationID, sess.SlotID, unixOrZero(sess.SlotTime),
		unixOrZero(sess.MinScheduleDate), sess.RepromptCount, unixOrZero(sess.SlotRequestSentAt), sess.SlotRetryCount, unixOrZero(sess.SlotRequestFailedAt),
		sess.FromNumber, nonEmptyOr(sess.OfferedLocationsJSON, "[]"), nonEmptyOr(sess.OfferedSlotsJSON, "[]"),
		sess.UpdatedAt.Unix(), unixOrZero(sess.CompletedAt), sess.Version,
		sess.ID, priorVersion,
	)
	if err != nil {
		return fmt.Errorf("conversation/store: update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation/store: update session rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListExpiredCandidates returns every non-terminal session whose
// expires_at has passed, for the TTL sweep.
func (s *Store) ListExpiredCandidates(ctx context.Context, now time.Time) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM conversation_sessions
		WHERE state NOT IN ('CONFIRMED', 'CANCELLED', 'EXPIRED') AND expires_at_unix <= ?`,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("conversation/store: list expired candidates: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// CountByState returns the number of sessions currently in each state, for
// the operator-facing "status" report (spec.md §3 supplemented features).
// It has no bearing on any scheduling invariant.
func (s *Store) CountByState(ctx context.Context) (map[model.SessionState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM conversation_sessions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("conversation/store: count by state: %w", err)
	}
	defer rows.Close()

	out := make(map[model.SessionState]int)
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("conversation/store: scan state count: %w", err)
		}
		out[model.SessionState(state)] = count
	}
	return out, rows.Err()
}

// ListSlotTimeoutCandidates returns every AWAITING_SLOTS session whose
// slot_request_sent_unix is older than cutoff, for the slot-retry sweep.
func (s *Store) ListSlotTimeoutCandidates(ctx context.Context, cutoff time.Time) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM conversation_sessions
		WHERE state = 'AWAITING_SLOTS' AND slot_request_sent_unix <= ? AND slot_request_sent_unix > 0`,
		cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("conversation/store: list slot timeout candidates: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// EnqueuePendingOrder stores a deferred inbound order for a (tenant,
// phone-hash) that already has an active session (open question 1:
// "queue, do not supersede").
func (s *Store) EnqueuePendingOrder(ctx context.Context, po *model.PendingOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_orders (id, tenant_id, phone_hash, phone_encrypted, order_data_json, queued_at_unix)
		VALUES (?, ?, ?, ?, ?, ?)`,
		po.ID, po.TenantID, po.PhoneHash, po.PhoneEncrypted, po.OrderDataJSON, po.QueuedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("conversation/store: enqueue pending order: %w", err)
	}
	return nil
}

// DrainPendingOrders removes and returns every queued order for (tenantID,
// phoneHash), oldest first, for the orchestrator to replay once the
// blocking session reaches a terminal state.
func (s *Store) DrainPendingOrders(ctx context.Context, tenantID, phoneHash string) ([]*model.PendingOrder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("conversation/store: drain pending orders begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, phone_hash, phone_encrypted, order_data_json, queued_at_unix
		FROM pending_orders WHERE tenant_id = ? AND phone_hash = ? ORDER BY queued_at_unix ASC`,
		tenantID, phoneHash,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation/store: drain pending orders select: %w", err)
	}
	var out []*model.PendingOrder
	for rows.Next() {
		po := &model.PendingOrder{}
		var queuedAt int64
		if err := rows.Scan(&po.ID, &po.TenantID, &po.PhoneHash, &po.PhoneEncrypted, &po.OrderDataJSON, &queuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("conversation/store: scan pending order: %w", err)
		}
		po.QueuedAt = time.Unix(queuedAt, 0).UTC()
		out = append(out, po)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_orders WHERE tenant_id = ? AND phone_hash = ?`, tenantID, phoneHash); err != nil {
		return nil, fmt.Errorf("conversation/store: drain pending orders delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("conversation/store: drain pending orders commit: %w", err)
	}
	return out, nil
}

// MarkProviderMessageSeen records (tenantID, providerMessageID) as
// processed and reports whether it was already seen. providerMessageID is
// the SMS provider's own delivery-attempt identifier; carriers and
// providers retry webhook delivery, and without this guard a retried
// webhook would re-classify the same reply and double-advance a session.
// The insert's primary key does the deduplication atomically, so this is
// safe under concurrent delivery of the same retried webhook.
func (s *Store) MarkProviderMessageSeen(ctx context.Context, tenantID, providerMessageID string, at time.Time) (alreadySeen bool, err error) {
	if providerMessageID == "" {
		// Some providers omit a message ID on malformed webhooks; without one
		// there is nothing to deduplicate against, so let the caller proceed.
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processed_inbound_messages (tenant_id, provider_message_id, received_at_unix)
		VALUES (?, ?, ?)`,
		tenantID, providerMessageID, at.Unix(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return true, nil
		}
		return false, fmt.Errorf("conversation/store: mark provider message seen: %w", err)
	}
	return false, nil
}

// isUniqueConstraintErr reports whether err is a primary-key/unique
// violation, matched by substring since modernc.org/sqlite does not export
// a typed sentinel for it.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

const selectColumns = `SELECT
	id, tenant_id, phone_hash, phone_encrypted, state, order_data_json,
	location_id, slot_id, slot_time_unix, min_schedule_unix, reprompt_count,
	slot_request_sent_unix, slot_retry_count, slot_failed_unix, from_number,
	offered_locations_json, offered_slots_json,
	started_at_unix, updated_at_unix, expires_at_unix, completed_at_unix, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var state string
	var slotTime, minSchedule, slotSent, slotFailed, started, updated, expires, completed int64

	err := row.Scan(
		&sess.ID, &sess.TenantID, &sess.PhoneHash, &sess.PhoneEncrypted, &state, &sess.OrderDataJSON,
		&sess.LocationID, &sess.SlotID, &slotTime, &minSchedule, &sess.RepromptCount,
		&slotSent, &sess.SlotRetryCount, &slotFailed, &sess.FromNumber,
		&sess.OfferedLocationsJSON, &sess.OfferedSlotsJSON,
		&started, &updated, &expires, &completed, &sess.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation/store: scan session: %w", err)
	}

	sess.State = model.SessionState(state)
	sess.SlotTime = timeOrZero(slotTime)
	sess.MinScheduleDate = timeOrZero(minSchedule)
	sess.SlotRequestSentAt = timeOrZero(slotSent)
	sess.SlotRequestFailedAt = timeOrZero(slotFailed)
	sess.StartedAt = time.Unix(started, 0).UTC()
	sess.UpdatedAt = time.Unix(updated, 0).UTC()
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	sess.CompletedAt = timeOrZero(completed)
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*model.Session, error) {
	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

func nonEmptyOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
