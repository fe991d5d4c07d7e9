// SPDX-License-Identifier: MIT

package analysis

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS prompt_templates (
	id               TEXT PRIMARY KEY,
	key              TEXT NOT NULL,
	template         TEXT NOT NULL,
	model            TEXT NOT NULL,
	max_tokens       INTEGER NOT NULL,
	is_active        INTEGER NOT NULL DEFAULT 1,
	ab_test_weight   INTEGER NOT NULL DEFAULT 100,
	version          INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_prompt_templates_key ON prompt_templates(key, is_active);

CREATE TABLE IF NOT EXISTS analysis_logs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	log_id            TEXT NOT NULL UNIQUE,
	tenant_id         TEXT NOT NULL,
	session_id        TEXT NOT NULL DEFAULT '',
	prompt_id         TEXT NOT NULL DEFAULT '',
	prompt_key        TEXT NOT NULL DEFAULT '',
	input_json        TEXT NOT NULL,
	output_json       TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	latency_millis    INTEGER NOT NULL DEFAULT 0,
	success           INTEGER NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_logs_tenant ON analysis_logs(tenant_id, created_at);
`

// SQLiteStore persists prompt templates and analysis log entries. It
// implements both PromptStore and LogStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the prompt/analysis-log tables on an
// already-configured database/sql.DB and runs its migration if needed.
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
		return fmt.Errorf("analysis: read schema version: %w", err)
	}
	if userVersion >= schemaVersion {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("analysis: create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("analysis: set schema version: %w", err)
	}
	return nil
}

// PutTemplate inserts or replaces a prompt template row.
func (s *SQLiteStore) PutTemplate(ctx context.Context, t PromptTemplate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_templates (id, key, template, model, max_tokens, is_active, ab_test_weight, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key,
			template = excluded.template,
			model = excluded.model,
			max_tokens = excluded.max_tokens,
			is_active = excluded.is_active,
			ab_test_weight = excluded.ab_test_weight,
			version = excluded.version`,
		t.ID, t.Key, t.Template, t.Model, t.MaxTokens, boolToInt(t.IsActive), t.ABTestWeight, t.Version,
	)
	if err != nil {
		return fmt.Errorf("analysis: put template: %w", err)
	}
	return nil
}

// ActiveByKeyPrefix returns every active template whose key starts with
// prefix, implementing PromptStore.
func (s *SQLiteStore) ActiveByKeyPrefix(prefix string) ([]PromptTemplate, error) {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT id, key, template, model, max_tokens, is_active, ab_test_weight, version
		FROM prompt_templates
		WHERE is_active = 1 AND key LIKE ? ESCAPE '\'
		ORDER BY id ASC`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("analysis: active by key prefix: %w", err)
	}
	defer rows.Close()

	var out []PromptTemplate
	for rows.Next() {
		var t PromptTemplate
		var active int
		if err := rows.Scan(&t.ID, &t.Key, &t.Template, &t.Model, &t.MaxTokens, &active, &t.ABTestWeight, &t.Version); err != nil {
			return nil, fmt.Errorf("analysis: scan template: %w", err)
		}
		t.IsActive = active != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// Record persists one analysis log row, implementing LogStore.
func (s *SQLiteStore) Record(ctx context.Context, entry LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_logs (log_id, tenant_id, session_id, prompt_id, prompt_key, input_json, output_json, prompt_tokens, completion_tokens, latency_millis, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.SessionID, entry.PromptID, entry.PromptKey,
		entry.InputJSON, entry.OutputJSON, entry.PromptTokens, entry.CompletionTokens,
		entry.LatencyMillis, boolToInt(entry.Success), entry.ErrorMessage, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("analysis: record log: %w", err)
	}
	return nil
}

func likePrefix(prefix string) string {
	escaped := ""
	for _, r := range prefix {
		switch r {
		case '\\', '%', '_':
			escaped += "\\" + string(r)
		default:
			escaped += string(r)
		}
	}
	return escaped + "%"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
