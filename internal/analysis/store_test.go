// SPDX-License-Identifier: MIT

package analysis

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radscheduler/core/internal/persistence/sqlite"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "analysis.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore_ActiveByKeyPrefix_FiltersInactiveAndOtherKeys(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutTemplate(ctx, PromptTemplate{
		ID: "t1", Key: "order_analysis.v1", Template: "a", Model: "claude-3-5-sonnet-latest",
		MaxTokens: 512, IsActive: true, ABTestWeight: 50, Version: 1,
	}))
	require.NoError(t, store.PutTemplate(ctx, PromptTemplate{
		ID: "t2", Key: "order_analysis.v2", Template: "b", Model: "claude-3-5-sonnet-latest",
		MaxTokens: 512, IsActive: true, ABTestWeight: 50, Version: 1,
	}))
	require.NoError(t, store.PutTemplate(ctx, PromptTemplate{
		ID: "t3", Key: "order_analysis.v3-retired", Template: "c", Model: "claude-3-5-sonnet-latest",
		MaxTokens: 512, IsActive: false, ABTestWeight: 100, Version: 1,
	}))
	require.NoError(t, store.PutTemplate(ctx, PromptTemplate{
		ID: "t4", Key: "reminder.v1", Template: "d", Model: "claude-3-5-sonnet-latest",
		MaxTokens: 256, IsActive: true, ABTestWeight: 100, Version: 1,
	}))

	got, err := store.ActiveByKeyPrefix("order_analysis")
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.Contains(t, ids, "t1")
	assert.Contains(t, ids, "t2")
}

func TestSQLiteStore_PutTemplate_UpsertsByID(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutTemplate(ctx, PromptTemplate{
		ID: "t1", Key: "order_analysis.v1", Template: "a", Model: "claude-3-5-sonnet-latest",
		MaxTokens: 512, IsActive: true, ABTestWeight: 50, Version: 1,
	}))
	require.NoError(t, store.PutTemplate(ctx, PromptTemplate{
		ID: "t1", Key: "order_analysis.v1", Template: "a-revised", Model: "claude-3-5-sonnet-latest",
		MaxTokens: 1024, IsActive: false, ABTestWeight: 50, Version: 2,
	}))

	got, err := store.ActiveByKeyPrefix("order_analysis")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStore_Record_PersistsLogEntry(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	err := store.Record(ctx, LogEntry{
		ID: "log-1", TenantID: "acme-imaging", SessionID: "sess-1",
		PromptID: "t1", PromptKey: "order_analysis.v1",
		InputJSON: `{"cpt":"70551"}`, OutputJSON: `{"total_duration_min":45}`,
		PromptTokens: 120, CompletionTokens: 40, LatencyMillis: 850,
		Success: true, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	err = store.Record(ctx, LogEntry{
		ID: "log-2", TenantID: "acme-imaging", SessionID: "sess-2",
		InputJSON: "{}", OutputJSON: "{}", Success: false, ErrorMessage: "no active template",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}
