// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radscheduler/core/internal/persistence/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestNewLogger_NilStoreDoesNotPanic(t *testing.T) {
	logger := NewLogger(nil)
	assert.NotNil(t, logger)
	logger.OutboundSMS(context.Background(), "tenant-a", "hash-1", "sess-1", "CONSENT", "+15551230000", "prov-1", true, "")
}

func TestLogger_OutboundSMSPersists(t *testing.T) {
	store := newTestStore(t)
	logger := NewLogger(store)
	ctx := context.Background()

	logger.OutboundSMS(ctx, "tenant-a", "hash-1", "sess-1", "CONSENT", "+15551230000", "prov-1", true, "")

	rows, err := store.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, EventOutboundSMS, rows[0].Type)
	assert.Equal(t, "outbound", rows[0].Direction)
	assert.Equal(t, "CONSENT", rows[0].MessageTag)
	assert.True(t, rows[0].Success)
}

func TestLogger_StateTransitionDetails(t *testing.T) {
	store := newTestStore(t)
	logger := NewLogger(store)
	ctx := context.Background()

	logger.StateTransition(ctx, "tenant-a", "hash-1", "sess-1", "CHOOSING_TIME", "CONFIRMED", "patient_reply")

	rows, err := store.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CHOOSING_TIME", rows[0].Details["from_state"])
	assert.Equal(t, "CONFIRMED", rows[0].Details["to_state"])
}

func TestStore_ExactlyOneRowPerOutboundAttempt(t *testing.T) {
	store := newTestStore(t)
	logger := NewLogger(store)
	ctx := context.Background()

	// Primary attempt fails, failover succeeds: two audit rows, one per
	// attempt, per the "every attempt produces one audit entry" contract.
	logger.OutboundSMS(ctx, "tenant-a", "hash-1", "sess-1", "SLOT_LIST", "+15550001111", "", false, "PROVIDER_ERROR")
	logger.OutboundSMS(ctx, "tenant-a", "hash-1", "sess-1", "SLOT_LIST", "+15550002222", "prov-9", true, "")

	rows, err := store.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].Success)
	assert.Equal(t, "PROVIDER_ERROR", rows[0].ErrorCode)
	assert.True(t, rows[1].Success)
	assert.Equal(t, "prov-9", rows[1].ProviderID)
}

func TestStore_CountOutboundSince(t *testing.T) {
	store := newTestStore(t)
	logger := NewLogger(store)
	ctx := context.Background()

	cutoff := time.Now().Add(-time.Minute)
	logger.OutboundSMS(ctx, "tenant-a", "hash-1", "sess-1", "CONFIRMATION", "+15550001111", "prov-1", true, "")

	n, err := store.CountOutboundSince(ctx, "tenant-a", "hash-1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountOutboundSince(ctx, "tenant-a", "hash-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStore_PruneBefore(t *testing.T) {
	store := newTestStore(t)
	logger := NewLogger(store)
	ctx := context.Background()

	logger.ConsentChange(ctx, "tenant-a", "hash-1", false)

	deleted, err := store.PruneBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rows, err := store.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
