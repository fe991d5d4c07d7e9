// SPDX-License-Identifier: MIT

package tenant

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radscheduler/core/internal/persistence/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tenants.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func sampleTenant() Tenant {
	return Tenant{
		ID:     "acme-imaging",
		Active: true,
		SMS: SMSConfig{
			PrimaryProvider:  "telnyx",
			FailoverProvider: "twilio",
			FromNumbers:      []string{"+15550001111", "+15550002222"},
		},
		Stacking: map[string]StackingRule{
			"CT": StackingMax,
			"MR": StackingSum,
		},
		CPTDurationOverrides: map[string]int{
			"71260": 45,
		},
	}
}

func TestTenant_Validate(t *testing.T) {
	tc := sampleTenant()
	require.NoError(t, tc.Validate())

	missingProvider := tc
	missingProvider.SMS.PrimaryProvider = ""
	assert.Error(t, missingProvider.Validate())

	noNumbers := tc
	noNumbers.SMS.FromNumbers = nil
	assert.Error(t, noNumbers.Validate())

	badRule := tc
	badRule.Stacking = map[string]StackingRule{"CT": "average"}
	assert.Error(t, badRule.Validate())
}

func TestTenant_StackingRuleForDefaultsToSum(t *testing.T) {
	tc := sampleTenant()
	assert.Equal(t, StackingMax, tc.StackingRuleFor("CT"))
	assert.Equal(t, StackingSum, tc.StackingRuleFor("US")) // unconfigured modality
}

func TestTenant_DurationOverride(t *testing.T) {
	tc := sampleTenant()
	minutes, ok := tc.DurationOverride("71260")
	require.True(t, ok)
	assert.Equal(t, 45, minutes)

	_, ok = tc.DurationOverride("99999")
	assert.False(t, ok)
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tc := sampleTenant()

	require.NoError(t, store.Put(ctx, tc))

	got, err := store.Get(ctx, "acme-imaging")
	require.NoError(t, err)
	assert.Equal(t, tc.ID, got.ID)
	assert.True(t, got.Active)
	assert.Equal(t, tc.SMS, got.SMS)
	assert.Equal(t, tc.Stacking, got.Stacking)
	assert.Equal(t, tc.CPTDurationOverrides, got.CPTDurationOverrides)
}

func TestStore_GetUnknownTenant(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestStore_PutRejectsInvalidTenant(t *testing.T) {
	store := newTestStore(t)
	bad := Tenant{ID: "broken"}
	assert.Error(t, store.Put(context.Background(), bad))
}

func TestStore_ListActiveExcludesInactive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := sampleTenant()
	require.NoError(t, store.Put(ctx, active))

	inactive := sampleTenant()
	inactive.ID = "inactive-clinic"
	inactive.Active = false
	require.NoError(t, store.Put(ctx, inactive))

	tenants, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "acme-imaging", tenants[0].ID)
}

func TestProcessConfig_ValidateRejectsShortKey(t *testing.T) {
	cfg := ProcessConfig{EncryptionKey: "too-short"}
	assert.Error(t, cfg.Validate())

	cfg.EncryptionKey = "01234567890123456789012345678901"
	assert.NoError(t, cfg.Validate())
}

func TestParseCarrierAuthTokens(t *testing.T) {
	tokens := parseCarrierAuthTokens("telnyx=abc123,twilio=def456")
	assert.Equal(t, "abc123", tokens["telnyx"])
	assert.Equal(t, "def456", tokens["twilio"])
	assert.Len(t, tokens, 2)

	assert.Empty(t, parseCarrierAuthTokens(""))
}
