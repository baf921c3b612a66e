//go:build integration

package agents

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/testutil"
)

func setupPostgresTree(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)

	now := time.Now()
	for i, a := range []*Agent{
		{ID: RootID, Username: "admin", Level: 0, Source: SourceSystem, CommissionRate: decimal.NewFromInt(1), SiteConfig: testConfig("TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE")},
		{ID: "l1", Username: "first", Level: 1, ParentID: RootID, CommissionRate: decimal.RequireFromString("0.5"), SiteConfig: testConfig("0x1234567890123456789012345678901234567890")},
		{ID: "l2", Username: "second", Level: 2, ParentID: "l1", CommissionRate: decimal.RequireFromString("0.2")},
		{ID: "l3", Username: "third", Level: 3, ParentID: "l2", CommissionRate: decimal.RequireFromString("0.1")},
	} {
		a.PasswordHash = "h:password"
		a.Status = StatusActive
		if a.Source == "" {
			a.Source = SourceAdmin
		}
		a.InviteCode = "inv_" + a.ID
		a.CreatedAt = now.Add(time.Duration(i) * time.Second)
		a.UpdatedAt = a.CreatedAt
		require.NoError(t, store.Insert(context.Background(), a))
	}
	return store, cleanup
}

func TestPostgresAgents_GetAndLookups(t *testing.T) {
	store, cleanup := setupPostgresTree(t)
	defer cleanup()
	ctx := context.Background()

	a, err := store.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, Level(1), a.Level)
	assert.True(t, a.CommissionRate.Equal(decimal.RequireFromString("0.5")))
	require.NotNil(t, a.SiteConfig)
	assert.Equal(t, "0x1234567890123456789012345678901234567890", a.SiteConfig.USDT.Address)

	a, err = store.GetByUsername(ctx, "SECOND")
	require.NoError(t, err)
	assert.Equal(t, "l2", a.ID)

	a, err = store.GetByInviteCode(ctx, "inv_l3")
	require.NoError(t, err)
	assert.Equal(t, "l3", a.ID)
	assert.Nil(t, a.SiteConfig)

	_, err = store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresAgents_InsertConflicts(t *testing.T) {
	store, cleanup := setupPostgresTree(t)
	defer cleanup()
	ctx := context.Background()

	base := Agent{Level: 2, ParentID: "l1", Status: StatusActive, Source: SourceAgent, PasswordHash: "x", CreatedAt: time.Now(), UpdatedAt: time.Now()}

	dup := base
	dup.ID, dup.Username, dup.InviteCode = "n1", "First", "fresh1"
	assert.ErrorIs(t, store.Insert(ctx, &dup), ErrUsernameTaken)

	dup = base
	dup.ID, dup.Username, dup.InviteCode = "n2", "newname", "inv_l1"
	assert.ErrorIs(t, store.Insert(ctx, &dup), ErrInviteCodeTaken)

	dup = base
	dup.ID, dup.Username, dup.InviteCode, dup.ParentID = "n3", "other", "fresh3", "ghost"
	assert.ErrorIs(t, store.Insert(ctx, &dup), apperr.ErrNotFound)
}

func TestPostgresAgents_Subtree(t *testing.T) {
	store, cleanup := setupPostgresTree(t)
	defer cleanup()
	ctx := context.Background()

	sub, err := store.ListSubtree(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, []string{"l2", "l3"}, ids(sub))

	kids, err := store.ListChildren(ctx, RootID)
	require.NoError(t, err)
	assert.Equal(t, []string{"l1"}, ids(kids))
}

func TestPostgresAgents_UpdateWritesPatchableColumnsOnly(t *testing.T) {
	store, cleanup := setupPostgresTree(t)
	defer cleanup()
	ctx := context.Background()

	updated, err := store.Update(ctx, "l2", func(a *Agent) error {
		a.Status = StatusDisabled
		a.CommissionRate = decimal.RequireFromString("0.125")
		a.Level = 4
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, updated.Status)
	assert.Equal(t, Level(2), updated.Level)

	fresh, err := store.Get(ctx, "l2")
	require.NoError(t, err)
	assert.True(t, fresh.CommissionRate.Equal(decimal.RequireFromString("0.125")))
	assert.Equal(t, Level(2), fresh.Level)
}

func TestPostgresAgents_DeleteSet(t *testing.T) {
	store, cleanup := setupPostgresTree(t)
	defer cleanup()
	ctx := context.Background()

	assert.ErrorIs(t, store.DeleteSet(ctx, []string{"l2", "ghost"}), apperr.ErrNotFound)
	assert.ErrorIs(t, store.DeleteSet(ctx, []string{"l2"}), apperr.ErrInvalidArgument)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, store.DeleteSet(ctx, []string{"l2", "l3"}))
	all, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{RootID, "l1"}, ids(all))
}

func TestPostgresAgents_ApplyCredits(t *testing.T) {
	store, cleanup := setupPostgresTree(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.ApplyCredits(ctx, []Credit{
		{AgentID: "l1", Amount: decimal.RequireFromString("12.345678")},
	}))
	err := store.ApplyCredits(ctx, []Credit{
		{AgentID: "l1", Amount: decimal.NewFromInt(1)},
		{AgentID: "ghost", Amount: decimal.NewFromInt(1)},
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	a, err := store.Get(ctx, "l1")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("12.345678")), a.Balance.String())
	assert.Equal(t, int64(1), a.TotalTransactionCount)
}
