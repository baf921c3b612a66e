package agents

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/idgen"
)

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *countingInvalidator) {
	t.Helper()
	store := seedTree(t)
	inv := &countingInvalidator{}
	return NewManager(store, plainHasher{}).WithInvalidator(inv), store, inv
}

func createReq(username string, level Level, ratePct string) CreateRequest {
	return CreateRequest{
		Username:       username,
		Password:       "secret123",
		Level:          level,
		CommissionRate: pct(ratePct),
	}
}

func TestManager_CreateByRoot(t *testing.T) {
	mgr, store, inv := newTestManager(t)
	ctx := context.Background()

	a, err := mgr.Create(ctx, RootID, createReq("alice_l1", 1, "80"))
	require.NoError(t, err)

	assert.Equal(t, Level(1), a.Level)
	assert.Equal(t, RootID, a.ParentID)
	assert.Equal(t, SourceAdmin, a.Source)
	assert.Equal(t, StatusActive, a.Status)
	assert.True(t, a.CommissionRate.Equal(decimal.RequireFromString("0.8")))
	assert.Len(t, a.InviteCode, idgen.InviteCodeLength)
	assert.Equal(t, "h:secret123", a.PasswordHash)
	require.NotNil(t, a.SiteConfig, "level-1 agents inherit the creator's config")
	assert.Equal(t, "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE", a.SiteConfig.USDT.Address)
	assert.Equal(t, 1, inv.calls)

	stored, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.InviteCode, stored.InviteCode)
}

func TestManager_CreateBelowLevel1HasNoConfig(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	a, err := mgr.Create(context.Background(), "l1", createReq("bob_l2", 2, "30"))
	require.NoError(t, err)
	assert.Equal(t, "l1", a.ParentID)
	assert.Equal(t, SourceAgent, a.Source)
	assert.Nil(t, a.SiteConfig)
}

func TestManager_CreateUnderDescendant(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	req := createReq("carol_l4", 4, "5")
	req.ParentID = "l3"
	a, err := mgr.Create(ctx, "l1", req)
	require.NoError(t, err)
	assert.Equal(t, "l3", a.ParentID)

	// orphan2 is not under l1.
	req = createReq("dave_l3", 3, "5")
	req.ParentID = "orphan2"
	_, err = mgr.Create(ctx, "l1", req)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	// Parent level must be below the new level.
	req = createReq("erin_l2", 2, "5")
	req.ParentID = "l2"
	_, err = mgr.Create(ctx, "l1", req)
	assert.ErrorIs(t, err, apperr.ErrInvalidLevel)
}

func TestManager_CreateRejections(t *testing.T) {
	mgr, _, inv := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		requester string
		req       CreateRequest
		want      error
	}{
		{"level zero", RootID, createReq("zed_zero", 0, "10"), apperr.ErrInvalidLevel},
		{"level five", RootID, createReq("zed_five", 5, "10"), apperr.ErrInvalidLevel},
		{"negative rate", RootID, createReq("zed_neg", 1, "-1"), apperr.ErrInvalidCommission},
		{"rate over 100", RootID, createReq("zed_big", 1, "100.01"), apperr.ErrInvalidCommission},
		{"rate too precise", RootID, createReq("zed_fine", 1, "12.34567"), apperr.ErrInvalidCommission},
		{"same level", "l2", createReq("zed_same", 2, "10"), apperr.ErrPermissionDenied},
		{"higher level", "l2", createReq("zed_up", 1, "10"), apperr.ErrPermissionDenied},
		{"username taken", RootID, createReq("ROOT", 1, "10"), apperr.ErrConflict},
		{"bad username", RootID, createReq("a b", 1, "10"), apperr.ErrInvalidArgument},
		{"unknown requester", "ghost", createReq("zed_ghost", 1, "10"), apperr.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.Create(ctx, tt.requester, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, inv.calls)
}

func TestManager_CreateBoundaryRates(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := mgr.Create(ctx, RootID, createReq("zero_rate", 1, "0"))
	require.NoError(t, err)
	assert.True(t, a.CommissionRate.IsZero())

	a, err = mgr.Create(ctx, RootID, createReq("full_rate", 1, "100"))
	require.NoError(t, err)
	assert.True(t, a.CommissionRate.Equal(decimal.NewFromInt(1)))

	// Four percentage places fill the six places a stored rate keeps.
	a, err = mgr.Create(ctx, RootID, createReq("fine_rate", 1, "12.3456"))
	require.NoError(t, err)
	assert.Equal(t, "0.123456", a.CommissionRate.String())
}

func TestManager_CreatedTreeKeepsLevelsIncreasing(t *testing.T) {
	store := NewMemoryStore()
	mustInsert(t, store, RootID, LevelRoot, "", "100")
	mgr := NewManager(store, plainHasher{})
	ctx := context.Background()

	ids := map[string]string{"root": RootID}
	steps := []struct {
		username  string
		requester string
		parent    string
		level     Level
		want      error
	}{
		{"a1", "root", "", 1, nil},
		{"a2", "a1", "", 2, nil},
		{"a3", "a2", "", 3, nil},
		{"a4", "a3", "", 4, nil},
		{"b2", "root", "", 2, nil},
		{"b3", "root", "b2", 3, nil},
		{"b4", "b2", "b3", 4, nil},
		{"c3", "a1", "", 3, nil},
		{"c4", "root", "", 4, nil},
		{"d4", "root", "a2", 4, nil},
		{"x2", "root", "a3", 2, apperr.ErrInvalidLevel},
		{"x3", "root", "c3", 3, apperr.ErrInvalidLevel},
		{"x4", "a1", "b2", 4, apperr.ErrPermissionDenied},
	}
	for _, st := range steps {
		req := createReq(st.username+"_agent", st.level, "10")
		req.ParentID = ids[st.parent]
		a, err := mgr.Create(ctx, ids[st.requester], req)
		if st.want != nil {
			assert.ErrorIs(t, err, st.want, st.username)
			continue
		}
		require.NoError(t, err, st.username)
		ids[st.username] = a.ID
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 11)
	for _, a := range all {
		chain, err := Ancestors(ctx, store, a.ID)
		require.NoError(t, err, a.Username)
		assert.LessOrEqual(t, len(chain), int(LevelMax), a.Username)
		if a.IsRoot() {
			assert.Empty(t, chain)
			continue
		}
		require.NotEmpty(t, chain, a.Username)
		assert.True(t, chain[len(chain)-1].IsRoot(), a.Username)
		child := a
		for _, p := range chain {
			assert.Greater(t, child.Level, p.Level, "%s under %s", child.Username, p.Username)
			child = p
		}
	}
}

func TestManager_DisabledRequesterIsUnauthorized(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.UpdateStatus(ctx, RootID, "l1", StatusDisabled)
	require.NoError(t, err)

	_, err = mgr.Create(ctx, "l1", createReq("late_l2", 2, "10"))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestManager_UpdateStatusAndCommission(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := mgr.UpdateStatus(ctx, "l1", "l3", StatusDisabled)
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, a.Status)

	a, err = mgr.UpdateCommissionRate(ctx, "l1", "l2", pct("12.5"))
	require.NoError(t, err)
	assert.True(t, a.CommissionRate.Equal(decimal.RequireFromString("0.125")))

	_, err = mgr.UpdateStatus(ctx, "l1", "l2", Status("frozen"))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = mgr.UpdateCommissionRate(ctx, "l1", "l2", pct("101"))
	assert.ErrorIs(t, err, apperr.ErrInvalidCommission)

	_, err = mgr.UpdateCommissionRate(ctx, "l1", "l2", pct("0.00001"))
	assert.ErrorIs(t, err, apperr.ErrInvalidCommission)

	// Not an ancestor.
	_, err = mgr.UpdateStatus(ctx, "l1", "orphan2", StatusDisabled)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	// Agents cannot modify themselves.
	_, err = mgr.UpdateCommissionRate(ctx, "l2", "l2", pct("90"))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestManager_SystemAgentsAreForbidden(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, &Agent{
		ID: "sys1", Username: "sys1", Level: 1, Status: StatusActive, Source: SourceSystem,
		ParentID: RootID, InviteCode: "inv_sys1", CreatedAt: time.Now(),
	}))

	_, err := mgr.UpdateStatus(ctx, RootID, "sys1", StatusDisabled)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = mgr.UpdateCommissionRate(ctx, RootID, "sys1", pct("10"))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = mgr.UpdateStatus(ctx, RootID, RootID, StatusDisabled)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = mgr.UpdateSiteConfig(ctx, "sys1", "sys1", *testConfig("TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE"))
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestManager_UpdateSiteConfig(t *testing.T) {
	mgr, store, inv := newTestManager(t)
	ctx := context.Background()

	cfg := SiteConfig{
		USDT:    USDTConfig{Address: "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"},
		Alipay:  AlipayConfig{Account: "pay@example.com"},
		Gateway: &GatewayCredentials{APIEndpoint: "https://gw.example.com", MerchantID: "m1", SecretKey: "s3cret"},
	}
	a, err := mgr.UpdateSiteConfig(ctx, "l1", "l1", cfg)
	require.NoError(t, err)
	assert.Equal(t, "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", a.SiteConfig.USDT.Address)
	assert.Equal(t, 1, inv.calls)

	// A blank secret keeps the stored one.
	cfg.Gateway = &GatewayCredentials{APIEndpoint: "https://gw2.example.com", MerchantID: "m1"}
	_, err = mgr.UpdateSiteConfig(ctx, "l1", "l1", cfg)
	require.NoError(t, err)
	stored, _ := store.Get(ctx, "l1")
	assert.Equal(t, "s3cret", stored.SiteConfig.Gateway.SecretKey)
	assert.Equal(t, "https://gw2.example.com", stored.SiteConfig.Gateway.APIEndpoint)

	// Level 2 may not own config.
	_, err = mgr.UpdateSiteConfig(ctx, "l2", "l2", cfg)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	// Root goes through the main-site path instead.
	_, err = mgr.UpdateSiteConfig(ctx, RootID, "l1", cfg)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	// Invalid content.
	_, err = mgr.UpdateSiteConfig(ctx, "l1", "l1", SiteConfig{})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = mgr.UpdateSiteConfig(ctx, "l1", "l1", SiteConfig{USDT: USDTConfig{Address: "not-an-address"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestManager_UpdateMainSiteConfig(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	cfg := SiteConfig{Alipay: AlipayConfig{Account: "main@example.com"}, USDTRate: decimal.RequireFromString("7.1")}
	_, err := mgr.UpdateMainSiteConfig(ctx, RootID, cfg)
	require.NoError(t, err)
	root, _ := store.Get(ctx, RootID)
	assert.Equal(t, "main@example.com", root.SiteConfig.Alipay.Account)

	_, err = mgr.UpdateMainSiteConfig(ctx, "l1", cfg)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestManager_Delete(t *testing.T) {
	mgr, store, inv := newTestManager(t)
	ctx := context.Background()

	deleted, err := mgr.Delete(ctx, "l1", "l2")
	require.NoError(t, err)
	assert.Equal(t, []string{"l2", "l3"}, deleted)
	assert.Equal(t, 1, inv.calls)

	_, err = store.Get(ctx, "l3")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = store.Get(ctx, "l1")
	assert.NoError(t, err)
}

func TestManager_DeleteRules(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Delete(ctx, "l2", "l3")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied, "level 2 may not delete")

	_, err = mgr.Delete(ctx, "l1", "orphan2")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = mgr.Delete(ctx, "l1", "l1")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied, "self is not a strict descendant")

	_, err = mgr.Delete(ctx, RootID, RootID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = mgr.Delete(ctx, RootID, "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	deleted, err := mgr.Delete(ctx, RootID, "l1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"l1", "l2", "l3"}, deleted)
}

func TestManager_DeleteFailureKeepsSubtree(t *testing.T) {
	mgr, store, inv := newTestManager(t)
	ctx := context.Background()

	store.deleteHook = func(id string) error {
		if id == "l3" {
			return assert.AnError
		}
		return nil
	}

	_, err := mgr.Delete(ctx, RootID, "l1")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, inv.calls)

	for _, id := range []string{"l1", "l2", "l3"} {
		_, err := store.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestManager_ChangePassword(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	err := mgr.ChangePassword(ctx, "l2", "wrong", "newpass1")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	err = mgr.ChangePassword(ctx, "l2", "password", "x")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	require.NoError(t, mgr.ChangePassword(ctx, "l2", "password", "newpass1"))
	a, _ := store.Get(ctx, "l2")
	assert.Equal(t, "h:newpass1", a.PasswordHash)
}

func TestManager_GetVisibility(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Get(ctx, "l1", "l3")
	assert.NoError(t, err)
	_, err = mgr.Get(ctx, RootID, "orphan2")
	assert.NoError(t, err)
	_, err = mgr.Get(ctx, "l3", "l1")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = mgr.Get(ctx, "l1", "orphan2")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestManager_ListSubordinates(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	direct, err := mgr.ListSubordinates(ctx, "l1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"l2"}, ids(direct))

	all, err := mgr.ListSubordinates(ctx, "l1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"l2", "l3"}, ids(all))
}

func TestEnsureRoot(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	spec := RootSpec{
		Username:          "admin",
		Password:          "adminpass",
		CommissionPercent: pct("100"),
		SiteConfig:        testConfig("TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE"),
	}

	root, err := EnsureRoot(ctx, store, plainHasher{}, spec)
	require.NoError(t, err)
	assert.Equal(t, RootID, root.ID)
	assert.Equal(t, SourceSystem, root.Source)
	assert.Equal(t, LevelRoot, root.Level)
	assert.True(t, root.IsRoot())

	spec.Password = "changed"
	again, err := EnsureRoot(ctx, store, plainHasher{}, spec)
	require.NoError(t, err)
	assert.Equal(t, "h:adminpass", again.PasswordHash, "existing root is left alone")

	_, err = EnsureRoot(ctx, NewMemoryStore(), plainHasher{}, RootSpec{Username: "x", Password: "y", CommissionPercent: pct("150")})
	assert.Error(t, err)
}

func TestEnsureRoot_SeedsMissingConfig(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	spec := RootSpec{Username: "admin", Password: "adminpass", CommissionPercent: pct("100")}

	root, err := EnsureRoot(ctx, store, plainHasher{}, spec)
	require.NoError(t, err)
	assert.Nil(t, root.SiteConfig)

	spec.SiteConfig = testConfig("TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE")
	root, err = EnsureRoot(ctx, store, plainHasher{}, spec)
	require.NoError(t, err)
	require.NotNil(t, root.SiteConfig)
	assert.Equal(t, "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE", root.SiteConfig.USDT.Address)

	// A configured root is never overwritten from the environment.
	spec.SiteConfig = testConfig("0x52908400098527886E0F7030069857D2E4169EE7")
	root, err = EnsureRoot(ctx, store, plainHasher{}, spec)
	require.NoError(t, err)
	assert.Equal(t, "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE", root.SiteConfig.USDT.Address)
}
