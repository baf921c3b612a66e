package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// plainHasher is a reversible stand-in for bcrypt in tests.
type plainHasher struct{}

func (plainHasher) Hash(pw string) (string, error) { return "h:" + pw, nil }

func (plainHasher) Compare(hash, pw string) error {
	if hash != "h:"+pw {
		return errors.New("mismatch")
	}
	return nil
}

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.calls++
	return nil
}

var seq int

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustInsert(t *testing.T, store Store, id string, level Level, parentID string, ratePct string) *Agent {
	t.Helper()
	seq++
	a := &Agent{
		ID:             id,
		Username:       id,
		PasswordHash:   "h:password",
		Level:          level,
		Status:         StatusActive,
		Source:         SourceAdmin,
		CommissionRate: PercentToRate(pct(ratePct)),
		ParentID:       parentID,
		InviteCode:     "inv_" + id,
		CreatedAt:      time.Unix(int64(seq), 0),
		UpdatedAt:      time.Unix(int64(seq), 0),
	}
	if level == LevelRoot {
		a.Source = SourceSystem
	}
	require.NoError(t, store.Insert(context.Background(), a))
	return a
}

func testConfig(addr string) *SiteConfig {
	return &SiteConfig{
		USDT:            USDTConfig{Address: addr, QRCode: "qr/" + addr + ".png"},
		CustomerService: CustomerService{URL: "https://t.me/support", ID: "support"},
	}
}

// seedTree builds:
//
//	root(100%) ─┬─ l1(50%) ── l2(20%) ── l3(10%)
//	            └─ orphan2(20%)            (level 2 directly under root)
func seedTree(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	root := mustInsert(t, store, RootID, LevelRoot, "", "100")
	_, err := store.Update(context.Background(), root.ID, func(a *Agent) error {
		a.SiteConfig = testConfig("TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE")
		return nil
	})
	require.NoError(t, err)
	l1 := mustInsert(t, store, "l1", 1, RootID, "50")
	_, err = store.Update(context.Background(), l1.ID, func(a *Agent) error {
		a.SiteConfig = testConfig("0x1234567890123456789012345678901234567890")
		return nil
	})
	require.NoError(t, err)
	mustInsert(t, store, "l2", 2, "l1", "20")
	mustInsert(t, store, "l3", 3, "l2", "10")
	mustInsert(t, store, "orphan2", 2, RootID, "20")
	return store
}
