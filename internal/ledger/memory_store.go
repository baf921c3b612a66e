package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
)

// Creditor applies commission credits to agent balances all-or-nothing.
// agents.MemoryStore satisfies it.
type Creditor interface {
	ApplyCredits(ctx context.Context, credits []agents.Credit) error
}

// MemoryStore is an in-memory transaction store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	txs      map[string]*Transaction
	creditor Creditor
}

// NewMemoryStore creates a store that credits through creditor on Finalize.
func NewMemoryStore(creditor Creditor) *MemoryStore {
	return &MemoryStore{
		txs:      make(map[string]*Transaction),
		creditor: creditor,
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[t.ID]; ok {
		return fmt.Errorf("%w: transaction %s already exists", apperr.ErrConflict, t.ID)
	}
	m.txs[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.Clone(), nil
}

// List returns matching transactions newest first.
func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var referral map[string]bool
	if filter.ReferralAgentIDs != nil {
		referral = make(map[string]bool, len(filter.ReferralAgentIDs))
		for _, id := range filter.ReferralAgentIDs {
			referral[id] = true
		}
	}

	var out []*Transaction
	for _, t := range m.txs {
		if referral != nil && !referral[t.ReferralAgentID] {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if !filter.Cursor.Before(t.CreatedAt, t.ID) {
			continue
		}
		out = append(out, t.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Finalize checks the stored status under the store lock, so two callers
// racing on one id cannot both credit.
func (m *MemoryStore) Finalize(ctx context.Context, t *Transaction, credits []agents.Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txs[t.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if !cur.IsPending() {
		return ErrAlreadyProcessed
	}
	if len(credits) > 0 {
		if m.creditor == nil {
			return errors.New("ledger: no creditor configured")
		}
		if err := m.creditor.ApplyCredits(ctx, credits); err != nil {
			return err
		}
	}
	m.txs[t.ID] = t.Clone()
	return nil
}

var _ Store = (*MemoryStore)(nil)
