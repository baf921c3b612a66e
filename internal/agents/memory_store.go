package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agentpay/internal/apperr"
)

// MemoryStore is an in-memory agent store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	// deleteHook, when set, runs after each id is staged for removal in
	// DeleteSet. A non-nil return aborts the delete.
	deleteHook func(id string) error
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) GetByUsername(ctx context.Context, username string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if strings.EqualFold(a.Username, username) {
			return a.Clone(), nil
		}
	}
	return nil, ErrAgentNotFound
}

func (m *MemoryStore) GetByInviteCode(ctx context.Context, code string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.InviteCode == code {
			return a.Clone(), nil
		}
	}
	return nil, ErrAgentNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if a.ParentID == parentID && a.ID != parentID {
			out = append(out, a.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

// ListSubtree returns every descendant of rootID, breadth first. It fails
// with ErrCorruptHierarchy on a cycle or when the tree is deeper than MaxDepth.
func (m *MemoryStore) ListSubtree(ctx context.Context, rootID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.agents[rootID]; !ok {
		return nil, ErrAgentNotFound
	}

	children := make(map[string][]*Agent, len(m.agents))
	for _, a := range m.agents {
		if a.ParentID != "" {
			children[a.ParentID] = append(children[a.ParentID], a)
		}
	}

	visited := map[string]bool{rootID: true}
	var out []*Agent
	frontier := []string{rootID}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth > MaxDepth {
			return nil, ErrCorruptHierarchy
		}
		var next []string
		for _, id := range frontier {
			for _, c := range children[id] {
				if visited[c.ID] {
					return nil, ErrCorruptHierarchy
				}
				visited[c.ID] = true
				out = append(out, c.Clone())
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

func (m *MemoryStore) Insert(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; ok {
		return fmt.Errorf("%w: agent id %s already exists", apperr.ErrConflict, agent.ID)
	}
	for _, a := range m.agents {
		if strings.EqualFold(a.Username, agent.Username) {
			return ErrUsernameTaken
		}
		if a.InviteCode == agent.InviteCode {
			return ErrInviteCodeTaken
		}
	}
	if agent.ParentID != "" {
		if _, ok := m.agents[agent.ParentID]; !ok {
			return ErrAgentNotFound
		}
	}
	m.agents[agent.ID] = agent.Clone()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch func(*Agent) error) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	next := cur.Clone()
	if err := patch(next); err != nil {
		return nil, err
	}
	// Identity, placement and earnings are not patchable.
	next.ID, next.Username, next.Level, next.ParentID = cur.ID, cur.Username, cur.Level, cur.ParentID
	next.InviteCode, next.Source = cur.InviteCode, cur.Source
	next.Balance, next.TotalEarnings, next.TotalTransactionCount = cur.Balance, cur.TotalEarnings, cur.TotalTransactionCount
	next.UpdatedAt = time.Now()

	m.agents[id] = next
	return next.Clone(), nil
}

// DeleteSet removes all ids or none. The removal is staged on a copy of the
// index and swapped in only when every id was removed.
func (m *MemoryStore) DeleteSet(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if _, ok := m.agents[id]; !ok {
			return ErrAgentNotFound
		}
	}

	staged := make(map[string]*Agent, len(m.agents))
	for k, v := range m.agents {
		staged[k] = v
	}
	for _, id := range ids {
		delete(staged, id)
		if m.deleteHook != nil {
			if err := m.deleteHook(id); err != nil {
				return err
			}
		}
	}
	for _, a := range staged {
		if a.ParentID != "" {
			if _, ok := staged[a.ParentID]; !ok {
				return fmt.Errorf("%w: delete would orphan agent %s", apperr.ErrInvalidArgument, a.ID)
			}
		}
	}

	m.agents = staged
	return nil
}

// ApplyCredits increments earnings for every credited agent, or for none
// if any id is unknown.
func (m *MemoryStore) ApplyCredits(ctx context.Context, credits []Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range credits {
		if _, ok := m.agents[c.AgentID]; !ok {
			return ErrAgentNotFound
		}
	}
	now := time.Now()
	for _, c := range credits {
		a := m.agents[c.AgentID].Clone()
		a.Balance = a.Balance.Add(c.Amount)
		a.TotalEarnings = a.TotalEarnings.Add(c.Amount)
		a.TotalTransactionCount++
		a.UpdatedAt = now
		m.agents[c.AgentID] = a
	}
	return nil
}

func sortByCreated(list []*Agent) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
