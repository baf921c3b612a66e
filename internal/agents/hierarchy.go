package agents

import (
	"context"
	"errors"
	"fmt"
)

// Ancestors returns the parent chain of id, nearest first, ending at the
// root. The agent itself is not included. A dangling parent reference, a
// revisited node or a chain longer than MaxDepth is ErrCorruptHierarchy.
func Ancestors(ctx context.Context, store Store, id string) ([]*Agent, error) {
	a, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var chain []*Agent
	visited := map[string]bool{a.ID: true}
	for parentID := a.ParentID; parentID != ""; {
		if len(chain) >= MaxDepth {
			return nil, fmt.Errorf("%w: chain from %s exceeds %d hops", ErrCorruptHierarchy, id, MaxDepth)
		}
		if visited[parentID] {
			return nil, fmt.Errorf("%w: cycle at %s", ErrCorruptHierarchy, parentID)
		}
		visited[parentID] = true

		p, err := store.Get(ctx, parentID)
		if errors.Is(err, ErrAgentNotFound) {
			return nil, fmt.Errorf("%w: %s has missing parent %s", ErrCorruptHierarchy, id, parentID)
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
		parentID = p.ParentID
	}
	return chain, nil
}

// IsAncestor reports whether ancestorID is a strict ancestor of id.
func IsAncestor(ctx context.Context, store Store, ancestorID, id string) (bool, error) {
	if ancestorID == id {
		return false, nil
	}
	chain, err := Ancestors(ctx, store, id)
	if err != nil {
		return false, err
	}
	for _, a := range chain {
		if a.ID == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

// Audience returns id followed by the ids of all its ancestors: every agent
// entitled to see activity attributed to id.
func Audience(ctx context.Context, store Store, id string) ([]string, error) {
	chain, err := Ancestors(ctx, store, id)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(chain)+1)
	ids = append(ids, id)
	for _, a := range chain {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// SubtreeIDs returns rootID followed by the ids of all its descendants.
func SubtreeIDs(ctx context.Context, store Store, rootID string) ([]string, error) {
	desc, err := store.ListSubtree(ctx, rootID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(desc)+1)
	ids = append(ids, rootID)
	for _, a := range desc {
		ids = append(ids, a.ID)
	}
	return ids, nil
}
