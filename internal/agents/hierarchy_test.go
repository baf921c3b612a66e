package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentpay/internal/apperr"
)

func TestAncestors(t *testing.T) {
	store := seedTree(t)
	ctx := context.Background()

	chain, err := Ancestors(ctx, store, "l3")
	require.NoError(t, err)
	assert.Equal(t, []string{"l2", "l1", RootID}, ids(chain))

	chain, err = Ancestors(ctx, store, RootID)
	require.NoError(t, err)
	assert.Empty(t, chain)

	_, err = Ancestors(ctx, store, "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAncestors_Cycle(t *testing.T) {
	store := seedTree(t)
	store.mu.Lock()
	store.agents["l1"].ParentID = "l2"
	store.mu.Unlock()

	_, err := Ancestors(context.Background(), store, "l3")
	assert.ErrorIs(t, err, apperr.ErrCorruptHierarchy)
}

func TestAncestors_DanglingParent(t *testing.T) {
	store := seedTree(t)
	store.mu.Lock()
	store.agents["l2"].ParentID = "vanished"
	store.mu.Unlock()

	_, err := Ancestors(context.Background(), store, "l3")
	assert.ErrorIs(t, err, apperr.ErrCorruptHierarchy)
}

func TestIsAncestor(t *testing.T) {
	store := seedTree(t)
	ctx := context.Background()

	tests := []struct {
		ancestor, id string
		want         bool
	}{
		{RootID, "l3", true},
		{"l1", "l3", true},
		{"l2", "l3", true},
		{"l3", "l3", false},
		{"l3", "l1", false},
		{"orphan2", "l3", false},
		{"l1", "orphan2", false},
	}
	for _, tt := range tests {
		t.Run(tt.ancestor+"->"+tt.id, func(t *testing.T) {
			got, err := IsAncestor(ctx, store, tt.ancestor, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAudienceAndSubtreeIDs(t *testing.T) {
	store := seedTree(t)
	ctx := context.Background()

	aud, err := Audience(ctx, store, "l2")
	require.NoError(t, err)
	assert.Equal(t, []string{"l2", "l1", RootID}, aud)

	sub, err := SubtreeIDs(ctx, store, "l1")
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l2", "l3"}, sub)
}
