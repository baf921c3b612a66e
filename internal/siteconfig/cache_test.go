package siteconfig

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GenerationScopesEntries(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	res := &Resolution{AgentID: "a", OwnerID: "o", Config: cfg(mainAddr)}

	gen, err := c.Generation(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, gen, "a", res, time.Minute))

	got, ok, err := c.Get(ctx, gen, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "o", got.OwnerID)

	require.NoError(t, c.Purge(ctx))
	_, ok, _ = c.Get(ctx, gen, "a")
	assert.False(t, ok)

	// A write computed before the purge is dropped.
	require.NoError(t, c.Set(ctx, gen, "a", res, time.Minute))
	next, _ := c.Generation(ctx)
	_, ok, _ = c.Get(ctx, next, "a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, 0, "a", &Resolution{OwnerID: "o"}, time.Minute))
	_, ok, _ := c.Get(ctx, 0, "a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, 0, "a")
	assert.False(t, ok)
}
