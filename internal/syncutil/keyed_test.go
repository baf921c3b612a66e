package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "ord_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "busy")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, "busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_ZeroValue(t *testing.T) {
	var m KeyedMutex
	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
}

func TestKeyedMutex_LockManyReleasesAll(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.LockMany(ctx, "a", "b", "a", "c")
	require.NoError(t, err)
	unlock()

	for _, k := range []string{"a", "b", "c"} {
		u, err := m.Lock(ctx, k)
		require.NoError(t, err)
		u()
	}
}

func TestKeyedMutex_LockManyRollsBackOnCancel(t *testing.T) {
	m := NewKeyedMutex()

	holdB, err := m.Lock(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.LockMany(ctx, "a", "b")
	require.Error(t, err)
	holdB()

	// "a" must have been released by the failed LockMany.
	u, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	u()
}

func TestKeyedMutex_OverlappingSetsNoDeadlock(t *testing.T) {
	m := NewKeyedMutex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			u, err := m.LockMany(ctx, "x", "y")
			if err == nil {
				u()
			}
		}()
		go func() {
			defer wg.Done()
			u, err := m.LockMany(ctx, "y", "x")
			if err == nil {
				u()
			}
		}()
	}
	wg.Wait()
	assert.NoError(t, ctx.Err())
}
