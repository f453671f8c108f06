package ipguard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/ocpp-csms-engine/internal/cache"
	"github.com/balu-dk/ocpp-csms-engine/internal/cache/cachetest"
)

func admitConcurrently(g *Guard, ip string, n int) (admitted []string) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			if g.Admit(context.Background(), ip, token) {
				mu.Lock()
				admitted = append(admitted, token)
				mu.Unlock()
			}
		}(fmt.Sprintf("tok-%d", i))
	}
	wg.Wait()
	return admitted
}

func TestGuard_ConcurrentAdmitRespectsCap(t *testing.T) {
	store, mr := cachetest.New(t)
	g := New(store, 2, time.Hour)

	admitted := admitConcurrently(g, "10.0.0.1", 20)
	require.Len(t, admitted, 2)
	assert.Equal(t, 2, g.Count("10.0.0.1"))

	members, err := mr.Members(cache.IPConnectionKey("10.0.0.1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, admitted, members)

	g.Release(context.Background(), "10.0.0.1", admitted[0])
	var successes int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if g.Admit(context.Background(), "10.0.0.1", fmt.Sprintf("again-%d", i)) {
				atomic.AddInt32(&successes, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes)
}

func TestGuard_CapIsSharedAcrossProcesses(t *testing.T) {
	store, _ := cachetest.New(t)
	a := New(store, 2, time.Hour)
	b := New(store, 2, time.Hour)
	ctx := context.Background()

	assert.True(t, a.Admit(ctx, "10.0.0.2", "a1"))
	assert.True(t, b.Admit(ctx, "10.0.0.2", "b1"))
	assert.False(t, a.Admit(ctx, "10.0.0.2", "a2"))
	assert.False(t, b.Admit(ctx, "10.0.0.2", "b2"))
}

func TestGuard_DegradesToMemoryWhenCacheDown(t *testing.T) {
	store, mr := cachetest.New(t)
	mr.Close()
	g := New(store, 2, time.Hour)

	admitted := admitConcurrently(g, "10.0.0.3", 10)
	assert.Len(t, admitted, 2)

	g.Release(context.Background(), "10.0.0.3", admitted[1])
	assert.True(t, g.Admit(context.Background(), "10.0.0.3", "late"))
	assert.False(t, g.Admit(context.Background(), "10.0.0.3", "later"))
}

func TestGuard_NoCache(t *testing.T) {
	g := New(nil, 0, 0)
	ctx := context.Background()

	assert.Equal(t, DefaultLimit, g.Limit())
	assert.True(t, g.Admit(ctx, "", "x"))
	assert.True(t, g.Admit(ctx, "ip", "a"))
	assert.True(t, g.Admit(ctx, "ip", "a"), "re-admitting a held token")
	assert.True(t, g.Admit(ctx, "ip", "b"))
	assert.False(t, g.Admit(ctx, "ip", "c"))

	g.Release(ctx, "ip", "unknown")
	assert.Equal(t, 2, g.Count("ip"))
	g.Release(ctx, "ip", "a")
	g.Release(ctx, "ip", "b")
	assert.Equal(t, 0, g.Count("ip"))
}
