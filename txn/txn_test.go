package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	require.Nil(t, FromContext(context.Background()))
	require.Nil(t, FromContext(nil)) //nolint:staticcheck

	tx := New(42, 8)
	ctx := WithTransaction(context.Background(), tx)
	got := FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, ID(42), got.ID())
	assert.Equal(t, 8, got.MemoryBudget())
}

func TestParseID(t *testing.T) {
	t.Parallel()

	id, err := ParseID(ID(123456789).String())
	require.NoError(t, err)
	assert.Equal(t, ID(123456789), id)

	_, err = ParseID("abc")
	require.Error(t, err)
}

func TestGenerator_Monotonic(t *testing.T) {
	t.Parallel()

	g := NewGenerator(3)
	prev := g.Next()
	for i := 0; i < 10000; i++ {
		next := g.Next()
		require.Greater(t, next, prev)
		prev = next
	}
	assert.Equal(t, uint64(3), (uint64(prev)>>LogicalBits)&NodeIDMask)
}

func TestGenerator_ClockGoesBackwards(t *testing.T) {
	t.Parallel()

	base := time.UnixMilli(1_700_000_000_000)
	now := base
	g := NewGenerator(1)
	g.now = func() time.Time { return now }

	a := g.Next()
	now = base.Add(-time.Second)
	b := g.Next()
	assert.Greater(t, b, a)
	assert.Equal(t, base.UnixMilli(), Time(b).UnixMilli())
}

func TestGenerator_LogicalOverflow(t *testing.T) {
	t.Parallel()

	base := time.UnixMilli(1_700_000_000_000)
	g := NewGenerator(1)
	g.now = func() time.Time { return base }

	var last ID
	for i := 0; i < LogicalMask+5; i++ {
		next := g.Next()
		require.Greater(t, next, last)
		last = next
	}
	assert.Equal(t, base.UnixMilli()+1, Time(last).UnixMilli())
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	t.Parallel()

	g := NewGenerator(7)
	const workers, perWorker = 8, 1000

	var mu sync.Mutex
	seen := make(map[ID]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]ID, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.Begin(1).ID())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}
