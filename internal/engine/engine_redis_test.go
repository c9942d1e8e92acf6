package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkallio/flowstate/internal/testutil"
	"github.com/mkallio/flowstate/pkg/api"
)

func newRedisEngines(t *testing.T, n int) []*Engine {
	t.Helper()
	addr := testutil.GetRedisAddress(t)

	engines := make([]*Engine, n)
	for i := range engines {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { client.Close() })
		eng := NewRedis(client, nil)
		require.NoError(t, eng.RegisterMachine(orderMachine()))
		engines[i] = eng
	}
	return engines
}

func TestRedisEngineSharedState(t *testing.T) {
	engines := newRedisEngines(t, 2)
	a, b := engines[0], engines[1]
	ctx := context.Background()

	entity := "o-" + t.Name()
	require.NoError(t, a.InitializeEntity(ctx, "order", entity, api.Context{"inventory": 1}))

	// The second process sees the entity immediately.
	state, err := b.GetState(ctx, "order", entity)
	require.NoError(t, err)
	assert.Equal(t, "pending", state)

	_, err = a.Send(ctx, "order", entity, "PAY", nil)
	require.NoError(t, err)

	state, err = b.GetState(ctx, "order", entity)
	require.NoError(t, err)
	assert.Equal(t, "paid", state)

	hist, err := b.GetTransitionHistory(ctx, "order", entity, api.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "PAY", hist[0].Event)
}

func TestRedisEngineCrossProcessSerialization(t *testing.T) {
	engines := newRedisEngines(t, 4)
	ctx := context.Background()

	entity := "o-" + t.Name()
	require.NoError(t, engines[0].InitializeEntity(ctx, "order", entity, nil))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for _, eng := range engines {
		eng := eng
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Send(ctx, "order", entity, "PAY", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case api.IsInvalidTransition(err) || api.IsLockTimeout(err):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one process commits")

	state, err := engines[0].GetState(ctx, "order", entity)
	require.NoError(t, err)
	assert.Equal(t, "paid", state)
}
