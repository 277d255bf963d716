package concurrency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests exercising Semaphore and WorkerPool together the
// way the gateway actually does: the Edge Service bounds concurrent
// upstream forwards with a Semaphore (spec §4.12/§5) while discovery's
// exchange round fans a batch of peer calls out over a WorkerPool
// (spec §4.9), both running at once under load.

func TestEdgeService_BoundsConcurrentForwards(t *testing.T) {
	const maxInflight = 4
	const concurrentRequests = 30

	inflight := NewSemaphore(maxInflight)
	defer inflight.Close()

	var mu sync.Mutex
	var peak int
	var wg sync.WaitGroup

	forward := func() {
		defer wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		require.NoError(t, inflight.Acquire(ctx))
		defer inflight.Release()

		mu.Lock()
		if c := inflight.Current(); c > peak {
			peak = c
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond) // simulate an upstream round trip
	}

	for i := 0; i < concurrentRequests; i++ {
		wg.Add(1)
		go forward()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, maxInflight)
	assert.Equal(t, 0, inflight.Current())
}

func TestPeerExchange_FanOutToleratesSlowPeer(t *testing.T) {
	// Simulates discovery.Exchange.roundOnce: a bounded worker pool
	// contacting several peers, one of which hangs past the round's
	// per-task timeout. The round must still return results for every
	// peer, the slow one reporting a timeout error rather than
	// blocking the batch.
	pool := NewWorkerPool(&PoolConfig{
		Workers:     3,
		QueueSize:   6,
		TaskTimeout: 50 * time.Millisecond,
	})
	pool.Start()
	defer pool.Stop()

	const healthyPeers = 4
	tasks := make([]Task, 0, healthyPeers+1)
	for i := 0; i < healthyPeers; i++ {
		tasks = append(tasks, NewTaskFunc(fmt.Sprintf("peer-%d", i), func(ctx context.Context) (interface{}, error) {
			return "ack", nil
		}))
	}
	tasks = append(tasks, NewTaskFunc("peer-hung", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := pool.SubmitBatchWait(ctx, tasks)
	require.NoError(t, err)
	require.Len(t, results, healthyPeers+1)

	var hungResult Result
	okCount := 0
	for _, r := range results {
		if r.TaskID == "peer-hung" {
			hungResult = r
			continue
		}
		if r.Error == nil {
			okCount++
		}
	}
	assert.Equal(t, healthyPeers, okCount)
	assert.Error(t, hungResult.Error)
}
