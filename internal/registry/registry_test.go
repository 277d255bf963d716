package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertHigherEpochWins(t *testing.T) {
	r := New()
	now := time.Now()

	r.Upsert(Record{ID: "p1", Address: "10.0.0.1:9000", Epoch: 1, LastSeen: now, Health: Healthy})
	r.Upsert(Record{ID: "p1", Address: "10.0.0.2:9000", Epoch: 2, LastSeen: now.Add(-time.Hour), Health: Healthy})

	rec, ok := r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.Epoch)
	assert.Equal(t, "10.0.0.2:9000", rec.Address)
}

func TestUpsertEqualEpochFresherWins(t *testing.T) {
	r := New()
	now := time.Now()

	r.Upsert(Record{ID: "p1", Address: "a", Epoch: 5, LastSeen: now})
	r.Upsert(Record{ID: "p1", Address: "b", Epoch: 5, LastSeen: now.Add(time.Second)})
	r.Upsert(Record{ID: "p1", Address: "c", Epoch: 5, LastSeen: now.Add(-time.Second)})

	rec, _ := r.Get("p1")
	assert.Equal(t, "b", rec.Address)
}

// TestUpsertCommutative verifies the §8 property: under concurrent
// upserts with distinct epochs, the final state equals the record
// with the maximum epoch regardless of arrival order.
func TestUpsertCommutative(t *testing.T) {
	r := New()
	now := time.Now()

	var wg sync.WaitGroup
	for epoch := uint64(1); epoch <= 100; epoch++ {
		wg.Add(1)
		go func(e uint64) {
			defer wg.Done()
			r.Upsert(Record{ID: "p1", Epoch: e, LastSeen: now, Address: "addr"})
		}(epoch)
	}
	wg.Wait()

	rec, ok := r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, uint64(100), rec.Epoch)
}

func TestPurgeDropsStale(t *testing.T) {
	r := New()
	now := time.Now()
	r.Upsert(Record{ID: "fresh", LastSeen: now})
	r.Upsert(Record{ID: "stale", LastSeen: now.Add(-time.Minute)})

	removed := r.Purge(now, 30*time.Second)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get("stale")
	assert.False(t, ok)
}

func TestHealthyPeersFiltersByCapability(t *testing.T) {
	r := New()
	now := time.Now()
	r.Upsert(Record{ID: "a", LastSeen: now, Health: Healthy, Capabilities: []string{"tools"}})
	r.Upsert(Record{ID: "b", LastSeen: now, Health: Healthy, Capabilities: []string{"resources"}})
	r.Upsert(Record{ID: "c", LastSeen: now, Health: Suspect, Capabilities: []string{"tools"}})

	peers := r.HealthyPeers("tools")
	require.Len(t, peers, 1)
	assert.Equal(t, "a", peers[0].ID)

	assert.Len(t, r.HealthyPeers(""), 2)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := New()
	r.Upsert(Record{ID: "a", Epoch: 1})
	snap := r.Snapshot()
	r.Upsert(Record{ID: "b", Epoch: 1})

	assert.Len(t, snap, 1)
	assert.Equal(t, 2, r.Len())
}
