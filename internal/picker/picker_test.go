package picker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sugora-systems/sugora-gateway/internal/breaker"
	"github.com/sugora-systems/sugora-gateway/internal/registry"
)

func newTestPicker(t *testing.T, localLoad float64) (*Picker, *registry.Registry, *breaker.Manager) {
	t.Helper()
	reg := registry.New()
	breakers := breaker.NewDefaultCircuitBreakerManager()
	breakers.Register(LocalUpstreamID)
	p := New(reg, breakers, func() float64 { return localLoad })
	return p, reg, breakers
}

func TestPickEmptyRegistryReturnsLocal(t *testing.T) {
	p, _, _ := newTestPicker(t, 0.1)
	choice := p.Pick("tools/list")
	assert.True(t, choice.Local)
}

func TestPickExcludesOpenBreakerPeers(t *testing.T) {
	p, reg, breakers := newTestPicker(t, 0.9)
	reg.Upsert(registry.Record{ID: "peer1", Health: registry.Healthy, Capabilities: []string{"tools"}, Load: 0.1})

	cb := breakers.Register("peer1")
	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.IsOpen())

	choice := p.Pick("tools/list")
	assert.True(t, choice.Local, "open-breaker peer must never be chosen")
}

func TestPickExcludesPeerMissingCapability(t *testing.T) {
	p, reg, _ := newTestPicker(t, 0.9)
	reg.Upsert(registry.Record{ID: "peer1", Health: registry.Healthy, Capabilities: []string{"resources"}, Load: 0.0})

	choice := p.Pick("tools/list")
	assert.True(t, choice.Local)
}

func TestPickDistributionApproximatesWeights(t *testing.T) {
	p, reg, _ := newTestPicker(t, 0.9) // local heavily loaded
	reg.Upsert(registry.Record{ID: "peer1", Health: registry.Healthy, Capabilities: []string{"tools"}, Load: 0.1})

	localCount, peerCount := 0, 0
	for i := 0; i < 10000; i++ {
		choice := p.Pick("tools/list")
		if choice.Local {
			localCount++
		} else {
			peerCount++
		}
	}

	// local weight ~ (1-0.9)=0.1, peer weight ~ (1-0.1)=0.9 => peer chosen ~90% of the time.
	assert.Greater(t, peerCount, localCount)
	ratio := float64(peerCount) / float64(localCount+peerCount)
	assert.InDelta(t, 0.9, ratio, 0.05)
}

func TestPickEqualLoadIsApproximatelyUniform(t *testing.T) {
	p, reg, _ := newTestPicker(t, 0.5)
	reg.Upsert(registry.Record{ID: "peerA", Health: registry.Healthy, Capabilities: []string{"tools"}, Load: 0.5})
	reg.Upsert(registry.Record{ID: "peerB", Health: registry.Healthy, Capabilities: []string{"tools"}, Load: 0.5})

	counts := map[string]int{}
	const trials = 9000
	for i := 0; i < trials; i++ {
		choice := p.Pick("tools/list")
		if choice.Local {
			counts[LocalUpstreamID]++
		} else {
			counts[choice.Peer.ID]++
		}
	}

	for id, c := range counts {
		ratio := float64(c) / float64(trials)
		assert.InDelta(t, 1.0/3.0, ratio, 0.05, "upstream %s ratio out of bounds", id)
	}
}

func TestNamespaceOf(t *testing.T) {
	assert.Equal(t, "tools", namespaceOf("tools/list"))
	assert.Equal(t, "ping", namespaceOf("ping"))
}
