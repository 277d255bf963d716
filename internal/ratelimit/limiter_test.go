package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsUpToCapacity(t *testing.T) {
	l := New(2, 0)

	r1 := l.Allow("alice")
	r2 := l.Allow("alice")
	r3 := l.Allow("alice")

	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
	assert.False(t, r3.Allowed)
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New(1, 10) // 10 tokens/sec refill
	fakeNow := time.Now()
	l.now = func() time.Time { return fakeNow }

	r1 := l.Allow("bob")
	assert.True(t, r1.Allowed)

	r2 := l.Allow("bob")
	assert.False(t, r2.Allowed)

	fakeNow = fakeNow.Add(200 * time.Millisecond) // refills 2 tokens, capped at 1
	r3 := l.Allow("bob")
	assert.True(t, r3.Allowed)
}

func TestLimiter_PerPrincipalIsolation(t *testing.T) {
	l := New(1, 0)

	assert.True(t, l.Allow("alice").Allowed)
	assert.False(t, l.Allow("alice").Allowed)
	assert.True(t, l.Allow("bob").Allowed)
}

func TestLimiter_EvictsIdleBuckets(t *testing.T) {
	l := New(1, 0).WithIdleTTL(time.Millisecond)
	fakeNow := time.Now()
	l.now = func() time.Time { return fakeNow }

	l.Allow("alice")
	assert.Equal(t, 1, l.Len())

	fakeNow = fakeNow.Add(10 * time.Millisecond)
	l.Allow("bob")
	assert.Equal(t, 1, l.Len()) // alice evicted, bob present
}

func TestLimiter_AdmissionRateBound(t *testing.T) {
	capacity, refillPerSec := 5.0, 10.0
	l := New(capacity, refillPerSec)
	fakeNow := time.Now()
	l.now = func() time.Time { return fakeNow }

	admitted := 0
	for i := 0; i < 100; i++ {
		if l.Allow("carol").Allowed {
			admitted++
		}
	}
	// Within an instant (no elapsed time), admission cannot exceed capacity.
	assert.LessOrEqual(t, admitted, int(capacity))
}
