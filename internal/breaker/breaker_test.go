package breaker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.HalfOpenMaxRequests)
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := NewDefaultCircuitBreaker("test")
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.True(t, cb.IsClosed())
	assert.False(t, cb.IsOpen())
	assert.False(t, cb.IsHalfOpen())
}

func TestCircuitBreaker_RecordSuccess(t *testing.T) {
	cb := NewDefaultCircuitBreaker("test")
	require := assert.New(t)
	require.NoError(cb.Allow())
	cb.RecordSuccess()

	stats := cb.GetStats()
	require.Equal(int64(1), stats.TotalRequests)
	require.Equal(int64(1), stats.TotalSuccesses)
	require.Equal(int64(0), stats.TotalFailures)
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute, HalfOpenMaxRequests: 2}
	cb := NewCircuitBreaker("test", cfg)

	for i := 0; i < 3; i++ {
		assert.NoError(t, cb.Allow())
		cb.RecordFailure()
	}

	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 2, Timeout: time.Minute, HalfOpenMaxRequests: 1}
	cb := NewCircuitBreaker("test", cfg)

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	assert.True(t, cb.IsOpen())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 3, Timeout: 100 * time.Millisecond, HalfOpenMaxRequests: 5}
	cb := NewCircuitBreaker("test", cfg)

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	time.Sleep(150 * time.Millisecond)

	assert.NoError(t, cb.Allow())
	assert.True(t, cb.IsHalfOpen())
}

func TestCircuitBreaker_ClosesAfterSuccessesInHalfOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 100 * time.Millisecond, HalfOpenMaxRequests: 5}
	cb := NewCircuitBreaker("test", cfg)

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	time.Sleep(150 * time.Millisecond)

	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordSuccess()

	assert.True(t, cb.IsClosed())
}

func TestCircuitBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 100 * time.Millisecond, HalfOpenMaxRequests: 5}
	cb := NewCircuitBreaker("test", cfg)

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(150 * time.Millisecond)

	cb.Allow()
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 5, Timeout: 100 * time.Millisecond, HalfOpenMaxRequests: 2}
	cb := NewCircuitBreaker("test", cfg)

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(150 * time.Millisecond)

	assert.NoError(t, cb.Allow())
	assert.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitHalfOpenRejected)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := Config{FailureThreshold: 2}
	cb := NewCircuitBreaker("test", cfg)

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	cb.Reset()
	assert.True(t, cb.IsClosed())

	stats := cb.GetStats()
	assert.Equal(t, 0, stats.ConsecutiveFailures)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := NewDefaultCircuitBreaker("test-upstream")

	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()

	stats := cb.GetStats()
	assert.Equal(t, "test-upstream", stats.UpstreamID)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.TotalSuccesses)
	assert.Equal(t, int64(1), stats.TotalFailures)
}

func TestCircuitBreaker_Listener(t *testing.T) {
	cfg := Config{FailureThreshold: 2, Timeout: 100 * time.Millisecond}
	cb := NewCircuitBreaker("test", cfg)

	var mu sync.Mutex
	var stateChanges []CircuitState
	cb.AddListener(func(id string, old, new CircuitState) {
		mu.Lock()
		stateChanges = append(stateChanges, new)
		mu.Unlock()
	})

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Contains(t, stateChanges, CircuitOpen)
	mu.Unlock()
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb := NewDefaultCircuitBreaker("test")

	err := cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = cb.Call(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	stats := cb.GetStats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalFailures)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cfg := Config{FailureThreshold: 1000, SuccessThreshold: 5, Timeout: 100 * time.Millisecond, HalfOpenMaxRequests: 5}
	cb := NewCircuitBreaker("test", cfg)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() == nil {
				cb.RecordSuccess()
			}
			_ = cb.GetStats()
			_ = cb.GetState()
		}()
	}
	wg.Wait()

	stats := cb.GetStats()
	assert.Equal(t, int64(100), stats.TotalRequests)
}

func TestManager_RegisterGetUnregister(t *testing.T) {
	mgr := NewDefaultCircuitBreakerManager()

	cb := mgr.Register("test")
	assert.NotNil(t, cb)

	retrieved, exists := mgr.Get("test")
	assert.True(t, exists)
	assert.Equal(t, cb, retrieved)

	mgr.Unregister("test")
	_, exists = mgr.Get("test")
	assert.False(t, exists)
}

func TestManager_GetAllStats(t *testing.T) {
	mgr := NewDefaultCircuitBreakerManager()
	mgr.Register("upstream1")
	mgr.Register("upstream2")

	stats := mgr.GetAllStats()
	assert.Len(t, stats, 2)
	assert.Contains(t, stats, "upstream1")
	assert.Contains(t, stats, "upstream2")
}

func TestManager_GetAvailableUpstreams(t *testing.T) {
	cfg := Config{FailureThreshold: 2}
	mgr := NewCircuitBreakerManager(cfg)

	mgr.Register("healthy")
	cb := mgr.Register("unhealthy")
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	available := mgr.GetAvailableUpstreams()
	assert.Contains(t, available, "healthy")
	assert.NotContains(t, available, "unhealthy")
}

func TestManager_ResetAll(t *testing.T) {
	cfg := Config{FailureThreshold: 2}
	mgr := NewCircuitBreakerManager(cfg)

	cb1 := mgr.Register("p1")
	cb2 := mgr.Register("p2")

	cb1.Allow()
	cb1.RecordFailure()
	cb1.Allow()
	cb1.RecordFailure()
	cb2.Allow()
	cb2.RecordFailure()
	cb2.Allow()
	cb2.RecordFailure()

	assert.True(t, cb1.IsOpen())
	assert.True(t, cb2.IsOpen())

	mgr.ResetAll()

	assert.True(t, cb1.IsClosed())
	assert.True(t, cb2.IsClosed())
}

func TestFactor(t *testing.T) {
	assert.Equal(t, 1.0, Factor(CircuitClosed))
	assert.Equal(t, 0.3, Factor(CircuitHalfOpen))
	assert.Equal(t, 0.0, Factor(CircuitOpen))
}

// logrusWarnHook captures logrus Warn-level entries for test assertions.
type logrusWarnHook struct {
	mu      sync.Mutex
	entries []string
}

func (h *logrusWarnHook) Levels() []logrus.Level { return []logrus.Level{logrus.WarnLevel} }

func (h *logrusWarnHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	h.entries = append(h.entries, entry.Message)
	h.mu.Unlock()
	return nil
}

func (h *logrusWarnHook) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]string, len(h.entries))
	copy(cp, h.entries)
	return cp
}

func TestCircuitBreaker_ListenerNotifyTimeout(t *testing.T) {
	orig := listenerNotifyTimeoutNs.Load()
	listenerNotifyTimeoutNs.Store(int64(50 * time.Millisecond))
	defer listenerNotifyTimeoutNs.Store(orig)

	hook := &logrusWarnHook{}
	logrus.AddHook(hook)
	defer logrus.StandardLogger().ReplaceHooks(logrus.LevelHooks{})

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 500 * time.Millisecond, HalfOpenMaxRequests: 1}
	cb := NewCircuitBreaker("timeout-test", cfg)

	blockCh := make(chan struct{})
	cb.AddListener(func(id string, old, new CircuitState) {
		<-blockCh
	})

	cb.Allow()
	cb.RecordFailure()

	time.Sleep(200 * time.Millisecond)
	close(blockCh)

	found := false
	for _, m := range hook.messages() {
		if strings.Contains(m, "timed out") {
			found = true
			break
		}
	}
	assert.True(t, found, "expected a 'timed out' warn log")
}
