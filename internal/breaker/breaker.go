// Package breaker implements the per-upstream circuit breaker state
// machine (Closed/Open/HalfOpen) described for the edge gateway.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitState is one of Closed, Open, or HalfOpen.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when a request is short-circuited because
	// the breaker is Open.
	ErrCircuitOpen = errors.New("breaker: circuit open")
	// ErrCircuitHalfOpenRejected is returned when the half-open probe
	// budget for this upstream is exhausted.
	ErrCircuitHalfOpenRejected = errors.New("breaker: half-open probe limit reached")
)

// Config tunes a single breaker's thresholds.
type Config struct {
	FailureThreshold    int
	SuccessThreshold    int
	Timeout             time.Duration
	HalfOpenMaxRequests int
}

// DefaultConfig mirrors the gateway's default circuit tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	UpstreamID           string
	State                CircuitState
	TotalRequests        int64
	TotalSuccesses       int64
	TotalFailures        int64
	ConsecutiveFailures  int
	HalfOpenInFlight     int
	LastStateChange      time.Time
}

// Listener is notified on every state transition.
type Listener func(upstreamID string, oldState, newState CircuitState)

// listenerNotifyTimeoutNs bounds how long a single listener callback may
// run before a warning is logged; overridable in tests.
var listenerNotifyTimeoutNs atomic.Int64

func init() {
	listenerNotifyTimeoutNs.Store(int64(2 * time.Second))
}

// CircuitBreaker tracks consecutive failures for one upstream key (a
// peer id or the sentinel "local") and fast-fails once it trips open.
type CircuitBreaker struct {
	id     string
	config Config

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	successesInHalfOpen int
	halfOpenInFlight    int
	lastStateChange     time.Time

	totalRequests  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64

	listenersMu sync.Mutex
	listeners   []Listener

	log *logrus.Entry
}

// NewDefaultCircuitBreaker constructs a breaker with DefaultConfig().
func NewDefaultCircuitBreaker(id string) *CircuitBreaker {
	return NewCircuitBreaker(id, DefaultConfig())
}

// NewCircuitBreaker constructs a breaker for the given upstream key. A
// non-positive Timeout falls back to DefaultConfig's.
func NewCircuitBreaker(id string, config Config) *CircuitBreaker {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &CircuitBreaker{
		id:              id,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
		log:             logrus.WithField("component", "breaker").WithField("upstream", id),
	}
}

// GetState returns the current breaker state, transitioning Open to
// HalfOpen as a side effect if the open timeout has elapsed.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTimeoutLocked()
	return cb.state
}

func (cb *CircuitBreaker) IsClosed() bool   { return cb.GetState() == CircuitClosed }
func (cb *CircuitBreaker) IsOpen() bool     { return cb.GetState() == CircuitOpen }
func (cb *CircuitBreaker) IsHalfOpen() bool { return cb.GetState() == CircuitHalfOpen }

// maybeTimeoutLocked transitions Open -> HalfOpen once the configured
// Timeout has elapsed. Caller must hold cb.mu.
func (cb *CircuitBreaker) maybeTimeoutLocked() {
	if cb.state == CircuitOpen && time.Since(cb.lastStateChange) >= cb.config.Timeout {
		cb.transitionToLocked(CircuitHalfOpen)
		cb.successesInHalfOpen = 0
		cb.halfOpenInFlight = 0
	}
}

// Allow reports whether a request against this upstream may proceed,
// admitting up to HalfOpenMaxRequests probes while HalfOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTimeoutLocked()

	switch cb.state {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxRequests {
			return ErrCircuitHalfOpenRejected
		}
		cb.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a successful call against this upstream.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.totalRequests.Add(1)
	cb.totalSuccesses.Add(1)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successesInHalfOpen++
		if cb.config.SuccessThreshold <= 0 || cb.successesInHalfOpen >= cb.config.SuccessThreshold {
			cb.transitionToLocked(CircuitClosed)
			cb.consecutiveFailures = 0
			cb.successesInHalfOpen = 0
			cb.halfOpenInFlight = 0
		}
	case CircuitClosed:
		cb.consecutiveFailures = 0
	}
}

// RecordFailure reports a failed call against this upstream. A timeout
// counts as a failure per the pipeline's error-handling policy.
func (cb *CircuitBreaker) RecordFailure() {
	cb.totalRequests.Add(1)
	cb.totalFailures.Add(1)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.transitionToLocked(CircuitOpen)
		cb.successesInHalfOpen = 0
		cb.halfOpenInFlight = 0
	case CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionToLocked(CircuitOpen)
		}
	}
}

// Call is a convenience wrapper: it gates fn behind Allow and reports
// the outcome automatically.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Reset forces the breaker back to Closed and zeroes its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionToLocked(CircuitClosed)
	cb.consecutiveFailures = 0
	cb.successesInHalfOpen = 0
	cb.halfOpenInFlight = 0
}

// GetStats snapshots the breaker's counters.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		UpstreamID:          cb.id,
		State:               cb.state,
		TotalRequests:       cb.totalRequests.Load(),
		TotalSuccesses:      cb.totalSuccesses.Load(),
		TotalFailures:       cb.totalFailures.Load(),
		ConsecutiveFailures: cb.consecutiveFailures,
		HalfOpenInFlight:    cb.halfOpenInFlight,
		LastStateChange:     cb.lastStateChange,
	}
}

// AddListener registers a callback invoked on every state transition.
func (cb *CircuitBreaker) AddListener(l Listener) {
	cb.listenersMu.Lock()
	defer cb.listenersMu.Unlock()
	cb.listeners = append(cb.listeners, l)
}

// transitionToLocked changes state and notifies listeners, waiting up
// to listenerNotifyTimeoutNs for each one; caller must hold cb.mu.
func (cb *CircuitBreaker) transitionToLocked(newState CircuitState) {
	old := cb.state
	if old == newState {
		return
	}
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.log.WithFields(logrus.Fields{"from": old, "to": newState}).Info("circuit state transition")
	cb.notifyListeners(old, newState)
}

func (cb *CircuitBreaker) notifyListeners(old, new CircuitState) {
	cb.listenersMu.Lock()
	listeners := make([]Listener, len(cb.listeners))
	copy(listeners, cb.listeners)
	cb.listenersMu.Unlock()

	for _, l := range listeners {
		l := l
		done := make(chan struct{})
		go func() {
			defer close(done)
			l(cb.id, old, new)
		}()
		select {
		case <-done:
		case <-time.After(time.Duration(listenerNotifyTimeoutNs.Load())):
			cb.log.Warn("breaker listener notification timed out")
		}
	}
}

// Manager owns a set of per-upstream breakers keyed by upstream id.
type Manager struct {
	config Config

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewDefaultCircuitBreakerManager builds a Manager using DefaultConfig().
func NewDefaultCircuitBreakerManager() *Manager {
	return NewCircuitBreakerManager(DefaultConfig())
}

// NewCircuitBreakerManager builds a Manager that stamps new breakers
// with config.
func NewCircuitBreakerManager(config Config) *Manager {
	return &Manager{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Register creates (or returns the existing) breaker for id.
func (m *Manager) Register(id string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[id]; ok {
		return cb
	}
	cb := NewCircuitBreaker(id, m.config)
	m.breakers[id] = cb
	return cb
}

// Get returns the breaker for id if registered.
func (m *Manager) Get(id string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[id]
	return cb, ok
}

// Unregister drops the breaker for id.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, id)
}

// GetAllStats snapshots every registered breaker.
func (m *Manager) GetAllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for id, cb := range m.breakers {
		out[id] = cb.GetStats()
	}
	return out
}

// GetAvailableUpstreams returns ids whose breaker is not Open.
func (m *Manager) GetAvailableUpstreams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, cb := range m.breakers {
		if !cb.IsOpen() {
			out = append(out, id)
		}
	}
	return out
}

// ResetAll resets every registered breaker to Closed.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}

// Factor returns the routing weight multiplier for state s, per the
// metric picker's weighting formula (1.0 Closed, 0.3 HalfOpen, 0 Open).
func Factor(s CircuitState) float64 {
	switch s {
	case CircuitClosed:
		return 1.0
	case CircuitHalfOpen:
		return 0.3
	default:
		return 0
	}
}
