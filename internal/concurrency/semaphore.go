// Package concurrency provides the bounded-concurrency primitives the
// gateway's own request pipeline and background tasks run on: a
// counting Semaphore bounding the Edge Service's total in-flight
// upstream forwards (spec §4.12/§5), and a small WorkerPool bounding
// discovery's HTTP peer-exchange fan-out (spec §4.9).
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Semaphore is a counting semaphore used to cap the number of
// concurrent operations against a shared resource.
type Semaphore struct {
	ch      chan struct{}
	mu      sync.Mutex
	max     int
	current int
}

// NewSemaphore builds a Semaphore admitting up to max concurrent holders.
func NewSemaphore(max int) *Semaphore {
	return &Semaphore{
		ch:  make(chan struct{}, max),
		max: max,
	}
}

// Acquire blocks until a slot is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.current++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireWithTimeout is Acquire bounded by a fixed timeout.
func (s *Semaphore) AcquireWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Acquire(ctx)
}

// TryAcquire acquires a slot without blocking, reporting whether one
// was available.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.current++
		s.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees one previously acquired slot.
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
		s.mu.Lock()
		if s.current > 0 {
			s.current--
		}
		s.mu.Unlock()
	default:
	}
}

// Current reports the number of slots currently held.
func (s *Semaphore) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Available reports the number of free slots.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max - s.current
}

// Close releases the semaphore's internal channel. It must not be
// called while holders remain outstanding.
func (s *Semaphore) Close() {
	close(s.ch)
}
