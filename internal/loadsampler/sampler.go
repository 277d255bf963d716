// Package loadsampler implements the periodic local-load reading
// described for C10: every second it combines process CPU fraction,
// resident memory fraction, and the current in-flight request count
// into a single scalar, and publishes it onto the local PeerRecord so
// the next exchange round gossips it to peers.
package loadsampler

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/sugora-systems/sugora-gateway/internal/metrics"
)

const sampleInterval = 1 * time.Second

// Weights for the composite load score, per spec §4.10:
// load = 0.5*cpu + 0.2*mem + 0.3*min(inflight/target, 1)
const (
	cpuWeight       = 0.5
	memWeight       = 0.2
	inflightWeight  = 0.3
	defaultTarget   = 100
)

// Sampler reads local resource usage on a fixed tick and exposes the
// latest composite load score for the Edge Service's local
// PeerRecord and the Picker's candidate weighting.
type Sampler struct {
	inflight    atomic.Int64
	target      float64
	score       atomic.Uint64 // math.Float64bits(score)
	metrics     *metrics.Gateway
	log         *logrus.Entry
	cpuPercent  func() (float64, error)
	memFraction func() (float64, error)
}

// New builds a Sampler. target is the in-flight count considered
// "fully loaded" for the inflight term (spec default 100); m may be
// nil in tests that don't need metric export.
func New(target int, m *metrics.Gateway) *Sampler {
	if target <= 0 {
		target = defaultTarget
	}
	s := &Sampler{
		target:  float64(target),
		metrics: m,
		log:     logrus.WithField("component", "loadsampler"),
	}
	s.cpuPercent = defaultCPUPercent
	s.memFraction = defaultMemFraction
	return s
}

func defaultCPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0] / 100.0, nil
}

func defaultMemFraction() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100.0, nil
}

// IncInflight marks the start of a request; callers must call
// DecInflight when it completes. Used to compute the inflight term.
func (s *Sampler) IncInflight() {
	n := s.inflight.Add(1)
	if s.metrics != nil {
		s.metrics.InflightRequests.Set(float64(n))
	}
}

// DecInflight marks the completion of a request started with IncInflight.
func (s *Sampler) DecInflight() {
	n := s.inflight.Add(-1)
	if s.metrics != nil {
		s.metrics.InflightRequests.Set(float64(n))
	}
}

// Score returns the most recently computed composite load score.
// Before the first tick it is 0 (fully available).
func (s *Sampler) Score() float64 {
	return math.Float64frombits(s.score.Load())
}

// Run samples on a fixed interval until ctx is cancelled, per C13's
// start(shutdown_watch) contract.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	s.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	cpuFrac, err := s.cpuPercent()
	if err != nil {
		s.log.WithError(err).Warn("loadsampler: cpu read failed, treating as 0")
		cpuFrac = 0
	}
	memFrac, err := s.memFraction()
	if err != nil {
		s.log.WithError(err).Warn("loadsampler: mem read failed, treating as 0")
		memFrac = 0
	}
	inflightFrac := float64(s.inflight.Load()) / s.target
	if inflightFrac > 1 {
		inflightFrac = 1
	}

	score := cpuWeight*cpuFrac + memWeight*memFrac + inflightWeight*inflightFrac
	s.score.Store(math.Float64bits(score))

	if s.metrics != nil {
		s.metrics.LoadScore.Set(score)
	}
}
