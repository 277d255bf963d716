// Package picker implements the weighted-random upstream selection
// described for C11: given a request's method, it chooses between
// the local upstream and healthy peers using a load- and
// breaker-state-weighted draw.
package picker

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/sugora-systems/sugora-gateway/internal/breaker"
	"github.com/sugora-systems/sugora-gateway/internal/registry"
)

// LocalUpstreamID is the sentinel upstream key the local Bridge is
// registered under in the breaker Manager, matching spec §3 ("local").
const LocalUpstreamID = "local"

// epsilon prevents total starvation of a candidate set whose summed
// weight would otherwise be (near) zero.
const epsilon = 1e-3

// Choice is the picker's output: either Local or a specific peer id.
type Choice struct {
	Peer  registry.Record
	Local bool
}

// Picker selects an upstream for each request using the registry,
// breaker manager, and the local load score.
type Picker struct {
	registry   *registry.Registry
	breakers   *breaker.Manager
	localLoad  func() float64
	mu         sync.Mutex
	randSource *rand.Rand
}

// New builds a Picker. localLoad reports the gateway's own current
// composite load score (see loadsampler.Sampler.Score).
func New(reg *registry.Registry, breakers *breaker.Manager, localLoad func() float64) *Picker {
	return &Picker{
		registry:   reg,
		breakers:   breakers,
		localLoad:  localLoad,
		randSource: rand.New(rand.NewSource(1)),
	}
}

type candidate struct {
	id     string
	rec    registry.Record
	local  bool
	weight float64
}

// namespaceOf returns the method's namespace prefix (the segment
// before the first "/"), or the method itself when there is none —
// used to match requests against peer capability strings.
func namespaceOf(method string) string {
	if i := strings.IndexByte(method, '/'); i >= 0 {
		return method[:i]
	}
	return method
}

// Pick chooses an upstream for method. It never returns an error: an
// empty or fully-unavailable candidate set degrades to Local, per
// spec §4.11 step 3.
func (p *Picker) Pick(method string) Choice {
	namespace := namespaceOf(method)

	candidates := p.buildCandidates(namespace)

	total := 0.0
	for _, c := range candidates {
		total += c.weight
	}
	if len(candidates) == 0 || total <= epsilon {
		return Choice{Local: true}
	}

	return p.draw(candidates, total, method)
}

func (p *Picker) buildCandidates(namespace string) []candidate {
	candidates := make([]candidate, 0, 4)

	localBreaker, _ := p.breakers.Get(LocalUpstreamID)
	localFactor := 1.0
	if localBreaker != nil {
		localFactor = breaker.Factor(localBreaker.GetState())
	}
	localLoad := 0.0
	if p.localLoad != nil {
		localLoad = p.localLoad()
	}
	candidates = append(candidates, candidate{
		id:     LocalUpstreamID,
		local:  true,
		weight: weightOf(localLoad, localFactor),
	})

	for _, rec := range p.registry.HealthyPeers(namespace) {
		cb, ok := p.breakers.Get(rec.ID)
		factor := 1.0
		if ok {
			factor = breaker.Factor(cb.GetState())
		}
		if factor == 0 {
			continue // Open breaker excludes the peer from the candidate set entirely.
		}
		candidates = append(candidates, candidate{
			id:     rec.ID,
			rec:    rec,
			weight: weightOf(rec.Load, factor),
		})
	}

	// Deterministic ordering so repeated draws with the same RNG seed
	// are reproducible across runs, per spec §4.11 step 4.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	return candidates
}

// weightOf implements w(c) = max(eps, (1 - load(c)) * breakerFactor(c)).
func weightOf(load, breakerFactor float64) float64 {
	w := (1 - load) * breakerFactor
	if w < epsilon {
		return epsilon
	}
	return w
}

func (p *Picker) draw(candidates []candidate, total float64, method string) Choice {
	p.mu.Lock()
	r := p.randSource.Float64() * total
	p.mu.Unlock()

	acc := 0.0
	for _, c := range candidates {
		acc += c.weight
		if r <= acc {
			return choiceOf(c)
		}
	}
	// Floating point rounding occasionally leaves r just past the last
	// boundary; fall back to a deterministic choice keyed on the
	// method's hash rather than always favoring the same candidate.
	idx := int(hashID(method) % uint32(len(candidates)))
	return choiceOf(candidates[idx])
}

func choiceOf(c candidate) Choice {
	if c.local {
		return Choice{Local: true}
	}
	return Choice{Peer: c.rec}
}

// hashID produces a stable FNV-1a uint32 from a string; draw uses it on
// the method to pick the rounding fallback deterministically.
func hashID(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32()
}
