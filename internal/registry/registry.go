// Package registry implements the in-memory peer registry (C8): a
// concurrent map from peer id to PeerRecord, merged under a
// last-writer-wins rule keyed by epoch so that concurrent discovery
// sources and exchange rounds commute.
package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Health is a peer's coarse liveness state.
type Health int

const (
	Healthy Health = iota
	Suspect
	Dead
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Record is a PeerRecord per spec §3: a peer's address, freshness,
// health, load, protocol capabilities, and gossip epoch.
type Record struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	LastSeen     time.Time `json:"last_seen"`
	Health       Health    `json:"health"`
	Load         float64   `json:"load"`
	Capabilities []string  `json:"capabilities"`
	Epoch        uint64    `json:"epoch"`
}

// hasCapability reports whether namespace is present in the record's
// capability set.
func (r Record) hasCapability(namespace string) bool {
	for _, c := range r.Capabilities {
		if c == namespace {
			return true
		}
	}
	return false
}

// Registry is the concurrent peer-id -> Record map. The zero value is
// not usable; construct with New.
type Registry struct {
	mu   sync.RWMutex
	data map[string]Record
	log  *logrus.Entry
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		data: make(map[string]Record),
		log:  logrus.WithField("component", "registry"),
	}
}

// Upsert merges record into the registry: the record with the higher
// epoch wins; on equal epoch, the fresher LastSeen wins. This makes
// concurrent upserts from independent discovery sources commutative,
// per spec §4.8/§8.
func (r *Registry) Upsert(record Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.data[record.ID]
	if !ok {
		r.data[record.ID] = record
		return
	}

	if record.Epoch > existing.Epoch {
		r.data[record.ID] = record
		return
	}
	if record.Epoch == existing.Epoch && record.LastSeen.After(existing.LastSeen) {
		r.data[record.ID] = record
	}
}

// Purge drops every record whose LastSeen is older than freshness
// relative to now.
func (r *Registry) Purge(now time.Time, freshness time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.data {
		if now.Sub(rec.LastSeen) > freshness {
			delete(r.data, id)
			removed++
		}
	}
	if removed > 0 {
		r.log.WithField("removed", removed).Debug("registry: purged stale peers")
	}
	return removed
}

// Snapshot returns a cheap, independent copy of every known record,
// safe to range over without holding the registry lock.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.data))
	for _, rec := range r.data {
		out = append(out, rec)
	}
	return out
}

// Get returns a single record by id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[id]
	return rec, ok
}

// Len reports the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// HealthyPeers returns every record in Healthy state that advertises
// namespace among its capabilities (an empty namespace matches any
// record, used by callers that only care about liveness).
func (r *Registry) HealthyPeers(namespace string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.data))
	for _, rec := range r.data {
		if rec.Health != Healthy {
			continue
		}
		if namespace != "" && !rec.hasCapability(namespace) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Remove deletes a single record, used when an exchange round or
// breaker observes a peer has disappeared outright.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, id)
}
