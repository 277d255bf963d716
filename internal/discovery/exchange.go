package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sugora-systems/sugora-gateway/internal/concurrency"
	"github.com/sugora-systems/sugora-gateway/internal/registry"
)

// exchangeFanout is K in spec §4.9: the number of random healthy
// peers contacted per exchange round.
const exchangeFanout = 3

// Exchange drives the always-on HTTP peer-exchange source: every
// interval it POSTs a signed snapshot of the local registry (plus
// this instance's own record) to a handful of random healthy peers,
// and upserts whatever they return.
type Exchange struct {
	selfID       string
	selfRecord   func() registry.Record
	interval     time.Duration
	sharedSecret string
	reg          *registry.Registry
	client       *http.Client
	pool         *concurrency.WorkerPool
	log          *logrus.Entry
}

// NewExchange builds an Exchange source. selfRecord is called at the
// start of every round to capture this instance's current address,
// load, and epoch. Each round's fanout (exchangeFanout peers) runs on
// a small bounded worker pool so one slow or unreachable peer cannot
// delay the rest of the round.
func NewExchange(selfID string, selfRecord func() registry.Record, interval time.Duration, sharedSecret string, reg *registry.Registry) *Exchange {
	pool := concurrency.NewWorkerPool(&concurrency.PoolConfig{
		Workers:     exchangeFanout,
		QueueSize:   exchangeFanout * 2,
		TaskTimeout: 3 * time.Second,
	})
	pool.Start()

	return &Exchange{
		selfID:       selfID,
		selfRecord:   selfRecord,
		interval:     interval,
		sharedSecret: sharedSecret,
		reg:          reg,
		client:       &http.Client{Timeout: 3 * time.Second},
		pool:         pool,
		log:          logrus.WithField("component", "discovery.exchange"),
	}
}

// Run performs exchange rounds on the configured interval until ctx
// is cancelled.
func (e *Exchange) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	defer e.pool.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.roundOnce(ctx)
		}
	}
}

// roundOnce contacts every target peer concurrently via the bounded
// worker pool and waits for the whole batch, logging per-peer
// failures without letting one unreachable peer stall the round.
func (e *Exchange) roundOnce(ctx context.Context) {
	targets := e.pickTargets()
	if len(targets) == 0 {
		return
	}

	payload := e.buildPayload()

	tasks := make([]concurrency.Task, len(targets))
	for i, peer := range targets {
		peer := peer
		tasks[i] = concurrency.NewTaskFunc(peer.ID, func(taskCtx context.Context) (interface{}, error) {
			return nil, e.exchangeWith(taskCtx, peer, payload)
		})
	}

	results, err := e.pool.SubmitBatchWait(ctx, tasks)
	if err != nil {
		e.log.WithError(err).Warn("peer exchange round did not complete cleanly")
	}
	for _, result := range results {
		if result.Error != nil {
			e.log.WithError(result.Error).WithField("peer", result.TaskID).Warn("peer exchange round failed")
		}
	}
}

func (e *Exchange) buildPayload() Payload {
	snapshot := e.reg.Snapshot()
	if e.selfRecord != nil {
		snapshot = append(snapshot, e.selfRecord())
	}

	payload := Payload{Epoch: maxEpoch(snapshot), Peers: snapshot}
	if err := payload.Sign(e.sharedSecret); err != nil {
		e.log.WithError(err).Error("failed to sign exchange payload")
	}
	return payload
}

func (e *Exchange) pickTargets() []registry.Record {
	healthy := e.reg.HealthyPeers("")
	if len(healthy) <= exchangeFanout {
		return healthy
	}

	rand.Shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
	return healthy[:exchangeFanout]
}

func (e *Exchange) exchangeWith(ctx context.Context, peer registry.Record, payload Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal exchange payload: %w", err)
	}

	url := "http://" + peer.Address + "/peers/exchange"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send exchange request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s returned status %d", peer.ID, resp.StatusCode)
	}

	var reply Payload
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode exchange reply: %w", err)
	}

	IngestPayload(e.reg, reply, e.sharedSecret, e.log)
	return nil
}

// IngestPayload verifies payload's signature and, if valid, upserts
// every peer record it carries. Shared by the client round above and
// by the Edge Service's /peers/exchange handler.
func IngestPayload(reg *registry.Registry, payload Payload, sharedSecret string, log *logrus.Entry) {
	if !payload.Verify(sharedSecret) {
		if log != nil {
			log.Warn("peer exchange: signature mismatch, payload ignored")
		}
		return
	}
	for _, rec := range payload.Peers {
		reg.Upsert(rec)
	}
}

func maxEpoch(records []registry.Record) uint64 {
	var max uint64
	for _, r := range records {
		if r.Epoch > max {
			max = r.Epoch
		}
	}
	return max
}
