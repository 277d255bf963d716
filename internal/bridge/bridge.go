// Package bridge implements the single-writer connection to the
// downstream MCP service. All Edge Service requests funnel through a
// bounded channel to one background task, which owns the upstream
// connection and a correlation table from request id to reply slot.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultQueueCapacity is the default bound on pending BridgeMsgs.
const DefaultQueueCapacity = 1024

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// ErrUpstreamUnavailable is delivered to every outstanding reply slot
// when the upstream connection is lost or the bridge shuts down.
var ErrUpstreamUnavailable = fmt.Errorf("bridge: upstream unavailable")

// BridgeMsg is one request handed to the bridge: a canonical
// JSON-RPC envelope plus the one-shot slot its reply is delivered to.
type BridgeMsg struct {
	ID     string
	Body   map[string]interface{}
	replyC chan reply
}

type reply struct {
	body map[string]interface{}
	err  error
}

// Transport sends a single canonical JSON-RPC request to the upstream
// MCP service and returns its canonical JSON-RPC response. The default
// implementation, NewHTTPTransport, posts to an HTTP endpoint; tests
// substitute a stub.
type Transport interface {
	Send(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error)
}

// Bridge owns the single receiver end of the request channel and the
// correlation table. Senders obtain a cloneable handle via Sender.
type Bridge struct {
	transport Transport
	queue     chan BridgeMsg
	log       *logrus.Entry

	mu      sync.Mutex
	pending map[string]chan reply

	closed chan struct{}
	ready  atomic.Bool
}

// New builds a Bridge with the given transport and queue capacity (0
// uses DefaultQueueCapacity). Call Run to start the background task.
func New(transport Transport, capacity int) *Bridge {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Bridge{
		transport: transport,
		queue:     make(chan BridgeMsg, capacity),
		pending:   make(map[string]chan reply),
		log:       logrus.WithField("component", "bridge"),
		closed:    make(chan struct{}),
	}
}

// Ready reports whether the bridge's background task is currently
// running, used by the readiness probe (spec §6 GET /readyz).
func (b *Bridge) Ready() bool {
	return b.ready.Load()
}

// Sender returns a handle Edge Service tasks use to submit requests.
// The handle may be cloned freely; it carries no mutable state of its
// own beyond a reference to the bridge's queue.
func (b *Bridge) Sender() *Sender {
	return &Sender{bridge: b}
}

// Sender is the cloneable handle Edge tasks use to talk to the bridge.
type Sender struct {
	bridge *Bridge
}

// Send enqueues body and blocks until a reply arrives, ctx is
// cancelled, or deadline elapses first (whichever comes first).
func (s *Sender) Send(ctx context.Context, id string, body map[string]interface{}) (map[string]interface{}, error) {
	replyC := make(chan reply, 1)
	msg := BridgeMsg{ID: id, Body: body, replyC: replyC}

	select {
	case s.bridge.queue <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.bridge.closed:
		return nil, ErrUpstreamUnavailable
	}

	select {
	case r := <-replyC:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is the bridge's single background task: it owns the receiver
// end of the queue and the correlation table, reconnecting with
// exponential backoff on transport failure. Run blocks until ctx is
// cancelled, at which point it drains the correlation table, failing
// every outstanding reply with ErrUpstreamUnavailable.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.closed)
	defer b.failAllPending()
	defer b.ready.Store(false)

	b.ready.Store(true)
	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.queue:
			b.registerLocked(msg.ID, msg.replyC)
			sent := make(chan reply, 1)
			go func() {
				body, err := b.transport.Send(ctx, msg.Body)
				sent <- reply{body: body, err: err}
			}()
			var r reply
			select {
			case r = <-sent:
			case <-ctx.Done():
				// The deferred failAllPending fails this request's slot.
				return nil
			}
			b.deliverLocked(msg.ID, r.body, r.err)
			err := r.err

			if err != nil {
				b.log.WithError(err).Warn("bridge transport error, backing off before retry")
				select {
				case <-time.After(jitter(backoff)):
				case <-ctx.Done():
					return nil
				}
				backoff = nextBackoff(backoff)
			} else {
				backoff = backoffBase
			}
		}
	}
}

func (b *Bridge) registerLocked(id string, replyC chan reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[id] = replyC
}

// deliverLocked looks up id's slot and delivers exactly once. A
// response for an unknown id (already delivered, or never registered
// due to a racing shutdown) is dropped with a warning rather than
// panicking.
func (b *Bridge) deliverLocked(id string, body map[string]interface{}, err error) {
	b.mu.Lock()
	replyC, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		b.log.WithField("request_id", id).Warn("bridge: response for unknown or already-delivered request id")
		return
	}
	replyC <- reply{body: body, err: err}
}

func (b *Bridge) failAllPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, replyC := range b.pending {
		replyC <- reply{err: ErrUpstreamUnavailable}
		delete(b.pending, id)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

// jitter returns d plus up to 20% random jitter, so that many bridges
// reconnecting at once do not thunder against the upstream together.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// NewHTTPTransport builds a Transport that POSTs the canonical
// envelope as JSON to upstreamURL and decodes the JSON response body.
func NewHTTPTransport(upstreamURL string, client *http.Client, timeout time.Duration) Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpTransport{url: upstreamURL, client: client, timeout: timeout}
}

type httpTransport struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func (t *httpTransport) Send(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("bridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: upstream returned %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bridge: decode response: %w", err)
	}
	return out, nil
}
