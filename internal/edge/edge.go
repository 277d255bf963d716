// Package edge implements the Edge Service (C12): the per-request
// pipeline that accepts a connection, authenticates and rate-limits
// it, normalizes its body into canonical JSON-RPC, picks an upstream,
// forwards the request, and denormalizes and writes the response.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sugora-systems/sugora-gateway/internal/authn"
	"github.com/sugora-systems/sugora-gateway/internal/breaker"
	"github.com/sugora-systems/sugora-gateway/internal/bridge"
	"github.com/sugora-systems/sugora-gateway/internal/concurrency"
	"github.com/sugora-systems/sugora-gateway/internal/discovery"
	"github.com/sugora-systems/sugora-gateway/internal/gwerrors"
	"github.com/sugora-systems/sugora-gateway/internal/metrics"
	"github.com/sugora-systems/sugora-gateway/internal/normalize"
	"github.com/sugora-systems/sugora-gateway/internal/picker"
	"github.com/sugora-systems/sugora-gateway/internal/ratelimit"
	"github.com/sugora-systems/sugora-gateway/internal/registry"
	"github.com/sugora-systems/sugora-gateway/internal/telemetry"
)

// MaxBodyBytes bounds the request body read per spec §4.12 step 3.
const MaxBodyBytes = 1 << 20 // 1 MiB

// DefaultBridgeTimeout is the deadline for a local bridge round trip.
const DefaultBridgeTimeout = 30 * time.Second

// DefaultPeerTimeout is the deadline for a forwarded peer request.
const DefaultPeerTimeout = 2 * time.Second

// DefaultMaxInflight bounds the number of requests being forwarded to
// an upstream at once, independent of per-principal rate limiting.
const DefaultMaxInflight = 4096

// Service owns the Rate Limiter, Circuit Breaker manager, a Bridge
// Sender, and a handle to the Peer Registry, per spec §3's ownership
// rules, and assembles them into the HTTP pipeline.
type Service struct {
	authn        *authn.Authenticator
	limiter      ratelimit.Allower
	breakers     *breaker.Manager
	bridgeSender *bridge.Sender
	bridgeReady  func() bool
	picker       *picker.Picker
	registry     *registry.Registry
	metrics      *metrics.Gateway
	peerClient   *http.Client
	sharedSecret string
	inflight     *concurrency.Semaphore
	loadSampler  InflightSampler

	bridgeTimeout time.Duration
	peerTimeout   time.Duration

	log *logrus.Entry
}

// InflightSampler is the subset of loadsampler.Sampler the Edge
// Service needs to keep the local load score's inflight term live.
type InflightSampler interface {
	IncInflight()
	DecInflight()
}

// Options configures Service dependencies that have sane defaults.
type Options struct {
	BridgeTimeout time.Duration
	PeerTimeout   time.Duration
	PeerClient    *http.Client
	MaxInflight   int
	LoadSampler   InflightSampler
}

// New assembles a Service from its component dependencies.
func New(a *authn.Authenticator, limiter ratelimit.Allower, breakers *breaker.Manager, sender *bridge.Sender, bridgeReady func() bool, pick *picker.Picker, reg *registry.Registry, m *metrics.Gateway, sharedSecret string, opts Options) *Service {
	if opts.BridgeTimeout <= 0 {
		opts.BridgeTimeout = DefaultBridgeTimeout
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = DefaultPeerTimeout
	}
	if opts.PeerClient == nil {
		opts.PeerClient = &http.Client{Timeout: opts.PeerTimeout}
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = DefaultMaxInflight
	}

	return &Service{
		authn:         a,
		limiter:       limiter,
		breakers:      breakers,
		bridgeSender:  sender,
		bridgeReady:   bridgeReady,
		picker:        pick,
		registry:      reg,
		metrics:       m,
		peerClient:    opts.PeerClient,
		sharedSecret:  sharedSecret,
		inflight:      concurrency.NewSemaphore(opts.MaxInflight),
		loadSampler:   opts.LoadSampler,
		bridgeTimeout: opts.BridgeTimeout,
		peerTimeout:   opts.PeerTimeout,
		log:           logrus.WithField("component", "edge"),
	}
}

// Router builds the gin.Engine serving every listener (spec §6): the
// normalizing catch-all, the raw peer-to-peer /rpc endpoint, the MCP
// Streamable HTTP endpoint, peer exchange, and the health probes.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/rpc", s.handleRPC)
	r.POST("/mcp", s.handleNormalize)
	r.POST("/mcp/*rest", s.handleNormalize)
	r.POST("/peers/exchange", s.handlePeerExchange)
	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			s.handleNormalize(c)
			return
		}
		c.Status(http.StatusNotFound)
	})
	return r
}

func (s *Service) handleHealthz(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Service) handleReadyz(c *gin.Context) {
	bridgeUp := s.bridgeReady == nil || s.bridgeReady()
	localBreaker, _ := s.breakers.Get(picker.LocalUpstreamID)
	localAvailable := localBreaker == nil || !localBreaker.IsOpen()
	anyPeer := len(s.registry.HealthyPeers("")) > 0

	if bridgeUp && (localAvailable || anyPeer) {
		c.Status(http.StatusOK)
		return
	}
	c.Status(http.StatusServiceUnavailable)
}

// handlePeerExchange accepts a signed registry snapshot from a peer,
// upserts the valid entries, and replies with our own snapshot in the
// same shape (spec §6).
func (s *Service) handlePeerExchange(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	var payload discovery.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	discovery.IngestPayload(s.registry, payload, s.sharedSecret, s.log)

	reply := discovery.Payload{Peers: s.registry.Snapshot()}
	for _, rec := range reply.Peers {
		if rec.Epoch > reply.Epoch {
			reply.Epoch = rec.Epoch
		}
	}
	if err := reply.Sign(s.sharedSecret); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, reply)
}

// handleRPC serves POST /rpc: a peer-to-peer forward of an already
// canonical JSON-RPC request. No protocol normalization is performed
// here, per spec §6.
func (s *Service) handleRPC(c *gin.Context) {
	correlationID := uuid.NewString()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes+1))
	if err != nil || len(body) > MaxBodyBytes {
		s.writeTaxonomyError(c, gwerrors.New(gwerrors.PayloadTooLarge, correlationID, "request body exceeds limit"), nil)
		return
	}

	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeTaxonomyError(c, gwerrors.New(gwerrors.ProtocolError, correlationID, "invalid json-rpc body"), nil)
		return
	}

	ctx := &normalize.ProtocolContext{Protocol: normalize.ProtoJSONRPC, RequestID: requestIDString(req["id"])}
	s.dispatch(c, ctx, req, correlationID)
}

// handleNormalize serves every endpoint that accepts a raw wire
// format (JSON-RPC, MCP Streamable HTTP, GraphQL, or Cap'n Proto) and
// normalizes it before forwarding.
func (s *Service) handleNormalize(c *gin.Context) {
	correlationID := uuid.NewString()

	principal, err := s.authn.Authenticate(c.Request, correlationID)
	if err != nil {
		s.writeAuthError(c, err)
		return
	}

	result := s.limiter.Allow(principal.ID)
	if !result.Allowed {
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues(principal.ID).Inc()
		}
		s.writeTaxonomyError(c, gwerrors.New(gwerrors.RateLimited, correlationID, "rate limit exceeded"), nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes+1))
	if err != nil || len(body) > MaxBodyBytes {
		s.writeTaxonomyError(c, gwerrors.New(gwerrors.PayloadTooLarge, correlationID, "request body exceeds limit"), nil)
		return
	}

	protoCtx, envelope, err := normalize.ToJSONRPC(body, c.Request.URL.Path)
	if err != nil {
		if errors.Is(err, normalize.ErrUnsupportedProtocol) {
			s.writeTaxonomyError(c, gwerrors.New(gwerrors.UnsupportedProtocol, correlationID, err.Error()), nil)
			return
		}
		s.writeTaxonomyError(c, gwerrors.New(gwerrors.ProtocolError, correlationID, err.Error()), nil)
		return
	}

	s.dispatch(c, protoCtx, envelope, correlationID)
}

// dispatch runs steps 5-8 of the pipeline: pick an upstream, forward,
// denormalize, respond, and report breaker/telemetry outcomes.
func (s *Service) dispatch(c *gin.Context, protoCtx *normalize.ProtocolContext, envelope map[string]interface{}, correlationID string) {
	method, _ := envelope["method"].(string)
	start := time.Now()

	if err := s.inflight.Acquire(c.Request.Context()); err != nil {
		s.writeTaxonomyError(c, gwerrors.New(gwerrors.UpstreamUnavailable, correlationID, "gateway at capacity"), protoCtx)
		return
	}
	if s.metrics != nil {
		s.metrics.InflightRequests.Set(float64(s.inflight.Current()))
	}
	if s.loadSampler != nil {
		s.loadSampler.IncInflight()
	}
	defer func() {
		s.inflight.Release()
		if s.loadSampler != nil {
			s.loadSampler.DecInflight()
		}
		if s.metrics != nil {
			s.metrics.InflightRequests.Set(float64(s.inflight.Current()))
		}
	}()

	ctx, span := telemetry.Tracer().Start(c.Request.Context(), "edge.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("sugora.correlation_id", correlationID),
		attribute.String("sugora.method", method),
		attribute.String("sugora.protocol", protoCtx.Protocol.String()),
	)

	choice := s.picker.Pick(method)

	response, upstream, err := s.forward(ctx, choice, envelope, correlationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.report(upstream, err)
		s.writeTaxonomyError(c, err, protoCtx)
		s.observe(protoCtx.Protocol.String(), upstream, "error", start)
		return
	}

	s.reportResponse(upstream, response)
	s.observe(protoCtx.Protocol.String(), upstream, "ok", start)

	out, err := normalize.FromJSONRPC(protoCtx, response)
	if err != nil {
		s.writeTaxonomyError(c, gwerrors.New(gwerrors.InternalError, correlationID, err.Error()), protoCtx)
		return
	}

	c.Data(http.StatusOK, "application/json", out)
}

// forward sends envelope to the chosen upstream, retrying once
// against Local if a peer forward fails transport-level (spec §4.12
// step 5 / §7: never a different peer, to avoid cascading
// amplification).
func (s *Service) forward(ctx context.Context, choice picker.Choice, envelope map[string]interface{}, correlationID string) (map[string]interface{}, string, error) {
	if choice.Local {
		resp, err := s.forwardLocal(ctx, envelope, correlationID)
		return resp, picker.LocalUpstreamID, err
	}

	if s.metrics != nil {
		s.metrics.PickerChoice.WithLabelValues(choice.Peer.ID).Inc()
	}

	resp, err := s.forwardPeer(ctx, choice.Peer, envelope, correlationID)
	if err == nil {
		return resp, choice.Peer.ID, nil
	}

	s.log.WithError(err).WithField("peer", choice.Peer.ID).Warn("peer forward failed, retrying once against local")
	resp, localErr := s.forwardLocal(ctx, envelope, correlationID)
	return resp, picker.LocalUpstreamID, localErr
}

func (s *Service) forwardLocal(ctx context.Context, envelope map[string]interface{}, correlationID string) (map[string]interface{}, error) {
	cb := s.breakers.Register(picker.LocalUpstreamID)
	if allowErr := cb.Allow(); allowErr != nil {
		return nil, gwerrors.New(gwerrors.UpstreamUnavailable, correlationID, "local circuit open")
	}

	id := requestIDString(envelope["id"])

	ctx, cancel := context.WithTimeout(ctx, s.bridgeTimeout)
	defer cancel()

	resp, err := s.bridgeSender.Send(ctx, id, envelope)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, gwerrors.New(gwerrors.UpstreamTimeout, correlationID, "local upstream timed out")
		}
		return nil, gwerrors.New(gwerrors.UpstreamUnavailable, correlationID, err.Error())
	}
	return resp, nil
}

func (s *Service) forwardPeer(ctx context.Context, peer registry.Record, envelope map[string]interface{}, correlationID string) (map[string]interface{}, error) {
	cb := s.breakers.Register(peer.ID)
	if allowErr := cb.Allow(); allowErr != nil {
		return nil, gwerrors.New(gwerrors.UpstreamUnavailable, correlationID, "peer circuit open")
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, gwerrors.New(gwerrors.InternalError, correlationID, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, s.peerTimeout)
	defer cancel()

	url := "http://" + peer.Address + "/rpc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, gwerrors.New(gwerrors.InternalError, correlationID, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.peerClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, gwerrors.New(gwerrors.UpstreamTimeout, correlationID, fmt.Sprintf("peer %s timed out", peer.ID))
		}
		return nil, gwerrors.New(gwerrors.UpstreamUnavailable, correlationID, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, gwerrors.New(gwerrors.UpstreamUnavailable, correlationID, fmt.Sprintf("peer %s returned %d", peer.ID, resp.StatusCode))
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gwerrors.New(gwerrors.InternalError, correlationID, err.Error())
	}
	return out, nil
}

// report feeds a transport-level forward error into the upstream's
// breaker. Application-level errors never reach this path since they
// are returned as a successful *response* carrying an "error" field,
// handled by reportResponse instead.
func (s *Service) report(upstream string, err error) {
	cb := s.breakers.Register(upstream)
	var gerr *gwerrors.Error
	if errors.As(err, &gerr) && gerr.Kind.TripsBreaker() {
		cb.RecordFailure()
		if s.metrics != nil {
			s.metrics.BreakerTrips.WithLabelValues(upstream).Inc()
		}
		return
	}
	cb.RecordSuccess()
}

// reportResponse inspects a successful upstream reply and reports a
// breaker success unless the body's own JSON-RPC error indicates a
// transport/service problem, per spec §4.12 step 7 / §7 policy.
func (s *Service) reportResponse(upstream string, response map[string]interface{}) {
	cb := s.breakers.Register(upstream)

	if errVal, ok := response["error"]; ok && errVal != nil {
		if errMap, ok := errVal.(map[string]interface{}); ok {
			if code, ok := errMap["code"].(float64); ok && int(code) == -32002 {
				cb.RecordFailure()
				if s.metrics != nil {
					s.metrics.BreakerTrips.WithLabelValues(upstream).Inc()
				}
				return
			}
		}
	}
	cb.RecordSuccess()
}

func (s *Service) observe(protocol, upstream, outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(protocol, outcome).Inc()
	s.metrics.RequestDuration.WithLabelValues(protocol, upstream).Observe(time.Since(start).Seconds())
}

// writeAuthError maps an Authenticate failure straight to its HTTP
// status; Auth failures have no canonical protocol context yet (they
// occur before normalization), so there is no JSON-RPC body to shape.
func (s *Service) writeAuthError(c *gin.Context, err error) {
	var gerr *gwerrors.Error
	if errors.As(err, &gerr) {
		c.Status(gerr.Kind.HTTPStatus())
		return
	}
	c.Status(http.StatusInternalServerError)
}

// writeTaxonomyError maps any gwerrors.Error to an HTTP status. Kinds
// that carry a JSON-RPC code also get a JSON-RPC error body (its id
// taken from protoCtx when present), reshaped into a GraphQL error
// envelope when the request was GraphQL; other kinds get the status
// alone.
func (s *Service) writeTaxonomyError(c *gin.Context, err error, protoCtx *normalize.ProtocolContext) {
	var gerr *gwerrors.Error
	if !errors.As(err, &gerr) {
		c.Status(http.StatusInternalServerError)
		return
	}

	status := gerr.Kind.HTTPStatus()
	code, hasCode := gerr.Kind.JSONRPCCode()
	if !hasCode {
		c.Status(status)
		return
	}

	id := ""
	if protoCtx != nil {
		id = protoCtx.RequestID
	}
	body := map[string]interface{}{
		"jsonrpc": normalize.JSONRPCVersion,
		"id":      idOrNull(id),
		"error": map[string]interface{}{
			"code":    code,
			"message": gerr.Message,
		},
	}

	if protoCtx != nil && protoCtx.Protocol == normalize.ProtoGraphQL {
		out, marshalErr := normalize.FromJSONRPC(protoCtx, body)
		if marshalErr == nil {
			c.Data(status, "application/json", out)
			return
		}
	}

	c.JSON(status, body)
}

func idOrNull(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}

func requestIDString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
