// Command sugora-gateway is the Sugora Edge Gateway entrypoint: it
// loads configuration, wires every component (TLS, auth, rate limit,
// circuit breakers, the MCP bridge, peer discovery, the load sampler,
// the picker, and the Edge Service), starts the TCP/TLS, UDS, and
// metrics listeners, and blocks until a termination signal drains the
// gateway and exits.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sugora-systems/sugora-gateway/internal/authn"
	"github.com/sugora-systems/sugora-gateway/internal/breaker"
	"github.com/sugora-systems/sugora-gateway/internal/bridge"
	"github.com/sugora-systems/sugora-gateway/internal/config"
	"github.com/sugora-systems/sugora-gateway/internal/discovery"
	"github.com/sugora-systems/sugora-gateway/internal/edge"
	"github.com/sugora-systems/sugora-gateway/internal/loadsampler"
	"github.com/sugora-systems/sugora-gateway/internal/metrics"
	"github.com/sugora-systems/sugora-gateway/internal/picker"
	"github.com/sugora-systems/sugora-gateway/internal/ratelimit"
	"github.com/sugora-systems/sugora-gateway/internal/registry"
	"github.com/sugora-systems/sugora-gateway/internal/shutdown"
	"github.com/sugora-systems/sugora-gateway/internal/telemetry"
	"github.com/sugora-systems/sugora-gateway/internal/tlsmgr"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("gateway failed")
	}
}

func run(logger *logrus.Logger) error {
	log := logger.WithField("component", "main")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level, parseErr := logrus.ParseLevel(cfg.LogLevel); parseErr == nil {
		logger.SetLevel(level)
	}
	log.WithFields(logrus.Fields{
		"tcp_bind":     cfg.TCPBind,
		"uds_path":     cfg.UDSPath,
		"upstream_mcp": cfg.UpstreamMCP,
	}).Info("configuration loaded")

	coord := shutdown.New(context.Background())
	ctx := coord.Context()

	otlpEndpoint := os.Getenv("SUGORA_OTLP_ENDPOINT")
	shutdownTelemetry, err := telemetry.Init(ctx, "sugora-gateway", otlpEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	log.Info("telemetry initialized")

	selfID := instanceID()
	m := metrics.New()

	a := authn.New(cfg.Auth)
	limiter := newRateLimiter(cfg.RateLimit, log)
	breakers := breaker.NewCircuitBreakerManager(breaker.Config{
		FailureThreshold:    cfg.Circuit.FailureThreshold,
		SuccessThreshold:    cfg.Circuit.HalfOpenProbes,
		Timeout:             time.Duration(cfg.Circuit.OpenMs) * time.Millisecond,
		HalfOpenMaxRequests: cfg.Circuit.HalfOpenProbes,
	})
	breakers.Register(picker.LocalUpstreamID)

	reg := registry.New()
	sampler := loadsampler.New(0, m)
	pick := picker.New(reg, breakers, sampler.Score)

	transport := bridge.NewHTTPTransport(cfg.UpstreamMCP, &http.Client{}, edge.DefaultBridgeTimeout)
	br := bridge.New(transport, bridge.DefaultQueueCapacity)

	svc := edge.New(a, limiter, breakers, br.Sender(), br.Ready, pick, reg, m, cfg.Peer.SharedSecret, edge.Options{LoadSampler: sampler})

	go func() {
		if err := br.Run(ctx); err != nil {
			log.WithError(err).Error("bridge exited")
		}
	}()
	log.Info("bridge started")

	startDiscovery(ctx, log, cfg, selfID, reg, sampler)
	log.Info("discovery sources started")

	go func() {
		if err := sampler.Run(ctx); err != nil {
			log.WithError(err).Error("load sampler exited")
		}
	}()

	tlsManager, err := maybeTLS(cfg.TLS)
	if err != nil {
		return fmt.Errorf("init tls: %w", err)
	}

	tcpServer, err := startTCPListener(coord, svc, cfg, tlsManager)
	if err != nil {
		return fmt.Errorf("start tcp listener: %w", err)
	}
	udsServer, err := startUDSListener(coord, svc, cfg)
	if err != nil {
		return fmt.Errorf("start uds listener: %w", err)
	}
	metricsServer := startMetricsListener(coord, cfg, m)

	log.WithFields(logrus.Fields{
		"tcp":     tcpServer.Addr,
		"uds":     cfg.UDSPath,
		"metrics": metricsServer.Addr,
	}).Info("listeners started")

	log.Info("gateway ready")
	coord.WaitForSignal()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.WithError(err).Warn("telemetry shutdown did not complete cleanly")
	}

	log.Info("gateway stopped")
	return nil
}

func instanceID() string {
	if v := os.Getenv("SUGORA_INSTANCE_ID"); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "sugora-gateway"
	}
	return host
}

// newRateLimiter selects the in-memory Limiter by default, or the
// Redis-backed distributed limiter when rate_limit.redis_addr is set
// (multi-replica deployments sharing admission state across
// instances, per DESIGN.md).
func newRateLimiter(cfg config.RateLimitConfig, log *logrus.Entry) ratelimit.Allower {
	if cfg.RedisAddr == "" {
		return ratelimit.New(cfg.Capacity, cfg.RefillPerSec)
	}

	log.WithField("redis_addr", cfg.RedisAddr).Info("using redis-backed rate limiter")
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return ratelimit.BackgroundAllower{Limiter: ratelimit.NewRedisLimiter(client, cfg.Capacity, cfg.RefillPerSec)}
}

func maybeTLS(cfg config.TLSConfig) (*tlsmgr.Manager, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil
	}
	m, err := tlsmgr.New(cfg)
	if err != nil {
		return nil, err
	}
	m.WatchReload()
	return m, nil
}

func startTCPListener(coord *shutdown.Coordinator, svc *edge.Service, cfg *config.Config, tlsManager *tlsmgr.Manager) (*http.Server, error) {
	srv := &http.Server{
		Addr:         cfg.TCPBind,
		Handler:      svc.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if tlsManager != nil {
		srv.TLSConfig = tlsManager.Config(cfg.Auth.Mode == config.AuthMTLS)
	}

	ln, err := net.Listen("tcp", cfg.TCPBind)
	if err != nil {
		return nil, err
	}
	if tlsManager != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	coord.TrackServer(srv)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("tcp listener exited")
		}
	}()
	return srv, nil
}

// startUDSListener binds the unix domain socket listener, creating
// its parent directory and removing a stale socket file left behind
// by a previous run before binding, per spec §4.1.
func startUDSListener(coord *shutdown.Coordinator, svc *edge.Service, cfg *config.Config) (*http.Server, error) {
	if cfg.UDSPath == "" {
		return &http.Server{Addr: "disabled"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.UDSPath), 0o755); err != nil {
		return nil, fmt.Errorf("create uds parent dir: %w", err)
	}
	if _, err := os.Stat(cfg.UDSPath); err == nil {
		if err := os.Remove(cfg.UDSPath); err != nil {
			return nil, fmt.Errorf("remove stale uds socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", cfg.UDSPath)
	if err != nil {
		return nil, fmt.Errorf("listen on uds socket: %w", err)
	}

	srv := &http.Server{Addr: cfg.UDSPath, Handler: svc.Router()}
	coord.TrackServer(srv)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("uds listener exited")
		}
	}()
	return srv, nil
}

func startMetricsListener(coord *shutdown.Coordinator, cfg *config.Config, m *metrics.Gateway) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsBind, Handler: mux}

	coord.TrackServer(srv)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics listener exited")
		}
	}()
	return srv
}

// startDiscovery wires up whichever of the three peer-discovery
// sources are configured: DNS-SD when a service name is set
// (preferred per spec §4.9/§9), mDNS as the fallback, and the
// always-on HTTP peer-exchange round.
func startDiscovery(ctx context.Context, log *logrus.Entry, cfg *config.Config, selfID string, reg *registry.Registry, sampler *loadsampler.Sampler) {
	if cfg.Discovery.Service != "" {
		src := discovery.NewDNSSD(cfg.Discovery.Service, cfg.Discovery.DoHServers, reg)
		go func() {
			if err := src.Run(ctx); err != nil {
				log.WithError(err).Error("dns-sd discovery exited")
			}
		}()
	} else if cfg.Discovery.MDNSEnabled {
		_, port, _ := net.SplitHostPort(cfg.TCPBind)
		portNum := 0
		fmt.Sscanf(port, "%d", &portNum)
		src := discovery.NewMDNS(selfID, portNum, []string{"jsonrpc", "mcp"}, func() uint64 { return 0 }, reg)
		go func() {
			if err := src.Run(ctx); err != nil {
				log.WithError(err).Error("mdns discovery exited")
			}
		}()
	}

	selfRecord := func() registry.Record {
		return registry.Record{
			ID:           selfID,
			Address:      cfg.TCPBind,
			LastSeen:     time.Now(),
			Health:       registry.Healthy,
			Load:         sampler.Score(),
			Capabilities: []string{"jsonrpc", "mcp"},
		}
	}
	interval := time.Duration(cfg.Peer.ExchangeIntervalMs) * time.Millisecond
	exchange := discovery.NewExchange(selfID, selfRecord, interval, cfg.Peer.SharedSecret, reg)
	go func() {
		if err := exchange.Run(ctx); err != nil {
			log.WithError(err).Error("peer exchange exited")
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Peer.FreshnessMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.Purge(time.Now(), time.Duration(cfg.Peer.FreshnessMs)*time.Millisecond)
			}
		}
	}()
}
