// Package shutdown implements C13: on the platform termination
// signal, it stops new connections, drains in-flight requests up to a
// grace period, and cancels the shared context every background
// component (Bridge, Discovery sources, Load Sampler) selects on.
package shutdown

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultGracePeriod bounds how long in-flight requests are given to
// drain before the process exits regardless, per spec §4.13.
const DefaultGracePeriod = 20 * time.Second

// Coordinator owns the root context every background component
// selects on, and the HTTP servers the Edge Service listens with.
type Coordinator struct {
	GracePeriod time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	servers []*http.Server

	log *logrus.Entry
}

// New builds a Coordinator wrapping parent with a cancelable context.
func New(parent context.Context) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		GracePeriod: DefaultGracePeriod,
		ctx:         ctx,
		cancel:      cancel,
		log:         logrus.WithField("component", "shutdown"),
	}
}

// Context is the shared watch every background component's Run(ctx)
// selects on; it is cancelled exactly once, by Shutdown.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// TrackServer registers an HTTP server to be drained on shutdown.
func (c *Coordinator) TrackServer(srv *http.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = append(c.servers, srv)
}

// WaitForSignal blocks until the platform sends SIGINT or SIGTERM,
// then runs Shutdown and returns.
func (c *Coordinator) WaitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	c.log.Info("shutdown signal received, draining")
	c.Shutdown()
}

// Shutdown stops all tracked HTTP servers from accepting new
// connections (continuing to drain in-flight ones), then cancels the
// shared context so background components stop, waiting at most
// GracePeriod overall.
func (c *Coordinator) Shutdown() {
	deadline := time.Now().Add(c.GracePeriod)

	c.mu.Lock()
	servers := make([]*http.Server, len(c.servers))
	copy(servers, c.servers)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			shutdownCtx, cancel := context.WithDeadline(context.Background(), deadline)
			defer cancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				c.log.WithError(err).Warn("server did not drain cleanly within the grace period")
			}
		}(srv)
	}
	wg.Wait()

	c.cancel()
	c.log.Info("shutdown complete")
}
