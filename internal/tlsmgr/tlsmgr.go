// Package tlsmgr loads the gateway's server certificate and optional
// client CA bundle, builds the tls.Config the TCP listener terminates
// TLS with, and supports hot certificate rotation on SIGHUP without
// dropping the listener (C2).
package tlsmgr

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/sugora-systems/sugora-gateway/internal/config"
)

var log = logrus.WithField("component", "tlsmgr")

// Manager owns the currently active certificate and serves it to the
// TLS listener via GetCertificate, so that a rotation (triggered by
// SIGHUP) swaps the certificate atomically without requiring the
// listener to be recreated.
type Manager struct {
	cfg     config.TLSConfig
	current atomic.Pointer[tls.Certificate]
	clientCAs atomic.Pointer[x509.CertPool]
}

// New loads the initial certificate (and client CA bundle, if
// configured) and returns a Manager. Returns an error if the
// certificate or key cannot be read or parsed — a fatal startup
// condition per spec §4.1.
func New(cfg config.TLSConfig) (*Manager, error) {
	m := &Manager{cfg: cfg}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// reload loads cert/key (and client CA, if set) from disk and swaps
// them into the Manager. On parse failure the previous material, if
// any, is left in place and the error is returned to the caller.
func (m *Manager) reload() error {
	cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("tlsmgr: load key pair: %w", err)
	}

	var pool *x509.CertPool
	if m.cfg.ClientCA != "" {
		raw, err := os.ReadFile(m.cfg.ClientCA)
		if err != nil {
			return fmt.Errorf("tlsmgr: read client CA: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(raw) {
			return fmt.Errorf("tlsmgr: client CA bundle contains no usable certificates")
		}
	}

	m.current.Store(&cert)
	if pool != nil {
		m.clientCAs.Store(pool)
	}
	return nil
}

// Config builds the *tls.Config the TCP listener uses. ALPN is fixed
// to http/1.1 and h2 per spec §4.2. When mtls is true, client
// certificates are required and verified against the loaded CA pool.
func (m *Manager) Config(mtls bool) *tls.Config {
	cfg := &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.current.Load(), nil
		},
		MinVersion: tls.VersionTLS12,
	}
	if mtls {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = m.clientCAs.Load()
	}
	return cfg
}

// WatchReload installs a SIGHUP handler that reloads the certificate
// material in place. It returns immediately; the handler runs until
// the process exits or Stop is called on the returned function.
func (m *Manager) WatchReload() (stop func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sig:
				if err := m.reload(); err != nil {
					log.WithError(err).Error("tls reload failed, keeping previous certificate")
				} else {
					log.Info("tls certificate reloaded")
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sig)
		close(done)
	}
}
