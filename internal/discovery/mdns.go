package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"github.com/sirupsen/logrus"

	"github.com/sugora-systems/sugora-gateway/internal/registry"
)

const (
	mdnsInterval     = 30 * time.Second
	mdnsServiceType  = "_sugora._tcp"
	mdnsDomain       = "local."
	mdnsBrowseBudget = 5 * time.Second
)

// MDNS is the fallback discovery source used when DNS-SD is not
// configured and discovery.mdns_enabled is set. It both announces this
// instance over multicast and periodically browses for peers,
// applying the same TXT capability/epoch semantics as DNS-SD.
type MDNS struct {
	instanceID   string
	port         int
	capabilities []string
	epoch        func() uint64
	reg          *registry.Registry
	log          *logrus.Entry
}

// NewMDNS builds an MDNS source. instanceID is this gateway's own
// peer id (used as the mDNS instance name); epoch supplies the
// current local epoch to stamp into the announced TXT record.
func NewMDNS(instanceID string, port int, capabilities []string, epoch func() uint64, reg *registry.Registry) *MDNS {
	return &MDNS{
		instanceID:   instanceID,
		port:         port,
		capabilities: capabilities,
		epoch:        epoch,
		reg:          reg,
		log:          logrus.WithField("component", "discovery.mdns"),
	}
}

// Run announces this instance and browses for peers on
// mdnsInterval until ctx is cancelled.
func (m *MDNS) Run(ctx context.Context) error {
	server, err := zeroconf.Register(m.instanceID, mdnsServiceType, mdnsDomain, m.port, m.txtRecord(), nil)
	if err != nil {
		return fmt.Errorf("mdns: register service: %w", err)
	}
	defer server.Shutdown()

	ticker := time.NewTicker(mdnsInterval)
	defer ticker.Stop()

	m.browseOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.browseOnce(ctx)
		}
	}
}

func (m *MDNS) txtRecord() []string {
	out := make([]string, 0, len(m.capabilities)+1)
	if len(m.capabilities) > 0 {
		out = append(out, "cap="+strings.Join(m.capabilities, ","))
	}
	if m.epoch != nil {
		out = append(out, "epoch="+strconv.FormatUint(m.epoch(), 10))
	}
	return out
}

func (m *MDNS) browseOnce(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		m.log.WithError(err).Warn("mdns: resolver init failed")
		return
	}

	browseCtx, cancel := context.WithTimeout(ctx, mdnsBrowseBudget)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			m.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(browseCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		m.log.WithError(err).Warn("mdns: browse failed")
	}
	<-browseCtx.Done()
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	if entry.Instance == m.instanceID {
		return
	}
	if len(entry.AddrIPv4) == 0 {
		return
	}

	addr := fmt.Sprintf("%s:%d", entry.AddrIPv4[0].String(), entry.Port)
	var capabilities []string
	var epoch uint64
	for _, kv := range entry.Text {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch k {
		case "cap":
			capabilities = append(capabilities, strings.Split(v, ",")...)
		case "epoch":
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				epoch = n
			}
		}
	}

	m.reg.Upsert(registry.Record{
		ID:           entry.Instance,
		Address:      addr,
		LastSeen:     time.Now(),
		Health:       registry.Healthy,
		Capabilities: capabilities,
		Epoch:        epoch,
	})
}
