// Package discovery implements the three peer-discovery sources
// feeding the Peer Registry (C9): DNS-SD (preferred), mDNS
// (fallback), and HTTP peer exchange (always on).
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/sugora-systems/sugora-gateway/internal/registry"
)

const dnsSDInterval = 15 * time.Second

// DNSSD resolves SRV and TXT records for a configured service name via
// a set of DNS-over-HTTPS resolvers, on a fixed interval, and upserts
// the resulting peers into the registry. Preferred over mDNS per
// spec §4.9/§9.
type DNSSD struct {
	service string
	doh     []string
	client  *http.Client
	reg     *registry.Registry
	log     *logrus.Entry
}

// NewDNSSD builds a DNSSD source for service, querying the given DoH
// resolver URLs (e.g. "https://dns.google/dns-query").
func NewDNSSD(service string, dohServers []string, reg *registry.Registry) *DNSSD {
	return &DNSSD{
		service: service,
		doh:     dohServers,
		client:  &http.Client{Timeout: 5 * time.Second},
		reg:     reg,
		log:     logrus.WithField("component", "discovery.dnssd"),
	}
}

// Run polls on a fixed interval until ctx is cancelled. Lookup
// failures keep the existing records in place and retry on the next
// tick, per spec §4.9.
func (d *DNSSD) Run(ctx context.Context) error {
	ticker := time.NewTicker(dnsSDInterval)
	defer ticker.Stop()

	d.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *DNSSD) pollOnce(ctx context.Context) {
	srvName := dns.Fqdn(d.service)

	srvRecords, err := d.lookupSRV(ctx, srvName)
	if err != nil {
		d.log.WithError(err).Warn("dns-sd: SRV lookup failed, keeping existing records")
		return
	}

	for _, srv := range srvRecords {
		target := strings.TrimSuffix(srv.Target, ".")
		addr := fmt.Sprintf("%s:%d", target, srv.Port)
		peerID := addr

		caps, epoch := d.lookupTXT(ctx, dns.Fqdn(peerID)+d.service)

		d.reg.Upsert(registry.Record{
			ID:           peerID,
			Address:      addr,
			LastSeen:     time.Now(),
			Health:       registry.Healthy,
			Capabilities: caps,
			Epoch:        epoch,
		})
	}
}

func (d *DNSSD) lookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)

	reply, err := d.exchangeOverDoH(ctx, msg)
	if err != nil {
		return nil, err
	}

	srvs := make([]*dns.SRV, 0, len(reply.Answer))
	for _, rr := range reply.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			srvs = append(srvs, srv)
		}
	}
	return srvs, nil
}

// lookupTXT resolves capability/epoch metadata for a peer. TXT
// lookup failures degrade to an empty capability set and epoch 0
// rather than aborting the whole poll, since SRV data alone is
// enough to reach the peer.
func (d *DNSSD) lookupTXT(ctx context.Context, name string) (capabilities []string, epoch uint64) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)

	reply, err := d.exchangeOverDoH(ctx, msg)
	if err != nil {
		return nil, 0
	}

	for _, rr := range reply.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, kv := range txt.Txt {
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
	}
	return capabilities, epoch
}

// exchangeOverDoH sends msg to each configured DoH resolver in turn
// (RFC 8484 POST, application/dns-message) until one answers.
func (d *DNSSD) exchangeOverDoH(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	if len(d.doh) == 0 {
		return nil, fmt.Errorf("dns-sd: no doh_servers configured")
	}

	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("dns-sd: pack query: %w", err)
	}

	var lastErr error
	for _, server := range d.doh {
		reply, err := d.postDoH(ctx, server, packed)
		if err != nil {
			lastErr = err
			continue
		}
		return reply, nil
	}
	return nil, fmt.Errorf("dns-sd: all doh servers failed: %w", lastErr)
}

func (d *DNSSD) postDoH(ctx context.Context, server string, packed []byte) (*dns.Msg, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh server %s returned %d", server, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, fmt.Errorf("dns-sd: unpack response: %w", err)
	}
	return reply, nil
}
