package discovery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/sugora-systems/sugora-gateway/internal/registry"
)

// Payload is the wire shape POSTed to and received from a peer's
// /peers/exchange endpoint, per spec §6.
type Payload struct {
	Epoch     uint64            `json:"epoch"`
	Peers     []registry.Record `json:"peers"`
	Signature string            `json:"signature"`
}

// Sign computes and sets p.Signature: an HMAC-SHA256 over the
// serialized epoch and peers fields, keyed by the cluster shared
// secret.
func (p *Payload) Sign(secret string) error {
	mac, err := signatureFor(p.Epoch, p.Peers, secret)
	if err != nil {
		return err
	}
	p.Signature = mac
	return nil
}

// Verify reports whether p.Signature matches the expected HMAC for
// its epoch and peers fields under secret. A mismatch is not an
// error the caller should propagate — per spec §6 it is logged and
// the payload ignored.
func (p *Payload) Verify(secret string) bool {
	expected, err := signatureFor(p.Epoch, p.Peers, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(p.Signature))
}

func signatureFor(epoch uint64, peers []registry.Record, secret string) (string, error) {
	type signed struct {
		Epoch uint64            `json:"epoch"`
		Peers []registry.Record `json:"peers"`
	}
	raw, err := json.Marshal(signed{Epoch: epoch, Peers: peers})
	if err != nil {
		return "", fmt.Errorf("discovery: marshal signed fields: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
