// Package authn implements the gateway's three authentication modes:
// none, bearer (shared-secret), and mTLS (client certificate).
package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/sugora-systems/sugora-gateway/internal/config"
	"github.com/sugora-systems/sugora-gateway/internal/gwerrors"
)

// Principal identifies the caller a request is attributed to, for
// rate limiting and logging.
type Principal struct {
	ID   string
	Mode config.AuthMode
}

// Authenticator validates a request under the configured mode and
// derives the calling Principal.
type Authenticator struct {
	mode   config.AuthMode
	secret []byte
}

// New builds an Authenticator from the auth section of Config.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{mode: cfg.Mode, secret: []byte(cfg.Secret)}
}

// Authenticate inspects r and returns the derived Principal, or a
// gwerrors.Unauthorized error when the mode's requirement is not met.
// It must be called before the request body is read.
func (a *Authenticator) Authenticate(r *http.Request, correlationID string) (Principal, error) {
	switch a.mode {
	case config.AuthNone:
		return Principal{ID: "anonymous", Mode: config.AuthNone}, nil

	case config.AuthBearer:
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return Principal{}, gwerrors.New(gwerrors.Unauthorized, correlationID, "missing bearer token")
		}
		token := strings.TrimPrefix(header, prefix)
		if !constantTimeEqual([]byte(token), a.secret) {
			return Principal{}, gwerrors.New(gwerrors.Unauthorized, correlationID, "invalid bearer token")
		}
		return Principal{ID: fingerprint(token), Mode: config.AuthBearer}, nil

	case config.AuthMTLS:
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return Principal{}, gwerrors.New(gwerrors.Unauthorized, correlationID, "client certificate required")
		}
		if r.TLS.VerifiedChains == nil || len(r.TLS.VerifiedChains) == 0 {
			return Principal{}, gwerrors.New(gwerrors.Unauthorized, correlationID, "client certificate not verified")
		}
		cn := r.TLS.PeerCertificates[0].Subject.CommonName
		if cn == "" {
			return Principal{}, gwerrors.New(gwerrors.Unauthorized, correlationID, "client certificate missing subject CN")
		}
		return Principal{ID: cn, Mode: config.AuthMTLS}, nil

	default:
		return Principal{}, gwerrors.New(gwerrors.Unauthorized, correlationID, fmt.Sprintf("unknown auth mode %q", a.mode))
	}
}

// constantTimeEqual compares candidate against secret in constant
// time regardless of length, by comparing fixed-size digests first.
func constantTimeEqual(candidate, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	a := sha256.Sum256(candidate)
	b := sha256.Sum256(secret)
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// fingerprint derives a stable, non-reversible principal id from a
// bearer token: the first 16 hex characters of its SHA-256 digest.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}
