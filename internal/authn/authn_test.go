package authn

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugora-systems/sugora-gateway/internal/config"
	"github.com/sugora-systems/sugora-gateway/internal/gwerrors"
)

func TestAuthenticate_NoneAlwaysAnonymous(t *testing.T) {
	a := New(config.AuthConfig{Mode: config.AuthNone})
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	p, err := a.Authenticate(r, "cid")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", p.ID)
}

func TestAuthenticate_BearerRejectsMissingHeader(t *testing.T) {
	a := New(config.AuthConfig{Mode: config.AuthBearer, Secret: "s3cret"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := a.Authenticate(r, "cid")
	require.Error(t, err)
	var gerr *gwerrors.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, gwerrors.Unauthorized, gerr.Kind)
}

func TestAuthenticate_BearerRejectsWrongToken(t *testing.T) {
	a := New(config.AuthConfig{Mode: config.AuthBearer, Secret: "s3cret"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer wrong")

	_, err := a.Authenticate(r, "cid")
	assert.Error(t, err)
}

func TestAuthenticate_BearerAcceptsCorrectToken(t *testing.T) {
	a := New(config.AuthConfig{Mode: config.AuthBearer, Secret: "s3cret"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer s3cret")

	p, err := a.Authenticate(r, "cid")
	require.NoError(t, err)
	assert.Len(t, p.ID, 16)
	assert.NotEqual(t, "s3cret", p.ID)
}

func TestAuthenticate_BearerPrincipalIsStableFingerprint(t *testing.T) {
	a := New(config.AuthConfig{Mode: config.AuthBearer, Secret: "s3cret"})
	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	r1.Header.Set("Authorization", "Bearer s3cret")
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Authorization", "Bearer s3cret")

	p1, _ := a.Authenticate(r1, "cid")
	p2, _ := a.Authenticate(r2, "cid")
	assert.Equal(t, p1.ID, p2.ID)
}

func TestAuthenticate_MTLSRequiresVerifiedChain(t *testing.T) {
	a := New(config.AuthConfig{Mode: config.AuthMTLS})
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := a.Authenticate(r, "cid")
	assert.Error(t, err)
}

func TestAuthenticate_MTLSDerivesCommonName(t *testing.T) {
	a := New(config.AuthConfig{Mode: config.AuthMTLS})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.TLS = &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{{Subject: pkix.Name{CommonName: "edge-client-1"}}},
		VerifiedChains:   [][]*x509.Certificate{{}},
	}

	p, err := a.Authenticate(r, "cid")
	require.NoError(t, err)
	assert.Equal(t, "edge-client-1", p.ID)
}
