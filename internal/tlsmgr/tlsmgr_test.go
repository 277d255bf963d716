package tlsmgr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sugora-systems/sugora-gateway/internal/config"
)

func writeSelfSignedCert(t *testing.T, dir, name string) (certPath, keyPath string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+"-cert.pem")
	keyPath = filepath.Join(dir, name+"-key.pem")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func TestNewLoadsCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "initial")

	m, err := New(config.TLSConfig{CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)

	cfg := m.Config(false)
	cert, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
}

func TestNewFailsOnMissingFile(t *testing.T) {
	_, err := New(config.TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	require.Error(t, err)
}

func TestReloadKeepsPreviousCertOnFailure(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "good")

	m, err := New(config.TLSConfig{CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)

	before := m.current.Load()

	// Corrupt the cert file in place and attempt a reload.
	require.NoError(t, os.WriteFile(certPath, []byte("not a certificate"), 0o600))
	err = m.reload()
	require.Error(t, err)

	after := m.current.Load()
	require.Same(t, before, after)
}

func TestMTLSConfigRequiresClientCert(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "server")
	caPath, _ := writeSelfSignedCert(t, dir, "ca")

	m, err := New(config.TLSConfig{CertFile: certPath, KeyFile: keyPath, ClientCA: caPath})
	require.NoError(t, err)

	cfg := m.Config(true)
	require.NotNil(t, cfg.ClientCAs)
}
