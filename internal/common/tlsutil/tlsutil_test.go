package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trustvector/trustvector/internal/common/config"
)

func TestServeRequiresKeyPairWhenEnabled(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	err := Serve(server, config.TLSConfig{Enabled: true}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cert_file")
}

func TestClientCAPoolRejectsMissingFile(t *testing.T) {
	_, err := clientCAPool(filepath.Join(t.TempDir(), "absent.pem"))
	assert.Error(t, err)
}

func TestClientCAPoolRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

	_, err := clientCAPool(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no certificates")
}

func TestClientCAPoolLoadsBundle(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "gateway-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, f.Close())

	pool, err := clientCAPool(path)
	require.NoError(t, err)
	assert.NotNil(t, pool)
}
