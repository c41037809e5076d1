// Package tlsutil configures the risk service listener for TLS and mutual
// TLS. Bank gateways call this service inside the transaction path, so when
// a client CA is configured, connections without a verified client
// certificate are refused outright.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/config"
)

// Serve runs the server with the configured transport security: plain HTTP
// when TLS is disabled, TLS with the given key pair otherwise, and mutual
// TLS when a client CA bundle is set.
func Serve(server *http.Server, cfg config.TLSConfig, log *zap.Logger) error {
	if !cfg.Enabled {
		return server.ListenAndServe()
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return fmt.Errorf("tls enabled without cert_file and key_file")
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pool, err := clientCAPool(cfg.CAFile)
		if err != nil {
			return err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	server.TLSConfig = tlsCfg

	log.Info("Serving with TLS",
		zap.String("addr", server.Addr),
		zap.Bool("mutual", cfg.CAFile != ""),
	)
	return server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
}

// clientCAPool loads the PEM bundle that client certificates must chain to.
func clientCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}
