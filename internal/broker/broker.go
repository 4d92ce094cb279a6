// Package broker holds what the source and destination adapters share.
package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"mqtt-kafka-bridge/config"
)

// NewTLSConfig builds a client TLS configuration from certificate files. It
// returns nil when TLS is disabled.
func NewTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enable {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
