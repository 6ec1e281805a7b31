package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"j2lsnek/internal/config"
)

// adminTLSConfig builds the server-side TLS configuration for the admin
// channel. Clients must present a certificate signed by the configured
// chain; the channel is useless without mutual authentication.
func adminTLSConfig(cfg config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.CertKey)
	if err != nil {
		return nil, fmt.Errorf("load admin certificate: %w", err)
	}

	pool, err := chainPool(cfg.CertChain)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// clientTLSConfig builds the CLI's side of the admin channel handshake.
// The channel only exists on loopback, so the server name on the
// certificate is not checked; authenticity comes from the shared chain.
func clientTLSConfig(cfg config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	pool, err := chainPool(cfg.CertChain)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

func chainPool(path string) (*x509.CertPool, error) {
	chain, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate chain: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(chain) {
		return nil, fmt.Errorf("certificate chain %s contains no usable certificates", path)
	}
	return pool, nil
}
