package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// ServerTLS builds the bus-side TLS config: present the server leaf and
// require a client certificate chained to the shared CA. The verified client
// CommonName becomes the peer identity the gate pipeline checks.
func ServerTLS(dir, serverCN string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(dir, serverCN+".crt"),
		filepath.Join(dir, serverCN+".key"),
	)
	if err != nil {
		return nil, fmt.Errorf("certs: load server pair %s: %w", serverCN, err)
	}
	pool, err := caPool(dir)
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

// ClientTLS builds the agent-side TLS config with the client leaf for cn.
func ClientTLS(dir, cn, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(dir, cn+".crt"),
		filepath.Join(dir, cn+".key"),
	)
	if err != nil {
		return nil, fmt.Errorf("certs: load client pair %s: %w", cn, err)
	}
	pool, err := caPool(dir)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func caPool(dir string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(filepath.Join(dir, CAFileName))
	if err != nil {
		return nil, fmt.Errorf("certs: read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("certs: no certificates in %s", CAFileName)
	}
	return pool, nil
}
