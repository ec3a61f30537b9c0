// Package certs provisions and loads the mTLS material shared by the bus and
// its agents: one private CA, one server leaf, and one client leaf per agent
// CN. The generator also backs the loopback tests.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	CAFileName = "ca.crt"
	caKeyName  = "ca.key"
)

// Generator creates a private CA on first use and mints leaves signed by it.
type Generator struct {
	dir    string
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

// NewGenerator loads the CA under dir, generating it if absent.
func NewGenerator(dir string) (*Generator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("certs: mkdir %s: %w", dir, err)
	}
	g := &Generator{dir: dir}
	if err := g.loadCA(); err == nil {
		return g, nil
	}
	if err := g.generateCA(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Generator) loadCA() error {
	certPEM, err := os.ReadFile(filepath.Join(g.dir, CAFileName))
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(filepath.Join(g.dir, caKeyName))
	if err != nil {
		return err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("certs: %s is not PEM", CAFileName)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("certs: parse CA cert: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("certs: %s is not PEM", caKeyName)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("certs: parse CA key: %w", err)
	}
	g.caCert = cert
	g.caKey = key
	return nil
}

func (g *Generator) generateCA() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("certs: generate CA key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Amoskys Internal CA"},
			CommonName:   "Amoskys Root CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("certs: self-sign CA: %w", err)
	}
	if err := writePEM(filepath.Join(g.dir, CAFileName), "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	if err := writePEM(filepath.Join(g.dir, caKeyName), "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	g.caCert = cert
	g.caKey = key
	return nil
}

// IssueServer mints a server leaf named cn, valid for the given hosts
// (DNS names or IP literals), and writes cn.crt / cn.key under the dir.
// The CN itself is always a SAN: clients pin ServerName to the CN, and
// verification ignores the subject when SANs are present.
func (g *Generator) IssueServer(cn string, hosts ...string) error {
	withCN := hosts
	found := false
	for _, h := range hosts {
		if h == cn {
			found = true
			break
		}
	}
	if !found {
		withCN = append([]string{cn}, hosts...)
	}
	return g.issue(cn, x509.ExtKeyUsageServerAuth, withCN)
}

// IssueClient mints a client leaf whose CommonName is the agent identity the
// bus will admit.
func (g *Generator) IssueClient(cn string) error {
	return g.issue(cn, x509.ExtKeyUsageClientAuth, nil)
}

func (g *Generator) issue(cn string, usage x509.ExtKeyUsage, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("certs: generate key for %s: %w", cn, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Amoskys"},
			CommonName:   cn,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{usage},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, g.caCert, &key.PublicKey, g.caKey)
	if err != nil {
		return fmt.Errorf("certs: sign %s: %w", cn, err)
	}
	if err := writePEM(filepath.Join(g.dir, cn+".crt"), "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return writePEM(filepath.Join(g.dir, cn+".key"), "EC PRIVATE KEY", keyDER, 0o600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("certs: write %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}
