// Command certgen provisions a development deployment: the mTLS CA, the bus
// server certificate, one agent client certificate, the agent's Ed25519
// signing seed, and the matching trust-map entry.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/amoskys/amoskys/internal/certs"
	"github.com/amoskys/amoskys/internal/crypto"
)

func main() {
	certDir := flag.String("cert-dir", "certs", "certificate output directory")
	trustDir := flag.String("trust-dir", "trust", "trust map output directory")
	agentCN := flag.String("agent", "agent", "agent common name")
	hosts := flag.String("hosts", "bus,localhost,127.0.0.1", "bus certificate SANs")
	flag.Parse()

	gen, err := certs.NewGenerator(*certDir)
	if err != nil {
		log.Fatalf("CA: %v", err)
	}
	if err := gen.IssueServer("bus", strings.Split(*hosts, ",")...); err != nil {
		log.Fatalf("Bus certificate: %v", err)
	}
	if err := gen.IssueClient(*agentCN); err != nil {
		log.Fatalf("Agent certificate: %v", err)
	}

	signer, err := crypto.NewSigner()
	if err != nil {
		log.Fatalf("Signing key: %v", err)
	}
	seedPath := filepath.Join(*certDir, *agentCN+".ed25519")
	if err := signer.WriteSeed(seedPath); err != nil {
		log.Fatalf("Write seed: %v", err)
	}

	pubPEM, err := signer.PublicKeyPEM()
	if err != nil {
		log.Fatalf("Public key: %v", err)
	}
	if err := os.MkdirAll(*trustDir, 0o755); err != nil {
		log.Fatalf("Trust dir: %v", err)
	}
	trustPath := filepath.Join(*trustDir, *agentCN+".pub")
	if err := os.WriteFile(trustPath, pubPEM, 0o644); err != nil {
		log.Fatalf("Write trust entry: %v", err)
	}

	log.Printf("Issued bus and %s certificates under %s", *agentCN, *certDir)
	log.Printf("Signing seed %s, trust entry %s", seedPath, trustPath)
}
