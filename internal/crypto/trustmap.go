package crypto

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// TrustMap binds mTLS peer common names to Ed25519 public keys. An envelope
// is authentic iff its signature verifies under the key mapped from the
// peer CN of the transport session.
//
// The map is read-mostly: lookups take an atomic snapshot, and Reload builds
// a whole new table before swapping the reference, so a SIGHUP-triggered
// reload never blocks in-flight verification.
type TrustMap struct {
	dir     string
	entries atomic.Value // map[string]ed25519.PublicKey
	logger  *log.Logger
}

// LoadTrustMap builds a trust map from a directory of PEM public keys. The
// peer common name is the file name without its extension, e.g.
// "agent-web01.pem" maps CN "agent-web01".
func LoadTrustMap(dir string) (*TrustMap, error) {
	tm := &TrustMap{
		dir:    dir,
		logger: log.New(log.Writer(), "[TRUSTMAP] ", log.LstdFlags),
	}
	if err := tm.Reload(); err != nil {
		return nil, err
	}
	return tm, nil
}

// NewStaticTrustMap wraps a fixed table. Used by tests and embedded setups.
func NewStaticTrustMap(entries map[string]ed25519.PublicKey) *TrustMap {
	tm := &TrustMap{logger: log.New(log.Writer(), "[TRUSTMAP] ", log.LstdFlags)}
	snapshot := make(map[string]ed25519.PublicKey, len(entries))
	for cn, pub := range entries {
		snapshot[cn] = pub
	}
	tm.entries.Store(snapshot)
	return tm
}

// Reload rebuilds the table from disk and swaps it in atomically. A key file
// that fails to parse aborts the whole reload so a bad deploy cannot
// silently drop peers.
func (tm *TrustMap) Reload() error {
	if tm.dir == "" {
		return fmt.Errorf("crypto: trust map has no backing directory")
	}
	files, err := os.ReadDir(tm.dir)
	if err != nil {
		return fmt.Errorf("crypto: read trust dir %s: %w", tm.dir, err)
	}

	next := make(map[string]ed25519.PublicKey)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		ext := filepath.Ext(f.Name())
		if ext != ".pem" && ext != ".pub" {
			continue
		}
		cn := strings.TrimSuffix(f.Name(), ext)
		pub, err := LoadPublicKeyPEM(filepath.Join(tm.dir, f.Name()))
		if err != nil {
			return fmt.Errorf("crypto: trust entry %s: %w", cn, err)
		}
		next[cn] = pub
	}

	tm.entries.Store(next)
	tm.logger.Printf("Loaded %d trusted peers from %s", len(next), tm.dir)
	return nil
}

// Lookup returns the public key for a peer common name.
func (tm *TrustMap) Lookup(cn string) (ed25519.PublicKey, bool) {
	snapshot := tm.entries.Load().(map[string]ed25519.PublicKey)
	pub, ok := snapshot[cn]
	return pub, ok
}

// Peers returns the sorted list of trusted common names.
func (tm *TrustMap) Peers() []string {
	snapshot := tm.entries.Load().(map[string]ed25519.PublicKey)
	peers := make([]string, 0, len(snapshot))
	for cn := range snapshot {
		peers = append(peers, cn)
	}
	sort.Strings(peers)
	return peers
}

// Len returns the number of trusted peers.
func (tm *TrustMap) Len() int {
	return len(tm.entries.Load().(map[string]ed25519.PublicKey))
}
