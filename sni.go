package devhost

import (
	"crypto/tls"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

// SNITable maps TLS server names to certificates. Readers load an immutable
// snapshot without locking, so in-flight handshakes keep the certificate
// they started with while new ones pick up the swapped map. Writers are
// serialized and copy the map on every change.
type SNITable struct {
	mu    sync.Mutex
	certs atomic.Pointer[map[string]*tls.Certificate]

	// OnMiss is called when a handshake names a server that has no
	// certificate (optional).
	OnMiss func(serverName string)
}

// NewSNITable returns an empty table.
func NewSNITable() *SNITable {
	t := &SNITable{}
	empty := make(map[string]*tls.Certificate)
	t.certs.Store(&empty)
	return t
}

// Lookup returns the certificate for name. Matching is case-insensitive.
func (t *SNITable) Lookup(name string) (*tls.Certificate, bool) {
	cert, ok := (*t.certs.Load())[normalizeDomain(name)]
	return cert, ok
}

// Set installs cert for domain, replacing any previous certificate.
func (t *SNITable) Set(domain string, cert *tls.Certificate) {
	t.swap(func(m map[string]*tls.Certificate) {
		m[normalizeDomain(domain)] = cert
	})
}

// Delete removes domain. It reports whether an entry existed.
func (t *SNITable) Delete(domain string) bool {
	domain = normalizeDomain(domain)
	if _, ok := t.Lookup(domain); !ok {
		return false
	}
	t.swap(func(m map[string]*tls.Certificate) {
		delete(m, domain)
	})
	return true
}

// Domains returns the served names in sorted order.
func (t *SNITable) Domains() []string {
	m := *t.certs.Load()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of entries.
func (t *SNITable) Len() int {
	return len(*t.certs.Load())
}

func (t *SNITable) swap(fn func(map[string]*tls.Certificate)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.certs.Load()
	next := make(map[string]*tls.Certificate, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	t.certs.Store(&next)
}

// GetCertificate implements the tls.Config.GetCertificate callback. An
// unknown or missing server name fails the handshake.
func (t *SNITable) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if cert, ok := t.Lookup(hello.ServerName); ok {
		return cert, nil
	}
	if t.OnMiss != nil {
		t.OnMiss(hello.ServerName)
	}
	return nil, fmt.Errorf("no certificate for server name %q", hello.ServerName)
}

// LoadKeyPair reads and parses a PEM certificate and key from disk.
func LoadKeyPair(certPath, keyPath string) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, ioError("read certificate", "", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, ioError("read key", "", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, cryptoError("load key pair", "", err)
	}
	return &cert, nil
}
