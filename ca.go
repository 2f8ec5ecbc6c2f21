package devhost

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/sync/singleflight"
)

// Storage names under the certificate directory.
const (
	rootDirName      = "ca"
	rootCertFileName = "rootCA.crt"
	rootKeyFileName  = "rootCA.key"
)

// CertificateInfo describes a stored leaf certificate.
type CertificateInfo struct {
	Domain       string    `json:"domain"`
	CertPath     string    `json:"certPath"`
	KeyPath      string    `json:"keyPath"`
	SerialNumber string    `json:"serialNumber"`
	Issuer       string    `json:"issuer"`
	DNSNames     []string  `json:"dnsNames"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
	Fingerprint  string    `json:"fingerprint"`
	IsValid      bool      `json:"isValid"`
}

// CertificateAuthority owns a self-signed root and issues per-domain leaf
// certificates signed by it. Files live under Dir:
//
//	<Dir>/ca/rootCA.{key,crt}
//	<Dir>/<domain>.{key,crt}
type CertificateAuthority struct {
	// Dir is the certificate directory, normally <dataDir>/certs.
	Dir string

	// Organization is written into the root subject.
	Organization string

	// RootValidityYears is used when the root is generated.
	RootValidityYears int

	// LeafValidity of issued certificates.
	LeafValidity time.Duration

	// Signer turns CSRs into certificates. Defaults to X509Signer.
	Signer Signer

	// Logger for CA events.
	Logger *slog.Logger

	// Metrics records issuance results (optional).
	Metrics *Metrics

	mu      sync.RWMutex
	root    *RootCA
	issuing singleflight.Group
	now     func() time.Time
}

// NewCertificateAuthority creates a CA storing its files under
// <dataDir>/certs. Call Initialize before issuing.
func NewCertificateAuthority(dataDir string) *CertificateAuthority {
	return &CertificateAuthority{
		Dir:               filepath.Join(dataDir, "certs"),
		Organization:      "devhost",
		RootValidityYears: 10,
		LeafValidity:      365 * 24 * time.Hour,
		Signer:            X509Signer{},
		Logger:            slog.Default(),
		now:               time.Now,
	}
}

// RootCertPath returns the path of the root certificate.
func (ca *CertificateAuthority) RootCertPath() string {
	return filepath.Join(ca.Dir, rootDirName, rootCertFileName)
}

// RootKeyPath returns the path of the root private key.
func (ca *CertificateAuthority) RootKeyPath() string {
	return filepath.Join(ca.Dir, rootDirName, rootKeyFileName)
}

// CertPaths returns where the leaf certificate and key for domain are stored.
func (ca *CertificateAuthority) CertPaths(domain string) (certPath, keyPath string) {
	domain = normalizeDomain(domain)
	return filepath.Join(ca.Dir, domain+".crt"), filepath.Join(ca.Dir, domain+".key")
}

// Initialize creates the storage directories and the root pair. The root is
// generated only when neither file exists; later calls load it.
func (ca *CertificateAuthority) Initialize() error {
	if err := os.MkdirAll(filepath.Join(ca.Dir, rootDirName), 0700); err != nil {
		return ioError("initialize ca", "", err)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	certPath, keyPath := ca.RootCertPath(), ca.RootKeyPath()
	hasCert, hasKey := fileExists(certPath), fileExists(keyPath)

	switch {
	case hasCert && hasKey:
	case !hasCert && !hasKey:
		years := ca.RootValidityYears
		if years <= 0 {
			years = 10
		}
		certPEM, keyPEM, err := GenerateRootCA(ca.Organization, years)
		if err != nil {
			return cryptoError("initialize ca", "", err)
		}
		if err := writeFileAtomic(keyPath, keyPEM, 0600); err != nil {
			return ioError("write root key", "", err)
		}
		if err := writeFileAtomic(certPath, certPEM, 0644); err != nil {
			return ioError("write root cert", "", err)
		}
		ca.Logger.Info("root CA generated", "cert", certPath)
	default:
		return cryptoError("initialize ca", "", fmt.Errorf("incomplete root material in %s", filepath.Dir(certPath)))
	}

	root, err := loadRootCA(certPath, keyPath)
	if err != nil {
		return err
	}
	ca.root = root
	return nil
}

// Root returns the loaded root, initializing the CA if needed.
func (ca *CertificateAuthority) Root() (*RootCA, error) {
	ca.mu.RLock()
	root := ca.root
	ca.mu.RUnlock()
	if root != nil {
		return root, nil
	}
	if err := ca.Initialize(); err != nil {
		return nil, err
	}
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.root, nil
}

// Issue generates a fresh key and certificate for domain, overwriting any
// existing pair. Concurrent calls for the same domain share one issuance.
func (ca *CertificateAuthority) Issue(domain string) (*CertificateInfo, error) {
	domain = normalizeDomain(domain)
	if !ValidDomain(domain) {
		return nil, invalid("issue certificate", domain, "invalid domain")
	}

	v, err, _ := ca.issuing.Do(domain, func() (any, error) {
		return ca.issue(domain)
	})
	if err != nil {
		if ca.Metrics != nil {
			ca.Metrics.RecordCertError()
		}
		ca.Logger.Error("issue certificate", "domain", domain, "error", err)
		return nil, err
	}

	info := *v.(*CertificateInfo)
	return &info, nil
}

func (ca *CertificateAuthority) issue(domain string) (*CertificateInfo, error) {
	root, err := ca.Root()
	if err != nil {
		return nil, err
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		return nil, cryptoError("generate key", domain, err)
	}

	csr, err := certcrypto.GenerateCSR(key, domain, []string{domain}, false)
	if err != nil {
		return nil, cryptoError("create CSR", domain, err)
	}

	signer := ca.Signer
	if signer == nil {
		signer = X509Signer{}
	}
	certDER, err := signer.Sign(SigningRequest{Domain: domain, CSR: csr, Validity: ca.LeafValidity}, root)
	if err != nil {
		return nil, cryptoError("sign certificate", domain, err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, cryptoError("parse signed certificate", domain, err)
	}

	certPath, keyPath := ca.CertPaths(domain)
	if err := writeFileAtomic(keyPath, certcrypto.PEMEncode(key), 0600); err != nil {
		return nil, ioError("write key", domain, err)
	}
	if err := writeFileAtomic(certPath, certcrypto.PEMEncode(certcrypto.DERCertificateBytes(certDER)), 0644); err != nil {
		return nil, ioError("write certificate", domain, err)
	}

	if ca.Metrics != nil {
		ca.Metrics.RecordCertIssued()
	}
	ca.Logger.Info("certificate issued", "domain", domain, "not_after", cert.NotAfter)

	return ca.describe(domain, cert, certPath), nil
}

// Verify loads the stored pair for domain. It returns nil, nil when none is
// stored. IsValid is true only when the certificate is within its validity
// window and names domain.
func (ca *CertificateAuthority) Verify(domain string) (*CertificateInfo, error) {
	domain = normalizeDomain(domain)
	if !ValidDomain(domain) {
		return nil, invalid("verify certificate", domain, "invalid domain")
	}

	certPath, keyPath := ca.CertPaths(domain)
	certPEM, err := os.ReadFile(certPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError("read certificate", domain, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError("read key", domain, err)
	}

	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, cryptoError("verify certificate", domain, err)
	}
	cert, err := certcrypto.ParsePEMCertificate(certPEM)
	if err != nil {
		return nil, cryptoError("parse certificate", domain, err)
	}

	return ca.describe(domain, cert, certPath), nil
}

// Delete removes the stored pair for domain. It returns false if nothing
// was stored.
func (ca *CertificateAuthority) Delete(domain string) (bool, error) {
	domain = normalizeDomain(domain)
	if !ValidDomain(domain) {
		return false, invalid("delete certificate", domain, "invalid domain")
	}

	certPath, keyPath := ca.CertPaths(domain)
	removed := false
	for _, p := range []string{certPath, keyPath} {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return removed, ioError("delete certificate", domain, err)
		}
	}
	if removed {
		ca.Logger.Info("certificate deleted", "domain", domain)
	}
	return removed, nil
}

// List returns every stored leaf certificate sorted by domain. Files that
// fail to parse are skipped.
func (ca *CertificateAuthority) List() ([]CertificateInfo, error) {
	dirEntries, err := os.ReadDir(ca.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []CertificateInfo{}, nil
	}
	if err != nil {
		return nil, ioError("list certificates", "", err)
	}

	infos := make([]CertificateInfo, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".crt") {
			continue
		}
		domain := strings.TrimSuffix(name, ".crt")
		path := filepath.Join(ca.Dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			ca.Logger.Debug("skip certificate", "path", path, "error", err)
			continue
		}
		cert, err := certcrypto.ParsePEMCertificate(data)
		if err != nil {
			ca.Logger.Debug("skip certificate", "path", path, "error", err)
			continue
		}
		infos = append(infos, *ca.describe(domain, cert, path))
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Domain < infos[j].Domain })
	return infos, nil
}

func (ca *CertificateAuthority) describe(domain string, cert *x509.Certificate, certPath string) *CertificateInfo {
	sum := sha256.Sum256(cert.Raw)
	keyPath := strings.TrimSuffix(certPath, ".crt") + ".key"
	if !fileExists(keyPath) {
		keyPath = ""
	}
	now := time.Now
	if ca.now != nil {
		now = ca.now
	}
	return &CertificateInfo{
		Domain:       domain,
		CertPath:     certPath,
		KeyPath:      keyPath,
		SerialNumber: cert.SerialNumber.Text(16),
		Issuer:       cert.Issuer.CommonName,
		DNSNames:     cert.DNSNames,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Fingerprint:  hex.EncodeToString(sum[:]),
		IsValid:      CheckCertificate(cert, domain, now()),
	}
}

// CheckCertificate reports whether cert is valid at now and names domain in
// its SAN list or common name.
func CheckCertificate(cert *x509.Certificate, domain string, now time.Time) bool {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return false
	}
	for _, name := range certcrypto.ExtractDomains(cert) {
		if strings.EqualFold(name, domain) {
			return true
		}
	}
	return false
}

// GenerateRootCA generates a self-signed RSA-4096 root certificate and key.
// Returns PEM-encoded certificate and key.
func GenerateRootCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA4096)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	privKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("CA key is not RSA")
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Local Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	return certcrypto.PEMEncode(certcrypto.DERCertificateBytes(certDER)), certcrypto.PEMEncode(privKey), nil
}

func loadRootCA(certPath, keyPath string) (*RootCA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, ioError("read root cert", "", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, ioError("read root key", "", err)
	}

	cert, err := certcrypto.ParsePEMCertificate(certPEM)
	if err != nil {
		return nil, cryptoError("parse root cert", "", err)
	}
	if !cert.IsCA {
		return nil, cryptoError("parse root cert", "", fmt.Errorf("%s is not a CA certificate", certPath))
	}

	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return nil, cryptoError("parse root key", "", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, cryptoError("parse root key", "", fmt.Errorf("root key is not RSA"))
	}

	return &RootCA{Cert: cert, Key: rsaKey, CertPath: certPath, KeyPath: keyPath}, nil
}
