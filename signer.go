package devhost

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RootCA is the loaded trust anchor used to sign leaf certificates.
type RootCA struct {
	Cert     *x509.Certificate
	Key      *rsa.PrivateKey
	CertPath string
	KeyPath  string
}

// SigningRequest asks a Signer to turn a DER-encoded CSR into a leaf
// certificate valid for Validity.
type SigningRequest struct {
	Domain   string
	CSR      []byte
	Validity time.Duration
}

// Signer signs leaf certificate requests with the root key. It returns the
// DER-encoded certificate. Leaves must carry the server-auth extended key
// usage, digitalSignature and keyEncipherment, and CA:FALSE.
type Signer interface {
	Sign(req SigningRequest, root *RootCA) ([]byte, error)
}

// SignerFunc is a function adapter for Signer.
type SignerFunc func(req SigningRequest, root *RootCA) ([]byte, error)

// Sign calls f.
func (f SignerFunc) Sign(req SigningRequest, root *RootCA) ([]byte, error) {
	return f(req, root)
}

// X509Signer signs in process with crypto/x509.
type X509Signer struct{}

// Sign implements Signer.
func (X509Signer) Sign(req SigningRequest, root *RootCA) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(req.CSR)
	if err != nil {
		return nil, fmt.Errorf("parse CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   csr.Subject.CommonName,
			Organization: root.Cert.Subject.Organization,
		},
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(req.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, root.Cert, csr.PublicKey, root.Key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return certDER, nil
}

// OpenSSLSigner signs by running "openssl x509 -req" against the root files
// on disk. The CSR, the extensions file and the output are written to a
// temporary directory that is removed whether signing succeeds or not.
type OpenSSLSigner struct {
	// Path to the openssl binary. Empty means "openssl" from PATH.
	Path string

	// TempDir is the parent for the per-request work directory. Empty
	// means os.TempDir.
	TempDir string

	// Timeout bounds one openssl run. Zero means 30 seconds.
	Timeout time.Duration
}

// Sign implements Signer.
func (s OpenSSLSigner) Sign(req SigningRequest, root *RootCA) ([]byte, error) {
	if root.CertPath == "" || root.KeyPath == "" {
		return nil, fmt.Errorf("openssl signer needs root files on disk")
	}

	work, err := os.MkdirTemp(s.TempDir, "devhost-sign-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	csrPath := filepath.Join(work, "request.csr")
	extPath := filepath.Join(work, "leaf.ext")
	outPath := filepath.Join(work, "leaf.crt")

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: req.CSR})
	if err := os.WriteFile(csrPath, csrPEM, 0600); err != nil {
		return nil, fmt.Errorf("write CSR: %w", err)
	}
	if err := os.WriteFile(extPath, []byte(leafExtensions(req.Domain)), 0600); err != nil {
		return nil, fmt.Errorf("write extensions: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}
	days := int(req.Validity.Hours() / 24)
	if days < 1 {
		days = 1
	}

	bin := s.Path
	if bin == "" {
		bin = "openssl"
	}
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "x509", "-req",
		"-in", csrPath,
		"-CA", root.CertPath,
		"-CAkey", root.KeyPath,
		"-set_serial", "0x"+serialNumber.Text(16),
		"-days", strconv.Itoa(days),
		"-sha256",
		"-extfile", extPath,
		"-out", outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("openssl x509: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	certPEM, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read signed certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("openssl produced no certificate")
	}
	return block.Bytes, nil
}

func leafExtensions(domain string) string {
	return "basicConstraints=CA:FALSE\n" +
		"keyUsage=digitalSignature,keyEncipherment\n" +
		"extendedKeyUsage=serverAuth\n" +
		"subjectAltName=DNS:" + domain + "\n"
}

func randomSerial() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serialNumber, nil
}
