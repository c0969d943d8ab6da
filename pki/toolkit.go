package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"unicode"
	"unicode/utf8"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
)

// Toolkit abstracts the cryptographic operations the engines need so that
// the in-process implementation and the openssl(1) implementation are
// interchangeable. All key and certificate material crosses the boundary
// as PEM.
type Toolkit interface {
	// GenerateKey creates an RSA private key of the given size.
	GenerateKey(ctx context.Context, bits int) (keyPEM []byte, err error)

	// BuildCSR creates a certificate signing request for keyPEM carrying
	// the subject common name and SANs from req.
	BuildCSR(ctx context.Context, keyPEM []byte, req CSRRequest) (csrPEM []byte, err error)

	// SelfSign creates a root CA certificate for keyPEM.
	SelfSign(ctx context.Context, keyPEM []byte, commonName string, validityDays int, serial *big.Int) (certPEM []byte, err error)

	// CASign issues a leaf certificate for csrPEM. SANs are taken from the
	// CSR; extensions come from prof.
	CASign(ctx context.Context, csrPEM []byte, ca Authority, prof SigningProfile) (certPEM []byte, err error)

	// VerifyChain checks that certPEM was issued by caPEM and is valid for
	// usage at the current time.
	VerifyChain(ctx context.Context, certPEM, caPEM []byte, usage x509.ExtKeyUsage) error
}

// CSRRequest describes the subject of a signing request.
type CSRRequest struct {
	CommonName  string
	DNSNames    []string
	IPAddresses []net.IP
}

// Authority is the signing CA's material plus the serial to assign.
type Authority struct {
	KeyPEM  []byte
	CertPEM []byte
	Serial  *big.Int
}

// Usage selects the leaf certificate profile.
type Usage int

const (
	UsageServer Usage = iota
	UsageClient
)

func (u Usage) String() string {
	if u == UsageClient {
		return "client"
	}
	return "server"
}

// ExtKeyUsage returns the extended key usage the profile grants.
func (u Usage) ExtKeyUsage() x509.ExtKeyUsage {
	if u == UsageClient {
		return x509.ExtKeyUsageClientAuth
	}
	return x509.ExtKeyUsageServerAuth
}

// SigningProfile controls validity and usage of an issued certificate.
type SigningProfile struct {
	ValidityDays int
	Usage        Usage
}

// ---------------------------------------------------------------------------
// PEM helpers shared by both toolkits and the engines
// ---------------------------------------------------------------------------

// ParseCertificate decodes the first CERTIFICATE block in pemBytes.
func ParseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no certificate PEM block", ErrParse)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return cert, nil
}

// ParsePrivateKey decodes a PKCS#1, PKCS#8 or SEC1 private key.
func ParsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no private key PEM block", ErrParse)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key type %T", ErrParse, key)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrParse, block.Type)
}

func parseCSR(csrPEM []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: no certificate request PEM block", ErrParse)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: CSR signature invalid: %v", ErrSigning, err)
	}
	return csr, nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// ---------------------------------------------------------------------------
// Subject helpers
// ---------------------------------------------------------------------------

const maxCommonNameLength = 64

// normalizeCommonName trims and NFC-normalises cn, then rejects names that
// cannot be carried safely in an X.509 subject or an openssl -subj argument.
func normalizeCommonName(cn string) (string, error) {
	cn = util.NormalizeName(cn)
	if cn == "" {
		return "", ErrMissingCommonName
	}
	if utf8.RuneCountInString(cn) > maxCommonNameLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidCommonName, maxCommonNameLength)
	}
	for _, r := range cn {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control character", ErrInvalidCommonName)
		}
		switch r {
		case '/', '\\', '+', '=', ',', '$', '"', '<', '>', ';':
			return "", fmt.Errorf("%w: contains forbidden character %q", ErrInvalidCommonName, r)
		}
	}
	return cn, nil
}

// brokerSANs derives the broker subject alternative names: an IP common
// name is listed as an IP next to 127.0.0.1, anything else as a DNS name
// next to localhost.
func brokerSANs(cn string) ([]string, []net.IP) {
	loopback := net.ParseIP("127.0.0.1")
	if ip := net.ParseIP(cn); ip != nil {
		ips := []net.IP{ip}
		if !ip.Equal(loopback) {
			ips = append(ips, loopback)
		}
		return []string{"localhost"}, ips
	}
	dns := []string{cn}
	if cn != "localhost" {
		dns = append(dns, "localhost")
	}
	return dns, []net.IP{loopback}
}
