package pki

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// ---------------------------------------------------------------------------
// NativeToolkit: default implementation on crypto/x509
// ---------------------------------------------------------------------------

// NativeToolkit performs every operation in process. It creates no
// transient files.
type NativeToolkit struct {
	now func() time.Time
}

// Compile-time interface check.
var _ Toolkit = (*NativeToolkit)(nil)

// NewNativeToolkit returns a NativeToolkit ready for use.
func NewNativeToolkit() *NativeToolkit {
	return &NativeToolkit{now: time.Now}
}

// GenerateKey creates an RSA key encoded as PKCS#1 "RSA PRIVATE KEY".
func (t *NativeToolkit) GenerateKey(ctx context.Context, bits int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating RSA-%d key: %v", ErrSigning, bits, err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), nil
}

// BuildCSR creates a SHA-256 signed PKCS#10 request.
func (t *NativeToolkit) BuildCSR(ctx context.Context, keyPEM []byte, req CSRRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	template := &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: req.CommonName},
		DNSNames:    req.DNSNames,
		IPAddresses: req.IPAddresses,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating CSR: %v", ErrSigning, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// SelfSign creates a root certificate with CA:TRUE and keyCertSign|cRLSign.
func (t *NativeToolkit) SelfSign(ctx context.Context, keyPEM []byte, commonName string, validityDays int, serial *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating CA certificate: %v", ErrSigning, err)
	}
	return encodeCertPEM(der), nil
}

// CASign issues a leaf certificate with CA:FALSE,
// digitalSignature|keyEncipherment and the profile's extended key usage.
func (t *NativeToolkit) CASign(ctx context.Context, csrPEM []byte, ca Authority, prof SigningProfile) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	caCert, err := ParseCertificate(ca.CertPEM)
	if err != nil {
		return nil, fmt.Errorf("CA certificate: %w", err)
	}
	caKey, err := ParsePrivateKey(ca.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("CA key: %w", err)
	}

	now := t.now().UTC()
	template := &x509.Certificate{
		SerialNumber:          ca.Serial,
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, prof.ValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{prof.Usage.ExtKeyUsage()},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("%w: signing %s certificate: %v", ErrSigning, prof.Usage, err)
	}
	return encodeCertPEM(der), nil
}

// VerifyChain verifies certPEM against caPEM as the only trust root.
func (t *NativeToolkit) VerifyChain(ctx context.Context, certPEM, caPEM []byte, usage x509.ExtKeyUsage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return err
	}
	root, err := ParseCertificate(caPEM)
	if err != nil {
		return fmt.Errorf("CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(root)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       pool,
		CurrentTime: t.now(),
		KeyUsages:   []x509.ExtKeyUsage{usage},
	})
	return err
}
