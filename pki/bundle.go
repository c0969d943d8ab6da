package pki

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// MinBundlePasswordLength is the shortest accepted PKCS#12 password.
const MinBundlePasswordLength = 6

// Bundle returns a zip archive holding exactly <username>.crt and
// <username>.key.
func (c *Clients) Bundle(ctx context.Context, username string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keyPEM, certPEM, err := c.material(username)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	now := time.Now()
	for _, f := range []struct {
		name string
		data []byte
	}{
		{username + ".crt", certPEM},
		{username + ".key", keyPEM},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: now})
		if err != nil {
			return nil, fmt.Errorf("%w: zip entry %s: %v", ErrStorage, f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("%w: zip entry %s: %v", ErrStorage, f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: finishing zip: %v", ErrStorage, err)
	}
	return buf.Bytes(), nil
}

// BundlePKCS12 returns a password-protected PKCS#12 archive with the
// user's key, certificate and the CA certificate as chain.
func (c *Clients) BundlePKCS12(ctx context.Context, username, password string) ([]byte, error) {
	if len(password) < MinBundlePasswordLength {
		return nil, fmt.Errorf("%w: bundle password must be at least %d characters", ErrValidation, MinBundlePasswordLength)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keyPEM, certPEM, err := c.material(username)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	var chain []*x509.Certificate
	if caPEM, err := os.ReadFile(c.ca.paths.Cert); err == nil {
		caCert, err := ParseCertificate(caPEM)
		if err != nil {
			return nil, fmt.Errorf("CA certificate: %w", err)
		}
		chain = append(chain, caCert)
	}

	pfx, err := pkcs12.Modern.Encode(key, cert, chain, password)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding PKCS#12: %v", ErrSigning, err)
	}
	return pfx, nil
}
