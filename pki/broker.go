package pki

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
)

// DefaultBrokerValidityDays is the default broker certificate lifetime.
const DefaultBrokerValidityDays = 365

// brokerFileMode applies to both the broker key and certificate; the
// broker process must be able to read its key.
const brokerFileMode fs.FileMode = 0o644

// Status values reported by verification.
const (
	StatusOK   = "OK"
	StatusFail = "FAIL"
)

// BrokerPaths locates the broker files.
type BrokerPaths struct {
	Dir  string
	Key  string
	Cert string
}

// BrokerRequest parameterises broker certificate generation.
type BrokerRequest struct {
	// CommonName overrides the configured broker name when set.
	CommonName   string
	ValidityDays int
	// KeepTemp leaves the staging directory with the CSR in place.
	KeepTemp bool
}

// SAN is one subject alternative name.
type SAN struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// BrokerResult describes a freshly issued broker certificate.
type BrokerResult struct {
	CommonName   string    `json:"common_name"`
	ValidityDays int       `json:"validity_days"`
	NotAfter     time.Time `json:"not_after"`
	SANs         []SAN     `json:"sans"`
	KeyPath      string    `json:"key_path"`
	CertPath     string    `json:"cert_path"`
	TempDir      string    `json:"temp_dir,omitempty"`
}

// BrokerVerification is the outcome of checking the broker certificate.
type BrokerVerification struct {
	ValidUntil       time.Time `json:"valid_until"`
	CAVerified       bool      `json:"ca_verified"`
	SANs             []SAN     `json:"sans"`
	KeyUsageValid    bool      `json:"key_usage_valid"`
	ExtKeyUsageValid bool      `json:"ext_key_usage_valid"`
	KeyMatches       bool      `json:"key_matches"`
	Status           string    `json:"status"`
	Problems         []string  `json:"problems,omitempty"`
}

// Broker is the broker certificate engine.
type Broker struct {
	ca        *CA
	paths     BrokerPaths
	defaultCN string
}

// NewBroker returns a broker engine signing with ca. defaultCN is used when
// a request carries no common name.
func NewBroker(ca *CA, paths BrokerPaths, defaultCN string) *Broker {
	if paths.Dir == "" {
		paths.Dir = filepath.Dir(paths.Cert)
	}
	return &Broker{ca: ca, paths: paths, defaultCN: defaultCN}
}

// Paths returns the broker file locations.
func (b *Broker) Paths() BrokerPaths { return b.paths }

// Generate issues (or reissues) the broker key and certificate.
func (b *Broker) Generate(ctx context.Context, req BrokerRequest) (*BrokerResult, error) {
	raw := req.CommonName
	if strings.TrimSpace(raw) == "" {
		raw = b.defaultCN
	}
	cn, err := normalizeCommonName(raw)
	if err != nil {
		return nil, err
	}
	days, err := validityOrDefault(req.ValidityDays, DefaultBrokerValidityDays)
	if err != nil {
		return nil, err
	}

	locker := b.ca.opts.locker
	unlockBroker := locker.Lock(LockBroker)
	defer unlockBroker()
	unlockCA := locker.RLock(LockCA)
	defer unlockCA()

	if err := b.ca.initialized(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(b.paths.Dir, 0o755); err != nil {
		return nil, storageErr("creating broker directory", err)
	}
	staging, err := os.MkdirTemp(b.paths.Dir, ".broker-staging-*")
	if err != nil {
		return nil, storageErr("creating staging directory", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.RemoveAll(staging)
		}
	}()

	tk := b.ca.opts.toolkit
	keyPEM, err := tk.GenerateKey(ctx, b.ca.opts.leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating broker key: %w", err)
	}
	dns, ips := brokerSANs(cn)
	csrPEM, err := tk.BuildCSR(ctx, keyPEM, CSRRequest{CommonName: cn, DNSNames: dns, IPAddresses: ips})
	if err != nil {
		return nil, fmt.Errorf("building broker CSR: %w", err)
	}
	certPEM, err := b.ca.sign(ctx, csrPEM, SigningProfile{ValidityDays: days, Usage: UsageServer})
	if err != nil {
		return nil, fmt.Errorf("signing broker certificate: %w", err)
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("broker certificate from toolkit: %w", err)
	}

	stagedKey := filepath.Join(staging, "broker.key")
	stagedCert := filepath.Join(staging, "broker.crt")
	stagedCSR := filepath.Join(staging, "broker.csr")
	if err := writeStaged(map[string][]byte{
		stagedKey:  keyPEM,
		stagedCert: certPEM,
		stagedCSR:  csrPEM,
	}, brokerFileMode); err != nil {
		return nil, err
	}
	if err := os.Rename(stagedKey, b.paths.Key); err != nil {
		return nil, storageErr("installing broker key", err)
	}
	if err := os.Rename(stagedCert, b.paths.Cert); err != nil {
		return nil, storageErr("installing broker certificate", err)
	}

	res := &BrokerResult{
		CommonName:   cn,
		ValidityDays: days,
		NotAfter:     cert.NotAfter,
		SANs:         certSANs(cert),
		KeyPath:      b.paths.Key,
		CertPath:     b.paths.Cert,
	}
	if req.KeepTemp {
		keep = true
		res.TempDir = staging
	}
	b.ca.logger.Info("broker certificate issued", "common_name", cn, "validity_days", days,
		"serial", util.HexEncode(cert.SerialNumber.Bytes()), "keep_temp", req.KeepTemp)
	return res, nil
}

// Verify checks the broker certificate against the CA, its SANs, its key
// usages and the key on disk.
func (b *Broker) Verify(ctx context.Context) (*BrokerVerification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	certPEM, err := readIdentityFile(b.paths.Cert, "broker certificate")
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	v := &BrokerVerification{
		ValidUntil: cert.NotAfter.UTC(),
		SANs:       certSANs(cert),
	}
	problem := func(format string, args ...any) {
		v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
	}

	if caPEM, err := os.ReadFile(b.ca.paths.Cert); err != nil {
		problem("CA certificate unavailable: %v", err)
	} else if err := b.ca.opts.toolkit.VerifyChain(ctx, certPEM, caPEM, x509.ExtKeyUsageServerAuth); err != nil {
		problem("chain verification failed: %v", err)
	} else {
		v.CAVerified = true
	}

	if len(v.SANs) == 0 {
		problem("no subject alternative names")
	}
	want := x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	v.KeyUsageValid = cert.KeyUsage&want == want
	if !v.KeyUsageValid {
		problem("key usage lacks digitalSignature or keyEncipherment")
	}
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageServerAuth {
			v.ExtKeyUsageValid = true
		}
	}
	if !v.ExtKeyUsageValid {
		problem("extended key usage lacks serverAuth")
	}
	if cert.NotAfter.IsZero() {
		problem("no expiry date")
	}

	v.KeyMatches, err = keyMatchesCert(b.paths.Key, cert)
	if err != nil {
		problem("broker key: %v", err)
	} else if !v.KeyMatches {
		problem("broker key does not match certificate")
	}

	v.Status = StatusFail
	if len(v.Problems) == 0 {
		v.Status = StatusOK
	}
	return v, nil
}

// Delete removes the broker key and certificate.
func (b *Broker) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := b.ca.opts.locker.Lock(LockBroker)
	defer unlock()

	var removed []string
	for _, p := range []string{b.paths.Key, b.paths.Cert} {
		ok, err := removeIfExists(p)
		if err != nil {
			return err
		}
		if ok {
			removed = append(removed, p)
		}
	}
	if len(removed) == 0 {
		return fmt.Errorf("%w: no broker files in %s", ErrNotFound, b.paths.Dir)
	}
	b.ca.logger.Info("broker certificate deleted", "removed", removed)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func certSANs(cert *x509.Certificate) []SAN {
	sans := []SAN{}
	for _, d := range cert.DNSNames {
		sans = append(sans, SAN{Type: "DNS", Value: d})
	}
	for _, ip := range cert.IPAddresses {
		sans = append(sans, SAN{Type: "IP", Value: ip.String()})
	}
	return sans
}

func keyMatchesCert(keyPath string, cert *x509.Certificate) (bool, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, keyPath)
		}
		return false, storageErr("reading key", err)
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return false, err
	}
	want, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrParse, err)
	}
	got, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return bytes.Equal(want, got), nil
}

func writeStaged(files map[string][]byte, mode fs.FileMode) error {
	for path, data := range files {
		if err := os.WriteFile(path, data, mode); err != nil {
			return storageErr("staging "+filepath.Base(path), err)
		}
		// WriteFile applies the umask; force the documented mode.
		if err := os.Chmod(path, mode); err != nil {
			return storageErr("staging "+filepath.Base(path), err)
		}
	}
	return nil
}
