package pki

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultToolTimeout bounds every openssl invocation.
const DefaultToolTimeout = 30 * time.Second

// ---------------------------------------------------------------------------
// OpenSSLToolkit: openssl(1) subprocess implementation
// ---------------------------------------------------------------------------

// OpenSSLToolkit runs the openssl command line tool. Each call works in a
// private temporary directory that is removed afterwards unless KeepTemp
// is set.
type OpenSSLToolkit struct {
	path     string
	timeout  time.Duration
	keepTemp bool
	logger   *slog.Logger
}

// Compile-time interface check.
var _ Toolkit = (*OpenSSLToolkit)(nil)

// OpenSSLOption configures an OpenSSLToolkit.
type OpenSSLOption func(*OpenSSLToolkit)

// WithOpenSSLTimeout overrides DefaultToolTimeout.
func WithOpenSSLTimeout(d time.Duration) OpenSSLOption {
	return func(t *OpenSSLToolkit) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithKeepTemp leaves every working directory in place and logs its path.
func WithKeepTemp(keep bool) OpenSSLOption {
	return func(t *OpenSSLToolkit) { t.keepTemp = keep }
}

// WithOpenSSLLogger sets the toolkit logger.
func WithOpenSSLLogger(l *slog.Logger) OpenSSLOption {
	return func(t *OpenSSLToolkit) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewOpenSSLToolkit returns a toolkit running the binary at path (looked
// up in PATH when it has no separator).
func NewOpenSSLToolkit(path string, opts ...OpenSSLOption) *OpenSSLToolkit {
	if path == "" {
		path = "openssl"
	}
	t := &OpenSSLToolkit{
		path:    path,
		timeout: DefaultToolTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "openssl")
	return t
}

// Available reports whether the openssl binary can be found.
func (t *OpenSSLToolkit) Available() bool {
	_, err := exec.LookPath(t.path)
	return err == nil
}

// GenerateKey runs "openssl genrsa".
func (t *OpenSSLToolkit) GenerateKey(ctx context.Context, bits int) ([]byte, error) {
	var keyPEM []byte
	err := t.workspace(func(dir string) error {
		if err := t.run(ctx, dir, "genrsa", "-out", "key.pem", strconv.Itoa(bits)); err != nil {
			return err
		}
		var err error
		keyPEM, err = os.ReadFile(filepath.Join(dir, "key.pem"))
		return err
	})
	return keyPEM, err
}

// BuildCSR runs "openssl req -new" with the SANs in a request extension.
func (t *OpenSSLToolkit) BuildCSR(ctx context.Context, keyPEM []byte, req CSRRequest) ([]byte, error) {
	var csrPEM []byte
	err := t.workspace(func(dir string) error {
		cnf := "[req]\ndistinguished_name = dn\n[dn]\n"
		if san := sanLine(req.DNSNames, req.IPAddresses); san != "" {
			cnf = "[req]\ndistinguished_name = dn\nreq_extensions = v3_req\n[dn]\n[v3_req]\n" + san + "\n"
		}
		if err := writeFiles(dir, map[string][]byte{"key.pem": keyPEM, "req.cnf": []byte(cnf)}); err != nil {
			return err
		}
		if err := t.run(ctx, dir, "req", "-new", "-sha256", "-key", "key.pem",
			"-subj", "/CN="+req.CommonName, "-config", "req.cnf", "-out", "req.csr"); err != nil {
			return err
		}
		var err error
		csrPEM, err = os.ReadFile(filepath.Join(dir, "req.csr"))
		return err
	})
	return csrPEM, err
}

// SelfSign runs "openssl req -x509" with a CA extension section.
func (t *OpenSSLToolkit) SelfSign(ctx context.Context, keyPEM []byte, commonName string, validityDays int, serial *big.Int) ([]byte, error) {
	var certPEM []byte
	err := t.workspace(func(dir string) error {
		cnf := "[req]\ndistinguished_name = dn\n[dn]\n[v3_ca]\n" +
			"basicConstraints = critical,CA:TRUE\n" +
			"keyUsage = critical,keyCertSign,cRLSign\n" +
			"subjectKeyIdentifier = hash\n"
		if err := writeFiles(dir, map[string][]byte{"key.pem": keyPEM, "ca.cnf": []byte(cnf)}); err != nil {
			return err
		}
		if err := t.run(ctx, dir, "req", "-x509", "-new", "-sha256", "-key", "key.pem",
			"-subj", "/CN="+commonName, "-days", strconv.Itoa(validityDays),
			"-set_serial", serialArg(serial), "-config", "ca.cnf", "-extensions", "v3_ca",
			"-out", "ca.crt"); err != nil {
			return err
		}
		var err error
		certPEM, err = os.ReadFile(filepath.Join(dir, "ca.crt"))
		return err
	})
	return certPEM, err
}

// CASign runs "openssl x509 -req" with an extension file derived from the
// profile and the SANs parsed out of the CSR.
func (t *OpenSSLToolkit) CASign(ctx context.Context, csrPEM []byte, ca Authority, prof SigningProfile) ([]byte, error) {
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	eku := "serverAuth"
	if prof.Usage == UsageClient {
		eku = "clientAuth"
	}
	ext := "basicConstraints = CA:FALSE\n" +
		"keyUsage = critical,digitalSignature,keyEncipherment\n" +
		"extendedKeyUsage = " + eku + "\n" +
		"subjectKeyIdentifier = hash\n" +
		"authorityKeyIdentifier = keyid,issuer\n"
	if san := sanLine(csr.DNSNames, csr.IPAddresses); san != "" {
		ext += san + "\n"
	}

	var certPEM []byte
	err = t.workspace(func(dir string) error {
		if err := writeFiles(dir, map[string][]byte{
			"req.csr": csrPEM,
			"ca.key":  ca.KeyPEM,
			"ca.crt":  ca.CertPEM,
			"ext.cnf": []byte(ext),
		}); err != nil {
			return err
		}
		if err := t.run(ctx, dir, "x509", "-req", "-sha256", "-in", "req.csr",
			"-CA", "ca.crt", "-CAkey", "ca.key", "-set_serial", serialArg(ca.Serial),
			"-days", strconv.Itoa(prof.ValidityDays), "-extfile", "ext.cnf", "-out", "leaf.crt"); err != nil {
			return err
		}
		var err error
		certPEM, err = os.ReadFile(filepath.Join(dir, "leaf.crt"))
		return err
	})
	return certPEM, err
}

// VerifyChain runs "openssl verify" with the matching purpose.
func (t *OpenSSLToolkit) VerifyChain(ctx context.Context, certPEM, caPEM []byte, usage x509.ExtKeyUsage) error {
	purpose := "sslserver"
	if usage == x509.ExtKeyUsageClientAuth {
		purpose = "sslclient"
	}
	return t.workspace(func(dir string) error {
		if err := writeFiles(dir, map[string][]byte{"cert.pem": certPEM, "ca.pem": caPEM}); err != nil {
			return err
		}
		return t.run(ctx, dir, "verify", "-CAfile", "ca.pem", "-purpose", purpose, "cert.pem")
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (t *OpenSSLToolkit) workspace(fn func(dir string) error) error {
	dir, err := os.MkdirTemp("", "mosquitto-auth-openssl-*")
	if err != nil {
		return storageErr("creating openssl workspace", err)
	}
	if t.keepTemp {
		t.logger.Info("keeping openssl workspace", "dir", dir)
	} else {
		defer os.RemoveAll(dir)
	}
	if err := fn(dir); err != nil {
		var te *ToolError
		if !errors.As(err, &te) && errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: expected output missing: %v", ErrToolInvocation, err)
		}
		return err
	}
	return nil
}

func (t *OpenSSLToolkit) run(ctx context.Context, dir string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.path, args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	t.logger.Debug("openssl", "args", strings.Join(args, " "), "elapsed", time.Since(start), "error", err)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: openssl %s exceeded %s", ErrSigningTimeout, args[0], t.timeout)
	}
	return &ToolError{Tool: t.path, Args: args, Output: out.String(), Err: err}
}

func writeFiles(dir string, files map[string][]byte) error {
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return storageErr("writing "+name, err)
		}
	}
	return nil
}

func sanLine(dns []string, ips []net.IP) string {
	var parts []string
	for _, d := range dns {
		parts = append(parts, "DNS:"+d)
	}
	for _, ip := range ips {
		parts = append(parts, "IP:"+ip.String())
	}
	if len(parts) == 0 {
		return ""
	}
	return "subjectAltName = " + strings.Join(parts, ",")
}

func serialArg(serial *big.Int) string {
	return "0x" + serial.Text(16)
}
