package pki

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
)

// DefaultClientValidityDays is the default client certificate lifetime.
const DefaultClientValidityDays = 365

const (
	clientKeyMode fs.FileMode = 0o600
	clientDirMode fs.FileMode = 0o755
)

// ClientResult describes a freshly issued client certificate.
type ClientResult struct {
	Username     string    `json:"username"`
	ValidityDays int       `json:"validity_days"`
	NotAfter     time.Time `json:"not_after"`
	Dir          string    `json:"dir"`
	KeyPath      string    `json:"key_path"`
	CertPath     string    `json:"cert_path"`
}

// SignatureStatus reports whether a certificate verifies against the CA.
type SignatureStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// ClientVerification is the outcome of checking a client certificate.
type ClientVerification struct {
	Username   string          `json:"username"`
	ValidFrom  time.Time       `json:"valid_from"`
	ValidUntil time.Time       `json:"valid_until"`
	Signature  SignatureStatus `json:"signature"`
}

// Clients is the client certificate engine. Every user owns the namespace
// <dir>/<username>/ holding <username>.key and <username>.crt.
type Clients struct {
	ca  *CA
	dir string
}

// NewClients returns a client engine rooted at dir and signing with ca.
func NewClients(ca *CA, dir string) *Clients {
	return &Clients{ca: ca, dir: dir}
}

// Dir returns the root of the client namespaces.
func (c *Clients) Dir() string { return c.dir }

func (c *Clients) paths(username string) (dir, key, cert string) {
	dir = filepath.Join(c.dir, username)
	return dir, filepath.Join(dir, username+".key"), filepath.Join(dir, username+".crt")
}

func validateUsername(username string) error {
	if !util.ValidUsername(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return nil
}

// Generate issues (or reissues) the key and certificate for username. The
// new namespace is built in a staging directory and swapped in whole.
func (c *Clients) Generate(ctx context.Context, username string, validityDays int) (*ClientResult, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	days, err := validityOrDefault(validityDays, DefaultClientValidityDays)
	if err != nil {
		return nil, err
	}

	locker := c.ca.opts.locker
	unlockClient := locker.Lock(ClientLockKey(username))
	defer unlockClient()
	unlockCA := locker.RLock(LockCA)
	defer unlockCA()

	if err := c.ca.initialized(); err != nil {
		return nil, err
	}

	tk := c.ca.opts.toolkit
	keyPEM, err := tk.GenerateKey(ctx, c.ca.opts.leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating client key: %w", err)
	}
	csrPEM, err := tk.BuildCSR(ctx, keyPEM, CSRRequest{CommonName: username})
	if err != nil {
		return nil, fmt.Errorf("building client CSR: %w", err)
	}
	certPEM, err := c.ca.sign(ctx, csrPEM, SigningProfile{ValidityDays: days, Usage: UsageClient})
	if err != nil {
		return nil, fmt.Errorf("signing client certificate: %w", err)
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("client certificate from toolkit: %w", err)
	}

	if err := os.MkdirAll(c.dir, clientDirMode); err != nil {
		return nil, storageErr("creating client root", err)
	}
	staging, err := os.MkdirTemp(c.dir, "."+username+".staging-*")
	if err != nil {
		return nil, storageErr("creating staging directory", err)
	}
	defer os.RemoveAll(staging)
	if err := os.Chmod(staging, clientDirMode); err != nil {
		return nil, storageErr("staging directory mode", err)
	}
	if err := writeStaged(map[string][]byte{filepath.Join(staging, username+".key"): keyPEM}, clientKeyMode); err != nil {
		return nil, err
	}
	if err := writeStaged(map[string][]byte{filepath.Join(staging, username+".crt"): certPEM}, certMode); err != nil {
		return nil, err
	}

	dir, keyPath, certPath := c.paths(username)
	if err := swapDir(staging, dir); err != nil {
		return nil, err
	}

	c.ca.logger.Info("client certificate issued", "username", username, "validity_days", days,
		"serial", util.HexEncode(cert.SerialNumber.Bytes()))
	return &ClientResult{
		Username:     username,
		ValidityDays: days,
		NotAfter:     cert.NotAfter,
		Dir:          dir,
		KeyPath:      keyPath,
		CertPath:     certPath,
	}, nil
}

// swapDir replaces dst with src. An existing dst is first moved aside and
// removed after src is in place.
func swapDir(src, dst string) error {
	exists, err := util.Exists(dst)
	if err != nil {
		return storageErr("checking "+dst, err)
	}
	if !exists {
		if err := os.Rename(src, dst); err != nil {
			return storageErr("installing "+dst, err)
		}
		return nil
	}
	old, err := os.MkdirTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".old-*")
	if err != nil {
		return storageErr("preparing swap", err)
	}
	// MkdirTemp reserved the name; Rename needs it absent.
	if err := os.Remove(old); err != nil {
		return storageErr("preparing swap", err)
	}
	if err := os.Rename(dst, old); err != nil {
		return storageErr("moving aside "+dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		_ = os.Rename(old, dst)
		return storageErr("installing "+dst, err)
	}
	_ = os.RemoveAll(old)
	return nil
}

// Exists reports whether both the user's key and certificate exist.
func (c *Clients) Exists(ctx context.Context, username string) (bool, error) {
	if err := validateUsername(username); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, keyPath, certPath := c.paths(username)
	for _, p := range []string{certPath, keyPath} {
		ok, err := util.Exists(p)
		if err != nil {
			return false, storageErr("checking "+p, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// List yields the usernames that own a namespace, sorted. Staging and
// foreign entries are skipped; a missing root yields nothing.
func (c *Clients) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		entries, err := os.ReadDir(c.dir)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield("", storageErr("listing client root", err))
			return
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			name := e.Name()
			if !e.IsDir() || strings.HasPrefix(name, ".") || !util.ValidUsername(name) {
				continue
			}
			if !yield(name, nil) {
				return
			}
		}
	}
}

// Usernames collects List into a slice. It never returns nil on success.
func (c *Clients) Usernames(ctx context.Context) ([]string, error) {
	names := []string{}
	for name, err := range c.List(ctx) {
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Verify reports the validity window of the user's certificate and whether
// it verifies against the current CA.
func (c *Clients) Verify(ctx context.Context, username string) (*ClientVerification, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	_, _, certPath := c.paths(username)
	certPEM, err := readIdentityFile(certPath, "client certificate")
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	v := &ClientVerification{
		Username:   username,
		ValidFrom:  cert.NotBefore.UTC(),
		ValidUntil: cert.NotAfter.UTC(),
	}
	caPEM, err := os.ReadFile(c.ca.paths.Cert)
	if err != nil {
		v.Signature.Detail = fmt.Sprintf("CA certificate unavailable: %v", err)
		return v, nil
	}
	if err := c.ca.opts.toolkit.VerifyChain(ctx, certPEM, caPEM, x509.ExtKeyUsageClientAuth); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		v.Signature.Detail = err.Error()
		return v, nil
	}
	v.Signature = SignatureStatus{OK: true, Detail: "verified against " + c.ca.paths.Cert}
	return v, nil
}

// Delete removes the user's namespace.
func (c *Clients) Delete(ctx context.Context, username string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := c.ca.opts.locker.Lock(ClientLockKey(username))
	defer unlock()

	dir, _, _ := c.paths(username)
	exists, err := util.Exists(dir)
	if err != nil {
		return storageErr("checking "+dir, err)
	}
	if !exists {
		return fmt.Errorf("%w: client %s", ErrNotFound, username)
	}
	if err := os.RemoveAll(dir); err != nil {
		return storageErr("removing "+dir, err)
	}
	c.ca.logger.Info("client certificate deleted", "username", username)
	return nil
}

// material reads the user's key and certificate, failing with ErrNotFound
// if either is missing.
func (c *Clients) material(username string) (keyPEM, certPEM []byte, err error) {
	if err := validateUsername(username); err != nil {
		return nil, nil, err
	}
	_, keyPath, certPath := c.paths(username)
	if keyPEM, err = readIdentityFile(keyPath, "client key"); err != nil {
		return nil, nil, err
	}
	if certPEM, err = readIdentityFile(certPath, "client certificate"); err != nil {
		return nil, nil, err
	}
	return keyPEM, certPEM, nil
}
