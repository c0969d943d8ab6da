// Package pki manages the certificate material of a Mosquitto deployment:
// one self-signed root CA, the broker's server certificate and one client
// certificate per user. Everything lives as PEM files on disk; key and
// certificate generation go through a Toolkit so the in-process and the
// openssl(1) implementations are interchangeable.
package pki

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
)

const (
	// DefaultCACommonName is used when CA generation is given no name.
	DefaultCACommonName = "ROOT_BROKER_CA"
	// DefaultCAValidityDays is the default CA lifetime.
	DefaultCAValidityDays = 3650
	// MaxValidityDays caps every requested lifetime.
	MaxValidityDays = 36500

	caKeyBits   = 4096
	leafKeyBits = 2048

	caKeyMode  fs.FileMode = 0o600
	certMode   fs.FileMode = 0o644
	serialMode fs.FileMode = 0o644
)

// ---------------------------------------------------------------------------
// Options shared by the engines
// ---------------------------------------------------------------------------

type options struct {
	toolkit     Toolkit
	locker      *Locker
	logger      *slog.Logger
	caKeyBits   int
	leafKeyBits int
}

// Option configures a CA and, through it, the broker and client engines.
type Option func(*options)

// WithToolkit selects the cryptographic backend. The default is a
// NativeToolkit.
func WithToolkit(tk Toolkit) Option {
	return func(o *options) {
		if tk != nil {
			o.toolkit = tk
		}
	}
}

// WithLocker shares a Locker between engines built from different CAs.
func WithLocker(l *Locker) Option {
	return func(o *options) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithKeySizes overrides the RSA sizes (4096 for the CA, 2048 for leaves).
func WithKeySizes(caBits, leafBits int) Option {
	return func(o *options) {
		if caBits > 0 {
			o.caKeyBits = caBits
		}
		if leafBits > 0 {
			o.leafKeyBits = leafBits
		}
	}
}

// ---------------------------------------------------------------------------
// CA engine
// ---------------------------------------------------------------------------

// CAPaths locates the CA files.
type CAPaths struct {
	Key    string
	Cert   string
	Serial string
}

// CAResult describes a freshly generated CA.
type CAResult struct {
	CommonName   string    `json:"common_name"`
	ValidityDays int       `json:"validity_days"`
	NotAfter     time.Time `json:"not_after"`
	KeyPath      string    `json:"key_path"`
	CertPath     string    `json:"cert_path"`
	SerialPath   string    `json:"serial_path"`
}

// CAInfo is the inspection result for the CA certificate.
type CAInfo struct {
	Issuer            string    `json:"issuer"`
	Subject           string    `json:"subject"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	SerialNumber      string    `json:"serial_number"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	SelfSigned        bool      `json:"self_signed"`
}

// DeleteResult lists the files a delete removed.
type DeleteResult struct {
	Removed []string `json:"removed"`
}

// CA is the root certificate authority engine.
type CA struct {
	paths  CAPaths
	opts   options
	logger *slog.Logger

	// serialMu serialises read-increment-write of the serial file between
	// concurrent signers, which only hold the CA lock in shared mode.
	serialMu sync.Mutex
}

// NewCA returns a CA engine for the files in paths.
func NewCA(paths CAPaths, opts ...Option) *CA {
	o := options{
		logger:      slog.Default(),
		caKeyBits:   caKeyBits,
		leafKeyBits: leafKeyBits,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.toolkit == nil {
		o.toolkit = NewNativeToolkit()
	}
	if o.locker == nil {
		o.locker = NewLocker()
	}
	if paths.Serial == "" {
		paths.Serial = filepath.Join(filepath.Dir(paths.Cert), "ca.srl")
	}
	return &CA{
		paths:  paths,
		opts:   o,
		logger: o.logger.With("component", "pki"),
	}
}

// Paths returns the CA file locations.
func (c *CA) Paths() CAPaths { return c.paths }

// Toolkit returns the backend shared with the broker and client engines.
func (c *CA) Toolkit() Toolkit { return c.opts.toolkit }

// EnsureStorageRoot creates the directories holding the CA files and
// checks they are writable.
func (c *CA) EnsureStorageRoot() error {
	dirs := map[string]struct{}{
		filepath.Dir(c.paths.Key):    {},
		filepath.Dir(c.paths.Cert):   {},
		filepath.Dir(c.paths.Serial): {},
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storageErr("creating "+dir, err)
		}
		f, err := os.CreateTemp(dir, ".writable-*")
		if err != nil {
			return storageErr(dir+" is not writable", err)
		}
		f.Close()
		_ = os.Remove(f.Name())
	}
	return nil
}

// Generate creates the CA key and self-signed certificate. An existing CA
// yields ErrAlreadyInitialized; a half-present one ErrCAPartial.
func (c *CA) Generate(ctx context.Context, commonName string, validityDays int) (*CAResult, error) {
	if strings.TrimSpace(commonName) == "" {
		commonName = DefaultCACommonName
	}
	cn, err := normalizeCommonName(commonName)
	if err != nil {
		return nil, err
	}
	days, err := validityOrDefault(validityDays, DefaultCAValidityDays)
	if err != nil {
		return nil, err
	}

	unlock := c.opts.locker.Lock(LockCA)
	defer unlock()

	keyExists, certExists, err := c.presence()
	if err != nil {
		return nil, err
	}
	switch {
	case keyExists && certExists:
		return nil, ErrAlreadyInitialized
	case keyExists || certExists:
		return nil, ErrCAPartial
	}
	if err := c.EnsureStorageRoot(); err != nil {
		return nil, err
	}

	tk := c.opts.toolkit
	keyPEM, err := tk.GenerateKey(ctx, c.opts.caKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	certPEM, err := tk.SelfSign(ctx, keyPEM, cn, days, serial)
	if err != nil {
		return nil, fmt.Errorf("self-signing CA certificate: %w", err)
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("CA certificate from toolkit: %w", err)
	}

	if err := util.WriteFileAtomic(c.paths.Key, keyPEM, caKeyMode); err != nil {
		return nil, storageErr("writing CA key", err)
	}
	if err := util.WriteFileAtomic(c.paths.Cert, certPEM, certMode); err != nil {
		_ = os.Remove(c.paths.Key)
		return nil, storageErr("writing CA certificate", err)
	}
	if err := writeSerial(c.paths.Serial, serial); err != nil {
		c.logger.Warn("could not initialise serial file", "path", c.paths.Serial, "error", err)
	}

	c.logger.Info("CA generated", "common_name", cn, "validity_days", days, "not_after", cert.NotAfter)
	return &CAResult{
		CommonName:   cn,
		ValidityDays: days,
		NotAfter:     cert.NotAfter,
		KeyPath:      c.paths.Key,
		CertPath:     c.paths.Cert,
		SerialPath:   c.paths.Serial,
	}, nil
}

// Inspect parses the CA certificate.
func (c *CA) Inspect(ctx context.Context) (*CAInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	certPEM, err := readIdentityFile(c.paths.Cert, "CA certificate")
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	fp := sha256.Sum256(cert.Raw)
	return &CAInfo{
		Issuer:            cert.Issuer.String(),
		Subject:           cert.Subject.String(),
		NotBefore:         cert.NotBefore.UTC(),
		NotAfter:          cert.NotAfter.UTC(),
		SerialNumber:      util.HexEncode(cert.SerialNumber.Bytes()),
		FingerprintSHA256: util.HexEncode(fp[:]),
		SelfSigned:        cert.CheckSignatureFrom(cert) == nil && cert.Issuer.String() == cert.Subject.String(),
	}, nil
}

// Certificate returns the CA certificate PEM.
func (c *CA) Certificate(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readIdentityFile(c.paths.Cert, "CA certificate")
}

// Delete removes the CA key, certificate and serial file. It fails with
// ErrNotFound when neither the key nor the certificate existed.
func (c *CA) Delete(ctx context.Context) (*DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := c.opts.locker.Lock(LockCA)
	defer unlock()

	res := &DeleteResult{Removed: []string{}}
	for _, p := range []string{c.paths.Key, c.paths.Cert} {
		removed, err := removeIfExists(p)
		if err != nil {
			return nil, err
		}
		if removed {
			res.Removed = append(res.Removed, p)
		}
	}
	if len(res.Removed) == 0 {
		return nil, fmt.Errorf("%w: no CA files at %s", ErrNotFound, filepath.Dir(c.paths.Cert))
	}
	if removed, err := removeIfExists(c.paths.Serial); err != nil {
		return nil, err
	} else if removed {
		res.Removed = append(res.Removed, c.paths.Serial)
	}
	c.logger.Info("CA deleted", "removed", res.Removed)
	return res, nil
}

// Sign issues a certificate for csrPEM with the next serial number.
func (c *CA) Sign(ctx context.Context, csrPEM []byte, prof SigningProfile) ([]byte, error) {
	unlock := c.opts.locker.RLock(LockCA)
	defer unlock()
	return c.sign(ctx, csrPEM, prof)
}

// sign requires the caller to hold the CA lock in at least shared mode.
func (c *CA) sign(ctx context.Context, csrPEM []byte, prof SigningProfile) ([]byte, error) {
	keyPEM, certPEM, err := c.material()
	if err != nil {
		return nil, err
	}
	serial, err := c.nextSerial()
	if err != nil {
		return nil, err
	}
	return c.opts.toolkit.CASign(ctx, csrPEM, Authority{KeyPEM: keyPEM, CertPEM: certPEM, Serial: serial}, prof)
}

// initialized returns nil when both CA files exist, ErrCAPartial when one
// does and ErrCANotInitialized when neither does.
func (c *CA) initialized() error {
	keyExists, certExists, err := c.presence()
	if err != nil {
		return err
	}
	switch {
	case keyExists && certExists:
		return nil
	case keyExists || certExists:
		return ErrCAPartial
	}
	return ErrCANotInitialized
}

func (c *CA) presence() (keyExists, certExists bool, err error) {
	if keyExists, err = util.Exists(c.paths.Key); err != nil {
		return false, false, storageErr("checking CA key", err)
	}
	if certExists, err = util.Exists(c.paths.Cert); err != nil {
		return false, false, storageErr("checking CA certificate", err)
	}
	return keyExists, certExists, nil
}

func (c *CA) material() (keyPEM, certPEM []byte, err error) {
	if err := c.initialized(); err != nil {
		return nil, nil, err
	}
	if keyPEM, err = os.ReadFile(c.paths.Key); err != nil {
		return nil, nil, storageErr("reading CA key", err)
	}
	if certPEM, err = os.ReadFile(c.paths.Cert); err != nil {
		return nil, nil, storageErr("reading CA certificate", err)
	}
	return keyPEM, certPEM, nil
}

// nextSerial reads the last issued serial from the serial file, increments
// it and writes it back. A missing or unreadable file starts from a random
// 128-bit value.
func (c *CA) nextSerial() (*big.Int, error) {
	c.serialMu.Lock()
	defer c.serialMu.Unlock()

	var serial *big.Int
	data, err := os.ReadFile(c.paths.Serial)
	switch {
	case err == nil:
		b, decErr := util.HexDecode(string(data))
		if decErr != nil || len(b) == 0 {
			c.logger.Warn("serial file unreadable, starting from a random serial", "path", c.paths.Serial)
			break
		}
		serial = new(big.Int).SetBytes(b)
		serial.Add(serial, big.NewInt(1))
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, storageErr("reading serial file", err)
	}
	if serial == nil {
		if serial, err = util.RandomSerial(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigning, err)
		}
	}
	if err := writeSerial(c.paths.Serial, serial); err != nil {
		return nil, err
	}
	return serial, nil
}

// writeSerial stores serial as uppercase hex with an even digit count, the
// format openssl uses for its .srl files.
func writeSerial(path string, serial *big.Int) error {
	s := fmt.Sprintf("%X", serial)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	if err := util.WriteFileAtomic(path, []byte(s+"\n"), serialMode); err != nil {
		return storageErr("writing serial file", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// File helpers
// ---------------------------------------------------------------------------

func validityOrDefault(days, def int) (int, error) {
	if days == 0 {
		return def, nil
	}
	if days < 0 || days > MaxValidityDays {
		return 0, fmt.Errorf("%w: validity %d days outside 1-%d", ErrValidation, days, MaxValidityDays)
	}
	return days, nil
}

func readIdentityFile(path, what string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, what, path)
	}
	if err != nil {
		return nil, storageErr("reading "+what, err)
	}
	return data, nil
}

func removeIfExists(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, storageErr("removing "+path, err)
}
