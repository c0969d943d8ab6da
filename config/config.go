// Package config builds the single Config value the service and the CLI
// share. Values come from the environment (parsed with caarlos0/env) and
// may be overridden by command-line flags before Resolve is called.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v7"
)

// ErrInvalidConfig is returned by Validate when a field holds an unusable value.
var ErrInvalidConfig = errors.New("invalid configuration")

// Toolkit backends.
const (
	ToolkitNative  = "native"
	ToolkitOpenSSL = "openssl"
)

// Reload modes.
const (
	ReloadNone   = "none"
	ReloadDocker = "docker"
	ReloadPID    = "pid"
)

// Config is the complete runtime configuration.
type Config struct {
	APIKey    string `env:"API_KEY"`
	APIHost   string `env:"API_HOST"   envDefault:"0.0.0.0"`
	APIPort   int    `env:"API_PORT"   envDefault:"8000"`
	TLSCert   string `env:"TLS_CERT"`
	TLSKey    string `env:"TLS_KEY"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	BrokerCN   string `env:"BROKER_CN"`
	BrokerPort int    `env:"BROKER_PORT" envDefault:"8883"`

	PasswdFile     string `env:"PASSWD_FILE_PATH" envDefault:"config/mosquitto.passwd"`
	HashAlgorithm  string `env:"HASH_ALGORITHM"   envDefault:"sha512-pbkdf2"`
	HashIterations int    `env:"HASH_ITERATIONS"  envDefault:"101"`

	CertsDir       string `env:"CERTS_DIR" envDefault:"certs"`
	CAKeyPath      string `env:"CA_KEY_PATH"`
	CACertPath     string `env:"CA_CERT_PATH"`
	CASerialPath   string `env:"CA_SERIAL_PATH"`
	BrokerDir      string `env:"BROKER_DIR"`
	BrokerKeyPath  string `env:"BROKER_KEY_PATH"`
	BrokerCertPath string `env:"BROKER_CERT_PATH"`
	ClientCertsDir string `env:"CLIENT_CERTS_DIR"`

	Toolkit        string        `env:"CERT_TOOLKIT"    envDefault:"native"`
	OpenSSLPath    string        `env:"OPENSSL_PATH"    envDefault:"openssl"`
	SigningTimeout time.Duration `env:"SIGNING_TIMEOUT" envDefault:"30s"`
	Workers        int           `env:"WORKERS"         envDefault:"4"`

	ReloadMode      string `env:"RELOAD_MODE"      envDefault:"none"`
	ReloadContainer string `env:"RELOAD_CONTAINER" envDefault:"mosquitto"`
	ReloadPIDFile   string `env:"RELOAD_PID_FILE"  envDefault:"/var/run/mosquitto.pid"`

	// TrustedProxies lists CIDRs whose forwarding headers are honoured.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	AuditDB          string `env:"AUDIT_DB" envDefault:"data/audit.db"`
	// AuditPostgresDSN selects the PostgreSQL ledger instead of AuditDB.
	AuditPostgresDSN string `env:"AUDIT_POSTGRES_DSN"`

	AuditWebhookURL    string `env:"AUDIT_WEBHOOK_URL"`
	AuditWebhookHeader string `env:"AUDIT_WEBHOOK_HEADER"`
}

// Load parses environ (KEY=VALUE pairs, as returned by os.Environ) into a
// Config. A nil environ reads the process environment.
func Load(environ []string) (*Config, error) {
	cfg := &Config{}
	var opts env.Options
	if environ != nil {
		opts.Environment = toMap(environ)
	}
	if err := env.Parse(cfg, opts); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

func toMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return m
}

// Resolve fills every path that was not set explicitly from CertsDir.
func (c *Config) Resolve() {
	if c.CAKeyPath == "" {
		c.CAKeyPath = filepath.Join(c.CertsDir, "ca.key")
	}
	if c.CACertPath == "" {
		c.CACertPath = filepath.Join(c.CertsDir, "ca.crt")
	}
	if c.CASerialPath == "" {
		c.CASerialPath = filepath.Join(c.CertsDir, "ca.srl")
	}
	if c.BrokerDir == "" {
		c.BrokerDir = filepath.Join(c.CertsDir, "broker")
	}
	if c.BrokerKeyPath == "" {
		c.BrokerKeyPath = filepath.Join(c.BrokerDir, "broker.key")
	}
	if c.BrokerCertPath == "" {
		c.BrokerCertPath = filepath.Join(c.BrokerDir, "broker.crt")
	}
	if c.ClientCertsDir == "" {
		c.ClientCertsDir = filepath.Join(c.CertsDir, "client")
	}
}

// Validate checks enum fields and, when requireAPIKey is set, that an API
// key is configured.
func (c *Config) Validate(requireAPIKey bool) error {
	if requireAPIKey && strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: API_KEY must be set", ErrInvalidConfig)
	}
	switch c.HashAlgorithm {
	case "sha512-pbkdf2", "sha512":
	default:
		return fmt.Errorf("%w: unknown hash algorithm %q", ErrInvalidConfig, c.HashAlgorithm)
	}
	switch c.Toolkit {
	case ToolkitNative, ToolkitOpenSSL:
	default:
		return fmt.Errorf("%w: unknown certificate toolkit %q", ErrInvalidConfig, c.Toolkit)
	}
	switch c.ReloadMode {
	case ReloadNone, ReloadDocker, ReloadPID:
	default:
		return fmt.Errorf("%w: unknown reload mode %q", ErrInvalidConfig, c.ReloadMode)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("%w: API port %d out of range", ErrInvalidConfig, c.APIPort)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalidConfig)
	}
	if c.SigningTimeout <= 0 {
		return fmt.Errorf("%w: signing timeout must be positive", ErrInvalidConfig)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%w: TLS_CERT and TLS_KEY must be set together", ErrInvalidConfig)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
}

// NewLogger builds the process logger. A nil w writes to stderr.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses are accepted
// as single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted proxy %q is not a CIDR or address", ErrInvalidConfig, raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
