package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mqttadmin/mosquitto-auth/config"
)

// Version is overridden at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	cfg    *config.Config
	logger *slog.Logger
)

var flagOverrides struct {
	certsDir   string
	passwdFile string
	toolkit    string
	auditDB    string
	logLevel   string
	logFormat  string
}

var rootCmd = &cobra.Command{
	Use:   "mosquitto-auth",
	Short: "Identity management for a Mosquitto MQTT broker",
	Long: `Manages the Mosquitto password file, a self-signed certificate authority,
the broker's TLS server certificate and per-client certificates.

Configuration is read from the environment (API_KEY, CERTS_DIR,
PASSWD_FILE_PATH, ...); the persistent flags below take precedence.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&flagOverrides.certsDir, "certs-dir", "", "Certificate root directory (CERTS_DIR)")
	f.StringVar(&flagOverrides.passwdFile, "passwd-file", "", "Mosquitto password file (PASSWD_FILE_PATH)")
	f.StringVar(&flagOverrides.toolkit, "toolkit", "", "Certificate backend: native or openssl (CERT_TOOLKIT)")
	f.StringVar(&flagOverrides.auditDB, "audit-db", "", "Audit ledger database file (AUDIT_DB)")
	f.StringVar(&flagOverrides.logLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	f.StringVar(&flagOverrides.logFormat, "log-format", "", "json or text (LOG_FORMAT)")
	rootCmd.Version = Version
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(nil)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	override := func(name string, dst *string, val string) {
		if f.Changed(name) {
			*dst = val
		}
	}
	override("certs-dir", &c.CertsDir, flagOverrides.certsDir)
	override("passwd-file", &c.PasswdFile, flagOverrides.passwdFile)
	override("toolkit", &c.Toolkit, flagOverrides.toolkit)
	override("audit-db", &c.AuditDB, flagOverrides.auditDB)
	override("log-level", &c.LogLevel, flagOverrides.logLevel)
	override("log-format", &c.LogFormat, flagOverrides.logFormat)
	c.Resolve()

	if err := c.Validate(false); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	cfg = c
	logger = c.NewLogger(cmd.ErrOrStderr())
	return nil
}
