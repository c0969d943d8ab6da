package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mqttadmin/mosquitto-auth/api"
	"github.com/mqttadmin/mosquitto-auth/internal/util"
	"github.com/mqttadmin/mosquitto-auth/internal/workpool"
	"github.com/mqttadmin/mosquitto-auth/pki"
	"github.com/mqttadmin/mosquitto-auth/reload"
)

const limiterSweepInterval = 5 * time.Minute

var (
	serverPort int
	serverHost string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the REST API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.APIPort = serverPort
		}
		if cmd.Flags().Changed("host") {
			cfg.APIHost = serverHost
		}
		if err := cfg.Validate(true); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		if err := eng.ca.EnsureStorageRoot(); err != nil {
			return fmt.Errorf("preparing certificate directory: %w", err)
		}

		ledger, err := openLedger(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open audit ledger: %w", err)
		}
		defer ledger.Close()

		reloader, err := reload.New(cfg, logger)
		if err != nil {
			return err
		}
		proxies, err := cfg.TrustedProxyPrefixes()
		if err != nil {
			return err
		}

		a := api.New(eng.users, eng.ca, eng.broker, eng.clients,
			api.WithLogger(logger),
			api.WithAPIKey(cfg.APIKey),
			api.WithReloader(reloader),
			api.WithPool(workpool.New(cfg.Workers)),
			api.WithLedger(ledger),
			api.WithTrustedProxies(proxies),
			api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookHeader),
		)
		defer a.Close()
		go a.SweepLoop(ctx, limiterSweepInterval)

		tlsConfig, err := serverTLSConfig(ctx)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Addr(),
			Handler:           a.Handler(),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      2 * time.Minute,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server started", "addr", cfg.Addr(), "reloader", reloader.Name(),
			"toolkit", cfg.Toolkit, "workers", cfg.Workers)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 8000, "Port to listen on (API_PORT)")
	serverCmd.Flags().StringVar(&serverHost, "host", "0.0.0.0", "Address to bind (API_HOST)")
}

func serverTLSConfig(ctx context.Context) (*tls.Config, error) {
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	}
	cert, err := runtimeCertificate(ctx, pki.NewNativeToolkit())
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	logger.Warn("using a self-signed certificate generated at startup; set TLS_CERT and TLS_KEY for production")
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// runtimeCertificate issues a throwaway server certificate for localhost
// from a throwaway root. Neither key is written to disk.
func runtimeCertificate(ctx context.Context, tk pki.Toolkit) (tls.Certificate, error) {
	serial, err := util.RandomSerial()
	if err != nil {
		return tls.Certificate{}, err
	}
	rootKey, err := tk.GenerateKey(ctx, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	rootCert, err := tk.SelfSign(ctx, rootKey, "mosquitto-auth runtime CA", 365, serial)
	if err != nil {
		return tls.Certificate{}, err
	}
	leafKey, err := tk.GenerateKey(ctx, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	csr, err := tk.BuildCSR(ctx, leafKey, pki.CSRRequest{
		CommonName:  "localhost",
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	})
	if err != nil {
		return tls.Certificate{}, err
	}
	leafSerial := new(big.Int).Add(serial, big.NewInt(1))
	leafCert, err := tk.CASign(ctx, csr,
		pki.Authority{KeyPEM: rootKey, CertPEM: rootCert, Serial: leafSerial},
		pki.SigningProfile{ValidityDays: 365, Usage: pki.UsageServer})
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(append(leafCert, rootCert...), leafKey)
}

