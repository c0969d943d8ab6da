package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mqttadmin/mosquitto-auth/config"
	"github.com/mqttadmin/mosquitto-auth/passwd"
	"github.com/mqttadmin/mosquitto-auth/pki"
	"github.com/mqttadmin/mosquitto-auth/storage"
	bboltstorage "github.com/mqttadmin/mosquitto-auth/storage/bbolt"
	pgstorage "github.com/mqttadmin/mosquitto-auth/storage/postgres"
)

// engines groups the credential store and the certificate engines built
// from one Config. Every engine shares the CA's Locker.
type engines struct {
	users   *passwd.Store
	ca      *pki.CA
	broker  *pki.Broker
	clients *pki.Clients
}

func newEngines(c *config.Config) (*engines, error) {
	alg, err := passwd.ParseAlgorithm(c.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	users := passwd.New(c.PasswdFile,
		passwd.WithAlgorithm(alg),
		passwd.WithIterations(c.HashIterations),
		passwd.WithLogger(logger),
	)

	var tk pki.Toolkit = pki.NewNativeToolkit()
	if c.Toolkit == config.ToolkitOpenSSL {
		tk = pki.NewOpenSSLToolkit(c.OpenSSLPath,
			pki.WithOpenSSLTimeout(c.SigningTimeout),
			pki.WithOpenSSLLogger(logger),
		)
	}
	ca := pki.NewCA(pki.CAPaths{
		Key:    c.CAKeyPath,
		Cert:   c.CACertPath,
		Serial: c.CASerialPath,
	}, pki.WithToolkit(tk), pki.WithLogger(logger))
	broker := pki.NewBroker(ca, pki.BrokerPaths{
		Dir:  c.BrokerDir,
		Key:  c.BrokerKeyPath,
		Cert: c.BrokerCertPath,
	}, c.BrokerCN)
	clients := pki.NewClients(ca, c.ClientCertsDir)

	return &engines{users: users, ca: ca, broker: broker, clients: clients}, nil
}

// openLedger opens the PostgreSQL ledger when a DSN is configured and the
// BBolt file otherwise.
func openLedger(ctx context.Context, c *config.Config) (storage.Repository, error) {
	if c.AuditPostgresDSN != "" {
		return pgstorage.NewRepositoryFromDSN(ctx, c.AuditPostgresDSN)
	}
	return bboltstorage.NewRepositoryFromFile(c.AuditDB, nil)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
