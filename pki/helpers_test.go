package pki_test

import (
	"path/filepath"
	"testing"

	"github.com/mqttadmin/mosquitto-auth/pki"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	root    string
	ca      *pki.CA
	broker  *pki.Broker
	clients *pki.Clients
}

// newTestEnv lays out certs/ under a temp dir the way the service does and
// uses smaller CA keys to keep the suite fast.
func newTestEnv(t *testing.T, opts ...pki.Option) *testEnv {
	t.Helper()
	root := filepath.Join(t.TempDir(), "certs")
	opts = append([]pki.Option{pki.WithKeySizes(2048, 2048)}, opts...)
	ca := pki.NewCA(pki.CAPaths{
		Key:    filepath.Join(root, "ca.key"),
		Cert:   filepath.Join(root, "ca.crt"),
		Serial: filepath.Join(root, "ca.srl"),
	}, opts...)
	broker := pki.NewBroker(ca, pki.BrokerPaths{
		Dir:  filepath.Join(root, "broker"),
		Key:  filepath.Join(root, "broker", "broker.key"),
		Cert: filepath.Join(root, "broker", "broker.crt"),
	}, "broker.example.com")
	clients := pki.NewClients(ca, filepath.Join(root, "client"))
	return &testEnv{root: root, ca: ca, broker: broker, clients: clients}
}

func (e *testEnv) initCA(t *testing.T) {
	t.Helper()
	_, err := e.ca.Generate(t.Context(), "", 0)
	require.NoError(t, err)
}
