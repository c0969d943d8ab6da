package pki_test

import (
	"crypto/x509"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/mqttadmin/mosquitto-auth/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerGenerate_DNSName(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)

	res, err := env.broker.Generate(ctx, pki.BrokerRequest{})
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", res.CommonName)
	assert.Equal(t, pki.DefaultBrokerValidityDays, res.ValidityDays)
	assert.Empty(t, res.TempDir)

	certPEM, err := os.ReadFile(res.CertPath)
	require.NoError(t, err)
	cert, err := pki.ParseCertificate(certPEM)
	require.NoError(t, err)

	assert.Equal(t, "broker.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"broker.example.com", "localhost"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
	assert.False(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)

	for _, p := range []string{res.KeyPath, res.CertPath} {
		fi, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm(), p)
	}

	entries, err := os.ReadDir(env.broker.Paths().Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "staging directory must be removed")
}

func TestBrokerGenerate_IPAddress(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)

	res, err := env.broker.Generate(ctx, pki.BrokerRequest{CommonName: "10.0.0.5", ValidityDays: 30})
	require.NoError(t, err)

	certPEM, err := os.ReadFile(res.CertPath)
	require.NoError(t, err)
	cert, err := pki.ParseCertificate(certPEM)
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 2)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("10.0.0.5")))
	assert.True(t, cert.IPAddresses[1].Equal(net.ParseIP("127.0.0.1")))
	assert.Contains(t, res.SANs, pki.SAN{Type: "IP", Value: "10.0.0.5"})
}

func TestBrokerGenerate_KeepTemp(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)

	res, err := env.broker.Generate(ctx, pki.BrokerRequest{KeepTemp: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.TempDir)
	_, err = os.Stat(res.TempDir + "/broker.csr")
	assert.NoError(t, err)
}

func TestBrokerGenerate_MissingCA(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	_, err := env.broker.Generate(ctx, pki.BrokerRequest{})
	assert.ErrorIs(t, err, pki.ErrCAFilesMissing)

	_, err = os.Stat(env.broker.Paths().Dir)
	assert.True(t, os.IsNotExist(err), "no broker files may be created without a CA")
}

func TestBrokerGenerate_MissingCommonName(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)
	broker := pki.NewBroker(env.ca, env.broker.Paths(), "")

	_, err := broker.Generate(ctx, pki.BrokerRequest{CommonName: "   "})
	assert.ErrorIs(t, err, pki.ErrMissingCommonName)
}

func TestBrokerVerify(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	_, err := env.broker.Verify(ctx)
	assert.ErrorIs(t, err, pki.ErrNotFound)

	env.initCA(t)
	_, err = env.broker.Generate(ctx, pki.BrokerRequest{})
	require.NoError(t, err)

	v, err := env.broker.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, pki.StatusOK, v.Status, v.Problems)
	assert.True(t, v.CAVerified)
	assert.True(t, v.KeyUsageValid)
	assert.True(t, v.ExtKeyUsageValid)
	assert.True(t, v.KeyMatches)
	assert.Empty(t, v.Problems)
	assert.Contains(t, v.SANs, pki.SAN{Type: "DNS", Value: "localhost"})
	assert.False(t, v.ValidUntil.IsZero())
}

func TestBrokerVerify_ForeignCA(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)
	_, err := env.broker.Generate(ctx, pki.BrokerRequest{})
	require.NoError(t, err)

	_, err = env.ca.Delete(ctx)
	require.NoError(t, err)
	env.initCA(t)

	v, err := env.broker.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, pki.StatusFail, v.Status)
	assert.False(t, v.CAVerified)
	assert.True(t, v.KeyMatches)
}

func TestBrokerVerify_KeyMismatch(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)
	_, err := env.broker.Generate(ctx, pki.BrokerRequest{})
	require.NoError(t, err)

	otherKey, err := pki.NewNativeToolkit().GenerateKey(ctx, 2048)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.broker.Paths().Key, otherKey, 0o644))

	v, err := env.broker.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, pki.StatusFail, v.Status)
	assert.True(t, v.CAVerified)
	assert.False(t, v.KeyMatches)
}

func TestBrokerRegenerateOverwrites(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)

	_, err := env.broker.Generate(ctx, pki.BrokerRequest{CommonName: "first.example.com"})
	require.NoError(t, err)
	res, err := env.broker.Generate(ctx, pki.BrokerRequest{CommonName: "second.example.com"})
	require.NoError(t, err)

	certPEM, err := os.ReadFile(res.CertPath)
	require.NoError(t, err)
	cert, err := pki.ParseCertificate(certPEM)
	require.NoError(t, err)
	assert.Equal(t, "second.example.com", cert.Subject.CommonName)

	v, err := env.broker.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, v.KeyMatches)
}

func TestBrokerDelete(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	assert.ErrorIs(t, env.broker.Delete(ctx), pki.ErrNotFound)

	env.initCA(t)
	_, err := env.broker.Generate(ctx, pki.BrokerRequest{})
	require.NoError(t, err)
	require.NoError(t, env.broker.Delete(ctx))

	_, err = os.Stat(env.broker.Paths().Cert)
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, env.broker.Delete(ctx), pki.ErrNotFound)
}

// Concurrent regenerations must leave a key and certificate that belong
// together.
func TestBrokerGenerate_Concurrent(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.broker.Generate(ctx, pki.BrokerRequest{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	v, err := env.broker.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, v.KeyMatches)
	assert.Equal(t, pki.StatusOK, v.Status, v.Problems)
}
