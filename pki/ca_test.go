package pki_test

import (
	"crypto/rsa"
	"crypto/x509"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mqttadmin/mosquitto-auth/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCAGenerate(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	res, err := env.ca.Generate(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, pki.DefaultCACommonName, res.CommonName)
	assert.Equal(t, pki.DefaultCAValidityDays, res.ValidityDays)
	assert.Equal(t, env.ca.Paths().Key, res.KeyPath)
	assert.Equal(t, env.ca.Paths().Serial, res.SerialPath)

	certPEM, err := env.ca.Certificate(ctx)
	require.NoError(t, err)
	cert, err := pki.ParseCertificate(certPEM)
	require.NoError(t, err)

	assert.True(t, cert.IsCA)
	assert.True(t, cert.BasicConstraintsValid)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, cert.KeyUsage)
	assert.Equal(t, cert.Subject.String(), cert.Issuer.String())
	require.NoError(t, cert.CheckSignatureFrom(cert))
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 3650), cert.NotAfter, time.Minute)

	keyInfo, err := os.Stat(res.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

	serial, err := os.ReadFile(res.SerialPath)
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(strings.TrimSpace(string(serial))), strings.TrimSpace(string(serial)))
}

func TestCAGenerate_DefaultKeySize(t *testing.T) {
	if testing.Short() {
		t.Skip("4096-bit key generation is slow")
	}
	ctx := t.Context()
	env := newTestEnv(t, pki.WithKeySizes(4096, 2048))

	_, err := env.ca.Generate(ctx, "Custom Root", 30)
	require.NoError(t, err)

	certPEM, err := env.ca.Certificate(ctx)
	require.NoError(t, err)
	cert, err := pki.ParseCertificate(certPEM)
	require.NoError(t, err)
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 4096, pub.N.BitLen())
	assert.Equal(t, "Custom Root", cert.Subject.CommonName)
}

func TestCAGenerate_AlreadyInitialized(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)

	before, err := os.ReadFile(env.ca.Paths().Cert)
	require.NoError(t, err)

	_, err = env.ca.Generate(ctx, "Another", 10)
	assert.ErrorIs(t, err, pki.ErrAlreadyInitialized)

	after, err := os.ReadFile(env.ca.Paths().Cert)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCAGenerate_Partial(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)
	require.NoError(t, os.Remove(env.ca.Paths().Key))

	_, err := env.ca.Generate(ctx, "", 0)
	assert.ErrorIs(t, err, pki.ErrCAPartial)
	assert.ErrorIs(t, err, pki.ErrCAFilesMissing)
}

func TestCAGenerate_Validation(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	_, err := env.ca.Generate(ctx, "bad/name", 0)
	assert.ErrorIs(t, err, pki.ErrInvalidCommonName)
	_, err = env.ca.Generate(ctx, "", -1)
	assert.ErrorIs(t, err, pki.ErrValidation)
	_, err = env.ca.Generate(ctx, strings.Repeat("a", 65), 0)
	assert.ErrorIs(t, err, pki.ErrInvalidCommonName)

	_, err = os.Stat(env.ca.Paths().Key)
	assert.True(t, os.IsNotExist(err))
}

func TestCAInspect(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	_, err := env.ca.Inspect(ctx)
	assert.ErrorIs(t, err, pki.ErrNotFound)

	_, err = env.ca.Generate(ctx, "Test Root", 10)
	require.NoError(t, err)

	info, err := env.ca.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CN=Test Root", info.Subject)
	assert.Equal(t, info.Subject, info.Issuer)
	assert.True(t, info.SelfSigned)
	assert.True(t, info.NotAfter.After(info.NotBefore))
	assert.Len(t, info.FingerprintSHA256, 64)
	assert.NotEmpty(t, info.SerialNumber)
}

func TestCAInspect_Malformed(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	require.NoError(t, env.ca.EnsureStorageRoot())
	require.NoError(t, os.WriteFile(env.ca.Paths().Cert, []byte("not a certificate"), 0o644))

	_, err := env.ca.Inspect(ctx)
	assert.ErrorIs(t, err, pki.ErrParse)
}

func TestCADelete(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	_, err := env.ca.Delete(ctx)
	assert.ErrorIs(t, err, pki.ErrNotFound)

	env.initCA(t)
	res, err := env.ca.Delete(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{env.ca.Paths().Key, env.ca.Paths().Cert, env.ca.Paths().Serial}, res.Removed)

	_, err = os.Stat(env.ca.Paths().Cert)
	assert.True(t, os.IsNotExist(err))

	// A fresh CA can be generated after delete.
	env.initCA(t)
}

func TestCASign_SerialsIncrease(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	env.initCA(t)

	tk := pki.NewNativeToolkit()
	keyPEM, err := tk.GenerateKey(ctx, 2048)
	require.NoError(t, err)
	csrPEM, err := tk.BuildCSR(ctx, keyPEM, pki.CSRRequest{CommonName: "leaf"})
	require.NoError(t, err)

	prof := pki.SigningProfile{ValidityDays: 1, Usage: pki.UsageClient}
	first, err := env.ca.Sign(ctx, csrPEM, prof)
	require.NoError(t, err)
	second, err := env.ca.Sign(ctx, csrPEM, prof)
	require.NoError(t, err)

	c1, err := pki.ParseCertificate(first)
	require.NoError(t, err)
	c2, err := pki.ParseCertificate(second)
	require.NoError(t, err)
	assert.Equal(t, 1, c2.SerialNumber.Cmp(c1.SerialNumber))
}

func TestCASign_NotInitialized(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	_, err := env.ca.Sign(ctx, []byte("csr"), pki.SigningProfile{ValidityDays: 1})
	assert.ErrorIs(t, err, pki.ErrCANotInitialized)
	assert.ErrorIs(t, err, pki.ErrCAFilesMissing)

	for _, missing := range []string{env.ca.Paths().Cert, env.ca.Paths().Key} {
		env.initCA(t)
		require.NoError(t, os.Remove(missing))

		_, err = env.ca.Sign(ctx, []byte("csr"), pki.SigningProfile{ValidityDays: 1})
		assert.ErrorIs(t, err, pki.ErrCANotInitialized, missing)
		assert.ErrorIs(t, err, pki.ErrCAPartial, missing)

		_, err = env.ca.Delete(ctx)
		require.NoError(t, err)
	}
}

func TestEnsureStorageRoot(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.ca.EnsureStorageRoot())

	fi, err := os.Stat(env.root)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
