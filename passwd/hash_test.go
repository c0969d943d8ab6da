package passwd

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_PBKDF2Format(t *testing.T) {
	h, err := Hash("secret-pass", SHA512PBKDF2, DefaultIterations)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(h, "$7$101$"), h)

	parts := strings.Split(h, "$")
	require.Len(t, parts, 5)
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	require.NoError(t, err)
	assert.Len(t, salt, saltLen)
	sum, err := base64.StdEncoding.DecodeString(parts[4])
	require.NoError(t, err)
	assert.Len(t, sum, hashLen)

	ok, err := CheckHash(h, "secret-pass")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckHash(h, "wrong-pass")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHash_SHA512Format(t *testing.T) {
	h, err := Hash("secret-pass", SHA512, 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(h, "$6$"), h)
	assert.Len(t, strings.Split(h, "$"), 4)

	ok, err := CheckHash(h, "secret-pass")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHash_Deterministic(t *testing.T) {
	salt := []byte("0123456789ab")
	a, err := hashWithSalt("password", salt, SHA512PBKDF2, 101)
	require.NoError(t, err)
	b, err := hashWithSalt("password", salt, SHA512PBKDF2, 101)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := hashWithSalt("password", salt, SHA512PBKDF2, 1000)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(c, "$7$1000$MDEyMzQ1Njc4OWFi$"))
}

func TestHash_SaltsDiffer(t *testing.T) {
	a, err := Hash("password", SHA512PBKDF2, DefaultIterations)
	require.NoError(t, err)
	b, err := Hash("password", SHA512PBKDF2, DefaultIterations)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCheckHash_Malformed(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$7$abc$c2FsdA==$aGFzaA==",
		"$7$101$!!!$aGFzaA==",
		"$7$101$c2FsdA==",
		"$6$c2FsdA==",
		"$2y$10$abcdefghijklmnopqrstuv",
	} {
		_, err := CheckHash(encoded, "password")
		assert.ErrorIs(t, err, ErrParse, encoded)
	}
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, SHA512PBKDF2, alg)

	alg, err = ParseAlgorithm("SHA512")
	require.NoError(t, err)
	assert.Equal(t, SHA512, alg)

	_, err = ParseAlgorithm("argon2id")
	assert.ErrorIs(t, err, ErrValidation)
}
