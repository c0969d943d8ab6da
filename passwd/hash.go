package passwd

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
	"golang.org/x/crypto/pbkdf2"
)

// Algorithm names a mosquitto_passwd hash scheme.
type Algorithm string

const (
	// SHA512PBKDF2 is mosquitto's "$7$" format: PBKDF2-HMAC-SHA512.
	SHA512PBKDF2 Algorithm = "sha512-pbkdf2"
	// SHA512 is mosquitto's legacy "$6$" format: SHA512(password || salt).
	SHA512 Algorithm = "sha512"
)

const (
	// DefaultIterations matches mosquitto_passwd's default PBKDF2 round count.
	DefaultIterations = 101

	saltLen    = 12
	hashLen    = sha512.Size
	prefixPBK  = "7"
	prefixSHA6 = "6"
)

// ParseAlgorithm maps a configuration string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHA512PBKDF2:
		return SHA512PBKDF2, nil
	case SHA512:
		return SHA512, nil
	}
	return "", fmt.Errorf("%w: unknown hash algorithm %q", ErrValidation, s)
}

// Hash returns the mosquitto-encoded hash of password under alg with a
// fresh random salt. iterations is ignored for SHA512.
func Hash(password string, alg Algorithm, iterations int) (string, error) {
	salt, err := util.RandomBytes(saltLen)
	if err != nil {
		return "", err
	}
	return hashWithSalt(password, salt, alg, iterations)
}

func hashWithSalt(password string, salt []byte, alg Algorithm, iterations int) (string, error) {
	enc := base64.StdEncoding
	switch alg {
	case SHA512PBKDF2:
		if iterations <= 0 {
			iterations = DefaultIterations
		}
		dk := pbkdf2.Key([]byte(password), salt, iterations, hashLen, sha512.New)
		return fmt.Sprintf("$%s$%d$%s$%s", prefixPBK, iterations, enc.EncodeToString(salt), enc.EncodeToString(dk)), nil
	case SHA512:
		sum := sha512Salted(password, salt)
		return fmt.Sprintf("$%s$%s$%s", prefixSHA6, enc.EncodeToString(salt), enc.EncodeToString(sum)), nil
	}
	return "", fmt.Errorf("%w: unknown hash algorithm %q", ErrValidation, alg)
}

func sha512Salted(password string, salt []byte) []byte {
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	return h.Sum(nil)
}

// CheckHash reports whether password matches the encoded mosquitto hash.
// A malformed hash yields ErrParse.
func CheckHash(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) < 4 || parts[0] != "" {
		return false, fmt.Errorf("%w: unrecognised hash format", ErrParse)
	}
	enc := base64.StdEncoding
	var want, got []byte
	switch parts[1] {
	case prefixPBK:
		if len(parts) != 5 {
			return false, fmt.Errorf("%w: expected $7$<iterations>$<salt>$<hash>", ErrParse)
		}
		iterations, err := strconv.Atoi(parts[2])
		if err != nil || iterations <= 0 {
			return false, fmt.Errorf("%w: bad iteration count %q", ErrParse, parts[2])
		}
		salt, err := enc.DecodeString(parts[3])
		if err != nil {
			return false, fmt.Errorf("%w: salt: %v", ErrParse, err)
		}
		want, err = enc.DecodeString(parts[4])
		if err != nil {
			return false, fmt.Errorf("%w: hash: %v", ErrParse, err)
		}
		got = pbkdf2.Key([]byte(password), salt, iterations, len(want), sha512.New)
	case prefixSHA6:
		if len(parts) != 4 {
			return false, fmt.Errorf("%w: expected $6$<salt>$<hash>", ErrParse)
		}
		salt, err := enc.DecodeString(parts[2])
		if err != nil {
			return false, fmt.Errorf("%w: salt: %v", ErrParse, err)
		}
		want, err = enc.DecodeString(parts[3])
		if err != nil {
			return false, fmt.Errorf("%w: hash: %v", ErrParse, err)
		}
		got = sha512Salted(password, salt)
	default:
		return false, fmt.Errorf("%w: unsupported hash prefix $%s$", ErrParse, parts[1])
	}
	if len(want) == 0 {
		return false, fmt.Errorf("%w: empty hash", ErrParse)
	}
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
