package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName trims surrounding whitespace and returns the NFC form of s.
// Common names are normalised this way before they are embedded in a
// certificate subject so that visually identical names encode identically.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func HexEncode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimSpace(s))
}
