package util

import "regexp"

// Username length bounds shared by the credential store and the client
// certificate namespace.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 32
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

// ValidUsername reports whether s is safe to use both as a password-file
// key and as a directory name.
func ValidUsername(s string) bool {
	return usernamePattern.MatchString(s)
}
