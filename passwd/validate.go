package passwd

import (
	"fmt"
	"unicode/utf8"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
)

// Password length bounds, counted in characters.
const (
	MinPasswordLength = 6
	MaxPasswordLength = 64
)

// ValidateUsername returns ErrInvalidUsername unless name matches
// ^[a-zA-Z0-9_-]{3,32}$.
func ValidateUsername(name string) error {
	if !util.ValidUsername(name) {
		return fmt.Errorf("%w: %q must be %d-%d characters of letters, digits, '_' or '-'",
			ErrInvalidUsername, name, util.MinUsernameLength, util.MaxUsernameLength)
	}
	return nil
}

// ValidatePassword returns ErrInvalidPassword unless password is between
// MinPasswordLength and MaxPasswordLength characters.
func ValidatePassword(password string) error {
	if !utf8.ValidString(password) {
		return fmt.Errorf("%w: contains invalid UTF-8", ErrInvalidPassword)
	}
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength || n > MaxPasswordLength {
		return fmt.Errorf("%w: length %d outside %d-%d", ErrInvalidPassword, n, MinPasswordLength, MaxPasswordLength)
	}
	return nil
}

func validateEntry(username, password string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	return ValidatePassword(password)
}
