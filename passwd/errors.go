package passwd

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidUsername indicates the username does not match ^[a-zA-Z0-9_-]{3,32}$.
	ErrInvalidUsername = fmt.Errorf("%w: invalid username", ErrValidation)
	// ErrInvalidPassword indicates the password length is outside 6..64.
	ErrInvalidPassword = fmt.Errorf("%w: invalid password", ErrValidation)

	// ErrNotFound indicates the user has no record in the store.
	ErrNotFound = errors.New("user not found")
	// ErrAlreadyExists indicates a record for the user is already present.
	ErrAlreadyExists = errors.New("user already exists")

	// ErrParse indicates the password file or a stored hash is malformed.
	ErrParse = errors.New("malformed password data")
	// ErrStorage indicates the password file could not be read or written.
	ErrStorage = errors.New("password storage failure")
)
