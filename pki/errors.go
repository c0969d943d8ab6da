package pki

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidUsername indicates a client name unusable as a namespace.
	ErrInvalidUsername = fmt.Errorf("%w: invalid username", ErrValidation)
	// ErrInvalidCommonName indicates a common name that cannot be embedded
	// in a certificate subject.
	ErrInvalidCommonName = fmt.Errorf("%w: invalid common name", ErrValidation)
	// ErrMissingCommonName is returned when neither the request nor the
	// configuration supplies a broker common name.
	ErrMissingCommonName = fmt.Errorf("%w: common name is required", ErrValidation)

	// ErrNotFound is returned when the identity's files do not exist.
	ErrNotFound = errors.New("identity not found")
	// ErrAlreadyInitialized is returned by CA generation when a CA exists.
	ErrAlreadyInitialized = errors.New("CA already initialized")

	// ErrCAFilesMissing is returned when an operation needs the CA key and
	// certificate and at least one of them is absent.
	ErrCAFilesMissing = errors.New("CA files missing")
	// ErrCANotInitialized is returned by signing when the CA key or
	// certificate is missing.
	ErrCANotInitialized = fmt.Errorf("%w: CA not initialized", ErrCAFilesMissing)
	// ErrCAPartial indicates exactly one of the CA key and certificate exists.
	ErrCAPartial = fmt.Errorf("%w: only one of CA key and certificate present", ErrCANotInitialized)

	// ErrSigning indicates certificate construction or signing failed.
	ErrSigning = errors.New("signing failed")
	// ErrToolInvocation indicates the external certificate tool failed.
	ErrToolInvocation = errors.New("certificate tool invocation failed")
	// ErrSigningTimeout indicates the external tool exceeded its time budget.
	ErrSigningTimeout = errors.New("certificate tool timed out")

	// ErrParse indicates stored key or certificate material is malformed.
	ErrParse = errors.New("malformed key or certificate")
	// ErrStorage indicates a filesystem failure.
	ErrStorage = errors.New("certificate storage failure")
)

// ToolError carries the invocation and captured output of a failed
// external tool run. It matches ErrToolInvocation with errors.Is.
type ToolError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = out[:512] + "..."
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Tool, strings.Join(e.Args, " "), e.Err, out)
}

func (e *ToolError) Unwrap() []error {
	return []error{ErrToolInvocation, e.Err}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}
