package errors

import (
	"errors"
	"net/http"
)

// Sentinel errors for expected licensing outcomes. These are normal results
// of the business rules, not faults: store and client code returns them
// directly and callers branch with errors.Is.
var (
	ErrInvalidKey       = errors.New("invalid license key")
	ErrInvalidKeyFormat = errors.New("invalid license key format")
	ErrRevoked          = errors.New("license has been revoked")
	ErrExpired          = errors.New("license has expired")
	ErrNotActive        = errors.New("license is not active")
	ErrActivationLimit  = errors.New("maximum number of activations exceeded")
	ErrNotActivated     = errors.New("license not activated on this machine")
	ErrKeyCollision     = errors.New("license key collision")
	ErrNoLicense        = errors.New("no license held")

	// Consumer-side infrastructure outcomes. Treated as validation failures
	// (fail closed) but kept distinct for logging and retry decisions.
	ErrIssuerUnreachable = errors.New("license server unreachable")
	ErrIssuerTimeout     = errors.New("license server timeout")
)

// Stable application codes for licensing denials. Calling UIs branch on
// these, never on message strings.
const (
	CodeInvalidKey        = "INVALID_LICENSE_KEY"
	CodeInvalidFormat     = "INVALID_LICENSE_KEY_FORMAT"
	CodeRevoked           = "LICENSE_REVOKED"
	CodeExpired           = "LICENSE_EXPIRED"
	CodeNotActive         = "LICENSE_NOT_ACTIVE"
	CodeActivationLimit   = "ACTIVATION_LIMIT_EXCEEDED"
	CodeNotActivated      = "NOT_ACTIVATED_ON_MACHINE"
	CodeKeyCollision      = "LICENSE_KEY_COLLISION"
	CodeIssuerUnreachable = "LICENSE_SERVER_UNREACHABLE"

	// Guard-level denial codes (consumer side).
	CodeGuardInvalid          = "LICENSE_INVALID"
	CodeGuardNotActive        = "LICENSE_NOT_ACTIVE"
	CodeGuardExpired          = "LICENSE_EXPIRED"
	CodeGuardFeatureMissing   = "FEATURE_NOT_AVAILABLE"
	CodeGuardInsufficientTier = "INSUFFICIENT_LICENSE_TYPE"
)

// LicenseCode maps a licensing sentinel to its stable application code.
// Unknown errors map to the internal server code.
func LicenseCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidKeyFormat):
		return CodeInvalidFormat
	case errors.Is(err, ErrInvalidKey):
		return CodeInvalidKey
	case errors.Is(err, ErrRevoked):
		return CodeRevoked
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrNotActive):
		return CodeNotActive
	case errors.Is(err, ErrActivationLimit):
		return CodeActivationLimit
	case errors.Is(err, ErrNotActivated):
		return CodeNotActivated
	case errors.Is(err, ErrKeyCollision):
		return CodeKeyCollision
	case errors.Is(err, ErrIssuerUnreachable), errors.Is(err, ErrIssuerTimeout):
		return CodeIssuerUnreachable
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

// LicenseStatusCode maps a licensing sentinel to its HTTP status. Invalid
// input is a bad request; everything the policy forbids is forbidden; a key
// collision on create is a conflict.
func LicenseStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrInvalidKeyFormat):
		return http.StatusBadRequest
	case errors.Is(err, ErrRevoked), errors.Is(err, ErrExpired),
		errors.Is(err, ErrNotActive), errors.Is(err, ErrActivationLimit),
		errors.Is(err, ErrNotActivated):
		return http.StatusForbidden
	case errors.Is(err, ErrKeyCollision):
		return http.StatusConflict
	case errors.Is(err, ErrIssuerUnreachable), errors.Is(err, ErrIssuerTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsLicenseDenial reports whether err is one of the expected business
// outcomes, as opposed to an infrastructure fault.
func IsLicenseDenial(err error) bool {
	for _, sentinel := range []error{
		ErrInvalidKey, ErrInvalidKeyFormat, ErrRevoked, ErrExpired,
		ErrNotActive, ErrActivationLimit, ErrNotActivated, ErrKeyCollision,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
