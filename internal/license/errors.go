package license

import (
	"errors"

	"clinickey/internal/security"
)

// Sentinel errors for the license subsystem. All are recoverable from the
// application's point of view: they surface a user-facing message and keep
// the app in an unlicensed state, never crash the process.
var (
	ErrInvalidKey                 = errors.New("invalid license key")
	ErrSignatureInvalid           = errors.New("license signature invalid")
	ErrAlreadyRegisteredElsewhere = errors.New("license already registered on a different device")
	ErrAlreadyActivatedHere       = errors.New("license already activated on this device")
	ErrPermanentlyExpired         = errors.New("license validity window has permanently elapsed")
	ErrLicenseExpired             = errors.New("license expired")
	ErrDeviceMismatch             = errors.New("license bound to a different device")
	ErrTampered                   = errors.New("license state tampered")
	ErrDeactivated                = errors.New("license deactivated")
	ErrNotActivated               = errors.New("no license activated")
	ErrRateLimited                = errors.New("too many activation attempts")
)

// Error codes surfaced to the application shell
const (
	CodeInvalidKey              = "INVALID_KEY"
	CodeSignatureInvalid        = "SIGNATURE_INVALID"
	CodeIntegrityError          = "INTEGRITY_ERROR"
	CodeFingerprintUnavailable  = "FINGERPRINT_UNAVAILABLE"
	CodeAlreadyRegisteredOther  = "ALREADY_REGISTERED_ELSEWHERE"
	CodeAlreadyActivatedHere    = "ALREADY_ACTIVATED_HERE"
	CodePermanentlyExpired      = "PERMANENTLY_EXPIRED"
	CodeLicenseExpired          = "LICENSE_EXPIRED"
	CodeDeviceMismatch          = "DEVICE_MISMATCH"
	CodeTampered                = "TAMPERED"
	CodeDeactivated             = "DEACTIVATED"
	CodeNotActivated            = "NOT_ACTIVATED"
	CodeRateLimited             = "RATE_LIMITED"
	CodeInternal                = "INTERNAL_ERROR"
)

// ErrorCode maps subsystem errors to the stable codes in the external
// interface. Unknown errors map to CodeInternal.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidKey), errors.Is(err, security.ErrMalformedKey):
		return CodeInvalidKey
	case errors.Is(err, ErrSignatureInvalid):
		return CodeSignatureInvalid
	case errors.Is(err, security.ErrIntegrity), errors.Is(err, security.ErrDecryption):
		return CodeIntegrityError
	case errors.Is(err, security.ErrFingerprintUnavailable):
		return CodeFingerprintUnavailable
	case errors.Is(err, ErrAlreadyRegisteredElsewhere):
		return CodeAlreadyRegisteredOther
	case errors.Is(err, ErrAlreadyActivatedHere):
		return CodeAlreadyActivatedHere
	case errors.Is(err, ErrPermanentlyExpired):
		return CodePermanentlyExpired
	case errors.Is(err, ErrLicenseExpired):
		return CodeLicenseExpired
	case errors.Is(err, ErrDeviceMismatch):
		return CodeDeviceMismatch
	case errors.Is(err, ErrTampered):
		return CodeTampered
	case errors.Is(err, ErrDeactivated):
		return CodeDeactivated
	case errors.Is(err, ErrNotActivated):
		return CodeNotActivated
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// StatusCode maps a validation status to its external error code. StatusValid
// maps to the empty string.
func StatusCode(status Status) string {
	switch status {
	case StatusNotActivated:
		return CodeNotActivated
	case StatusExpired:
		return CodeLicenseExpired
	case StatusDeviceMismatch:
		return CodeDeviceMismatch
	case StatusTampered:
		return CodeTampered
	case StatusDeactivated:
		return CodeDeactivated
	default:
		return ""
	}
}
