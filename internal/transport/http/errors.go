package http

import (
	"net/http"

	"github.com/go-chi/render"

	"clinickey/internal/license"
)

// ErrResponse implements the render.Renderer interface for API errors
type ErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	AppCode        string `json:"code,omitempty"`
	ErrorText      string `json:"error,omitempty"`
}

// Render implements the render.Renderer interface
func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errBadRequest(message string) *ErrResponse {
	return &ErrResponse{
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     "Invalid request",
		ErrorText:      message,
	}
}

func errInternal(err error) *ErrResponse {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusInternalServerError,
		StatusText:     "Internal server error",
		AppCode:        license.CodeInternal,
		ErrorText:      "An unexpected error occurred. Please try again later",
	}
}

// httpStatusForCode maps subsystem error codes to HTTP status codes
func httpStatusForCode(code string) int {
	switch code {
	case license.CodeInvalidKey, license.CodeSignatureInvalid:
		return http.StatusBadRequest
	case license.CodeIntegrityError, license.CodeTampered:
		return http.StatusForbidden
	case license.CodeAlreadyRegisteredOther, license.CodeAlreadyActivatedHere:
		return http.StatusConflict
	case license.CodePermanentlyExpired, license.CodeLicenseExpired,
		license.CodeDeviceMismatch, license.CodeDeactivated:
		return http.StatusForbidden
	case license.CodeNotActivated:
		return http.StatusPreconditionRequired
	case license.CodeRateLimited:
		return http.StatusTooManyRequests
	case license.CodeFingerprintUnavailable:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// userMessageForCode returns the user-facing message for an error code. All
// license errors are recoverable: they keep the app in a locked state and
// never crash the process.
func userMessageForCode(code string) string {
	switch code {
	case license.CodeInvalidKey:
		return "The provided license key is invalid or malformed"
	case license.CodeSignatureInvalid:
		return "The license key signature could not be verified"
	case license.CodeIntegrityError, license.CodeTampered:
		return "License data failed verification. The installation may have been tampered with"
	case license.CodeAlreadyRegisteredOther:
		return "This license is registered to a different machine"
	case license.CodeAlreadyActivatedHere:
		return "This license is already active on this machine"
	case license.CodePermanentlyExpired:
		return "This license's validity period has ended and it can no longer be activated"
	case license.CodeLicenseExpired:
		return "Your license has expired. Please renew to continue"
	case license.CodeDeviceMismatch:
		return "This license is bound to different hardware"
	case license.CodeDeactivated:
		return "This license has been deactivated"
	case license.CodeNotActivated:
		return "No license has been activated on this machine"
	case license.CodeRateLimited:
		return "Too many activation attempts. Please try again later"
	case license.CodeFingerprintUnavailable:
		return "Cannot identify this machine. Activation is not possible"
	default:
		return "An unexpected error occurred. Please try again later"
	}
}
