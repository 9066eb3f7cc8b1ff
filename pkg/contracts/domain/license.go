// Package domain contains the request/response contract types shared between
// the license subsystem's HTTP surface and its callers. These are the Single
// Source of Truth for the wire format.
package domain

import "time"

// ActivationRequest is the payload for POST /api/license/activate
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=16"`
}

// ActivationResponse reports the outcome of an activation attempt
type ActivationResponse struct {
	Success     bool             `json:"success"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	Message     string           `json:"message,omitempty"`
	License     *LicenseSummary  `json:"license,omitempty"`
	TraceID     string           `json:"trace_id,omitempty"`
	ActivatedAt *time.Time       `json:"activated_at,omitempty"`
}

// StatusResponse reports the installed license state on application start
type StatusResponse struct {
	IsValid    bool            `json:"is_valid"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	IsFirstRun bool            `json:"is_first_run"`
	License    *LicenseSummary `json:"license,omitempty"`
}

// LicenseSummary is the user-facing license information
type LicenseSummary struct {
	Status         string    `json:"status"`
	LicenseType    string    `json:"license_type"`
	ActivatedAt    time.Time `json:"activated_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	RemainingDays  int       `json:"remaining_days"`
	IsExpiringSoon bool      `json:"is_expiring_soon"`
	Features       []string  `json:"features,omitempty"`
}

// MachineInfoResponse identifies this machine for support purposes
type MachineInfoResponse struct {
	HWID     string `json:"hwid"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
}

// DeactivationResponse reports the outcome of a deactivation
type DeactivationResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}
