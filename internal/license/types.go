package license

import (
	"time"

	"clinickey/internal/security"
)

// Status is the outcome of validating the installed license
type Status string

const (
	StatusNotActivated   Status = "NOT_ACTIVATED"
	StatusValid          Status = "VALID"
	StatusExpired        Status = "EXPIRED"
	StatusDeviceMismatch Status = "DEVICE_MISMATCH"
	StatusTampered       Status = "TAMPERED"
	StatusDeactivated    Status = "DEACTIVATED"
)

// RegistryStatus is the activation state recorded in the registry ledger
type RegistryStatus string

const (
	RegistryActivated   RegistryStatus = "ACTIVATED"
	RegistryDeactivated RegistryStatus = "DEACTIVATED"
)

// RawLicense is the decoded, not-yet-trusted payload of a license key.
// Signature is the issuer's HMAC over the core fields.
type RawLicense struct {
	LicenseID   string            `json:"license_id"`
	LicenseType string            `json:"license_type"`
	MaxDays     int               `json:"max_days"`
	CreatedAt   time.Time         `json:"created_at"`
	Signature   string            `json:"signature"`
	Features    []string          `json:"features,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OriginalExpiration is the end of the issuer-defined validity window,
// computed from the key's own issuance timestamp. Reactivation is never
// allowed past this point regardless of local activation times.
func (r *RawLicense) OriginalExpiration() time.Time {
	return r.CreatedAt.AddDate(0, 0, r.MaxDays)
}

// ActivatedLicense is the installed, device-bound license. Signature is a
// locally computed HMAC distinct from the issuer signature, which is retained
// as OriginalSignature; conflating the two would let a replayed raw key
// bypass device binding.
type ActivatedLicense struct {
	LicenseID         string                      `json:"license_id"`
	LicenseType       string                      `json:"license_type"`
	MaxDays           int                         `json:"max_days"`
	CreatedAt         time.Time                   `json:"created_at"`
	OriginalSignature string                      `json:"original_signature"`
	Features          []string                    `json:"features,omitempty"`
	Metadata          map[string]string           `json:"metadata,omitempty"`
	ActivatedAt       time.Time                   `json:"activated_at"`
	ExpiresAt         time.Time                   `json:"expires_at"`
	DeviceFingerprint *security.DeviceFingerprint `json:"device_fingerprint"`
	Signature         string                      `json:"signature"`
}

// HistoryEvent records one deactivation or reactivation
type HistoryEvent struct {
	Timestamp         time.Time                   `json:"timestamp"`
	DeviceFingerprint *security.DeviceFingerprint `json:"device_fingerprint"`
}

// RegistryEntry is the durable usage record for a license id. It outlives any
// single activated license and is the source of truth for whether a key has
// ever been consumed and where.
type RegistryEntry struct {
	LicenseID           string                      `json:"license_id"`
	DeviceFingerprint   *security.DeviceFingerprint `json:"device_fingerprint"`
	Status              RegistryStatus              `json:"status"`
	RegisteredAt        time.Time                   `json:"registered_at"`
	ActivatedAt         time.Time                   `json:"activated_at"`
	LastUsed            time.Time                   `json:"last_used"`
	ActivationCount     int                         `json:"activation_count"`
	DeactivationHistory []HistoryEvent              `json:"deactivation_history,omitempty"`
	ReactivationHistory []HistoryEvent              `json:"reactivation_history,omitempty"`
}

// ValidationResult is returned by Validate on application start and on the
// periodic recheck.
type ValidationResult struct {
	Status        Status            `json:"status"`
	RemainingDays int               `json:"remaining_days,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	License       *ActivatedLicense `json:"-"`
}

// IsValid reports whether the installed license passed every check
func (v *ValidationResult) IsValid() bool {
	return v != nil && v.Status == StatusValid
}

// LicenseInfo is the user-facing summary of the installed license
type LicenseInfo struct {
	Status         Status     `json:"status"`
	LicenseType    string     `json:"license_type"`
	ActivatedAt    time.Time  `json:"activated_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RemainingDays  int        `json:"remaining_days"`
	IsExpiringSoon bool       `json:"is_expiring_soon"`
	Features       []string   `json:"features,omitempty"`
	LastValidated  *time.Time `json:"last_validated,omitempty"`
}

// MachineInfo identifies this machine for support purposes. HWID is the
// device signature truncated for display.
type MachineInfo struct {
	HWID     string `json:"hwid"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
}

// StatusReport is the answer to CheckStatus, the call the application shell
// makes on every start.
type StatusReport struct {
	IsValid    bool         `json:"is_valid"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	IsFirstRun bool         `json:"is_first_run"`
	License    *LicenseInfo `json:"license,omitempty"`
}
