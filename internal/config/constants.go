package config

// Static cryptographic material for the offline license scheme. The license
// issuer holds the same signing key; keys here are build-time constants and the
// anti-reuse guarantees do not depend on their secrecy alone (registry entries
// stay tamper-evident through the license signature check).
const (
	// LicenseEncryptionKey is the static key fed into PBKDF2 for the
	// encrypted-at-rest license slot and registry entries.
	LicenseEncryptionKey = "CLK-e8f1a329c4d57b60-local-store-key"

	// LicenseSigningKey is the HMAC key shared with the issuer. The issuer
	// signature on a raw key and the local activation signature both use it.
	LicenseSigningKey = "CLK-7b3dd94f0a61c285-issuer-hmac-key"

	// PBKDF2Iterations is the work factor for per-call key derivation.
	PBKDF2Iterations = 100_000
)

// Display and validation constants
const (
	// HWIDDisplayLength is how many hex characters of the device signature
	// are shown to users for support purposes.
	HWIDDisplayLength = 16

	// LicenseKeyMinLength is the shortest encoded key accepted before any
	// decode attempt is made.
	LicenseKeyMinLength = 16
)
