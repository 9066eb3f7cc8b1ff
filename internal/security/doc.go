// Package security provides the device fingerprint generator and the
// cryptography service underpinning the license subsystem.
//
// The fingerprint generator composes OS-level identifiers (machine id, MAC
// addresses, CPU and memory signatures, OS release) into a SHA-256 device
// signature. Comparison is tiered: strict signature equality for fingerprints
// captured under the current scheme, a field-by-field legacy path for older
// activations.
//
// The crypto service does PBKDF2 key derivation with AES-256-CBC encryption
// (fresh salt and IV per call), HMAC-SHA256 signing with constant-time
// verification, and license key envelope decoding with checksum validation.
package security
