// Package license implements offline license activation and device binding.
//
// Three durable pieces cooperate under the Manager: the single-slot encrypted
// Storage holding the currently activated license, the Registry ledger that
// records which license ids have ever been consumed and on which device, and
// the security package's crypto service and fingerprint generator.
//
// The registry entry for a key outlives the license itself. Deactivating a
// license flips the entry's status without deleting it, so a key is
// single-use-forever per device pair: it can be reactivated on the same
// device while the issuer's original validity window is open, and never
// anywhere else.
package license
