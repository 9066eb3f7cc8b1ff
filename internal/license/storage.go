package license

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"clinickey/internal/security"
)

// storedSlot is the on-disk layout of the license slot: the encrypted license
// plus a plaintext hash for fast integrity checks before decryption results
// are trusted.
type storedSlot struct {
	Payload *security.EncryptedPayload `json:"payload"`
	Hash    string                     `json:"hash"`
}

// Storage is the single-slot encrypted store for the device's currently
// activated license. Exactly one license may be stored at a time.
type Storage struct {
	path   string
	crypto *security.CryptoService
	logger *slog.Logger
}

// NewStorage creates a storage backed by the file at path
func NewStorage(path string, crypto *security.CryptoService, logger *slog.Logger) *Storage {
	return &Storage{
		path:   path,
		crypto: crypto,
		logger: logger.With(slog.String("component", "license_storage")),
	}
}

// Store serializes, encrypts and writes the license, replacing any previous
// slot contents.
func (s *Storage) Store(license *ActivatedLicense) error {
	plaintext, err := json.Marshal(license)
	if err != nil {
		return fmt.Errorf("failed to encode license: %w", err)
	}

	encrypted, err := s.crypto.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt license: %w", err)
	}

	sum := sha256.Sum256(plaintext)
	slot := storedSlot{
		Payload: encrypted,
		Hash:    hex.EncodeToString(sum[:]),
	}

	data, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("failed to encode license slot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create license directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write license file: %w", err)
	}

	s.logger.Info("license stored",
		slog.String("license_id", license.LicenseID),
		slog.String("path", s.path),
	)
	return nil
}

// Get loads, decrypts and integrity-checks the stored license. Returns
// (nil, nil) when no license is stored; any hash or decryption mismatch is an
// integrity error, distinct from ordinary absence.
func (s *Storage) Get() (*ActivatedLicense, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read license file: %w", err)
	}

	var slot storedSlot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, fmt.Errorf("%w: license slot corrupt: %v", security.ErrIntegrity, err)
	}
	if slot.Payload == nil {
		return nil, fmt.Errorf("%w: license slot missing payload", security.ErrIntegrity)
	}

	plaintext, err := s.crypto.Decrypt(slot.Payload)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != slot.Hash {
		return nil, fmt.Errorf("%w: license hash mismatch", security.ErrIntegrity)
	}

	var license ActivatedLicense
	if err := json.Unmarshal(plaintext, &license); err != nil {
		return nil, fmt.Errorf("%w: license payload corrupt: %v", security.ErrIntegrity, err)
	}
	return &license, nil
}

// Delete removes the stored license. Missing file is not an error.
func (s *Storage) Delete() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete license file: %w", err)
	}
	if err == nil {
		s.logger.Info("license slot deleted", slog.String("path", s.path))
	}
	return nil
}

// Exists reports whether a license slot file is present
func (s *Storage) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Mode().IsRegular()
}
