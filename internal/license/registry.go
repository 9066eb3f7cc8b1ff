package license

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"clinickey/internal/security"
)

// registrySchema holds the usage ledger. Entries are encrypted blobs so an
// attacker with filesystem access cannot read or edit them without the static
// key; the plaintext hash makes corruption detectable on read.
const registrySchema = `
CREATE TABLE IF NOT EXISTS license_registry (
	license_id   TEXT PRIMARY KEY,
	payload      BLOB NOT NULL,
	payload_hash TEXT NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);`

type registryRow struct {
	LicenseID   string    `db:"license_id"`
	Payload     []byte    `db:"payload"`
	PayloadHash string    `db:"payload_hash"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Registry is the durable ledger mapping license id to device and activation
// state. Entries are never deleted: deactivation flips status and appends to
// history, which is what makes keys single-use-forever per device pair.
type Registry struct {
	db     *sqlx.DB
	crypto *security.CryptoService
	logger *slog.Logger
	now    func() time.Time
}

// OpenRegistry opens (creating if needed) the registry database at path
func OpenRegistry(path string, crypto *security.CryptoService, logger *slog.Logger) (*Registry, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	// Single-writer discipline: registry mutations are read-modify-write and
	// not atomic across processes without it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}

	return &Registry{
		db:     db,
		crypto: crypto,
		logger: logger.With(slog.String("component", "license_registry")),
		now:    time.Now,
	}, nil
}

// Close releases the underlying database handle
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register records first use of a license id on a device, or transitions a
// deactivated entry on the same device back to activated. Registration on a
// different device and re-registration while already activated both fail.
func (r *Registry) Register(ctx context.Context, licenseID string, fp *security.DeviceFingerprint) error {
	entry, err := r.GetEntry(ctx, licenseID)
	if err != nil {
		return err
	}

	now := r.now()
	if entry == nil {
		entry = &RegistryEntry{
			LicenseID:         licenseID,
			DeviceFingerprint: fp,
			Status:            RegistryActivated,
			RegisteredAt:      now,
			ActivatedAt:       now,
			LastUsed:          now,
			ActivationCount:   1,
		}
		r.logger.Info("license registered",
			slog.String("license_id", licenseID),
			slog.String("device_signature", fp.DeviceSignature),
		)
		return r.putEntry(ctx, entry)
	}

	if !security.Compare(entry.DeviceFingerprint, fp) {
		return ErrAlreadyRegisteredElsewhere
	}
	if entry.Status == RegistryActivated {
		return ErrAlreadyActivatedHere
	}

	// Deactivated on this device: reactivation path
	entry.Status = RegistryActivated
	entry.ActivationCount++
	entry.ActivatedAt = now
	entry.LastUsed = now
	entry.DeviceFingerprint = fp

	r.logger.Info("license re-registered on same device",
		slog.String("license_id", licenseID),
		slog.Int("activation_count", entry.ActivationCount),
	)
	return r.putEntry(ctx, entry)
}

// IsRegisteredElsewhere reports whether the license id is bound to a
// different device than the given fingerprint.
func (r *Registry) IsRegisteredElsewhere(ctx context.Context, licenseID string, fp *security.DeviceFingerprint) (bool, error) {
	entry, err := r.GetEntry(ctx, licenseID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return !security.Compare(entry.DeviceFingerprint, fp), nil
}

// IsAlreadyActivated reports whether the license id is currently activated on
// the given device.
func (r *Registry) IsAlreadyActivated(ctx context.Context, licenseID string, fp *security.DeviceFingerprint) (bool, error) {
	entry, err := r.GetEntry(ctx, licenseID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return entry.Status == RegistryActivated && security.Compare(entry.DeviceFingerprint, fp), nil
}

// IsDeactivated reports whether the license id was deactivated on the given
// device.
func (r *Registry) IsDeactivated(ctx context.Context, licenseID string, fp *security.DeviceFingerprint) (bool, error) {
	entry, err := r.GetEntry(ctx, licenseID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return entry.Status == RegistryDeactivated && security.Compare(entry.DeviceFingerprint, fp), nil
}

// GetEntry loads and decrypts the entry for a license id, nil when absent
func (r *Registry) GetEntry(ctx context.Context, licenseID string) (*RegistryEntry, error) {
	var row registryRow
	err := r.db.GetContext(ctx, &row,
		`SELECT license_id, payload, payload_hash, updated_at FROM license_registry WHERE license_id = ?`,
		licenseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry entry: %w", err)
	}

	var payload security.EncryptedPayload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: registry payload corrupt: %v", security.ErrIntegrity, err)
	}

	plaintext, err := r.crypto.Decrypt(&payload)
	if err != nil {
		return nil, fmt.Errorf("registry entry %s: %w", licenseID, err)
	}

	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != row.PayloadHash {
		return nil, fmt.Errorf("%w: registry entry hash mismatch for %s", security.ErrIntegrity, licenseID)
	}

	var entry RegistryEntry
	if err := json.Unmarshal(plaintext, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode registry entry: %w", err)
	}
	return &entry, nil
}

// Deactivate flips the entry to deactivated and appends to the deactivation
// history. The entry itself is never deleted.
func (r *Registry) Deactivate(ctx context.Context, licenseID string, fp *security.DeviceFingerprint) error {
	entry, err := r.GetEntry(ctx, licenseID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("license %s not found in registry", licenseID)
	}

	now := r.now()
	entry.Status = RegistryDeactivated
	entry.LastUsed = now
	entry.DeactivationHistory = append(entry.DeactivationHistory, HistoryEvent{
		Timestamp:         now,
		DeviceFingerprint: fp,
	})

	r.logger.Info("license deactivated in registry",
		slog.String("license_id", licenseID),
		slog.Int("deactivation_count", len(entry.DeactivationHistory)),
	)
	return r.putEntry(ctx, entry)
}

// Reactivate flips the entry back to activated and appends to the
// reactivation history. Used when a deleted-but-still-valid license is
// reinstalled on the same device.
func (r *Registry) Reactivate(ctx context.Context, licenseID string, fp *security.DeviceFingerprint) error {
	entry, err := r.GetEntry(ctx, licenseID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("license %s not found in registry", licenseID)
	}

	now := r.now()
	entry.Status = RegistryActivated
	entry.ActivationCount++
	entry.ActivatedAt = now
	entry.LastUsed = now
	entry.ReactivationHistory = append(entry.ReactivationHistory, HistoryEvent{
		Timestamp:         now,
		DeviceFingerprint: fp,
	})

	r.logger.Info("license reactivated in registry",
		slog.String("license_id", licenseID),
		slog.Int("reactivation_count", len(entry.ReactivationHistory)),
	)
	return r.putEntry(ctx, entry)
}

func (r *Registry) putEntry(ctx context.Context, entry *RegistryEntry) error {
	plaintext, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode registry entry: %w", err)
	}

	encrypted, err := r.crypto.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt registry entry: %w", err)
	}
	payload, err := json.Marshal(encrypted)
	if err != nil {
		return fmt.Errorf("failed to encode registry payload: %w", err)
	}

	sum := sha256.Sum256(plaintext)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO license_registry (license_id, payload, payload_hash, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(license_id) DO UPDATE SET
		   payload = excluded.payload,
		   payload_hash = excluded.payload_hash,
		   updated_at = excluded.updated_at`,
		entry.LicenseID, payload, hex.EncodeToString(sum[:]), r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write registry entry: %w", err)
	}
	return nil
}
