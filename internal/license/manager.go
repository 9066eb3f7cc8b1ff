package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"clinickey/internal/config"
	"clinickey/internal/security"
)

// FingerprintSource produces the current device fingerprint.
// *security.FingerprintGenerator is the production implementation; tests
// substitute fixed fingerprints to simulate different devices.
type FingerprintSource interface {
	Generate() (*security.DeviceFingerprint, error)
}

// Manager orchestrates license parsing, validation, activation, deactivation
// and reactivation. It is the only component the application calls directly.
// All collaborators are explicit service objects constructed once at process
// start; the manager holds no hidden global state.
type Manager struct {
	fingerprints FingerprintSource
	crypto       *security.CryptoService
	registry     *Registry
	storage      *Storage
	logger       *slog.Logger
	metrics      *Metrics
	limiter      *rate.Limiter

	expiryWarningDays int

	// now is the clock used for all expiry arithmetic, injectable for tests
	now func() time.Time
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithClock overrides the manager's clock
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMetrics attaches OpenTelemetry metrics
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithActivationLimit throttles activation attempts
func WithActivationLimit(rpm float64, burst int) ManagerOption {
	return func(m *Manager) { m.limiter = rate.NewLimiter(rate.Limit(rpm/60), burst) }
}

// WithExpiryWarningDays sets the "expiring soon" threshold
func WithExpiryWarningDays(days int) ManagerOption {
	return func(m *Manager) { m.expiryWarningDays = days }
}

// NewManager wires the license manager from its collaborators
func NewManager(
	fingerprints FingerprintSource,
	crypto *security.CryptoService,
	registry *Registry,
	storage *Storage,
	logger *slog.Logger,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		fingerprints:      fingerprints,
		crypto:            crypto,
		registry:          registry,
		storage:           storage,
		logger:            logger.With(slog.String("component", "license_manager")),
		expiryWarningDays: 7,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// rawLicenseWire distinguishes absent numeric fields from zero values during
// parsing; the invariant requires license id, max days and signature to all
// be present.
type rawLicenseWire struct {
	LicenseID   string            `json:"license_id"`
	LicenseType string            `json:"license_type"`
	MaxDays     *int              `json:"max_days"`
	CreatedAt   time.Time         `json:"created_at"`
	Signature   string            `json:"signature"`
	Features    []string          `json:"features,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ParseLicenseKey decodes a license key into an untrusted RawLicense.
// Missing required fields fail with ErrInvalidKey; the issuer signature is
// NOT verified here, that happens during activation.
func (m *Manager) ParseLicenseKey(keyText string) (*RawLicense, error) {
	if len(keyText) < config.LicenseKeyMinLength {
		return nil, fmt.Errorf("%w: key too short", ErrInvalidKey)
	}

	plaintext, err := m.crypto.DecodeLicenseKey(keyText)
	if err != nil {
		if errors.Is(err, security.ErrIntegrity) || errors.Is(err, security.ErrDecryption) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var wire rawLicenseWire
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if wire.LicenseID == "" || wire.Signature == "" || wire.MaxDays == nil {
		return nil, fmt.Errorf("%w: license id, max days and signature are required", ErrInvalidKey)
	}

	return &RawLicense{
		LicenseID:   wire.LicenseID,
		LicenseType: wire.LicenseType,
		MaxDays:     *wire.MaxDays,
		CreatedAt:   wire.CreatedAt,
		Signature:   wire.Signature,
		Features:    wire.Features,
		Metadata:    wire.Metadata,
	}, nil
}

// Activate turns a license key into a device-bound activated license.
//
// Registration happens before storage so a crash between the two steps leaves
// the registry showing the key as consumed; the subsystem prefers stricter
// reuse prevention over availability.
func (m *Manager) Activate(ctx context.Context, keyText string) (result *ActivatedLicense, err error) {
	start := m.now()
	defer func() { m.observeActivation(ctx, start, err) }()

	if m.limiter != nil && !m.limiter.Allow() {
		return nil, ErrRateLimited
	}

	fp, err := m.fingerprints.Generate()
	if err != nil {
		return nil, err
	}

	raw, err := m.ParseLicenseKey(keyText)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With(
		slog.String("license_id", raw.LicenseID),
		slog.String("device_signature", fp.DeviceSignature),
	)

	entry, err := m.registry.GetEntry(ctx, raw.LicenseID)
	if err != nil {
		return nil, err
	}

	reactivating := false
	if entry != nil {
		if !security.Compare(entry.DeviceFingerprint, fp) {
			logger.Warn("activation rejected: key registered on another device")
			return nil, ErrAlreadyRegisteredElsewhere
		}
		if entry.Status == RegistryActivated {
			current, storErr := m.storage.Get()
			if storErr == nil && current != nil && current.LicenseID == raw.LicenseID {
				logger.Warn("activation rejected: key already active on this device")
				return nil, ErrAlreadyActivatedHere
			}
			// Registry says active but no matching license is installed:
			// a deactivation deleted the slot and failed before the
			// registry update. Recover by reactivating.
			logger.Warn("registry entry active without installed license, recovering")
		}

		// Reactivation is allowed only inside the issuer's original
		// validity window, never the local one.
		if m.now().After(raw.OriginalExpiration()) {
			logger.Warn("activation rejected: original validity window elapsed",
				slog.Time("original_expiration", raw.OriginalExpiration()),
			)
			return nil, ErrPermanentlyExpired
		}
		reactivating = true
	}

	// One device holds at most one active license; switching licenses is
	// allowed, reusing a burned one is not.
	if err := m.retireCurrentLicense(ctx, raw.LicenseID, fp, logger); err != nil {
		return nil, err
	}

	if raw.MaxDays <= 0 {
		return nil, fmt.Errorf("%w: validity window is %d days", ErrLicenseExpired, raw.MaxDays)
	}

	if !m.crypto.VerifyFields(raw.Signature, issuerSignatureFields(raw)...) {
		logger.Warn("activation rejected: issuer signature does not verify")
		return nil, ErrSignatureInvalid
	}

	activatedAt := m.now()
	license := &ActivatedLicense{
		LicenseID:         raw.LicenseID,
		LicenseType:       raw.LicenseType,
		MaxDays:           raw.MaxDays,
		CreatedAt:         raw.CreatedAt,
		OriginalSignature: raw.Signature,
		Features:          raw.Features,
		Metadata:          raw.Metadata,
		ActivatedAt:       activatedAt,
		ExpiresAt:         activatedAt.AddDate(0, 0, raw.MaxDays),
		DeviceFingerprint: fp,
	}
	license.Signature = m.signActivatedLicense(license)

	if reactivating {
		if err := m.registry.Reactivate(ctx, raw.LicenseID, fp); err != nil {
			return nil, err
		}
	} else {
		if err := m.registry.Register(ctx, raw.LicenseID, fp); err != nil {
			return nil, err
		}
	}

	if err := m.storage.Store(license); err != nil {
		return nil, err
	}

	logger.Info("license activated",
		slog.String("license_type", license.LicenseType),
		slog.Time("expires_at", license.ExpiresAt),
		slog.Bool("reactivation", reactivating),
	)
	return license, nil
}

// retireCurrentLicense deactivates and clears any different license currently
// held by this device before a new one is installed.
func (m *Manager) retireCurrentLicense(ctx context.Context, incomingID string, fp *security.DeviceFingerprint, logger *slog.Logger) error {
	current, err := m.storage.Get()
	if err != nil {
		// The slot is unreadable; it is being replaced either way
		logger.Warn("stored license unreadable during activation, clearing slot",
			slog.String("error", err.Error()),
		)
		return m.storage.Delete()
	}
	if current == nil || current.LicenseID == incomingID {
		return nil
	}

	logger.Info("retiring previously installed license",
		slog.String("previous_license_id", current.LicenseID),
	)
	if err := m.registry.Deactivate(ctx, current.LicenseID, fp); err != nil {
		return fmt.Errorf("failed to retire previous license: %w", err)
	}
	return m.storage.Delete()
}

// Validate checks the installed license on application start and on the
// periodic recheck. Storage and registry read failures fail closed.
func (m *Manager) Validate(ctx context.Context) (result *ValidationResult, err error) {
	start := m.now()
	defer func() { m.observeValidation(ctx, start, result, err) }()

	stored, err := m.storage.Get()
	if err != nil {
		if errors.Is(err, security.ErrIntegrity) || errors.Is(err, security.ErrDecryption) {
			m.logger.Error("stored license failed integrity check", slog.String("error", err.Error()))
			return &ValidationResult{Status: StatusTampered}, nil
		}
		// Unreadable state never grants access
		m.logger.Error("license storage unreadable, failing closed", slog.String("error", err.Error()))
		return &ValidationResult{Status: StatusNotActivated}, nil
	}
	if stored == nil {
		return &ValidationResult{Status: StatusNotActivated}, nil
	}

	if !m.crypto.VerifyFields(stored.Signature, localSignatureFields(stored)...) {
		m.logger.Error("stored license signature mismatch",
			slog.String("license_id", stored.LicenseID),
		)
		return &ValidationResult{Status: StatusTampered}, nil
	}

	fp, err := m.fingerprints.Generate()
	if err != nil {
		return nil, err
	}
	if !security.Compare(stored.DeviceFingerprint, fp) {
		m.recordFingerprintMismatch(ctx)
		m.logger.Warn("device fingerprint mismatch",
			slog.String("license_id", stored.LicenseID),
			slog.String("stored_signature", stored.DeviceFingerprint.DeviceSignature),
			slog.String("current_signature", fp.DeviceSignature),
		)
		return &ValidationResult{Status: StatusDeviceMismatch}, nil
	}

	entry, err := m.registry.GetEntry(ctx, stored.LicenseID)
	if err != nil {
		m.logger.Error("registry unreadable during validation, failing closed",
			slog.String("error", err.Error()),
		)
		return &ValidationResult{Status: StatusTampered}, nil
	}
	if entry == nil {
		// A genuine activation always leaves a registry trail
		m.logger.Error("stored license has no registry entry",
			slog.String("license_id", stored.LicenseID),
		)
		return &ValidationResult{Status: StatusTampered}, nil
	}
	if entry.Status == RegistryDeactivated {
		return &ValidationResult{Status: StatusDeactivated}, nil
	}
	if !security.Compare(entry.DeviceFingerprint, fp) {
		m.recordFingerprintMismatch(ctx)
		return &ValidationResult{Status: StatusDeviceMismatch}, nil
	}

	now := m.now()
	remaining := remainingDays(stored.ExpiresAt, now)
	expiresAt := stored.ExpiresAt
	if now.After(stored.ExpiresAt) {
		return &ValidationResult{
			Status:        StatusExpired,
			RemainingDays: remaining,
			ExpiresAt:     &expiresAt,
			License:       stored,
		}, nil
	}

	return &ValidationResult{
		Status:        StatusValid,
		RemainingDays: remaining,
		ExpiresAt:     &expiresAt,
		License:       stored,
	}, nil
}

// Deactivate removes the installed license. Storage deletion always proceeds
// even if the registry update fails; the inconsistency self-heals on the next
// activation attempt.
func (m *Manager) Deactivate(ctx context.Context) error {
	current, err := m.storage.Get()
	if err != nil && current == nil {
		// Slot unreadable: still clear it, the registry entry (if any)
		// keeps the key burned.
		m.logger.Warn("stored license unreadable during deactivation",
			slog.String("error", err.Error()),
		)
		return m.storage.Delete()
	}
	if current == nil {
		return ErrNotActivated
	}

	if err := m.storage.Delete(); err != nil {
		return err
	}

	fp, fpErr := m.fingerprints.Generate()
	if fpErr != nil {
		m.logger.Warn("fingerprint unavailable during deactivation, registry not updated",
			slog.String("error", fpErr.Error()),
		)
		return nil
	}
	if err := m.registry.Deactivate(ctx, current.LicenseID, fp); err != nil {
		m.logger.Warn("registry deactivation failed, license removed locally",
			slog.String("license_id", current.LicenseID),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("license deactivated", slog.String("license_id", current.LicenseID))
	return nil
}

// CheckStatus is the application shell's entry point on every start
func (m *Manager) CheckStatus(ctx context.Context) (*StatusReport, error) {
	isFirstRun := !m.storage.Exists()

	result, err := m.Validate(ctx)
	if err != nil {
		return &StatusReport{
			IsValid:    false,
			ErrorKind:  ErrorCode(err),
			IsFirstRun: isFirstRun,
		}, nil
	}

	report := &StatusReport{
		IsValid:    result.IsValid(),
		ErrorKind:  StatusCode(result.Status),
		IsFirstRun: isFirstRun,
	}
	if result.License != nil {
		report.License = m.licenseInfo(result)
	}
	return report, nil
}

// GetMachineInfo returns the identifiers shown to users for support purposes
func (m *Manager) GetMachineInfo(ctx context.Context) (*MachineInfo, error) {
	fp, err := m.fingerprints.Generate()
	if err != nil {
		return nil, err
	}

	hwid := fp.DeviceSignature
	if len(hwid) > config.HWIDDisplayLength {
		hwid = hwid[:config.HWIDDisplayLength]
	}
	return &MachineInfo{
		HWID:     hwid,
		Platform: fp.Platform,
		Arch:     fp.Arch,
	}, nil
}

// GetLicenseInfo returns the installed license summary, nil when none is
// installed.
func (m *Manager) GetLicenseInfo(ctx context.Context) (*LicenseInfo, error) {
	result, err := m.Validate(ctx)
	if err != nil {
		return nil, err
	}
	if result.License == nil {
		return nil, nil
	}
	return m.licenseInfo(result), nil
}

func (m *Manager) licenseInfo(result *ValidationResult) *LicenseInfo {
	lic := result.License
	now := m.now()
	return &LicenseInfo{
		Status:         result.Status,
		LicenseType:    lic.LicenseType,
		ActivatedAt:    lic.ActivatedAt,
		ExpiresAt:      lic.ExpiresAt,
		RemainingDays:  result.RemainingDays,
		IsExpiringSoon: result.Status == StatusValid && result.RemainingDays <= m.expiryWarningDays,
		Features:       lic.Features,
		LastValidated:  &now,
	}
}

func (m *Manager) signActivatedLicense(lic *ActivatedLicense) string {
	return m.crypto.SignFields(localSignatureFields(lic)...)
}

// issuerSignatureFields is the canonical tuple the issuer signed
func issuerSignatureFields(raw *RawLicense) []string {
	return []string{
		raw.LicenseID,
		raw.LicenseType,
		strconv.Itoa(raw.MaxDays),
		strconv.FormatInt(raw.CreatedAt.Unix(), 10),
	}
}

// localSignatureFields is the canonical tuple bound to this activation
func localSignatureFields(lic *ActivatedLicense) []string {
	deviceSig := ""
	if lic.DeviceFingerprint != nil {
		deviceSig = lic.DeviceFingerprint.DeviceSignature
	}
	return []string{
		lic.LicenseID,
		lic.LicenseType,
		strconv.Itoa(lic.MaxDays),
		strconv.FormatInt(lic.ActivatedAt.Unix(), 10),
		deviceSig,
	}
}

// remainingDays is ceil((expiresAt - now) / 1 day)
func remainingDays(expiresAt, now time.Time) int {
	diff := expiresAt.Sub(now)
	days := int(diff / (24 * time.Hour))
	if diff%(24*time.Hour) > 0 {
		days++
	}
	return days
}
