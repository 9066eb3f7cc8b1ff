package license

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clinickey/internal/security"
)

// testClock is a controllable clock shared by the manager and assertions
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t0 time.Time) *testClock {
	return &testClock{now: t0}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// staticFingerprints returns a fixed fingerprint, simulating one device
type staticFingerprints struct {
	fp  *security.DeviceFingerprint
	err error
}

func (s *staticFingerprints) Generate() (*security.DeviceFingerprint, error) {
	if s.err != nil {
		return nil, s.err
	}
	clone := *s.fp
	return &clone, nil
}

func deviceFingerprint(machineID string) *security.DeviceFingerprint {
	fp := &security.DeviceFingerprint{
		MachineID:       machineID,
		Platform:        "linux",
		Arch:            "amd64",
		Hostname:        "host-" + machineID,
		OSRelease:       "6.1.0-30",
		OSVersion:       "#1 SMP",
		MACAddresses:    []string{fmt.Sprintf("aa:bb:cc:00:00:%02x", len(machineID))},
		CPUSignature:    "cpu-" + machineID,
		MemorySignature: "mem-" + machineID,
	}
	fp.DeviceSignature = security.ComputeDeviceSignature(fp)
	return fp
}

func newTestCrypto(t *testing.T) *security.CryptoService {
	t.Helper()
	crypto, err := security.NewCryptoService(security.CryptoConfig{
		EncryptionKey: "test-static-encryption-key-00001",
		SigningKey:    "test-static-signing-key-00000002",
		Iterations:    10_000,
	})
	require.NoError(t, err)
	return crypto
}

// testEnv bundles one simulated device: its stores, manager and clock
type testEnv struct {
	crypto   *security.CryptoService
	registry *Registry
	storage  *Storage
	manager  *Manager
	clock    *testClock
	fp       *security.DeviceFingerprint
	dir      string
}

// newTestEnv builds a full manager around a temp directory. Environments
// sharing a directory share the registry database, simulating devices that
// see the same ledger; distinct directories simulate fully separate machines.
func newTestEnv(t *testing.T, dir, machineID string, t0 time.Time) *testEnv {
	t.Helper()

	logger := slog.Default()
	crypto := newTestCrypto(t)
	clock := newTestClock(t0)
	fp := deviceFingerprint(machineID)

	registry, err := OpenRegistry(filepath.Join(dir, "registry.db"), crypto, logger)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })
	registry.now = clock.Now

	storage := NewStorage(filepath.Join(dir, machineID+"-license.dat"), crypto, logger)
	manager := NewManager(&staticFingerprints{fp: fp}, crypto, registry, storage, logger,
		WithClock(clock.Now),
	)

	return &testEnv{
		crypto:   crypto,
		registry: registry,
		storage:  storage,
		manager:  manager,
		clock:    clock,
		fp:       fp,
		dir:      dir,
	}
}

// issueKey builds a signed, encrypted license key the way the out-of-band
// issuer would.
func issueKey(t *testing.T, crypto *security.CryptoService, raw *RawLicense) string {
	t.Helper()

	raw.Signature = crypto.SignFields(
		raw.LicenseID,
		raw.LicenseType,
		strconv.Itoa(raw.MaxDays),
		strconv.FormatInt(raw.CreatedAt.Unix(), 10),
	)

	document, err := json.Marshal(raw)
	require.NoError(t, err)

	key, err := crypto.EncodeLicenseKey(document)
	require.NoError(t, err)
	return key
}

func standardLicense(id string, createdAt time.Time, maxDays int) *RawLicense {
	return &RawLicense{
		LicenseID:   id,
		LicenseType: "standard",
		MaxDays:     maxDays,
		CreatedAt:   createdAt,
		Features:    []string{"reports", "backups"},
	}
}
