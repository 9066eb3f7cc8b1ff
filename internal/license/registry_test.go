package license

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterNewEntry(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), "machine-a", time.Now())
	ctx := context.Background()

	require.NoError(t, env.registry.Register(ctx, "LIC-001", env.fp))

	entry, err := env.registry.GetEntry(ctx, "LIC-001")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "LIC-001", entry.LicenseID)
	assert.Equal(t, RegistryActivated, entry.Status)
	assert.Equal(t, 1, entry.ActivationCount)
	assert.Equal(t, env.fp.DeviceSignature, entry.DeviceFingerprint.DeviceSignature)
	assert.False(t, entry.RegisteredAt.IsZero())
}

func TestRegistryRegisterRejectsOtherDevice(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, dir, "machine-a", time.Now())
	ctx := context.Background()

	require.NoError(t, env.registry.Register(ctx, "LIC-001", env.fp))

	other := deviceFingerprint("machine-b")
	err := env.registry.Register(ctx, "LIC-001", other)
	assert.ErrorIs(t, err, ErrAlreadyRegisteredElsewhere)

	elsewhere, err := env.registry.IsRegisteredElsewhere(ctx, "LIC-001", other)
	require.NoError(t, err)
	assert.True(t, elsewhere)
}

func TestRegistryRegisterRejectsDoubleActivation(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), "machine-a", time.Now())
	ctx := context.Background()

	require.NoError(t, env.registry.Register(ctx, "LIC-001", env.fp))
	err := env.registry.Register(ctx, "LIC-001", env.fp)
	assert.ErrorIs(t, err, ErrAlreadyActivatedHere)

	active, err := env.registry.IsAlreadyActivated(ctx, "LIC-001", env.fp)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestRegistryDeactivateKeepsEntry(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), "machine-a", time.Now())
	ctx := context.Background()

	require.NoError(t, env.registry.Register(ctx, "LIC-001", env.fp))
	require.NoError(t, env.registry.Deactivate(ctx, "LIC-001", env.fp))

	entry, err := env.registry.GetEntry(ctx, "LIC-001")
	require.NoError(t, err)
	require.NotNil(t, entry, "deactivation must never delete the entry")
	assert.Equal(t, RegistryDeactivated, entry.Status)
	assert.Len(t, entry.DeactivationHistory, 1)

	deactivated, err := env.registry.IsDeactivated(ctx, "LIC-001", env.fp)
	require.NoError(t, err)
	assert.True(t, deactivated)
}

func TestRegistryRegisterReactivatesDeactivatedEntry(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), "machine-a", time.Now())
	ctx := context.Background()

	require.NoError(t, env.registry.Register(ctx, "LIC-001", env.fp))
	require.NoError(t, env.registry.Deactivate(ctx, "LIC-001", env.fp))
	require.NoError(t, env.registry.Register(ctx, "LIC-001", env.fp))

	entry, err := env.registry.GetEntry(ctx, "LIC-001")
	require.NoError(t, err)
	assert.Equal(t, RegistryActivated, entry.Status)
	assert.Equal(t, 2, entry.ActivationCount)
}

func TestRegistryReactivateAppendsHistory(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), "machine-a", time.Now())
	ctx := context.Background()

	require.NoError(t, env.registry.Register(ctx, "LIC-001", env.fp))
	require.NoError(t, env.registry.Deactivate(ctx, "LIC-001", env.fp))
	require.NoError(t, env.registry.Reactivate(ctx, "LIC-001", env.fp))

	entry, err := env.registry.GetEntry(ctx, "LIC-001")
	require.NoError(t, err)
	assert.Equal(t, RegistryActivated, entry.Status)
	assert.Equal(t, 2, entry.ActivationCount)
	assert.Len(t, entry.ReactivationHistory, 1)
	assert.Len(t, entry.DeactivationHistory, 1)
}

func TestRegistryDeactivateUnknownLicense(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), "machine-a", time.Now())
	assert.Error(t, env.registry.Deactivate(context.Background(), "LIC-MISSING", env.fp))
}

func TestRegistryGetEntryAbsent(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), "machine-a", time.Now())
	entry, err := env.registry.GetEntry(context.Background(), "LIC-NONE")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRegistryEntrySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	crypto := newTestCrypto(t)
	fp := deviceFingerprint("machine-a")

	registry, err := OpenRegistry(filepath.Join(dir, "registry.db"), crypto, slog.Default())
	require.NoError(t, err)
	require.NoError(t, registry.Register(ctx, "LIC-001", fp))
	require.NoError(t, registry.Close())

	reopened, err := OpenRegistry(filepath.Join(dir, "registry.db"), crypto, slog.Default())
	require.NoError(t, err)
	defer reopened.Close()

	entry, err := reopened.GetEntry(ctx, "LIC-001")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, RegistryActivated, entry.Status)
	assert.Equal(t, fp.DeviceSignature, entry.DeviceFingerprint.DeviceSignature)
}

func TestRegistryDetectsCorruptedPayload(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), "machine-a", time.Now())
	ctx := context.Background()

	require.NoError(t, env.registry.Register(ctx, "LIC-001", env.fp))

	_, err := env.registry.db.ExecContext(ctx,
		`UPDATE license_registry SET payload_hash = 'ffffffff' WHERE license_id = ?`, "LIC-001")
	require.NoError(t, err)

	_, err = env.registry.GetEntry(ctx, "LIC-001")
	assert.Error(t, err)
}
