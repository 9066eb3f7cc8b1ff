package license

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinickey/internal/security"
)

func testActivatedLicense(fp *security.DeviceFingerprint, t0 time.Time) *ActivatedLicense {
	return &ActivatedLicense{
		LicenseID:         "LIC-STORE-001",
		LicenseType:       "standard",
		MaxDays:           30,
		CreatedAt:         t0.AddDate(0, 0, -1),
		OriginalSignature: "issuer-signature",
		ActivatedAt:       t0,
		ExpiresAt:         t0.AddDate(0, 0, 30),
		DeviceFingerprint: fp,
		Signature:         "local-signature",
	}
}

func TestStorageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	storage := NewStorage(filepath.Join(dir, "license.dat"), newTestCrypto(t), slog.Default())
	fp := deviceFingerprint("machine-a")
	t0 := time.Now().UTC().Truncate(time.Second)

	assert.False(t, storage.Exists())

	license := testActivatedLicense(fp, t0)
	require.NoError(t, storage.Store(license))
	assert.True(t, storage.Exists())

	loaded, err := storage.Get()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, license.LicenseID, loaded.LicenseID)
	assert.Equal(t, license.Signature, loaded.Signature)
	assert.Equal(t, license.OriginalSignature, loaded.OriginalSignature)
	assert.True(t, license.ExpiresAt.Equal(loaded.ExpiresAt))
	assert.Equal(t, fp.DeviceSignature, loaded.DeviceFingerprint.DeviceSignature)
}

func TestStorageGetAbsent(t *testing.T) {
	storage := NewStorage(filepath.Join(t.TempDir(), "license.dat"), newTestCrypto(t), slog.Default())

	loaded, err := storage.Get()
	require.NoError(t, err)
	assert.Nil(t, loaded, "absence is not an error")
}

func TestStorageDelete(t *testing.T) {
	dir := t.TempDir()
	storage := NewStorage(filepath.Join(dir, "license.dat"), newTestCrypto(t), slog.Default())

	require.NoError(t, storage.Delete(), "deleting a missing slot is not an error")

	require.NoError(t, storage.Store(testActivatedLicense(deviceFingerprint("machine-a"), time.Now())))
	require.NoError(t, storage.Delete())
	assert.False(t, storage.Exists())
}

func TestStorageDetectsCiphertextTampering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "license.dat")
	storage := NewStorage(path, newTestCrypto(t), slog.Default())

	require.NoError(t, storage.Store(testActivatedLicense(deviceFingerprint("machine-a"), time.Now())))

	// Flip one byte inside the encrypted payload
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var slot map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &slot))

	var payload security.EncryptedPayload
	require.NoError(t, json.Unmarshal(slot["payload"], &payload))
	payload.Ciphertext[len(payload.Ciphertext)/2] ^= 0x01
	slot["payload"], err = json.Marshal(&payload)
	require.NoError(t, err)

	tampered, err := json.Marshal(slot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = storage.Get()
	assert.Error(t, err)
}

func TestStorageDetectsHashTampering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "license.dat")
	storage := NewStorage(path, newTestCrypto(t), slog.Default())

	require.NoError(t, storage.Store(testActivatedLicense(deviceFingerprint("machine-a"), time.Now())))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var slot map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &slot))
	slot["hash"] = json.RawMessage(`"0000000000000000"`)
	tampered, err := json.Marshal(slot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = storage.Get()
	assert.ErrorIs(t, err, security.ErrIntegrity)
}

func TestStorageDetectsGarbageFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "license.dat")
	storage := NewStorage(path, newTestCrypto(t), slog.Default())

	require.NoError(t, os.WriteFile(path, []byte("not a license slot"), 0o600))

	_, err := storage.Get()
	assert.ErrorIs(t, err, security.ErrIntegrity)
}
