package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinickey/internal/license"
	"clinickey/internal/security"
	"clinickey/pkg/contracts/domain"
)

type fixedFingerprints struct {
	fp *security.DeviceFingerprint
}

func (f *fixedFingerprints) Generate() (*security.DeviceFingerprint, error) {
	clone := *f.fp
	return &clone, nil
}

type handlerFixture struct {
	server  *httptest.Server
	crypto  *security.CryptoService
	epoch   time.Time
	manager *license.Manager
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	dir := t.TempDir()
	logger := slog.Default()
	epoch := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	crypto, err := security.NewCryptoService(security.CryptoConfig{
		EncryptionKey: "handler-test-encryption-key-0001",
		SigningKey:    "handler-test-signing-key-0000002",
		Iterations:    10_000,
	})
	require.NoError(t, err)

	registry, err := license.OpenRegistry(filepath.Join(dir, "registry.db"), crypto, logger)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	storage := license.NewStorage(filepath.Join(dir, "license.dat"), crypto, logger)

	fp := &security.DeviceFingerprint{
		MachineID:    "handler-test-machine",
		Platform:     "linux",
		Arch:         "amd64",
		Hostname:     "handler-host",
		MACAddresses: []string{"aa:bb:cc:dd:ee:01"},
	}
	fp.DeviceSignature = security.ComputeDeviceSignature(fp)

	manager := license.NewManager(&fixedFingerprints{fp: fp}, crypto, registry, storage, logger,
		license.WithClock(func() time.Time { return epoch }),
	)

	handler := NewLicenseHandler(manager, logger)
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	return &handlerFixture{server: server, crypto: crypto, epoch: epoch, manager: manager}
}

func (f *handlerFixture) issueKey(t *testing.T, id string, maxDays int) string {
	t.Helper()

	raw := &license.RawLicense{
		LicenseID:   id,
		LicenseType: "standard",
		MaxDays:     maxDays,
		CreatedAt:   f.epoch,
	}
	raw.Signature = f.crypto.SignFields(
		raw.LicenseID,
		raw.LicenseType,
		strconv.Itoa(raw.MaxDays),
		strconv.FormatInt(raw.CreatedAt.Unix(), 10),
	)

	document, err := json.Marshal(raw)
	require.NoError(t, err)
	key, err := f.crypto.EncodeLicenseKey(document)
	require.NoError(t, err)
	return key
}

func (f *handlerFixture) postActivate(t *testing.T, key string) (*http.Response, domain.ActivationResponse) {
	t.Helper()

	body, err := json.Marshal(domain.ActivationRequest{LicenseKey: key})
	require.NoError(t, err)

	resp, err := http.Post(f.server.URL+"/activate", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded domain.ActivationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestActivateEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	key := f.issueKey(t, "LIC-HTTP-1", 30)

	resp, decoded := f.postActivate(t, key)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decoded.Success)
	assert.NotEmpty(t, decoded.TraceID)
	require.NotNil(t, decoded.License)
	assert.Equal(t, string(license.StatusValid), decoded.License.Status)
	assert.Equal(t, 30, decoded.License.RemainingDays)
}

func TestActivateEndpointRejectsShortKey(t *testing.T) {
	f := newHandlerFixture(t)

	body := `{"license_key":"short"}`
	resp, err := http.Post(f.server.URL+"/activate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivateEndpointConflictOnDoubleActivation(t *testing.T) {
	f := newHandlerFixture(t)
	key := f.issueKey(t, "LIC-HTTP-2", 30)

	resp, _ := f.postActivate(t, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, decoded := f.postActivate(t, key)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, decoded.Success)
	assert.Equal(t, license.CodeAlreadyActivatedHere, decoded.ErrorKind)
	assert.NotEmpty(t, decoded.Message)
}

func TestActivateEndpointBadSignature(t *testing.T) {
	f := newHandlerFixture(t)

	raw := &license.RawLicense{
		LicenseID:   "LIC-HTTP-3",
		LicenseType: "standard",
		MaxDays:     30,
		CreatedAt:   f.epoch,
		Signature:   "not-a-real-signature",
	}
	document, err := json.Marshal(raw)
	require.NoError(t, err)
	key, err := f.crypto.EncodeLicenseKey(document)
	require.NoError(t, err)

	resp, decoded := f.postActivate(t, key)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, license.CodeSignatureInvalid, decoded.ErrorKind)
}

func TestStatusEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	resp, err := http.Get(f.server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status domain.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.False(t, status.IsValid)
	assert.True(t, status.IsFirstRun)
	assert.Equal(t, license.CodeNotActivated, status.ErrorKind)
	assert.Nil(t, status.License)

	f.postActivate(t, f.issueKey(t, "LIC-HTTP-4", 30))

	resp, err = http.Get(f.server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.IsValid)
	assert.False(t, status.IsFirstRun)
	require.NotNil(t, status.License)
	assert.Equal(t, "standard", status.License.LicenseType)
}

func TestMachineInfoEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	resp, err := http.Get(f.server.URL + "/machine-info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info domain.MachineInfoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Len(t, info.HWID, 16)
	assert.Equal(t, "linux", info.Platform)
	assert.Equal(t, "amd64", info.Arch)
}

func TestLicenseInfoEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	resp, err := http.Get(f.server.URL + "/info")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.postActivate(t, f.issueKey(t, "LIC-HTTP-5", 30))

	resp, err = http.Get(f.server.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary domain.LicenseSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, string(license.StatusValid), summary.Status)
	assert.Equal(t, 30, summary.RemainingDays)
}

func TestDeactivateEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	resp, err := http.Post(f.server.URL+"/deactivate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)

	f.postActivate(t, f.issueKey(t, "LIC-HTTP-6", 30))

	resp, err = http.Post(f.server.URL+"/deactivate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded domain.DeactivationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.True(t, decoded.Success)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{license.CodeInvalidKey, http.StatusBadRequest},
		{license.CodeSignatureInvalid, http.StatusBadRequest},
		{license.CodeAlreadyRegisteredOther, http.StatusConflict},
		{license.CodeAlreadyActivatedHere, http.StatusConflict},
		{license.CodePermanentlyExpired, http.StatusForbidden},
		{license.CodeLicenseExpired, http.StatusForbidden},
		{license.CodeDeviceMismatch, http.StatusForbidden},
		{license.CodeTampered, http.StatusForbidden},
		{license.CodeDeactivated, http.StatusForbidden},
		{license.CodeNotActivated, http.StatusPreconditionRequired},
		{license.CodeRateLimited, http.StatusTooManyRequests},
		{license.CodeFingerprintUnavailable, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, httpStatusForCode(tt.code))
		})
	}
}
