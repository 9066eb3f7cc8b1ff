package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
)

// ErrFingerprintUnavailable is returned when the OS queries needed to
// identify this machine are unavailable. Every downstream license operation
// treats this as fatal.
var ErrFingerprintUnavailable = errors.New("device fingerprint unavailable")

// DeviceFingerprint identifies a physical or virtual machine. It is
// recomputed on demand and never persisted standalone; it only travels
// embedded in an activated license or a registry entry.
type DeviceFingerprint struct {
	MachineID       string    `json:"machine_id"`
	Platform        string    `json:"platform"`
	Arch            string    `json:"arch"`
	Hostname        string    `json:"hostname"`
	OSRelease       string    `json:"os_release"`
	OSVersion       string    `json:"os_version"`
	MACAddresses    []string  `json:"mac_addresses"`
	CPUSignature    string    `json:"cpu_signature"`
	MemorySignature string    `json:"memory_signature"`
	DeviceSignature string    `json:"device_signature"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// PrimaryMAC returns the first collected MAC address, empty if none
func (f *DeviceFingerprint) PrimaryMAC() string {
	if len(f.MACAddresses) == 0 {
		return ""
	}
	return f.MACAddresses[0]
}

// FingerprintGenerator derives device fingerprints from OS-level identifiers
type FingerprintGenerator struct {
	logger *slog.Logger
}

// NewFingerprintGenerator creates a new fingerprint generator
func NewFingerprintGenerator(logger *slog.Logger) *FingerprintGenerator {
	return &FingerprintGenerator{
		logger: logger.With(slog.String("component", "fingerprint")),
	}
}

// Generate builds a fresh fingerprint for the current machine. The result is
// recomputed on every call so hardware changes are observed immediately.
func (g *FingerprintGenerator) Generate() (*DeviceFingerprint, error) {
	start := time.Now()

	machineID, err := g.readMachineID()
	if err != nil {
		g.logger.Error("machine id unavailable", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrFingerprintUnavailable, err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("%w: hostname: %v", ErrFingerprintUnavailable, err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))

	macs, err := g.collectMACAddresses()
	if err != nil {
		return nil, fmt.Errorf("%w: network interfaces: %v", ErrFingerprintUnavailable, err)
	}

	osRelease, osVersion := g.readOSRelease()
	cpuSig := g.cpuSignature()
	memSig := g.memorySignature()

	fp := &DeviceFingerprint{
		MachineID:       machineID,
		Platform:        runtime.GOOS,
		Arch:            runtime.GOARCH,
		Hostname:        hostname,
		OSRelease:       osRelease,
		OSVersion:       osVersion,
		MACAddresses:    macs,
		CPUSignature:    cpuSig,
		MemorySignature: memSig,
		GeneratedAt:     time.Now(),
	}
	fp.DeviceSignature = ComputeDeviceSignature(fp)

	g.logger.Debug("device fingerprint generated",
		slog.String("device_signature", fp.DeviceSignature),
		slog.String("hostname", hostname),
		slog.Int("mac_count", len(macs)),
		slog.Duration("generation_time", time.Since(start)),
	)

	return fp, nil
}

// ComputeDeviceSignature hashes all fingerprint fields into the canonical
// comparison key. The MAC list is sorted so interface ordering is irrelevant.
func ComputeDeviceSignature(fp *DeviceFingerprint) string {
	macs := append([]string(nil), fp.MACAddresses...)
	sort.Strings(macs)

	parts := []string{
		fp.MachineID,
		fp.Platform,
		fp.Arch,
		fp.Hostname,
		strings.Join(macs, ","),
		fp.CPUSignature,
		fp.MemorySignature,
		fp.OSRelease,
		fp.OSVersion,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Compare applies the tiered fingerprint equality policy:
//
//  1. MachineID, Platform and Arch must match exactly or the result is false.
//  2. When both sides carry a device signature the signatures must be equal;
//     this is the strict path every new registration uses.
//  3. Legacy fallback for fingerprints captured before the signature scheme:
//     CPU and memory signatures must match when present on both sides, at
//     least one MAC address must be shared, and every critical field present
//     on both sides must agree.
func Compare(a, b *DeviceFingerprint) bool {
	if a == nil || b == nil {
		return false
	}

	if a.MachineID != b.MachineID || a.Platform != b.Platform || a.Arch != b.Arch {
		return false
	}

	if a.DeviceSignature != "" && b.DeviceSignature != "" {
		return a.DeviceSignature == b.DeviceSignature
	}

	return compareLegacy(a, b)
}

// compareLegacy handles fingerprints that predate the device signature.
// Every critical field present on both sides must agree; this is stricter
// than a majority vote and is intentional.
func compareLegacy(a, b *DeviceFingerprint) bool {
	if a.CPUSignature != "" && b.CPUSignature != "" && a.CPUSignature != b.CPUSignature {
		return false
	}
	if a.MemorySignature != "" && b.MemorySignature != "" && a.MemorySignature != b.MemorySignature {
		return false
	}

	if !sharesMAC(a.MACAddresses, b.MACAddresses) {
		return false
	}

	if a.OSRelease != "" && b.OSRelease != "" && a.OSRelease != b.OSRelease {
		return false
	}

	return true
}

func sharesMAC(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, mac := range a {
		set[strings.ToLower(mac)] = struct{}{}
	}
	for _, mac := range b {
		if _, ok := set[strings.ToLower(mac)]; ok {
			return true
		}
	}
	return false
}

// collectMACAddresses returns the MAC addresses of non-loopback interfaces.
// The first up interface found is the primary.
func (g *FingerprintGenerator) collectMACAddresses() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var up, down []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		if iface.Flags&net.FlagUp != 0 {
			up = append(up, mac)
		} else {
			down = append(down, mac)
		}
	}

	return append(up, down...), nil
}

// machineIDSources lists the files consulted for a stable machine identifier,
// in preference order.
var machineIDSources = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/etc/hostid",
}

func (g *FingerprintGenerator) readMachineID() (string, error) {
	for _, path := range machineIDSources {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	// Windows and macOS have no machine-id file; derive a stable identifier
	// from hardware-adjacent environment plus hostname.
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			return "", fmt.Errorf("no machine id source available on %s", runtime.GOOS)
		}
		seed := strings.Join([]string{
			hostname,
			os.Getenv("PROCESSOR_IDENTIFIER"),
			os.Getenv("PROCESSOR_ARCHITECTURE"),
			runtime.GOOS,
		}, "|")
		sum := sha256.Sum256([]byte(seed))
		return hex.EncodeToString(sum[:16]), nil
	}

	return "", errors.New("no machine id source available")
}

func (g *FingerprintGenerator) readOSRelease() (release, version string) {
	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		release = strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile("/proc/sys/kernel/version"); err == nil {
		version = strings.TrimSpace(string(data))
	}
	if release == "" {
		release = runtime.GOOS
	}
	if version == "" {
		version = runtime.GOARCH
	}
	return release, version
}

// cpuSignature hashes the CPU model and logical core count. Reading the model
// from /proc/cpuinfo works on linux; elsewhere the environment-provided
// identifier is used with an arch fallback.
func (g *FingerprintGenerator) cpuSignature() string {
	model := ""
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") {
				if idx := strings.Index(line, ":"); idx >= 0 {
					model = strings.TrimSpace(line[idx+1:])
				}
				break
			}
		}
	}
	if model == "" {
		model = os.Getenv("PROCESSOR_IDENTIFIER")
	}
	if model == "" {
		model = fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", model, runtime.NumCPU())))
	return hex.EncodeToString(sum[:8])
}

// memorySignature hashes total physical memory rounded to the nearest GiB so
// byte-level reporting jitter does not change the fingerprint.
func (g *FingerprintGenerator) memorySignature() string {
	totalKB := int64(0)
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemTotal:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					fmt.Sscanf(fields[1], "%d", &totalKB)
				}
				break
			}
		}
	}

	gib := (totalKB + 512*1024) / (1024 * 1024)
	sum := sha256.Sum256([]byte(fmt.Sprintf("mem|%d", gib)))
	return hex.EncodeToString(sum[:8])
}
