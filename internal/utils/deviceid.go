package utils

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// deviceNamespace scopes fingerprint-derived device identifiers.
var deviceNamespace = uuid.MustParse("6f1c3b8e-2d47-5a0e-9b61-7c2f4e8d1a93")

// GetDeviceFingerprints returns a slice of unique device IDs (CPU/hardware UUIDs) for the current device.
// On mobile/web platforms, this should be provided by the client app.
func GetDeviceFingerprints() ([]string, error) {
	osName := runtime.GOOS
	switch osName {
	case "darwin":
		return getMacOSUUID()
	case "linux":
		return getLinuxUUID()
	case "windows":
		return getWindowsUUID()
	case "android", "ios":
		return nil, errors.New(osName + ": identifier must be provided by the host app")
	default:
		return nil, errors.New("unsupported platform: " + osName)
	}
}

// NewDeviceID derives a stable identifier from the first hardware
// fingerprint, or a random one when the platform exposes none. Callers
// persist the result; it is never regenerated for an installation.
func NewDeviceID() string {
	fps, err := GetDeviceFingerprints()
	if err != nil || len(fps) == 0 {
		return uuid.NewString()
	}
	return uuid.NewSHA1(deviceNamespace, []byte(fps[0])).String()
}

func getMacOSUUID() ([]string, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "IOPlatformUUID") {
			parts := strings.Split(line, "\"")
			if len(parts) >= 4 {
				ids = append(ids, parts[3])
			}
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no IOPlatformUUID found")
	}
	return ids, nil
}

func getLinuxUUID() ([]string, error) {
	for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
		out, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(out)); id != "" {
			return []string{id}, nil
		}
	}
	return nil, errors.New("no hardware UUID found on Linux")
}

func getWindowsUUID() ([]string, error) {
	out, err := exec.Command("wmic", "csproduct", "get", "UUID").Output()
	if err != nil {
		return nil, err
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		str := strings.TrimSpace(string(line))
		if str != "" && !strings.EqualFold(str, "UUID") {
			return []string{str}, nil
		}
	}
	return nil, errors.New("no hardware UUID found on Windows")
}
