package ble

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"
)

const addressScheme = "ble://"

// ValidateAddress checks the XX:XX:XX:XX:XX:XX MAC form.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("BLE address is required")
	}
	parts := strings.Split(address, ":")
	if len(parts) != 6 {
		return fmt.Errorf("invalid BLE address %q (expected XX:XX:XX:XX:XX:XX)", address)
	}
	for _, part := range parts {
		if len(part) != 2 {
			return fmt.Errorf("invalid BLE address %q (expected XX:XX:XX:XX:XX:XX)", address)
		}
		for _, c := range part {
			if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')) {
				return fmt.Errorf("invalid BLE address %q (non-hex character)", address)
			}
		}
	}
	return nil
}

// ParseAddress accepts a bare MAC or a "ble://" handle and returns the
// upper-cased MAC.
func ParseAddress(s string) (string, error) {
	addr := strings.TrimPrefix(strings.TrimSpace(s), addressScheme)
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return strings.ToUpper(addr), nil
}

// Handle formats a MAC as a "ble://" device handle.
func Handle(address string) string {
	return addressScheme + strings.ToUpper(address)
}

// SanitizeAdapter validates an adapter name such as "hci0" so it is safe to
// splice into a D-Bus object path.
func SanitizeAdapter(adapter string) (string, error) {
	if adapter == "" {
		return "hci0", nil
	}
	clean := filepath.Base(adapter)
	if clean != adapter {
		return "", fmt.Errorf("invalid adapter name: %s", adapter)
	}
	for _, c := range clean {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return "", fmt.Errorf("invalid adapter name: %s", adapter)
		}
	}
	return clean, nil
}

// DevicePath maps a MAC to its BlueZ object path.
// "AA:BB:CC:DD:EE:FF" on hci0 → "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func DevicePath(adapter, address string) dbus.ObjectPath {
	dev := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, dev))
}
