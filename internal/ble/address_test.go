package ble

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("ble://aa:bb:cc:dd:ee:0f")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:0F", addr)

	addr, err = ParseAddress(" 01:23:45:67:89:AB ")
	require.NoError(t, err)
	assert.Equal(t, "01:23:45:67:89:AB", addr)

	for _, bad := range []string{"", "AA:BB:CC", "AA:BB:CC:DD:EE:GG", "AAA:BB:CC:DD:EE:F"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "ble://AA:BB:CC:DD:EE:0F", Handle("aa:bb:cc:dd:ee:0f"))
}

func TestSanitizeAdapter(t *testing.T) {
	a, err := SanitizeAdapter("")
	require.NoError(t, err)
	assert.Equal(t, "hci0", a)

	a, err = SanitizeAdapter("hci1")
	require.NoError(t, err)
	assert.Equal(t, "hci1", a)

	_, err = SanitizeAdapter("hci0/../../etc")
	assert.Error(t, err)
	_, err = SanitizeAdapter("HCI0")
	assert.Error(t, err)
}

func TestDevicePath(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), DevicePath("hci0", "aa:bb:cc:dd:ee:ff"))
}

func TestProfileAdvertises(t *testing.T) {
	assert.True(t, NordicUART.advertises([]string{"0000180a-0000-1000-8000-00805f9b34fb", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"}))
	assert.False(t, Meshtastic.advertises([]string{NordicUART.ServiceUUID}))
}
