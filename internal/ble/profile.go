// Package ble provides GATT links to mesh radios through BlueZ on the system
// D-Bus.
package ble

import (
	"context"
	"strings"
)

// Profile names the GATT service and characteristics a radio family exposes.
//
// Nordic UART (MeshCore companion firmware):
//
//	Service: 6e400001-b5a3-f393-e0a9-e50e24dcca9e
//	RX:      6e400002-...  (write)
//	TX:      6e400003-...  (notify)
//
// Meshtastic:
//
//	Service:   6ba1b218-15a8-461f-9fa8-5dcae273eafd
//	toRadio:   f75c76d2-129e-4dad-a1dd-7866124401e7   (write)
//	fromRadio: 2c55e69e-4993-11ed-b878-0242ac120002   (read)
//	fromNum:   ed9da18c-a800-4f66-a670-aa7547e34453   (notify)
type Profile struct {
	Name        string
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string
	// ReadUUID is optional; only Meshtastic pulls data by reading.
	ReadUUID string
	// WriteType is the BlueZ WriteValue "type" option.
	WriteType string
}

var (
	NordicUART = Profile{
		Name:        "nus",
		ServiceUUID: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		WriteUUID:   "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
		NotifyUUID:  "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
		WriteType:   "request",
	}

	Meshtastic = Profile{
		Name:        "meshtastic",
		ServiceUUID: "6ba1b218-15a8-461f-9fa8-5dcae273eafd",
		WriteUUID:   "f75c76d2-129e-4dad-a1dd-7866124401e7",
		NotifyUUID:  "ed9da18c-a800-4f66-a670-aa7547e34453",
		ReadUUID:    "2c55e69e-4993-11ed-b878-0242ac120002",
		WriteType:   "command",
	}
)

// advertises reports whether uuids contains the profile's service.
func (p Profile) advertises(uuids []string) bool {
	for _, u := range uuids {
		if strings.EqualFold(u, p.ServiceUUID) {
			return true
		}
	}
	return false
}

// Link is one GATT session with a radio. A Link is single use: once Close is
// called or the device drops, Done is closed and a new Link must be opened.
type Link interface {
	Connect(ctx context.Context) error
	Close() error
	// Write sends one value to the write characteristic.
	Write(ctx context.Context, data []byte) error
	// Read pulls one value from the read characteristic. An empty result
	// means nothing is queued.
	Read(ctx context.Context) ([]byte, error)
	// Notifications carries each value pushed on the notify characteristic.
	Notifications() <-chan []byte
	// Done is closed when the link is lost or closed.
	Done() <-chan struct{}
	Address() string
	Connected() bool
}

// Adapter opens links and enumerates devices.
type Adapter interface {
	Open(address string, p Profile) (Link, error)
	// Known lists devices already paired or trusted that expose p. These are
	// the handles a non-interactive reconnect may use.
	Known(ctx context.Context, p Profile) ([]string, error)
	// Scan discovers a nearby device exposing p.
	Scan(ctx context.Context, p Profile) (string, error)
}
