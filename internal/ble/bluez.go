package ble

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// BlueZ D-Bus names.
const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	propertiesChanged = dbusProperties + ".PropertiesChanged"
)

const (
	defaultScanTimeout = 5 * time.Second
	connectTimeout     = 10 * time.Second
	resolveTimeout     = 15 * time.Second
	notifyQueue        = 256
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ is an Adapter backed by one local HCI controller.
type BlueZ struct {
	log         *zap.Logger
	adapter     string
	ScanTimeout time.Duration
}

// NewBlueZ returns an adapter for the named controller ("" means hci0).
func NewBlueZ(adapter string, log *zap.Logger) (*BlueZ, error) {
	name, err := SanitizeAdapter(adapter)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BlueZ{log: log.With(zap.String("adapter", name)), adapter: name, ScanTimeout: defaultScanTimeout}, nil
}

// Open prepares a link; nothing touches the bus until Connect.
func (b *BlueZ) Open(address string, p Profile) (Link, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &gattLink{
		log:     b.log.With(zap.String("addr", addr), zap.String("profile", p.Name)),
		adapter: b.adapter,
		address: addr,
		profile: p,
		notify:  make(chan []byte, notifyQueue),
		done:    make(chan struct{}),
	}, nil
}

// Known lists paired or trusted devices under this adapter that expose p,
// connected devices first.
func (b *BlueZ) Known(ctx context.Context, p Profile) ([]string, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	objects, err := getManagedObjects(ctx, conn)
	if err != nil {
		return nil, err
	}

	var connected, idle []string
	for path, ifaces := range objects {
		dev, ok := ifaces[bluezDevice1]
		if !ok || !b.owns(path) {
			continue
		}
		uuids, _ := variantValue[[]string](dev, "UUIDs")
		if !p.advertises(uuids) {
			continue
		}
		paired, _ := variantValue[bool](dev, "Paired")
		trusted, _ := variantValue[bool](dev, "Trusted")
		if !paired && !trusted {
			continue
		}
		addr, ok := variantValue[string](dev, "Address")
		if !ok {
			continue
		}
		if c, _ := variantValue[bool](dev, "Connected"); c {
			connected = append(connected, strings.ToUpper(addr))
		} else {
			idle = append(idle, strings.ToUpper(addr))
		}
	}
	slices.Sort(connected)
	slices.Sort(idle)
	return append(connected, idle...), nil
}

// Scan runs LE discovery filtered on the profile service and returns the
// first device seen.
func (b *BlueZ) Scan(ctx context.Context, p Profile) (string, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return "", fmt.Errorf("system bus: %w", err)
	}
	adapter := conn.Object(bluezBus, dbus.ObjectPath("/org/bluez/"+b.adapter))

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
		"UUIDs":     dbus.MakeVariant([]string{p.ServiceUUID}),
	}
	if call := adapter.CallWithContext(ctx, bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return "", fmt.Errorf("set discovery filter: %w", call.Err)
	}
	if call := adapter.CallWithContext(ctx, bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return "", fmt.Errorf("start discovery: %w", call.Err)
	}
	defer adapter.Call(bluezAdapter1+".StopDiscovery", 0)

	scanCtx, cancel := context.WithTimeout(ctx, b.ScanTimeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-scanCtx.Done():
			return "", fmt.Errorf("no %s device found within %v", p.Name, b.ScanTimeout)
		case <-ticker.C:
			objects, err := getManagedObjects(scanCtx, conn)
			if err != nil {
				continue
			}
			for path, ifaces := range objects {
				dev, ok := ifaces[bluezDevice1]
				if !ok || !b.owns(path) {
					continue
				}
				uuids, _ := variantValue[[]string](dev, "UUIDs")
				if !p.advertises(uuids) {
					continue
				}
				if addr, ok := variantValue[string](dev, "Address"); ok {
					b.log.Info("scan found device", zap.String("addr", addr))
					return strings.ToUpper(addr), nil
				}
			}
		}
	}
}

func (b *BlueZ) owns(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), "/org/bluez/"+b.adapter+"/")
}

func getManagedObjects(ctx context.Context, conn *dbus.Conn) (managedObjects, error) {
	var objects managedObjects
	call := conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decode managed objects: %w", err)
	}
	return objects, nil
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}

// getProperty reads one property from a BlueZ object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
