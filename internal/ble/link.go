package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"xcom-meshd/internal/linkerr"
)

// gattLink is a Link over BlueZ. The system bus connection is shared and
// cached by godbus, so it is never closed here.
type gattLink struct {
	log     *zap.Logger
	adapter string
	address string
	profile Profile

	mu         sync.Mutex
	conn       *dbus.Conn
	connected  bool
	devicePath dbus.ObjectPath
	writePath  dbus.ObjectPath
	notifyPath dbus.ObjectPath
	readPath   dbus.ObjectPath
	release    []func()

	notify   chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func (l *gattLink) Address() string              { return l.address }
func (l *gattLink) Notifications() <-chan []byte { return l.notify }
func (l *gattLink) Done() <-chan struct{}        { return l.done }

func (l *gattLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Connect brings the GATT session up:
//  1. Device1.Connect
//  2. wait for ServicesResolved
//  3. locate the profile characteristics
//  4. watch PropertiesChanged on the device and notify characteristic
//  5. StartNotify
//
// Every acquired resource pushes its release onto a stack. Any failure unwinds
// the stack before returning, and Close unwinds it after success.
func (l *gattLink) Connect(ctx context.Context) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.done:
		return linkerr.NotConnected("link closed")
	default:
	}
	if l.connected {
		return nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	l.conn = conn
	l.devicePath = DevicePath(l.adapter, l.address)

	var stack []func()
	defer func() {
		if err != nil {
			unwind(stack)
		}
	}()

	if err = l.connectDevice(ctx); err != nil {
		return err
	}
	stack = append(stack, l.disconnectDevice)

	if err = l.waitServicesResolved(ctx); err != nil {
		return err
	}
	if err = l.discoverCharacteristics(ctx); err != nil {
		return err
	}
	l.logMTU()

	for _, path := range []dbus.ObjectPath{l.devicePath, l.notifyPath} {
		rule := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
			bluezBus, dbusProperties, path)
		if call := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return fmt.Errorf("add signal match: %w", call.Err)
		}
		stack = append(stack, func() {
			conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
		})
	}

	sigCh := make(chan *dbus.Signal, 64)
	conn.Signal(sigCh)
	stack = append(stack, func() { conn.RemoveSignal(sigCh) })

	notifyObj := conn.Object(bluezBus, l.notifyPath)
	if call := notifyObj.CallWithContext(ctx, bluezGattChar+".StartNotify", 0); call.Err != nil {
		return fmt.Errorf("StartNotify: %w", call.Err)
	}
	stack = append(stack, func() { notifyObj.Call(bluezGattChar+".StopNotify", 0) })

	l.release = stack
	l.connected = true
	go l.watch(sigCh)

	l.log.Info("link connected")
	return nil
}

// Close releases the session and disconnects the device.
func (l *gattLink) Close() error {
	l.stop("closed")
	return nil
}

// stop runs the release stack once and closes Done.
func (l *gattLink) stop(reason string) {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		release := l.release
		l.release = nil
		wasConnected := l.connected
		l.connected = false
		l.mu.Unlock()

		unwind(release)
		close(l.done)
		if wasConnected {
			l.log.Info("link down", zap.String("reason", reason))
		}
	})
}

func unwind(stack []func()) {
	for i := len(stack) - 1; i >= 0; i-- {
		stack[i]()
	}
}

// watch forwards notify values and detects link loss from Device1.Connected.
func (l *gattLink) watch(sigCh <-chan *dbus.Signal) {
	for {
		select {
		case <-l.done:
			return
		case sig, ok := <-sigCh:
			if !ok {
				l.stop("signal channel closed")
				return
			}
			if sig.Name != propertiesChanged || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			switch sig.Path {
			case l.notifyPath:
				value, ok := variantValue[[]byte](changed, "Value")
				if !ok {
					continue
				}
				// A dropped chunk would desync the reader's byte stream, so
				// a full queue holds the watcher back instead.
				select {
				case l.notify <- value:
				case <-l.done:
					return
				}
			case l.devicePath:
				if c, ok := variantValue[bool](changed, "Connected"); ok && !c {
					l.stop("device disconnected")
					return
				}
			}
		}
	}
}

// Write sends one value. Callers chunk to the negotiated write size.
func (l *gattLink) Write(ctx context.Context, data []byte) error {
	l.mu.Lock()
	conn, path, ok := l.conn, l.writePath, l.connected
	l.mu.Unlock()
	if !ok {
		return linkerr.NotConnected("write")
	}
	call := conn.Object(bluezBus, path).CallWithContext(ctx, bluezGattChar+".WriteValue", 0, data, map[string]dbus.Variant{
		"type": dbus.MakeVariant(l.profile.WriteType),
	})
	if call.Err != nil {
		return fmt.Errorf("gatt write: %w", call.Err)
	}
	return nil
}

func (l *gattLink) Read(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	conn, path, ok := l.conn, l.readPath, l.connected
	l.mu.Unlock()
	if !ok {
		return nil, linkerr.NotConnected("read")
	}
	if path == "" {
		return nil, fmt.Errorf("profile %s has no read characteristic", l.profile.Name)
	}
	call := conn.Object(bluezBus, path).CallWithContext(ctx, bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, fmt.Errorf("gatt read: %w", call.Err)
	}
	var data []byte
	if err := call.Store(&data); err != nil {
		return nil, fmt.Errorf("decode read result: %w", err)
	}
	return data, nil
}

func (l *gattLink) connectDevice(ctx context.Context) error {
	if c, err := getProperty[bool](l.conn, l.devicePath, bluezDevice1, "Connected"); err == nil && c {
		l.log.Debug("device already connected")
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	call := l.conn.Object(bluezBus, l.devicePath).CallWithContext(connectCtx, bluezDevice1+".Connect", 0)
	if call.Err != nil {
		return linkerr.DeviceUnavailable(fmt.Sprintf("connect %s: %v", l.address, call.Err))
	}

	c, err := getProperty[bool](l.conn, l.devicePath, bluezDevice1, "Connected")
	if err != nil || !c {
		return linkerr.DeviceUnavailable(fmt.Sprintf("%s did not confirm connection", l.address))
	}
	return nil
}

func (l *gattLink) disconnectDevice() {
	l.conn.Object(bluezBus, l.devicePath).Call(bluezDevice1+".Disconnect", 0)
}

func (l *gattLink) waitServicesResolved(ctx context.Context) error {
	deadline := time.NewTimer(resolveTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if ok, err := getProperty[bool](l.conn, l.devicePath, bluezDevice1, "ServicesResolved"); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return linkerr.Timeout("GATT service discovery")
		case <-ticker.C:
		}
	}
}

func (l *gattLink) discoverCharacteristics(ctx context.Context) error {
	objects, err := getManagedObjects(ctx, l.conn)
	if err != nil {
		return err
	}
	prefix := string(l.devicePath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		uuid, _ := variantValue[string](props, "UUID")
		switch {
		case strings.EqualFold(uuid, l.profile.WriteUUID):
			l.writePath = path
		case strings.EqualFold(uuid, l.profile.NotifyUUID):
			l.notifyPath = path
		case l.profile.ReadUUID != "" && strings.EqualFold(uuid, l.profile.ReadUUID):
			l.readPath = path
		}
	}

	if l.writePath == "" || l.notifyPath == "" || (l.profile.ReadUUID != "" && l.readPath == "") {
		return linkerr.DeviceUnavailable(fmt.Sprintf("%s service characteristics not found on %s", l.profile.Name, l.address))
	}
	return nil
}

func (l *gattLink) logMTU() {
	mtu, err := getProperty[uint16](l.conn, l.devicePath, bluezDevice1, "MTU")
	if err != nil {
		l.log.Debug("could not read MTU", zap.Error(err))
		return
	}
	if mtu < 23 {
		l.log.Warn("MTU below BLE minimum", zap.Uint16("mtu", mtu))
		return
	}
	l.log.Debug("negotiated MTU", zap.Uint16("mtu", mtu))
}
