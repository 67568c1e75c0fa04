// Package transport is the single entry point the rest of the daemon talks
// to. A Facade owns at most one active driver, the reconnect controller and
// the four directories, and merges everything the driver reports into one
// status shape and one update stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"xcom-meshd/internal/config"
	"xcom-meshd/internal/directory"
	"xcom-meshd/internal/driver"
	"xcom-meshd/internal/linkerr"
	"xcom-meshd/internal/reconnect"
	"xcom-meshd/internal/store"
)

const (
	configKey       = "config"
	channelsTimeout = 30 * time.Second
	maxTrackedAcks  = 64
)

// DriverFactory builds a fresh driver for cfg.Family. Drivers are single
// use, so the facade asks for a new one on every connect.
type DriverFactory func(cfg config.TransportConfig) (driver.Driver, error)

// Options configure New.
type Options struct {
	KV        store.KV
	NewDriver DriverFactory
	Log       *zap.Logger
	// Seed is the config used when none has been persisted yet.
	Seed config.TransportConfig
	// Reconnect customises the reconnect controller, mainly its timer in
	// tests.
	Reconnect []reconnect.Option
}

type Facade struct {
	log       *zap.Logger
	kv        store.KV
	newDriver DriverFactory
	rc        *reconnect.Controller
	connects  singleflight.Group
	cfgMu     sync.Mutex // serialises SetConfig

	nodes    *directory.Nodes
	channels *directory.Channels
	traffic  *directory.Traffic
	dm       *directory.DmUnread

	mu       sync.Mutex
	cfg      config.TransportConfig
	drv      driver.Driver
	gen      uint64
	live     bool
	lastAddr string
	st       Status
	acks     map[uint32]string
	ackOrder []uint32

	obsMu     sync.RWMutex
	observers map[uint64]func(Update)
	nextObs   uint64
}

// New loads the persisted config and directories from opts.KV and returns an
// idle facade.
func New(ctx context.Context, opts Options) (*Facade, error) {
	if opts.NewDriver == nil {
		return nil, errors.New("transport: driver factory required")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	kv := opts.KV
	if kv == nil {
		kv = store.NewMemory()
	}

	cfg := config.Normalize(opts.Seed)
	b, err := kv.Get(ctx, configKey)
	switch {
	case err == nil:
		var stored config.TransportConfig
		if err := json.Unmarshal(b, &stored); err != nil {
			log.Warn("stored config unreadable, using defaults", zap.Error(err))
		} else {
			cfg = config.Normalize(stored)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load config: %w", err)
	}

	dlog := log.Named("directory")
	f := &Facade{
		log:       log,
		kv:        kv,
		newDriver: opts.NewDriver,
		nodes:     directory.NewNodes(kv, cfg.MaxNodes, dlog),
		channels:  directory.NewChannels(kv, cfg.MaxChannels, dlog),
		traffic:   directory.NewTraffic(kv, cfg.MaxLogEntries, dlog),
		dm:        directory.NewDmUnread(kv, cfg.MaxDmPeers, dlog),
		cfg:       cfg,
		st:        Status{DeviceStatus: driver.StatusDisconnected.String(), Family: cfg.Family},
		acks:      make(map[uint32]string),
		observers: make(map[uint64]func(Update)),
	}
	for name, load := range map[string]func(context.Context) error{
		"nodes":     f.nodes.Load,
		"traffic":   f.traffic.Load,
		"dm_unread": f.dm.Load,
		"channels":  func(ctx context.Context) error { return f.channels.Load(ctx, config.Families...) },
	} {
		if err := load(ctx); err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}

	f.rc = reconnect.New(reconnectConfig(cfg), f.autoConnect, f.hasHandle, f.reconnectTrace, opts.Reconnect...)
	return f, nil
}

func reconnectConfig(c config.TransportConfig) reconnect.Config {
	return reconnect.Config{
		Enabled:     c.AutoReconnect,
		MinDelay:    c.ReconnectMinDelay(),
		MaxDelay:    c.ReconnectMaxDelay(),
		MaxAttempts: c.MaxAttempts,
	}
}

// hasHandle reports whether there is a device to reconnect to without
// asking the user. Called by the reconnect controller.
func (f *Facade) hasHandle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Address != "" || f.lastAddr != ""
}

func (f *Facade) autoConnect(ctx context.Context) error {
	_, err := f.connect(ctx, true)
	return err
}

func (f *Facade) reconnectTrace(level, msg string) {
	kind := directory.KindSys
	if level == "warn" {
		kind = directory.KindWarn
	}
	f.log.Info("reconnect", zap.String("level", level), zap.String("msg", msg))
	f.appendTraffic(kind, msg, directory.StatusNone)
	f.publishStatus()
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func (f *Facade) Config() config.TransportConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// SetConfig merges p into the current config, normalizes and persists it. A
// change of family, address or adapter cancels any scheduled retry.
func (f *Facade) SetConfig(p config.Patch) (config.TransportConfig, error) {
	f.cfgMu.Lock()
	defer f.cfgMu.Unlock()

	f.mu.Lock()
	old := f.cfg
	next := config.Apply(old, p)
	f.cfg = next
	if f.drv == nil {
		f.st.Family = next.Family
	}
	f.mu.Unlock()

	b, err := json.Marshal(next)
	if err != nil {
		return next, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.kv.Put(ctx, configKey, b); err != nil {
		f.log.Warn("persist config failed", zap.Error(err))
		return next, fmt.Errorf("persist config: %w", err)
	}

	f.nodes.SetLimit(next.MaxNodes)
	f.channels.SetLimit(next.MaxChannels)
	f.traffic.SetLimit(next.MaxLogEntries)
	f.dm.SetLimit(next.MaxDmPeers)

	if config.LinkChanged(old, next) || reconnectConfig(old) != reconnectConfig(next) {
		f.rc.UpdateConfig(reconnectConfig(next))
	}
	f.publish(Update{Type: UpdateConfig, Config: &next})
	f.publishStatus()
	return next, nil
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect is an explicit connect: it clears the manual-disconnect flag and
// the retry counter, then brings up a fresh driver. Concurrent calls share
// one attempt.
func (f *Facade) Connect(ctx context.Context) (*driver.DeviceInfo, error) {
	return f.connect(ctx, false)
}

func (f *Facade) connect(ctx context.Context, auto bool) (*driver.DeviceInfo, error) {
	ch := f.connects.DoChan("connect", func() (any, error) {
		return f.connectInternal(ctx, auto)
	})
	select {
	case r := <-ch:
		info, _ := r.Val.(*driver.DeviceInfo)
		return info, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Facade) connectInternal(ctx context.Context, auto bool) (*driver.DeviceInfo, error) {
	if !auto {
		f.rc.Reset()
	}

	f.mu.Lock()
	cfg := f.cfg
	old := f.drv
	f.drv = nil
	f.gen++
	gen := f.gen
	f.live = false
	preferred := cfg.Address
	if preferred == "" {
		preferred = f.lastAddr
	}
	f.st.Family = cfg.Family
	f.st.DeviceStatus = driver.StatusConnecting.String()
	f.st.LinkConnected = false
	f.mu.Unlock()

	if old != nil {
		f.release(old)
	}
	f.publishStatus()

	d, err := f.newDriver(cfg)
	if err != nil {
		return nil, f.connectFailed(gen, nil, err, auto)
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		f.release(d)
		return nil, linkerr.NotConnected("connect superseded")
	}
	f.drv = d
	f.mu.Unlock()
	go f.pump(d, gen)

	f.log.Info("connecting", zap.String("family", cfg.Family), zap.String("addr", preferred), zap.Bool("auto", auto))
	info, err := d.Connect(ctx, preferred, !auto)
	if err != nil {
		return nil, f.connectFailed(gen, d, err, auto)
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		f.release(d)
		return nil, linkerr.NotConnected("connect superseded")
	}
	f.live = true
	f.lastAddr = info.Address
	f.st.Device = info
	f.st.LastError = ""
	f.mu.Unlock()

	f.rc.MarkReady()
	f.log.Info("connected", zap.String("family", cfg.Family), zap.String("addr", info.Address), zap.String("name", info.Name))
	f.appendTraffic(directory.KindInfo, connectedLine(info), directory.StatusNone)
	f.publishStatus()

	if cfg.Family == config.FamilyMeshCore {
		go f.refreshChannels(d, gen)
	}
	return info, nil
}

func connectedLine(info *driver.DeviceInfo) string {
	if info.Name != "" {
		return fmt.Sprintf("Connected to %s (%s)", info.Name, info.Address)
	}
	return fmt.Sprintf("Connected to %s", info.Address)
}

// connectFailed records err and releases d when set. Failed auto attempts
// are traced and rescheduled by the reconnect controller itself.
func (f *Facade) connectFailed(gen uint64, d driver.Driver, err error, auto bool) error {
	f.mu.Lock()
	if f.gen == gen {
		f.drv = nil
		f.gen++
		f.st.DeviceStatus = driver.StatusDisconnected.String()
		f.st.LinkConnected = false
		f.st.LastError = linkerr.Format(err)
	}
	f.mu.Unlock()
	if d != nil {
		f.release(d)
	}
	f.log.Warn("connect failed", zap.Bool("auto", auto), zap.Error(err))
	if !auto {
		f.appendTraffic(directory.KindWarn, "Connect failed: "+linkerr.Format(err), directory.StatusNone)
	}
	f.publishStatus()
	return err
}

// refreshChannels asks a MeshCore radio for its channel table. The channel
// events land in the directory through the pump.
func (f *Facade) refreshChannels(d driver.Driver, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), channelsTimeout)
	defer cancel()
	if _, err := d.QueryChannels(ctx); err != nil {
		f.mu.Lock()
		current := f.gen == gen
		f.mu.Unlock()
		if current {
			f.log.Warn("channel query failed", zap.Error(err))
		}
	}
}

// Disconnect is a manual disconnect: automatic reconnection stays off until
// the next explicit Connect.
func (f *Facade) Disconnect() {
	f.rc.SetManual(true)

	f.mu.Lock()
	d := f.drv
	f.drv = nil
	f.gen++
	f.live = false
	f.st.DeviceStatus = driver.StatusDisconnected.String()
	f.st.LinkConnected = false
	f.mu.Unlock()

	if d != nil {
		f.release(d)
		f.appendTraffic(directory.KindSys, "Disconnected", directory.StatusNone)
	}
	f.publishStatus()
}

// Close stops retries, releases the driver without marking a manual
// disconnect and writes out pending node changes. Used at shutdown.
func (f *Facade) Close() {
	f.rc.Cancel()
	f.mu.Lock()
	d := f.drv
	f.drv = nil
	f.gen++
	f.live = false
	f.mu.Unlock()
	if d != nil {
		f.release(d)
	}
	f.nodes.Flush()
}

func (f *Facade) release(d driver.Driver) {
	if err := d.Disconnect(); err != nil {
		f.log.Debug("driver disconnect", zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// SendText sends text to dest, or to the configured destination of the
// active family when dest is nil. The outcome is recorded on a single
// traffic entry that goes from pending to ok or error.
func (f *Facade) SendText(ctx context.Context, text string, dest *config.Destination) (*driver.SendResult, error) {
	f.mu.Lock()
	d := f.drv
	cfg := f.cfg
	f.mu.Unlock()
	if d == nil {
		return nil, linkerr.NotConnected("send")
	}

	dst := cfg.DestinationFor(d.Family())
	if dest != nil {
		dst = config.NormalizeDestination(*dest)
	}

	e := f.appendTraffic(directory.KindOut, fmt.Sprintf("%s %s", destinationLabel(dst), text), directory.StatusPending)
	res, err := d.SendText(ctx, text, dst)
	if err != nil {
		msg := linkerr.Format(err)
		f.mu.Lock()
		f.st.LastError = msg
		f.mu.Unlock()
		f.updateTraffic(e.ID, directory.StatusError, fmt.Sprintf("%s (%s)", e.Text, msg))
		f.publishStatus()
		return nil, err
	}
	f.updateTraffic(e.ID, directory.StatusOK, "")
	if res.ExpectsAck && res.PacketID != 0 {
		f.trackAck(res.PacketID, e.ID)
	}
	return res, nil
}

func destinationLabel(d config.Destination) string {
	if d.Mode == config.ModeDirect {
		return fmt.Sprintf("[to %s]", d.Target)
	}
	return fmt.Sprintf("[ch %d]", d.Channel)
}

func (f *Facade) trackAck(packetID uint32, entryID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[packetID] = entryID
	f.ackOrder = append(f.ackOrder, packetID)
	if len(f.ackOrder) > maxTrackedAcks {
		delete(f.acks, f.ackOrder[0])
		f.ackOrder = f.ackOrder[1:]
	}
}

func (f *Facade) takeAck(packetID uint32) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.acks[packetID]
	delete(f.acks, packetID)
	return id, ok
}

// QueryChannels asks the active driver for its channels and records them.
func (f *Facade) QueryChannels(ctx context.Context) ([]directory.ChannelRecord, error) {
	f.mu.Lock()
	d := f.drv
	f.mu.Unlock()
	if d == nil {
		return nil, linkerr.NotConnected("channels")
	}
	chans, err := d.QueryChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range chans {
		f.channels.Upsert(d.Family(), directory.ChannelRecord{Index: c.Index, Name: c.Name, Role: c.Role})
	}
	return f.channels.List(d.Family()), nil
}

// ---------------------------------------------------------------------------
// State and directories
// ---------------------------------------------------------------------------

func (f *Facade) status() Status {
	f.mu.Lock()
	s := f.st
	if s.Device != nil {
		dev := *s.Device
		s.Device = &dev
	}
	s.Connected = f.drv != nil && f.live && s.LinkConnected
	f.mu.Unlock()

	r := f.rc.Snapshot()
	s.ReconnectState = r.State.String()
	s.Reconnecting = r.State == reconnect.Scheduled || r.State == reconnect.Attempting
	s.Attempt = r.Attempt
	s.NextAttemptAt = r.NextAttemptAt
	s.ManualDisconnect = r.ManualDisconnect
	return s
}

// State returns config, status, traffic, nodes and channels in one snapshot.
func (f *Facade) State() Snapshot {
	chans := make(map[string][]directory.ChannelRecord, len(config.Families))
	for _, fam := range config.Families {
		chans[fam] = f.channels.List(fam)
	}
	return Snapshot{
		Config:   f.Config(),
		Status:   f.status(),
		Traffic:  f.traffic.List(0),
		Nodes:    f.nodes.List(),
		Channels: chans,
	}
}

func (f *Facade) Status() Status { return f.status() }

// TrafficLog returns the newest limit entries, all of them when limit <= 0.
func (f *Facade) TrafficLog(limit int) []directory.Entry { return f.traffic.List(limit) }

func (f *Facade) ClearTrafficLog() {
	f.traffic.Clear()
	f.publish(Update{Type: UpdateCleared, Cleared: "traffic"})
}

func (f *Facade) Nodes() []directory.NodeRecord { return f.nodes.List() }

func (f *Facade) ClearNodes() {
	f.nodes.Clear()
	f.publish(Update{Type: UpdateCleared, Cleared: "nodes"})
}

func (f *Facade) Channels(family string) []directory.ChannelRecord {
	return f.channels.List(family)
}

func (f *Facade) ClearChannels(family string) {
	f.channels.Clear(family)
	f.publish(Update{Type: UpdateCleared, Cleared: "channels." + family})
}

// ImportChannels replaces the channel list of family.
func (f *Facade) ImportChannels(family string, recs []directory.ChannelRecord) []directory.ChannelRecord {
	out := f.channels.Import(family, recs)
	for _, c := range out {
		f.publish(Update{Type: UpdateChannel, Channel: &ChannelUpdate{Family: family, ChannelRecord: c}})
	}
	return out
}

func (f *Facade) DmUnread() map[string]directory.DmUnreadEntry { return f.dm.Snapshot() }

// MarkDmRead clears the unread count of peer and reports whether it had one.
func (f *Facade) MarkDmRead(peer string) bool {
	ok := f.dm.MarkRead(peer)
	if ok {
		f.publish(Update{Type: UpdateDmUnread, DmUnread: f.dm.Snapshot()})
	}
	return ok
}

func (f *Facade) ClearDmUnread() {
	f.dm.Clear()
	f.publish(Update{Type: UpdateCleared, Cleared: "dm_unread"})
}

func (f *Facade) appendTraffic(kind, text, status string) directory.Entry {
	e := f.traffic.Append(kind, text, status)
	f.publish(Update{Type: UpdateTraffic, Traffic: &e})
	return e
}

func (f *Facade) updateTraffic(id, status, text string) {
	if e, ok := f.traffic.Update(id, status, text); ok {
		f.publish(Update{Type: UpdateTraffic, Traffic: &e})
	}
}
