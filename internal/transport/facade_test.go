package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xcom-meshd/internal/config"
	"xcom-meshd/internal/directory"
	"xcom-meshd/internal/driver"
	"xcom-meshd/internal/linkerr"
	"xcom-meshd/internal/reconnect"
	"xcom-meshd/internal/store"
)

const radioAddr = "AA:BB:CC:DD:EE:01"

func ptr[T any](v T) *T { return &v }

// fakeDriver behaves like a radio that comes up instantly.
type fakeDriver struct {
	family string
	events chan driver.Event

	connectErr error
	sendErr    error
	packetID   uint32
	channels   []driver.Channel
	release    chan struct{}
	handshake  chan error

	mu          sync.Mutex
	closed      bool
	interactive []bool
	sent        []string
	dests       []config.Destination
	disconnects int
}

func (d *fakeDriver) Family() string              { return d.family }
func (d *fakeDriver) Events() <-chan driver.Event { return d.events }

func (d *fakeDriver) emit(ev driver.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.events <- ev
	}
}

func (d *fakeDriver) status(s driver.Status) {
	d.emit(driver.Event{Kind: driver.KindStatus, Status: s})
}

// drop simulates the radio going out of range.
func (d *fakeDriver) drop() { d.status(driver.StatusDisconnected) }

func (d *fakeDriver) Connect(ctx context.Context, preferred string, interactive bool) (*driver.DeviceInfo, error) {
	d.mu.Lock()
	d.interactive = append(d.interactive, interactive)
	d.mu.Unlock()
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.status(driver.StatusConnecting)
	if d.connectErr != nil {
		d.status(driver.StatusDisconnected)
		return nil, d.connectErr
	}
	d.status(driver.StatusConnected)
	if d.handshake != nil {
		var err error
		select {
		case err = <-d.handshake:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			d.status(driver.StatusDisconnected)
			return nil, err
		}
	}
	d.status(driver.StatusConfigured)
	addr := preferred
	if addr == "" {
		addr = radioAddr
	}
	return &driver.DeviceInfo{Family: d.family, Address: addr, Name: "field-kit"}, nil
}

func (d *fakeDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

func (d *fakeDriver) SendText(ctx context.Context, text string, dest config.Destination) (*driver.SendResult, error) {
	d.mu.Lock()
	d.sent = append(d.sent, text)
	d.dests = append(d.dests, dest)
	d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	return &driver.SendResult{PacketID: d.packetID, ExpectsAck: dest.Mode == config.ModeDirect}, nil
}

func (d *fakeDriver) QueryChannels(ctx context.Context) ([]driver.Channel, error) {
	for _, c := range d.channels {
		d.emit(driver.Event{Kind: driver.KindChannel, Channel: &c})
	}
	return d.channels, nil
}

func (d *fakeDriver) disconnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnects
}

// fleet is the driver factory. configure runs on every new driver.
type fleet struct {
	mu        sync.Mutex
	drivers   []*fakeDriver
	configure func(*fakeDriver)
}

func (fl *fleet) factory(cfg config.TransportConfig) (driver.Driver, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	d := &fakeDriver{family: cfg.Family, events: make(chan driver.Event, 64)}
	if fl.configure != nil {
		fl.configure(d)
	}
	fl.drivers = append(fl.drivers, d)
	return d, nil
}

func (fl *fleet) setConfigure(fn func(*fakeDriver)) {
	fl.mu.Lock()
	fl.configure = fn
	fl.mu.Unlock()
}

func (fl *fleet) count() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.drivers)
}

func (fl *fleet) last() *fakeDriver {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.drivers[len(fl.drivers)-1]
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

type clock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *clock) afterFunc(d time.Duration, f func()) reconnect.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *clock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *clock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1]
}

type harness struct {
	f     *Facade
	fleet *fleet
	clock *clock
	kv    *store.Memory
}

func newHarness(t *testing.T, seed config.TransportConfig) *harness {
	t.Helper()
	h := &harness{fleet: &fleet{}, clock: &clock{}, kv: store.NewMemory()}
	f, err := New(context.Background(), Options{
		KV:        h.kv,
		NewDriver: h.fleet.factory,
		Seed:      seed,
		Reconnect: []reconnect.Option{
			reconnect.WithAfterFunc(h.clock.afterFunc),
			reconnect.WithJitter(func() float64 { return 0 }),
		},
	})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	h.f = f
	return h
}

func defaultSeed() config.TransportConfig {
	return config.TransportConfig{AutoReconnect: true, Address: radioAddr}
}

func (h *harness) connect(t *testing.T) *fakeDriver {
	t.Helper()
	_, err := h.f.Connect(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := h.f.Status()
		return s.Connected && s.DeviceStatus == driver.StatusConfigured.String()
	}, time.Second, 5*time.Millisecond)
	return h.fleet.last()
}

func entriesOf(entries []directory.Entry, kind string) []directory.Entry {
	var out []directory.Entry
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestConnect(t *testing.T) {
	h := newHarness(t, defaultSeed())

	info, err := h.f.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, radioAddr, info.Address)
	assert.Equal(t, 1, h.fleet.count())
	assert.Equal(t, []bool{true}, h.fleet.last().interactive, "explicit connects may scan")

	require.Eventually(t, func() bool { return h.f.Status().Connected }, time.Second, 5*time.Millisecond)
	s := h.f.Status()
	assert.True(t, s.LinkConnected)
	assert.Equal(t, config.FamilyMeshtastic, s.Family)
	require.NotNil(t, s.Device)
	assert.Equal(t, "field-kit", s.Device.Name)
	assert.Empty(t, s.LastError)
	assert.False(t, s.Reconnecting)

	infos := entriesOf(h.f.TrafficLog(0), directory.KindInfo)
	require.NotEmpty(t, infos)
	assert.Equal(t, "Connected to field-kit ("+radioAddr+")", infos[len(infos)-1].Text)
}

func TestDriverEventsFillDirectories(t *testing.T) {
	h := newHarness(t, defaultSeed())
	d := h.connect(t)

	long := "Bravo Team"
	snr := 7.5
	d.emit(driver.Event{Kind: driver.KindNode, Node: &driver.Node{Num: 0xB2, ID: "!000000b2", LongName: long, SNR: &snr}})
	d.emit(driver.Event{Kind: driver.KindPosition, Position: &driver.Position{Num: 0xB2, Lat: 52.52, Lon: 13.4, Source: "position"}})
	d.emit(driver.Event{Kind: driver.KindMessage, Message: &driver.Message{From: "!000000b2", FromNum: 0xB2, Direct: true, Text: "need water", Time: time.Now()}})
	d.emit(driver.Event{Kind: driver.KindMessage, Message: &driver.Message{From: "!000000c3", FromNum: 0xC3, Channel: 1, Text: "net check", Time: time.Now()}})
	d.emit(driver.Event{Kind: driver.KindChannel, Channel: &driver.Channel{Index: 1, Name: "Ops", Role: "secondary"}})

	require.Eventually(t, func() bool {
		return len(entriesOf(h.f.TrafficLog(0), directory.KindIn)) == 2 && len(h.f.Channels(config.FamilyMeshtastic)) == 1
	}, time.Second, 5*time.Millisecond)

	in := entriesOf(h.f.TrafficLog(0), directory.KindIn)
	assert.Equal(t, "[from !000000b2] need water", in[0].Text)
	assert.Equal(t, "[ch 1] !000000c3: net check", in[1].Text)

	unread := h.f.DmUnread()
	require.Len(t, unread, 1, "channel traffic never counts as unread")
	assert.Equal(t, 1, unread["!000000b2"].Count)

	nodes := h.f.Nodes()
	require.Len(t, nodes, 2)
	var bravo directory.NodeRecord
	for _, n := range nodes {
		if n.Num == 0xB2 {
			bravo = n
		}
	}
	assert.Equal(t, long, bravo.LongName)
	assert.Equal(t, config.FamilyMeshtastic, bravo.Family)
	require.NotNil(t, bravo.Position)
	assert.InDelta(t, 52.52, bravo.Position.Lat, 1e-9)

	assert.True(t, h.f.MarkDmRead("!000000b2"))
	assert.False(t, h.f.MarkDmRead("!000000b2"))
	assert.Empty(t, h.f.DmUnread())

	st := h.f.State()
	assert.Len(t, st.Nodes, 2)
	assert.Len(t, st.Channels[config.FamilyMeshtastic], 1)
	assert.Empty(t, st.Channels[config.FamilyMeshCore])
	assert.Equal(t, h.f.Config(), st.Config)
}

func TestLinkDropSchedulesOneRetry(t *testing.T) {
	h := newHarness(t, defaultSeed())
	d := h.connect(t)

	d.drop()
	require.Eventually(t, func() bool { return h.clock.count() == 1 }, time.Second, 5*time.Millisecond)

	var retries []directory.Entry
	for _, e := range entriesOf(h.f.TrafficLog(0), directory.KindSys) {
		if strings.Contains(e.Text, "Reconnecting in") {
			retries = append(retries, e)
		}
	}
	require.Len(t, retries, 1)
	assert.Equal(t, "Device disconnected. Reconnecting in 1.0s (attempt 1).", retries[0].Text)
	assert.Equal(t, time.Second, h.clock.last().d)

	s := h.f.Status()
	assert.False(t, s.Connected)
	assert.True(t, s.Reconnecting)
	assert.Equal(t, 1, s.Attempt)
	assert.NotNil(t, s.NextAttemptAt)
	assert.Equal(t, "Device disconnected", s.LastError)

	// A second report of the same drop changes nothing.
	d.drop()
	d.emit(driver.Event{Kind: driver.KindLog, Log: &driver.LogLine{Level: driver.LevelInfo, Text: "marker"}})
	require.Eventually(t, func() bool {
		info := entriesOf(h.f.TrafficLog(0), directory.KindInfo)
		return len(info) > 0 && info[len(info)-1].Text == "marker"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.clock.count())

	h.clock.last().f()
	assert.Equal(t, 2, h.fleet.count())
	next := h.fleet.last()
	assert.Equal(t, []bool{false}, next.interactive, "reconnects never scan")
	assert.Equal(t, 1, d.disconnectCount(), "old driver released")

	require.Eventually(t, func() bool { return h.f.Status().Connected }, time.Second, 5*time.Millisecond)
	s = h.f.Status()
	assert.Zero(t, s.Attempt)
	assert.False(t, s.Reconnecting)
	assert.Empty(t, s.LastError)
}

func TestFailedReconnectBacksOff(t *testing.T) {
	h := newHarness(t, defaultSeed())
	d := h.connect(t)
	h.fleet.setConfigure(func(d *fakeDriver) { d.connectErr = linkerr.DeviceUnavailable("out of range") })

	d.drop()
	require.Eventually(t, func() bool { return h.clock.count() == 1 }, time.Second, 5*time.Millisecond)
	h.clock.last().f()

	require.Equal(t, 2, h.clock.count())
	assert.Equal(t, 2*time.Second, h.clock.last().d)
	assert.Equal(t, 2, h.f.Status().Attempt)
	assert.Equal(t, 1, h.fleet.last().disconnectCount(), "failed driver released")

	warns := entriesOf(h.f.TrafficLog(0), directory.KindWarn)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0].Text, "Reconnect attempt 1 failed")
}

func TestHandshakeFailureKeepsAttemptCap(t *testing.T) {
	seed := defaultSeed()
	seed.MaxAttempts = 2
	h := newHarness(t, seed)
	d := h.connect(t)
	handshake := make(chan error)
	h.fleet.setConfigure(func(d *fakeDriver) { d.handshake = handshake })

	d.drop()
	require.Eventually(t, func() bool { return h.clock.count() == 1 }, time.Second, 5*time.Millisecond)

	for i := 1; i <= 2; i++ {
		go h.clock.last().f()
		// The link reports Connected and the pump handles it before the
		// handshake gives up.
		require.Eventually(t, func() bool {
			return h.f.Status().DeviceStatus == driver.StatusConnected.String()
		}, time.Second, 5*time.Millisecond)
		handshake <- linkerr.Timeout("no config from radio")
		if i == 1 {
			require.Eventually(t, func() bool { return h.clock.count() == 2 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, 2, h.f.Status().Attempt)
		}
	}

	require.Eventually(t, func() bool {
		for _, e := range entriesOf(h.f.TrafficLog(0), directory.KindWarn) {
			if strings.Contains(e.Text, "Reconnect stopped after 2 attempts") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, h.clock.count(), "no retry past the cap")
	assert.Equal(t, time.Second, h.clock.timers[0].d)
	assert.Equal(t, 2*time.Second, h.clock.timers[1].d)
	s := h.f.Status()
	assert.False(t, s.Reconnecting)
	assert.Equal(t, reconnect.Stopped.String(), s.ReconnectState)
}

func TestDisconnectIsManual(t *testing.T) {
	h := newHarness(t, defaultSeed())
	d := h.connect(t)

	h.f.Disconnect()
	s := h.f.Status()
	assert.True(t, s.ManualDisconnect)
	assert.False(t, s.Connected)
	assert.Equal(t, driver.StatusDisconnected.String(), s.DeviceStatus)
	assert.Equal(t, 1, d.disconnectCount())
	assert.Zero(t, h.clock.count())

	sys := entriesOf(h.f.TrafficLog(0), directory.KindSys)
	require.NotEmpty(t, sys)
	assert.Equal(t, "Disconnected", sys[len(sys)-1].Text)

	h.connect(t)
	assert.False(t, h.f.Status().ManualDisconnect, "explicit connect clears the manual flag")
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, defaultSeed())
	h.fleet.setConfigure(func(d *fakeDriver) { d.connectErr = linkerr.DeviceUnavailable("no previously authorized device") })

	_, err := h.f.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, linkerr.ErrDeviceUnavailable))

	s := h.f.Status()
	assert.False(t, s.Connected)
	assert.Equal(t, linkerr.Format(err), s.LastError)
	assert.Equal(t, 1, h.fleet.last().disconnectCount())

	// The failed driver's Disconnected status never schedules a retry.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.clock.count())

	warns := entriesOf(h.f.TrafficLog(0), directory.KindWarn)
	require.Len(t, warns, 1)
	assert.Equal(t, "Connect failed: "+linkerr.Format(err), warns[0].Text)
}

func TestConcurrentConnectsCollapse(t *testing.T) {
	h := newHarness(t, defaultSeed())
	release := make(chan struct{})
	h.fleet.setConfigure(func(d *fakeDriver) { d.release = release })

	type result struct {
		info *driver.DeviceInfo
		err  error
	}
	results := make(chan result, 2)
	connect := func() {
		info, err := h.f.Connect(context.Background())
		results <- result{info, err}
	}
	go connect()
	require.Eventually(t, func() bool { return h.fleet.count() == 1 }, time.Second, time.Millisecond)
	go connect()
	time.Sleep(50 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Same(t, a.info, b.info)
	assert.Equal(t, 1, h.fleet.count())
}

func TestSendText(t *testing.T) {
	h := newHarness(t, defaultSeed())
	ctx := context.Background()

	_, err := h.f.SendText(ctx, "anyone?", nil)
	assert.True(t, errors.Is(err, linkerr.ErrNotConnected))
	assert.Empty(t, h.f.TrafficLog(0))

	d := h.connect(t)

	var mu sync.Mutex
	var outs []directory.Entry
	unsub := h.f.Subscribe(func(u Update) {
		if u.Type == UpdateTraffic && u.Traffic.Kind == directory.KindOut {
			mu.Lock()
			outs = append(outs, *u.Traffic)
			mu.Unlock()
		}
	})
	defer unsub()

	_, err = h.f.SendText(ctx, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, config.Destination{Mode: config.ModeBroadcast}, d.dests[0])

	mu.Lock()
	require.Len(t, outs, 2)
	assert.Equal(t, outs[0].ID, outs[1].ID, "updated in place")
	assert.Equal(t, directory.StatusPending, outs[0].Status)
	assert.Equal(t, directory.StatusOK, outs[1].Status)
	mu.Unlock()

	out := entriesOf(h.f.TrafficLog(0), directory.KindOut)
	require.Len(t, out, 1)
	assert.Equal(t, "[ch 0] hello", out[0].Text)
	assert.Equal(t, directory.StatusOK, out[0].Status)

	d.sendErr = linkerr.Timeout("send")
	_, err = h.f.SendText(ctx, "again", &config.Destination{Mode: "broadcast", Channel: 9})
	require.Error(t, err)
	assert.Equal(t, config.MaxChannelIndex, d.dests[1].Channel, "explicit destination normalized")
	out = entriesOf(h.f.TrafficLog(0), directory.KindOut)
	require.Len(t, out, 2)
	assert.Equal(t, directory.StatusError, out[1].Status)
	assert.Contains(t, out[1].Text, linkerr.Format(err))
	assert.Equal(t, linkerr.Format(err), h.f.Status().LastError)
}

func TestSendTextDeliveryFailure(t *testing.T) {
	h := newHarness(t, defaultSeed())
	d := h.connect(t)
	d.packetID = 77

	res, err := h.f.SendText(context.Background(), "copy?", &config.Destination{Mode: "direct", Target: "!000000b2"})
	require.NoError(t, err)
	assert.True(t, res.ExpectsAck)

	d.emit(driver.Event{Kind: driver.KindAck, Ack: &driver.Ack{PacketID: 77, Reason: "NO_ROUTE"}})
	require.Eventually(t, func() bool {
		out := entriesOf(h.f.TrafficLog(0), directory.KindOut)
		return len(out) == 1 && out[0].Status == directory.StatusError
	}, time.Second, 5*time.Millisecond)

	warns := entriesOf(h.f.TrafficLog(0), directory.KindWarn)
	require.Len(t, warns, 1)
	assert.Equal(t, "Delivery failed: NO_ROUTE", warns[0].Text)
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	h := newHarness(t, defaultSeed())
	h.f.Subscribe(func(Update) { panic("boom") })

	var got []Update
	unsub := h.f.Subscribe(func(u Update) { got = append(got, u) })

	h.f.ClearNodes()
	require.Len(t, got, 1)
	assert.Equal(t, Update{Type: UpdateCleared, Cleared: "nodes"}, got[0])

	unsub()
	unsub()
	h.f.ClearNodes()
	assert.Len(t, got, 1)
}

func TestSetConfig(t *testing.T) {
	h := newHarness(t, defaultSeed())

	cfg, err := h.f.SetConfig(config.Patch{Family: ptr("meshcore"), MaxNodes: ptr(3), MaxLogEntries: ptr(60)})
	require.NoError(t, err)
	assert.Equal(t, config.FamilyMeshCore, cfg.Family)
	assert.Equal(t, config.MinNodes, cfg.MaxNodes)
	assert.Equal(t, config.FamilyMeshCore, h.f.Status().Family)

	reopened, err := New(context.Background(), Options{KV: h.kv, NewDriver: h.fleet.factory})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, cfg, reopened.Config())
}

func TestNodeLimitFollowsConfig(t *testing.T) {
	seed := defaultSeed()
	seed.MaxNodes = config.MinNodes
	h := newHarness(t, seed)
	d := h.connect(t)

	for i := 1; i <= config.MinNodes+2; i++ {
		d.emit(driver.Event{Kind: driver.KindNode, Node: &driver.Node{Num: uint32(i), LastHeard: time.Now().Add(time.Duration(i) * time.Second)}})
	}
	require.Eventually(t, func() bool {
		nodes := h.f.Nodes()
		return len(nodes) > 0 && nodes[0].Num == uint32(config.MinNodes+2)
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.f.Nodes(), config.MinNodes)
}

func TestCloseWritesPendingNodes(t *testing.T) {
	h := newHarness(t, defaultSeed())
	d := h.connect(t)

	d.emit(driver.Event{Kind: driver.KindNode, Node: &driver.Node{Num: 0xB2, ID: "!000000b2", LongName: "Bravo Team"}})
	require.Eventually(t, func() bool { return len(h.f.Nodes()) == 1 }, time.Second, 5*time.Millisecond)
	h.f.Close()

	reopened, err := New(context.Background(), Options{KV: h.kv, NewDriver: h.fleet.factory})
	require.NoError(t, err)
	defer reopened.Close()
	nodes := reopened.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "Bravo Team", nodes[0].LongName)
}

func TestLinkChangeCancelsRetry(t *testing.T) {
	h := newHarness(t, defaultSeed())
	d := h.connect(t)
	d.drop()
	require.Eventually(t, func() bool { return h.clock.count() == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.f.SetConfig(config.Patch{MaxDmPeers: ptr(50)})
	require.NoError(t, err)
	assert.False(t, h.clock.last().stopped.Load(), "unrelated change keeps the retry")

	_, err = h.f.SetConfig(config.Patch{Address: ptr("AA:BB:CC:DD:EE:09")})
	require.NoError(t, err)
	assert.True(t, h.clock.last().stopped.Load())
	assert.False(t, h.f.Status().Reconnecting)
}

func TestMeshCoreConnectQueriesChannels(t *testing.T) {
	seed := defaultSeed()
	seed.Family = config.FamilyMeshCore
	h := newHarness(t, seed)
	h.fleet.setConfigure(func(d *fakeDriver) {
		d.channels = []driver.Channel{{Index: 0, Name: "Public"}, {Index: 2, Name: "Ops"}}
	})
	h.connect(t)

	require.Eventually(t, func() bool { return len(h.f.Channels(config.FamilyMeshCore)) == 2 }, time.Second, 5*time.Millisecond)
	chans := h.f.Channels(config.FamilyMeshCore)
	assert.Equal(t, "Public", chans[0].Name)
	assert.Equal(t, 2, chans[1].Index)
}

func TestImportAndClearChannels(t *testing.T) {
	h := newHarness(t, defaultSeed())

	got := h.f.ImportChannels(config.FamilyMeshtastic, []directory.ChannelRecord{{Index: 1, Name: "Ops"}, {Index: 0, Name: "Primary"}})
	require.Len(t, got, 2)
	assert.Equal(t, "Primary", got[0].Name)
	assert.Len(t, h.f.Channels(config.FamilyMeshtastic), 2)

	h.f.ClearChannels(config.FamilyMeshtastic)
	assert.Empty(t, h.f.Channels(config.FamilyMeshtastic))
}

func TestQueryChannelsNeedsDriver(t *testing.T) {
	h := newHarness(t, defaultSeed())
	_, err := h.f.QueryChannels(context.Background())
	assert.True(t, errors.Is(err, linkerr.ErrNotConnected))

	d := h.connect(t)
	d.channels = []driver.Channel{{Index: 0, Name: "LongFast", Role: "primary"}}
	got, err := h.f.QueryChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "LongFast", got[0].Name)
}
