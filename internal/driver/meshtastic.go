package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"xcom-meshd/internal/ble"
	"xcom-meshd/internal/config"
	"xcom-meshd/internal/decode"
	"xcom-meshd/internal/linkerr"
	"xcom-meshd/internal/meshtastic"
)

// Meshtastic drives a Meshtastic radio through meshtastic.Client.
type Meshtastic struct {
	adapter ble.Adapter
	log     *zap.Logger
	events  *emitter

	// ConfigTimeout bounds the node DB download. Zero keeps the client
	// default.
	ConfigTimeout time.Duration

	mu       sync.Mutex
	client   *meshtastic.Client
	myNum    uint32
	channels map[int]Channel
	closed   bool
}

var _ Driver = (*Meshtastic)(nil)

func NewMeshtastic(adapter ble.Adapter, log *zap.Logger) *Meshtastic {
	if log == nil {
		log = zap.NewNop()
	}
	return &Meshtastic{
		adapter:  adapter,
		log:      log,
		events:   newEmitter(log),
		channels: make(map[int]Channel),
	}
}

func (d *Meshtastic) Family() string        { return config.FamilyMeshtastic }
func (d *Meshtastic) Events() <-chan Event { return d.events.ch }

// Connect brings the radio up. A config download timeout is only a warning
// as long as the BLE link itself is up.
func (d *Meshtastic) Connect(ctx context.Context, preferred string, interactive bool) (*DeviceInfo, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, linkerr.NotConnected("driver disposed")
	}
	if d.client != nil {
		d.mu.Unlock()
		return nil, errors.New("already connected")
	}
	d.mu.Unlock()

	addr, err := resolveAddress(ctx, d.adapter, ble.Meshtastic, preferred, interactive)
	if err != nil {
		return nil, err
	}
	link, err := d.adapter.Open(addr, ble.Meshtastic)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", addr, err)
	}

	client := meshtastic.NewClient(link, d.listeners(), d.log)
	if d.ConfigTimeout > 0 {
		client.ConfigTimeout = d.ConfigTimeout
	}
	d.mu.Lock()
	d.client = client
	d.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, linkerr.ErrTimeout) && link.Connected() {
			d.log.Warn("config download incomplete, continuing", zap.String("addr", addr), zap.Error(err))
			d.events.logLine(LevelWarn, "%s; continuing with a partial node list", linkerr.Format(err))
		} else {
			client.Disconnect()
			d.mu.Lock()
			d.client = nil
			d.mu.Unlock()
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
	}

	info := &DeviceInfo{Family: d.Family(), Address: addr}
	if num := client.MyNodeNum(); num != 0 {
		d.mu.Lock()
		d.myNum = num
		d.mu.Unlock()
		info.NodeNum = num
		info.NodeID = meshtastic.NodeIDStr(num)
	}
	d.events.emit(Event{Kind: KindDeviceInfo, Device: info})
	return info, nil
}

func (d *Meshtastic) Disconnect() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.closed = true
	d.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	d.events.close()
	return nil
}

func (d *Meshtastic) SendText(ctx context.Context, text string, dest Destination) (*SendResult, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return nil, linkerr.NotConnected("send")
	}

	to, wantAck := meshtastic.BroadcastAddr, false
	if dest.Mode == config.ModeDirect {
		num, ok := config.ParseNodeNum(dest.Target)
		if !ok {
			return nil, linkerr.Malformed("invalid node id %q", dest.Target)
		}
		to, wantAck = num, true
	}
	id, err := client.SendText(ctx, text, to, uint32(dest.Channel), wantAck)
	if err != nil {
		return nil, err
	}
	return &SendResult{PacketID: id, ExpectsAck: wantAck}, nil
}

// QueryChannels returns the channels the radio reported during config.
func (d *Meshtastic) QueryChannels(ctx context.Context) ([]Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, linkerr.NotConnected("channels")
	}
	out := make([]Channel, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Channel) int { return a.Index - b.Index })
	return out, nil
}

// Vendor observations that carry their sender alongside the payload.
type (
	userFrom struct {
		from uint32
		user meshtastic.User
	}
	positionFrom struct {
		from uint32
		pos  meshtastic.Position
	}
	telemetryFrom struct {
		from    uint32
		metrics meshtastic.DeviceMetrics
	}
	routingFrom struct {
		from    uint32
		routing meshtastic.Routing
	}
	takFrom struct {
		from uint32
		pkt  *decode.TAKPacket
	}
)

func (d *Meshtastic) listeners() meshtastic.Listeners {
	return meshtastic.Listeners{
		DeviceStatus: func(s meshtastic.DeviceStatus) { d.adapt(s) },
		MyNodeInfo:   func(m meshtastic.MyNodeInfo) { d.adapt(m) },
		NodeInfo:     func(n meshtastic.NodeInfo) { d.adapt(n) },
		User:         func(from uint32, u meshtastic.User) { d.adapt(userFrom{from, u}) },
		Position: func(from uint32, p meshtastic.Position, _ *meshtastic.MeshPacket) {
			d.adapt(positionFrom{from, p})
		},
		Telemetry: func(from uint32, m meshtastic.DeviceMetrics) { d.adapt(telemetryFrom{from, m}) },
		Text:      func(m meshtastic.TextMessage) { d.adapt(m) },
		Channel:   func(c meshtastic.Channel) { d.adapt(c) },
		LogRecord: func(r meshtastic.LogRecord) { d.adapt(r) },
		Routing:   func(from uint32, r meshtastic.Routing) { d.adapt(routingFrom{from, r}) },
		TAK:       func(from uint32, p *decode.TAKPacket) { d.adapt(takFrom{from, p}) },
		Packet:    func(p *meshtastic.MeshPacket) { d.adapt(p) },
	}
}

// adapt is the only place Meshtastic shapes become Events.
func (d *Meshtastic) adapt(v any) {
	now := time.Now()
	switch v := v.(type) {
	case meshtastic.DeviceStatus:
		d.events.status(Status(v))

	case meshtastic.MyNodeInfo:
		d.mu.Lock()
		d.myNum = v.MyNodeNum
		d.mu.Unlock()

	case meshtastic.NodeInfo:
		n := &Node{Num: v.Num, ID: meshtastic.NodeIDStr(v.Num), SNR: f64(v.SNR)}
		if v.User != nil {
			n.LongName, n.ShortName = v.User.LongName, v.User.ShortName
			n.HWModel = meshtastic.HWModelName(v.User.HWModel)
		}
		if v.LastHeard != 0 {
			n.LastHeard = time.Unix(int64(v.LastHeard), 0)
		}
		if v.HopsAway != 0 {
			hops := v.HopsAway
			n.HopsAway = &hops
		}
		d.events.emit(Event{Kind: KindNode, Node: n})
		if v.Position != nil {
			d.adapt(positionFrom{v.Num, *v.Position})
		}
		if v.DeviceMetrics != nil {
			d.adapt(telemetryFrom{v.Num, *v.DeviceMetrics})
		}

	case userFrom:
		d.events.emit(Event{Kind: KindNode, Node: &Node{
			Num:       v.from,
			ID:        meshtastic.NodeIDStr(v.from),
			LongName:  v.user.LongName,
			ShortName: v.user.ShortName,
			HWModel:   meshtastic.HWModelName(v.user.HWModel),
			LastHeard: now,
		}})

	case positionFrom:
		if !v.pos.HasFix {
			return
		}
		ts := now
		if v.pos.Time != 0 {
			ts = time.Unix(int64(v.pos.Time), 0)
		}
		d.events.emit(Event{Kind: KindPosition, Position: &Position{
			Num: v.from, Lat: v.pos.Lat, Lon: v.pos.Lon, Altitude: v.pos.Altitude, Source: "position", Time: ts,
		}})

	case telemetryFrom:
		m := v.metrics
		t := &Telemetry{Num: v.from, Voltage: f64(m.Voltage), ChannelUtilization: f64(m.ChannelUtilization), AirUtilTx: f64(m.AirUtilTx)}
		if m.BatteryLevel != 0 {
			b := m.BatteryLevel
			t.Battery = &b
		}
		if m.UptimeSeconds != 0 {
			u := m.UptimeSeconds
			t.UptimeSeconds = &u
		}
		d.events.emit(Event{Kind: KindTelemetry, Telemetry: t})

	case meshtastic.TextMessage:
		d.mu.Lock()
		my := d.myNum
		d.mu.Unlock()
		p := v.Packet
		ts := now
		if p.RxTime != 0 {
			ts = time.Unix(int64(p.RxTime), 0)
		}
		d.events.emit(Event{Kind: KindMessage, Message: &Message{
			From:    meshtastic.NodeIDStr(p.From),
			FromNum: p.From,
			Direct:  p.To != meshtastic.BroadcastAddr && my != 0 && p.To == my,
			Channel: int(p.Channel),
			Text:    v.Text,
			Time:    ts,
			SNR:     f64(p.RxSNR),
		}})

	case meshtastic.Channel:
		if v.Role == meshtastic.ChannelDisabled {
			return
		}
		c := Channel{Index: v.Index, Name: v.Name, Role: channelRole(v.Role)}
		d.mu.Lock()
		d.channels[c.Index] = c
		d.mu.Unlock()
		d.events.emit(Event{Kind: KindChannel, Channel: &c})

	case meshtastic.LogRecord:
		d.events.logLine(LevelInfo, "%s", v.Message)

	case routingFrom:
		if v.routing.RequestID == 0 {
			return
		}
		ack := &Ack{PacketID: v.routing.RequestID, OK: v.routing.ErrorReason == 0}
		if !ack.OK {
			ack.Reason = meshtastic.RoutingErrorName(v.routing.ErrorReason)
		}
		d.events.emit(Event{Kind: KindAck, Ack: ack})

	case takFrom:
		if v.pkt.PLI != nil {
			d.events.emit(Event{Kind: KindPosition, Position: &Position{
				Num: v.from, Lat: v.pkt.PLI.Lat, Lon: v.pkt.PLI.Lon, Altitude: v.pkt.PLI.Altitude, Source: "tak", Time: now,
			}})
		}
		if c := v.pkt.Contact; c != nil && c.Callsign != "" {
			d.events.emit(Event{Kind: KindNode, Node: &Node{Num: v.from, ID: meshtastic.NodeIDStr(v.from), LongName: c.Callsign, LastHeard: now}})
		}
		if s := v.pkt.Status; s != nil && s.Battery != 0 {
			b := s.Battery
			d.events.emit(Event{Kind: KindTelemetry, Telemetry: &Telemetry{Num: v.from, Battery: &b}})
		}

	case *meshtastic.MeshPacket:
		d.mu.Lock()
		my := d.myNum
		d.mu.Unlock()
		if v.From == 0 || v.From == my {
			return
		}
		n := &Node{Num: v.From, ID: meshtastic.NodeIDStr(v.From), LastHeard: now}
		if v.RxSNR != 0 {
			n.SNR = f64(v.RxSNR)
		}
		if v.RxRSSI != 0 {
			rssi := v.RxRSSI
			n.RSSI = &rssi
		}
		if v.HopStart >= v.HopLimit && v.HopStart != 0 {
			hops := v.HopStart - v.HopLimit
			n.HopsAway = &hops
		}
		d.events.emit(Event{Kind: KindNode, Node: n})

	default:
		d.log.Debug("unhandled observation", zap.String("type", fmt.Sprintf("%T", v)))
	}
}

func channelRole(role int) string {
	switch role {
	case meshtastic.ChannelPrimary:
		return "primary"
	case meshtastic.ChannelSecondary:
		return "secondary"
	}
	return "disabled"
}
