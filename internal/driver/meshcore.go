package driver

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"xcom-meshd/internal/ble"
	"xcom-meshd/internal/config"
	"xcom-meshd/internal/decode"
	"xcom-meshd/internal/frame"
	"xcom-meshd/internal/inbox"
	"xcom-meshd/internal/linkerr"
)

// MeshCore companion protocol opcodes.
const (
	cmdAppStart    = 0x01
	cmdSendTxt     = 0x02
	cmdSendChanTxt = 0x03
	cmdSyncNext    = 0x0A
	cmdDeviceQuery = 0x16
	cmdGetChannel  = 0x1F

	respOK           = 0x00
	respErr          = 0x01
	respSelfInfo     = 0x05
	respSent         = 0x06
	respContactMsg   = 0x07
	respChannelMsg   = 0x08
	respNoMoreMsgs   = 0x0A
	respDeviceInfo   = 0x0D
	respContactMsgV3 = 0x10
	respChannelMsgV3 = 0x11
	respChannelInfo  = 0x12

	pushAdvert        = 0x80
	pushPathUpdated   = 0x81
	pushSendConfirmed = 0x82
	pushMsgWaiting    = 0x83
	pushRawData       = 0x84
	pushLoginSuccess  = 0x85
	pushLoginFail     = 0x86
	pushStatus        = 0x87
	pushLogData       = 0x88
	pushTraceData     = 0x89
	pushNewAdvert     = 0x8A
	pushTelemetry     = 0x8B
	pushBinary        = 0x8C
	pushPathDiscovery = 0x8D
	pushControlData   = 0x8E
)

const (
	appName         = "xcom-meshd"
	appVersion      = 1
	deviceTarget    = 1
	textPlain       = 0
	prefixLen       = 6
	maxDrainSteps   = 64
	defaultChannels = 8
)

// MaxMeshCoreText is the longest text one MeshCore packet carries.
const MaxMeshCoreText = 160

var messageResponses = []byte{respContactMsg, respChannelMsg, respContactMsgV3, respChannelMsgV3, respNoMoreMsgs}

// MeshCore drives a MeshCore companion radio over Nordic UART using length
// framed commands.
type MeshCore struct {
	adapter ble.Adapter
	log     *zap.Logger
	events  *emitter

	// TextThreshold is the invalid-rune share above which a RAW_DATA
	// payload is reported as binary.
	TextThreshold float64
	// CommandTimeout bounds each request/response exchange.
	CommandTimeout time.Duration

	draining atomic.Bool

	mu       sync.Mutex
	link     ble.Link
	inbox    *inbox.Inbox
	stop     chan struct{}
	loopDone chan struct{}
	info     *DeviceInfo
	closed   bool
}

var _ Driver = (*MeshCore)(nil)

func NewMeshCore(adapter ble.Adapter, log *zap.Logger) *MeshCore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MeshCore{
		adapter:        adapter,
		log:            log,
		events:         newEmitter(log),
		TextThreshold:  DefaultTextThreshold,
		CommandTimeout: config.DefaultCommandTimeout,
	}
}

func (d *MeshCore) Family() string        { return config.FamilyMeshCore }
func (d *MeshCore) Events() <-chan Event { return d.events.ch }

// Connect opens the NUS link and runs the handshake: DEVICE_QUERY, then
// APP_START (answered with SELF_INFO), then a drain of queued messages.
// Everything acquired is released again if any step fails.
func (d *MeshCore) Connect(ctx context.Context, preferred string, interactive bool) (_ *DeviceInfo, err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, linkerr.NotConnected("driver disposed")
	}
	if d.link != nil {
		d.mu.Unlock()
		return nil, errors.New("already connected")
	}
	d.mu.Unlock()

	addr, err := resolveAddress(ctx, d.adapter, ble.NordicUART, preferred, interactive)
	if err != nil {
		return nil, err
	}
	link, err := d.adapter.Open(addr, ble.NordicUART)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", addr, err)
	}

	d.events.status(StatusConnecting)
	if err := link.Connect(ctx); err != nil {
		_ = link.Close()
		d.events.status(StatusDisconnected)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer func() {
		if err != nil {
			d.teardown()
			d.events.status(StatusDisconnected)
		}
	}()

	in := inbox.New(d.writer(link), d.onPush)
	stop, loopDone := make(chan struct{}), make(chan struct{})
	d.mu.Lock()
	d.link, d.inbox, d.stop, d.loopDone = link, in, stop, loopDone
	d.mu.Unlock()
	go d.readLoop(link, in, stop, loopDone)
	d.events.status(StatusConnected)

	d.events.status(StatusConfiguring)
	info := &DeviceInfo{Family: d.Family(), Address: addr}

	resp, err := in.SendAndAwait(ctx, inbox.Command{Opcode: cmdDeviceQuery, Payload: []byte{deviceTarget}},
		[]byte{respDeviceInfo, respErr}, d.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("device query: %w", err)
	}
	if resp.Opcode == respDeviceInfo {
		if di := decode.ParseDeviceInfo(resp.Payload); di != nil {
			info.Model, info.MaxChannels = di.Model, di.MaxChannels
			info.Firmware = di.Version
			if info.Firmware == "" {
				info.Firmware = fmt.Sprintf("v%d", di.FirmwareVersion)
			}
		}
	}

	resp, err = in.SendAndAwait(ctx, inbox.Command{Opcode: cmdAppStart, Payload: appStartPayload()},
		[]byte{respSelfInfo, respErr}, d.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("app start: %w", err)
	}
	if resp.Opcode != respSelfInfo {
		return nil, linkerr.Malformed("app start rejected")
	}
	self := decode.ParseSelfInfo(resp.Payload)
	if self == nil {
		return nil, linkerr.Truncated("self info")
	}
	info.Name, info.NodeID = self.Name, self.Prefix
	info.NodeNum = decode.NodeIDFromPrefix(self.Prefix)
	if self.Battery != 0 {
		b := uint32(self.Battery)
		info.Battery = &b
	}
	d.adapt(self)

	d.mu.Lock()
	d.info = info
	d.mu.Unlock()

	if d.draining.CompareAndSwap(false, true) {
		if d.drain(ctx, in) {
			d.drainRest(in)
		} else {
			d.draining.Store(false)
		}
	}

	d.events.status(StatusConfigured)
	d.events.emit(Event{Kind: KindDeviceInfo, Device: info})
	return info, nil
}

func appStartPayload() []byte {
	b := make([]byte, 0, 1+6+len(appName))
	b = append(b, appVersion)
	b = append(b, make([]byte, 6)...)
	return append(b, appName...)
}

// writer frames and chunks one command onto link.
func (d *MeshCore) writer(link ble.Link) inbox.WriteFunc {
	return func(ctx context.Context, payload []byte) error {
		chunks, err := frame.Wrap(payload)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			if err := link.Write(ctx, c); err != nil {
				return err
			}
		}
		return nil
	}
}

// readLoop reassembles notifications into frames and routes them. It owns the
// frame decoder.
func (d *MeshCore) readLoop(link ble.Link, in *inbox.Inbox, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var dec frame.Decoder
	for {
		select {
		case <-stop:
			return
		case <-link.Done():
			select {
			case <-stop:
				return
			default:
			}
			in.Close()
			dec.Reset()
			d.log.Info("link lost", zap.String("addr", link.Address()))
			d.events.status(StatusDisconnected)
			return
		case chunk := <-link.Notifications():
			frames, err := dec.Feed(chunk)
			if err != nil {
				d.log.Warn("frame desync, buffer dropped", zap.Error(err))
			}
			for _, f := range frames {
				cmd, ok := inbox.ParseCommand(f)
				if !ok {
					continue
				}
				if !in.Deliver(cmd) {
					d.unclaimed(cmd)
				}
			}
		}
	}
}

// unclaimed handles a response nobody waited for. Messages are still
// surfaced; anything else is dropped.
func (d *MeshCore) unclaimed(cmd inbox.Command) {
	switch cmd.Opcode {
	case respContactMsg, respChannelMsg, respContactMsgV3, respChannelMsgV3:
		d.adapt(cmd)
	default:
		d.log.Debug("unclaimed response", zap.Uint8("opcode", cmd.Opcode), zap.Int("len", len(cmd.Payload)))
	}
}

func (d *MeshCore) onPush(cmd inbox.Command) {
	if cmd.Opcode != pushMsgWaiting {
		d.adapt(cmd)
		return
	}
	// Runs off the read loop, which has to keep delivering the responses.
	if !d.draining.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	in := d.inbox
	d.mu.Unlock()
	if in == nil {
		d.draining.Store(false)
		return
	}
	d.drainRest(in)
}

// drainRest keeps draining in the background until the radio reports an
// empty queue. The caller holds the draining flag; drainRest releases it.
func (d *MeshCore) drainRest(in *inbox.Inbox) {
	go func() {
		defer d.draining.Store(false)
		for d.drain(context.Background(), in) {
		}
	}()
}

// drain pulls queued messages with SYNC_NEXT until NO_MORE_MSGS, at most
// maxDrainSteps of them. It reports whether the radio may still hold more.
func (d *MeshCore) drain(ctx context.Context, in *inbox.Inbox) bool {
	for i := 0; i < maxDrainSteps; i++ {
		resp, err := in.SendAndAwait(ctx, inbox.Command{Opcode: cmdSyncNext}, messageResponses, d.CommandTimeout)
		if err != nil {
			if !errors.Is(err, linkerr.ErrNotConnected) {
				d.log.Warn("message drain stopped", zap.Error(err))
			}
			return false
		}
		if resp.Opcode == respNoMoreMsgs {
			return false
		}
		d.adapt(resp)
	}
	d.log.Warn("message drain hit step limit, continuing", zap.Int("steps", maxDrainSteps))
	return true
}

func (d *MeshCore) Disconnect() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.teardown()
	d.events.close()
	return nil
}

// teardown stops the read loop and releases the link. Safe to call twice.
func (d *MeshCore) teardown() {
	d.mu.Lock()
	link, in, stop, loopDone := d.link, d.inbox, d.stop, d.loopDone
	d.link, d.inbox, d.stop, d.loopDone, d.info = nil, nil, nil, nil, nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if in != nil {
		in.Close()
	}
	if link != nil {
		if err := link.Close(); err != nil {
			d.log.Debug("link close", zap.Error(err))
		}
	}
	if loopDone != nil {
		<-loopDone
	}
}

func (d *MeshCore) session() (*inbox.Inbox, ble.Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inbox, d.link
}

// SendText sends a direct message when dest is direct (Target is a public
// key prefix in hex), otherwise a channel message.
func (d *MeshCore) SendText(ctx context.Context, text string, dest Destination) (*SendResult, error) {
	if text == "" {
		return nil, linkerr.Malformed("empty text")
	}
	if len(text) > MaxMeshCoreText {
		return nil, linkerr.Malformed("text is %d bytes, limit %d", len(text), MaxMeshCoreText)
	}
	in, link := d.session()
	if in == nil || !link.Connected() {
		return nil, linkerr.NotConnected("send")
	}
	ts := uint32(time.Now().Unix())

	if dest.Mode == config.ModeDirect {
		prefix, err := hex.DecodeString(strings.TrimPrefix(dest.Target, "!"))
		if err != nil || len(prefix) < prefixLen {
			return nil, linkerr.Malformed("invalid public key prefix %q", dest.Target)
		}
		p := []byte{textPlain, 0}
		p = binary.LittleEndian.AppendUint32(p, ts)
		p = append(p, prefix[:prefixLen]...)
		p = append(p, text...)
		resp, err := in.SendAndAwait(ctx, inbox.Command{Opcode: cmdSendTxt, Payload: p}, []byte{respSent, respErr}, d.CommandTimeout)
		if err != nil {
			return nil, err
		}
		if resp.Opcode == respErr {
			return nil, linkerr.Malformed("radio rejected message%s", errCode(resp.Payload))
		}
		res := &SendResult{ExpectsAck: true}
		if len(resp.Payload) >= 5 {
			res.PacketID = binary.LittleEndian.Uint32(resp.Payload[1:5])
		}
		return res, nil
	}

	p := []byte{textPlain, byte(dest.Channel)}
	p = binary.LittleEndian.AppendUint32(p, ts)
	p = append(p, text...)
	resp, err := in.SendAndAwait(ctx, inbox.Command{Opcode: cmdSendChanTxt, Payload: p}, []byte{respOK, respErr}, d.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Opcode == respErr {
		return nil, linkerr.Malformed("radio rejected channel message%s", errCode(resp.Payload))
	}
	return &SendResult{}, nil
}

func errCode(p []byte) string {
	if len(p) == 0 {
		return ""
	}
	return fmt.Sprintf(" (code %d)", p[0])
}

// QueryChannels walks GET_CHANNEL from index 0 until the radio answers with
// an error or the device's channel count is reached.
func (d *MeshCore) QueryChannels(ctx context.Context) ([]Channel, error) {
	in, _ := d.session()
	if in == nil {
		return nil, linkerr.NotConnected("channels")
	}
	n := defaultChannels
	d.mu.Lock()
	if d.info != nil && d.info.MaxChannels > 0 {
		n = d.info.MaxChannels
	}
	d.mu.Unlock()

	var out []Channel
	for i := 0; i < n; i++ {
		resp, err := in.SendAndAwait(ctx, inbox.Command{Opcode: cmdGetChannel, Payload: []byte{byte(i)}},
			[]byte{respChannelInfo, respErr}, d.CommandTimeout)
		if err != nil {
			return out, err
		}
		if resp.Opcode == respErr {
			break
		}
		ci := decode.ParseChannelInfo(resp.Payload)
		if ci == nil || ci.Name == "" {
			continue
		}
		c := Channel{Index: int(ci.Index), Name: ci.Name}
		d.events.emit(Event{Kind: KindChannel, Channel: &c})
		out = append(out, c)
	}
	return out, nil
}

// adapt is the only place MeshCore frames become Events.
func (d *MeshCore) adapt(v any) {
	now := time.Now()
	switch v := v.(type) {
	case *decode.SelfInfo:
		num := decode.NodeIDFromPrefix(v.Prefix)
		d.events.emit(Event{Kind: KindNode, Node: &Node{Num: num, ID: v.Prefix, LongName: v.Name, LastHeard: now}})
		if v.HasFix {
			d.events.emit(Event{Kind: KindPosition, Position: &Position{Num: num, Lat: v.Lat, Lon: v.Lon, Source: "self", Time: now}})
		}
		if v.Battery != 0 {
			b := uint32(v.Battery)
			d.events.emit(Event{Kind: KindTelemetry, Telemetry: &Telemetry{Num: num, Battery: &b}})
		}

	case *decode.Advert:
		n := &Node{Num: v.ID, ID: shortKey(v.PublicKey), LongName: v.Name, LastHeard: now}
		d.events.emit(Event{Kind: KindNode, Node: n})
		if v.HasFix {
			d.events.emit(Event{Kind: KindPosition, Position: &Position{Num: v.ID, Lat: v.Lat, Lon: v.Lon, Source: "advert", Time: now}})
		}

	case inbox.Command:
		d.adaptCommand(v, now)

	default:
		d.log.Debug("unhandled observation", zap.String("type", fmt.Sprintf("%T", v)))
	}
}

func (d *MeshCore) adaptCommand(cmd inbox.Command, now time.Time) {
	p := cmd.Payload
	switch cmd.Opcode {
	case respContactMsg:
		if m := decode.ParseMessageHeader(p); m != nil {
			d.emitMessage(&Message{From: m.Prefix, FromNum: decode.NodeIDFromPrefix(m.Prefix), Direct: true, Text: m.Text, Time: msgTime(m.Timestamp, now)})
		}

	case respContactMsgV3:
		if m := decode.ParseContactMessageV3(p); m != nil {
			snr := m.SNR
			d.emitMessage(&Message{From: m.Prefix, FromNum: decode.NodeIDFromPrefix(m.Prefix), Direct: true, Text: m.Text, Time: msgTime(m.Timestamp, now), SNR: &snr})
		}

	case respChannelMsg, respChannelMsgV3:
		if m := decode.ParseChannelMessage(p, cmd.Opcode == respChannelMsgV3); m != nil {
			msg := &Message{From: fmt.Sprintf("channel:%d", m.Channel), Channel: int(m.Channel), Text: m.Text, Time: msgTime(m.Timestamp, now)}
			if cmd.Opcode == respChannelMsgV3 {
				snr := m.SNR
				msg.SNR = &snr
			}
			d.emitMessage(msg)
		}

	case pushAdvert, pushNewAdvert, pushPathUpdated:
		if a := decode.ParseAdvert(p); a != nil {
			d.adapt(a)
		}

	case pushSendConfirmed:
		if len(p) >= 4 {
			d.events.emit(Event{Kind: KindAck, Ack: &Ack{PacketID: binary.LittleEndian.Uint32(p), OK: true}})
		}

	case pushRawData:
		// snr, rssi, reserved, then the payload
		if len(p) < 3 {
			return
		}
		data := p[3:]
		if text, ok := ClassifyText(data, d.TextThreshold); ok {
			snr := float64(int8(p[0])) / 4
			d.emitMessage(&Message{From: "raw", Text: text, Time: now, SNR: &snr})
			return
		}
		d.events.emit(Event{Kind: KindBinary, Binary: &Binary{From: "raw", Data: append([]byte(nil), data...)}})

	case pushBinary, pushControlData:
		d.events.emit(Event{Kind: KindBinary, Binary: &Binary{From: fmt.Sprintf("push:0x%02x", cmd.Opcode), Data: append([]byte(nil), p...)}})

	case pushLoginSuccess:
		d.events.logLine(LevelInfo, "Login succeeded")

	case pushLoginFail:
		d.events.logLine(LevelWarn, "Login failed")

	case pushLogData:
		if len(p) >= 2 {
			d.events.logLine(LevelInfo, "RF log: snr %.2f, rssi %d, %d bytes", float64(int8(p[0]))/4, int8(p[1]), len(p)-2)
		}

	case pushStatus, pushTraceData, pushTelemetry, pushPathDiscovery:
		d.log.Debug("push ignored", zap.Uint8("opcode", cmd.Opcode), zap.Int("len", len(p)))

	default:
		d.log.Debug("unknown opcode", zap.Uint8("opcode", cmd.Opcode))
	}
}

func (d *MeshCore) emitMessage(m *Message) {
	d.events.emit(Event{Kind: KindMessage, Message: m})
}

func msgTime(ts uint32, now time.Time) time.Time {
	if ts == 0 {
		return now
	}
	return time.Unix(int64(ts), 0)
}

// shortKey is the 6-byte prefix form peers are addressed by.
func shortKey(pubKey string) string {
	if len(pubKey) > 2*prefixLen {
		return pubKey[:2*prefixLen]
	}
	return pubKey
}
