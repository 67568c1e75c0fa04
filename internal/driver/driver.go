// Package driver puts both radio families behind one Driver interface and
// one Event stream.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"xcom-meshd/internal/ble"
	"xcom-meshd/internal/config"
	"xcom-meshd/internal/linkerr"
)

// Status is a device status code. The codes are shared by both families.
type Status int

const (
	StatusRestarting   Status = 1
	StatusDisconnected Status = 2
	StatusConnecting   Status = 3
	StatusReconnecting Status = 4
	StatusConnected    Status = 5
	StatusConfiguring  Status = 6
	StatusConfigured   Status = 7
)

var statusLabels = map[Status]string{
	StatusRestarting:   "Restarting",
	StatusDisconnected: "Disconnected",
	StatusConnecting:   "Connecting",
	StatusReconnecting: "Reconnecting",
	StatusConnected:    "Connected",
	StatusConfiguring:  "Configuring",
	StatusConfigured:   "Configured",
}

func (s Status) String() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsReady reports whether the link is usable: Connected, Configuring or
// Configured.
func (s Status) IsReady() bool {
	return s == StatusConnected || s == StatusConfiguring || s == StatusConfigured
}

// Destination is where a text goes.
type Destination = config.Destination

// DeviceInfo describes the radio a driver is connected to.
type DeviceInfo struct {
	Family      string  `json:"family"`
	Address     string  `json:"address"`
	Name        string  `json:"name,omitempty"`
	NodeID      string  `json:"node_id,omitempty"`
	NodeNum     uint32  `json:"node_num,omitempty"`
	Model       string  `json:"model,omitempty"`
	Firmware    string  `json:"firmware,omitempty"`
	MaxChannels int     `json:"max_channels,omitempty"`
	Battery     *uint32 `json:"battery,omitempty"`
}

// SendResult is what a radio reports for an accepted text.
type SendResult struct {
	PacketID   uint32 `json:"packet_id,omitempty"`
	ExpectsAck bool   `json:"expects_ack"`
}

type Channel struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
}

// Kind tags an Event.
type Kind int

const (
	KindStatus Kind = iota + 1
	KindLog
	KindDeviceInfo
	KindNode
	KindPosition
	KindTelemetry
	KindMessage
	KindBinary
	KindChannel
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindLog:
		return "log"
	case KindDeviceInfo:
		return "device_info"
	case KindNode:
		return "node"
	case KindPosition:
		return "position"
	case KindTelemetry:
		return "telemetry"
	case KindMessage:
		return "message"
	case KindBinary:
		return "binary"
	case KindChannel:
		return "channel"
	case KindAck:
		return "ack"
	}
	return "unknown"
}

// Log levels carried by LogLine.
const (
	LevelInfo = "info"
	LevelWarn = "warn"
)

type LogLine struct {
	Level string
	Text  string
}

// Node is a sighting of a mesh node. Nil pointers and empty strings mean
// "not reported".
type Node struct {
	Num       uint32
	ID        string
	LongName  string
	ShortName string
	HWModel   string
	SNR       *float64
	RSSI      *int32
	HopsAway  *uint32
	LastHeard time.Time
}

type Position struct {
	Num      uint32
	Lat      float64
	Lon      float64
	Altitude int32
	Source   string
	Time     time.Time
}

type Telemetry struct {
	Num                uint32
	Battery            *uint32
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *uint32
}

// Message is an inbound text. From is the peer identity used for the DM
// unread index; Direct is false for channel and broadcast traffic.
type Message struct {
	From    string
	FromNum uint32
	Direct  bool
	Channel int
	Text    string
	Time    time.Time
	SNR     *float64
}

type Binary struct {
	From string
	Data []byte
}

type Ack struct {
	PacketID uint32
	OK       bool
	Reason   string
}

// Event is one normalized driver observation. Kind says which payload is
// set.
type Event struct {
	Kind      Kind
	Status    Status
	Log       *LogLine
	Device    *DeviceInfo
	Node      *Node
	Position  *Position
	Telemetry *Telemetry
	Message   *Message
	Binary    *Binary
	Channel   *Channel
	Ack       *Ack
}

// Driver owns one device session. A driver is single use: Disconnect
// releases the session and closes Events.
type Driver interface {
	Family() string
	// Connect opens a session to preferred, or to the first known device.
	// With interactive false and no known device it fails with
	// DeviceUnavailable instead of scanning.
	Connect(ctx context.Context, preferred string, interactive bool) (*DeviceInfo, error)
	Disconnect() error
	SendText(ctx context.Context, text string, dest Destination) (*SendResult, error)
	QueryChannels(ctx context.Context) ([]Channel, error)
	Events() <-chan Event
}

const eventBuffer = 256

// emitter is the buffered, closable event channel shared by both drivers.
type emitter struct {
	log *zap.Logger

	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

func newEmitter(log *zap.Logger) *emitter {
	return &emitter{log: log, ch: make(chan Event, eventBuffer)}
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.log.Warn("event buffer full, dropping", zap.Stringer("kind", ev.Kind))
	}
}

func (e *emitter) status(s Status) { e.emit(Event{Kind: KindStatus, Status: s}) }

func (e *emitter) logLine(level, format string, args ...any) {
	e.emit(Event{Kind: KindLog, Log: &LogLine{Level: level, Text: fmt.Sprintf(format, args...)}})
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// resolveAddress picks the device to open: preferred, then the first known
// device, then (interactive only) a scan.
func resolveAddress(ctx context.Context, a ble.Adapter, p ble.Profile, preferred string, interactive bool) (string, error) {
	if preferred != "" {
		return ble.ParseAddress(preferred)
	}
	known, err := a.Known(ctx, p)
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if len(known) > 0 {
		return known[0], nil
	}
	if !interactive {
		return "", linkerr.DeviceUnavailable("no previously authorized device")
	}
	addr, err := a.Scan(ctx, p)
	if err != nil {
		return "", linkerr.DeviceUnavailable(err.Error())
	}
	return addr, nil
}

func f64(v float32) *float64 {
	f := float64(v)
	return &f
}
