package meshtastic

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"xcom-meshd/internal/decode"
	"xcom-meshd/internal/wire"
)

// ============================================================================
// Port numbers
// ============================================================================

const (
	PortNumTextMessage = 1
	PortNumPosition    = 3
	PortNumNodeInfo    = 4
	PortNumRouting     = 5
	PortNumTelemetry   = 67
	PortNumATAKPlugin  = 72
)

// BroadcastAddr is the "to" value for a packet addressed to every node.
const BroadcastAddr uint32 = 0xFFFFFFFF

const defaultHopLimit = 3

func PortNumName(pn int) string {
	switch pn {
	case PortNumTextMessage:
		return "TEXT_MESSAGE_APP"
	case PortNumPosition:
		return "POSITION_APP"
	case PortNumNodeInfo:
		return "NODEINFO_APP"
	case PortNumRouting:
		return "ROUTING_APP"
	case PortNumTelemetry:
		return "TELEMETRY_APP"
	case PortNumATAKPlugin:
		return "ATAK_PLUGIN"
	default:
		return fmt.Sprintf("PORTNUM_%d", pn)
	}
}

// NodeIDStr formats a node number the way Meshtastic displays it.
func NodeIDStr(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

var hwModels = map[uint32]string{
	0: "UNSET", 1: "TLORA_V2", 2: "TLORA_V1", 3: "TLORA_V2_1_1P6",
	4: "TBEAM", 5: "HELTEC_V2_0", 6: "TBEAM_V0P7", 7: "T_ECHO",
	8: "TLORA_V1_1P3", 9: "RAK4631", 10: "HELTEC_V2_1",
	11: "HELTEC_V1", 25: "RAK11200", 39: "STATION_G1",
	43: "CANARYONE", 47: "RP2040_LORA", 48: "HELTEC_V3",
	49: "HELTEC_WSL_V3", 64: "HELTEC_VISION_MASTER_T190",
	71: "TRACKER_T1000_E",
}

func HWModelName(model uint32) string {
	if name, ok := hwModels[model]; ok {
		return name
	}
	return fmt.Sprintf("HW_MODEL_%d", model)
}

var routingErrors = map[uint32]string{
	0: "NONE", 1: "NO_ROUTE", 2: "GOT_NAK", 3: "TIMEOUT", 4: "NO_INTERFACE",
	5: "MAX_RETRANSMIT", 6: "NO_CHANNEL", 7: "TOO_LARGE", 8: "NO_RESPONSE",
	9: "DUTY_CYCLE_LIMIT", 32: "BAD_REQUEST", 33: "NOT_AUTHORIZED",
	34: "PKI_FAILED", 35: "PKI_UNKNOWN_PUBKEY",
}

func RoutingErrorName(code uint32) string {
	if name, ok := routingErrors[code]; ok {
		return name
	}
	return fmt.Sprintf("ROUTING_ERROR_%d", code)
}

// ============================================================================
// Decoded messages
// ============================================================================

// FromRadio is one message pulled from the fromRadio characteristic. At most
// one payload field is set.
type FromRadio struct {
	ID               uint32
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	LogRecord        *LogRecord
	ConfigCompleteID uint32
	Rebooted         bool
	Channel          *Channel
}

// MeshPacket flattens the packet envelope and its decoded Data payload.
type MeshPacket struct {
	From     uint32
	To       uint32
	Channel  uint32
	ID       uint32
	RxTime   uint32
	RxSNR    float32
	RxRSSI   int32
	HopLimit uint32
	HopStart uint32
	WantAck  bool

	Decoded   bool
	PortNum   int
	Payload   []byte
	RequestID uint32 // the packet a ROUTING_APP reply refers to
	Encrypted []byte
}

type MyNodeInfo struct {
	MyNodeNum uint32
}

type NodeInfo struct {
	Num           uint32
	User          *User
	Position      *Position
	DeviceMetrics *DeviceMetrics
	SNR           float32
	LastHeard     uint32
	HopsAway      uint32
}

type User struct {
	ID        string
	LongName  string
	ShortName string
	HWModel   uint32
}

// Position holds a scaled fix. HasFix is false when no coordinates were sent
// or they were out of range.
type Position struct {
	Lat      float64
	Lon      float64
	Altitude int32
	Time     uint32
	Sats     uint32
	HasFix   bool
}

type DeviceMetrics struct {
	BatteryLevel       uint32
	Voltage            float32
	ChannelUtilization float32
	AirUtilTx          float32
	UptimeSeconds      uint32
}

// Channel roles.
const (
	ChannelDisabled  = 0
	ChannelPrimary   = 1
	ChannelSecondary = 2
)

type Channel struct {
	Index int
	Name  string
	Role  int
}

type LogRecord struct {
	Message string
}

// Routing is a ROUTING_APP reply. ErrorReason 0 acknowledges RequestID.
type Routing struct {
	RequestID   uint32
	ErrorReason uint32
}

func float32Field(f wire.Field) float32 { return math.Float32frombits(f.Fixed32) }

// uint32Field accepts either fixed32 or varint encodings, since node numbers
// have been sent both ways across firmware versions.
func uint32Field(f wire.Field) uint32 {
	if f.Type == wire.Fixed32Type {
		return f.Fixed32
	}
	return uint32(f.Varint)
}

// ============================================================================
// Parsers
// ============================================================================

func ParseFromRadio(b []byte) (*FromRadio, error) {
	fr := &FromRadio{}
	err := wire.Fields(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			fr.ID = uint32(f.Varint)
		case 2:
			fr.Packet, err = ParseMeshPacket(f.Bytes)
		case 3:
			fr.MyInfo, err = parseMyNodeInfo(f.Bytes)
		case 4:
			fr.NodeInfo, err = ParseNodeInfo(f.Bytes)
		case 6:
			fr.LogRecord, err = parseLogRecord(f.Bytes)
		case 7:
			fr.ConfigCompleteID = uint32(f.Varint)
		case 8:
			fr.Rebooted = f.Varint != 0
		case 10:
			fr.Channel, err = ParseChannel(f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("FromRadio: %w", err)
	}
	return fr, nil
}

func ParseMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	err := wire.Fields(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p.From = uint32Field(f)
		case 2:
			p.To = uint32Field(f)
		case 3:
			p.Channel = uint32(f.Varint)
		case 4:
			p.Decoded = true
			return parseData(f.Bytes, p)
		case 5:
			p.Encrypted = f.Bytes
		case 6:
			p.ID = uint32Field(f)
		case 7:
			p.RxTime = uint32Field(f)
		case 8:
			p.RxSNR = float32Field(f)
		case 9:
			p.HopLimit = uint32(f.Varint)
		case 10:
			p.WantAck = f.Varint != 0
		case 12:
			p.RxRSSI = int32(f.Varint)
		case 15:
			p.HopStart = uint32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("MeshPacket: %w", err)
	}
	return p, nil
}

func parseData(b []byte, p *MeshPacket) error {
	return wire.Fields(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p.PortNum = int(f.Varint)
		case 2:
			p.Payload = f.Bytes
		case 6:
			p.RequestID = uint32Field(f)
		}
		return nil
	})
}

func parseMyNodeInfo(b []byte) (*MyNodeInfo, error) {
	m := &MyNodeInfo{}
	err := wire.Fields(b, func(f wire.Field) error {
		if f.Num == 1 {
			m.MyNodeNum = uint32(f.Varint)
		}
		return nil
	})
	return m, err
}

func ParseNodeInfo(b []byte) (*NodeInfo, error) {
	n := &NodeInfo{}
	err := wire.Fields(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			n.Num = uint32(f.Varint)
		case 2:
			n.User, err = ParseUser(f.Bytes)
		case 3:
			n.Position, err = ParsePosition(f.Bytes)
		case 4:
			n.SNR = float32Field(f)
		case 5:
			n.LastHeard = uint32Field(f)
		case 6:
			n.DeviceMetrics, err = parseDeviceMetrics(f.Bytes)
		case 9:
			n.HopsAway = uint32(f.Varint)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("NodeInfo: %w", err)
	}
	return n, nil
}

func ParseUser(b []byte) (*User, error) {
	u := &User{}
	err := wire.Fields(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			u.ID = string(f.Bytes)
		case 2:
			u.LongName = string(f.Bytes)
		case 3:
			u.ShortName = string(f.Bytes)
		case 5:
			u.HWModel = uint32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("User: %w", err)
	}
	return u, nil
}

func ParsePosition(b []byte) (*Position, error) {
	p := &Position{}
	var lat, lon int32
	var seen bool
	err := wire.Fields(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			lat, seen = f.Int32(), true
		case 2:
			lon, seen = f.Int32(), true
		case 3:
			p.Altitude = int32(f.Varint)
		case 4:
			p.Time = uint32Field(f)
		case 19:
			p.Sats = uint32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Position: %w", err)
	}
	if seen && (lat != 0 || lon != 0) {
		p.Lat, p.Lon, p.HasFix = decode.ScalePosition(lat, lon, 1e7)
	}
	return p, nil
}

// ParseTelemetry returns the device metrics variant of a Telemetry message,
// or nil for environment and power variants.
func ParseTelemetry(b []byte) (*DeviceMetrics, error) {
	var dm *DeviceMetrics
	err := wire.Fields(b, func(f wire.Field) error {
		if f.Num == 2 && f.Type == wire.BytesType {
			var err error
			dm, err = parseDeviceMetrics(f.Bytes)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Telemetry: %w", err)
	}
	return dm, nil
}

func parseDeviceMetrics(b []byte) (*DeviceMetrics, error) {
	dm := &DeviceMetrics{}
	err := wire.Fields(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			dm.BatteryLevel = uint32(f.Varint)
		case 2:
			dm.Voltage = float32Field(f)
		case 3:
			dm.ChannelUtilization = float32Field(f)
		case 4:
			dm.AirUtilTx = float32Field(f)
		case 5:
			dm.UptimeSeconds = uint32(f.Varint)
		}
		return nil
	})
	return dm, err
}

func ParseChannel(b []byte) (*Channel, error) {
	c := &Channel{}
	err := wire.Fields(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			c.Index = int(f.Varint)
		case 2:
			return wire.Fields(f.Bytes, func(s wire.Field) error {
				if s.Num == 3 {
					c.Name = string(s.Bytes)
				}
				return nil
			})
		case 3:
			c.Role = int(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Channel: %w", err)
	}
	return c, nil
}

func parseLogRecord(b []byte) (*LogRecord, error) {
	r := &LogRecord{}
	err := wire.Fields(b, func(f wire.Field) error {
		if f.Num == 1 {
			r.Message = string(f.Bytes)
		}
		return nil
	})
	return r, err
}

func ParseRouting(b []byte) (*Routing, error) {
	r := &Routing{}
	err := wire.Fields(b, func(f wire.Field) error {
		if f.Num == 3 {
			r.ErrorReason = uint32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Routing: %w", err)
	}
	return r, nil
}

// ============================================================================
// ToRadio builders
// ============================================================================

// BuildWantConfig starts the config download; the radio answers with its
// node DB and a config_complete_id equal to id.
func BuildWantConfig(id uint32) []byte {
	b := protowire.AppendTag(nil, 3, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}

// BuildText wraps text in Data, MeshPacket and ToRadio.
func BuildText(text string, to, channel, id uint32, wantAck bool) []byte {
	var data []byte
	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, PortNumTextMessage)
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte(text))

	var pkt []byte
	pkt = protowire.AppendTag(pkt, 2, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, to)
	if channel > 0 {
		pkt = protowire.AppendTag(pkt, 3, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(channel))
	}
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, 6, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, id)
	pkt = protowire.AppendTag(pkt, 9, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, defaultHopLimit)
	if wantAck {
		pkt = protowire.AppendTag(pkt, 10, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, 1)
	}

	out := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(out, pkt)
}
