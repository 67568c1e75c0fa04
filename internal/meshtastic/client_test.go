package meshtastic

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"xcom-meshd/internal/ble/bletest"
	"xcom-meshd/internal/linkerr"
	"xcom-meshd/internal/wire"
)

func field(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func varintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func fixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func nodeInfoFrame(num uint32, long, short string) []byte {
	var user []byte
	user = field(user, 1, []byte(NodeIDStr(num)))
	user = field(user, 2, []byte(long))
	user = field(user, 3, []byte(short))
	user = varintField(user, 5, 9)

	var ni []byte
	ni = varintField(ni, 1, uint64(num))
	ni = field(ni, 2, user)
	ni = fixed32Field(ni, 4, math.Float32bits(6.25))
	ni = fixed32Field(ni, 5, 1_700_000_000)
	return field(nil, 4, ni)
}

func packetFrame(from uint32, portnum int, payload []byte) []byte {
	var data []byte
	data = varintField(data, 1, uint64(portnum))
	data = field(data, 2, payload)

	var pkt []byte
	pkt = fixed32Field(pkt, 1, from)
	pkt = fixed32Field(pkt, 2, BroadcastAddr)
	pkt = field(pkt, 4, data)
	pkt = fixed32Field(pkt, 6, 77)
	pkt = fixed32Field(pkt, 8, math.Float32bits(-3.5))
	pkt = varintField(pkt, 15, 3)
	return field(nil, 2, pkt)
}

// wantConfigID extracts want_config_id from a ToRadio write, or 0.
func wantConfigID(b []byte) uint32 {
	var id uint32
	_ = wire.Fields(b, func(f wire.Field) error {
		if f.Num == 3 {
			id = uint32(f.Varint)
		}
		return nil
	})
	return id
}

// radio answers want_config with a small node DB.
func radio(l *bletest.Link, data []byte) {
	id := wantConfigID(data)
	if id == 0 {
		return
	}
	l.QueueRead(field(nil, 3, varintField(nil, 1, 0x1234)))
	l.QueueRead(nodeInfoFrame(0xA1, "Alpha Base", "ALB"))
	l.QueueRead(varintField(nil, 7, uint64(id)))
	l.Notify([]byte{1, 0, 0, 0})
}

type recorded struct {
	mu       sync.Mutex
	statuses []DeviceStatus
	nodes    []NodeInfo
	texts    []TextMessage
	pos      []Position
}

func (r *recorded) listeners() Listeners {
	return Listeners{
		DeviceStatus: func(s DeviceStatus) { r.mu.Lock(); r.statuses = append(r.statuses, s); r.mu.Unlock() },
		NodeInfo:     func(n NodeInfo) { r.mu.Lock(); r.nodes = append(r.nodes, n); r.mu.Unlock() },
		Text:         func(m TextMessage) { r.mu.Lock(); r.texts = append(r.texts, m); r.mu.Unlock() },
		Position: func(_ uint32, p Position, _ *MeshPacket) {
			r.mu.Lock()
			r.pos = append(r.pos, p)
			r.mu.Unlock()
		},
	}
}

func TestConnectDownloadsConfig(t *testing.T) {
	link := bletest.NewLink("AA:BB:CC:DD:EE:01")
	link.OnWrite = radio
	rec := &recorded{}
	c := NewClient(link, rec.listeners(), nil)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.Equal(t, StatusConfigured, c.Status())
	assert.Equal(t, uint32(0x1234), c.MyNodeNum())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []DeviceStatus{StatusConnecting, StatusConnected, StatusConfiguring, StatusConfigured}, rec.statuses)
	require.Len(t, rec.nodes, 1)
	assert.Equal(t, "Alpha Base", rec.nodes[0].User.LongName)
	assert.Equal(t, uint32(9), rec.nodes[0].User.HWModel)
	assert.InDelta(t, 6.25, rec.nodes[0].SNR, 1e-6)
}

func TestConnectConfigTimeoutKeepsLink(t *testing.T) {
	link := bletest.NewLink("AA:BB:CC:DD:EE:02")
	c := NewClient(link, Listeners{}, nil)
	c.ConfigTimeout = 30 * time.Millisecond

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, linkerr.ErrTimeout))
	assert.True(t, link.Connected())
	assert.Equal(t, StatusConfiguring, c.Status())
	c.Disconnect()
	assert.False(t, link.Connected())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnectFailure(t *testing.T) {
	link := bletest.NewLink("AA:BB:CC:DD:EE:03")
	link.ConnectErr = linkerr.DeviceUnavailable("out of range")
	c := NewClient(link, Listeners{}, nil)

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, linkerr.ErrDeviceUnavailable))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestPacketsReachListeners(t *testing.T) {
	link := bletest.NewLink("AA:BB:CC:DD:EE:04")
	link.OnWrite = radio
	rec := &recorded{}
	c := NewClient(link, rec.listeners(), nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	var pos []byte
	lat, lon := int32(-337_000_000), int32(1_512_000_000)
	pos = fixed32Field(pos, 1, uint32(lat))
	pos = fixed32Field(pos, 2, uint32(lon))
	pos = varintField(pos, 3, 12)

	link.QueueRead(packetFrame(0xB2, PortNumTextMessage, []byte("hello mesh")))
	link.QueueRead(packetFrame(0xB2, PortNumPosition, pos))
	link.Notify([]byte{2, 0, 0, 0})

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.texts) == 1 && len(rec.pos) == 1
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	msg := rec.texts[0]
	assert.Equal(t, "hello mesh", msg.Text)
	assert.Equal(t, uint32(0xB2), msg.Packet.From)
	assert.Equal(t, BroadcastAddr, msg.Packet.To)
	assert.Equal(t, uint32(77), msg.Packet.ID)
	assert.InDelta(t, -3.5, msg.Packet.RxSNR, 1e-6)
	assert.True(t, rec.pos[0].HasFix)
	assert.InDelta(t, -33.7, rec.pos[0].Lat, 1e-9)
	assert.Equal(t, int32(12), rec.pos[0].Altitude)
}

func TestLinkLossReportsDisconnected(t *testing.T) {
	link := bletest.NewLink("AA:BB:CC:DD:EE:05")
	link.OnWrite = radio
	c := NewClient(link, Listeners{}, nil)
	require.NoError(t, c.Connect(context.Background()))

	link.Drop()
	require.Eventually(t, func() bool { return c.Status() == StatusDisconnected }, time.Second, 5*time.Millisecond)
	c.Disconnect()
}

func TestSendText(t *testing.T) {
	link := bletest.NewLink("AA:BB:CC:DD:EE:06")
	link.OnWrite = radio
	c := NewClient(link, Listeners{}, nil)

	_, err := c.SendText(context.Background(), "hi", BroadcastAddr, 0, false)
	assert.True(t, errors.Is(err, linkerr.ErrNotConnected))

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	_, err = c.SendText(context.Background(), string(make([]byte, MaxTextLen+1)), BroadcastAddr, 0, false)
	assert.True(t, errors.Is(err, linkerr.ErrMalformed))

	id, err := c.SendText(context.Background(), "copy that", 0xB2, 2, true)
	require.NoError(t, err)
	assert.NotZero(t, id)

	writes := link.Writes()
	last := writes[len(writes)-1]
	// ToRadio.packet(1) wraps the MeshPacket
	num, typ, next, err := wire.Tag(last, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, num)
	assert.Equal(t, wire.BytesType, typ)
	inner, _, err := wire.Bytes(last, next)
	require.NoError(t, err)

	pkt, err := ParseMeshPacket(inner)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xB2), pkt.To)
	assert.Equal(t, uint32(2), pkt.Channel)
	assert.Equal(t, id, pkt.ID)
	assert.True(t, pkt.WantAck)
	assert.Equal(t, PortNumTextMessage, pkt.PortNum)
	assert.Equal(t, []byte("copy that"), pkt.Payload)
	assert.Equal(t, uint32(defaultHopLimit), pkt.HopLimit)
}
