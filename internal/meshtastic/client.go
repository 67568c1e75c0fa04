// Package meshtastic is a BLE client for Meshtastic radios. It runs the
// want_config handshake, decodes FromRadio traffic and fans it out to typed
// listener callbacks.
package meshtastic

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"xcom-meshd/internal/ble"
	"xcom-meshd/internal/decode"
	"xcom-meshd/internal/linkerr"
)

// DeviceStatus follows the Meshtastic client status codes.
type DeviceStatus int

const (
	StatusRestarting   DeviceStatus = 1
	StatusDisconnected DeviceStatus = 2
	StatusConnecting   DeviceStatus = 3
	StatusReconnecting DeviceStatus = 4
	StatusConnected    DeviceStatus = 5
	StatusConfiguring  DeviceStatus = 6
	StatusConfigured   DeviceStatus = 7
)

// MaxTextLen is the longest text payload a single packet carries.
const MaxTextLen = 228

const (
	defaultConfigTimeout = 15 * time.Second
	pollInterval         = time.Second
	maxDrain             = 100
)

// TextMessage is a decoded TEXT_MESSAGE_APP packet.
type TextMessage struct {
	Packet *MeshPacket
	Text   string
}

// Listeners receive decoded traffic. Nil callbacks are skipped. Callbacks run
// on the client's reader goroutine and must not block.
type Listeners struct {
	DeviceStatus func(DeviceStatus)
	MyNodeInfo   func(MyNodeInfo)
	NodeInfo     func(NodeInfo)
	User         func(from uint32, u User)
	Position     func(from uint32, p Position, pkt *MeshPacket)
	Telemetry    func(from uint32, m DeviceMetrics)
	Text         func(TextMessage)
	Channel      func(Channel)
	LogRecord    func(LogRecord)
	Routing      func(from uint32, r Routing)
	TAK          func(from uint32, p *decode.TAKPacket)
	Packet       func(*MeshPacket)
}

// Client owns one Meshtastic BLE session.
type Client struct {
	log  *zap.Logger
	link ble.Link
	on   Listeners

	// ConfigTimeout bounds the wait for config_complete_id.
	ConfigTimeout time.Duration

	mu         sync.Mutex
	status     DeviceStatus
	myNodeNum  uint32
	configID   uint32
	configDone chan struct{}
	stop       chan struct{}
	readerDone chan struct{}
}

func NewClient(link ble.Link, on Listeners, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log:           log,
		link:          link,
		on:            on,
		ConfigTimeout: defaultConfigTimeout,
		status:        StatusDisconnected,
	}
}

// Status returns the last reported device status.
func (c *Client) Status() DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// MyNodeNum returns the local node number once MyNodeInfo has arrived.
func (c *Client) MyNodeNum() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.myNodeNum
}

// Link exposes the underlying BLE link.
func (c *Client) Link() ble.Link { return c.link }

func (c *Client) setStatus(s DeviceStatus) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	if c.on.DeviceStatus != nil {
		c.on.DeviceStatus(s)
	}
}

// Connect brings the link up and downloads the node DB. A config timeout
// returns a Timeout error with the link left up, so the caller can decide
// whether a partial node DB is acceptable.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	if err := c.link.Connect(ctx); err != nil {
		c.setStatus(StatusDisconnected)
		return err
	}
	c.setStatus(StatusConnected)

	c.mu.Lock()
	c.configID = rand.Uint32() | 1
	c.configDone = make(chan struct{})
	c.stop = make(chan struct{})
	c.readerDone = make(chan struct{})
	id, done, stop := c.configID, c.configDone, c.stop
	c.mu.Unlock()

	go c.readerLoop(stop)

	c.setStatus(StatusConfiguring)
	if err := c.link.Write(ctx, BuildWantConfig(id)); err != nil {
		return fmt.Errorf("send want_config_id: %w", err)
	}

	timer := time.NewTimer(c.ConfigTimeout)
	defer timer.Stop()
	select {
	case <-done:
		c.setStatus(StatusConfigured)
		return nil
	case <-timer.C:
		c.log.Warn("config download timed out", zap.Duration("timeout", c.ConfigTimeout))
		return linkerr.Timeout("config")
	case <-c.link.Done():
		return linkerr.NotConnected("config")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the reader and closes the link.
func (c *Client) Disconnect() {
	c.mu.Lock()
	stop, readerDone := c.stop, c.readerDone
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	_ = c.link.Close()
	if readerDone != nil {
		<-readerDone
	}
	c.setStatus(StatusDisconnected)
}

// SendText queues a text packet and returns its packet ID. to is a node
// number or BroadcastAddr.
func (c *Client) SendText(ctx context.Context, text string, to, channel uint32, wantAck bool) (uint32, error) {
	if len(text) == 0 {
		return 0, linkerr.Malformed("empty text")
	}
	if len(text) > MaxTextLen {
		return 0, linkerr.Malformed("text is %d bytes, limit %d", len(text), MaxTextLen)
	}
	if !c.link.Connected() {
		return 0, linkerr.NotConnected("send")
	}
	id := rand.Uint32() | 1
	if err := c.link.Write(ctx, BuildText(text, to, channel, id, wantAck)); err != nil {
		return 0, err
	}
	return id, nil
}

// readerLoop drains fromRadio on every fromNum notification, and on a poll
// interval for radios that do not notify reliably.
func (c *Client) readerLoop(stop <-chan struct{}) {
	c.mu.Lock()
	readerDone := c.readerDone
	c.mu.Unlock()
	defer close(readerDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
		case <-c.link.Done():
		}
		cancel()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	c.drain(ctx)
	for {
		select {
		case <-stop:
			return
		case <-c.link.Done():
			c.log.Info("link lost")
			c.setStatus(StatusDisconnected)
			return
		case <-c.link.Notifications():
			c.drain(ctx)
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

func (c *Client) drain(ctx context.Context) {
	for i := 0; i < maxDrain; i++ {
		data, err := c.link.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("fromRadio read failed", zap.Error(err))
			}
			return
		}
		if len(data) == 0 {
			return
		}
		c.handleFromRadio(data)
	}
}

func (c *Client) handleFromRadio(data []byte) {
	fr, err := ParseFromRadio(data)
	if err != nil {
		c.log.Warn("dropping undecodable FromRadio", zap.Error(err), zap.Int("len", len(data)))
		return
	}

	switch {
	case fr.MyInfo != nil:
		c.mu.Lock()
		c.myNodeNum = fr.MyInfo.MyNodeNum
		c.mu.Unlock()
		c.log.Debug("my node", zap.String("node", NodeIDStr(fr.MyInfo.MyNodeNum)))
		if c.on.MyNodeInfo != nil {
			c.on.MyNodeInfo(*fr.MyInfo)
		}

	case fr.NodeInfo != nil:
		if c.on.NodeInfo != nil {
			c.on.NodeInfo(*fr.NodeInfo)
		}

	case fr.Channel != nil:
		if c.on.Channel != nil {
			c.on.Channel(*fr.Channel)
		}

	case fr.LogRecord != nil:
		if c.on.LogRecord != nil {
			c.on.LogRecord(*fr.LogRecord)
		}

	case fr.Rebooted:
		c.setStatus(StatusRestarting)

	case fr.ConfigCompleteID != 0:
		c.mu.Lock()
		if fr.ConfigCompleteID == c.configID && c.configDone != nil {
			close(c.configDone)
			c.configDone = nil
		}
		c.mu.Unlock()

	case fr.Packet != nil:
		c.handlePacket(fr.Packet)
	}
}

func (c *Client) handlePacket(pkt *MeshPacket) {
	if c.on.Packet != nil {
		c.on.Packet(pkt)
	}
	if !pkt.Decoded {
		return // encrypted for a channel we do not hold
	}

	switch pkt.PortNum {
	case PortNumTextMessage:
		if c.on.Text != nil && len(pkt.Payload) > 0 {
			c.on.Text(TextMessage{Packet: pkt, Text: string(pkt.Payload)})
		}

	case PortNumPosition:
		pos, err := ParsePosition(pkt.Payload)
		if err != nil {
			c.log.Debug("bad position payload", zap.Error(err))
			return
		}
		if c.on.Position != nil {
			c.on.Position(pkt.From, *pos, pkt)
		}

	case PortNumNodeInfo:
		u, err := ParseUser(pkt.Payload)
		if err != nil {
			c.log.Debug("bad user payload", zap.Error(err))
			return
		}
		if c.on.User != nil {
			c.on.User(pkt.From, *u)
		}

	case PortNumTelemetry:
		dm, err := ParseTelemetry(pkt.Payload)
		if err != nil || dm == nil {
			return
		}
		if c.on.Telemetry != nil {
			c.on.Telemetry(pkt.From, *dm)
		}

	case PortNumRouting:
		r, err := ParseRouting(pkt.Payload)
		if err != nil {
			return
		}
		r.RequestID = pkt.RequestID
		if c.on.Routing != nil {
			c.on.Routing(pkt.From, *r)
		}

	case PortNumATAKPlugin:
		if p := decode.ParseTAKPacket(pkt.Payload); p != nil && c.on.TAK != nil {
			c.on.TAK(pkt.From, p)
		}
	}
}
