package transport

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"xcom-meshd/internal/directory"
	"xcom-meshd/internal/driver"
)

// pump drains one driver's events until the driver closes the stream.
// Events from a driver that is no longer current are dropped.
func (f *Facade) pump(d driver.Driver, gen uint64) {
	family := d.Family()
	for ev := range d.Events() {
		if !f.current(gen) {
			continue
		}
		f.handle(ev, gen, family)
	}
}

func (f *Facade) current(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen == gen
}

// handle turns one driver event into directory writes, traffic lines and
// subscriber updates. The facade is the only writer of the directories.
func (f *Facade) handle(ev driver.Event, gen uint64, family string) {
	switch ev.Kind {
	case driver.KindStatus:
		f.handleStatus(ev.Status, gen)

	case driver.KindLog:
		kind := directory.KindInfo
		if ev.Log.Level == driver.LevelWarn {
			kind = directory.KindWarn
		}
		f.appendTraffic(kind, ev.Log.Text, directory.StatusNone)

	case driver.KindDeviceInfo:
		f.mu.Lock()
		if f.gen == gen {
			dev := *ev.Device
			f.st.Device = &dev
		}
		f.mu.Unlock()
		f.publishStatus()

	case driver.KindNode:
		n := ev.Node
		if n.Num == 0 {
			return
		}
		f.upsertNode(directory.NodeRecord{
			Num:       n.Num,
			ID:        n.ID,
			Family:    family,
			LongName:  n.LongName,
			ShortName: n.ShortName,
			HWModel:   n.HWModel,
			LastSeen:  n.LastHeard,
			SNR:       n.SNR,
			RSSI:      n.RSSI,
			HopsAway:  n.HopsAway,
		})

	case driver.KindPosition:
		p := ev.Position
		if p.Num == 0 {
			return
		}
		f.upsertNode(directory.NodeRecord{Num: p.Num, Family: family, Position: &directory.Position{
			Lat: p.Lat, Lon: p.Lon, Altitude: p.Altitude, Source: p.Source, Time: p.Time,
		}})

	case driver.KindTelemetry:
		t := ev.Telemetry
		if t.Num == 0 {
			return
		}
		f.upsertNode(directory.NodeRecord{Num: t.Num, Family: family, Telemetry: &directory.Telemetry{
			Battery:            t.Battery,
			Voltage:            t.Voltage,
			ChannelUtilization: t.ChannelUtilization,
			AirUtilTx:          t.AirUtilTx,
			UptimeSeconds:      t.UptimeSeconds,
		}})

	case driver.KindMessage:
		f.handleMessage(ev.Message, family)

	case driver.KindBinary:
		b := ev.Binary
		f.appendTraffic(directory.KindInfo, fmt.Sprintf("Binary payload from %s (%d bytes)", b.From, len(b.Data)), directory.StatusNone)
		f.publish(Update{Type: UpdateBinary, Binary: &Binary{Family: family, From: b.From, Data: b.Data}})

	case driver.KindChannel:
		c := ev.Channel
		rec := directory.ChannelRecord{Index: c.Index, Name: c.Name, Role: c.Role}
		f.channels.Upsert(family, rec)
		f.publish(Update{Type: UpdateChannel, Channel: &ChannelUpdate{Family: family, ChannelRecord: rec}})

	case driver.KindAck:
		f.handleAck(ev.Ack)
	}
}

func (f *Facade) handleStatus(s driver.Status, gen uint64) {
	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return
	}
	f.st.DeviceStatus = s.String()
	f.st.LinkConnected = s.IsReady()
	// A ready status only counts once Connect has returned; the radio
	// reports ready before its handshake finishes.
	ready := s.IsReady() && f.live
	retry := false
	if s == driver.StatusDisconnected {
		// Only a session that came up is worth retrying; a failed connect
		// reports its own error.
		retry = f.live
		f.live = false
		if retry {
			f.st.LastError = "Device disconnected"
		}
	}
	f.mu.Unlock()

	switch {
	case ready:
		f.rc.MarkReady()
	case retry:
		f.log.Info("link lost")
		if !f.rc.ScheduleRetry("Device disconnected") {
			f.appendTraffic(directory.KindWarn, "Device disconnected", directory.StatusNone)
		}
	}
	f.publishStatus()
}

func (f *Facade) handleMessage(m *driver.Message, family string) {
	line := fmt.Sprintf("[ch %d] %s: %s", m.Channel, m.From, m.Text)
	if m.Direct {
		line = fmt.Sprintf("[from %s] %s", m.From, m.Text)
	}
	f.appendTraffic(directory.KindIn, line, directory.StatusNone)

	if m.FromNum != 0 {
		f.upsertNode(directory.NodeRecord{Num: m.FromNum, Family: family, LastSeen: m.Time, SNR: m.SNR})
	}
	if m.Direct {
		f.dm.Increment(m.From, m.Time)
		f.publish(Update{Type: UpdateDmUnread, DmUnread: f.dm.Snapshot()})
	}
	f.publish(Update{Type: UpdateMessage, Message: &Message{
		Family:  family,
		From:    m.From,
		FromNum: m.FromNum,
		Direct:  m.Direct,
		Channel: m.Channel,
		Text:    m.Text,
		Time:    m.Time,
		SNR:     m.SNR,
	}})
}

func (f *Facade) handleAck(a *driver.Ack) {
	id, ok := f.takeAck(a.PacketID)
	if !ok {
		return
	}
	if a.OK {
		f.updateTraffic(id, directory.StatusOK, "")
		return
	}
	f.updateTraffic(id, directory.StatusError, "")
	f.appendTraffic(directory.KindWarn, fmt.Sprintf("Delivery failed: %s", a.Reason), directory.StatusNone)
}

func (f *Facade) upsertNode(rec directory.NodeRecord) {
	n := f.nodes.Upsert(rec)
	f.publish(Update{Type: UpdateNode, Node: &n})
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

// Subscribe registers fn for every Update. fn runs synchronously on the
// goroutine that caused the change and must not block. A panicking fn is
// logged and does not affect other subscribers.
func (f *Facade) Subscribe(fn func(Update)) (unsubscribe func()) {
	f.obsMu.Lock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = fn
	f.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.obsMu.Lock()
			delete(f.observers, id)
			f.obsMu.Unlock()
		})
	}
}

func (f *Facade) publish(u Update) {
	f.obsMu.RLock()
	fns := make([]func(Update), 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.obsMu.RUnlock()

	for _, fn := range fns {
		f.notify(fn, u)
	}
}

func (f *Facade) notify(fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("subscriber panicked", zap.Any("panic", r), zap.String("update", u.Type))
		}
	}()
	fn(u)
}

func (f *Facade) publishStatus() {
	s := f.status()
	f.publish(Update{Type: UpdateStatus, Status: &s})
}
