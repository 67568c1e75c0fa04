package directory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"xcom-meshd/internal/store"
)

// Position is the last known fix of a node.
type Position struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Altitude int32     `json:"altitude,omitempty"`
	Source   string    `json:"source"` // "position", "advert", "tak", "self"
	Time     time.Time `json:"time"`
}

// Telemetry is the last reported device health.
type Telemetry struct {
	Battery            *uint32  `json:"battery,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64 `json:"air_util_tx,omitempty"`
	UptimeSeconds      *uint32  `json:"uptime_seconds,omitempty"`
}

// NodeRecord is everything known about one mesh node. Upserts merge: zero
// and nil fields in the update leave the stored value alone.
type NodeRecord struct {
	Num       uint32     `json:"num"`
	ID        string     `json:"id,omitempty"`
	Family    string     `json:"family,omitempty"`
	LongName  string     `json:"long_name,omitempty"`
	ShortName string     `json:"short_name,omitempty"`
	HWModel   string     `json:"hw_model,omitempty"`
	LastSeen  time.Time  `json:"last_seen"`
	Position  *Position  `json:"position,omitempty"`
	SNR       *float64   `json:"snr,omitempty"`
	RSSI      *int32     `json:"rssi,omitempty"`
	HopsAway  *uint32    `json:"hops_away,omitempty"`
	Telemetry *Telemetry `json:"telemetry,omitempty"`
}

func (n *NodeRecord) merge(u NodeRecord) {
	if u.ID != "" {
		n.ID = u.ID
	}
	if u.Family != "" {
		n.Family = u.Family
	}
	if u.LongName != "" {
		n.LongName = u.LongName
	}
	if u.ShortName != "" {
		n.ShortName = u.ShortName
	}
	if u.HWModel != "" {
		n.HWModel = u.HWModel
	}
	if u.LastSeen.After(n.LastSeen) {
		n.LastSeen = u.LastSeen
	}
	if u.Position != nil {
		p := *u.Position
		n.Position = &p
	}
	if u.SNR != nil {
		n.SNR = u.SNR
	}
	if u.RSSI != nil {
		n.RSSI = u.RSSI
	}
	if u.HopsAway != nil {
		n.HopsAway = u.HopsAway
	}
	if u.Telemetry != nil {
		if n.Telemetry == nil {
			n.Telemetry = &Telemetry{}
		}
		t := u.Telemetry
		if t.Battery != nil {
			n.Telemetry.Battery = t.Battery
		}
		if t.Voltage != nil {
			n.Telemetry.Voltage = t.Voltage
		}
		if t.ChannelUtilization != nil {
			n.Telemetry.ChannelUtilization = t.ChannelUtilization
		}
		if t.AirUtilTx != nil {
			n.Telemetry.AirUtilTx = t.AirUtilTx
		}
		if t.UptimeSeconds != nil {
			n.Telemetry.UptimeSeconds = t.UptimeSeconds
		}
	}
}

// nodeFlushDelay coalesces node writes: every mesh packet touches a node,
// so Upsert only marks the set dirty and one write follows within this
// window.
const nodeFlushDelay = 2 * time.Second

// Nodes is the NodeDirectory: node records keyed by node number, pruned to
// the most recently seen.
type Nodes struct {
	p          *persister
	now        func() time.Time
	flushDelay time.Duration

	mu    sync.RWMutex
	limit int
	nodes map[uint32]*NodeRecord
	dirty bool
	flush *time.Timer
}

func NewNodes(kv store.KV, limit int, log *zap.Logger) *Nodes {
	return &Nodes{
		p:          newPersister(kv, "nodes", log),
		now:        time.Now,
		flushDelay: nodeFlushDelay,
		limit:      limit,
		nodes:      make(map[uint32]*NodeRecord),
	}
}

// Load replaces the in-memory set with the persisted one.
func (d *Nodes) Load(ctx context.Context) error {
	var list []NodeRecord
	if err := d.p.load(ctx, &list); err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = make(map[uint32]*NodeRecord, len(list))
	for i := range list {
		n := list[i]
		d.nodes[n.Num] = &n
	}
	d.pruneLocked()
	return nil
}

// Upsert merges rec into the directory. A zero LastSeen means now. The write
// to the store is deferred; see Flush.
func (d *Nodes) Upsert(rec NodeRecord) NodeRecord {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = d.now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[rec.Num]
	if !ok {
		n = &NodeRecord{Num: rec.Num}
		d.nodes[rec.Num] = n
	}
	n.merge(rec)
	out := *n
	d.pruneLocked()
	d.dirty = true
	if d.flush == nil {
		d.flush = time.AfterFunc(d.flushDelay, d.Flush)
	}
	return out
}

// Flush writes pending changes now. It is a no-op when nothing changed
// since the last write.
func (d *Nodes) Flush() {
	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return
	}
	list, seq := d.takeLocked()
	d.mu.Unlock()
	d.p.save(seq, list)
}

// takeLocked snapshots the set for writing and clears the dirty mark.
func (d *Nodes) takeLocked() ([]NodeRecord, uint64) {
	d.dirty = false
	if d.flush != nil {
		d.flush.Stop()
		d.flush = nil
	}
	return d.listLocked(), d.p.stamp()
}

func (d *Nodes) Get(num uint32) (NodeRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[num]
	if !ok {
		return NodeRecord{}, false
	}
	return *n, true
}

// List returns every node, most recently seen first.
func (d *Nodes) List() []NodeRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked()
}

func (d *Nodes) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// Clear empties the set and writes through immediately.
func (d *Nodes) Clear() {
	d.mu.Lock()
	d.nodes = make(map[uint32]*NodeRecord)
	list, seq := d.takeLocked()
	d.mu.Unlock()
	d.p.save(seq, list)
}

// SetLimit changes the bound and prunes immediately.
func (d *Nodes) SetLimit(limit int) {
	d.mu.Lock()
	d.limit = limit
	before := len(d.nodes)
	d.pruneLocked()
	if len(d.nodes) == before && !d.dirty {
		d.mu.Unlock()
		return
	}
	list, seq := d.takeLocked()
	d.mu.Unlock()
	d.p.save(seq, list)
}

func (d *Nodes) listLocked() []NodeRecord {
	out := make([]NodeRecord, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, *n)
	}
	slices.SortFunc(out, func(a, b NodeRecord) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.Num, b.Num)
	})
	return out
}

func (d *Nodes) pruneLocked() {
	if d.limit <= 0 || len(d.nodes) <= d.limit {
		return
	}
	for _, n := range d.listLocked()[d.limit:] {
		delete(d.nodes, n.Num)
	}
}
