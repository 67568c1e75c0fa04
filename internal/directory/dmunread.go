package directory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"xcom-meshd/internal/store"
)

// DmUnreadEntry counts unread direct messages from one peer.
type DmUnreadEntry struct {
	LastTimestamp time.Time `json:"last_ts"`
	Count         int       `json:"count"`
}

// DmUnread is the DmUnreadIndex, keyed by peer identity and pruned by
// recency.
type DmUnread struct {
	p *persister

	mu    sync.RWMutex
	limit int
	peers map[string]DmUnreadEntry
}

func NewDmUnread(kv store.KV, limit int, log *zap.Logger) *DmUnread {
	return &DmUnread{p: newPersister(kv, "dm_unread", log), limit: limit, peers: make(map[string]DmUnreadEntry)}
}

func (d *DmUnread) Load(ctx context.Context) error {
	m := map[string]DmUnreadEntry{}
	if err := d.p.load(ctx, &m); err != nil {
		return fmt.Errorf("load dm_unread: %w", err)
	}
	d.mu.Lock()
	d.peers = m
	d.pruneLocked()
	d.mu.Unlock()
	return nil
}

// Increment bumps the unread count for peer. An older ts does not move the
// peer's last timestamp backwards.
func (d *DmUnread) Increment(peer string, ts time.Time) DmUnreadEntry {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return DmUnreadEntry{}
	}
	d.mu.Lock()
	e := d.peers[peer]
	e.Count++
	if ts.After(e.LastTimestamp) {
		e.LastTimestamp = ts
	}
	d.peers[peer] = e
	d.pruneLocked()
	snap, seq := maps.Clone(d.peers), d.p.stamp()
	d.mu.Unlock()

	d.p.save(seq, snap)
	return e
}

// MarkRead drops peer's entry. It reports whether there was one.
func (d *DmUnread) MarkRead(peer string) bool {
	d.mu.Lock()
	_, ok := d.peers[peer]
	delete(d.peers, peer)
	snap, seq := maps.Clone(d.peers), d.p.stamp()
	d.mu.Unlock()
	if ok {
		d.p.save(seq, snap)
	}
	return ok
}

func (d *DmUnread) Clear() {
	d.mu.Lock()
	d.peers = make(map[string]DmUnreadEntry)
	seq := d.p.stamp()
	d.mu.Unlock()
	d.p.save(seq, map[string]DmUnreadEntry{})
}

func (d *DmUnread) Snapshot() map[string]DmUnreadEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.peers)
}

func (d *DmUnread) SetLimit(limit int) {
	d.mu.Lock()
	d.limit = limit
	before := len(d.peers)
	d.pruneLocked()
	pruned := len(d.peers) != before
	snap, seq := maps.Clone(d.peers), d.p.stamp()
	d.mu.Unlock()
	if pruned {
		d.p.save(seq, snap)
	}
}

func (d *DmUnread) pruneLocked() {
	if d.limit <= 0 || len(d.peers) <= d.limit {
		return
	}
	peers := slices.Collect(maps.Keys(d.peers))
	slices.SortFunc(peers, func(a, b string) int {
		if c := d.peers[b].LastTimestamp.Compare(d.peers[a].LastTimestamp); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	for _, p := range peers[d.limit:] {
		delete(d.peers, p)
	}
}
