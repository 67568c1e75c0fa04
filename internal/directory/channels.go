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

// ChannelRecord is one channel slot of a radio family.
type ChannelRecord struct {
	Index   int       `json:"index"`
	Name    string    `json:"name"`
	Role    string    `json:"role,omitempty"`
	Updated time.Time `json:"updated"`
}

// Channels is the ChannelDirectory: one list per driver family, sorted by
// index and bounded to the lowest limit indices.
type Channels struct {
	kv  store.KV
	log *zap.Logger

	mu       sync.RWMutex
	limit    int
	families map[string][]ChannelRecord
	ps       map[string]*persister
}

func NewChannels(kv store.KV, limit int, log *zap.Logger) *Channels {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channels{
		kv:       kv,
		log:      log,
		limit:    limit,
		families: make(map[string][]ChannelRecord),
		ps:       make(map[string]*persister),
	}
}

// persisterLocked returns the family's persister. d.mu must be held.
func (d *Channels) persisterLocked(family string) *persister {
	p, ok := d.ps[family]
	if !ok {
		p = newPersister(d.kv, "channels."+family, d.log)
		d.ps[family] = p
	}
	return p
}

// Load reads the persisted lists of the given families.
func (d *Channels) Load(ctx context.Context, families ...string) error {
	for _, f := range families {
		var list []ChannelRecord
		d.mu.Lock()
		p := d.persisterLocked(f)
		d.mu.Unlock()
		if err := p.load(ctx, &list); err != nil {
			return fmt.Errorf("load channels.%s: %w", f, err)
		}
		d.mu.Lock()
		d.families[f] = d.normalize(list)
		d.mu.Unlock()
	}
	return nil
}

// Upsert inserts or replaces the record with the same index.
func (d *Channels) Upsert(family string, rec ChannelRecord) {
	if rec.Updated.IsZero() {
		rec.Updated = time.Now()
	}
	d.mu.Lock()
	list := slices.Clone(d.families[family])
	if i := slices.IndexFunc(list, func(c ChannelRecord) bool { return c.Index == rec.Index }); i >= 0 {
		list[i] = rec
	} else {
		list = append(list, rec)
	}
	list = d.normalize(list)
	d.families[family] = list
	p := d.persisterLocked(family)
	seq := p.stamp()
	d.mu.Unlock()

	p.save(seq, list)
}

// Import replaces the family's list wholesale. Later duplicates of an index
// win.
func (d *Channels) Import(family string, recs []ChannelRecord) []ChannelRecord {
	var list []ChannelRecord
	now := time.Now()
	for _, r := range recs {
		if r.Updated.IsZero() {
			r.Updated = now
		}
		if i := slices.IndexFunc(list, func(c ChannelRecord) bool { return c.Index == r.Index }); i >= 0 {
			list[i] = r
			continue
		}
		list = append(list, r)
	}
	d.mu.Lock()
	list = d.normalize(list)
	d.families[family] = list
	p := d.persisterLocked(family)
	seq := p.stamp()
	d.mu.Unlock()

	p.save(seq, list)
	return slices.Clone(list)
}

func (d *Channels) List(family string) []ChannelRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.families[family])
}

func (d *Channels) Clear(family string) {
	d.mu.Lock()
	delete(d.families, family)
	p := d.persisterLocked(family)
	seq := p.stamp()
	d.mu.Unlock()
	p.save(seq, []ChannelRecord{})
}

func (d *Channels) SetLimit(limit int) {
	d.mu.Lock()
	d.limit = limit
	type pending struct {
		p    *persister
		seq  uint64
		list []ChannelRecord
	}
	var saves []pending
	for f, list := range d.families {
		if n := d.normalize(list); len(n) != len(list) {
			d.families[f] = n
			p := d.persisterLocked(f)
			saves = append(saves, pending{p, p.stamp(), n})
		}
	}
	d.mu.Unlock()
	for _, s := range saves {
		s.p.save(s.seq, s.list)
	}
}

func (d *Channels) normalize(list []ChannelRecord) []ChannelRecord {
	list = slices.DeleteFunc(list, func(c ChannelRecord) bool { return c.Index < 0 })
	slices.SortStableFunc(list, func(a, b ChannelRecord) int { return cmp.Compare(a.Index, b.Index) })
	if d.limit > 0 && len(list) > d.limit {
		list = list[:d.limit]
	}
	if list == nil {
		list = []ChannelRecord{}
	}
	return list
}
