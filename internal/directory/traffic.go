package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xcom-meshd/internal/store"
)

// Entry kinds.
const (
	KindIn   = "in"
	KindOut  = "out"
	KindSys  = "sys"
	KindInfo = "info"
	KindWarn = "warn"
)

// Entry statuses. Most entries carry none.
const (
	StatusNone    = ""
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Entry is one TrafficLog line.
type Entry struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Text   string    `json:"text"`
	Status string    `json:"status,omitempty"`
}

// Traffic is the TrafficLog: a capacity-bounded ring of entries, oldest
// first.
type Traffic struct {
	p *persister

	mu      sync.RWMutex
	limit   int
	entries []Entry
}

func NewTraffic(kv store.KV, limit int, log *zap.Logger) *Traffic {
	return &Traffic{p: newPersister(kv, "traffic", log), limit: limit}
}

func (t *Traffic) Load(ctx context.Context) error {
	var list []Entry
	if err := t.p.load(ctx, &list); err != nil {
		return fmt.Errorf("load traffic: %w", err)
	}
	t.mu.Lock()
	t.entries = list
	t.trimLocked()
	t.mu.Unlock()
	return nil
}

// Append adds an entry and evicts the oldest once the cap is exceeded.
func (t *Traffic) Append(kind, text, status string) Entry {
	e := Entry{ID: uuid.NewString(), Time: time.Now(), Kind: kind, Text: text, Status: status}
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.trimLocked()
	snap, seq := slices.Clone(t.entries), t.p.stamp()
	t.mu.Unlock()

	t.p.save(seq, snap)
	return e
}

// Update rewrites the status and, when text is non-empty, the text of an
// existing entry in place. It reports whether the entry was still present.
func (t *Traffic) Update(id, status, text string) (Entry, bool) {
	t.mu.Lock()
	i := slices.IndexFunc(t.entries, func(e Entry) bool { return e.ID == id })
	if i < 0 {
		t.mu.Unlock()
		return Entry{}, false
	}
	t.entries[i].Status = status
	if text != "" {
		t.entries[i].Text = text
	}
	e := t.entries[i]
	snap, seq := slices.Clone(t.entries), t.p.stamp()
	t.mu.Unlock()

	t.p.save(seq, snap)
	return e, true
}

// List returns the newest limit entries in chronological order. limit <= 0
// returns all of them.
func (t *Traffic) List(limit int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := t.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := slices.Clone(entries)
	if out == nil {
		out = []Entry{}
	}
	return out
}

func (t *Traffic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Traffic) Clear() {
	t.mu.Lock()
	t.entries = nil
	seq := t.p.stamp()
	t.mu.Unlock()
	t.p.save(seq, []Entry{})
}

func (t *Traffic) SetLimit(limit int) {
	t.mu.Lock()
	t.limit = limit
	before := len(t.entries)
	t.trimLocked()
	trimmed := len(t.entries) != before
	snap, seq := slices.Clone(t.entries), t.p.stamp()
	t.mu.Unlock()
	if trimmed {
		t.p.save(seq, snap)
	}
}

func (t *Traffic) trimLocked() {
	if t.limit > 0 && len(t.entries) > t.limit {
		t.entries = slices.Clone(t.entries[len(t.entries)-t.limit:])
	}
}
