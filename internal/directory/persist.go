// Package directory holds the bounded side tables the transport keeps about
// the mesh: nodes, channels, recent traffic and unread direct messages.
//
// Every directory is written by one owner and read by many. Mutations are
// written to the KV store as one JSON document under the directory's key;
// node updates are coalesced, everything else writes through. A failed
// write is logged and the in-memory copy stays authoritative.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"xcom-meshd/internal/store"
)

const persistTimeout = 5 * time.Second

// persister writes one directory's document. Snapshots are stamped under
// the owning directory's lock and written in stamp order; a snapshot older
// than the last one written is skipped, so a slow writer never overwrites a
// newer state.
type persister struct {
	kv  store.KV
	key string
	log *zap.Logger

	seq atomic.Uint64

	mu    sync.Mutex
	saved uint64
}

func newPersister(kv store.KV, key string, log *zap.Logger) *persister {
	if log == nil {
		log = zap.NewNop()
	}
	return &persister{kv: kv, key: key, log: log}
}

// stamp orders a snapshot. Call it while holding the lock the snapshot was
// taken under.
func (p *persister) stamp() uint64 { return p.seq.Add(1) }

func (p *persister) save(seq uint64, v any) {
	if p.kv == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq <= p.saved {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		p.log.Error("encode failed", zap.String("key", p.key), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.kv.Put(ctx, p.key, b); err != nil {
		p.log.Warn("persist failed", zap.String("key", p.key), zap.Error(err))
	}
	p.saved = seq
}

// load decodes the stored document into v. A missing key leaves v untouched.
func (p *persister) load(ctx context.Context, v any) error {
	if p.kv == nil {
		return nil
	}
	b, err := p.kv.Get(ctx, p.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
