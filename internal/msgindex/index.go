// Package msgindex maps delivered ticket-card message ids to ticket ids, so
// a staff quote-reply resolves without any text parsing.
package msgindex

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

const (
	kvNamespace = "msgindex"
	kvKey       = "entries"

	defaultTTL        = 24 * time.Hour
	defaultMaxEntries = 4096

	// sweepInterval is how many Record calls pass between eviction sweeps.
	sweepInterval = 64
)

type entry struct {
	TicketID   string `json:"ticket_id"`
	RecordedAt int64  `json:"recorded_at"` // unix ms
}

// Index is a bounded TTL map from message id to ticket id. Many-to-one is
// allowed; last write wins per message id. Optionally persisted so quote
// resolution survives a restart.
type Index struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	records    int
	kv         store.KV // nil = memory only
	now        func() time.Time
}

// Config tunes the index. Zero values use defaults; KV nil disables
// persistence.
type Config struct {
	TTL        time.Duration
	MaxEntries int
	KV         store.KV
}

// New creates the index, loading any persisted entries.
func New(cfg Config) *Index {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	idx := &Index{
		entries:    make(map[string]entry),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		kv:         cfg.KV,
		now:        time.Now,
	}
	idx.load()
	return idx
}

// SetNow overrides the clock. Test hook.
func (i *Index) SetNow(now func() time.Time) { i.now = now }

// Record associates a delivered card message with its ticket.
func (i *Index) Record(messageID, ticketID string) {
	if messageID == "" || ticketID == "" {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.entries[messageID] = entry{TicketID: ticketID, RecordedAt: i.now().UnixMilli()}

	i.records++
	if i.records%sweepInterval == 0 || len(i.entries) > i.maxEntries {
		i.evict()
	}
	i.persist()
}

// Lookup returns the ticket id a message was recorded against, if the entry
// is still within the TTL.
func (i *Index) Lookup(messageID string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.entries[messageID]
	if !ok {
		return "", false
	}
	if i.now().UnixMilli()-e.RecordedAt > i.ttl.Milliseconds() {
		return "", false
	}
	return e.TicketID, true
}

// Len returns the number of stored entries, expired included.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

// evict removes expired entries first; if the map is still over capacity it
// removes the oldest remaining entries until back at the cap, so a burst of
// fresh records cannot grow the map without bound. Caller holds the lock.
func (i *Index) evict() {
	nowMs := i.now().UnixMilli()
	ttlMs := i.ttl.Milliseconds()
	for id, e := range i.entries {
		if nowMs-e.RecordedAt > ttlMs {
			delete(i.entries, id)
		}
	}
	if len(i.entries) <= i.maxEntries {
		return
	}
	slog.Debug("message index at capacity, evicting oldest entries",
		"entries", len(i.entries), "cap", i.maxEntries)
	for len(i.entries) > i.maxEntries {
		oldestID := ""
		oldestAt := int64(0)
		for id, e := range i.entries {
			if oldestID == "" || e.RecordedAt < oldestAt {
				oldestID = id
				oldestAt = e.RecordedAt
			}
		}
		delete(i.entries, oldestID)
	}
}

func (i *Index) load() {
	if i.kv == nil {
		return
	}
	saved := make(map[string]entry)
	if _, err := i.kv.Get(context.Background(), kvNamespace, kvKey, &saved); err != nil {
		slog.Warn("message index load failed", "error", err)
		return
	}
	nowMs := i.now().UnixMilli()
	ttlMs := i.ttl.Milliseconds()
	for id, e := range saved {
		if nowMs-e.RecordedAt <= ttlMs {
			i.entries[id] = e
		}
	}
}

// persist writes the map through the KV store. Best effort: a failed write
// costs quote resolution after a restart, nothing else. Caller holds the lock.
func (i *Index) persist() {
	if i.kv == nil {
		return
	}
	if err := i.kv.Set(context.Background(), kvNamespace, kvKey, i.entries); err != nil {
		slog.Warn("message index persist failed", "error", err)
	}
}
