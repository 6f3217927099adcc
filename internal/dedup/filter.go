// Package dedup suppresses repeated delivery of the same inbound event.
// Bridges and bot APIs re-deliver on reconnect; without this filter every
// re-delivery would bump the ticket sequence and emit another card.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
)

const (
	defaultTTL        = 8 * time.Second
	defaultMaxEntries = 4096
)

// Filter is a bounded TTL map of recently seen event keys.
// Safe for concurrent use.
type Filter struct {
	mu         sync.Mutex
	entries    map[string]time.Time // key → expiresAt
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// Config tunes the filter. Zero values use defaults.
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// New creates a duplicate filter.
func New(cfg Config) *Filter {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	return &Filter{
		entries:    make(map[string]time.Time),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        time.Now,
	}
}

// ShouldSuppress reports whether the event was already seen within the TTL.
// The first sighting records the event and returns false. Fails open: an
// event it cannot key is never suppressed.
func (f *Filter) ShouldSuppress(msg *bus.InboundMessage) bool {
	key := dedupKey(msg)
	if key == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if exp, ok := f.entries[key]; ok && now.Before(exp) {
		return true
	}

	if len(f.entries) >= f.maxEntries {
		f.evict(now)
	}

	f.entries[key] = now.Add(f.ttl)
	return false
}

// Len returns the number of tracked entries, expired included.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// evict removes expired entries first; if still at capacity it removes the
// oldest remaining entries. Caller holds the lock.
func (f *Filter) evict(now time.Time) {
	for k, exp := range f.entries {
		if !now.Before(exp) {
			delete(f.entries, k)
		}
	}
	for len(f.entries) >= f.maxEntries {
		var oldestKey string
		var oldestExp time.Time
		for k, exp := range f.entries {
			if oldestKey == "" || exp.Before(oldestExp) {
				oldestKey, oldestExp = k, exp
			}
		}
		delete(f.entries, oldestKey)
	}
}

// dedupKey prefers the connector-assigned message id; otherwise it hashes the
// identifying parts of the event.
func dedupKey(msg *bus.InboundMessage) string {
	if msg.MessageID != "" {
		return msg.Channel + ":" + msg.MessageID
	}
	if msg.ChatID == "" && msg.SenderID == "" && msg.Content == "" {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(msg.ChatID))
	h.Write([]byte{0})
	h.Write([]byte(msg.SenderID))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(strings.ToLower(msg.Content))))
	if msg.HasMedia() {
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
