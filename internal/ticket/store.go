// Package ticket manages the ticket lifecycle: creation on first contact,
// reuse within the activity window, sequencing of repeat contacts, and
// closing of stale tickets.
package ticket

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

const kvNamespace = "tickets"

const defaultReuseWindow = 6 * time.Hour

// ErrNotFound is returned by Resolve for unknown ticket ids.
var ErrNotFound = fmt.Errorf("ticket not found")

// document is the persisted per-type ticket table.
type document struct {
	// Tickets maps "<type>:<conversationID>" to the latest ticket for that
	// conversation (append-only semantics: closed tickets for the same
	// conversation are kept under History).
	Tickets map[string]*Ticket `json:"tickets"`
	// History holds closed tickets, keyed by ticket id.
	History map[string]*Ticket `json:"history,omitempty"`
	// Sequences maps a year+month bucket to the last issued sequence
	// number, persisted so restarts never reuse an id.
	Sequences map[string]uint64 `json:"sequences"`
}

func newDocument() *document {
	return &document{
		Tickets:   make(map[string]*Ticket),
		History:   make(map[string]*Ticket),
		Sequences: make(map[string]uint64),
	}
}

// Store persists tickets for one deployment. A single writer owns it; the
// mutex only guards introspection reads from the gateway.
type Store struct {
	mu          sync.Mutex
	kv          store.KV
	reuseWindow time.Duration
	now         func() time.Time
}

// NewStore creates a ticket store on the given KV backend.
// reuseWindow <= 0 uses the default (6h).
func NewStore(kv store.KV, reuseWindow time.Duration) *Store {
	if reuseWindow <= 0 {
		reuseWindow = defaultReuseWindow
	}
	return &Store{kv: kv, reuseWindow: reuseWindow, now: time.Now}
}

// SetNow overrides the clock. Test hook.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Touch returns the live ticket for a conversation, creating or rolling it
// over as needed. Every call advances the sequence of the returned ticket.
// On storage failure the caller must not forward the message.
func (s *Store) Touch(ctx context.Context, ticketType, conversationID string, info CustomerInfo) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, ticketType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	nowMs := now.UnixMilli()
	key := ticketType + ":" + conversationID

	if t, ok := doc.Tickets[key]; ok && t.Status == StatusOpen {
		if nowMs-t.LastActivityAt <= s.reuseWindow.Milliseconds() {
			t.Sequence++
			t.LastActivityAt = nowMs
			applyInfo(t, info)
			if err := s.save(ctx, ticketType, doc); err != nil {
				return nil, err
			}
			return cloneTicket(t), nil
		}
		// Stale: close it and fall through to creation. The id is preserved
		// in history; closing never mutates it.
		t.Status = StatusClosed
		doc.History[t.ID] = t
	}

	t := &Ticket{
		ID:             s.newID(doc, now),
		Type:           ticketType,
		ConversationID: conversationID,
		Status:         StatusOpen,
		CreatedAt:      nowMs,
		LastActivityAt: nowMs,
		Sequence:       1,
	}
	applyInfo(t, info)
	doc.Tickets[key] = t

	if err := s.save(ctx, ticketType, doc); err != nil {
		return nil, err
	}
	return cloneTicket(t), nil
}

// Resolve looks a ticket up by id and refreshes its activity timestamp, so
// staff interaction keeps the ticket warm for the reuse window.
func (s *Store) Resolve(ctx context.Context, ticketType, ticketID string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, ticketType)
	if err != nil {
		return nil, err
	}

	t := findByID(doc, ticketID)
	if t == nil {
		return nil, ErrNotFound
	}

	t.LastActivityAt = s.now().UnixMilli()
	if err := s.save(ctx, ticketType, doc); err != nil {
		return nil, err
	}
	return cloneTicket(t), nil
}

// SetStatus updates a ticket's status in place. Id and sequence are untouched.
func (s *Store) SetStatus(ctx context.Context, ticketType, ticketID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, ticketType)
	if err != nil {
		return err
	}

	t := findByID(doc, ticketID)
	if t == nil {
		return ErrNotFound
	}
	t.Status = status
	if status == StatusClosed {
		doc.History[t.ID] = t
	}
	return s.save(ctx, ticketType, doc)
}

// List returns tickets of a type sorted by last activity, newest first.
// status "" returns all. Diagnostics path, not hot.
func (s *Store) List(ctx context.Context, ticketType string, status Status) ([]*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, ticketType)
	if err != nil {
		return nil, err
	}

	var out []*Ticket
	seen := make(map[string]bool)
	for _, t := range doc.Tickets {
		if status == "" || t.Status == status {
			out = append(out, cloneTicket(t))
		}
		seen[t.ID] = true
	}
	for id, t := range doc.History {
		if seen[id] {
			continue
		}
		if status == "" || t.Status == status {
			out = append(out, cloneTicket(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt > out[j].LastActivityAt
	})
	return out, nil
}

// newID allocates the next id in the current year+month bucket.
func (s *Store) newID(doc *document, now time.Time) string {
	bucket := now.Format("200601")
	doc.Sequences[bucket]++
	return fmt.Sprintf("%sT%010d", bucket, doc.Sequences[bucket])
}

func (s *Store) load(ctx context.Context, ticketType string) (*document, error) {
	doc := newDocument()
	if _, err := s.kv.Get(ctx, kvNamespace, ticketType, doc); err != nil {
		return nil, fmt.Errorf("ticket store: load %s: %w", ticketType, err)
	}
	if doc.Tickets == nil {
		doc.Tickets = make(map[string]*Ticket)
	}
	if doc.History == nil {
		doc.History = make(map[string]*Ticket)
	}
	if doc.Sequences == nil {
		doc.Sequences = make(map[string]uint64)
	}
	return doc, nil
}

func (s *Store) save(ctx context.Context, ticketType string, doc *document) error {
	if err := s.kv.Set(ctx, kvNamespace, ticketType, doc); err != nil {
		return fmt.Errorf("ticket store: save %s: %w", ticketType, err)
	}
	return nil
}

func findByID(doc *document, ticketID string) *Ticket {
	for _, t := range doc.Tickets {
		if t.ID == ticketID {
			return t
		}
	}
	if t, ok := doc.History[ticketID]; ok {
		return t
	}
	return nil
}

func applyInfo(t *Ticket, info CustomerInfo) {
	if info.Name != "" {
		t.CustomerName = info.Name
	}
	if info.Handle != "" {
		t.CustomerHandle = info.Handle
	}
}

func cloneTicket(t *Ticket) *Ticket {
	c := *t
	return &c
}
