// Package resolver maps a staff-side message onto the ticket it is answering.
package resolver

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/msgindex"
	"github.com/nextlevelbuilder/relaydesk/internal/ticket"
)

// Method reports which step of the chain produced the resolution.
type Method string

const (
	MethodIndex      Method = "index"       // quoted message id found in the card index
	MethodQuotedText Method = "quoted_text" // ticket id pattern in the quoted text
	MethodOwnText    Method = "own_text"    // ticket id pattern in the staff text
	MethodSticky     Method = "sticky"      // last ticket this staff member touched
	MethodNone       Method = "none"
)

// Resolution is the outcome of one resolve call. OK false means no route —
// a normal outcome, not an error.
type Resolution struct {
	OK       bool
	TicketID string
	Ticket   *ticket.Ticket
	Method   Method
	// Remainder is the staff text with a leading reply command stripped,
	// i.e. what should actually be sent to the customer.
	Remainder string
}

// ticketIDPattern matches ids produced by the ticket store, e.g.
// 202501T0000000001.
var ticketIDPattern = regexp.MustCompile(`\b(\d{6}T\d{10})\b`)

const defaultStickyTTL = 15 * time.Minute

const maxStickyEntries = 1024

type stickyEntry struct {
	ticketID  string
	touchedAt time.Time
}

// Resolver walks a strict priority chain: index hit on the quoted message,
// ticket id in the quoted text, ticket id in the staff member's own text,
// then the sticky association. The only side effect of a successful resolve
// is refreshing the sticky entry for that staff member.
type Resolver struct {
	index      *msgindex.Index
	tickets    *ticket.Store
	ticketType string

	mu        sync.Mutex
	sticky    map[string]stickyEntry
	stickyTTL time.Duration
	now       func() time.Time
}

func New(index *msgindex.Index, tickets *ticket.Store, ticketType string, stickyTTL time.Duration) *Resolver {
	if stickyTTL <= 0 {
		stickyTTL = defaultStickyTTL
	}
	return &Resolver{
		index:      index,
		tickets:    tickets,
		ticketType: ticketType,
		sticky:     make(map[string]stickyEntry),
		stickyTTL:  stickyTTL,
		now:        time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (r *Resolver) SetNow(now func() time.Time) { r.now = now }

// Resolve runs the chain for one staff message. Calling it twice with the
// same input yields the same ticket.
func (r *Resolver) Resolve(ctx context.Context, msg bus.InboundMessage) Resolution {
	if msg.QuotedID != "" {
		if id, ok := r.index.Lookup(msg.QuotedID); ok {
			return r.finish(ctx, msg, id, MethodIndex, msg.Content)
		}
	}
	if msg.QuotedText != "" {
		if id := ticketIDPattern.FindString(msg.QuotedText); id != "" {
			return r.finish(ctx, msg, id, MethodQuotedText, msg.Content)
		}
	}
	if id, rest, ok := parseReplyCommand(msg.Content); ok {
		return r.finish(ctx, msg, id, MethodOwnText, rest)
	}
	if id := ticketIDPattern.FindString(msg.Content); id != "" {
		return r.finish(ctx, msg, id, MethodOwnText, msg.Content)
	}
	if id, ok := r.lookupSticky(msg.SenderID); ok {
		return r.finish(ctx, msg, id, MethodSticky, msg.Content)
	}
	return Resolution{Method: MethodNone}
}

// ResolveCommand handles the explicit `reply <ticketId> <text>` form when
// registered as a command handler, bypassing quote inspection.
func (r *Resolver) ResolveCommand(ctx context.Context, msg bus.InboundMessage, args string) Resolution {
	id := ticketIDPattern.FindString(args)
	if id == "" {
		return Resolution{Method: MethodNone}
	}
	rest := strings.TrimSpace(strings.Replace(args, id, "", 1))
	return r.finish(ctx, msg, id, MethodOwnText, rest)
}

func (r *Resolver) finish(ctx context.Context, msg bus.InboundMessage, ticketID string, m Method, remainder string) Resolution {
	tk, err := r.tickets.Resolve(ctx, r.ticketType, ticketID)
	if err != nil {
		return Resolution{Method: MethodNone}
	}
	r.refreshSticky(msg.SenderID, ticketID)
	return Resolution{
		OK:        true,
		TicketID:  ticketID,
		Ticket:    tk,
		Method:    m,
		Remainder: remainder,
	}
}

func (r *Resolver) lookupSticky(staffID string) (string, bool) {
	if staffID == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sticky[staffID]
	if !ok {
		return "", false
	}
	if r.now().Sub(e.touchedAt) > r.stickyTTL {
		delete(r.sticky, staffID)
		return "", false
	}
	return e.ticketID, true
}

func (r *Resolver) refreshSticky(staffID, ticketID string) {
	if staffID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sticky) >= maxStickyEntries {
		r.pruneSticky()
	}
	r.sticky[staffID] = stickyEntry{ticketID: ticketID, touchedAt: r.now()}
}

// pruneSticky drops expired entries, then the oldest until under cap. Caller
// holds the lock.
func (r *Resolver) pruneSticky() {
	now := r.now()
	for id, e := range r.sticky {
		if now.Sub(e.touchedAt) > r.stickyTTL {
			delete(r.sticky, id)
		}
	}
	for len(r.sticky) >= maxStickyEntries {
		oldestID := ""
		var oldest time.Time
		for id, e := range r.sticky {
			if oldestID == "" || e.touchedAt.Before(oldest) {
				oldestID = id
				oldest = e.touchedAt
			}
		}
		delete(r.sticky, oldestID)
	}
}

// parseReplyCommand recognizes "reply <ticketId> <text>" (also "/reply" and
// "!reply") at the start of the staff text.
func parseReplyCommand(text string) (ticketID, rest string, ok bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, prefix := range []string{"/reply ", "!reply ", "reply "} {
		if strings.HasPrefix(lower, prefix) {
			args := strings.TrimSpace(trimmed[len(prefix):])
			id := ticketIDPattern.FindString(args)
			if id == "" || !strings.HasPrefix(args, id) {
				return "", "", false
			}
			return id, strings.TrimSpace(args[len(id):]), true
		}
	}
	return "", "", false
}
