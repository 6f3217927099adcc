package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/msgindex"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/ticket"
)

func newFixture(t *testing.T) (*Resolver, *msgindex.Index, *ticket.Store) {
	t.Helper()
	kv, err := store.NewFileKV(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })

	tickets := ticket.NewStore(kv, 6*time.Hour)
	idx := msgindex.New(msgindex.Config{})
	return New(idx, tickets, "support", 15*time.Minute), idx, tickets
}

func mustTouch(t *testing.T, tickets *ticket.Store, conv string) *ticket.Ticket {
	t.Helper()
	tk, err := tickets.Touch(context.Background(), "support", conv, ticket.CustomerInfo{})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestResolveViaIndex(t *testing.T) {
	r, idx, tickets := newFixture(t)
	tk := mustTouch(t, tickets, "cust-1")
	idx.Record("card-1", tk.ID)

	res := r.Resolve(context.Background(), bus.InboundMessage{
		SenderID: "staff-1",
		Content:  "on it",
		QuotedID: "card-1",
	})
	if !res.OK || res.TicketID != tk.ID {
		t.Fatalf("resolution = %+v, want ticket %s", res, tk.ID)
	}
	if res.Method != MethodIndex {
		t.Errorf("method = %s, want index", res.Method)
	}
	if res.Remainder != "on it" {
		t.Errorf("remainder = %q", res.Remainder)
	}
}

func TestIndexHitBeatsQuotedText(t *testing.T) {
	r, idx, tickets := newFixture(t)
	a := mustTouch(t, tickets, "cust-a")
	b := mustTouch(t, tickets, "cust-b")
	idx.Record("card-a", a.ID)

	// The quoted text names ticket B, but the index entry for the quoted
	// message points at A. The index wins.
	res := r.Resolve(context.Background(), bus.InboundMessage{
		SenderID:   "staff-1",
		Content:    "hello",
		QuotedID:   "card-a",
		QuotedText: "ticket " + b.ID,
	})
	if res.TicketID != a.ID {
		t.Errorf("resolved %s, want index hit %s", res.TicketID, a.ID)
	}
}

func TestResolveViaQuotedText(t *testing.T) {
	r, _, tickets := newFixture(t)
	tk := mustTouch(t, tickets, "cust-1")

	res := r.Resolve(context.Background(), bus.InboundMessage{
		SenderID:   "staff-1",
		Content:    "done",
		QuotedID:   "unknown-card",
		QuotedText: "NEW " + tk.ID + " from Alice",
	})
	if !res.OK || res.Method != MethodQuotedText {
		t.Fatalf("resolution = %+v, want quoted_text hit", res)
	}
}

func TestResolveViaReplyCommand(t *testing.T) {
	r, _, tickets := newFixture(t)
	tk := mustTouch(t, tickets, "cust-1")

	for _, text := range []string{
		"reply " + tk.ID + " we shipped the fix",
		"/reply " + tk.ID + " we shipped the fix",
	} {
		res := r.Resolve(context.Background(), bus.InboundMessage{SenderID: "staff-1", Content: text})
		if !res.OK || res.Method != MethodOwnText {
			t.Fatalf("resolution for %q = %+v", text, res)
		}
		if res.Remainder != "we shipped the fix" {
			t.Errorf("remainder = %q, command prefix not stripped", res.Remainder)
		}
	}
}

func TestResolveViaSticky(t *testing.T) {
	r, idx, tickets := newFixture(t)
	tk := mustTouch(t, tickets, "cust-1")
	idx.Record("card-1", tk.ID)

	now := time.Now()
	r.SetNow(func() time.Time { return now })

	// First reply establishes the sticky association.
	r.Resolve(context.Background(), bus.InboundMessage{SenderID: "staff-1", Content: "ack", QuotedID: "card-1"})

	// A quote-less follow-up within the TTL rides the sticky.
	res := r.Resolve(context.Background(), bus.InboundMessage{SenderID: "staff-1", Content: "anything else?"})
	if !res.OK || res.Method != MethodSticky {
		t.Fatalf("resolution = %+v, want sticky hit", res)
	}
	if res.TicketID != tk.ID {
		t.Errorf("sticky resolved %s, want %s", res.TicketID, tk.ID)
	}
}

func TestStickyExpires(t *testing.T) {
	r, idx, tickets := newFixture(t)
	tk := mustTouch(t, tickets, "cust-1")
	idx.Record("card-1", tk.ID)

	now := time.Now()
	r.SetNow(func() time.Time { return now })
	r.Resolve(context.Background(), bus.InboundMessage{SenderID: "staff-1", Content: "ack", QuotedID: "card-1"})

	now = now.Add(16 * time.Minute)
	res := r.Resolve(context.Background(), bus.InboundMessage{SenderID: "staff-1", Content: "still there?"})
	if res.OK {
		t.Errorf("sticky survived past TTL: %+v", res)
	}
	if res.Method != MethodNone {
		t.Errorf("method = %s, want none", res.Method)
	}
}

func TestStickyIsPerStaffMember(t *testing.T) {
	r, idx, tickets := newFixture(t)
	tk := mustTouch(t, tickets, "cust-1")
	idx.Record("card-1", tk.ID)

	r.Resolve(context.Background(), bus.InboundMessage{SenderID: "staff-1", Content: "ack", QuotedID: "card-1"})

	res := r.Resolve(context.Background(), bus.InboundMessage{SenderID: "staff-2", Content: "me too"})
	if res.OK {
		t.Errorf("staff-2 resolved via staff-1's sticky: %+v", res)
	}
}

func TestNoRouteIsNotAnError(t *testing.T) {
	r, _, _ := newFixture(t)

	res := r.Resolve(context.Background(), bus.InboundMessage{SenderID: "staff-1", Content: "random chatter"})
	if res.OK || res.Method != MethodNone {
		t.Errorf("resolution = %+v, want no route", res)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r, idx, tickets := newFixture(t)
	tk := mustTouch(t, tickets, "cust-1")
	idx.Record("card-1", tk.ID)

	msg := bus.InboundMessage{SenderID: "staff-1", Content: "ok", QuotedID: "card-1"}
	first := r.Resolve(context.Background(), msg)
	second := r.Resolve(context.Background(), msg)
	if first.TicketID != second.TicketID || first.Method != second.Method {
		t.Errorf("repeated resolve diverged: %+v vs %+v", first, second)
	}
	if first.TicketID != tk.ID {
		t.Errorf("resolved %s, want %s", first.TicketID, tk.ID)
	}
}

func TestUnknownTicketIDFails(t *testing.T) {
	r, _, _ := newFixture(t)

	res := r.Resolve(context.Background(), bus.InboundMessage{
		SenderID: "staff-1",
		Content:  "reply 209901T0000000042 hello",
	})
	if res.OK {
		t.Errorf("resolved against a ticket that does not exist: %+v", res)
	}
}
