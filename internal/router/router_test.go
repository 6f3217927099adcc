package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/dedup"
	"github.com/nextlevelbuilder/relaydesk/internal/governor"
	"github.com/nextlevelbuilder/relaydesk/internal/media"
	"github.com/nextlevelbuilder/relaydesk/internal/msgindex"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/resolver"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/ticket"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
)

const controlChat = "staff-room"

// delivery is one message that reached the fake transport.
type delivery struct {
	Dest string
	Text string
	ID   string
}

type fakeTransport struct {
	mu     sync.Mutex
	seq    int
	sent   []delivery
	signal chan delivery
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{signal: make(chan delivery, 64)}
}

func (f *fakeTransport) Name() string                { return "fake" }
func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop(context.Context) error  { return nil }

func (f *fakeTransport) Send(_ context.Context, dest string, p transport.Payload, _ transport.Options) (transport.SendResult, error) {
	f.mu.Lock()
	f.seq++
	d := delivery{Dest: dest, Text: p.Text, ID: fmt.Sprintf("m%d", f.seq)}
	f.sent = append(f.sent, d)
	f.mu.Unlock()
	f.signal <- d
	return transport.SendResult{MessageID: d.ID}, nil
}

func (f *fakeTransport) Download(context.Context, *bus.MediaRef) (string, error) {
	return "", fmt.Errorf("no media in this test")
}

func (f *fakeTransport) Forward(context.Context, *bus.MediaRef, string) (transport.SendResult, error) {
	return transport.SendResult{}, fmt.Errorf("no media in this test")
}

// waitIndexed blocks until the delivered card shows up in the message index.
// Recording happens in the queue's done callback, just after the send.
func waitIndexed(t *testing.T, idx *msgindex.Index, messageID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := idx.Lookup(messageID); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("card %s never indexed", messageID)
}

// waitFor blocks until a delivery to dest arrives.
func (f *fakeTransport) waitFor(t *testing.T, dest string) delivery {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case d := <-f.signal:
			if d.Dest == dest {
				return d
			}
		case <-deadline:
			t.Fatalf("timed out waiting for delivery to %s", dest)
		}
	}
}

type fixture struct {
	router  *Router
	tr      *fakeTransport
	tickets *ticket.Store
	index   *msgindex.Index
	now     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kv, err := store.NewFileKV(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })

	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.Local)
	clock := func() time.Time { return now }

	tickets := ticket.NewStore(kv, 6*time.Hour)
	tickets.SetNow(clock)
	idx := msgindex.New(msgindex.Config{})
	res := resolver.New(idx, tickets, "support", 15*time.Minute)
	gov := governor.New(governor.Limits{}, nil)
	filter := dedup.New(dedup.Config{})

	tr := newFakeTransport()
	q := queue.New(queue.Config{
		MaxSize:      32,
		DedupWindow:  time.Millisecond,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
		SendTimeout:  time.Second,
		PacePerSec:   1000,
	}, gov, tr)
	q.Start()
	t.Cleanup(q.Stop)

	m := media.New(media.Config{AttemptTimeout: time.Second, DownloadRetries: 1, DownloadDelay: time.Millisecond}, q, tr)
	lane := Lane{Queue: q, Media: m}

	r := New(Config{
		TicketType:    "support",
		ControlChatID: controlChat,
	}, filter, tickets, idx, res, gov, lane, lane, nil)

	return &fixture{router: r, tr: tr, tickets: tickets, index: idx, now: &now}
}

func customerMsg(id, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    "fake",
		MessageID:  id,
		SenderID:   "cust-1",
		ChatID:     "C1",
		Content:    text,
		SenderName: "Alice",
	}
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Customer says hello; a NEW card lands in the control conversation.
	f.router.Handle(ctx, customerMsg("in-1", "Hello"))
	card := f.tr.waitFor(t, controlChat)
	if !strings.Contains(card.Text, "NEW 202501T0000000001") {
		t.Fatalf("card = %q, want NEW 202501T0000000001", card.Text)
	}
	if !strings.Contains(card.Text, "Hello") || !strings.Contains(card.Text, "Alice") {
		t.Errorf("card missing preview or customer name: %q", card.Text)
	}
	waitIndexed(t, f.index, card.ID)

	// Staff quotes the card. The reply reaches the customer conversation.
	f.router.Handle(ctx, bus.InboundMessage{
		Channel:   "fake",
		MessageID: "staff-1",
		SenderID:  "staff-alice",
		ChatID:    controlChat,
		Content:   "On it",
		QuotedID:  card.ID,
	})
	reply := f.tr.waitFor(t, "C1")
	if reply.Text != "On it" {
		t.Fatalf("customer received %q, want \"On it\"", reply.Text)
	}

	// Customer follows up within the reuse window: same ticket, UPDATE card.
	*f.now = f.now.Add(time.Hour)
	f.router.Handle(ctx, customerMsg("in-2", "Still there?"))
	update := f.tr.waitFor(t, controlChat)
	if !strings.Contains(update.Text, "UPDATE #2 202501T0000000001") {
		t.Fatalf("card = %q, want UPDATE #2 on the same ticket", update.Text)
	}
}

func TestDuplicateInboundAdvancesSequenceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := customerMsg("in-1", "Hello")
	f.router.Handle(ctx, msg)
	f.tr.waitFor(t, controlChat)
	f.router.Handle(ctx, msg) // bridge re-delivery

	open, err := f.router.ListOpenTickets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open tickets = %d, want 1", len(open))
	}
	if open[0].Sequence != 1 {
		t.Errorf("sequence = %d, duplicate advanced it", open[0].Sequence)
	}
}

func TestStaffMessageWithoutRouteGetsHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, bus.InboundMessage{
		Channel:   "fake",
		MessageID: "staff-1",
		SenderID:  "staff-alice",
		ChatID:    controlChat,
		Content:   "who is on lunch?",
	})
	hint := f.tr.waitFor(t, controlChat)
	if !strings.Contains(hint.Text, "No ticket found") {
		t.Errorf("hint = %q", hint.Text)
	}
}

func TestReplyCommandRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, customerMsg("in-1", "Hello"))
	f.tr.waitFor(t, controlChat)

	f.router.HandleReplyCommand(ctx, bus.InboundMessage{
		Channel:   "fake",
		MessageID: "staff-1",
		SenderID:  "staff-alice",
		ChatID:    controlChat,
	}, "202501T0000000001 we are looking into it")

	reply := f.tr.waitFor(t, "C1")
	if reply.Text != "we are looking into it" {
		t.Errorf("customer received %q", reply.Text)
	}
}

func TestStaffAllowList(t *testing.T) {
	f := newFixture(t)
	f.router.cfg.StaffIDs = []string{"staff-alice"}
	ctx := context.Background()

	// A non-staff sender in the control chat is treated as a customer
	// conversation, not a reply.
	f.router.Handle(ctx, bus.InboundMessage{
		Channel:   "fake",
		MessageID: "x-1",
		SenderID:  "intruder",
		ChatID:    controlChat,
		Content:   "reply 202501T0000000001 hijack",
	})
	card := f.tr.waitFor(t, controlChat)
	if !strings.Contains(card.Text, "NEW ") {
		t.Errorf("expected a ticket card for non-staff sender, got %q", card.Text)
	}
}

func TestCardTruncatesLongNames(t *testing.T) {
	tk := &ticket.Ticket{ID: "202501T0000000001", Sequence: 1, CustomerName: strings.Repeat("长", 40)}
	card := renderCard(tk, bus.InboundMessage{Content: "hi"})
	for _, line := range strings.Split(card, "\n") {
		if strings.HasPrefix(line, "From: ") && len([]rune(line)) > 40 {
			t.Errorf("name line not truncated: %q", line)
		}
	}
}
