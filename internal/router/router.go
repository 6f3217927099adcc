// Package router orchestrates the pipeline: inbound customer messages become
// ticket cards in the staff control conversation, staff replies route back to
// the customer through the governed delivery queue.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/dedup"
	"github.com/nextlevelbuilder/relaydesk/internal/governor"
	"github.com/nextlevelbuilder/relaydesk/internal/media"
	"github.com/nextlevelbuilder/relaydesk/internal/msgindex"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/resolver"
	"github.com/nextlevelbuilder/relaydesk/internal/ticket"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
	"github.com/nextlevelbuilder/relaydesk/pkg/protocol"
)

// Lane is one outbound direction: a transport wrapped in its queue and media
// pipeline. The customer lane and the control lane may share a transport or
// use different ones.
type Lane struct {
	Queue *queue.Queue
	Media *media.Machine
}

// Config identifies the control conversation and the staff allowed to use it.
type Config struct {
	TicketType    string
	ControlChatID string
	// ControlChannel is the transport name staff messages arrive on. Empty
	// means staff and customers share one transport; staff traffic is then
	// recognized by chat id alone.
	ControlChannel string
	// StaffIDs, when non-empty, restricts routing to these sender ids.
	StaffIDs []string
}

// Router wires the core components together. All mutation happens on the
// consumer goroutine, one message at a time.
type Router struct {
	cfg      Config
	filter   *dedup.Filter
	tickets  *ticket.Store
	index    *msgindex.Index
	resolver *resolver.Resolver
	gov      *governor.Governor
	customer Lane
	control  Lane
	events   bus.EventPublisher
}

func New(cfg Config, filter *dedup.Filter, tickets *ticket.Store, index *msgindex.Index,
	res *resolver.Resolver, gov *governor.Governor, customer, control Lane, events bus.EventPublisher) *Router {
	if cfg.TicketType == "" {
		cfg.TicketType = "support"
	}
	return &Router{
		cfg:      cfg,
		filter:   filter,
		tickets:  tickets,
		index:    index,
		resolver: res,
		gov:      gov,
		customer: customer,
		control:  control,
		events:   events,
	}
}

// Handle dispatches one inbound message to the customer or staff path based
// on where it arrived.
func (r *Router) Handle(ctx context.Context, msg bus.InboundMessage) {
	if r.isStaffMessage(msg) {
		r.OnStaffMessage(ctx, msg)
		return
	}
	r.OnInboundMessage(ctx, msg)
}

// OnInboundMessage processes one customer message: dedup, ticket touch, card
// to the control conversation, media relay.
func (r *Router) OnInboundMessage(ctx context.Context, msg bus.InboundMessage) {
	if r.filter.ShouldSuppress(&msg) {
		slog.Debug("duplicate inbound suppressed", "chat", msg.ChatID, "message", msg.MessageID)
		return
	}

	tk, err := r.tickets.Touch(ctx, r.cfg.TicketType, msg.ChatID, ticket.CustomerInfo{
		Name:   msg.SenderName,
		Handle: msg.SenderHandle,
	})
	if err != nil {
		// No ticket means no forward: losing the ticket id would orphan the
		// conversation. Surfaced as an operational error instead.
		slog.Error("ticket touch failed, message not relayed", "chat", msg.ChatID, "error", err)
		r.broadcast(protocol.EventSendFailed, protocol.SendFailedEvent{
			Destination: msg.ChatID, Error: err.Error(),
		})
		return
	}

	eventName := protocol.EventTicketCreated
	if tk.Sequence > 1 {
		eventName = protocol.EventTicketUpdated
	}
	r.broadcast(eventName, protocol.TicketEvent{
		TicketID:       tk.ID,
		ConversationID: tk.ConversationID,
		Sequence:       uint64(tk.Sequence),
		CustomerName:   tk.CustomerName,
	})

	card := renderCard(tk, msg)
	ticketID := tk.ID
	accepted := r.control.Queue.Enqueue(r.cfg.ControlChatID, transport.Payload{Text: card}, transport.Options{},
		func(res transport.SendResult, err error) {
			if err != nil {
				r.broadcast(protocol.EventSendFailed, protocol.SendFailedEvent{
					Destination: r.cfg.ControlChatID, TicketID: ticketID, Error: err.Error(),
				})
				return
			}
			// Index the delivered card so staff can quote it.
			r.index.Record(res.MessageID, ticketID)
		})
	if !accepted {
		slog.Error("control queue full, card dropped", "ticket", tk.ID)
		r.broadcast(protocol.EventQueueRejected, protocol.SendFailedEvent{
			Destination: r.cfg.ControlChatID, TicketID: tk.ID, Error: "queue full",
		})
		return
	}

	if msg.Media != nil {
		out := r.control.Media.Deliver(ctx, r.cfg.ControlChatID, msg.Media, tk.ID)
		if !out.OK {
			r.broadcast(protocol.EventSendFailed, protocol.SendFailedEvent{
				Destination: r.cfg.ControlChatID, TicketID: tk.ID, Error: "media relay failed",
			})
		}
	}
}

// OnStaffMessage processes one message from the control conversation:
// dedup, ticket resolution, governed delivery back to the customer.
func (r *Router) OnStaffMessage(ctx context.Context, msg bus.InboundMessage) {
	if r.filter.ShouldSuppress(&msg) {
		slog.Debug("duplicate staff message suppressed", "message", msg.MessageID)
		return
	}

	res := r.resolver.Resolve(ctx, msg)
	if !res.OK {
		r.broadcast(protocol.EventNoRoute, protocol.ReplyRoutedEvent{StaffID: msg.SenderID})
		// A usage hint, not an error: quiet chatter in the control chat is
		// normal.
		r.ackStaff(ctx, msg, "No ticket found — quote a ticket card or use: reply <ticket-id> <text>")
		return
	}

	r.routeReply(ctx, msg, res)
}

// HandleReplyCommand is the explicit command form, registered with the
// control transport's command router.
func (r *Router) HandleReplyCommand(ctx context.Context, msg bus.InboundMessage, args string) {
	res := r.resolver.ResolveCommand(ctx, msg, args)
	if !res.OK {
		r.ackStaff(ctx, msg, "Usage: reply <ticket-id> <text>")
		return
	}
	r.routeReply(ctx, msg, res)
}

func (r *Router) routeReply(ctx context.Context, msg bus.InboundMessage, res resolver.Resolution) {
	dest := res.Ticket.ConversationID
	text := res.Remainder

	if text != "" {
		accepted := r.customer.Queue.Enqueue(dest, transport.Payload{Text: text}, transport.Options{},
			func(_ transport.SendResult, err error) {
				if err != nil {
					r.broadcast(protocol.EventSendFailed, protocol.SendFailedEvent{
						Destination: dest, TicketID: res.TicketID, Error: err.Error(),
					})
					r.ackStaff(context.Background(), msg, fmt.Sprintf("Send failed for %s: %v", res.TicketID, err))
				}
			})
		if !accepted {
			r.broadcast(protocol.EventQueueRejected, protocol.SendFailedEvent{
				Destination: dest, TicketID: res.TicketID, Error: "queue full",
			})
			r.ackStaff(ctx, msg, fmt.Sprintf("Delivery queue full, reply to %s not sent", res.TicketID))
			return
		}
	}

	if msg.Media != nil {
		out := r.customer.Media.Deliver(ctx, dest, msg.Media, "")
		if !out.OK {
			r.ackStaff(ctx, msg, fmt.Sprintf("Media send failed for %s", res.TicketID))
		}
	}

	r.broadcast(protocol.EventReplyRouted, protocol.ReplyRoutedEvent{
		TicketID: res.TicketID,
		StaffID:  msg.SenderID,
		Method:   string(res.Method),
	})
	slog.Info("reply routed", "ticket", res.TicketID, "method", res.Method, "staff", msg.SenderID)
}

// CloseTicket marks a ticket closed on staff request.
func (r *Router) CloseTicket(ctx context.Context, ticketID string) error {
	if err := r.tickets.SetStatus(ctx, r.cfg.TicketType, ticketID, ticket.StatusClosed); err != nil {
		return err
	}
	r.broadcast(protocol.EventTicketClosed, protocol.TicketEvent{TicketID: ticketID})
	return nil
}

// ListOpenTickets returns the open tickets, most recently active first.
func (r *Router) ListOpenTickets(ctx context.Context) ([]*ticket.Ticket, error) {
	return r.tickets.List(ctx, r.cfg.TicketType, ticket.StatusOpen)
}

// QueueDepth reports pending sends across both lanes.
func (r *Router) QueueDepth() int {
	depth := r.customer.Queue.Depth()
	if r.control.Queue != r.customer.Queue {
		depth += r.control.Queue.Depth()
	}
	return depth
}

// RateSnapshot exposes the governor counters for the status gateway.
func (r *Router) RateSnapshot() protocol.RateSnapshot {
	s := r.gov.Snapshot()
	return protocol.RateSnapshot{
		DateKey:      s.DateKey,
		GlobalSent:   s.GlobalSent,
		TrackedChats: s.TrackedChats,
	}
}

// PostDigest renders and posts the open-ticket summary to the control
// conversation. Called on the digest schedule.
func (r *Router) PostDigest(ctx context.Context) {
	open, err := r.ListOpenTickets(ctx)
	if err != nil {
		slog.Error("digest listing failed", "error", err)
		return
	}
	r.control.Queue.Enqueue(r.cfg.ControlChatID, transport.Payload{Text: renderDigest(open)}, transport.Options{}, nil)
}

func (r *Router) isStaffMessage(msg bus.InboundMessage) bool {
	if msg.ChatID != r.cfg.ControlChatID {
		return false
	}
	if r.cfg.ControlChannel != "" && msg.Channel != r.cfg.ControlChannel {
		return false
	}
	if len(r.cfg.StaffIDs) == 0 {
		return true
	}
	for _, id := range r.cfg.StaffIDs {
		if id == msg.SenderID {
			return true
		}
	}
	return false
}

// ackStaff posts a short acknowledgement into the control conversation,
// quoting the staff message it answers. Acks bypass the governor: a staff
// member asking for help must get the usage hint even when the customer-side
// send window is closed, and hints must not eat customer quota.
func (r *Router) ackStaff(_ context.Context, msg bus.InboundMessage, text string) {
	r.control.Queue.Enqueue(r.cfg.ControlChatID, transport.Payload{Text: text},
		transport.Options{QuoteMessageID: msg.MessageID, Bypass: true}, nil)
}

func (r *Router) broadcast(name string, payload any) {
	if r.events == nil {
		return
	}
	r.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

// Uptime helper for the status payload.
var startedAt = time.Now()

func UptimeSecs() int64 { return int64(time.Since(startedAt).Seconds()) }
