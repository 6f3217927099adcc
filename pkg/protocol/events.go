// Package protocol holds the event names and payload shapes shared between
// the router and the status gateway's WebSocket feed.
package protocol

// Event names broadcast on the internal bus and relayed to gateway clients.
const (
	EventTicketCreated = "ticket.created"
	EventTicketUpdated = "ticket.updated"
	EventTicketClosed  = "ticket.closed"
	EventReplyRouted   = "reply.routed"
	EventSendFailed    = "send.failed"
	EventQueueRejected = "queue.rejected"
	EventNoRoute       = "reply.no_route"
	EventShutdown      = "shutdown"
)

// TicketEvent is the payload for ticket.* events.
type TicketEvent struct {
	TicketID       string `json:"ticket_id"`
	ConversationID string `json:"conversation_id"`
	Sequence       uint64 `json:"sequence"`
	CustomerName   string `json:"customer_name,omitempty"`
}

// SendFailedEvent is the payload for send.failed and queue.rejected.
type SendFailedEvent struct {
	Destination string `json:"destination"`
	TicketID    string `json:"ticket_id,omitempty"`
	Error       string `json:"error"`
}

// ReplyRoutedEvent is the payload for reply.routed.
type ReplyRoutedEvent struct {
	TicketID string `json:"ticket_id"`
	StaffID  string `json:"staff_id"`
	Method   string `json:"method"`
}

// StatusPayload is the /status response body.
type StatusPayload struct {
	OpenTickets int          `json:"open_tickets"`
	QueueDepth  int          `json:"queue_depth"`
	Rate        RateSnapshot `json:"rate"`
	UptimeSecs  int64        `json:"uptime_secs"`
	Transports  []string     `json:"transports"`
}

// RateSnapshot mirrors the governor's counters for introspection.
type RateSnapshot struct {
	DateKey      string `json:"date_key"`
	GlobalSent   int    `json:"global_sent"`
	TrackedChats int    `json:"tracked_chats"`
}
