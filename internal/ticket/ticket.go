package ticket

// Status is the ticket lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Ticket tracks one customer support conversation thread.
// Tickets are never deleted, only marked closed.
type Ticket struct {
	ID             string `json:"id"`   // "<yyyymm>T<seq>", unique across restarts
	Type           string `json:"type"` // channel/category tag
	ConversationID string `json:"conversation_id"`
	Status         Status `json:"status"`
	CreatedAt      int64  `json:"created_at"`       // unix ms
	LastActivityAt int64  `json:"last_activity_at"` // unix ms
	// Sequence increments on every inbound touch; used to label repeat
	// cards ("UPDATE #n").
	Sequence       int    `json:"sequence"`
	CustomerName   string `json:"customer_name,omitempty"`
	CustomerHandle string `json:"customer_handle,omitempty"`
}

// CustomerInfo is best-effort display metadata captured on each touch.
// Last write wins.
type CustomerInfo struct {
	Name   string
	Handle string
}
