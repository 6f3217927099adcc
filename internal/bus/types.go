package bus

// InboundMessage represents a message received from a chat transport
// (bridge, Telegram, etc.). It is the single event shape the router consumes,
// for both customer-side and staff-side traffic.
type InboundMessage struct {
	Channel      string    `json:"channel"`                 // transport name ("bridge", "telegram")
	MessageID    string    `json:"message_id,omitempty"`    // connector-assigned id (preferred dedup key)
	SenderID     string    `json:"sender_id"`
	ChatID       string    `json:"chat_id"`
	Content      string    `json:"content"`
	SenderName   string    `json:"sender_name,omitempty"`   // best-effort display name
	SenderHandle string    `json:"sender_handle,omitempty"` // best-effort @handle / phone
	QuotedID     string    `json:"quoted_id,omitempty"`     // id of the quoted message, if any
	QuotedText   string    `json:"quoted_text,omitempty"`   // text of the quoted message, if any
	Media        *MediaRef `json:"media,omitempty"`
	Timestamp    int64     `json:"timestamp,omitempty"` // unix ms, 0 = now
}

// HasMedia reports whether the message carries an attachment.
func (m *InboundMessage) HasMedia() bool { return m.Media != nil }

// MediaRef points at an attachment on the originating transport.
// The file itself is not fetched until the media pipeline asks for it.
type MediaRef struct {
	Kind        string `json:"kind"` // "voice", "audio", "video", "image", "document"
	FileID      string `json:"file_id,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	SourceChat  string `json:"source_chat,omitempty"`   // chat the original message lives in (for forwards)
	SourceMsgID string `json:"source_msg_id,omitempty"` // original message id (for forwards)
}

// Event is a server-side event broadcast to status WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // see pkg/protocol event names
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles one inbound message. The consumer loop is serial:
// the next message is not started until the handler returns.
type MessageHandler func(InboundMessage)

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
