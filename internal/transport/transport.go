// Package transport defines the interface between the router and the chat
// connectors. The router treats send, download, and forward as opaque
// operations that can fail or time out; everything protocol-specific lives
// behind this interface.
package transport

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
)

// ErrNotConnected is returned by transports that are temporarily without a
// live connection. The delivery queue treats it as a transient failure.
var ErrNotConnected = errors.New("transport not connected")

// Payload is one outbound message body: text, a locally downloaded media
// file with an optional caption, or a forward of the original message.
// Forward takes precedence when set, so forwards still flow through the
// delivery queue and the governor like every other send.
type Payload struct {
	Text    string
	Media   *MediaUpload
	Forward *bus.MediaRef
}

// MediaUpload is a media file staged on local disk, ready to resend.
type MediaUpload struct {
	Kind      string // "voice", "audio", "video", "image", "document"
	FilePath  string
	FileName  string
	MimeType  string
	Caption   string
	VoiceNote bool // send audio flagged as a voice note
}

// Options are per-send knobs. QuoteMessageID and Silent are understood by the
// transports; Bypass is consumed by the delivery queue before dispatch.
type Options struct {
	// QuoteMessageID makes the send a quote-reply to an earlier message.
	QuoteMessageID string
	// Silent suppresses the recipient-side notification where supported.
	Silent bool
	// Bypass marks an internal send (staff-facing acks, diagnostics) that
	// skips the rate governor's check and never consumes its quota.
	Bypass bool
}

// SendResult reports a confirmed delivery.
type SendResult struct {
	// MessageID is the connector-assigned id of the delivered message.
	// Used to index ticket cards for quote-reply resolution.
	MessageID string
}

// Transport is a chat connector. All methods are fallible and must honor the
// context deadline; the caller always supplies one.
type Transport interface {
	// Name returns the transport identifier ("bridge", "telegram").
	Name() string

	// Start begins receiving messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts the transport down.
	Stop(ctx context.Context) error

	// Send delivers a payload to a destination conversation.
	Send(ctx context.Context, destination string, p Payload, opts Options) (SendResult, error)

	// Download fetches the attachment behind a MediaRef to a local temp file
	// and returns its path.
	Download(ctx context.Context, src *bus.MediaRef) (string, error)

	// Forward relays the original message behind a MediaRef to a destination
	// without downloading it.
	Forward(ctx context.Context, src *bus.MediaRef, destination string) (SendResult, error)
}
