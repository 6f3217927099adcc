package router

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/ticket"
)

const (
	cardNameWidth    = 24
	cardPreviewWidth = 120
)

// renderCard produces the staff-facing ticket card. The first line carries
// the ticket id so quoted-text resolution works even when the message index
// has expired.
func renderCard(tk *ticket.Ticket, msg bus.InboundMessage) string {
	var b strings.Builder

	if tk.Sequence <= 1 {
		fmt.Fprintf(&b, "🎫 NEW %s\n", tk.ID)
	} else {
		fmt.Fprintf(&b, "🎫 UPDATE #%d %s\n", tk.Sequence, tk.ID)
	}

	name := tk.CustomerName
	if name == "" {
		name = msg.SenderID
	}
	fmt.Fprintf(&b, "From: %s", clip(name, cardNameWidth))
	if tk.CustomerHandle != "" {
		fmt.Fprintf(&b, " (%s)", clip(tk.CustomerHandle, cardNameWidth))
	}
	b.WriteString("\n")

	if msg.Content != "" {
		fmt.Fprintf(&b, "%s\n", clip(strings.TrimSpace(msg.Content), cardPreviewWidth))
	}
	if msg.Media != nil {
		fmt.Fprintf(&b, "[%s attachment]\n", msg.Media.Kind)
	}

	b.WriteString("↩️ Quote this card to reply")
	return b.String()
}

// renderDigest summarizes the open tickets for the scheduled digest post.
func renderDigest(tickets []*ticket.Ticket) string {
	if len(tickets) == 0 {
		return "📋 No open tickets."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Open tickets: %d\n", len(tickets))
	for i, tk := range tickets {
		if i >= 20 {
			fmt.Fprintf(&b, "… and %d more", len(tickets)-i)
			break
		}
		name := tk.CustomerName
		if name == "" {
			name = tk.ConversationID
		}
		fmt.Fprintf(&b, "• %s — %s (#%d)\n", tk.ID, clip(name, cardNameWidth), tk.Sequence)
	}
	return strings.TrimRight(b.String(), "\n")
}

// clip truncates by display width, not bytes, so CJK names and emoji do not
// tear mid-rune.
func clip(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
