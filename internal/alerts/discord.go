// Package alerts mirrors operational failures (dropped sends, queue
// overflow) into a Discord channel so on-call staff notice without watching
// logs.
package alerts

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/pkg/protocol"
)

const subscriberID = "discord-alerts"

// minInterval throttles alert posts so a flapping transport cannot flood the
// ops channel.
const minInterval = 30 * time.Second

// Sink forwards send-failure events to Discord.
type Sink struct {
	session   *discordgo.Session
	channelID string
	events    bus.EventPublisher

	mu       sync.Mutex
	lastPost time.Time
}

func NewSink(cfg config.AlertsConfig, events bus.EventPublisher) (*Sink, error) {
	if cfg.DiscordToken == "" || cfg.DiscordChannelID == "" {
		return nil, fmt.Errorf("alerts: discord token and channel id are required")
	}
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("alerts: create discord session: %w", err)
	}
	return &Sink{session: session, channelID: cfg.DiscordChannelID, events: events}, nil
}

// Start opens the Discord session and subscribes to failure events.
func (s *Sink) Start() error {
	if err := s.session.Open(); err != nil {
		return fmt.Errorf("alerts: open discord session: %w", err)
	}
	s.events.Subscribe(subscriberID, s.handleEvent)
	slog.Info("discord alert sink started", "channel", s.channelID)
	return nil
}

// Stop unsubscribes and closes the session.
func (s *Sink) Stop() {
	s.events.Unsubscribe(subscriberID)
	if err := s.session.Close(); err != nil {
		slog.Warn("discord session close failed", "error", err)
	}
}

func (s *Sink) handleEvent(ev bus.Event) {
	switch ev.Name {
	case protocol.EventSendFailed, protocol.EventQueueRejected:
	default:
		return
	}

	s.mu.Lock()
	if time.Since(s.lastPost) < minInterval {
		s.mu.Unlock()
		return
	}
	s.lastPost = time.Now()
	s.mu.Unlock()

	text := "⚠️ " + ev.Name
	if p, ok := ev.Payload.(protocol.SendFailedEvent); ok {
		text = fmt.Sprintf("⚠️ %s — destination %s", ev.Name, p.Destination)
		if p.TicketID != "" {
			text += ", ticket " + p.TicketID
		}
		if p.Error != "" {
			text += ": " + p.Error
		}
	}

	if _, err := s.session.ChannelMessageSend(s.channelID, text); err != nil {
		slog.Warn("discord alert post failed", "error", err)
	}
}
