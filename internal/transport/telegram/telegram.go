// Package telegram is the Telegram Bot API transport, typically hosting the
// staff control conversation. Long polling in, Bot API calls out.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
)

// Transport connects to Telegram via the Bot API using long polling.
type Transport struct {
	bot    *telego.Bot
	cfg    config.TelegramConfig
	msgBus *bus.MessageBus

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Transport, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Transport{bot: bot, cfg: cfg, msgBus: msgBus}, nil
}

func (t *Transport) Name() string { return "telegram" }

// Start begins long polling for updates.
func (t *Transport) Start(ctx context.Context) error {
	slog.Info("starting telegram transport (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.pollDone = make(chan struct{})

	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start polling: %w", err)
	}

	go func() {
		defer close(t.pollDone)
		for update := range updates {
			if update.Message != nil {
				t.handleMessage(update.Message)
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update goroutine to drain.
func (t *Transport) Stop(ctx context.Context) error {
	slog.Info("stopping telegram transport")
	if t.pollCancel != nil {
		t.pollCancel()
	}
	if t.pollDone != nil {
		select {
		case <-t.pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Send delivers text or staged media to a chat.
func (t *Transport) Send(ctx context.Context, destination string, p transport.Payload, opts transport.Options) (transport.SendResult, error) {
	chatID, err := parseChatID(destination)
	if err != nil {
		return transport.SendResult{}, err
	}

	if p.Media != nil {
		return t.sendMedia(ctx, chatID, p.Media, opts)
	}

	params := tu.Message(tu.ID(chatID), p.Text)
	if opts.QuoteMessageID != "" {
		if quoteID, err := strconv.Atoi(opts.QuoteMessageID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: quoteID}
		}
	}
	if opts.Silent {
		params.DisableNotification = true
	}

	sent, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("telegram: send: %w", err)
	}
	return transport.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// Forward relays the original message to another chat.
func (t *Transport) Forward(ctx context.Context, src *bus.MediaRef, destination string) (transport.SendResult, error) {
	chatID, err := parseChatID(destination)
	if err != nil {
		return transport.SendResult{}, err
	}
	fromChat, err := parseChatID(src.SourceChat)
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("telegram: forward source: %w", err)
	}
	msgID, err := strconv.Atoi(src.SourceMsgID)
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("telegram: forward source message id %q: %w", src.SourceMsgID, err)
	}

	sent, err := t.bot.ForwardMessage(ctx, &telego.ForwardMessageParams{
		ChatID:     tu.ID(chatID),
		FromChatID: tu.ID(fromChat),
		MessageID:  msgID,
	})
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("telegram: forward: %w", err)
	}
	return transport.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// handleMessage converts one Telegram update into the bus shape.
func (t *Transport) handleMessage(msg *telego.Message) {
	if msg.From == nil {
		return
	}

	inbound := bus.InboundMessage{
		Channel:    "telegram",
		MessageID:  strconv.Itoa(msg.MessageID),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: displayName(msg.From),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Content:    messageText(msg),
		Timestamp:  time.Unix(int64(msg.Date), 0).UnixMilli(),
	}
	if msg.From.Username != "" {
		inbound.SenderHandle = "@" + msg.From.Username
	}
	if quoted := msg.ReplyToMessage; quoted != nil {
		inbound.QuotedID = strconv.Itoa(quoted.MessageID)
		inbound.QuotedText = messageText(quoted)
	}
	inbound.Media = mediaRef(msg)

	slog.Debug("telegram message received",
		"sender", inbound.SenderID, "chat", inbound.ChatID, "has_media", inbound.Media != nil)
	t.msgBus.PublishInbound(inbound)
}

func messageText(msg *telego.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func displayName(u *telego.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: chat id %q: %w", s, err)
	}
	return id, nil
}
