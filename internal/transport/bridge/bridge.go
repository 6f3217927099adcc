// Package bridge connects to a chat bridge over WebSocket. The bridge
// process (whatsapp-web.js or similar) owns login and QR pairing; this side
// speaks a small JSON frame protocol: inbound message events plus
// request/response frames for send, download, and forward.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
)

const (
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 30 * time.Second
	requestTimeout   = 60 * time.Second
)

// frame is one JSON message on the wire, both directions.
type frame struct {
	Op string `json:"op"` // "message", "send", "download", "forward", "result"
	ID string `json:"id,omitempty"`

	// message event fields
	From     string   `json:"from,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	Chat     string   `json:"chat,omitempty"`
	Content  string   `json:"content,omitempty"`
	MsgID    string   `json:"msg_id,omitempty"`
	QuoteID  string   `json:"quote_id,omitempty"`
	Quote    string   `json:"quote,omitempty"`
	Media    *wsMedia `json:"media,omitempty"`

	// request fields
	To      string `json:"to,omitempty"`
	Caption string `json:"caption,omitempty"`
	Voice   bool   `json:"voice,omitempty"`
	Data    string `json:"data,omitempty"` // base64 for uploads; bridge-local path for downloads

	// result fields
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

type wsMedia struct {
	Kind     string `json:"kind"`
	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Transport is the WebSocket bridge connector.
type Transport struct {
	cfg     config.BridgeConfig
	msgBus  *bus.MessageBus
	dataDir string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan frame

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.BridgeConfig, msgBus *bus.MessageBus, dataDir string) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("bridge: url is required")
	}
	return &Transport{
		cfg:     cfg,
		msgBus:  msgBus,
		dataDir: dataDir,
		pending: make(map[string]chan frame),
	}, nil
}

func (t *Transport) Name() string { return "bridge" }

// Start connects and begins the read loop. The initial dial may fail; the
// reconnect loop keeps trying.
func (t *Transport) Start(ctx context.Context) error {
	slog.Info("starting bridge transport", "url", t.cfg.URL)
	t.ctx, t.cancel = context.WithCancel(ctx)

	if err := t.connect(); err != nil {
		slog.Warn("initial bridge connection failed, will retry", "error", err)
	}
	go t.listenLoop()
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	slog.Info("stopping bridge transport")
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.connected = false
	return nil
}

// Send delivers a payload via the bridge and waits for the bridge's ack,
// which carries the assigned message id.
func (t *Transport) Send(ctx context.Context, destination string, p transport.Payload, opts transport.Options) (transport.SendResult, error) {
	req := frame{
		Op:      "send",
		To:      destination,
		Content: p.Text,
		QuoteID: opts.QuoteMessageID,
	}
	if p.Media != nil {
		data, err := os.ReadFile(p.Media.FilePath)
		if err != nil {
			return transport.SendResult{}, fmt.Errorf("bridge: read upload: %w", err)
		}
		req.Media = &wsMedia{
			Kind:     p.Media.Kind,
			FileName: p.Media.FileName,
			MimeType: p.Media.MimeType,
		}
		req.Caption = p.Media.Caption
		req.Voice = p.Media.VoiceNote
		req.Data = encodeBase64(data)
	}

	res, err := t.request(ctx, req)
	if err != nil {
		return transport.SendResult{}, err
	}
	return transport.SendResult{MessageID: res.MsgID}, nil
}

// Download asks the bridge to fetch the attachment and ship it over the
// socket; the payload is staged into the local data dir.
func (t *Transport) Download(ctx context.Context, src *bus.MediaRef) (string, error) {
	res, err := t.request(ctx, frame{
		Op:   "download",
		Chat: src.SourceChat,
		MsgID: func() string {
			if src.SourceMsgID != "" {
				return src.SourceMsgID
			}
			return src.FileID
		}(),
	})
	if err != nil {
		return "", err
	}
	data, err := decodeBase64(res.Data)
	if err != nil {
		return "", fmt.Errorf("bridge: decode download: %w", err)
	}

	dir := filepath.Join(t.dataDir, "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("bridge: media dir: %w", err)
	}
	name := src.FileName
	if name == "" {
		name = uuid.NewString()
	}
	path := filepath.Join(dir, uuid.NewString()+"-"+filepath.Base(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("bridge: stage download: %w", err)
	}
	return path, nil
}

// Forward relays the original message server-side, without pulling the bytes
// through this process.
func (t *Transport) Forward(ctx context.Context, src *bus.MediaRef, destination string) (transport.SendResult, error) {
	res, err := t.request(ctx, frame{
		Op:    "forward",
		Chat:  src.SourceChat,
		MsgID: src.SourceMsgID,
		To:    destination,
	})
	if err != nil {
		return transport.SendResult{}, err
	}
	return transport.SendResult{MessageID: res.MsgID}, nil
}

// request sends one frame and waits for the matching result frame.
func (t *Transport) request(ctx context.Context, req frame) (frame, error) {
	req.ID = uuid.NewString()
	ch := make(chan frame, 1)

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return frame{}, transport.ErrNotConnected
	}
	t.pending[req.ID] = ch
	data, err := json.Marshal(req)
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	t.mu.Unlock()

	if err != nil {
		t.dropPending(req.ID)
		return frame{}, fmt.Errorf("bridge: write %s: %w", req.Op, err)
	}

	timeout := time.NewTimer(requestTimeout)
	defer timeout.Stop()
	select {
	case res := <-ch:
		if !res.OK {
			return frame{}, fmt.Errorf("bridge: %s rejected: %s", req.Op, res.Error)
		}
		return res, nil
	case <-ctx.Done():
		t.dropPending(req.ID)
		return frame{}, ctx.Err()
	case <-timeout.C:
		t.dropPending(req.ID)
		return frame{}, fmt.Errorf("bridge: %s timed out", req.Op)
	}
}

func (t *Transport) dropPending(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	conn, _, err := dialer.Dial(t.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	slog.Info("bridge connected", "url", t.cfg.URL)
	return nil
}

// listenLoop reads frames with automatic reconnection.
func (t *Transport) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		if conn == nil {
			slog.Info("attempting bridge reconnect", "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := t.connect(); err != nil {
				slog.Warn("bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("bridge read error, will reconnect", "error", err)
			t.teardown()
			continue
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			slog.Warn("invalid bridge frame", "error", err)
			continue
		}

		switch f.Op {
		case "result":
			t.mu.Lock()
			ch := t.pending[f.ID]
			delete(t.pending, f.ID)
			t.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case "message":
			t.handleMessage(f)
		}
	}
}

// teardown closes the connection and fails all in-flight requests so callers
// do not hang across a reconnect.
func (t *Transport) teardown() {
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.connected = false
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- frame{Op: "result", ID: id, OK: false, Error: "connection lost"}
	}
	t.mu.Unlock()
}

func (t *Transport) handleMessage(f frame) {
	if f.From == "" {
		return
	}
	chat := f.Chat
	if chat == "" {
		chat = f.From
	}

	msg := bus.InboundMessage{
		Channel:    "bridge",
		MessageID:  f.MsgID,
		SenderID:   f.From,
		SenderName: f.FromName,
		ChatID:     chat,
		Content:    f.Content,
		QuotedID:   f.QuoteID,
		QuotedText: f.Quote,
		Timestamp:  time.Now().UnixMilli(),
	}
	if f.Media != nil {
		msg.Media = &bus.MediaRef{
			Kind:        f.Media.Kind,
			FileID:      f.Media.FileID,
			FileName:    f.Media.FileName,
			MimeType:    f.Media.MimeType,
			FileSize:    f.Media.Size,
			SourceChat:  chat,
			SourceMsgID: f.MsgID,
		}
	}

	slog.Debug("bridge message received", "sender", f.From, "chat", chat, "has_media", msg.Media != nil)
	t.msgBus.PublishInbound(msg)
}

func encodeBase64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func decodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
