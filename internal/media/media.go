// Package media delivers attachments: it picks between forwarding the
// original message and downloading-then-resending, per media class, with
// fallbacks so the ticket id caption is never silently lost.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
)

// Class is the delivery strategy group for an attachment.
type Class string

const (
	ClassAV    Class = "av"    // voice, audio, video: forward first
	ClassMedia Class = "media" // image, document: download first
	ClassNone  Class = "none"
)

// Classify maps an attachment kind onto its delivery class.
func Classify(ref *bus.MediaRef) Class {
	if ref == nil {
		return ClassNone
	}
	switch ref.Kind {
	case "voice", "audio", "video":
		return ClassAV
	case "image", "document":
		return ClassMedia
	default:
		return ClassNone
	}
}

// Mode reports which path delivered the attachment.
type Mode string

const (
	ModeForward  Mode = "forward"
	ModeDownload Mode = "download"
)

// Outcome is the result of one Deliver call.
type Outcome struct {
	OK   bool
	Mode Mode
}

// Config tunes the state machine.
type Config struct {
	AttemptTimeout   time.Duration
	DownloadRetries  int
	DownloadDelay    time.Duration
	MaxDownloadBytes int64
	SanitizeImages   bool
}

// Machine drives the fallback chain. Every outbound message goes through the
// delivery queue, never directly to the transport; only Download is called
// on the transport itself.
type Machine struct {
	cfg   Config
	q     *queue.Queue
	tr    transport.Transport
	sleep func(time.Duration)
}

func New(cfg Config, q *queue.Queue, tr transport.Transport) *Machine {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.DownloadRetries <= 0 {
		cfg.DownloadRetries = 3
	}
	if cfg.DownloadDelay <= 0 {
		cfg.DownloadDelay = 2 * time.Second
	}
	return &Machine{cfg: cfg, q: q, tr: tr, sleep: time.Sleep}
}

// Deliver relays the attachment behind ref to destination with caption.
// AV class tries forward first, then download-and-resend (audio tagged as a
// voice note). Media class tries download-and-resend first to keep the
// caption attached, then forward plus a separate caption text.
func (m *Machine) Deliver(ctx context.Context, destination string, ref *bus.MediaRef, caption string) Outcome {
	switch Classify(ref) {
	case ClassAV:
		return m.deliverAV(ctx, destination, ref, caption)
	case ClassMedia:
		return m.deliverMedia(ctx, destination, ref, caption)
	default:
		return Outcome{}
	}
}

func (m *Machine) deliverAV(ctx context.Context, destination string, ref *bus.MediaRef, caption string) Outcome {
	if err := m.forward(ctx, destination, ref, caption); err == nil {
		return Outcome{OK: true, Mode: ModeForward}
	} else {
		slog.Warn("media forward failed, falling back to download",
			"kind", ref.Kind, "destination", destination, "error", err)
	}

	upload, err := m.download(ctx, ref)
	if err != nil {
		slog.Error("media delivery failed", "kind", ref.Kind, "destination", destination, "error", err)
		return Outcome{}
	}
	defer os.Remove(upload.FilePath)

	if ref.Kind == "voice" || ref.Kind == "audio" {
		upload.VoiceNote = true
	}
	upload.Caption = caption
	if err := m.sendUpload(ctx, destination, upload); err != nil {
		slog.Error("media delivery failed", "kind", ref.Kind, "destination", destination, "error", err)
		return Outcome{}
	}
	return Outcome{OK: true, Mode: ModeDownload}
}

func (m *Machine) deliverMedia(ctx context.Context, destination string, ref *bus.MediaRef, caption string) Outcome {
	upload, err := m.download(ctx, ref)
	if err == nil {
		defer os.Remove(upload.FilePath)
		upload.Caption = caption
		if err := m.sendUpload(ctx, destination, upload); err == nil {
			return Outcome{OK: true, Mode: ModeDownload}
		} else {
			slog.Warn("media resend failed, falling back to forward",
				"kind", ref.Kind, "destination", destination, "error", err)
		}
	} else {
		slog.Warn("media download failed, falling back to forward",
			"kind", ref.Kind, "destination", destination, "error", err)
	}

	if err := m.forward(ctx, destination, ref, ""); err != nil {
		slog.Error("media delivery failed", "kind", ref.Kind, "destination", destination, "error", err)
		return Outcome{}
	}
	// A raw forward cannot carry our caption; send it as a follow-up so the
	// ticket id survives.
	if caption != "" {
		if _, err := m.q.EnqueueWait(ctx, destination, transport.Payload{Text: caption}, transport.Options{}); err != nil {
			slog.Warn("caption follow-up failed", "destination", destination, "error", err)
		}
	}
	return Outcome{OK: true, Mode: ModeForward}
}

// forward relays the original message through the queue.
func (m *Machine) forward(ctx context.Context, destination string, ref *bus.MediaRef, caption string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()
	_, err := m.q.EnqueueWait(attemptCtx, destination, transport.Payload{Forward: ref}, transport.Options{})
	if err != nil {
		return err
	}
	if caption != "" {
		if _, err := m.q.EnqueueWait(ctx, destination, transport.Payload{Text: caption}, transport.Options{}); err != nil {
			slog.Warn("caption follow-up failed", "destination", destination, "error", err)
		}
	}
	return nil
}

func (m *Machine) sendUpload(ctx context.Context, destination string, upload *transport.MediaUpload) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()
	_, err := m.q.EnqueueWait(attemptCtx, destination, transport.Payload{Media: upload}, transport.Options{})
	return err
}

// download fetches the attachment with bounded retries and a fixed delay
// between attempts, then stages it as an upload.
func (m *Machine) download(ctx context.Context, ref *bus.MediaRef) (*transport.MediaUpload, error) {
	if m.cfg.MaxDownloadBytes > 0 && ref.FileSize > m.cfg.MaxDownloadBytes {
		return nil, fmt.Errorf("media: attachment %d bytes exceeds limit %d", ref.FileSize, m.cfg.MaxDownloadBytes)
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.DownloadRetries; attempt++ {
		if attempt > 0 {
			m.sleep(m.cfg.DownloadDelay)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		path, err := m.tr.Download(attemptCtx, ref)
		cancel()
		if err != nil {
			lastErr = err
			slog.Warn("media download attempt failed", "kind", ref.Kind, "attempt", attempt+1, "error", err)
			continue
		}
		if m.cfg.SanitizeImages && ref.Kind == "image" {
			if clean, err := sanitizeImage(path); err == nil {
				path = clean
			} else {
				slog.Warn("image sanitize failed, sending original", "error", err)
			}
		}
		return &transport.MediaUpload{
			Kind:     ref.Kind,
			FilePath: path,
			FileName: ref.FileName,
			MimeType: ref.MimeType,
		}, nil
	}
	return nil, fmt.Errorf("media: download: %w", lastErr)
}
