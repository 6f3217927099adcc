package config

import (
	"time"
)

// Config is the root configuration for the RelayDesk router.
type Config struct {
	Tickets    TicketsConfig    `json:"tickets"`
	Dedup      DedupConfig      `json:"dedup,omitempty"`
	Resolver   ResolverConfig   `json:"resolver,omitempty"`
	Governor   GovernorConfig   `json:"governor,omitempty"`
	Queue      QueueConfig      `json:"queue,omitempty"`
	Media      MediaConfig      `json:"media,omitempty"`
	Control    ControlConfig    `json:"control"`
	Transports TransportsConfig `json:"transports"`
	Store      StoreConfig      `json:"store,omitempty"`
	Gateway    GatewayConfig    `json:"gateway,omitempty"`
	Digest     DigestConfig     `json:"digest,omitempty"`
	Alerts     AlertsConfig     `json:"alerts,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
}

// TicketsConfig controls ticket lifecycle.
type TicketsConfig struct {
	// Type is the ticket category tag, one channel name per deployment.
	Type string `json:"type,omitempty"` // default "support"
	// ReuseWindow closes an open ticket that has been inactive longer than
	// this before the next inbound message (Go duration, default "6h").
	ReuseWindow string `json:"reuse_window,omitempty"`
}

// DedupConfig controls the inbound duplicate filter.
type DedupConfig struct {
	TTL        string `json:"ttl,omitempty"`         // default "8s"
	MaxEntries int    `json:"max_entries,omitempty"` // default 4096
}

// ResolverConfig controls staff-side ticket resolution.
type ResolverConfig struct {
	// StickyTTL is how long a staff member's last-touched ticket remains the
	// implicit reply target (default "15m").
	StickyTTL string `json:"sticky_ttl,omitempty"`
	// IndexTTL is how long ticket cards stay resolvable by quote (default "24h").
	IndexTTL string `json:"index_ttl,omitempty"`
}

// GovernorConfig controls outbound rate limiting.
type GovernorConfig struct {
	// Windows are allowed send windows within a local day, "HH:MM-HH:MM";
	// a window may wrap past midnight ("22:00-02:00"). Empty = always allowed.
	Windows []string `json:"windows,omitempty"`
	// MinGap is the minimum spacing between sends to one destination
	// (default "3s").
	MinGap string `json:"min_gap,omitempty"`
	// DailyMaxGlobal / DailyMaxPerChat cap sends per local calendar day.
	// 0 = unlimited.
	DailyMaxGlobal  int `json:"daily_max_global,omitempty"`
	DailyMaxPerChat int `json:"daily_max_per_chat,omitempty"`
	// BurstWindow and the burst caps bound sends within a trailing window
	// (defaults "60s", 0 = unlimited).
	BurstWindow     string `json:"burst_window,omitempty"`
	BurstMaxGlobal  int    `json:"burst_max_global,omitempty"`
	BurstMaxPerChat int    `json:"burst_max_per_chat,omitempty"`
	// MaxTrackedChats bounds the per-destination counter map (default 512).
	MaxTrackedChats int `json:"max_tracked_chats,omitempty"`
}

// QueueConfig controls the outbound delivery queue.
type QueueConfig struct {
	MaxSize     int    `json:"max_size,omitempty"`     // default 256
	DedupWindow string `json:"dedup_window,omitempty"` // default "5s"
	MaxRetries  int    `json:"max_retries,omitempty"`  // default 3
	RetryBase   string `json:"retry_base,omitempty"`   // default "1s", doubles per attempt
	RetryMax    string `json:"retry_max,omitempty"`    // default "30s"
	// PacePerSecond limits dispatch rate regardless of governor verdicts
	// (default 1.0).
	PacePerSecond float64 `json:"pace_per_second,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"` // default "30s"
}

// MediaConfig controls the media delivery fallback chain.
type MediaConfig struct {
	AttemptTimeout     string `json:"attempt_timeout,omitempty"`      // default "30s"
	DownloadRetries    int    `json:"download_retries,omitempty"`     // default 3
	DownloadRetryDelay string `json:"download_retry_delay,omitempty"` // default "2s"
	MaxBytes           int64  `json:"max_bytes,omitempty"`            // default 20MB
	// SanitizeImages re-encodes downloaded images before resending.
	SanitizeImages bool `json:"sanitize_images,omitempty"`
}

// ControlConfig names the staff control conversation.
type ControlConfig struct {
	// Transport the control conversation lives on ("bridge" or "telegram").
	Transport string `json:"transport"`
	// ChatID of the staff control conversation.
	ChatID string `json:"chat_id"`
	// Staff ids allowed to issue reply commands. Empty = anyone in the
	// control conversation.
	StaffIDs []string `json:"staff_ids,omitempty"`
}

// TransportsConfig configures the chat connectors.
type TransportsConfig struct {
	Bridge   BridgeConfig   `json:"bridge,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// BridgeConfig configures the WebSocket chat bridge. The bridge process owns
// login and QR pairing; this side only speaks JSON over WS.
type BridgeConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"-"` // from env RELAYDESK_BRIDGE_TOKEN only
}

// TelegramConfig configures the Telegram Bot API transport.
type TelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // from env RELAYDESK_TELEGRAM_TOKEN only
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend     string `json:"backend,omitempty"` // "file" (default), "sqlite", "postgres"
	Dir         string `json:"dir,omitempty"`     // file backend data dir (default "~/.relaydesk/data")
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"` // from env RELAYDESK_POSTGRES_DSN only
}

// GatewayConfig configures the status/introspection server.
type GatewayConfig struct {
	Host         string `json:"host,omitempty"` // default "127.0.0.1"
	Port         int    `json:"port,omitempty"` // default 18920, 0 = disabled
	Token        string `json:"-"`              // from env RELAYDESK_GATEWAY_TOKEN only
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"`
}

// DigestConfig schedules the open-ticket digest posted to the control
// conversation.
type DigestConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"` // cron expression, default "0 9 * * *"
}

// AlertsConfig configures the optional Discord ops-alert sink.
type AlertsConfig struct {
	Enabled          bool   `json:"enabled,omitempty"`
	DiscordToken     string `json:"-"` // from env RELAYDESK_DISCORD_TOKEN only
	DiscordChannelID string `json:"discord_channel_id,omitempty"`
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "relaydesk"
	Headers     map[string]string `json:"headers,omitempty"`
}

// Duration parses a duration field with a fallback default.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
