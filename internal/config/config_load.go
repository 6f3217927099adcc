package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Tickets: TicketsConfig{
			Type:        "support",
			ReuseWindow: "6h",
		},
		Dedup: DedupConfig{
			TTL:        "8s",
			MaxEntries: 4096,
		},
		Resolver: ResolverConfig{
			StickyTTL: "15m",
			IndexTTL:  "24h",
		},
		Governor: GovernorConfig{
			MinGap:          "3s",
			BurstWindow:     "60s",
			MaxTrackedChats: 512,
		},
		Queue: QueueConfig{
			MaxSize:       256,
			DedupWindow:   "5s",
			MaxRetries:    3,
			RetryBase:     "1s",
			RetryMax:      "30s",
			PacePerSecond: 1.0,
			SendTimeout:   "30s",
		},
		Media: MediaConfig{
			AttemptTimeout:     "30s",
			DownloadRetries:    3,
			DownloadRetryDelay: "2s",
			MaxBytes:           20 * 1024 * 1024,
			SanitizeImages:     true,
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     "~/.relaydesk/data",
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18920,
			RateLimitRPM: 20,
		},
		Digest: DigestConfig{
			Schedule: "0 9 * * *",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "relaydesk",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets (never persisted)
	envStr("RELAYDESK_BRIDGE_TOKEN", &c.Transports.Bridge.Token)
	envStr("RELAYDESK_TELEGRAM_TOKEN", &c.Transports.Telegram.Token)
	envStr("RELAYDESK_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("RELAYDESK_POSTGRES_DSN", &c.Store.PostgresDSN)
	envStr("RELAYDESK_DISCORD_TOKEN", &c.Alerts.DiscordToken)

	// Auto-enable transports when credentials arrive via env
	if c.Transports.Telegram.Token != "" {
		c.Transports.Telegram.Enabled = true
	}
	if v := os.Getenv("RELAYDESK_BRIDGE_URL"); v != "" {
		c.Transports.Bridge.URL = v
		c.Transports.Bridge.Enabled = true
	}
	if c.Alerts.DiscordToken != "" {
		c.Alerts.Enabled = true
	}

	// Control conversation
	envStr("RELAYDESK_CONTROL_TRANSPORT", &c.Control.Transport)
	envStr("RELAYDESK_CONTROL_CHAT", &c.Control.ChatID)
	if v := os.Getenv("RELAYDESK_STAFF_IDS"); v != "" {
		c.Control.StaffIDs = strings.Split(v, ",")
	}

	// Store
	envStr("RELAYDESK_STORE_BACKEND", &c.Store.Backend)
	envStr("RELAYDESK_STORE_DIR", &c.Store.Dir)

	// Gateway host/port
	envStr("RELAYDESK_HOST", &c.Gateway.Host)
	if v := os.Getenv("RELAYDESK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Telemetry
	envStr("RELAYDESK_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("RELAYDESK_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("RELAYDESK_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAYDESK_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file, secrets excluded by `json:"-"` tags.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	if c.Control.ChatID == "" {
		return fmt.Errorf("control.chat_id is required")
	}
	if c.Control.Transport == "" {
		return fmt.Errorf("control.transport is required")
	}
	if !c.Transports.Bridge.Enabled && !c.Transports.Telegram.Enabled {
		return fmt.Errorf("no transport enabled (set transports.bridge.url or RELAYDESK_TELEGRAM_TOKEN)")
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
