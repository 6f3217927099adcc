package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tickets.Type != "support" {
		t.Errorf("Tickets.Type = %q", cfg.Tickets.Type)
	}
	if cfg.Gateway.Port != 18920 {
		t.Errorf("Gateway.Port = %d", cfg.Gateway.Port)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// staff control conversation
		control: { transport: "telegram", chat_id: "-100123" },
		governor: { windows: ["09:00-18:00"], daily_max_global: 50 },
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Control.ChatID != "-100123" {
		t.Errorf("Control.ChatID = %q", cfg.Control.ChatID)
	}
	if len(cfg.Governor.Windows) != 1 || cfg.Governor.Windows[0] != "09:00-18:00" {
		t.Errorf("Governor.Windows = %v", cfg.Governor.Windows)
	}
	if cfg.Governor.DailyMaxGlobal != 50 {
		t.Errorf("DailyMaxGlobal = %d", cfg.Governor.DailyMaxGlobal)
	}
	// Untouched sections keep defaults.
	if cfg.Queue.MaxSize != 256 {
		t.Errorf("Queue.MaxSize = %d", cfg.Queue.MaxSize)
	}
}

func TestEnvOverridesAndSecrets(t *testing.T) {
	t.Setenv("RELAYDESK_TELEGRAM_TOKEN", "tok-123")
	t.Setenv("RELAYDESK_CONTROL_CHAT", "-100999")

	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transports.Telegram.Token != "tok-123" {
		t.Errorf("token not read from env")
	}
	if !cfg.Transports.Telegram.Enabled {
		t.Error("telegram not auto-enabled by env token")
	}
	if cfg.Control.ChatID != "-100999" {
		t.Errorf("Control.ChatID = %q", cfg.Control.ChatID)
	}

	// Secrets never hit the file.
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "tok-123") {
		t.Error("saved config leaked the token")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing control chat")
	}
	cfg.Control.Transport = "telegram"
	cfg.Control.ChatID = "-100123"
	cfg.Transports.Telegram.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", 3*time.Second); got != 3*time.Second {
		t.Errorf("empty = %v", got)
	}
	if got := Duration("90s", time.Second); got != 90*time.Second {
		t.Errorf("90s = %v", got)
	}
	if got := Duration("bogus", 5*time.Second); got != 5*time.Second {
		t.Errorf("bogus = %v", got)
	}
	if got := Duration("-1s", 5*time.Second); got != 5*time.Second {
		t.Errorf("negative = %v", got)
	}
}
