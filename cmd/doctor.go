package cmd

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/governor"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("relaydesk doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: relaydesk onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	fmt.Println()
	fmt.Println("  Transports:")
	checkTransport("Telegram", cfg.Transports.Telegram.Enabled, cfg.Transports.Telegram.Token != "", "RELAYDESK_TELEGRAM_TOKEN")
	checkTransport("Bridge", cfg.Transports.Bridge.Enabled, cfg.Transports.Bridge.Token != "", "RELAYDESK_BRIDGE_TOKEN")
	if cfg.Transports.Bridge.Enabled {
		if _, urlErr := url.Parse(cfg.Transports.Bridge.URL); urlErr != nil || cfg.Transports.Bridge.URL == "" {
			fmt.Printf("    %-12s invalid bridge URL %q\n", "", cfg.Transports.Bridge.URL)
		}
	}
	fmt.Printf("    %-12s %s (chat %s)\n", "Control:", orUnset(cfg.Control.Transport), orUnset(cfg.Control.ChatID))

	fmt.Println()
	fmt.Println("  Store:")
	fmt.Printf("    %-12s %s\n", "Backend:", kvBackendName(cfg.Store.Backend))
	switch cfg.Store.Backend {
	case "postgres":
		checkPostgres(cfg.Store.PostgresDSN)
	default:
		checkFileStore(cfg)
	}

	fmt.Println()
	fmt.Println("  Governor:")
	if len(cfg.Governor.Windows) == 0 {
		fmt.Printf("    %-12s always allowed\n", "Windows:")
	}
	for _, raw := range cfg.Governor.Windows {
		if _, err := governor.ParseWindow(raw); err != nil {
			fmt.Printf("    %-12s %s (INVALID: %s)\n", "Windows:", raw, err)
		} else {
			fmt.Printf("    %-12s %s (OK)\n", "Windows:", raw)
		}
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	if cfg.Gateway.Port <= 0 {
		fmt.Printf("    %-12s disabled\n", "Status:")
	} else {
		fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
		if cfg.Gateway.Token == "" {
			fmt.Printf("    %-12s no token set (RELAYDESK_GATEWAY_TOKEN) — endpoints are open\n", "Auth:")
		} else {
			fmt.Printf("    %-12s token configured\n", "Auth:")
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkTransport(name string, enabled, hasCredentials bool, envVar string) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = fmt.Sprintf("enabled (missing credentials — set %s)", envVar)
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkFileStore(cfg *config.Config) {
	dir := config.ExpandHome(cfg.Store.Dir)
	if dir == "" {
		dir = config.ExpandHome("~/.relaydesk/data")
	}
	fmt.Printf("    %-12s %s", "Data dir:", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
		return
	}
	fmt.Println(" (OK)")

	kv, err := store.Open(store.Config{
		Backend:    cfg.Store.Backend,
		Dir:        dir,
		SQLitePath: config.ExpandHome(cfg.Store.SQLitePath),
	})
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	kv.Close()
	fmt.Printf("    %-12s OK\n", "Status:")
}

func checkPostgres(dsn string) {
	if dsn == "" {
		fmt.Printf("    %-12s no DSN (set RELAYDESK_POSTGRES_DSN)\n", "Status:")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	var version int
	var dirty bool
	row := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1")
	if scanErr := row.Scan(&version, &dirty); scanErr != nil {
		fmt.Printf("    %-12s connected (no migrations — run: relaydesk migrate up)\n", "Status:")
		return
	}
	if dirty {
		fmt.Printf("    %-12s schema v%d (DIRTY — run: relaydesk migrate force %d)\n", "Status:", version, version-1)
		return
	}
	fmt.Printf("    %-12s schema v%d\n", "Status:", version)
}

func orUnset(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(unset)"
	}
	return s
}
