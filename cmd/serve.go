package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaydesk/internal/alerts"
	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/dedup"
	"github.com/nextlevelbuilder/relaydesk/internal/digest"
	"github.com/nextlevelbuilder/relaydesk/internal/gateway"
	"github.com/nextlevelbuilder/relaydesk/internal/governor"
	"github.com/nextlevelbuilder/relaydesk/internal/media"
	"github.com/nextlevelbuilder/relaydesk/internal/msgindex"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/resolver"
	"github.com/nextlevelbuilder/relaydesk/internal/router"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/ticket"
	"github.com/nextlevelbuilder/relaydesk/internal/tracing"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
	"github.com/nextlevelbuilder/relaydesk/internal/transport/bridge"
	"github.com/nextlevelbuilder/relaydesk/internal/transport/telegram"
	"github.com/nextlevelbuilder/relaydesk/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the message router (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		fmt.Println("No configuration found. Starting setup wizard...")
		fmt.Println()
		runOnboard()
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry first so spans cover startup of everything else.
	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without tracing", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	dataDir := config.ExpandHome(cfg.Store.Dir)
	if dataDir == "" {
		dataDir = config.ExpandHome("~/.relaydesk/data")
	}
	os.MkdirAll(dataDir, 0755)

	kv, err := store.Open(store.Config{
		Backend:     cfg.Store.Backend,
		Dir:         dataDir,
		SQLitePath:  config.ExpandHome(cfg.Store.SQLitePath),
		PostgresDSN: cfg.Store.PostgresDSN,
	})
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	msgBus := bus.New()

	// Transports. The control conversation lives on one of them; customers may
	// arrive on any enabled transport.
	transports := make(map[string]transport.Transport)
	if cfg.Transports.Bridge.Enabled {
		br, err := bridge.New(cfg.Transports.Bridge, msgBus, dataDir)
		if err != nil {
			slog.Error("bridge transport setup failed", "error", err)
			os.Exit(1)
		}
		transports[br.Name()] = br
	}
	if cfg.Transports.Telegram.Enabled {
		tg, err := telegram.New(cfg.Transports.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram transport setup failed", "error", err)
			os.Exit(1)
		}
		transports[tg.Name()] = tg
	}
	if len(transports) == 0 {
		slog.Error("no transport enabled; enable transports.bridge or transports.telegram")
		os.Exit(1)
	}
	controlTr, ok := transports[cfg.Control.Transport]
	if !ok {
		slog.Error("control transport not enabled", "transport", cfg.Control.Transport)
		os.Exit(1)
	}
	// Customer traffic flows on the non-control transport when two are enabled,
	// otherwise customers and staff share one.
	customerTr := controlTr
	for name, tr := range transports {
		if name != cfg.Control.Transport {
			customerTr = tr
		}
	}

	// Core pipeline components.
	filter := dedup.New(dedup.Config{
		TTL:        config.Duration(cfg.Dedup.TTL, 8*time.Second),
		MaxEntries: cfg.Dedup.MaxEntries,
	})
	tickets := ticket.NewStore(kv, config.Duration(cfg.Tickets.ReuseWindow, 6*time.Hour))
	index := msgindex.New(msgindex.Config{
		TTL: config.Duration(cfg.Resolver.IndexTTL, 24*time.Hour),
		KV:  kv,
	})
	ticketType := cfg.Tickets.Type
	if ticketType == "" {
		ticketType = "support"
	}
	res := resolver.New(index, tickets, ticketType, config.Duration(cfg.Resolver.StickyTTL, 15*time.Minute))

	gov := governor.New(governorLimits(cfg.Governor), kv)

	queueCfg := queue.Config{
		MaxSize:      cfg.Queue.MaxSize,
		DedupWindow:  config.Duration(cfg.Queue.DedupWindow, 5*time.Second),
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryBackoff: config.Duration(cfg.Queue.RetryBase, time.Second),
		RetryMax:     config.Duration(cfg.Queue.RetryMax, 30*time.Second),
		SendTimeout:  config.Duration(cfg.Queue.SendTimeout, 30*time.Second),
		PacePerSec:   cfg.Queue.PacePerSecond,
		KV:           kv,
	}
	mediaCfg := media.Config{
		AttemptTimeout:   config.Duration(cfg.Media.AttemptTimeout, 30*time.Second),
		DownloadRetries:  cfg.Media.DownloadRetries,
		DownloadDelay:    config.Duration(cfg.Media.DownloadRetryDelay, 2*time.Second),
		MaxDownloadBytes: cfg.Media.MaxBytes,
		SanitizeImages:   cfg.Media.SanitizeImages,
	}

	customerQueue := queue.New(queueCfg, gov, customerTr)
	customerLane := router.Lane{
		Queue: customerQueue,
		Media: media.New(mediaCfg, customerQueue, customerTr),
	}
	controlLane := customerLane
	if controlTr != customerTr {
		controlQueue := queue.New(queueCfg, gov, controlTr)
		controlLane = router.Lane{
			Queue: controlQueue,
			Media: media.New(mediaCfg, controlQueue, controlTr),
		}
	}

	rt := router.New(router.Config{
		TicketType:     ticketType,
		ControlChatID:  cfg.Control.ChatID,
		ControlChannel: controlChannel(cfg, transports),
		StaffIDs:       cfg.Control.StaffIDs,
	}, filter, tickets, index, res, gov, customerLane, controlLane, msgBus)

	dropToEvent := func(it *queue.Item, err error) {
		msgBus.Broadcast(bus.Event{
			Name: protocol.EventSendFailed,
			Payload: protocol.SendFailedEvent{
				Destination: it.Destination,
				Error:       err.Error(),
			},
		})
	}
	customerLane.Queue.OnDrop(dropToEvent)
	if controlLane.Queue != customerLane.Queue {
		controlLane.Queue.OnDrop(dropToEvent)
	}

	// Start transports and queues.
	for name, tr := range transports {
		if err := tr.Start(ctx); err != nil {
			slog.Error("transport start failed", "transport", name, "error", err)
			os.Exit(1)
		}
	}
	customerLane.Queue.Start()
	if controlLane.Queue != customerLane.Queue {
		controlLane.Queue.Start()
	}

	// Inbound consumer: every message from every transport funnels through the
	// router, one at a time.
	go func() {
		slog.Info("inbound message consumer started")
		for {
			msg, ok := msgBus.ConsumeInbound(ctx)
			if !ok {
				return
			}
			msgCtx, span := tracing.StartInbound(ctx, msg.Channel, msg.ChatID)
			rt.Handle(msgCtx, msg)
			span.End()
		}
	}()

	// Optional digest schedule.
	if cfg.Digest.Enabled {
		schedule := cfg.Digest.Schedule
		if schedule == "" {
			schedule = "0 9 * * *"
		}
		sched, err := digest.New(schedule, rt)
		if err != nil {
			slog.Error("invalid digest schedule", "schedule", schedule, "error", err)
			os.Exit(1)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	// Optional Discord ops alerts.
	if cfg.Alerts.Enabled {
		sink, err := alerts.NewSink(cfg.Alerts, msgBus)
		if err != nil {
			slog.Warn("discord alert sink setup failed", "error", err)
		} else if err := sink.Start(); err != nil {
			slog.Warn("discord alert sink start failed", "error", err)
		} else {
			defer sink.Stop()
		}
	}

	// Hot-reload governor limits when the config file changes.
	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		gov.SetLimits(governorLimits(next.Governor))
		slog.Info("governor limits reloaded")
	}); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		customerLane.Queue.Stop()
		if controlLane.Queue != customerLane.Queue {
			controlLane.Queue.Stop()
		}
		for _, tr := range transports {
			tr.Stop(stopCtx)
		}
		shutdownTracing(stopCtx)

		cancel()
	}()

	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	slog.Info("relaydesk starting",
		"version", Version,
		"transports", names,
		"control", cfg.Control.Transport,
		"store", kvBackendName(cfg.Store.Backend),
	)

	if cfg.Gateway.Port > 0 {
		server := gateway.NewServer(cfg.Gateway, rt, msgBus, names)
		if err := server.Start(ctx); err != nil {
			slog.Error("gateway error", "error", err)
			os.Exit(1)
		}
		return
	}

	<-ctx.Done()
}

// governorLimits maps config strings onto governor.Limits, skipping windows
// that fail to parse.
func governorLimits(gc config.GovernorConfig) governor.Limits {
	var windows []governor.Window
	for _, raw := range gc.Windows {
		w, err := governor.ParseWindow(raw)
		if err != nil {
			slog.Warn("ignoring invalid send window", "window", raw, "error", err)
			continue
		}
		windows = append(windows, w)
	}
	return governor.Limits{
		Windows:         windows,
		MinGap:          config.Duration(gc.MinGap, 3*time.Second),
		DailyMaxGlobal:  gc.DailyMaxGlobal,
		DailyMaxPerChat: gc.DailyMaxPerChat,
		BurstWindow:     config.Duration(gc.BurstWindow, 60*time.Second),
		BurstMaxGlobal:  gc.BurstMaxGlobal,
		BurstMaxPerChat: gc.BurstMaxPerChat,
		MaxTrackedChats: gc.MaxTrackedChats,
	}
}

// controlChannel returns the transport name staff traffic arrives on, or ""
// when a single transport carries both sides and chat id alone disambiguates.
func controlChannel(cfg *config.Config, transports map[string]transport.Transport) string {
	if len(transports) < 2 {
		return ""
	}
	return cfg.Control.Transport
}

func kvBackendName(backend string) string {
	if backend == "" {
		return "file"
	}
	return backend
}
