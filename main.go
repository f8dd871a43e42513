// Command clip-tender keeps a Postgres mirror of one Twitch broadcaster's clips.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Schedules the full backfill and the incremental recent-clip check, optionally
//     adapting the check cadence to whether the broadcaster is live.
//   - Registers an EventSub clip subscription when a callback URL is configured.
//   - Serves the random clip API, single clip resync, the EventSub webhook, health,
//     readiness and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/onnwee/clip-tender/clips"
	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/notify"
	"github.com/onnwee/clip-tender/server"
	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	config.LoadDotEnv()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("clip-tender", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded schema as fallback.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	tokens := &twitchapi.TokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		TokenURL:     cfg.TwitchTokenURL,
	}
	helix := &twitchapi.HelixClient{
		AppTokenSource: tokens,
		ClientID:       cfg.TwitchClientID,
		BaseURL:        cfg.TwitchHelixURL,
	}
	store := db.NewClipStore(database)

	var notifier clips.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewDiscord(cfg.NotifyWebhookURL, cfg.NotifyTimeout)
	} else {
		slog.Info("clip notifications disabled (NOTIFY_WEBHOOK_URL unset)")
	}

	syncer := clips.NewSyncer(helix, store, notifier, cfg.TwitchBroadcaster)
	syncer.PageSize = cfg.ClipPageSize
	syncer.PageDelay = cfg.ClipPageDelay
	syncer.RecentWindow = cfg.RecentWindow
	syncer.NotifyTimeout = cfg.NotifyTimeout

	scheduler := clips.NewScheduler(syncer, clips.ScheduleConfig{
		Backfill:        cfg.BackfillSchedule,
		Check:           cfg.CheckSchedule,
		Adaptive:        cfg.Adaptive(),
		Liveness:        cfg.LivenessSchedule,
		LiveInterval:    cfg.LiveCheckInterval,
		OfflineInterval: cfg.OfflineCheckInterval,
	})
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("err", err))
		os.Exit(1)
	}

	mux := server.NewMux(ctx, cfg, server.Deps{
		Store:            store,
		Syncer:           syncer,
		MigrationVersion: func() (uint, bool, error) { return db.GetMigrationVersion(database) },
	})
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		slog.Error("http listen failed", slog.String("addr", cfg.HTTPAddr), slog.Any("err", err))
		os.Exit(1)
	}
	go func() {
		if err := server.Start(ctx, mux, ln); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	// Subscribe only once the listener is bound, so the verification challenge that
	// follows the subscribe call can be answered.
	if cfg.EventSubCallbackURL != "" {
		go func() {
			subCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := syncer.EnsureSubscription(subCtx, cfg.EventSubCallbackURL, cfg.EventSubSecret); err != nil {
				slog.Warn("eventsub subscription failed, relying on polling", slog.Any("err", err), slog.String("component", "eventsub"))
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		slog.Warn("scheduler did not stop cleanly", slog.Any("err", err))
	}
	if err := syncer.WaitNotifications(stopCtx); err != nil {
		slog.Warn("pending clip notifications abandoned", slog.Any("err", err))
	}
}
