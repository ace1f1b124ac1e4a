package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/torbox_watcher/internal/config"
	"github.com/italolelis/torbox_watcher/internal/extract"
	"github.com/italolelis/torbox_watcher/internal/fetch"
	"github.com/italolelis/torbox_watcher/internal/http/rest"
	"github.com/italolelis/torbox_watcher/internal/logctx"
	"github.com/italolelis/torbox_watcher/internal/notifier"
	"github.com/italolelis/torbox_watcher/internal/session"
	"github.com/italolelis/torbox_watcher/internal/storage"
	"github.com/italolelis/torbox_watcher/internal/storage/sqlite"
	"github.com/italolelis/torbox_watcher/internal/telemetry"
	"github.com/italolelis/torbox_watcher/internal/torbox"
	"github.com/italolelis/torbox_watcher/internal/tracker"
	"github.com/italolelis/torbox_watcher/internal/watch"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("torbox watcher starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer database.Close()

	history := sqlite.NewHistoryRepository(database)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "torbox_watcher",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start TorBox Client
	api := torbox.NewClient(cfg.APIBase, cfg.APIVersion, cfg.APIKey, cfg.MaxRetries)

	// =========================================================================
	// Start Watcher
	jobs := tracker.New()
	registry := session.NewRegistry()
	reporter := session.NewReporter(cfg.ProgressInterval, registry)
	normalizer := extract.NewNormalizer(reporter, registry)

	fetcher := fetch.NewFetcher(nil, jobs, registry, reporter, normalizer, tel)
	defer fetcher.Close()

	watcher := watch.NewWatcher(api, jobs, registry, fetcher, tel, watch.Options{
		Mappings:               cfg.DirMappings(),
		DefaultDownloadDir:     cfg.DefaultDownloadDir(),
		MaxStatusCheckFailures: cfg.MaxStatusCheckFailures,
		MaxParallelSubmits:     cfg.MaxParallelSubmits,
		SeedPreference:         cfg.SeedPreference,
		PostProcessing:         cfg.PostProcessing,
		AllowZip:               cfg.AllowZip,
		QueueImmediately:       cfg.QueueImmediately,
	})

	if err := watcher.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to prepare directories: %w", err)
	}

	// =========================================================================
	// Start Notification
	setupNotificationForFetcher(ctx, fetcher, history, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, api, watcher, jobs, registry, history, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for submissions...",
		"watch_dirs", len(cfg.DirMappings()),
		"dual_directory_mode", cfg.DualDirectoryMode(),
		"watch_interval", cfg.WatchInterval.String(),
		"retention", cfg.KeepTrackedFor.String(),
	)

	// =========================================================================
	// Start Eviction
	setupEviction(ctx, jobs, tel, cfg)

	// =========================================================================
	// Start Main Loop
	ticker := time.NewTicker(cfg.WatchInterval)
	defer ticker.Stop()

	watcher.Cycle(ctx)

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
			logger.Info("start shutdown")

			// Give outstanding requests a deadline for completion.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			return ctx.Err()
		case <-ticker.C:
			watcher.Cycle(ctx)
		}
	}
}

func setupNotificationForFetcher(ctx context.Context, fetcher *fetch.Fetcher, history storage.HistoryWriteRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for event := range fetcher.OnDownloadError {
			logger.Error("download failed", "identifier", event.Identifier, "name", event.Name, "err", event.Err)

			if err := history.RecordDownload(storage.DownloadRecord{
				Identifier: event.Identifier,
				Kind:       string(event.Kind),
				Name:       event.Name,
				Dir:        event.DownloadDir,
				Status:     "failed",
				FinishedAt: time.Now(),
			}); err != nil {
				logger.Error("failed to record download history", "err", err)
			}

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"❌ Download failed: " + event.Name,
			); notifyErr != nil {
				logger.Error("failed to send notification", "identifier", event.Identifier, "err", notifyErr)
			}
		}
	}()

	go func() {
		for event := range fetcher.OnDownloadFinished {
			logger.Info("download finished", "identifier", event.Identifier, "name", event.Name, "path", event.Path)

			if err := history.RecordDownload(storage.DownloadRecord{
				Identifier: event.Identifier,
				Kind:       string(event.Kind),
				Name:       event.Name,
				Dir:        event.DownloadDir,
				Status:     "downloaded",
				FinishedAt: time.Now(),
			}); err != nil {
				logger.Error("failed to record download history", "err", err)
			}

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"✅ Download finished: " + event.Name,
			); notifyErr != nil {
				logger.Error("failed to send notification", "identifier", event.Identifier, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	api *torbox.Client,
	watcher *watch.Watcher,
	jobs *tracker.Tracker,
	registry *session.Registry,
	history storage.HistoryReadRepository,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	dHandler := rest.NewDashboardHandler(
		cfg.Dashboard.Username,
		cfg.Dashboard.Password,
		api,
		watcher,
		jobs,
		registry,
		history,
		tel,
	)

	r := chi.NewRouter()
	r.Mount("/", dHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupEviction(ctx context.Context, jobs *tracker.Tracker, tel *telemetry.Telemetry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		evictionTicker := time.NewTicker(cfg.EvictionInterval)
		defer evictionTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("eviction goroutine shutting down.")

				return
			case <-evictionTicker.C:
				if evicted := jobs.EvictStale(cfg.KeepTrackedFor); evicted > 0 {
					logger.Warn("evicted stale jobs", "count", evicted, "max_age", cfg.KeepTrackedFor.String())
					tel.JobTracked(ctx, -int64(evicted))
				}
			}
		}
	}()
}
