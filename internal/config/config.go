package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	APIKey     string `envconfig:"TORBOX_API_KEY" required:"true"`
	APIBase    string `envconfig:"TORBOX_API_BASE" default:"https://api.torbox.app"`
	APIVersion string `envconfig:"TORBOX_API_VERSION" default:"v1"`

	WatchDir    string `envconfig:"WATCH_DIR" default:"/app/watch"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"/app/downloads"`

	// Optional per-service subdirectories. Setting any of them switches the
	// watcher into dual-directory mode with separate radarr/sonarr pairs.
	RadarrWatchSubdir    string `envconfig:"RADARR_WATCH_SUBDIR"`
	RadarrDownloadSubdir string `envconfig:"RADARR_DOWNLOAD_SUBDIR"`
	SonarrWatchSubdir    string `envconfig:"SONARR_WATCH_SUBDIR"`
	SonarrDownloadSubdir string `envconfig:"SONARR_DOWNLOAD_SUBDIR"`

	WatchInterval          time.Duration `envconfig:"WATCH_INTERVAL" default:"60s"`
	ProgressInterval       time.Duration `envconfig:"PROGRESS_INTERVAL" default:"15s"`
	KeepTrackedFor         time.Duration `envconfig:"KEEP_TRACKED_FOR" default:"24h"`
	EvictionInterval       time.Duration `envconfig:"EVICTION_INTERVAL" default:"1h"`
	MaxRetries             int           `envconfig:"MAX_RETRIES" default:"2"`
	MaxStatusCheckFailures int           `envconfig:"MAX_STATUS_CHECK_FAILURES" default:"5"`
	MaxParallelSubmits     int           `envconfig:"MAX_PARALLEL_SUBMITS" default:"5"`

	SeedPreference   int  `envconfig:"SEED_PREFERENCE" default:"1"`
	PostProcessing   int  `envconfig:"POST_PROCESSING" default:"-1"`
	AllowZip         bool `envconfig:"ALLOW_ZIP" default:"false"`
	QueueImmediately bool `envconfig:"QUEUE_IMMEDIATELY" default:"false"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"history.db"`

	Telemetry struct {
		Enabled bool `split_words:"true" default:"true"`
	}

	Dashboard struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// DirMapping pairs a watch directory with the download directory its
// submissions are delivered to.
type DirMapping struct {
	WatchDir    string
	DownloadDir string
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

// DualDirectoryMode reports whether separate radarr/sonarr pairs are configured.
func (c *Config) DualDirectoryMode() bool {
	return c.RadarrWatchSubdir != "" || c.RadarrDownloadSubdir != "" ||
		c.SonarrWatchSubdir != "" || c.SonarrDownloadSubdir != ""
}

// DirMappings resolves the watch->download directory pairs the watcher scans.
// In single-directory mode the base directories are used as-is.
func (c *Config) DirMappings() []DirMapping {
	if !c.DualDirectoryMode() {
		return []DirMapping{{WatchDir: c.WatchDir, DownloadDir: c.DownloadDir}}
	}

	return []DirMapping{
		{
			WatchDir:    filepath.Join(c.WatchDir, orDefault(c.RadarrWatchSubdir, "radarr")),
			DownloadDir: filepath.Join(c.DownloadDir, orDefault(c.RadarrDownloadSubdir, "radarr")),
		},
		{
			WatchDir:    filepath.Join(c.WatchDir, orDefault(c.SonarrWatchSubdir, "sonarr")),
			DownloadDir: filepath.Join(c.DownloadDir, orDefault(c.SonarrDownloadSubdir, "sonarr")),
		},
	}
}

// DefaultDownloadDir is where dashboard-triggered jobs land when the caller
// doesn't pick a destination.
func (c *Config) DefaultDownloadDir() string {
	return c.DirMappings()[0].DownloadDir
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}

	return s
}
