package app

import (
	logx "deptnotify/pkg/logx"
	"fmt"
	"strings"
	"time"

	"deptnotify/internal/config"
	"deptnotify/internal/housekeeping"
	"deptnotify/internal/httpapi"
	"deptnotify/internal/push"
	"deptnotify/internal/push/telegram"
	"deptnotify/internal/storage"
)

const defaultStoragePath = "./data/deptnotify"

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig defaults to the file driver so local state survives
// restarts like browser storage does.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: defaultStoragePath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPushConfig(cfg *config.Config) push.Config {
	return push.Config{RatePerSec: cfg.Push.RatePerSec, RetryMax: 3}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	t := cfg.Push.Telegram
	return telegram.Config{Token: t.Token, Chats: t.Chats, URL: t.URL}
}

func mapHousekeeping(cfg *config.Config) (housekeeping.Config, error) {
	enabled, spec, retention, err := cfg.HousekeepingSettings()
	if err != nil {
		return housekeeping.Config{}, err
	}
	return housekeeping.Config{Enabled: enabled, Spec: spec, Retention: retention}, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	read, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	return httpapi.ServerConfig{
		Addr:           cfg.HTTPAddr(),
		Pprof:          cfg.HTTP.Pprof,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		ReadTimeout:    read,
		IdleTimeout:    idle,
	}, nil
}

// validate is the hot-reload gate: a config that any mapper rejects is not
// committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := cfg.EngineSettings(); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHousekeeping(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Backend.ServiceKey) == "" {
		return fmt.Errorf("admin.enabled requires backend.service_key")
	}
	return nil
}
