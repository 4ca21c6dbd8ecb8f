package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type Config struct {
	Backend      BackendConfig       `json:"backend"`
	Engine       EngineConfig        `json:"engine"`
	Inbox        InboxConfig         `json:"inbox"`
	Push         PushConfig          `json:"push"`
	Storage      *StorageConfig      `json:"storage,omitempty"`
	Logging      LoggingConfig       `json:"logging"`
	HTTP         HTTPConfig          `json:"http"`
	Admin        AdminConfig         `json:"admin"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
	Secrets      SecretsConfig       `json:"secrets"`
}

// BackendConfig points at the hosted data service.
//
// APIKey is the public (anon) key sent with every request. ServiceKey is only
// needed when the privileged intermediary is enabled; never log either.
type BackendConfig struct {
	BaseURL     string `json:"base_url"`
	RealtimeURL string `json:"realtime_url,omitempty"` // default: base_url with ws(s) scheme + /realtime/v1/websocket
	APIKey      string `json:"api_key"`
	ServiceKey  string `json:"service_key,omitempty"`
	// Timeout is a Go duration string applied per request. Default "10s".
	Timeout string `json:"timeout,omitempty"`
	// BreakerTimeout is how long the circuit stays open after a failure. Default "30s".
	BreakerTimeout string `json:"breaker_timeout,omitempty"`
}

// EngineConfig controls the notification delivery engine.
//
// Defaults (when fields are omitted/zero):
//   - mode: "poll"
//   - interval: "10s"
//   - fallback_interval: interval
//   - resubscribe_max: "1m"
//   - dedup_window: "0s" (disabled)
//   - dedup_max_entries: 2000
type EngineConfig struct {
	Mode             string `json:"mode,omitempty"`
	Interval         string `json:"interval,omitempty"`
	FallbackInterval string `json:"fallback_interval,omitempty"`
	ResubscribeMax   string `json:"resubscribe_max,omitempty"`
	DedupWindow      string `json:"dedup_window,omitempty"`
	DedupMaxEntries  int    `json:"dedup_max_entries,omitempty"`
}

type InboxConfig struct {
	Capacity int `json:"capacity,omitempty"` // default 50
}

// PushConfig controls OS push delivery.
//
// The telegram channel is the durable one: messages reach the user's device
// even when no local view is open. The log channel only lives as long as the
// process and is used when telegram is not configured.
type PushConfig struct {
	RatePerSec int          `json:"rate_per_sec,omitempty"` // default 1
	Telegram   PushTelegram `json:"telegram"`
	LogChannel bool         `json:"log_channel,omitempty"`
}

// PushTelegram binds each identity to its own chat. Keys are identity IDs or
// emails; an identity with no entry gets no telegram messages.
//
//	"telegram": { "enabled": true, "chats": { "ana@dept.example": 42 } }
type PushTelegram struct {
	Enabled bool             `json:"enabled"`
	Token   string           `json:"token,omitempty"`
	Chats   map[string]int64 `json:"chats,omitempty"`
	// URL overrides the bot API endpoint. Tests point it at an httptest server.
	URL string `json:"url,omitempty"`
}

// ParseChats reads bindings written as "identity=chat_id" pairs separated by
// commas, the form used by the environment and the keyring.
func ParseChats(s string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		who, id, ok := strings.Cut(pair, "=")
		who = strings.TrimSpace(who)
		if !ok || who == "" {
			return nil, fmt.Errorf("telegram chat binding %q: want identity=chat_id", pair)
		}
		chat, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram chat binding %q: %w", pair, err)
		}
		out[who] = chat
	}
	return out, nil
}

func validateChats(chats map[string]int64) error {
	var errs []error
	owner := make(map[int64]string, len(chats))
	for who, chat := range chats {
		key := strings.ToLower(strings.TrimSpace(who))
		if key == "" || chat == 0 {
			errs = append(errs, fmt.Errorf("push.telegram.chats: invalid binding %q=%d", who, chat))
			continue
		}
		if prev, ok := owner[chat]; ok && prev != key {
			errs = append(errs, fmt.Errorf("push.telegram.chats: chat %d bound to both %q and %q", chat, min(prev, key), max(prev, key)))
			continue
		}
		owner[chat] = key
	}
	return errors.Join(errs...)
}

// StorageConfig controls local persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
//
// Drivers: "file" (snapshot + journal), "sqlite", "memory".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the local views API.
//
// Prefer binding to localhost; the API carries the signed-in user's inbox.
type HTTPConfig struct {
	Addr  string `json:"addr,omitempty"` // default: "127.0.0.1:8787"
	Pprof bool   `json:"pprof,omitempty"`
	// AllowedOrigins lists the browser origins of local views allowed to
	// call the API cross-origin, e.g. "http://localhost:5173". Default none.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// AdminConfig enables the privileged intermediary under /functions/v1/.
type AdminConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret,omitempty"`
	// BackendAudit copies successful invocations to the backend audit_log
	// table. Default true.
	BackendAudit *bool `json:"backend_audit,omitempty"`
}

func (a AdminConfig) MirrorAudit() bool { return a.BackendAudit == nil || *a.BackendAudit }

// HousekeepingConfig schedules maintenance jobs. Nil means defaults.
type HousekeepingConfig struct {
	Enabled        bool   `json:"enabled"`
	Spec           string `json:"spec,omitempty"`            // cron spec, default "@every 1h"
	AuditRetention string `json:"audit_retention,omitempty"` // default "2160h"
}

// SecretsConfig lets secrets live in the OS keyring instead of the config file.
type SecretsConfig struct {
	Keyring KeyringConfig `json:"keyring"`
}

type KeyringConfig struct {
	Enabled  bool     `json:"enabled"`
	Service  string   `json:"service,omitempty"`  // default "deptnotify"
	Backends []string `json:"backends,omitempty"` // e.g. ["secret-service", "file"]
	FileDir  string   `json:"file_dir,omitempty"`
}

const (
	ModePoll = "poll"
	ModePush = "push"
)

// Validate checks the fields that cannot be defaulted.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	base := strings.TrimSpace(cfg.Backend.BaseURL)
	if base == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	} else if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url: invalid url %q", base))
	}
	if _, err := ParseDurationField("backend.timeout", cfg.Backend.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("backend.breaker_timeout", cfg.Backend.BreakerTimeout); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Engine.Mode)) {
	case "", ModePoll, ModePush:
	default:
		errs = append(errs, fmt.Errorf("engine.mode: unknown mode %q", cfg.Engine.Mode))
	}
	for path, raw := range map[string]string{
		"engine.interval":          cfg.Engine.Interval,
		"engine.fallback_interval": cfg.Engine.FallbackInterval,
		"engine.resubscribe_max":   cfg.Engine.ResubscribeMax,
		"engine.dedup_window":      cfg.Engine.DedupWindow,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Engine.DedupMaxEntries < 0 {
		errs = append(errs, errors.New("engine.dedup_max_entries must be >= 0"))
	}
	if cfg.Inbox.Capacity < 0 {
		errs = append(errs, errors.New("inbox.capacity must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}
	for _, o := range cfg.HTTP.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			errs = append(errs, errors.New("http.allowed_origins: wildcard origin is not allowed"))
		}
	}
	if cfg.Push.RatePerSec < 0 {
		errs = append(errs, errors.New("push.rate_per_sec must be >= 0"))
	}
	if err := validateChats(cfg.Push.Telegram.Chats); err != nil {
		errs = append(errs, err)
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "file", "sqlite", "memory":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Housekeeping != nil {
		if _, err := ParseDurationField("housekeeping.audit_retention", cfg.Housekeeping.AuditRetention); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
