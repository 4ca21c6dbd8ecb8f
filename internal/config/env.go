package config

import "strings"

// Environment variables that override secrets from the config file.
// cmd/notifyd loads a .env file into the process environment first.
const (
	EnvBackendAPIKey     = "DEPTNOTIFY_BACKEND_API_KEY"
	EnvBackendServiceKey = "DEPTNOTIFY_BACKEND_SERVICE_KEY"
	EnvAdminJWTSecret    = "DEPTNOTIFY_ADMIN_JWT_SECRET"
	EnvTelegramToken     = "DEPTNOTIFY_TELEGRAM_TOKEN"
	EnvTelegramChats     = "DEPTNOTIFY_TELEGRAM_CHATS"
)

// ApplyEnv copies non-empty environment overrides into cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Backend.APIKey, EnvBackendAPIKey)
	set(&cfg.Backend.ServiceKey, EnvBackendServiceKey)
	set(&cfg.Admin.JWTSecret, EnvAdminJWTSecret)
	set(&cfg.Push.Telegram.Token, EnvTelegramToken)
	if v := strings.TrimSpace(getenv(EnvTelegramChats)); v != "" {
		if chats, err := ParseChats(v); err == nil && len(chats) > 0 {
			cfg.Push.Telegram.Chats = chats
		}
	}
}
