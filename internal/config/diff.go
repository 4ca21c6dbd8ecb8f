package config

import (
	logx "deptnotify/pkg/logx"
	"reflect"
	"sort"
	"strings"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (keys, tokens, jwt secret) are only
// reported as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ob, nb := oldCfg.Backend, newCfg.Backend
	if strings.TrimSpace(ob.BaseURL) != strings.TrimSpace(nb.BaseURL) ||
		strings.TrimSpace(ob.RealtimeURL) != strings.TrimSpace(nb.RealtimeURL) ||
		ob.Timeout != nb.Timeout || ob.BreakerTimeout != nb.BreakerTimeout ||
		ob.APIKey != nb.APIKey || ob.ServiceKey != nb.ServiceKey {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.base_url", strings.TrimSpace(nb.BaseURL)),
			logx.Present("backend.realtime_url", nb.RealtimeURL),
			logx.String("backend.timeout", nb.Timeout),
			logx.Present("backend.api_key", nb.APIKey),
			logx.Present("backend.service_key", nb.ServiceKey),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.mode", newCfg.Engine.Mode),
			logx.String("engine.interval", newCfg.Engine.Interval),
			logx.String("engine.dedup_window", newCfg.Engine.DedupWindow),
		)
	}

	if oldCfg.Inbox != newCfg.Inbox {
		changed = append(changed, "inbox")
		attrs = append(attrs, logx.Int("inbox.capacity", newCfg.Inbox.Capacity))
	}

	op, np := oldCfg.Push, newCfg.Push
	if op.RatePerSec != np.RatePerSec || op.LogChannel != np.LogChannel || !reflect.DeepEqual(op.Telegram, np.Telegram) {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Int("push.rate_per_sec", np.RatePerSec),
			logx.Bool("push.telegram_enabled", np.Telegram.Enabled),
			logx.Present("push.telegram_token", np.Telegram.Token),
			logx.Int("push.telegram_chats", len(np.Telegram.Chats)),
			logx.Bool("push.log_channel", np.LogChannel),
		)
	}

	// Nil storage means the default driver.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Present("storage.path", nS.Path),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.String("logx.format", newCfg.Logging.Format),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Int("http.allowed_origins", len(newCfg.HTTP.AllowedOrigins)),
		)
	}

	if oldCfg.Admin.Enabled != newCfg.Admin.Enabled || oldCfg.Admin.JWTSecret != newCfg.Admin.JWTSecret ||
		oldCfg.Admin.MirrorAudit() != newCfg.Admin.MirrorAudit() {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.Bool("admin.backend_audit", newCfg.Admin.MirrorAudit()),
			logx.Present("admin.jwt_secret", newCfg.Admin.JWTSecret),
		)
	}

	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
		if h := newCfg.Housekeeping; h != nil {
			attrs = append(attrs,
				logx.Bool("housekeeping.enabled", h.Enabled),
				logx.String("housekeeping.spec", h.Spec),
				logx.String("housekeeping.audit_retention", h.AuditRetention),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Secrets, newCfg.Secrets) {
		changed = append(changed, "secrets")
		attrs = append(attrs, logx.Bool("secrets.keyring", newCfg.Secrets.Keyring.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect on process restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "admin", "backend", "secrets", "storage":
			out = append(out, s)
		}
	}
	return out
}
