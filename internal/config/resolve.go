package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// EngineSettings is EngineConfig with defaults applied and durations parsed.
type EngineSettings struct {
	Mode             string
	Interval         time.Duration
	FallbackInterval time.Duration
	ResubscribeMax   time.Duration
	DedupWindow      time.Duration
	DedupMaxEntries  int
	InboxCapacity    int
}

func (c *Config) EngineSettings() (EngineSettings, error) {
	e := c.Engine
	out := EngineSettings{
		Mode:            strings.ToLower(strings.TrimSpace(e.Mode)),
		DedupMaxEntries: e.DedupMaxEntries,
		InboxCapacity:   c.Inbox.Capacity,
	}
	if out.Mode == "" {
		out.Mode = ModePoll
	}
	var err error
	if out.Interval, err = ParseDurationOrDefault("engine.interval", e.Interval, 10*time.Second); err != nil {
		return out, err
	}
	if out.FallbackInterval, err = ParseDurationOrDefault("engine.fallback_interval", e.FallbackInterval, out.Interval); err != nil {
		return out, err
	}
	if out.ResubscribeMax, err = ParseDurationOrDefault("engine.resubscribe_max", e.ResubscribeMax, time.Minute); err != nil {
		return out, err
	}
	if out.DedupWindow, err = ParseDurationField("engine.dedup_window", e.DedupWindow); err != nil {
		return out, err
	}
	if out.DedupMaxEntries <= 0 {
		out.DedupMaxEntries = 2000
	}
	if out.InboxCapacity <= 0 {
		out.InboxCapacity = 50
	}
	return out, nil
}

// BackendTimeouts returns the per-request timeout and the breaker open timeout.
func (c *Config) BackendTimeouts() (request, breaker time.Duration, err error) {
	if request, err = ParseDurationOrDefault("backend.timeout", c.Backend.Timeout, 10*time.Second); err != nil {
		return 0, 0, err
	}
	if breaker, err = ParseDurationOrDefault("backend.breaker_timeout", c.Backend.BreakerTimeout, 30*time.Second); err != nil {
		return 0, 0, err
	}
	return request, breaker, nil
}

// RealtimeURL returns the configured websocket endpoint or derives it from base_url.
func (c *Config) RealtimeURL() string {
	if s := strings.TrimSpace(c.Backend.RealtimeURL); s != "" {
		return s
	}
	u, err := url.Parse(strings.TrimSpace(c.Backend.BaseURL))
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", c.Backend.APIKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String()
}

// HousekeepingSettings returns (enabled, cron spec, audit retention).
// A nil section means enabled with defaults.
func (c *Config) HousekeepingSettings() (bool, string, time.Duration, error) {
	h := c.Housekeeping
	if h == nil {
		return true, "@every 1h", 90 * 24 * time.Hour, nil
	}
	spec := strings.TrimSpace(h.Spec)
	if spec == "" {
		spec = "@every 1h"
	}
	ret, err := ParseDurationOrDefault("housekeeping.audit_retention", h.AuditRetention, 90*24*time.Hour)
	if err != nil {
		return false, "", 0, err
	}
	return h.Enabled, spec, ret, nil
}

func (c *Config) HTTPAddr() string {
	if s := strings.TrimSpace(c.HTTP.Addr); s != "" {
		return s
	}
	return "127.0.0.1:8787"
}
