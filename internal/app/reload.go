package app

import (
	"context"
	logx "deptnotify/pkg/logx"
	"reflect"
	"strings"
	"time"

	"deptnotify/internal/config"
	"deptnotify/internal/eventbus"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary for logx.
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if next == nil {
				continue
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	if prev != nil && (!reflect.DeepEqual(prev.Push.Telegram, next.Push.Telegram) || prev.Push.LogChannel != next.Push.LogChannel) {
		a.log.Warn("push channels changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogging(next))

	es, esErr := next.EngineSettings()
	if esErr != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(esErr))
	} else {
		a.inbox.SetCapacity(es.InboxCapacity)
	}

	a.push.Apply(mapPushConfig(next))

	if hc, err := mapHousekeeping(next); err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
	} else if err := a.house.Apply(hc); err != nil {
		a.log.Warn("housekeeping reschedule failed", logx.Err(err))
	}

	if sc, err := mapServerConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.http.Reconfigure(rctx, sc); err != nil {
			a.log.Error("http api reconfigure failed", logx.Err(err))
		}
		cancel()
	}

	if esErr == nil && prev != nil && prev.Engine != next.Engine {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.restartRun(rctx, es); err != nil {
			a.log.Warn("engine restart failed", logx.Err(err))
		}
		cancel()
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}
