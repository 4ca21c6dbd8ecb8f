package app

import (
	"context"
	logx "deptnotify/pkg/logx"
	"errors"
	"fmt"
	"time"

	"deptnotify/internal/config"
	"deptnotify/internal/engine"
	"deptnotify/internal/eventbus"
	"deptnotify/internal/model"
	"deptnotify/internal/session"
	"deptnotify/internal/sink"
)

var ErrNotStarted = errors.New("app not started")

// engineRun is one engine worker bound to one session.
type engineRun struct {
	eng    *engine.Engine
	trig   engine.Trigger
	cancel context.CancelFunc
	done   chan struct{}
}

// SignIn resolves token to an identity, replaces any current session and
// starts the delivery engine for it.
func (a *App) SignIn(ctx context.Context, token string) (model.Identity, error) {
	if a.sup == nil {
		return model.Identity{}, ErrNotStarted
	}
	id, err := a.rest.Identify(ctx, token)
	if err != nil {
		return model.Identity{}, err
	}
	es, err := a.cfgm.Get().EngineSettings()
	if err != nil {
		return model.Identity{}, err
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	prev, hadPrev := a.sessions.Current()
	if err := a.stopRun(ctx); err != nil {
		return model.Identity{}, err
	}
	// Switching users purges the previous identity's local state.
	if hadPrev && prev.Identity().ID != id.ID {
		a.sessions.End()
		a.purge(ctx, prev.Identity().ID)
	}

	s := a.sessions.Start(id, token)
	a.startRun(s, es)
	a.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeSessionStarted,
		Identity: id.ID,
		Time:     time.Now(),
		Data:     id,
	})
	a.log.Info("signed in",
		logx.String("identity", id.ID),
		logx.String("role", string(id.Role)),
		logx.String("unit", string(id.Unit)),
		logx.String("mode", es.Mode),
	)
	return id, nil
}

// SignOut invalidates the session, waits for the engine to drop in-flight
// results and purges the identity's local state. It is idempotent.
func (a *App) SignOut(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	s := a.sessions.End()
	if err := a.stopRun(ctx); err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	a.purge(ctx, s.Identity().ID)
	a.log.Info("signed out", logx.String("identity", s.Identity().ID))
	return nil
}

func (a *App) Current() (*session.Session, bool) { return a.sessions.Current() }

func (a *App) purge(ctx context.Context, identity string) {
	n, err := a.store.DeleteIdentity(ctx, identity)
	if err != nil {
		a.log.Warn("purging local state failed", logx.String("identity", identity), logx.Err(err))
	} else {
		a.log.Debug("local state purged", logx.String("identity", identity), logx.Int("keys", n))
	}
	a.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeSessionEnded,
		Identity: identity,
		Time:     time.Now(),
	})
}

// restartRun rebinds the engine of the current session to new settings.
func (a *App) restartRun(ctx context.Context, es config.EngineSettings) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	s, ok := a.sessions.Current()
	if !ok {
		return nil
	}
	if err := a.stopRun(ctx); err != nil {
		return err
	}
	a.startRun(s, es)
	a.log.Info("engine restarted", logx.String("mode", es.Mode), logx.Duration("interval", es.Interval))
	return nil
}

func (a *App) startRun(s *session.Session, es config.EngineSettings) {
	opts := []engine.Option{
		engine.WithBus(a.bus),
		engine.WithLogger(a.log),
		engine.WithStatusStore(a.status),
	}
	if es.DedupWindow > 0 {
		opts = append(opts, engine.WithDedup(engine.NewDedup(es.DedupWindow, es.DedupMaxEntries, a.store)))
	}
	eng := engine.New(s, a.rest, a.wm, a.prefs, []sink.Sink{a.toast, a.inbox, a.push}, opts...)
	trig := a.trigger(s, es)

	ctx, cancel := context.WithCancel(a.sup.Context())
	run := &engineRun{eng: eng, trig: trig, cancel: cancel, done: make(chan struct{})}
	a.mu.Lock()
	a.run = run
	a.mu.Unlock()

	a.sup.Go(fmt.Sprintf("engine.%d", s.ID()), func(context.Context) error {
		defer close(run.done)
		return eng.Run(ctx, trig)
	})
}

func (a *App) trigger(s *session.Session, es config.EngineSettings) engine.Trigger {
	if es.Mode == config.ModePush {
		return &engine.PushTrigger{
			Feed:             a.feed,
			Token:            s.Token(),
			Tables:           model.MonitoredTables,
			FallbackInterval: es.FallbackInterval,
			ResubscribeMax:   es.ResubscribeMax,
			Log:              a.log,
		}
	}
	return engine.TimerTrigger{Interval: es.Interval}
}

// stopRun cancels the current engine and waits for it. Caller holds opMu.
func (a *App) stopRun(ctx context.Context) error {
	a.mu.Lock()
	run := a.run
	a.run = nil
	a.mu.Unlock()
	if run == nil {
		return nil
	}
	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
