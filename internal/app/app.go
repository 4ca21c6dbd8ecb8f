package app

import (
	"context"
	logx "deptnotify/pkg/logx"
	"fmt"
	"strings"
	"sync"
	"time"

	"deptnotify/internal/config"
	"deptnotify/internal/credential"
	"deptnotify/internal/eventbus"
	"deptnotify/internal/housekeeping"
	"deptnotify/internal/httpapi"
	"deptnotify/internal/inbox"
	"deptnotify/internal/localstate"
	"deptnotify/internal/privileged"
	"deptnotify/internal/push"
	"deptnotify/internal/push/telegram"
	"deptnotify/internal/runtime/supervisor"
	"deptnotify/internal/session"
	"deptnotify/internal/sink"
	"deptnotify/internal/source/realtime"
	"deptnotify/internal/source/rest"
	"deptnotify/internal/storage"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	rest *rest.Client
	feed *realtime.Feed

	wm     *localstate.WatermarkStore
	prefs  *localstate.PreferenceStore
	status *localstate.StatusStore
	inbox  *inbox.Inbox
	toast *sink.Toast
	push  *push.Service
	admin *privileged.Gateway
	house *housekeeping.Service
	api   *httpapi.API
	http  *httpapi.Server

	sessions session.Manager

	// opMu serializes sign-in, sign-out and engine restarts.
	opMu sync.Mutex
	mu   sync.Mutex
	run  *engineRun
}

// Option adjusts construction. Tests use it to swap the keyring.
type Option func(*options)

type options struct {
	resolver func(*config.Config) error
}

// WithResolver replaces the keyring secret resolver.
func WithResolver(fn func(*config.Config) error) Option {
	return func(o *options) { o.resolver = fn }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{resolver: credential.Resolver(credential.Open)}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetResolver(o.resolver)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	// From here on a failure must release the store.
	a, err := build(cfgm, cfg, logSvc, log, bus, store)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, log logx.Logger, bus eventbus.Bus, store storage.Store) (*App, error) {
	reqTimeout, breakerTimeout, err := cfg.BackendTimeouts()
	if err != nil {
		return nil, err
	}
	rc, err := rest.New(rest.Options{
		BaseURL:        cfg.Backend.BaseURL,
		APIKey:         cfg.Backend.APIKey,
		Timeout:        reqTimeout,
		BreakerTimeout: breakerTimeout,
	}, log.With(logx.String("comp", "rest")))
	if err != nil {
		return nil, err
	}
	feed := realtime.New(cfg.RealtimeURL(), log.With(logx.String("comp", "realtime")))

	es, err := cfg.EngineSettings()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		rest:  rc,
		feed:  feed,
		wm:     localstate.NewWatermarkStore(store, log),
		prefs:  localstate.NewPreferenceStore(store, log),
		status: localstate.NewStatusStore(store, 0, log),
		inbox:  inbox.New(store, bus, es.InboxCapacity, log),
		toast:  sink.NewToast(bus, 0, 0, log),
	}

	channels, err := pushChannels(cfg, reqTimeout, log)
	if err != nil {
		return nil, err
	}
	a.push = push.New(mapPushConfig(cfg), store, bus, log, channels...)

	if cfg.Admin.Enabled {
		if a.admin, err = buildAdmin(cfg, reqTimeout, breakerTimeout, store, log); err != nil {
			return nil, err
		}
	}

	hc, err := mapHousekeeping(cfg)
	if err != nil {
		return nil, err
	}
	a.house = housekeeping.New(hc, store, log)

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.api = httpapi.New(httpapi.Deps{
		Sessions: a,
		Inbox:    a.inbox,
		Prefs:    a.prefs,
		Push:     a.push,
		Bus:      bus,
		Admin:    a.admin,
		Health:   a.Health,
		Log:      log,
	})
	a.http = httpapi.NewServer(a.api, srvCfg)
	return a, nil
}

// pushChannels puts the durable channel first. The log channel is the
// fallback when nothing durable is configured.
func pushChannels(cfg *config.Config, timeout time.Duration, log logx.Logger) ([]push.Channel, error) {
	var out []push.Channel
	if cfg.Push.Telegram.Enabled {
		tc := mapTelegramConfig(cfg)
		tc.Timeout = timeout
		ch, err := telegram.New(tc, log.With(logx.String("comp", "push.telegram")))
		if err != nil {
			return nil, fmt.Errorf("push.telegram: %w", err)
		}
		out = append(out, ch)
	}
	if cfg.Push.LogChannel || len(out) == 0 {
		out = append(out, push.NewLogChannel(log))
	}
	return out, nil
}

func buildAdmin(cfg *config.Config, reqTimeout, breakerTimeout time.Duration, store storage.Store, log logx.Logger) (*privileged.Gateway, error) {
	sc, err := rest.New(rest.Options{
		BaseURL:        cfg.Backend.BaseURL,
		APIKey:         cfg.Backend.ServiceKey,
		Timeout:        reqTimeout,
		BreakerTimeout: breakerTimeout,
	}, log.With(logx.String("comp", "rest.service")))
	if err != nil {
		return nil, err
	}
	opts := []privileged.Option{privileged.WithBackendAudit(cfg.Admin.MirrorAudit())}
	if secret := strings.TrimSpace(cfg.Admin.JWTSecret); secret != "" {
		v, err := privileged.NewTokenVerifier(secret)
		if err != nil {
			return nil, err
		}
		opts = append(opts, privileged.WithVerifier(v))
	}
	log.Info("privileged intermediary enabled", logx.Bool("local_verify", len(opts) > 1), logx.Bool("backend_audit", cfg.Admin.MirrorAudit()))
	return privileged.NewGateway(privileged.NewRestBackend(sc), store, log, opts...), nil
}

// Addr is the bound address of the local API, empty before Start.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	runCtx := a.sup.Context()
	a.push.Start(runCtx)
	if err := a.house.Start(runCtx); err != nil {
		return err
	}
	if err := a.http.Start(runCtx); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128, nil)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("identity", e.Identity), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// The session ends without a purge: local state outlives the process.
	step("engine", 3*time.Second, func(c context.Context) error {
		a.opMu.Lock()
		defer a.opMu.Unlock()
		a.sessions.End()
		return a.stopRun(c)
	})
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.house.Stop(c); return nil })
	step("push", 2*time.Second, func(c context.Context) error { a.push.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// ReloadConfig re-reads config and keyring secrets outside the file watcher.
func (a *App) ReloadConfig(ctx context.Context) bool { return a.cfgm.Reload(ctx) }

// Health backs /healthz.
func (a *App) Health() httpapi.Health {
	h := httpapi.Health{OK: true, Goroutines: a.sup.Counters()}
	if err := a.Err(); err != nil {
		h.OK = false
		h.Error = err.Error()
	}
	a.mu.Lock()
	run := a.run
	a.mu.Unlock()
	if run == nil {
		return h
	}
	h.Identity = run.eng.Session().Identity().ID
	h.Trigger = run.trig.Name()
	h.Cycles = run.eng.Cycles()
	h.DedupEntries = run.eng.DedupEntries()
	if rep, ok := run.eng.Last(); ok {
		h.LastCycle = &rep
		if rep.Err != nil {
			h.CycleError = rep.Err.Error()
		}
	}
	return h
}
