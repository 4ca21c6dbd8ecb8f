// Package engine turns backend row changes into user-visible notification
// records for the signed-in identity.
//
// A cycle reads the identity's watermark W, captures Now, queries every
// monitored table for rows changed at or after W, classifies and filters the
// rows, writes the resulting records to every sink and finally moves the
// watermark to Now. A failed query abandons the cycle with the watermark
// untouched, so the next cycle repeats the window. Delivery is therefore
// at-least-once; an optional Dedup narrows the repeats.
package engine

import (
	"context"
	logx "deptnotify/pkg/logx"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"deptnotify/internal/eventbus"
	"deptnotify/internal/localstate"
	"deptnotify/internal/model"
	"deptnotify/internal/session"
	"deptnotify/internal/sink"
	"deptnotify/internal/source"
)

var ErrCycleBusy = errors.New("engine: cycle already running")

const defaultQueryTimeout = 15 * time.Second

// CycleReport summarizes one cycle. Err is set when the cycle was abandoned;
// the watermark only moves when Err is nil.
type CycleReport struct {
	Identity   string        `json:"identity"`
	Window     time.Time     `json:"window"`
	Now        time.Time     `json:"now"`
	Events     int           `json:"events"`
	Delivered  int           `json:"delivered"`
	Self       int           `json:"self_suppressed"`
	Filtered   int           `json:"filtered"`
	Deduped    int           `json:"deduped"`
	SinkErrors int           `json:"sink_errors"`
	Took       time.Duration `json:"took"`
	Err        error         `json:"-"`
}

type Engine struct {
	sess  *session.Session
	src   source.Source
	wm    *localstate.WatermarkStore
	prefs *localstate.PreferenceStore
	sinks []sink.Sink

	status *localstate.StatusStore

	bus          eventbus.Bus
	dedup        *Dedup
	log          logx.Logger
	now          func() time.Time
	queryTimeout time.Duration
	tables       []model.Table

	start  time.Time
	cycle  sync.Mutex
	signal chan struct{}
	last   atomic.Pointer[CycleReport]
	cycles atomic.Uint64
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithDedup(d *Dedup) Option { return func(e *Engine) { e.dedup = d } }

// WithStatusStore remembers row statuses across cycles so edits that keep
// the status are not reported as status updates.
func WithStatusStore(st *localstate.StatusStore) Option { return func(e *Engine) { e.status = st } }

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.queryTimeout = d
		}
	}
}

func WithTables(tables ...model.Table) Option {
	return func(e *Engine) {
		if len(tables) > 0 {
			e.tables = append([]model.Table(nil), tables...)
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

// New binds an engine to one session. Without a stored watermark the window
// opens when the session started, so no history is backfilled and an engine
// rebuilt mid-session still covers the time since sign-in.
func New(sess *session.Session, src source.Source, wm *localstate.WatermarkStore, prefs *localstate.PreferenceStore, sinks []sink.Sink, opts ...Option) *Engine {
	e := &Engine{
		sess:         sess,
		src:          src,
		wm:           wm,
		prefs:        prefs,
		sinks:        sinks,
		log:          logx.Nop(),
		now:          time.Now,
		queryTimeout: defaultQueryTimeout,
		tables:       model.MonitoredTables,
		signal:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With(logx.String("comp", "engine"), logx.String("identity", sess.Identity().ID))
	e.start = sess.Started()
	if now := e.now(); e.start.IsZero() || now.Before(e.start) {
		e.start = now
	}
	return e
}

func (e *Engine) Session() *session.Session { return e.sess }

// Last returns the most recent cycle report, if any.
func (e *Engine) Last() (CycleReport, bool) {
	r := e.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

func (e *Engine) Cycles() uint64 { return e.cycles.Load() }

// DedupEntries is the size of the in-memory recent-delivery set.
func (e *Engine) DedupEntries() int { return e.dedup.Len() }

// Kick asks the worker for a cycle. Kicks while one is pending coalesce.
func (e *Engine) Kick() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Run is the single cycle worker. It starts trig, runs one cycle right away
// and then one per coalesced signal until ctx is done or the session ends.
// Cycle failures are logged, never returned.
func (e *Engine) Run(ctx context.Context, trig Trigger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.sess.Context(), cancel)
	defer stop()

	var wg sync.WaitGroup
	if trig != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := trig.Run(ctx, e.Kick); err != nil && ctx.Err() == nil {
				e.log.Warn("trigger stopped", logx.String("trigger", trig.Name()), logx.Err(err))
			}
		}()
	}
	defer wg.Wait()

	e.log.Info("engine started", logx.String("trigger", triggerName(trig)), logx.Time("window", e.start))
	e.Kick()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped", logx.Int64("cycles", int64(e.cycles.Load())))
			return nil
		case <-e.signal:
			_ = e.Cycle(ctx)
		}
	}
}

// Cycle runs one delivery cycle. Concurrent calls fail fast with ErrCycleBusy.
func (e *Engine) Cycle(ctx context.Context) CycleReport {
	me := e.sess.Identity()
	rep := CycleReport{Identity: me.ID}
	if !e.cycle.TryLock() {
		rep.Err = ErrCycleBusy
		return rep
	}
	defer e.cycle.Unlock()

	began := time.Now()
	defer func() {
		rep.Took = time.Since(began)
		e.cycles.Add(1)
		e.finish(rep)
	}()

	if err := e.sess.Err(); err != nil {
		rep.Err = err
		return rep
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.sess.Context(), cancel)
	defer stop()

	w, err := e.wm.Load(ctx, me.ID, e.start)
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.Window = w
	rep.Now = e.now()

	events, err := e.collect(ctx, me, w)
	if err != nil {
		rep.Err = err
		return rep
	}
	// A sign-out during the queries voids their results.
	if err := e.sess.Err(); err != nil {
		rep.Err = err
		return rep
	}
	rep.Events = len(events)

	prefs, err := e.prefs.Load(ctx, me.ID)
	if err != nil {
		e.log.Warn("preferences unavailable; using defaults", logx.Err(err))
		prefs = model.DefaultPreferences()
	}
	seen := e.loadStatuses(ctx, me.ID)

	for _, ev := range events {
		ev = recall(seen, ev, rep.Now)
		if ev.ActorID != "" && ev.ActorID == me.ID {
			rep.Self++
			continue
		}
		for _, n := range classify(me, ev, w) {
			if !prefs.Enabled(n.Category) {
				rep.Filtered++
				continue
			}
			if !e.dedup.Allow(ctx, dedupKey(me.ID, ev, n.Category)) {
				rep.Deduped++
				continue
			}
			if err := e.sess.Err(); err != nil {
				rep.Err = err
				return rep
			}
			rec, err := e.record(n)
			if err != nil {
				rep.Err = err
				return rep
			}
			rep.SinkErrors += e.deliver(ctx, me, rec)
			rep.Delivered++
		}
	}

	if e.status != nil {
		if err := e.status.Save(ctx, me.ID, seen); err != nil {
			e.log.Warn("row status not saved", logx.Err(err))
		}
	}
	if _, err := e.wm.Advance(ctx, me.ID, rep.Now); err != nil {
		rep.Err = err
	}
	return rep
}

func (e *Engine) collect(ctx context.Context, me model.Identity, w time.Time) ([]model.ChangeEvent, error) {
	var all []model.ChangeEvent
	for _, t := range e.tables {
		qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
		evs, err := e.src.Query(qctx, e.sess.Token(), t, source.Scope(t, me), w)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", t, err)
		}
		all = append(all, evs...)
	}
	// Each table is already ascending; merge keeps ties in query order.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp().Before(all[j].Timestamp()) })
	return all, nil
}

func (e *Engine) loadStatuses(ctx context.Context, identity string) *localstate.Statuses {
	if e.status == nil {
		return nil
	}
	seen, err := e.status.Load(ctx, identity)
	if err != nil {
		e.log.Warn("row status unavailable; treating statuses as unknown", logx.Err(err))
	}
	return seen
}

// recall fills an unknown previous status from seen and records the
// current one.
func recall(seen *localstate.Statuses, ev model.ChangeEvent, at time.Time) model.ChangeEvent {
	if seen == nil {
		return ev
	}
	key := string(ev.Table) + ":" + ev.ID
	prev, known := seen.Get(key)
	switch p := ev.Payload.(type) {
	case model.TaskRow:
		if p.PreviousStatus == "" && known {
			p.PreviousStatus = model.TaskStatus(prev)
			ev.Payload = p
		}
		seen.Set(key, string(p.Status), at)
	case model.LeaveRow:
		if p.PreviousStatus == "" && known {
			p.PreviousStatus = model.ApprovalStatus(prev)
			ev.Payload = p
		}
		seen.Set(key, string(p.Status), at)
	}
	return ev
}

func (e *Engine) record(n notice) (model.Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.Record{}, fmt.Errorf("record id: %w", err)
	}
	return model.Record{
		ID:        id.String(),
		Category:  n.Category,
		Title:     n.Title,
		Body:      n.Body,
		Ref:       n.Ref,
		CreatedAt: e.now().UTC(),
	}, nil
}

// deliver writes rec to every sink and returns the number that failed.
func (e *Engine) deliver(ctx context.Context, me model.Identity, rec model.Record) int {
	failed := 0
	for _, s := range e.sinks {
		if err := deliverOne(ctx, s, me, rec); err != nil {
			failed++
			e.log.Warn("sink delivery failed", logx.String("sink", s.Name()), logx.String("record", rec.ID), logx.Err(err))
		}
	}
	return failed
}

func deliverOne(ctx context.Context, s sink.Sink, me model.Identity, rec model.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Deliver(ctx, me, rec)
}

func (e *Engine) finish(rep CycleReport) {
	e.last.Store(&rep)
	fields := []logx.Field{
		logx.Time("window", rep.Window),
		logx.Int("events", rep.Events),
		logx.Int("delivered", rep.Delivered),
		logx.Int("self", rep.Self),
		logx.Int("filtered", rep.Filtered),
		logx.Int("deduped", rep.Deduped),
		logx.Int("sink_errors", rep.SinkErrors),
		logx.Duration("took", rep.Took),
	}
	switch {
	case errors.Is(rep.Err, ErrCycleBusy):
		return
	case errors.Is(rep.Err, session.ErrSessionClosed):
		e.log.Debug("cycle discarded; session ended", fields...)
	case rep.Err != nil:
		e.log.Warn("cycle abandoned", append(fields, logx.Bool("transient", source.IsTransient(rep.Err)), logx.Err(rep.Err))...)
	default:
		e.log.Debug("cycle done", fields...)
	}
	if e.bus != nil {
		data := map[string]any{"delivered": rep.Delivered, "events": rep.Events, "ok": rep.Err == nil}
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Identity: rep.Identity, Data: data})
	}
}

func triggerName(t Trigger) string {
	if t == nil {
		return "manual"
	}
	return t.Name()
}
