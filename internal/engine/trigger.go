package engine

import (
	"context"
	logx "deptnotify/pkg/logx"
	"sync/atomic"
	"time"

	"deptnotify/internal/model"
	"deptnotify/internal/source"
)

// Trigger decides when cycles run. Run calls fire whenever a cycle is due
// and returns when ctx is done.
type Trigger interface {
	Name() string
	Run(ctx context.Context, fire func()) error
}

// TimerTrigger fires at a fixed interval.
type TimerTrigger struct {
	Interval time.Duration
}

func (t TimerTrigger) Name() string { return "timer" }

func (t TimerTrigger) Run(ctx context.Context, fire func()) error {
	iv := t.Interval
	if iv <= 0 {
		iv = 10 * time.Second
	}
	tk := time.NewTicker(iv)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			fire()
		}
	}
}

// PushTrigger fires on every change the feed reports. While the feed is
// down it polls at FallbackInterval and resubscribes with exponential
// backoff capped at ResubscribeMax.
type PushTrigger struct {
	Feed             source.Feed
	Token            string
	Tables           []model.Table
	FallbackInterval time.Duration
	ResubscribeMin   time.Duration
	ResubscribeMax   time.Duration
	Log              logx.Logger

	connected atomic.Bool
	resubs    atomic.Uint64
}

func (p *PushTrigger) Name() string { return "push" }

// Connected reports whether a feed subscription is currently open.
func (p *PushTrigger) Connected() bool { return p.connected.Load() }

// Resubscribes counts subscribe attempts after the first.
func (p *PushTrigger) Resubscribes() uint64 { return p.resubs.Load() }

func (p *PushTrigger) Run(ctx context.Context, fire func()) error {
	fallback := p.FallbackInterval
	if fallback <= 0 {
		fallback = 10 * time.Second
	}
	minB := p.ResubscribeMin
	if minB <= 0 {
		minB = time.Second
	}
	maxB := p.ResubscribeMax
	if maxB < minB {
		maxB = minB
	}
	tables := p.Tables
	if len(tables) == 0 {
		tables = model.MonitoredTables
	}
	log := p.Log.With(logx.String("comp", "engine.push"))

	backoff := minB
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 {
			p.resubs.Add(1)
		}
		sub, err := p.Feed.Subscribe(ctx, p.Token, tables)
		if err == nil {
			p.connected.Store(true)
			backoff = minB
			// Catch up on whatever changed while we were not subscribed.
			fire()
			err = p.consume(ctx, sub, fire)
			p.connected.Store(false)
			_ = sub.Close()
			if ctx.Err() != nil {
				return nil
			}
			fire()
		}
		log.Warn("change feed unavailable; polling", logx.Duration("retry_in", backoff), logx.Duration("poll_every", fallback), logx.Err(err))
		if !poll(ctx, backoff, fallback, fire) {
			return nil
		}
		backoff *= 2
		if backoff > maxB {
			backoff = maxB
		}
	}
}

func (p *PushTrigger) consume(ctx context.Context, sub source.Subscription, fire func()) error {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return sub.Err()
		case _, ok := <-events:
			if !ok {
				<-sub.Done()
				return sub.Err()
			}
			fire()
		}
	}
}

// poll fires every interval until wait elapses. It returns false when ctx
// ended first.
func poll(ctx context.Context, wait, interval time.Duration, fire func()) bool {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return true
		case <-tk.C:
			fire()
		}
	}
}
