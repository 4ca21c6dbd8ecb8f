// Package sink defines where notification records go once the engine has
// accepted them, plus the toast sink.
package sink

import (
	"context"
	logx "deptnotify/pkg/logx"
	"sync/atomic"

	"golang.org/x/time/rate"

	"deptnotify/internal/eventbus"
	"deptnotify/internal/model"
)

// Sink receives accepted records. Deliver must not block on other sinks and
// should return quickly; slow channels queue internally.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, to model.Identity, rec model.Record) error
}

// Toast is the fire-and-forget in-app popup. It publishes a toast event for
// the identity on the bus; open views render it, nothing is persisted.
//
// A token bucket caps bursts (e.g. the first cycle after a long offline
// period); records over the limit still reach the inbox, only the popup is
// skipped.
type Toast struct {
	bus     eventbus.Bus
	limiter *rate.Limiter
	log     logx.Logger

	dropped atomic.Uint64
}

type ToastEvent struct {
	Record   model.Record `json:"record"`
	DeepLink string       `json:"deep_link"`
}

func NewToast(bus eventbus.Bus, perSec float64, burst int, log logx.Logger) *Toast {
	if perSec <= 0 {
		perSec = 2
	}
	if burst <= 0 {
		burst = 5
	}
	return &Toast{
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		log:     log.With(logx.String("comp", "sink.toast")),
	}
}

func (t *Toast) Name() string { return "toast" }

func (t *Toast) Deliver(_ context.Context, to model.Identity, rec model.Record) error {
	if !t.limiter.Allow() {
		n := t.dropped.Add(1)
		t.log.Debug("toast suppressed by burst limit", logx.String("record", rec.ID), logx.Int64("suppressed_total", int64(n)))
		return nil
	}
	t.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeToast,
		Identity: to.ID,
		Data:     ToastEvent{Record: rec, DeepLink: rec.Ref.DeepLink()},
	})
	return nil
}

func (t *Toast) Suppressed() uint64 { return t.dropped.Load() }
