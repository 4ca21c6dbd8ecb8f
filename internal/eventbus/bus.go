package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published inside the daemon.
const (
	TypeToast          = "toast"
	TypeInboxChanged   = "inbox.changed"
	TypeCycleFinished  = "engine.cycle"
	TypePushDenied     = "push.denied"
	TypeSessionStarted = "session.started"
	TypeSessionEnded   = "session.ended"
	TypeConfigReloaded = "config.reloaded"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Identity scopes an event to one signed-in user; empty means process-wide.
type Event struct {
	Type     string
	Identity string
	Time     time.Time
	Data     any
}

// Filter selects the events a subscriber receives. Nil accepts everything.
type Filter func(Event) bool

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, filter Filter) (ch <-chan Event, unsubscribe func())
}

// ForIdentity accepts events scoped to id plus process-wide events of the given types.
func ForIdentity(id string, types ...string) Filter {
	return func(e Event) bool {
		if e.Identity != "" && e.Identity != id {
			return false
		}
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]subscriber{}}
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		// Unsubscribe may close the channel concurrently.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, filter Filter) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
