// Package inbox keeps the bounded, newest-first notification list of each
// identity and tells open views when it changes.
package inbox

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"deptnotify/internal/eventbus"
	"deptnotify/internal/model"
	"deptnotify/internal/sink"
	"deptnotify/internal/storage"
)

const DefaultCapacity = 50

var ErrNotFound = errors.New("inbox: record not found")

// Changed is the payload of every inbox.changed event.
type Changed struct {
	Reason string `json:"reason"`
	Total  int    `json:"total"`
	Unread int    `json:"unread"`
}

// Inbox is safe for concurrent use. The list lives in storage under
// notifications:{identity}; each operation reads, mutates and writes it back.
type Inbox struct {
	st  storage.Store
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time

	mu       sync.Mutex
	capacity int
}

var _ sink.Sink = (*Inbox)(nil)

type Option func(*Inbox)

func WithClock(now func() time.Time) Option {
	return func(in *Inbox) {
		if now != nil {
			in.now = now
		}
	}
}

func New(st storage.Store, bus eventbus.Bus, capacity int, log logx.Logger, opts ...Option) *Inbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	in := &Inbox{
		st:       st,
		bus:      bus,
		log:      log.With(logx.String("comp", "inbox")),
		now:      time.Now,
		capacity: capacity,
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// SetCapacity changes the cap. Existing lists shrink on their next write.
func (in *Inbox) SetCapacity(n int) {
	if n <= 0 {
		n = DefaultCapacity
	}
	in.mu.Lock()
	in.capacity = n
	in.mu.Unlock()
}

func (in *Inbox) Capacity() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.capacity
}

func (in *Inbox) Name() string { return "inbox" }

func (in *Inbox) Deliver(ctx context.Context, to model.Identity, rec model.Record) error {
	_, err := in.Append(ctx, to.ID, rec)
	return err
}

// Append puts rec at the head of the list, evicting the oldest entries past
// capacity. A missing ID or CreatedAt is filled in.
func (in *Inbox) Append(ctx context.Context, identity string, rec model.Record) (model.Record, error) {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.Record{}, fmt.Errorf("inbox id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = in.now().UTC()
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	list, err := in.load(ctx, identity)
	if err != nil {
		return model.Record{}, err
	}
	list = append([]model.Record{rec}, list...)
	evicted := 0
	if len(list) > in.capacity {
		evicted = len(list) - in.capacity
		list = list[:in.capacity]
	}
	if err := in.save(ctx, identity, list, "append"); err != nil {
		return model.Record{}, err
	}
	if evicted > 0 {
		in.log.Debug("inbox evicted oldest", logx.String("identity", identity), logx.Int("evicted", evicted))
	}
	return rec, nil
}

// List returns the records newest first.
func (in *Inbox) List(ctx context.Context, identity string) ([]model.Record, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.load(ctx, identity)
}

func (in *Inbox) UnreadCount(ctx context.Context, identity string) (int, error) {
	list, err := in.List(ctx, identity)
	if err != nil {
		return 0, err
	}
	return unread(list), nil
}

func (in *Inbox) MarkRead(ctx context.Context, identity, id string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	list, err := in.load(ctx, identity)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID != id {
			continue
		}
		if list[i].Read {
			return nil
		}
		list[i].Read = true
		return in.save(ctx, identity, list, "read")
	}
	return ErrNotFound
}

// MarkAllRead returns how many records flipped to read.
func (in *Inbox) MarkAllRead(ctx context.Context, identity string) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	list, err := in.load(ctx, identity)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range list {
		if !list[i].Read {
			list[i].Read = true
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, in.save(ctx, identity, list, "read_all")
}

func (in *Inbox) Clear(ctx context.Context, identity string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.st.Delete(ctx, storage.Key(storage.NSInbox, identity)); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	in.publish(identity, Changed{Reason: "clear"})
	return nil
}

func (in *Inbox) load(ctx context.Context, identity string) ([]model.Record, error) {
	b, ok, err := in.st.Get(ctx, storage.Key(storage.NSInbox, identity))
	if err != nil {
		return nil, fmt.Errorf("load inbox: %w", err)
	}
	if !ok || len(b) == 0 {
		return nil, nil
	}
	var list []model.Record
	if err := json.Unmarshal(b, &list); err != nil {
		in.log.Warn("inbox unreadable; starting empty", logx.String("identity", identity), logx.Err(err))
		return nil, nil
	}
	return list, nil
}

func (in *Inbox) save(ctx context.Context, identity string, list []model.Record, reason string) error {
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := in.st.Put(ctx, storage.Key(storage.NSInbox, identity), b); err != nil {
		return fmt.Errorf("store inbox: %w", err)
	}
	in.publish(identity, Changed{Reason: reason, Total: len(list), Unread: unread(list)})
	return nil
}

func (in *Inbox) publish(identity string, c Changed) {
	if in.bus == nil {
		return
	}
	in.bus.Publish(eventbus.Event{Type: eventbus.TypeInboxChanged, Identity: identity, Data: c})
}

func unread(list []model.Record) int {
	n := 0
	for _, r := range list {
		if !r.Read {
			n++
		}
	}
	return n
}

// BadgeText renders an unread count the way the bell shows it.
func BadgeText(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > 99:
		return "99+"
	default:
		return strconv.Itoa(n)
	}
}
