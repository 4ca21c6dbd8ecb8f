package push

import (
	"context"
	logx "deptnotify/pkg/logx"
	"errors"
	"sync"
	"testing"
	"time"

	"deptnotify/internal/eventbus"
	"deptnotify/internal/model"
	"deptnotify/internal/storage"
)

type fakeChannel struct {
	name      string
	durable   bool
	confirmFn func() error
	sendErr   error

	mu       sync.Mutex
	confirms int
	sent     []Message
	got      chan Message
}

func newFake(name string, durable bool) *fakeChannel {
	return &fakeChannel{name: name, durable: durable, got: make(chan Message, 16)}
}

func (f *fakeChannel) Name() string  { return f.name }
func (f *fakeChannel) Durable() bool { return f.durable }

func (f *fakeChannel) Confirm(context.Context, model.Identity) error {
	f.mu.Lock()
	f.confirms++
	f.mu.Unlock()
	if f.confirmFn != nil {
		return f.confirmFn()
	}
	return nil
}

func (f *fakeChannel) Send(_ context.Context, m Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	f.got <- m
	return nil
}

func (f *fakeChannel) confirmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirms
}

// routedChannel addresses identities through a fixed table.
type routedChannel struct {
	*fakeChannel
	dests map[string]string
}

func (r *routedChannel) Destination(id model.Identity) (string, error) {
	if d, ok := r.dests[id.ID]; ok {
		return d, nil
	}
	return "", ErrUnbound
}

var me = model.Identity{ID: "u1", FullName: "Ana"}

func quickConfig() Config {
	return Config{RatePerSec: 100, RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func waitMsg(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push")
		return Message{}
	}
}

func TestGrantThenShow(t *testing.T) {
	ctx := context.Background()
	tg := newFake("telegram", true)
	svc := New(quickConfig(), storage.NewMemory(), nil, logx.Nop(), NewLogChannel(logx.Nop()), tg)
	svc.Start(ctx)
	defer svc.Stop(ctx)

	if got := svc.State(ctx, me.ID); got != StateDefault {
		t.Fatalf("initial state = %s, want default", got)
	}
	// Nothing is shown before permission is granted.
	if err := svc.Show(ctx, me.ID, "New task", "Plan", model.TaskRef("t1")); err != nil {
		t.Fatal(err)
	}

	st, err := svc.Request(ctx, me)
	if err != nil || st != StateGranted {
		t.Fatalf("Request = %s, %v; want granted", st, err)
	}
	if p, _ := svc.Status(ctx, me.ID); p.Channel != "telegram" {
		t.Fatalf("expected durable channel preferred, got %q", p.Channel)
	}

	if err := svc.Show(ctx, me.ID, "New task", "Plan", model.TaskRef("t1")); err != nil {
		t.Fatal(err)
	}
	m := waitMsg(t, tg.got)
	if m.Title != "New task" || m.Link != "/tasks?taskId=t1" {
		t.Fatalf("unexpected message %+v", m)
	}

	// Idempotent: a second request does not ask the channel again.
	if st, _ := svc.Request(ctx, me); st != StateGranted {
		t.Fatalf("second Request = %s", st)
	}
	if tg.confirmCount() != 1 {
		t.Fatalf("expected one confirmation, got %d", tg.confirmCount())
	}
	if len(tg.got) != 0 {
		t.Fatal("the pre-grant Show must not have been delivered")
	}
}

func TestUnboundIdentitySkipsRoutedChannel(t *testing.T) {
	ctx := context.Background()
	tg := &routedChannel{fakeChannel: newFake("telegram", true), dests: map[string]string{me.ID: "42"}}
	local := newFake("log", false)
	svc := New(quickConfig(), storage.NewMemory(), nil, logx.Nop(), local, tg)
	svc.Start(ctx)
	defer svc.Stop(ctx)

	other := model.Identity{ID: "u2", FullName: "Bo"}
	for _, id := range []model.Identity{me, other} {
		if st, err := svc.Request(ctx, id); err != nil || st != StateGranted {
			t.Fatalf("Request(%s) = %s, %v", id.ID, st, err)
		}
	}
	if p, _ := svc.Status(ctx, me.ID); p.Channel != "telegram" || p.Destination != "42" {
		t.Fatalf("bound identity permission = %+v", p)
	}
	if p, _ := svc.Status(ctx, other.ID); p.Channel != "log" || p.Destination != "" {
		t.Fatalf("unbound identity permission = %+v", p)
	}
	if tg.confirmCount() != 1 {
		t.Fatalf("unbound identity must not be confirmed on telegram, got %d confirms", tg.confirmCount())
	}

	if err := svc.Show(ctx, me.ID, "mine", "", model.Ref{}); err != nil {
		t.Fatal(err)
	}
	if m := waitMsg(t, tg.got); m.Destination != "42" || m.Identity != me.ID {
		t.Fatalf("unexpected telegram message %+v", m)
	}
	if err := svc.Show(ctx, other.ID, "theirs", "", model.Ref{}); err != nil {
		t.Fatal(err)
	}
	if m := waitMsg(t, local.got); m.Identity != other.ID {
		t.Fatalf("unexpected local message %+v", m)
	}
	if len(tg.got) != 0 {
		t.Fatal("telegram got a message for an unbound identity")
	}
}

func TestNoReachableChannelKeepsDefault(t *testing.T) {
	ctx := context.Background()
	tg := &routedChannel{fakeChannel: newFake("telegram", true)}
	svc := New(quickConfig(), storage.NewMemory(), nil, logx.Nop(), tg)
	st, err := svc.Request(ctx, me)
	if !errors.Is(err, ErrNoChannel) || st != StateDefault {
		t.Fatalf("Request = %s, %v; want default, ErrNoChannel", st, err)
	}
}

func TestForbiddenIsTerminalAndSurfacedOnce(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.ForIdentity(me.ID, eventbus.TypePushDenied))
	defer unsub()

	tg := newFake("telegram", true)
	tg.confirmFn = func() error { return ErrForbidden }
	svc := New(quickConfig(), storage.NewMemory(), bus, logx.Nop(), tg)

	for i := 0; i < 3; i++ {
		st, err := svc.Request(ctx, me)
		if err != nil || st != StateDenied {
			t.Fatalf("Request #%d = %s, %v; want denied", i, st, err)
		}
	}
	if tg.confirmCount() != 1 {
		t.Fatalf("denied must be terminal, channel asked %d times", tg.confirmCount())
	}
	if len(events) != 1 {
		t.Fatalf("expected push.denied once, got %d", len(events))
	}
}

func TestTransientConfirmKeepsDefault(t *testing.T) {
	ctx := context.Background()
	tg := newFake("telegram", true)
	tg.confirmFn = func() error { return errors.New("timeout") }
	svc := New(quickConfig(), storage.NewMemory(), nil, logx.Nop(), tg)

	st, err := svc.Request(ctx, me)
	if err == nil || st != StateDefault {
		t.Fatalf("Request = %s, %v; want default with error", st, err)
	}
	tg.confirmFn = nil
	if st, err := svc.Request(ctx, me); err != nil || st != StateGranted {
		t.Fatalf("retry Request = %s, %v; want granted", st, err)
	}
}

func TestSendFallsBackToNextChannel(t *testing.T) {
	ctx := context.Background()
	tg := newFake("telegram", true)
	tg.sendErr = errors.New("bad gateway")
	local := newFake("log", false)
	svc := New(quickConfig(), storage.NewMemory(), nil, logx.Nop(), local, tg)
	svc.Start(ctx)
	defer svc.Stop(ctx)

	if st, _ := svc.Request(ctx, me); st != StateGranted {
		t.Fatalf("Request = %s", st)
	}
	_ = svc.Show(ctx, me.ID, "Leave approved", "", model.LeaveRef("l1"))
	m := waitMsg(t, local.got)
	if m.Link != "/hr?leaveId=l1" {
		t.Fatalf("unexpected fallback message %+v", m)
	}
}

func TestForbiddenSendRevokes(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.ForIdentity(me.ID, eventbus.TypePushDenied))
	defer unsub()

	tg := newFake("telegram", true)
	svc := New(quickConfig(), storage.NewMemory(), bus, logx.Nop(), tg)
	svc.Start(ctx)

	_, _ = svc.Request(ctx, me)
	tg.sendErr = ErrForbidden
	_ = svc.Show(ctx, me.ID, "x", "", model.Ref{})

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected push.denied after forbidden send")
	}
	svc.Stop(ctx)
	if got := svc.State(ctx, me.ID); got != StateDenied {
		t.Fatalf("state = %s, want denied", got)
	}
}

func TestCorruptPermissionIsDefault(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.Put(ctx, storage.Key(storage.NSPushPermission, me.ID), []byte(`{"state":"maybe"}`))
	svc := New(quickConfig(), st, nil, logx.Nop(), newFake("log", false))
	if got := svc.State(ctx, me.ID); got != StateDefault {
		t.Fatalf("state = %s, want default", got)
	}
}

func TestShowAfterStopFails(t *testing.T) {
	ctx := context.Background()
	tg := newFake("telegram", true)
	svc := New(quickConfig(), storage.NewMemory(), nil, logx.Nop(), tg)
	_, _ = svc.Request(ctx, me)
	if err := svc.Show(ctx, me.ID, "x", "", model.Ref{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped before Start, got %v", err)
	}
}
