package sink

import (
	"context"
	logx "deptnotify/pkg/logx"
	"testing"

	"deptnotify/internal/eventbus"
	"deptnotify/internal/model"
)

func TestToastPublishesScopedEvent(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.ForIdentity("u1", eventbus.TypeToast))
	defer unsub()

	toast := NewToast(bus, 100, 10, logx.Nop())
	rec := model.Record{ID: "r1", Category: model.CategoryNewTask, Ref: model.TaskRef("t1")}
	if err := toast.Deliver(context.Background(), model.Identity{ID: "u1"}, rec); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-ch:
		te, ok := e.Data.(ToastEvent)
		if !ok || te.Record.ID != "r1" || te.DeepLink != "/tasks?taskId=t1" {
			t.Fatalf("unexpected toast %+v", e.Data)
		}
	default:
		t.Fatal("expected a toast event")
	}
}

func TestToastBurstLimit(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, nil)
	defer unsub()

	toast := NewToast(bus, 0.001, 2, logx.Nop())
	for i := 0; i < 5; i++ {
		_ = toast.Deliver(context.Background(), model.Identity{ID: "u1"}, model.Record{ID: "r"})
	}
	if got := len(ch); got != 2 {
		t.Fatalf("expected 2 toasts within burst, got %d", got)
	}
	if toast.Suppressed() != 3 {
		t.Fatalf("expected 3 suppressed, got %d", toast.Suppressed())
	}
}
