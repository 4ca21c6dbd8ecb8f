package realtime

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"deptnotify/internal/model"
)

// fakeServer acks every join, then pushes one task update and, when told,
// drops the connection.
func fakeServer(t *testing.T, joinStatus string, drop <-chan struct{}) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var join frame
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		if join.Event != "phx_join" || join.Topic != Topic(model.TableTasks) {
			t.Errorf("unexpected join frame %+v", join)
		}
		var jp joinPayload
		_ = json.Unmarshal(join.Payload, &jp)
		if jp.AccessToken != "tok" || len(jp.Config.PostgresChanges) != 1 {
			t.Errorf("unexpected join payload %+v", jp)
		}
		reply, _ := json.Marshal(replyPayload{Status: joinStatus})
		_ = conn.WriteJSON(frame{Topic: join.Topic, Event: "phx_reply", Payload: reply, Ref: join.Ref})
		if joinStatus != "ok" {
			return
		}

		change := `{"data":{"table":"tasks","type":"UPDATE",
			"record":{"id":"t1","title":"Plan","status":"completed","assigned_to":"u1","assigned_by":"u2",
			          "created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-02T00:00:00Z"},
			"old_record":{"id":"t1","status":"in_progress"}}}`
		_ = conn.WriteJSON(frame{Topic: join.Topic, Event: "postgres_changes", Payload: json.RawMessage(change)})

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		<-drop
	}))
}

func wsURL(s *httptest.Server) string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func TestSubscribeDeliversDecodedChanges(t *testing.T) {
	drop := make(chan struct{})
	srv := fakeServer(t, "ok", drop)
	defer srv.Close()

	feed := New(wsURL(srv), logx.Nop(), WithHeartbeat(50*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := feed.Subscribe(ctx, "tok", []model.Table{model.TableTasks})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case ev := <-sub.Events():
		task, ok := ev.Payload.(model.TaskRow)
		if !ok || ev.Op != model.OpUpdate || task.PreviousStatus != model.TaskInProgress || task.Status != model.TaskCompleted {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for change")
	}

	close(drop)
	select {
	case <-sub.Done():
		if sub.Err() == nil {
			t.Fatal("expected disconnect to report an error")
		}
	case <-ctx.Done():
		t.Fatal("expected subscription to end after server drop")
	}
	_ = sub.Close()
}

func TestSubscribeFailsOnRejectedJoin(t *testing.T) {
	drop := make(chan struct{})
	defer close(drop)
	srv := fakeServer(t, "error", drop)
	defer srv.Close()

	feed := New(wsURL(srv), logx.Nop())
	_, err := feed.Subscribe(context.Background(), "tok", []model.Table{model.TableTasks})
	if err == nil {
		t.Fatal("expected rejected join to fail Subscribe")
	}
}

func TestCloseIsCleanShutdown(t *testing.T) {
	drop := make(chan struct{})
	defer close(drop)
	srv := fakeServer(t, "ok", drop)
	defer srv.Close()

	feed := New(wsURL(srv), logx.Nop())
	sub, err := feed.Subscribe(context.Background(), "tok", []model.Table{model.TableTasks})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-sub.Done()
	if sub.Err() != nil {
		t.Fatalf("expected nil error after Close, got %v", sub.Err())
	}
}
