package httpapi

import (
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"deptnotify/internal/eventbus"
	"deptnotify/internal/inbox"
	"deptnotify/internal/session"
)

const (
	streamBuffer    = 64
	streamHeartbeat = 15 * time.Second
)

// streamTypes are forwarded to views of the signed-in identity.
var streamTypes = []string{
	eventbus.TypeInboxChanged,
	eventbus.TypeToast,
	eventbus.TypePushDenied,
	eventbus.TypeSessionEnded,
}

// events streams the identity's events as text/event-stream. The first
// frame is an inbox.changed snapshot so a view can render without polling.
// The stream ends with the request or the session.
func (a *API) events(w http.ResponseWriter, r *http.Request, s *session.Session) {
	rc := http.NewResponseController(w)
	id := s.Identity().ID

	ch, unsubscribe := a.d.Bus.Subscribe(streamBuffer, eventbus.ForIdentity(id, streamTypes...))
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	list, err := a.d.Inbox.List(r.Context(), id)
	if err != nil {
		a.log.Warn("inbox snapshot failed", logx.String("identity", id), logx.Err(err))
	}
	n, _ := a.d.Inbox.UnreadCount(r.Context(), id)
	if err := writeEvent(w, eventbus.TypeInboxChanged, inbox.Changed{Reason: "snapshot", Total: len(list), Unread: n}); err != nil {
		return
	}
	if rc.Flush() != nil {
		return
	}

	hb := time.NewTicker(streamHeartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.Done():
			_ = writeEvent(w, eventbus.TypeSessionEnded, map[string]string{"identity": id})
			_ = rc.Flush()
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, ev.Type, ev.Data); err != nil {
				return
			}
			if ev.Type == eventbus.TypeSessionEnded {
				_ = rc.Flush()
				return
			}
		}
		if rc.Flush() != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, typ string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		b = []byte("null")
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, b)
	return err
}
