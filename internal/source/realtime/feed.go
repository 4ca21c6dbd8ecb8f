// Package realtime subscribes to the backend's Phoenix-channel change feed
// over a websocket.
package realtime

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"deptnotify/internal/model"
	"deptnotify/internal/source"
)

const (
	defaultHeartbeat = 25 * time.Second
	joinTimeout      = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Feed implements source.Feed.
type Feed struct {
	url       string
	dialer    *websocket.Dialer
	heartbeat time.Duration
	log       logx.Logger
}

var _ source.Feed = (*Feed)(nil)

type Option func(*Feed)

func WithHeartbeat(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.heartbeat = d
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(f *Feed) {
		if d != nil {
			f.dialer = d
		}
	}
}

func New(url string, log logx.Logger, opts ...Option) *Feed {
	f := &Feed{
		url:       url,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeat: defaultHeartbeat,
		log:       log.With(logx.String("comp", "source.realtime")),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// frame is the Phoenix channel message envelope.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Table     string          `json:"table"`
		Type      string          `json:"type"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

func Topic(t model.Table) string { return "realtime:public:" + string(t) }

// Subscribe dials the feed and joins one channel per table. It returns once
// every join has been acknowledged.
func (f *Feed) Subscribe(ctx context.Context, token string, tables []model.Table) (source.Subscription, error) {
	conn, resp, err := f.dialer.DialContext(ctx, f.url, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	s := &subscription{
		conn:   conn,
		events: make(chan model.ChangeEvent, 64),
		done:   make(chan struct{}),
		topics: map[string]model.Table{},
		log:    f.log,
	}

	pending := map[string]string{} // ref -> topic
	for _, t := range tables {
		var jp joinPayload
		jp.Config.PostgresChanges = []changeFilter{{Event: "*", Schema: "public", Table: string(t)}}
		jp.AccessToken = token
		ref := s.nextRef()
		topic := Topic(t)
		s.topics[topic] = t
		pending[ref] = topic
		if err := s.send(topic, "phx_join", jp, ref); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("realtime join %s: %w", topic, err)
		}
	}

	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	for len(pending) > 0 {
		var fr frame
		if err := conn.ReadJSON(&fr); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("realtime join: %w", err)
		}
		if fr.Event != "phx_reply" {
			continue
		}
		topic, ok := pending[fr.Ref]
		if !ok {
			continue
		}
		var rp replyPayload
		_ = json.Unmarshal(fr.Payload, &rp)
		if rp.Status != "ok" {
			_ = conn.Close()
			return nil, fmt.Errorf("realtime join %s: %s %s", topic, rp.Status, string(rp.Response))
		}
		delete(pending, fr.Ref)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop(f.heartbeat)
	f.log.Debug("realtime subscribed", logx.Int("tables", len(tables)))
	return s, nil
}

type subscription struct {
	conn   *websocket.Conn
	writeM sync.Mutex
	ref    atomic.Uint64

	events chan model.ChangeEvent
	done   chan struct{}
	topics map[string]model.Table
	log    logx.Logger

	once   sync.Once
	errMu  sync.Mutex
	err    error
	closed atomic.Bool
	wg     sync.WaitGroup
}

func (s *subscription) Events() <-chan model.ChangeEvent { return s.events }
func (s *subscription) Done() <-chan struct{}            { return s.done }

func (s *subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.closed.Store(true)
	s.finish(nil)
	s.wg.Wait()
	return nil
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		if !s.closed.Load() {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
		}
		s.writeM.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeM.Unlock()
		_ = s.conn.Close()
		close(s.done)
	})
}

func (s *subscription) nextRef() string { return strconv.FormatUint(s.ref.Add(1), 10) }

func (s *subscription) send(topic, event string, payload any, ref string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.writeM.Lock()
	defer s.writeM.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame{Topic: topic, Event: event, Payload: b, Ref: ref})
}

func (s *subscription) heartbeatLoop(every time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.send("phoenix", "heartbeat", struct{}{}, s.nextRef()); err != nil {
				s.finish(fmt.Errorf("realtime heartbeat: %w", err))
				return
			}
		}
	}
}

func (s *subscription) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	for {
		var fr frame
		if err := s.conn.ReadJSON(&fr); err != nil {
			s.finish(fmt.Errorf("realtime read: %w", err))
			return
		}
		switch fr.Event {
		case "postgres_changes":
			ev, ok := s.decode(fr)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			default:
				// A full buffer already guarantees a pending cycle.
			}
		case "phx_error", "phx_close":
			if _, ours := s.topics[fr.Topic]; ours {
				s.finish(fmt.Errorf("realtime %s on %s", fr.Event, fr.Topic))
				return
			}
		case "system":
			var p struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}
			if json.Unmarshal(fr.Payload, &p) == nil && p.Status == "error" {
				s.finish(errors.New("realtime system error: " + p.Message))
				return
			}
		}
	}
}

func (s *subscription) decode(fr frame) (model.ChangeEvent, bool) {
	var cp changePayload
	if err := json.Unmarshal(fr.Payload, &cp); err != nil {
		s.log.Debug("undecodable change frame", logx.Err(err))
		return model.ChangeEvent{}, false
	}
	table := model.Table(cp.Data.Table)
	if table == "" {
		table = s.topics[fr.Topic]
	}
	record := cp.Data.Record
	if len(record) == 0 || string(record) == "null" {
		// DELETE frames have no new record; nothing to notify about.
		return model.ChangeEvent{}, false
	}
	ev, err := source.DecodeRow(table, record, cp.Data.OldRecord)
	if err != nil {
		s.log.Debug("undecodable change row", logx.String("table", string(table)), logx.Err(err))
		return model.ChangeEvent{}, false
	}
	switch cp.Data.Type {
	case "INSERT":
		ev.Op = model.OpInsert
	case "UPDATE":
		ev.Op = model.OpUpdate
	}
	return ev, true
}
