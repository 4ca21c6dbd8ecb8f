package push

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deptnotify/internal/eventbus"
	"deptnotify/internal/model"
	rtsup "deptnotify/internal/runtime/supervisor"
	"deptnotify/internal/sink"
	"deptnotify/internal/storage"
)

type job struct {
	msg     Message
	channel string
}

// Service owns the permission state machine and the send queue.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	channels []Channel
	now      func() time.Time

	cfg     Config
	limiter *rate.Limiter

	queue  chan job
	sup    *rtsup.Supervisor
	sendWG sync.WaitGroup

	// Serializes permission transitions.
	permMu sync.Mutex
}

var _ sink.Sink = (*Service)(nil)

// New orders channels durable first; among equals the given order is kept.
func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger, channels ...Channel) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	var durable, local []Channel
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		if ch.Durable() {
			durable = append(durable, ch)
		} else {
			local = append(local, ch)
		}
	}
	s := &Service{
		log:      log.With(logx.String("comp", "push")),
		bus:      bus,
		store:    store,
		channels: append(durable, local...),
		now:      time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Channels lists configured channel names in preference order.
func (s *Service) Channels() []string {
	out := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.Name())
	}
	return out
}

func (s *Service) Name() string { return "push" }

// Start launches the send worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	s.sup.GoRestart("push.worker", func(c context.Context) error {
		s.workerLoop(c, q)
		return nil
	})
}

// Stop stops intake and drains queued sends until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}
	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		// Deadline hit with sends still queued; drop them.
		sup.Cancel()
	}
}

// Status returns the stored permission. Missing or unreadable data is default.
func (s *Service) Status(ctx context.Context, identity string) (Permission, error) {
	b, ok, err := s.store.Get(ctx, storage.Key(storage.NSPushPermission, identity))
	if err != nil {
		return Permission{State: StateDefault}, fmt.Errorf("load push permission: %w", err)
	}
	if !ok {
		return Permission{State: StateDefault}, nil
	}
	var p Permission
	if err := json.Unmarshal(b, &p); err != nil || !p.State.valid() {
		s.log.Warn("push permission unreadable; treating as default", logx.String("identity", identity))
		return Permission{State: StateDefault}, nil
	}
	return p, nil
}

func (s *Service) State(ctx context.Context, identity string) State {
	p, _ := s.Status(ctx, identity)
	return p.State
}

// Request asks the preferred channel to confirm it can reach the user.
// Channels with no destination for the identity are skipped. Once the state
// left default, Request returns it unchanged without contacting any channel.
// A transient channel failure keeps default and returns the error so the
// caller may retry.
func (s *Service) Request(ctx context.Context, identity model.Identity) (State, error) {
	s.permMu.Lock()
	defer s.permMu.Unlock()

	p, err := s.Status(ctx, identity.ID)
	if err != nil {
		return StateDefault, err
	}
	if p.State != StateDefault {
		return p.State, nil
	}

	for _, ch := range s.channels {
		var dest string
		if r, ok := ch.(Router); ok {
			if dest, err = r.Destination(identity); err != nil {
				s.log.Debug("push channel cannot reach identity", logx.String("identity", identity.ID), logx.String("channel", ch.Name()), logx.Err(err))
				continue
			}
		}

		err = ch.Confirm(ctx, identity)
		switch {
		case err == nil:
			np := Permission{State: StateGranted, Channel: ch.Name(), Destination: dest, ChangedAt: s.now().UTC()}
			if err := s.save(ctx, identity.ID, np); err != nil {
				return StateDefault, err
			}
			s.log.Info("push permission granted", logx.String("identity", identity.ID), logx.String("channel", ch.Name()))
			return StateGranted, nil
		case errors.Is(err, ErrUnbound):
			continue
		case errors.Is(err, ErrForbidden):
			if err := s.deny(ctx, identity.ID, ch.Name(), err.Error()); err != nil {
				return StateDefault, err
			}
			return StateDenied, nil
		default:
			return StateDefault, fmt.Errorf("push confirm via %s: %w", ch.Name(), err)
		}
	}
	return StateDefault, ErrNoChannel
}

func (s *Service) Deliver(ctx context.Context, to model.Identity, rec model.Record) error {
	return s.Show(ctx, to.ID, rec.Title, rec.Body, rec.Ref)
}

// Show queues an OS notification. It does nothing unless the identity's
// permission is granted.
func (s *Service) Show(ctx context.Context, identity, title, body string, ref model.Ref) error {
	p, err := s.Status(ctx, identity)
	if err != nil {
		return err
	}
	if p.State != StateGranted {
		return nil
	}

	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	j := job{
		msg:     Message{Identity: identity, Destination: p.Destination, Title: title, Body: body, Link: ref.DeepLink()},
		channel: p.Channel,
	}
	select {
	case q <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

// send tries the granted channel first, then the rest in preference order.
func (s *Service) send(ctx context.Context, j job) {
	for _, ch := range s.ordered(j.channel) {
		err := s.sendWithRetry(ctx, ch, j.msg)
		if err == nil {
			return
		}
		if errors.Is(err, ErrForbidden) {
			if derr := s.deny(ctx, j.msg.Identity, ch.Name(), err.Error()); derr != nil {
				s.log.Warn("push deny persist failed", logx.Err(derr))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("push channel failed; trying next", logx.String("channel", ch.Name()), logx.Err(err))
	}
}

func (s *Service) ordered(first string) []Channel {
	out := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		if ch.Name() == first {
			out = append(out, ch)
		}
	}
	for _, ch := range s.channels {
		if ch.Name() != first {
			out = append(out, ch)
		}
	}
	return out
}

func (s *Service) sendWithRetry(ctx context.Context, ch Channel, m Message) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := ch.Send(callCtx, m)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnbound) {
			return err
		}
		lastErr = err
		s.log.Debug("push send failed", logx.String("channel", ch.Name()), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// deny persists denied and publishes push.denied on the transition only.
func (s *Service) deny(ctx context.Context, identity, channel, reason string) error {
	prev, _ := s.Status(ctx, identity)
	if prev.State == StateDenied {
		return nil
	}
	at := s.now().UTC()
	if err := s.save(ctx, identity, Permission{State: StateDenied, Channel: channel, ChangedAt: at, Reason: reason}); err != nil {
		return err
	}
	s.log.Info("push permission denied", logx.String("identity", identity), logx.String("channel", channel))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type:     eventbus.TypePushDenied,
			Identity: identity,
			Data:     DeniedEvent{Channel: channel, Reason: reason, At: at},
		})
	}
	return nil
}

func (s *Service) save(ctx context.Context, identity string, p Permission) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, storage.Key(storage.NSPushPermission, identity), b); err != nil {
		return fmt.Errorf("store push permission: %w", err)
	}
	return nil
}

func (st State) valid() bool {
	return st == StateDefault || st == StateGranted || st == StateDenied
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
