// Package housekeeping runs periodic storage maintenance: journal
// compaction, expired dedup entries and audit retention.
package housekeeping

import (
	"context"
	logx "deptnotify/pkg/logx"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"deptnotify/internal/storage"
)

const (
	DefaultSpec      = "@every 1h"
	DefaultRetention = 90 * 24 * time.Hour
	jobTimeout       = 2 * time.Minute
)

type Config struct {
	Enabled   bool
	Spec      string
	Retention time.Duration
}

// Report is the outcome of one maintenance run.
type Report struct {
	At     time.Time
	Pruned int
	Took   time.Duration
	Err    error
}

type Service struct {
	store  storage.Store
	log    logx.Logger
	parser cron.Parser
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	last    Report
	runs    int
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With(logx.String("comp", "housekeeping")),
		// SecondOptional allows both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
		cfg:    normalize(cfg),
	}
}

func normalize(cfg Config) Config {
	cfg.Spec = strings.TrimSpace(cfg.Spec)
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return cfg
}

// Start schedules the maintenance job. It is a no-op when disabled or
// already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	sched, err := s.parser.Parse(s.cfg.Spec)
	if err != nil {
		return fmt.Errorf("housekeeping: invalid spec %q: %w", s.cfg.Spec, err)
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.entryID = c.Schedule(sched, cron.FuncJob(func() { s.RunOnce(s.ctx) }))
	c.Start()
	s.c = c
	s.log.Info("housekeeping scheduled", logx.String("spec", s.cfg.Spec), logx.Duration("audit_retention", s.cfg.Retention))
	return nil
}

// Stop unschedules the job and waits for a running one.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the configuration, rescheduling when the service is running.
func (s *Service) Apply(cfg Config) error {
	cfg = normalize(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	if old.Enabled == cfg.Enabled && old.Spec == cfg.Spec && s.c != nil {
		return nil
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if !cfg.Enabled {
		s.log.Info("housekeeping disabled")
		return nil
	}
	return s.startLocked()
}

// Next is the next scheduled run, zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entryID).Next
}

func (s *Service) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// RunOnce compacts storage and prunes audit entries past retention.
func (s *Service) RunOnce(ctx context.Context) (rep Report) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()

	began := s.now()
	rep.At = began
	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("panic: %v", r)
			s.log.Error("housekeeping panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		rep.Took = s.now().Sub(began)
		s.mu.Lock()
		s.last = rep
		s.runs++
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	var errs []error
	if err := s.store.Compact(ctx); err != nil && !errors.Is(err, storage.ErrDisabled) {
		errs = append(errs, fmt.Errorf("compact: %w", err))
	}
	n, err := s.store.PruneAudit(ctx, began.Add(-retention))
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		errs = append(errs, fmt.Errorf("prune audit: %w", err))
	}
	rep.Pruned = n
	rep.Err = errors.Join(errs...)

	if rep.Err != nil {
		s.log.Warn("housekeeping run failed", logx.Err(rep.Err))
	} else {
		s.log.Debug("housekeeping run", logx.Int("pruned", n))
	}
	return rep
}
