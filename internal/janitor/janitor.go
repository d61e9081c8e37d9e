// Package janitor prunes old rows on a cron schedule: terminal queue entries
// past their retention age and ledger rows that recovery already consumed.
package janitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"

	"github.com/robfig/cron/v3"
)

// EventSweep is published after each sweep that deleted something.
const EventSweep = "janitor.sweep"

const (
	defaultSchedule     = "@hourly"
	defaultQueueMaxAge  = 7 * 24 * time.Hour
	defaultLedgerMaxAge = 24 * time.Hour
)

// Options is the janitor's effective configuration.
// A zero max age disables that pruner.
type Options struct {
	Enabled      bool
	Schedule     string
	QueueMaxAge  time.Duration
	LedgerMaxAge time.Duration
}

func OptionsFromConfig(jc *config.JanitorConfig) (Options, error) {
	if jc == nil {
		return Options{}, nil
	}
	o := Options{
		Enabled:  jc.Enabled,
		Schedule: strings.TrimSpace(jc.Schedule),
	}
	if o.Schedule == "" {
		o.Schedule = defaultSchedule
	}
	var err error
	if o.QueueMaxAge, err = config.ParseDurationOrDefault("janitor.queue_max_age", jc.QueueMaxAge, defaultQueueMaxAge); err != nil {
		return o, err
	}
	if o.LedgerMaxAge, err = config.ParseDurationOrDefault("janitor.ledger_max_age", jc.LedgerMaxAge, defaultLedgerMaxAge); err != nil {
		return o, err
	}
	return o, nil
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Entries    int64 `json:"entries"`
	LedgerRows int64 `json:"ledger_rows"`
}

type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	mu   sync.Mutex
	opts Options
	cron *cron.Cron
}

func New(opts Options, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, bus: bus, store: store, opts: opts}
}

// Start schedules the sweep. Idempotent; a no-op when disabled.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || !s.opts.Enabled {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.opts.Schedule, s.sweep); err != nil {
		return fmt.Errorf("janitor: bad schedule %q: %w", s.opts.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("janitor started",
		logx.String("schedule", s.opts.Schedule),
		logx.Duration("queue_max_age", s.opts.QueueMaxAge),
		logx.Duration("ledger_max_age", s.opts.LedgerMaxAge),
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish (or ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("janitor stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply swaps options, restarting the schedule if needed.
func (s *Service) Apply(ctx context.Context, opts Options) error {
	s.mu.Lock()
	prev := s.opts
	s.opts = opts
	running := s.cron != nil
	s.mu.Unlock()

	if prev == opts {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	return s.Start()
}

func (s *Service) sweep() {
	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var res SweepResult
	now := time.Now()
	if opts.QueueMaxAge > 0 {
		n, err := s.store.CleanupTerminal(ctx, now.Add(-opts.QueueMaxAge))
		if err != nil {
			s.log.Warn("queue cleanup failed", logx.Err(err))
		} else {
			res.Entries = n
		}
	}
	if opts.LedgerMaxAge > 0 {
		n, err := s.store.CleanupResumed(ctx, now.Add(-opts.LedgerMaxAge))
		if err != nil {
			s.log.Warn("ledger cleanup failed", logx.Err(err))
		} else {
			res.LedgerRows = n
		}
	}

	if res.Entries == 0 && res.LedgerRows == 0 {
		return
	}
	s.log.Info("janitor sweep",
		logx.Int64("entries", res.Entries),
		logx.Int64("ledger_rows", res.LedgerRows),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventSweep, Data: res})
	}
}
