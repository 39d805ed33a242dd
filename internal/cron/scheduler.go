// Package cron provides a periodic sweep that re-evaluates conversation
// limits in the background, so long-idle conversations surface age
// warnings without waiting for their next turn.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/gridmind/internal/bus"
	"github.com/basket/gridmind/internal/orchestrator"
	"github.com/basket/gridmind/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultSweepExpr runs the sweep at the top of every hour.
const DefaultSweepExpr = "0 * * * *"

// Config holds the dependencies for the limit sweep.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Limits orchestrator.Limits
	Logger *slog.Logger
	Expr   string // sweep schedule; defaults to DefaultSweepExpr
}

// Sweeper walks all conversations on a cron schedule and publishes limit
// events for any that crossed a ceiling while idle.
type Sweeper struct {
	store  *persistence.Store
	bus    *bus.Bus
	limits orchestrator.Limits
	logger *slog.Logger
	sched  cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper from the given config. The schedule
// expression is validated here.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Expr
	if expr == "" {
		expr = DefaultSweepExpr
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  cfg.Store,
		bus:    cfg.Bus,
		limits: cfg.Limits,
		logger: logger,
		sched:  sched,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("limit sweep started", "next_run", s.sched.Next(time.Now()))
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("limit sweep stopped")
}

// loop sweeps once on startup, then sleeps until each scheduled run.
func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	s.Sweep(ctx)

	for {
		next := s.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evaluates limits for every conversation and publishes warnings
// for those past a ceiling. Age findings go out on their own topic so
// subscribers can tell idle decay from in-turn growth.
func (s *Sweeper) Sweep(ctx context.Context) {
	convs, err := s.store.ListConversations(ctx, 0)
	if err != nil {
		s.logger.Error("limit sweep: list conversations", "error", err)
		return
	}

	flagged := 0
	for _, conv := range convs {
		state, warnings := s.limits.Evaluate(conv)
		if len(warnings) == 0 {
			continue
		}
		flagged++

		for _, w := range warnings {
			if w.Kind == "age" {
				s.bus.Publish(bus.TopicLimitAgeWarning, bus.LimitWarningEvent{
					ConversationID: conv.ID,
					Warnings:       []bus.LimitWarning{w},
				})
			}
		}
		if state == orchestrator.LimitMustCompact {
			s.bus.Publish(bus.TopicCompactionSuggested, bus.CompactionSuggestedEvent{
				ConversationID: conv.ID,
				Reason:         "limits exceeded while idle",
			})
		}
	}

	if flagged > 0 {
		s.logger.Info("limit sweep finished", "conversations", len(convs), "flagged", flagged)
	}
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time. Used by config validation.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
