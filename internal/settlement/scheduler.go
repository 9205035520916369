package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/model"
)

// ErrBatchRunning is returned when a batch is triggered while another one
// is still running.
var ErrBatchRunning = errors.New("settlement: a batch is already running")

// Batcher runs a settlement batch for one day.
type Batcher interface {
	SettleAll(ctx context.Context, today model.Date) (Summary, error)
}

// Scheduler runs SettleAll on a cron schedule and for manual triggers, never
// more than one batch at a time. The settlement date of a scheduled run is
// the calendar day in the scheduler's location at fire time.
type Scheduler struct {
	cron    *cron.Cron
	batcher Batcher
	loc     *time.Location
	now     func() time.Time
	running atomic.Bool
	logger  *slog.Logger
	timeout time.Duration
}

// NewScheduler parses spec (standard five-field cron) and binds it to loc.
// An empty spec schedules nothing; RunNow and RunFor still work.
func NewScheduler(b Batcher, spec string, loc *time.Location, logger *slog.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		batcher: b,
		loc:     loc,
		now:     time.Now,
		logger:  logger,
		timeout: time.Hour,
	}
	if spec == "" {
		return s, nil
	}
	if _, err := s.cron.AddFunc(spec, s.fire); err != nil {
		return nil, fmt.Errorf("parse settlement schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("settlement scheduled", "next", e.Next)
	}
}

// Stop stops scheduling and waits for a running batch to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("settlement batch still running at shutdown")
	}
}

// RunNow triggers a batch for the current day.
func (s *Scheduler) RunNow(ctx context.Context) (Summary, error) {
	return s.RunFor(ctx, model.DateOf(s.now(), s.loc))
}

// RunFor triggers a batch for today. It fails with ErrBatchRunning (a
// ConcurrencyConflict) if a batch is already in progress.
func (s *Scheduler) RunFor(ctx context.Context, today model.Date) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, apperr.Conflict("settlement.RunFor", ErrBatchRunning, "cannot start batch for %s", today)
	}
	defer s.running.Store(false)

	return s.batcher.SettleAll(ctx, today)
}

func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	summary, err := s.RunNow(ctx)
	switch {
	case errors.Is(err, ErrBatchRunning):
		s.logger.Warn("previous settlement batch still running, skipping")
	case err != nil:
		s.logger.Error("scheduled settlement failed", "err", err)
	default:
		s.logger.Info("scheduled settlement done",
			"date", summary.Date.String(), "settled", summary.Settled, "failed", summary.Failed)
	}
}
