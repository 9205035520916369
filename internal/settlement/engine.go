// Package settlement pays capped binary matching income.
//
// For each participant the engine matches the weaker leg against the
// stronger, limits the match by the plan's daily cap, pays the capped volume
// at the plan's match rate and flushes exactly that volume from both legs.
// Anything above the cap stays on the legs and carries forward.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/capping"
	"github.com/atmx/binary-engine/internal/events"
	"github.com/atmx/binary-engine/internal/metrics"
	"github.com/atmx/binary-engine/internal/model"
)

// Status is the outcome of one Settle call.
type Status string

const (
	StatusSettled Status = "SETTLED"
	StatusSkipped Status = "SKIPPED"
)

// Skip reasons.
const (
	SkipInactive           = "inactive"
	SkipNoPlan             = "no_plan"
	SkipPlanNotFound       = "plan_not_found"
	SkipInsufficientVolume = "insufficient_volume"
	SkipCapExhausted       = "cap_exhausted"
)

// ErrBackdated is returned when settling a day earlier than the
// participant's last settlement. The daily counter resets once per calendar
// day, so going back in time would reopen an already capped day.
var ErrBackdated = errors.New("settlement: date precedes last settlement")

// Store is the subset of the store the engine needs.
type Store interface {
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	GetPlan(ctx context.Context, id string) (*model.Plan, error)
	ListSettlementCandidates(ctx context.Context) ([]model.Participant, error)
	CommitSettlement(ctx context.Context, c model.SettlementCommit) error
}

// Result describes one participant's settlement.
type Result struct {
	ParticipantID  string          `json:"participant_id"`
	Date           model.Date      `json:"date"`
	Status         Status          `json:"status"`
	SkipReason     string          `json:"skip_reason,omitempty"`
	MatchedVolume  int64           `json:"matched_volume"`
	VolumeConsumed int64           `json:"volume_consumed"`
	IncomePaid     decimal.Decimal `json:"income_paid"`
	EntryID        string          `json:"entry_id,omitempty"`
}

// Engine settles matching income.
type Engine struct {
	store   Store
	workers int
	pub     events.Publisher
	logger  *slog.Logger
	locks   *keyedMutex
}

// DefaultWorkers is the batch concurrency when none is configured.
const DefaultWorkers = 8

// NewEngine creates a settlement engine. workers bounds SettleAll concurrency.
func NewEngine(s Store, workers int, pub events.Publisher, logger *slog.Logger) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   s,
		workers: workers,
		pub:     pub,
		logger:  logger,
		locks:   newKeyedMutex(),
	}
}

// Key is the idempotency key of a settlement commit. It includes the
// participant version read before computing, so replaying the same commit
// is rejected while a later settlement on the same day gets a fresh key.
func Key(participantID string, today model.Date, version int64) string {
	return fmt.Sprintf("%s:%s:%d", participantID, today, version)
}

// Settle computes and commits one participant's matching income for today.
// Calls for the same participant are serialized in-process; a commit that
// loses an optimistic version race is retried once from a fresh read.
func (e *Engine) Settle(ctx context.Context, participantID string, today model.Date) (Result, error) {
	const op = "settlement.Settle"
	if today.IsZero() {
		return Result{}, apperr.InvalidInput(op, nil, "settlement date is required")
	}

	unlock := e.locks.Lock(participantID)
	defer unlock()

	res, err := e.settleOnce(ctx, participantID, today)
	if errors.Is(err, apperr.ErrConcurrencyConflict) {
		metrics.SettlementConflicts.Inc()
		e.logger.Warn("settlement conflict, retrying",
			"participant", participantID, "date", today.String(), "err", err)
		res, err = e.settleOnce(ctx, participantID, today)
	}
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("failed").Inc()
		return res, err
	}

	switch res.Status {
	case StatusSettled:
		metrics.SettlementsTotal.WithLabelValues("settled").Inc()
		metrics.SettlementIncome.Add(res.IncomePaid.InexactFloat64())
		e.logger.Info("settlement paid",
			"participant", participantID,
			"date", today.String(),
			"volume", res.VolumeConsumed,
			"income", res.IncomePaid.String(),
		)
		ev := events.New(events.TypeSettlementPaid)
		ev.ParticipantID = participantID
		ev.Date = today.String()
		ev.Amount = res.IncomePaid
		ev.Volume = res.VolumeConsumed
		if err := e.pub.Publish(ctx, ev); err != nil {
			e.logger.Warn("publish settlement event failed", "participant", participantID, "err", err)
		}
	case StatusSkipped:
		metrics.SettlementsTotal.WithLabelValues(res.SkipReason).Inc()
		e.logger.Debug("settlement skipped",
			"participant", participantID, "date", today.String(), "reason", res.SkipReason)
	}
	return res, nil
}

func (e *Engine) settleOnce(ctx context.Context, participantID string, today model.Date) (Result, error) {
	const op = "settlement.Settle"
	res := Result{ParticipantID: participantID, Date: today, IncomePaid: decimal.Zero}
	skip := func(reason string) (Result, error) {
		res.Status = StatusSkipped
		res.SkipReason = reason
		return res, nil
	}

	p, err := e.store.GetParticipant(ctx, participantID)
	if err != nil {
		return res, err
	}
	if today.Before(p.LastSettlementDate) {
		return res, apperr.InvalidInput(op, ErrBackdated, "%s: %s is before last settlement on %s",
			participantID, today, p.LastSettlementDate)
	}
	if !p.IsActive {
		return skip(SkipInactive)
	}
	if p.PlanID == "" {
		return skip(SkipNoPlan)
	}
	plan, err := e.store.GetPlan(ctx, p.PlanID)
	if errors.Is(err, apperr.ErrNotFound) {
		e.logger.Warn("participant references a missing plan", "participant", participantID, "plan", p.PlanID)
		return skip(SkipPlanNotFound)
	}
	if err != nil {
		return res, err
	}

	matched := min(p.LeftVolume, p.RightVolume)
	res.MatchedVolume = matched
	if matched <= 0 {
		return skip(SkipInsufficientVolume)
	}

	limiter, err := capping.NewDailyLimiter(plan.DailyCap, plan.MatchRate)
	if err != nil {
		return res, apperr.InvalidInput(op, err, "plan %s", plan.ID)
	}
	used := capping.UsedOn(today, p.LastSettlementDate, p.DailyVolumeUsed)
	if limiter.Remaining(used) <= 0 {
		return skip(SkipCapExhausted)
	}
	volume := limiter.Allow(matched, used)
	if volume <= 0 {
		return skip(SkipCapExhausted)
	}
	income := limiter.Income(volume)

	entry := model.LedgerEntry{
		ID:             uuid.New().String(),
		ParticipantID:  participantID,
		Kind:           model.KindMatchIncome,
		Amount:         income,
		VolumeConsumed: volume,
		Description:    fmt.Sprintf("Binary matching income for %s: %d PV matched", today, volume),
		Status:         model.EntryStatusCompleted,
		SettlementKey:  Key(participantID, today, p.Version),
	}
	err = e.store.CommitSettlement(ctx, model.SettlementCommit{
		ParticipantID:   participantID,
		ExpectedVersion: p.Version,
		Date:            today,
		VolumeConsumed:  volume,
		DailyVolumeUsed: used + volume,
		Entry:           entry,
	})
	if err != nil {
		return res, err
	}

	res.Status = StatusSettled
	res.VolumeConsumed = volume
	res.IncomePaid = income
	res.EntryID = entry.ID
	return res, nil
}
