package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/binary-engine/internal/events"
	"github.com/atmx/binary-engine/internal/metrics"
	"github.com/atmx/binary-engine/internal/model"
)

// Failure records one participant whose settlement errored.
type Failure struct {
	ParticipantID string `json:"participant_id"`
	Error         string `json:"error"`
}

// Summary aggregates a SettleAll run.
type Summary struct {
	Date        model.Date      `json:"date"`
	Processed   int             `json:"processed"`
	Settled     int             `json:"settled"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	TotalIncome decimal.Decimal `json:"total_income"`
	TotalVolume int64           `json:"total_volume"`
	Failures    []Failure       `json:"failures,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

func (s *Summary) add(res Result, err error) {
	s.Processed++
	if err != nil {
		s.Failed++
		s.Failures = append(s.Failures, Failure{ParticipantID: res.ParticipantID, Error: err.Error()})
		return
	}
	switch res.Status {
	case StatusSettled:
		s.Settled++
		s.TotalIncome = s.TotalIncome.Add(res.IncomePaid)
		s.TotalVolume += res.VolumeConsumed
	default:
		s.Skipped++
	}
}

// SettleAll settles every active participant with a plan. A failing
// participant is recorded in the summary and does not stop the run; only
// failing to list candidates fails the batch.
func (e *Engine) SettleAll(ctx context.Context, today model.Date) (Summary, error) {
	start := time.Now()
	summary := Summary{Date: today, TotalIncome: decimal.Zero}

	candidates, err := e.store.ListSettlementCandidates(ctx)
	if err != nil {
		return summary, fmt.Errorf("list settlement candidates: %w", err)
	}
	e.logger.Info("settlement batch started", "date", today.String(), "candidates", len(candidates))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, c := range candidates {
		id := c.ID
		g.Go(func() error {
			res, err := e.Settle(ctx, id, today)
			res.ParticipantID = id
			if err != nil {
				e.logger.Error("settlement failed", "participant", id, "date", today.String(), "err", err)
			}
			mu.Lock()
			summary.add(res, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(start)
	metrics.BatchDuration.Observe(summary.Duration.Seconds())
	e.logger.Info("settlement batch completed",
		"date", today.String(),
		"processed", summary.Processed,
		"settled", summary.Settled,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"total_income", summary.TotalIncome.String(),
		"duration", summary.Duration,
	)

	ev := events.New(events.TypeBatchCompleted)
	ev.Date = today.String()
	ev.Amount = summary.TotalIncome
	ev.Volume = summary.TotalVolume
	ev.Count = summary.Settled
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish batch event failed", "date", today.String(), "err", err)
	}
	return summary, nil
}
