// Package capping implements the daily matching cap.
//
// A plan's daily cap is expressed in currency, but settlement works in volume:
// the cap converts to a maximum number of matched PV per day by integer
// division against the plan's match rate. Any fractional remainder is dropped,
// not carried to the next day.
package capping

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-engine/internal/model"
)

var (
	// ErrInvalidMatchRate is returned when a plan's match rate is not positive.
	ErrInvalidMatchRate = errors.New("capping: match rate must be positive")

	// ErrNegativeCap is returned when a plan's daily cap is negative.
	ErrNegativeCap = errors.New("capping: daily cap must not be negative")
)

// DailyLimiter enforces the per-day volume allowance of one plan.
type DailyLimiter struct {
	// MatchRate is the currency paid per matched PV.
	MatchRate decimal.Decimal

	// MaxVolumePerDay is floor(DailyCap / MatchRate).
	MaxVolumePerDay int64
}

// NewDailyLimiter builds the limiter for a plan.
func NewDailyLimiter(dailyCap, matchRate decimal.Decimal) (*DailyLimiter, error) {
	if !matchRate.IsPositive() {
		return nil, ErrInvalidMatchRate
	}
	if dailyCap.IsNegative() {
		return nil, ErrNegativeCap
	}
	return &DailyLimiter{
		MatchRate:       matchRate,
		MaxVolumePerDay: maxVolume(dailyCap, matchRate),
	}, nil
}

// maxVolume is the exact integer quotient dailyCap / matchRate, truncated.
// Both operands are non-negative, so truncation is the floor.
func maxVolume(dailyCap, matchRate decimal.Decimal) int64 {
	q, _ := dailyCap.QuoRem(matchRate, 0)
	return q.IntPart()
}

// UsedOn returns the volume already consumed on today: the stored counter if
// the last settlement was today, otherwise zero (the counter resets on the
// first settlement of a new day). Callers must not pass a today earlier than
// lastSettlement.
func UsedOn(today, lastSettlement model.Date, storedUsed int64) int64 {
	if lastSettlement != today {
		return 0
	}
	return storedUsed
}

// Remaining returns how much volume may still be matched today. It can be
// zero or negative when the allowance is exhausted.
func (l *DailyLimiter) Remaining(used int64) int64 {
	return l.MaxVolumePerDay - used
}

// Allow caps matched volume by what remains today. A non-positive result
// means nothing may be settled.
func (l *DailyLimiter) Allow(matched, used int64) int64 {
	return min(matched, l.Remaining(used))
}

// Income is the payout for volume.
func (l *DailyLimiter) Income(volume int64) decimal.Decimal {
	return decimal.NewFromInt(volume).Mul(l.MatchRate)
}
