package capping

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewDailyLimiter_IntegerDivision(t *testing.T) {
	l, err := NewDailyLimiter(d(250), d(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.MaxVolumePerDay != 10 {
		t.Errorf("expected 10, got %d", l.MaxVolumePerDay)
	}
}

func TestNewDailyLimiter_RemainderDropped(t *testing.T) {
	// 260 / 25 = 10.4 → 10; the 0.4 is not carried.
	l, err := NewDailyLimiter(d(260), d(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.MaxVolumePerDay != 10 {
		t.Errorf("expected 10, got %d", l.MaxVolumePerDay)
	}
}

func TestNewDailyLimiter_QuotientNotRounded(t *testing.T) {
	// The true quotient is 9.999999999999999999; rounding it to 16 places
	// first would yield 10.
	l, err := NewDailyLimiter(decimal.RequireFromString("0.9999999999999999999"), decimal.RequireFromString("0.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.MaxVolumePerDay != 9 {
		t.Errorf("expected 9, got %d", l.MaxVolumePerDay)
	}
}

func TestNewDailyLimiter_CapBelowRate(t *testing.T) {
	l, err := NewDailyLimiter(d(20), d(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.MaxVolumePerDay != 0 {
		t.Errorf("expected 0, got %d", l.MaxVolumePerDay)
	}
}

func TestNewDailyLimiter_ZeroRate(t *testing.T) {
	_, err := NewDailyLimiter(d(250), d(0))
	if err != ErrInvalidMatchRate {
		t.Errorf("expected ErrInvalidMatchRate, got %v", err)
	}
}

func TestNewDailyLimiter_NegativeCap(t *testing.T) {
	_, err := NewDailyLimiter(d(-1), d(25))
	if err != ErrNegativeCap {
		t.Errorf("expected ErrNegativeCap, got %v", err)
	}
}

func TestUsedOn_ResetsOnNewDay(t *testing.T) {
	today := model.Date{Year: 2025, Month: 8, Day: 15}
	yesterday := today.AddDays(-1)

	if got := UsedOn(today, yesterday, 7); got != 0 {
		t.Errorf("new day should reset, got %d", got)
	}
	if got := UsedOn(today, today, 7); got != 7 {
		t.Errorf("same day should keep stored value, got %d", got)
	}
	if got := UsedOn(today, model.Date{}, 7); got != 0 {
		t.Errorf("never settled should be 0, got %d", got)
	}
}

func TestAllow_CapBinds(t *testing.T) {
	l, _ := NewDailyLimiter(d(250), d(25))
	if got := l.Allow(12, 0); got != 10 {
		t.Errorf("expected 10, got %d", got)
	}
	if got := l.Allow(12, 4); got != 6 {
		t.Errorf("expected 6, got %d", got)
	}
}

func TestAllow_CapDoesNotBind(t *testing.T) {
	l, _ := NewDailyLimiter(d(1000), d(25))
	if got := l.Allow(5, 0); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
}

func TestAllow_Exhausted(t *testing.T) {
	l, _ := NewDailyLimiter(d(250), d(25))
	if got := l.Allow(12, 10); got > 0 {
		t.Errorf("exhausted allowance should not allow volume, got %d", got)
	}
	if got := l.Remaining(12); got >= 0 {
		t.Errorf("over-used allowance should be negative, got %d", got)
	}
}

func TestIncome(t *testing.T) {
	l, _ := NewDailyLimiter(d(250), d(25))
	if got := l.Income(10); !got.Equal(d(250)) {
		t.Errorf("expected 250, got %s", got)
	}
}
