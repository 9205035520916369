// Package model defines the core domain types shared across the binary engine.
// All monetary values use shopspring/decimal, never float64.
// Volume (PV) is an integer point count.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Participant is a member of the binary tree together with the leg counters
// that volume propagation credits and settlement flushes.
type Participant struct {
	ID                 string    `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	ReferrerID         string    `json:"referrer_id,omitempty" db:"referrer_id"` // who recruited; may differ from the tree parent
	LeftVolume         int64     `json:"left_volume" db:"left_volume"`
	RightVolume        int64     `json:"right_volume" db:"right_volume"`
	TotalVolume        int64     `json:"total_volume" db:"total_volume"` // lifetime matched
	DailyVolumeUsed    int64     `json:"daily_volume_used" db:"daily_volume_used"`
	LastSettlementDate Date      `json:"last_settlement_date" db:"last_settlement_date"`
	IsActive           bool      `json:"is_active" db:"is_active"`
	PlanID             string    `json:"plan_id,omitempty" db:"plan_id"` // "" = no plan
	Version            int64     `json:"version" db:"version"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// LegVolume returns the counter for the given leg.
func (p *Participant) LegVolume(side Side) int64 {
	if side == Left {
		return p.LeftVolume
	}
	return p.RightVolume
}

// TreeEdge places a participant under a sponsor on one side. Immutable once
// written; a sponsor holds at most one edge per side.
type TreeEdge struct {
	ParticipantID string    `json:"participant_id" db:"participant_id"`
	SponsorID     string    `json:"sponsor_id" db:"sponsor_id"`
	Side          Side      `json:"side" db:"side"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Plan is a compensation plan. Read-only to the engine.
type Plan struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Volume         int64           `json:"volume" db:"volume"`         // PV credited per activation
	DailyCap       decimal.Decimal `json:"daily_cap" db:"daily_cap"`   // currency per day
	MatchRate      decimal.Decimal `json:"match_rate" db:"match_rate"` // currency per matched PV
	ReferralIncome decimal.Decimal `json:"referral_income" db:"referral_income"`
	IsActive       bool            `json:"is_active" db:"is_active"`
}

// EntryKind classifies ledger entries.
type EntryKind string

const (
	KindMatchIncome    EntryKind = "MATCH_INCOME"
	KindReferralIncome EntryKind = "REFERRAL_INCOME"
	KindWithdrawal     EntryKind = "WITHDRAWAL"
	KindAdjustment     EntryKind = "ADJUSTMENT"
)

// EntryStatusCompleted is the only status the engine writes.
const EntryStatusCompleted = "COMPLETED"

// LedgerEntry is an immutable record of a wallet movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID             string          `json:"id" db:"id"`
	ParticipantID  string          `json:"participant_id" db:"participant_id"`
	Kind           EntryKind       `json:"kind" db:"kind"`
	Amount         decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	VolumeConsumed int64           `json:"volume_consumed" db:"volume_consumed"`
	Description    string          `json:"description" db:"description"`
	Status         string          `json:"status" db:"status"`
	SettlementKey  string          `json:"settlement_key,omitempty" db:"settlement_key"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Wallet is the running balance of a participant.
type Wallet struct {
	ParticipantID    string          `json:"participant_id" db:"participant_id"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`
	TotalEarnings    decimal.Decimal `json:"total_earnings" db:"total_earnings"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals" db:"total_withdrawals"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// VolumeCredit adds Amount to one leg of one participant.
type VolumeCredit struct {
	ParticipantID string
	Side          Side
	Amount        int64
}

// SettlementCommit is everything a settlement writes, applied as one unit.
// ExpectedVersion must match the participant's stored version.
type SettlementCommit struct {
	ParticipantID   string
	ExpectedVersion int64
	Date            Date
	VolumeConsumed  int64
	DailyVolumeUsed int64 // value after this settlement
	Entry           LedgerEntry
}

// Activation is a plan assignment together with the volume credits and the
// referral payout it triggers, applied as one unit.
type Activation struct {
	ParticipantID string
	PlanID        string
	Credits       []VolumeCredit
	Referral      *LedgerEntry // nil when no referral income is due
}
