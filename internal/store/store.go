// Package store defines the persistence interface for the binary engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for the immutable tree), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/binary-engine/internal/model"
)

var (
	// ErrSlotTaken is returned when a sponsor already has a child on the
	// requested side.
	ErrSlotTaken = errors.New("store: sponsor already has a child on that side")

	// ErrAlreadyPlaced is returned when a participant already has an edge.
	ErrAlreadyPlaced = errors.New("store: participant is already placed")

	// ErrVersionConflict is returned when a settlement commit's expected
	// version no longer matches the stored participant.
	ErrVersionConflict = errors.New("store: participant version changed")

	// ErrDuplicateSettlement is returned when a settlement key was already
	// committed.
	ErrDuplicateSettlement = errors.New("store: settlement already committed")

	// ErrInsufficientBalance is returned when a debit would make a wallet
	// balance negative.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrPlanAlreadySet is returned when activating a participant that
	// already has a plan.
	ErrPlanAlreadySet = errors.New("store: participant already has a plan")

	// ErrDanglingReference is returned when a volume credit targets a
	// participant that does not exist.
	ErrDanglingReference = errors.New("store: referenced participant does not exist")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for edges and plans.
//
// Lookups of a missing record return an *apperr.Error with CodeNotFound.
type Store interface {
	// --- Participants ---

	// CreateParticipant persists a new participant and its empty wallet.
	CreateParticipant(ctx context.Context, p *model.Participant) error

	// GetParticipant retrieves a participant by ID.
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)

	// ListSettlementCandidates returns active participants with a plan.
	ListSettlementCandidates(ctx context.Context) ([]model.Participant, error)

	// RegisterParticipant creates the participant, its wallet and its edge
	// in one write. A nil edge registers a root. On any error nothing is
	// persisted, so a lost slot race leaves no unplaced participant.
	RegisterParticipant(ctx context.Context, p *model.Participant, e *model.TreeEdge) error

	// ActivateParticipant assigns the plan once, applies the volume credits
	// and pays the referral entry atomically. Fails with ErrPlanAlreadySet
	// if the participant already has a plan, and with ErrDanglingReference
	// if a credit targets a missing participant; either way nothing is
	// applied.
	ActivateParticipant(ctx context.Context, a model.Activation) error

	// --- Tree ---

	// InsertEdge persists a placement. Fails with ErrSlotTaken or
	// ErrAlreadyPlaced.
	InsertEdge(ctx context.Context, e *model.TreeEdge) error

	// GetEdge returns the edge placing participantID under its sponsor.
	GetEdge(ctx context.Context, participantID string) (*model.TreeEdge, error)

	// ChildOf returns the direct child of sponsorID on side, or "" if the
	// slot is empty.
	ChildOf(ctx context.Context, sponsorID string, side model.Side) (string, error)

	// ListEdges returns every edge. Used to build genealogy snapshots.
	ListEdges(ctx context.Context) ([]model.TreeEdge, error)

	// --- Plans ---

	CreatePlan(ctx context.Context, p *model.Plan) error
	GetPlan(ctx context.Context, id string) (*model.Plan, error)
	ListPlans(ctx context.Context) ([]model.Plan, error)

	// --- Volume ---

	// CreditVolumes applies every credit or none of them. A credit to a
	// missing participant fails the whole call with ErrDanglingReference.
	CreditVolumes(ctx context.Context, credits []model.VolumeCredit) error

	// --- Settlement ---

	// CommitSettlement atomically flushes legs, updates daily counters,
	// appends the ledger entry and credits the wallet.
	CommitSettlement(ctx context.Context, c model.SettlementCommit) error

	// --- Ledger / wallet ---

	GetWallet(ctx context.Context, participantID string) (*model.Wallet, error)

	// CreditWallet adds entry.Amount (> 0) to balance and total earnings and
	// appends the entry, atomically.
	CreditWallet(ctx context.Context, entry *model.LedgerEntry) error

	// DebitWallet subtracts -entry.Amount (entry.Amount < 0) from the
	// balance, adds it to total withdrawals and appends the entry. Fails
	// with ErrInsufficientBalance rather than going negative.
	DebitWallet(ctx context.Context, entry *model.LedgerEntry) error

	// ListLedgerEntries returns the newest entries first. limit <= 0 means all.
	ListLedgerEntries(ctx context.Context, participantID string, limit int) ([]model.LedgerEntry, error)
}
