// Package wallet moves money in and out of participant wallets. Every
// movement is an immutable ledger entry written in the same atomic store
// operation as the balance change.
package wallet

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/events"
	"github.com/atmx/binary-engine/internal/model"
	"github.com/atmx/binary-engine/internal/store"
)

// DefaultHistoryLimit is the number of entries History returns by default.
const DefaultHistoryLimit = 50

// ErrInsufficientBalance is returned when a debit exceeds the balance.
var ErrInsufficientBalance = store.ErrInsufficientBalance

// Store is the subset of the store the wallet needs.
type Store interface {
	GetWallet(ctx context.Context, participantID string) (*model.Wallet, error)
	CreditWallet(ctx context.Context, entry *model.LedgerEntry) error
	DebitWallet(ctx context.Context, entry *model.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, participantID string, limit int) ([]model.LedgerEntry, error)
}

// Service credits and debits wallets.
type Service struct {
	store  Store
	pub    events.Publisher
	logger *slog.Logger
}

func NewService(s Store, pub events.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, pub: pub, logger: logger}
}

// NewCreditEntry builds an unsaved credit entry. For writes that pay a
// wallet as part of a larger atomic change.
func NewCreditEntry(participantID string, amount decimal.Decimal, kind model.EntryKind, description string) (*model.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, apperr.InvalidInput("wallet.Credit", nil, "amount must be positive, got %s", amount)
	}
	return &model.LedgerEntry{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		Kind:          kind,
		Amount:        amount,
		Description:   description,
		Status:        model.EntryStatusCompleted,
	}, nil
}

// Credit adds amount to the balance and total earnings.
func (s *Service) Credit(ctx context.Context, participantID string, amount decimal.Decimal, kind model.EntryKind, description string) (*model.LedgerEntry, error) {
	entry, err := NewCreditEntry(participantID, amount, kind, description)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreditWallet(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("wallet credited",
		"participant", participantID, "kind", kind, "amount", amount.String())
	e := events.New(events.TypeWalletCredited)
	e.ParticipantID = participantID
	e.Amount = amount
	if err := s.pub.Publish(ctx, e); err != nil {
		s.logger.Warn("publish credit event failed", "participant", participantID, "err", err)
	}
	return entry, nil
}

// Debit subtracts amount from the balance and adds it to total withdrawals.
// It never lets the balance go negative.
func (s *Service) Debit(ctx context.Context, participantID string, amount decimal.Decimal, kind model.EntryKind, description string) (*model.LedgerEntry, error) {
	const op = "wallet.Debit"
	if !amount.IsPositive() {
		return nil, apperr.InvalidInput(op, nil, "amount must be positive, got %s", amount)
	}
	entry := &model.LedgerEntry{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		Kind:          kind,
		Amount:        amount.Neg(),
		Description:   description,
		Status:        model.EntryStatusCompleted,
	}
	if err := s.store.DebitWallet(ctx, entry); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.logger.Warn("debit rejected", "participant", participantID, "amount", amount.String())
		}
		return nil, err
	}

	s.logger.Info("wallet debited",
		"participant", participantID, "kind", kind, "amount", amount.String())
	e := events.New(events.TypeWalletDebited)
	e.ParticipantID = participantID
	e.Amount = amount
	if err := s.pub.Publish(ctx, e); err != nil {
		s.logger.Warn("publish debit event failed", "participant", participantID, "err", err)
	}
	return entry, nil
}

// Balance returns the wallet of a participant.
func (s *Service) Balance(ctx context.Context, participantID string) (*model.Wallet, error) {
	return s.store.GetWallet(ctx, participantID)
}

// History returns the newest entries first. limit <= 0 uses
// DefaultHistoryLimit.
func (s *Service) History(ctx context.Context, participantID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if _, err := s.store.GetWallet(ctx, participantID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, participantID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}
