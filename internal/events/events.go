// Package events carries domain notifications (placements, volume credits,
// settlements) to downstream consumers after the state change has committed.
// Publishing is best-effort: a failed publish is logged, never rolled back.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types.
const (
	TypeParticipantPlaced    = "participant.placed"
	TypeParticipantActivated = "participant.activated"
	TypeVolumePropagated     = "volume.propagated"
	TypeSettlementPaid       = "settlement.paid"
	TypeBatchCompleted       = "settlement.batch_completed"
	TypeWalletCredited       = "wallet.credited"
	TypeWalletDebited        = "wallet.debited"
)

// Event is the JSON payload published for every notification.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	ParticipantID string          `json:"participant_id,omitempty"`
	SponsorID     string          `json:"sponsor_id,omitempty"`
	Side          string          `json:"side,omitempty"`
	PlanID        string          `json:"plan_id,omitempty"`
	Date          string          `json:"date,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Volume        int64           `json:"volume,omitempty"`
	Count         int             `json:"count,omitempty"`
	At            time.Time       `json:"at"`
}

// New stamps an event with an ID and time.
func New(typ string) Event {
	return Event{ID: uuid.New().String(), Type: typ, At: time.Now().UTC()}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
