// Package volume credits PV up the sponsor chain.
//
// When a participant generates volume, every ancestor receives the full
// amount on the leg the chain arrived through. Propagation is not idempotent:
// calling it twice for the same purchase credits twice, so callers must invoke
// it exactly once per business event.
package volume

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/events"
	"github.com/atmx/binary-engine/internal/metrics"
	"github.com/atmx/binary-engine/internal/model"
)

// DefaultMaxDepth bounds the upward walk.
const DefaultMaxDepth = 100

var (
	// ErrDepthExceeded is returned when a sponsor chain is longer than the
	// traversal limit.
	ErrDepthExceeded = errors.New("volume: sponsor chain longer than the traversal limit")

	// ErrCycle is returned when the upward walk revisits a participant.
	ErrCycle = errors.New("volume: cycle in sponsor chain")
)

// Store is the subset of the store the propagator needs.
type Store interface {
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	GetEdge(ctx context.Context, participantID string) (*model.TreeEdge, error)
	CreditVolumes(ctx context.Context, credits []model.VolumeCredit) error
	ActivateParticipant(ctx context.Context, a model.Activation) error
}

// Propagation describes the credits applied by one call.
type Propagation struct {
	ParticipantID string               `json:"participant_id"`
	Amount        int64                `json:"amount"`
	Credits       []model.VolumeCredit `json:"credits"`
}

// Ancestors returns how many participants were credited.
func (p Propagation) Ancestors() int { return len(p.Credits) }

// Propagator walks the sponsor chain and applies leg credits.
type Propagator struct {
	store    Store
	maxDepth int
	pub      events.Publisher
	logger   *slog.Logger
}

// NewPropagator creates a propagator. maxDepth <= 0 uses DefaultMaxDepth.
func NewPropagator(s Store, maxDepth int, pub events.Publisher, logger *slog.Logger) *Propagator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{store: s, maxDepth: maxDepth, pub: pub, logger: logger}
}

// Propagate credits amount to every ancestor of participantID. A root
// participant (no edge) is a successful no-op. All credits are applied in one
// atomic store call: either every ancestor is credited or none is.
func (p *Propagator) Propagate(ctx context.Context, participantID string, amount int64) (Propagation, error) {
	return p.run(ctx, participantID, amount, func(credits []model.VolumeCredit) error {
		if len(credits) == 0 {
			return nil
		}
		return p.store.CreditVolumes(ctx, credits)
	})
}

// Activate assigns planID to participantID and credits the plan's volume up
// the chain, paying referral (when non-nil) in the same atomic store write.
// If any part fails nothing is applied and the activation can be retried.
func (p *Propagator) Activate(ctx context.Context, participantID string, plan *model.Plan, referral *model.LedgerEntry) (Propagation, error) {
	result, err := p.run(ctx, participantID, plan.Volume, func(credits []model.VolumeCredit) error {
		return p.store.ActivateParticipant(ctx, model.Activation{
			ParticipantID: participantID,
			PlanID:        plan.ID,
			Credits:       credits,
			Referral:      referral,
		})
	})
	if err != nil {
		return result, err
	}

	e := events.New(events.TypeParticipantActivated)
	e.ParticipantID = participantID
	e.PlanID = plan.ID
	e.Volume = plan.Volume
	e.Count = result.Ancestors()
	p.publish(ctx, e)
	if referral != nil {
		e := events.New(events.TypeWalletCredited)
		e.ParticipantID = referral.ParticipantID
		e.SponsorID = participantID
		e.Amount = referral.Amount
		p.publish(ctx, e)
	}
	return result, nil
}

// run plans the credits and hands them to write, which must apply them
// atomically.
func (p *Propagator) run(ctx context.Context, participantID string, amount int64, write func([]model.VolumeCredit) error) (Propagation, error) {
	result := Propagation{ParticipantID: participantID, Amount: amount}

	credits, err := p.plan(ctx, participantID, amount)
	if err != nil {
		metrics.VolumePropagations.WithLabelValues(outcomeOf(err)).Inc()
		return result, err
	}
	if err := write(credits); err != nil {
		metrics.VolumePropagations.WithLabelValues(outcomeOf(err)).Inc()
		p.logger.Error("credit volumes failed", "participant", participantID, "amount", amount, "err", err)
		return result, err
	}
	if len(credits) == 0 {
		metrics.VolumePropagations.WithLabelValues("root").Inc()
		return result, nil
	}
	result.Credits = credits

	metrics.VolumePropagations.WithLabelValues("ok").Inc()
	metrics.VolumeCredited.Add(float64(amount) * float64(len(credits)))
	p.logger.Info("volume propagated",
		"participant", participantID,
		"amount", amount,
		"ancestors", len(credits),
	)

	e := events.New(events.TypeVolumePropagated)
	e.ParticipantID = participantID
	e.Volume = amount
	e.Count = len(credits)
	p.publish(ctx, e)
	return result, nil
}

func (p *Propagator) publish(ctx context.Context, e events.Event) {
	if err := p.pub.Publish(ctx, e); err != nil {
		p.logger.Warn("publish event failed", "type", e.Type, "participant", e.ParticipantID, "err", err)
	}
}

// plan walks upward and collects one credit per ancestor without writing.
func (p *Propagator) plan(ctx context.Context, participantID string, amount int64) ([]model.VolumeCredit, error) {
	const op = "volume.Propagate"

	if amount <= 0 {
		return nil, apperr.InvalidInput(op, nil, "amount must be positive, got %d", amount)
	}
	if _, err := p.store.GetParticipant(ctx, participantID); err != nil {
		return nil, err
	}

	var credits []model.VolumeCredit
	visited := map[string]struct{}{participantID: {}}
	current := participantID
	for depth := 0; ; depth++ {
		edge, err := p.store.GetEdge(ctx, current)
		if errors.Is(err, apperr.ErrNotFound) {
			return credits, nil // reached the root
		}
		if err != nil {
			return nil, err
		}
		if depth >= p.maxDepth {
			return nil, apperr.DataIntegrity(op, ErrDepthExceeded,
				"chain above %s exceeds %d levels", participantID, p.maxDepth)
		}
		if _, seen := visited[edge.SponsorID]; seen {
			return nil, apperr.DataIntegrity(op, ErrCycle,
				"sponsor %s revisited above %s", edge.SponsorID, participantID)
		}
		visited[edge.SponsorID] = struct{}{}

		credits = append(credits, model.VolumeCredit{
			ParticipantID: edge.SponsorID,
			Side:          edge.Side,
			Amount:        amount,
		})
		current = edge.SponsorID
	}
}

func outcomeOf(err error) string {
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidInput:
		return "invalid"
	case apperr.CodeNotFound:
		return "not_found"
	case apperr.CodeDataIntegrity:
		return "integrity"
	default:
		return "error"
	}
}
