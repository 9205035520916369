// Package placement assigns new participants to an open slot in the binary
// tree.
//
// Placement is a single-direction, deepest-first walk: starting at the
// sponsor, follow the preferred side (LEFT→LEFT→… or RIGHT→RIGHT→…) until a
// node has no child on that side. It does not balance the tree. A sponsor who
// always recruits on one side grows one long leg, and the other side of every
// node along it stays empty until recruited into directly.
package placement

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/events"
	"github.com/atmx/binary-engine/internal/metrics"
	"github.com/atmx/binary-engine/internal/model"
	"github.com/atmx/binary-engine/internal/store"
)

// DefaultMaxDepth bounds the downward walk.
const DefaultMaxDepth = 100

var (
	// ErrDepthExceeded is returned when the walk passes MaxDepth levels.
	ErrDepthExceeded = errors.New("placement: leg deeper than the traversal limit")

	// ErrCycle is returned when the walk revisits a node.
	ErrCycle = errors.New("placement: cycle in tree edges")
)

// Tree is the subset of the store the resolver needs.
type Tree interface {
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	ChildOf(ctx context.Context, sponsorID string, side model.Side) (string, error)
	InsertEdge(ctx context.Context, e *model.TreeEdge) error
	RegisterParticipant(ctx context.Context, p *model.Participant, e *model.TreeEdge) error
}

// Placement is the slot a new participant goes into.
type Placement struct {
	SponsorID          string     `json:"sponsor_id"` // actual parent
	Side               model.Side `json:"side"`
	RequestedSponsorID string     `json:"requested_sponsor_id"`
	Depth              int        `json:"depth"` // levels below the requested sponsor
	Direct             bool       `json:"direct"`
}

// Resolver finds open slots and persists placements.
type Resolver struct {
	tree     Tree
	maxDepth int
	pub      events.Publisher
	logger   *slog.Logger
}

// NewResolver creates a resolver. maxDepth <= 0 uses DefaultMaxDepth; a nil
// publisher discards events.
func NewResolver(tree Tree, maxDepth int, pub events.Publisher, logger *slog.Logger) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{tree: tree, maxDepth: maxDepth, pub: pub, logger: logger}
}

// Resolve returns where a participant recruited by sponsorID on the preferred
// side should be attached. It only reads; the caller persists the edge.
func (r *Resolver) Resolve(ctx context.Context, sponsorID string, preferred model.Side) (Placement, error) {
	const op = "placement.Resolve"

	if !preferred.Valid() {
		return Placement{}, apperr.InvalidInput(op, model.ErrInvalidSide, "side %q", preferred)
	}
	if sponsorID == "" {
		return Placement{}, apperr.InvalidInput(op, nil, "sponsor id is required")
	}
	if _, err := r.tree.GetParticipant(ctx, sponsorID); err != nil {
		return Placement{}, err
	}

	current := sponsorID
	visited := map[string]struct{}{sponsorID: {}}
	for depth := 0; depth <= r.maxDepth; depth++ {
		child, err := r.tree.ChildOf(ctx, current, preferred)
		if err != nil {
			return Placement{}, err
		}
		if child == "" {
			return Placement{
				SponsorID:          current,
				Side:               preferred,
				RequestedSponsorID: sponsorID,
				Depth:              depth,
				Direct:             depth == 0,
			}, nil
		}
		if _, seen := visited[child]; seen {
			r.logger.Error("cycle in tree edges", "sponsor", sponsorID, "node", child, "side", preferred)
			return Placement{}, apperr.DataIntegrity(op, ErrCycle, "node %s revisited below %s", child, sponsorID)
		}
		visited[child] = struct{}{}
		current = child
	}

	r.logger.Error("placement walk exceeded depth limit",
		"sponsor", sponsorID, "side", preferred, "max_depth", r.maxDepth)
	return Placement{}, apperr.DataIntegrity(op, ErrDepthExceeded,
		"%s leg of %s deeper than %d", preferred, sponsorID, r.maxDepth)
}

// Place resolves a slot for an existing participantID and persists the edge.
// If another registration takes the slot between resolve and insert, it
// resolves once more before giving up with a conflict.
func (r *Resolver) Place(ctx context.Context, participantID, sponsorID string, preferred model.Side) (Placement, error) {
	return r.place(ctx, "placement.Place", participantID, sponsorID, preferred, func(e *model.TreeEdge) error {
		return r.tree.InsertEdge(ctx, e)
	})
}

// Register creates participant p and places it under sponsorID in one store
// write, with the same single re-resolve as Place. When placement fails the
// participant is not created.
func (r *Resolver) Register(ctx context.Context, p *model.Participant, sponsorID string, preferred model.Side) (Placement, error) {
	return r.place(ctx, "placement.Register", p.ID, sponsorID, preferred, func(e *model.TreeEdge) error {
		return r.tree.RegisterParticipant(ctx, p, e)
	})
}

func (r *Resolver) place(ctx context.Context, op, participantID, sponsorID string, preferred model.Side, write func(*model.TreeEdge) error) (Placement, error) {
	if participantID == sponsorID {
		return Placement{}, apperr.InvalidInput(op, nil, "participant cannot sponsor itself")
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		p, err := r.Resolve(ctx, sponsorID, preferred)
		if err != nil {
			return Placement{}, err
		}

		err = write(&model.TreeEdge{
			ParticipantID: participantID,
			SponsorID:     p.SponsorID,
			Side:          p.Side,
		})
		if err == nil {
			r.record(ctx, participantID, p)
			return p, nil
		}
		if !errors.Is(err, store.ErrSlotTaken) {
			return Placement{}, err
		}
		r.logger.Warn("placement slot taken, re-resolving",
			"participant", participantID, "sponsor", p.SponsorID, "side", p.Side, "attempt", attempt+1)
		lastErr = err
	}
	return Placement{}, apperr.Conflict(op, lastErr, "could not place %s under %s", participantID, sponsorID)
}

func (r *Resolver) record(ctx context.Context, participantID string, p Placement) {
	metrics.PlacementsTotal.WithLabelValues(string(p.Side), strconv.FormatBool(p.Direct)).Inc()
	metrics.PlacementDepth.Observe(float64(p.Depth))

	r.logger.Info("participant placed",
		"participant", participantID,
		"sponsor", p.SponsorID,
		"requested_sponsor", p.RequestedSponsorID,
		"side", p.Side,
		"depth", p.Depth,
	)

	e := events.New(events.TypeParticipantPlaced)
	e.ParticipantID = participantID
	e.SponsorID = p.SponsorID
	e.Side = string(p.Side)
	if err := r.pub.Publish(ctx, e); err != nil {
		r.logger.Warn("publish placement event failed", "participant", participantID, "err", err)
	}
}

// Preview is the human-readable form of a placement, for display before
// registration.
type Preview struct {
	Placement
	RequestedSponsorName string `json:"requested_sponsor_name"`
	SponsorName          string `json:"sponsor_name"`
}

// Preview resolves a placement and attaches sponsor names.
func (r *Resolver) Preview(ctx context.Context, sponsorID string, preferred model.Side) (Preview, error) {
	p, err := r.Resolve(ctx, sponsorID, preferred)
	if err != nil {
		return Preview{}, err
	}
	requested, err := r.tree.GetParticipant(ctx, p.RequestedSponsorID)
	if err != nil {
		return Preview{}, err
	}
	actual := requested
	if !p.Direct {
		if actual, err = r.tree.GetParticipant(ctx, p.SponsorID); err != nil {
			return Preview{}, err
		}
	}
	return Preview{
		Placement:            p,
		RequestedSponsorName: requested.Name,
		SponsorName:          actual.Name,
	}, nil
}
