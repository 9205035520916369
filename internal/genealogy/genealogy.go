// Package genealogy renders read-only views of the binary tree: the nested
// team tree shown to a participant and per-leg team counts.
//
// Views are built from a snapshot of all edges indexed by sponsor, so a view
// costs one edge scan plus one participant read per rendered node.
package genealogy

import (
	"context"
	"errors"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/model"
)

const (
	// DefaultDepth is the tree depth shown when none is requested.
	DefaultDepth = 3
	// MaxDepth caps requested tree depth.
	MaxDepth = 50
)

// ErrCycle is returned when the edge snapshot contains a loop.
var ErrCycle = errors.New("genealogy: cycle in tree edges")

// Store is the subset of the store genealogy reads.
type Store interface {
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	ListEdges(ctx context.Context) ([]model.TreeEdge, error)
}

// Node is one participant in a rendered tree.
type Node struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Side        model.Side `json:"side,omitempty"`
	IsActive    bool       `json:"is_active"`
	PlanID      string     `json:"plan_id,omitempty"`
	LeftVolume  int64      `json:"left_volume"`
	RightVolume int64      `json:"right_volume"`
	Left        *Node      `json:"left"`
	Right       *Node      `json:"right"`
}

// TeamStats summarizes both legs below a participant.
type TeamStats struct {
	ParticipantID string `json:"participant_id"`
	LeftChild     string `json:"left_child,omitempty"`
	RightChild    string `json:"right_child,omitempty"`
	LeftCount     int    `json:"left_count"`
	RightCount    int    `json:"right_count"`
	LeftDepth     int    `json:"left_depth"`
	RightDepth    int    `json:"right_depth"`
	LeftVolume    int64  `json:"left_volume"`
	RightVolume   int64  `json:"right_volume"`
}

// Total is the whole downline size.
func (t TeamStats) Total() int { return t.LeftCount + t.RightCount }

// snapshot indexes edges by sponsor.
type snapshot map[string][2]string

func (s snapshot) child(id string, side model.Side) string {
	if side == model.Left {
		return s[id][0]
	}
	return s[id][1]
}

// Service builds genealogy views.
type Service struct {
	store Store
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

func (s *Service) load(ctx context.Context) (snapshot, error) {
	edges, err := s.store.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	snap := make(snapshot, len(edges))
	for _, e := range edges {
		slots := snap[e.SponsorID]
		if e.Side == model.Left {
			slots[0] = e.ParticipantID
		} else {
			slots[1] = e.ParticipantID
		}
		snap[e.SponsorID] = slots
	}
	return snap, nil
}

// Tree renders the subtree under rootID down to depth levels (root is level
// 0). depth <= 0 uses DefaultDepth; values above MaxDepth are clamped.
func (s *Service) Tree(ctx context.Context, rootID string, depth int) (*Node, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	depth = min(depth, MaxDepth)

	snap, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	visited := make(map[string]struct{})
	return s.build(ctx, snap, rootID, "", depth, visited)
}

func (s *Service) build(ctx context.Context, snap snapshot, id string, side model.Side, remaining int, visited map[string]struct{}) (*Node, error) {
	if _, seen := visited[id]; seen {
		return nil, apperr.DataIntegrity("genealogy.Tree", ErrCycle, "node %s revisited", id)
	}
	visited[id] = struct{}{}

	p, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	n := &Node{
		ID:          p.ID,
		Name:        p.Name,
		Side:        side,
		IsActive:    p.IsActive,
		PlanID:      p.PlanID,
		LeftVolume:  p.LeftVolume,
		RightVolume: p.RightVolume,
	}
	if remaining == 0 {
		return n, nil
	}
	if c := snap.child(id, model.Left); c != "" {
		if n.Left, err = s.build(ctx, snap, c, model.Left, remaining-1, visited); err != nil {
			return nil, err
		}
	}
	if c := snap.child(id, model.Right); c != "" {
		if n.Right, err = s.build(ctx, snap, c, model.Right, remaining-1, visited); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Team counts every participant under each leg of id.
func (s *Service) Team(ctx context.Context, id string) (TeamStats, error) {
	p, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		return TeamStats{}, err
	}
	snap, err := s.load(ctx)
	if err != nil {
		return TeamStats{}, err
	}

	stats := TeamStats{
		ParticipantID: id,
		LeftChild:     snap.child(id, model.Left),
		RightChild:    snap.child(id, model.Right),
		LeftVolume:    p.LeftVolume,
		RightVolume:   p.RightVolume,
	}
	if stats.LeftCount, stats.LeftDepth, err = countLeg(snap, id, stats.LeftChild); err != nil {
		return TeamStats{}, err
	}
	if stats.RightCount, stats.RightDepth, err = countLeg(snap, id, stats.RightChild); err != nil {
		return TeamStats{}, err
	}
	return stats, nil
}

// countLeg walks the subtree at start breadth-first and returns its size and
// depth.
func countLeg(snap snapshot, owner, start string) (count, depth int, err error) {
	if start == "" {
		return 0, 0, nil
	}
	type item struct {
		id    string
		level int
	}
	visited := map[string]struct{}{owner: {}}
	queue := []item{{start, 1}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if _, seen := visited[it.id]; seen {
			return 0, 0, apperr.DataIntegrity("genealogy.Team", ErrCycle, "node %s revisited", it.id)
		}
		visited[it.id] = struct{}{}
		count++
		depth = max(depth, it.level)
		for _, c := range snap[it.id] {
			if c != "" {
				queue = append(queue, item{c, it.level + 1})
			}
		}
	}
	return count, depth, nil
}
