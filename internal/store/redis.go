package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/binary-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Tree edges never change once written, so edge and filled child-slot
// lookups are cached; an empty slot is never cached because it can fill at
// any time. Volume counters, wallets and the ledger always go to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) InsertEdge(ctx context.Context, e *model.TreeEdge) error {
	if err := s.Store.InsertEdge(ctx, e); err != nil {
		return err
	}
	s.cacheEdge(ctx, e)
	s.rdb.Set(ctx, childKey(e.SponsorID, e.Side), e.ParticipantID, s.ttl)
	return nil
}

func (s *CachedStore) RegisterParticipant(ctx context.Context, p *model.Participant, e *model.TreeEdge) error {
	if err := s.Store.RegisterParticipant(ctx, p, e); err != nil {
		return err
	}
	if e != nil {
		s.cacheEdge(ctx, e)
		s.rdb.Set(ctx, childKey(e.SponsorID, e.Side), e.ParticipantID, s.ttl)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEdge(ctx context.Context, participantID string) (*model.TreeEdge, error) {
	data, err := s.rdb.Get(ctx, edgeKey(participantID)).Bytes()
	if err == nil {
		var e model.TreeEdge
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.Store.GetEdge(ctx, participantID)
	if err != nil {
		return nil, err
	}
	s.cacheEdge(ctx, e)
	return e, nil
}

func (s *CachedStore) ChildOf(ctx context.Context, sponsorID string, side model.Side) (string, error) {
	child, err := s.rdb.Get(ctx, childKey(sponsorID, side)).Result()
	if err == nil && child != "" {
		return child, nil
	}

	child, err = s.Store.ChildOf(ctx, sponsorID, side)
	if err != nil {
		return "", err
	}
	if child != "" {
		s.rdb.Set(ctx, childKey(sponsorID, side), child, s.ttl)
	}
	return child, nil
}

func (s *CachedStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	data, err := s.rdb.Get(ctx, planKey(id)).Bytes()
	if err == nil {
		var p model.Plan
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.Store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, planKey(id), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) CreatePlan(ctx context.Context, p *model.Plan) error {
	if err := s.Store.CreatePlan(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, planKey(p.ID))
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheEdge(ctx context.Context, e *model.TreeEdge) {
	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, edgeKey(e.ParticipantID), data, s.ttl)
	}
}

func edgeKey(id string) string { return fmt.Sprintf("edge:%s", id) }
func childKey(sponsor string, side model.Side) string { return fmt.Sprintf("child:%s:%s", sponsor, side) }
func planKey(id string) string { return fmt.Sprintf("plan:%s", id) }
