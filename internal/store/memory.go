package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single RWMutex guards everything, so each multi-record write is atomic.
type MemoryStore struct {
	mu             sync.RWMutex
	participants   map[string]*model.Participant
	edges          map[string]*model.TreeEdge           // participant → edge
	children       map[string]map[model.Side]string     // sponsor → side → child
	plans          map[string]*model.Plan
	wallets        map[string]*model.Wallet
	ledger         []model.LedgerEntry
	settlementKeys map[string]struct{}
	now            func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants:   make(map[string]*model.Participant),
		edges:          make(map[string]*model.TreeEdge),
		children:       make(map[string]map[model.Side]string),
		plans:          make(map[string]*model.Plan),
		wallets:        make(map[string]*model.Wallet),
		settlementKeys: make(map[string]struct{}),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	return s.RegisterParticipant(ctx, p, nil)
}

func (s *MemoryStore) RegisterParticipant(_ context.Context, p *model.Participant, e *model.TreeEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "store.RegisterParticipant"
	if _, ok := s.participants[p.ID]; ok {
		return apperr.InvalidInput(op, nil, "participant %s already exists", p.ID)
	}
	if e != nil {
		if e.ParticipantID != p.ID {
			return apperr.InvalidInput(op, nil, "edge for %s does not match participant %s", e.ParticipantID, p.ID)
		}
		if err := s.checkSlot(op, e); err != nil {
			return err
		}
	}

	now := s.now()
	// Store a copy to avoid external mutation.
	copy := *p
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = now
	}
	copy.UpdatedAt = now
	s.participants[p.ID] = &copy
	s.wallets[p.ID] = &model.Wallet{ParticipantID: p.ID, UpdatedAt: now}
	if e != nil {
		s.addEdge(e)
	}
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, apperr.NotFound("store.GetParticipant", "participant %s not found", id)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListSettlementCandidates(_ context.Context) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Participant
	for _, p := range s.participants {
		if p.IsActive && p.PlanID != "" {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ActivateParticipant(_ context.Context, a model.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "store.ActivateParticipant"
	p, ok := s.participants[a.ParticipantID]
	if !ok {
		return apperr.NotFound(op, "participant %s not found", a.ParticipantID)
	}
	if _, ok := s.plans[a.PlanID]; !ok {
		return apperr.NotFound(op, "plan %s not found", a.PlanID)
	}
	if p.PlanID != "" {
		return apperr.InvalidInput(op, ErrPlanAlreadySet, "participant %s", a.ParticipantID)
	}
	if err := s.checkCredits(op, a.Credits); err != nil {
		return err
	}
	var w *model.Wallet
	if a.Referral != nil {
		if !a.Referral.Amount.IsPositive() {
			return apperr.InvalidInput(op, nil, "referral amount must be positive, got %s", a.Referral.Amount)
		}
		if w, ok = s.wallets[a.Referral.ParticipantID]; !ok {
			return apperr.NotFound(op, "wallet for %s not found", a.Referral.ParticipantID)
		}
	}

	now := s.now()
	p.PlanID = a.PlanID
	p.Version++
	p.UpdatedAt = now
	s.applyCredits(a.Credits, now)
	if w != nil {
		s.credit(w, a.Referral, now)
	}
	return nil
}

func (s *MemoryStore) InsertEdge(_ context.Context, e *model.TreeEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "store.InsertEdge"
	if _, ok := s.participants[e.ParticipantID]; !ok {
		return apperr.NotFound(op, "participant %s not found", e.ParticipantID)
	}
	if err := s.checkSlot(op, e); err != nil {
		return err
	}
	s.addEdge(e)
	return nil
}

// checkSlot validates an edge against the tree. Callers hold s.mu.
func (s *MemoryStore) checkSlot(op string, e *model.TreeEdge) error {
	if _, ok := s.participants[e.SponsorID]; !ok {
		return apperr.NotFound(op, "sponsor %s not found", e.SponsorID)
	}
	if _, ok := s.edges[e.ParticipantID]; ok {
		return apperr.InvalidInput(op, ErrAlreadyPlaced, "participant %s", e.ParticipantID)
	}
	if _, ok := s.children[e.SponsorID][e.Side]; ok {
		return apperr.Conflict(op, ErrSlotTaken, "sponsor %s side %s", e.SponsorID, e.Side)
	}
	return nil
}

func (s *MemoryStore) addEdge(e *model.TreeEdge) {
	copy := *e
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = s.now()
	}
	s.edges[e.ParticipantID] = &copy
	if s.children[e.SponsorID] == nil {
		s.children[e.SponsorID] = make(map[model.Side]string, 2)
	}
	s.children[e.SponsorID][e.Side] = e.ParticipantID
}

func (s *MemoryStore) GetEdge(_ context.Context, participantID string) (*model.TreeEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.edges[participantID]
	if !ok {
		return nil, apperr.NotFound("store.GetEdge", "no edge for participant %s", participantID)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) ChildOf(_ context.Context, sponsorID string, side model.Side) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.children[sponsorID][side], nil
}

func (s *MemoryStore) ListEdges(_ context.Context) ([]model.TreeEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := make([]model.TreeEdge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, *e)
	}
	return edges, nil
}

func (s *MemoryStore) CreatePlan(_ context.Context, p *model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[p.ID]; ok {
		return apperr.InvalidInput("store.CreatePlan", nil, "plan %s already exists", p.ID)
	}
	copy := *p
	s.plans[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, apperr.NotFound("store.GetPlan", "plan %s not found", id)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPlans(_ context.Context) ([]model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]model.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, *p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Amount.LessThan(plans[j].Amount) })
	return plans, nil
}

func (s *MemoryStore) CreditVolumes(_ context.Context, credits []model.VolumeCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCredits("store.CreditVolumes", credits); err != nil {
		return err
	}
	s.applyCredits(credits, s.now())
	return nil
}

// checkCredits validates every credit first so a bad one leaves nothing
// applied. Callers hold s.mu.
func (s *MemoryStore) checkCredits(op string, credits []model.VolumeCredit) error {
	for _, c := range credits {
		if _, ok := s.participants[c.ParticipantID]; !ok {
			return apperr.DataIntegrity(op, ErrDanglingReference, "participant %s", c.ParticipantID)
		}
		if !c.Side.Valid() || c.Amount <= 0 {
			return apperr.InvalidInput(op, nil, "bad credit %+v", c)
		}
	}
	return nil
}

func (s *MemoryStore) applyCredits(credits []model.VolumeCredit, now time.Time) {
	for _, c := range credits {
		p := s.participants[c.ParticipantID]
		if c.Side == model.Left {
			p.LeftVolume += c.Amount
		} else {
			p.RightVolume += c.Amount
		}
		p.Version++
		p.UpdatedAt = now
	}
}

func (s *MemoryStore) CommitSettlement(_ context.Context, c model.SettlementCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "store.CommitSettlement"
	p, ok := s.participants[c.ParticipantID]
	if !ok {
		return apperr.NotFound(op, "participant %s not found", c.ParticipantID)
	}
	w, ok := s.wallets[c.ParticipantID]
	if !ok {
		return apperr.DataIntegrity(op, nil, "participant %s has no wallet", c.ParticipantID)
	}
	if p.Version != c.ExpectedVersion {
		return apperr.Conflict(op, ErrVersionConflict, "participant %s: expected %d, have %d",
			c.ParticipantID, c.ExpectedVersion, p.Version)
	}
	if _, dup := s.settlementKeys[c.Entry.SettlementKey]; dup {
		return apperr.Conflict(op, ErrDuplicateSettlement, "key %s", c.Entry.SettlementKey)
	}
	if c.VolumeConsumed <= 0 || c.VolumeConsumed > min(p.LeftVolume, p.RightVolume) {
		return apperr.DataIntegrity(op, nil, "consumed %d exceeds matched volume of %s",
			c.VolumeConsumed, c.ParticipantID)
	}

	now := s.now()
	w.Balance = w.Balance.Add(c.Entry.Amount)
	w.TotalEarnings = w.TotalEarnings.Add(c.Entry.Amount)
	w.UpdatedAt = now

	entry := c.Entry
	entry.CreatedAt = now
	s.ledger = append(s.ledger, entry)
	s.settlementKeys[entry.SettlementKey] = struct{}{}

	p.LeftVolume -= c.VolumeConsumed
	p.RightVolume -= c.VolumeConsumed
	p.TotalVolume += c.VolumeConsumed
	p.LastSettlementDate = c.Date
	p.DailyVolumeUsed = c.DailyVolumeUsed
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, participantID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[participantID]
	if !ok {
		return nil, apperr.NotFound("store.GetWallet", "wallet for %s not found", participantID)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) CreditWallet(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[entry.ParticipantID]
	if !ok {
		return apperr.NotFound("store.CreditWallet", "wallet for %s not found", entry.ParticipantID)
	}
	s.credit(w, entry, s.now())
	return nil
}

func (s *MemoryStore) credit(w *model.Wallet, entry *model.LedgerEntry, now time.Time) {
	w.Balance = w.Balance.Add(entry.Amount)
	w.TotalEarnings = w.TotalEarnings.Add(entry.Amount)
	w.UpdatedAt = now

	entry.CreatedAt = now
	s.ledger = append(s.ledger, *entry)
}

func (s *MemoryStore) DebitWallet(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "store.DebitWallet"
	w, ok := s.wallets[entry.ParticipantID]
	if !ok {
		return apperr.NotFound(op, "wallet for %s not found", entry.ParticipantID)
	}
	amount := entry.Amount.Neg()
	if w.Balance.LessThan(amount) {
		return apperr.InvalidInput(op, ErrInsufficientBalance, "balance %s < %s", w.Balance, amount)
	}
	now := s.now()
	w.Balance = w.Balance.Sub(amount)
	w.TotalWithdrawals = w.TotalWithdrawals.Add(amount)
	w.UpdatedAt = now

	entry.CreatedAt = now
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, participantID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	// Newest first: walk the append-only log backwards.
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].ParticipantID != participantID {
			continue
		}
		result = append(result, s.ledger[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// SeedDefaultPlans loads the default plan catalog. Development only.
func (s *MemoryStore) SeedDefaultPlans(ctx context.Context) error {
	for _, p := range DefaultPlans() {
		p := p
		if err := s.CreatePlan(ctx, &p); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPlans is the stock four-tier catalog.
func DefaultPlans() []model.Plan {
	d := decimal.NewFromInt
	return []model.Plan{
		{ID: "basic", Name: "Basic", Amount: d(111), Volume: 1, DailyCap: d(250), MatchRate: d(25), ReferralIncome: d(25), IsActive: true},
		{ID: "standard", Name: "Standard", Amount: d(599), Volume: 2, DailyCap: d(500), MatchRate: d(50), ReferralIncome: d(50), IsActive: true},
		{ID: "advanced", Name: "Advanced", Amount: d(1199), Volume: 4, DailyCap: d(1000), MatchRate: d(100), ReferralIncome: d(100), IsActive: true},
		{ID: "premium", Name: "Premium", Amount: d(1799), Volume: 6, DailyCap: d(1500), MatchRate: d(150), ReferralIncome: d(150), IsActive: true},
	}
}
