package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/events"
	"github.com/atmx/binary-engine/internal/events/eventstest"
	"github.com/atmx/binary-engine/internal/model"
	"github.com/atmx/binary-engine/internal/settlement"
	"github.com/atmx/binary-engine/internal/store"
	"github.com/atmx/binary-engine/internal/volume"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

var today = model.Date{Year: 2024, Month: 3, Day: 11}

// seed creates a participant on a plan with the given cap and rate and
// credits its legs.
func seed(t *testing.T, ms *store.MemoryStore, id string, dailyCap, rate, left, right int64) {
	t.Helper()
	ctx := context.Background()
	planID := "plan-" + id
	if err := ms.CreatePlan(ctx, &model.Plan{
		ID: planID, Name: planID, Amount: d(100), Volume: 1,
		DailyCap: d(dailyCap), MatchRate: d(rate), IsActive: true,
	}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if err := ms.CreateParticipant(ctx, &model.Participant{ID: id, IsActive: true, PlanID: planID}); err != nil {
		t.Fatalf("create participant: %v", err)
	}
	var credits []model.VolumeCredit
	if left > 0 {
		credits = append(credits, model.VolumeCredit{ParticipantID: id, Side: model.Left, Amount: left})
	}
	if right > 0 {
		credits = append(credits, model.VolumeCredit{ParticipantID: id, Side: model.Right, Amount: right})
	}
	if len(credits) > 0 {
		if err := ms.CreditVolumes(ctx, credits); err != nil {
			t.Fatalf("credit volumes: %v", err)
		}
	}
}

func mustGet(t *testing.T, ms *store.MemoryStore, id string) *model.Participant {
	t.Helper()
	p, err := ms.GetParticipant(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return p
}

func TestSettle_CapBindsAndCarriesForward(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 250, 25, 12, 14)
	rec := eventstest.NewRecorder(4)
	eng := settlement.NewEngine(ms, 0, rec, nil)

	res, err := eng.Settle(context.Background(), "A", today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != settlement.StatusSettled {
		t.Fatalf("expected SETTLED, got %+v", res)
	}
	if !res.IncomePaid.Equal(d(250)) || res.VolumeConsumed != 10 || res.MatchedVolume != 12 {
		t.Errorf("unexpected result %+v", res)
	}

	p := mustGet(t, ms, "A")
	if p.LeftVolume != 2 || p.RightVolume != 4 {
		t.Errorf("expected legs 2/4, got %d/%d", p.LeftVolume, p.RightVolume)
	}
	if p.DailyVolumeUsed != 10 || p.LastSettlementDate != today || p.TotalVolume != 10 {
		t.Errorf("unexpected counters %+v", p)
	}

	w, _ := ms.GetWallet(context.Background(), "A")
	if !w.Balance.Equal(d(250)) || !w.TotalEarnings.Equal(d(250)) {
		t.Errorf("unexpected wallet %+v", w)
	}

	entries, _ := ms.ListLedgerEntries(context.Background(), "A", 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Kind != model.KindMatchIncome || !entries[0].Amount.Equal(d(250)) || entries[0].VolumeConsumed != 10 {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	if entries[0].ID != res.EntryID {
		t.Errorf("entry id mismatch: %s vs %s", entries[0].ID, res.EntryID)
	}

	evs := rec.Drain()
	if len(evs) != 1 || evs[0].Type != events.TypeSettlementPaid || !evs[0].Amount.Equal(d(250)) {
		t.Errorf("unexpected events %+v", evs)
	}
}

func TestSettle_UnderCapFlushesMatched(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 1000, 25, 5, 5)
	eng := settlement.NewEngine(ms, 0, nil, nil)

	res, err := eng.Settle(context.Background(), "A", today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IncomePaid.Equal(d(125)) || res.VolumeConsumed != 5 {
		t.Errorf("unexpected result %+v", res)
	}
	p := mustGet(t, ms, "A")
	if p.LeftVolume != 0 || p.RightVolume != 0 {
		t.Errorf("expected legs 0/0, got %d/%d", p.LeftVolume, p.RightVolume)
	}
}

func TestSettle_Skips(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "oneLeg", 250, 25, 10, 0)
	seed(t, ms, "zeroRate", 250, 0, 0, 0)
	if err := ms.CreateParticipant(ctx, &model.Participant{ID: "noPlan", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	if err := ms.CreateParticipant(ctx, &model.Participant{ID: "inactive", IsActive: false, PlanID: "plan-oneLeg"}); err != nil {
		t.Fatal(err)
	}
	if err := ms.CreateParticipant(ctx, &model.Participant{ID: "ghostPlan", IsActive: true, PlanID: "retired"}); err != nil {
		t.Fatal(err)
	}
	eng := settlement.NewEngine(ms, 0, nil, nil)

	tests := []struct {
		id     string
		reason string
	}{
		{"oneLeg", settlement.SkipInsufficientVolume},
		{"zeroRate", settlement.SkipInsufficientVolume}, // zero legs are checked before the rate
		{"noPlan", settlement.SkipNoPlan},
		{"inactive", settlement.SkipInactive},
		{"ghostPlan", settlement.SkipPlanNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			res, err := eng.Settle(ctx, tt.id, today)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != settlement.StatusSkipped || res.SkipReason != tt.reason {
				t.Errorf("expected SKIPPED/%s, got %s/%s", tt.reason, res.Status, res.SkipReason)
			}
			if !res.IncomePaid.IsZero() {
				t.Errorf("skipped settlement paid %s", res.IncomePaid)
			}
		})
	}

	entries, _ := ms.ListLedgerEntries(ctx, "oneLeg", 0)
	if len(entries) != 0 {
		t.Errorf("skipped settlement wrote %d entries", len(entries))
	}
}

func TestSettle_NonPositiveRateIsInvalid(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 250, 0, 3, 3)
	eng := settlement.NewEngine(ms, 0, nil, nil)

	_, err := eng.Settle(context.Background(), "A", today)
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestSettle_RequiresDate(t *testing.T) {
	eng := settlement.NewEngine(store.NewMemoryStore(), 0, nil, nil)
	_, err := eng.Settle(context.Background(), "A", model.Date{})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestSettle_UnknownParticipant(t *testing.T) {
	eng := settlement.NewEngine(store.NewMemoryStore(), 0, nil, nil)
	_, err := eng.Settle(context.Background(), "ghost", today)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSettle_SecondCallSameDay(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 250, 25, 12, 14)
	eng := settlement.NewEngine(ms, 0, nil, nil)

	if _, err := eng.Settle(ctx, "A", today); err != nil {
		t.Fatal(err)
	}

	// Cap reached: the carried 2/4 stays put.
	res, err := eng.Settle(ctx, "A", today)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != settlement.StatusSkipped || res.SkipReason != settlement.SkipCapExhausted {
		t.Errorf("expected cap_exhausted, got %+v", res)
	}
	if p := mustGet(t, ms, "A"); p.LeftVolume != 2 || p.RightVolume != 4 {
		t.Errorf("legs changed: %d/%d", p.LeftVolume, p.RightVolume)
	}

	// Next day the counter resets and the carry-forward pays out.
	res, err = eng.Settle(ctx, "A", today.AddDays(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != settlement.StatusSettled || res.VolumeConsumed != 2 || !res.IncomePaid.Equal(d(50)) {
		t.Errorf("expected carry-forward payout of 2 PV, got %+v", res)
	}
	p := mustGet(t, ms, "A")
	if p.LeftVolume != 0 || p.RightVolume != 2 || p.DailyVolumeUsed != 2 {
		t.Errorf("unexpected state after next day %+v", p)
	}
}

func TestSettle_SecondCallSameDayUnderCap(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 250, 25, 4, 4)
	eng := settlement.NewEngine(ms, 0, nil, nil)

	if _, err := eng.Settle(ctx, "A", today); err != nil {
		t.Fatal(err)
	}
	// New volume after the first run; 6 PV of allowance remain today.
	if err := ms.CreditVolumes(ctx, []model.VolumeCredit{
		{ParticipantID: "A", Side: model.Left, Amount: 9},
		{ParticipantID: "A", Side: model.Right, Amount: 8},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := eng.Settle(ctx, "A", today)
	if err != nil {
		t.Fatal(err)
	}
	if res.VolumeConsumed != 6 || !res.IncomePaid.Equal(d(150)) {
		t.Errorf("expected 6 PV / 150, got %+v", res)
	}
	p := mustGet(t, ms, "A")
	if p.DailyVolumeUsed != 10 || p.LeftVolume != 3 || p.RightVolume != 2 {
		t.Errorf("unexpected state %+v", p)
	}
}

func TestSettle_ConcurrentCallsPayOnce(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 1000, 25, 5, 5)
	eng := settlement.NewEngine(ms, 0, nil, nil)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Settle(ctx, "A", today)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Status == settlement.StatusSettled {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if settled != 1 {
		t.Errorf("expected exactly 1 settlement, got %d", settled)
	}
	entries, _ := ms.ListLedgerEntries(ctx, "A", 0)
	if len(entries) != 1 {
		t.Errorf("expected 1 ledger entry, got %d", len(entries))
	}
	w, _ := ms.GetWallet(ctx, "A")
	if !w.Balance.Equal(d(125)) {
		t.Errorf("expected balance 125, got %s", w.Balance)
	}
}

func TestSettle_RejectsEarlierDate(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 250, 25, 100, 100)
	eng := settlement.NewEngine(ms, 0, nil, nil)

	if res, err := eng.Settle(ctx, "A", today); err != nil || res.VolumeConsumed != 10 {
		t.Fatalf("expected 10 PV settled, got %+v, %v", res, err)
	}

	_, err := eng.Settle(ctx, "A", today.AddDays(-1))
	if !errors.Is(err, settlement.ErrBackdated) || !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected backdated settlement to be rejected, got %v", err)
	}

	// Today's allowance stays spent.
	res, err := eng.Settle(ctx, "A", today)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != settlement.StatusSkipped || res.SkipReason != settlement.SkipCapExhausted {
		t.Errorf("expected cap_exhausted, got %+v", res)
	}
	p := mustGet(t, ms, "A")
	if p.DailyVolumeUsed != 10 || p.TotalVolume != 10 || p.LastSettlementDate != today {
		t.Errorf("unexpected counters %+v", p)
	}
	w, _ := ms.GetWallet(ctx, "A")
	if !w.Balance.Equal(d(250)) {
		t.Errorf("expected balance 250, got %s", w.Balance)
	}
}

func TestSettle_ConcurrentCallsRespectCap(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 250, 25, 100, 100)
	eng := settlement.NewEngine(ms, 0, nil, nil)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var consumed int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Settle(ctx, "A", today)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			consumed += res.VolumeConsumed
			mu.Unlock()
		}()
	}
	wg.Wait()

	if consumed != 10 {
		t.Errorf("expected 10 PV consumed across all calls, got %d", consumed)
	}
	p := mustGet(t, ms, "A")
	if p.LeftVolume != 90 || p.RightVolume != 90 || p.DailyVolumeUsed != 10 {
		t.Errorf("unexpected state %+v", p)
	}
	w, _ := ms.GetWallet(ctx, "A")
	if !w.Balance.Equal(d(250)) {
		t.Errorf("expected balance 250, got %s", w.Balance)
	}
}

// interleavingStore lands a volume credit between the engine's read and its
// first commit, as a propagation from another request would.
type interleavingStore struct {
	*store.MemoryStore
	once    sync.Once
	credits []model.VolumeCredit
}

func (s *interleavingStore) CommitSettlement(ctx context.Context, c model.SettlementCommit) error {
	var err error
	s.once.Do(func() { err = s.MemoryStore.CreditVolumes(ctx, s.credits) })
	if err != nil {
		return err
	}
	return s.MemoryStore.CommitSettlement(ctx, c)
}

func TestSettle_CreditBetweenReadAndCommit(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 1000, 25, 5, 5)
	is := &interleavingStore{MemoryStore: ms, credits: []model.VolumeCredit{
		{ParticipantID: "A", Side: model.Left, Amount: 6},
		{ParticipantID: "A", Side: model.Right, Amount: 2},
	}}
	eng := settlement.NewEngine(is, 0, nil, nil)

	res, err := eng.Settle(ctx, "A", today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The retry sees 11/7 and matches 7; nothing is lost or double-counted.
	if res.VolumeConsumed != 7 || !res.IncomePaid.Equal(d(175)) {
		t.Errorf("expected 7 PV / 175 from the fresh read, got %+v", res)
	}
	p := mustGet(t, ms, "A")
	if p.LeftVolume != 4 || p.RightVolume != 0 || p.TotalVolume != 7 || p.DailyVolumeUsed != 7 {
		t.Errorf("unexpected state %+v", p)
	}
	entries, _ := ms.ListLedgerEntries(ctx, "A", 0)
	if len(entries) != 1 {
		t.Errorf("expected 1 ledger entry, got %d", len(entries))
	}
}

func TestSettle_ConcurrentWithPropagation(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 1000, 1, 0, 0)
	for _, e := range []model.TreeEdge{
		{ParticipantID: "B", SponsorID: "A", Side: model.Left},
		{ParticipantID: "C", SponsorID: "A", Side: model.Right},
	} {
		e := e
		if err := ms.RegisterParticipant(ctx, &model.Participant{ID: e.ParticipantID, IsActive: true}, &e); err != nil {
			t.Fatal(err)
		}
	}
	prop := volume.NewPropagator(ms, 0, nil, nil)
	eng := settlement.NewEngine(ms, 0, nil, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			if _, err := prop.Propagate(ctx, "B", 1); err != nil {
				t.Errorf("propagate B: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := prop.Propagate(ctx, "C", 1); err != nil {
				t.Errorf("propagate C: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			// A commit can lose the version race twice; that surfaces as a
			// conflict and changes nothing.
			if _, err := eng.Settle(ctx, "A", today); err != nil && !errors.Is(err, apperr.ErrConcurrencyConflict) {
				t.Errorf("settle: %v", err)
			}
		}()
	}
	wg.Wait()

	// Drain whatever is left matched.
	if _, err := eng.Settle(ctx, "A", today); err != nil {
		t.Fatal(err)
	}

	p := mustGet(t, ms, "A")
	if p.LeftVolume+p.TotalVolume != n || p.RightVolume+p.TotalVolume != n {
		t.Errorf("volume not conserved: legs %d/%d, settled %d", p.LeftVolume, p.RightVolume, p.TotalVolume)
	}
	if p.TotalVolume != n || p.DailyVolumeUsed != n {
		t.Errorf("expected all %d PV settled, got %+v", n, p)
	}

	entries, _ := ms.ListLedgerEntries(ctx, "A", 0)
	var paid decimal.Decimal
	var consumed int64
	for _, e := range entries {
		paid = paid.Add(e.Amount)
		consumed += e.VolumeConsumed
	}
	w, _ := ms.GetWallet(ctx, "A")
	if consumed != n || !paid.Equal(d(n)) || !w.Balance.Equal(d(n)) {
		t.Errorf("ledger and wallet disagree: consumed %d, paid %s, balance %s", consumed, paid, w.Balance)
	}
}

// racingStore simulates another process committing between our read and
// our commit, conflicts times in a row.
type racingStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	conflicts int
	commits   int
}

func (r *racingStore) CommitSettlement(ctx context.Context, c model.SettlementCommit) error {
	r.mu.Lock()
	r.commits++
	conflict := r.conflicts > 0
	if conflict {
		r.conflicts--
	}
	r.mu.Unlock()
	if conflict {
		return apperr.Conflict("store.CommitSettlement", store.ErrVersionConflict, "participant %s", c.ParticipantID)
	}
	return r.MemoryStore.CommitSettlement(ctx, c)
}

func TestSettle_RetriesOnceOnConflict(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 1000, 25, 5, 5)
	rs := &racingStore{MemoryStore: ms, conflicts: 1}
	eng := settlement.NewEngine(rs, 0, nil, nil)

	res, err := eng.Settle(context.Background(), "A", today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != settlement.StatusSettled || rs.commits != 2 {
		t.Errorf("expected settle on retry, got %+v after %d commits", res, rs.commits)
	}
}

func TestSettle_SurfacesRepeatedConflict(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 1000, 25, 5, 5)
	rs := &racingStore{MemoryStore: ms, conflicts: 2}
	eng := settlement.NewEngine(rs, 0, nil, nil)

	_, err := eng.Settle(context.Background(), "A", today)
	if !errors.Is(err, apperr.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if rs.commits != 2 {
		t.Errorf("expected 2 commit attempts, got %d", rs.commits)
	}
	if p := mustGet(t, ms, "A"); p.LeftVolume != 5 {
		t.Errorf("legs changed despite failure: %d", p.LeftVolume)
	}
}

func TestMemoryStore_RejectsReplayedKey(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "A", 1000, 25, 5, 5)
	p := mustGet(t, ms, "A")

	commit := model.SettlementCommit{
		ParticipantID:   "A",
		ExpectedVersion: p.Version,
		Date:            today,
		VolumeConsumed:  1,
		DailyVolumeUsed: 1,
		Entry: model.LedgerEntry{
			ID: "e1", ParticipantID: "A", Kind: model.KindMatchIncome, Amount: d(25),
			VolumeConsumed: 1, Status: model.EntryStatusCompleted,
			SettlementKey: settlement.Key("A", today, p.Version),
		},
	}
	if err := ms.CommitSettlement(ctx, commit); err != nil {
		t.Fatal(err)
	}
	commit.ExpectedVersion = p.Version + 1
	commit.Entry.ID = "e2"
	if err := ms.CommitSettlement(ctx, commit); !errors.Is(err, store.ErrDuplicateSettlement) {
		t.Errorf("expected duplicate settlement, got %v", err)
	}
}
