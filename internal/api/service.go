// Package api provides the HTTP handlers that drive the engine: registering
// and placing participants, activating plans, crediting volume, running
// settlements, and reading wallets and genealogy.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/genealogy"
	"github.com/atmx/binary-engine/internal/model"
	"github.com/atmx/binary-engine/internal/placement"
	"github.com/atmx/binary-engine/internal/settlement"
	"github.com/atmx/binary-engine/internal/store"
	"github.com/atmx/binary-engine/internal/volume"
	"github.com/atmx/binary-engine/internal/wallet"
)

// Deps are the collaborators the handlers call into.
type Deps struct {
	Store      store.Store
	Placement  *placement.Resolver
	Volume     *volume.Propagator
	Settlement *settlement.Engine
	Scheduler  *settlement.Scheduler // serializes batch runs with the cron trigger
	Wallet     *wallet.Service
	Genealogy  *genealogy.Service
	Hub        *WSHub         // optional
	Location   *time.Location // settlement calendar; nil means UTC
	Logger     *slog.Logger
}

// Service handles engine operations over HTTP.
type Service struct {
	store      store.Store
	placement  *placement.Resolver
	volume     *volume.Propagator
	settlement *settlement.Engine
	scheduler  *settlement.Scheduler
	wallet     *wallet.Service
	genealogy  *genealogy.Service
	hub        *WSHub
	loc        *time.Location
	now        func() time.Time
	logger     *slog.Logger
}

// NewService creates the HTTP service.
func NewService(d Deps) *Service {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      d.Store,
		placement:  d.Placement,
		volume:     d.Volume,
		settlement: d.Settlement,
		scheduler:  d.Scheduler,
		wallet:     d.Wallet,
		genealogy:  d.Genealogy,
		hub:        d.Hub,
		loc:        loc,
		now:        time.Now,
		logger:     logger,
	}
}

// Routes registers every endpoint on r, which is expected to be mounted at
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/plans", s.ListPlans)
	r.Post("/placement/preview", s.PreviewPlacement)

	r.Post("/participants", s.RegisterParticipant)
	r.Route("/participants/{id}", func(r chi.Router) {
		r.Get("/", s.GetParticipant)
		r.Post("/activate", s.ActivatePlan)
		r.Post("/volume", s.AddVolume)
		r.Post("/settle", s.Settle)
		r.Get("/wallet", s.GetWallet)
		r.Get("/ledger", s.GetLedger)
		r.Post("/withdraw", s.Withdraw)
		r.Get("/tree", s.GetTree)
		r.Get("/team", s.GetTeam)
	})

	r.Post("/settlements/run", s.RunSettlement)
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /participants. An empty
// sponsor_id registers a root.
type RegisterRequest struct {
	ID        string `json:"id"` // optional; generated when empty
	Name      string `json:"name"`
	SponsorID string `json:"sponsor_id"`
	Side      string `json:"side"` // "LEFT" or "RIGHT"
}

// RegisterResponse is returned from POST /participants.
type RegisterResponse struct {
	Participant *model.Participant   `json:"participant"`
	Placement   *placement.Placement `json:"placement,omitempty"`
}

// ActivateRequest is the JSON body for POST /participants/{id}/activate.
type ActivateRequest struct {
	PlanID string `json:"plan_id"`
}

// ActivateResponse reports what activation changed.
type ActivateResponse struct {
	Participant    *model.Participant `json:"participant"`
	VolumeCredited int64              `json:"volume_credited"`
	Ancestors      int                `json:"ancestors"`
	Referral       *model.LedgerEntry `json:"referral,omitempty"`
}

// PreviewRequest is the JSON body for POST /placement/preview.
type PreviewRequest struct {
	SponsorID string `json:"sponsor_id"`
	Side      string `json:"side"`
}

// VolumeRequest is the JSON body for POST /participants/{id}/volume.
type VolumeRequest struct {
	Amount int64 `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /participants/{id}/withdraw.
type WithdrawRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// --- HTTP Handlers ---

// ListPlans handles GET /api/v1/plans
func (s *Service) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if plans == nil {
		plans = []model.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

// RegisterParticipant handles POST /api/v1/participants
// Creates the participant, its wallet and its placement in one write.
func (s *Service) RegisterParticipant(w http.ResponseWriter, r *http.Request) {
	const op = "api.RegisterParticipant"
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.InvalidInput(op, err, "invalid request body"))
		return
	}
	if req.Name == "" {
		s.fail(w, r, apperr.InvalidInput(op, nil, "name is required"))
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx := r.Context()
	p := &model.Participant{
		ID:         req.ID,
		Name:       req.Name,
		ReferrerID: req.SponsorID,
		IsActive:   true,
	}
	resp := RegisterResponse{}
	if req.SponsorID == "" {
		if err := s.store.CreateParticipant(ctx, p); err != nil {
			s.fail(w, r, err)
			return
		}
	} else {
		side, err := model.ParseSide(req.Side)
		if err != nil {
			s.fail(w, r, apperr.InvalidInput(op, err, "side"))
			return
		}
		placed, err := s.placement.Register(ctx, p, req.SponsorID, side)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp.Placement = &placed
	}

	participant, err := s.store.GetParticipant(ctx, req.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp.Participant = participant
	writeJSON(w, http.StatusCreated, resp)
}

// GetParticipant handles GET /api/v1/participants/{id}
func (s *Service) GetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetParticipant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ActivatePlan handles POST /api/v1/participants/{id}/activate
// Assigns the plan, propagates its PV up the tree and pays the referrer's
// referral income, all or nothing. A participant can be activated once.
func (s *Service) ActivatePlan(w http.ResponseWriter, r *http.Request) {
	const op = "api.ActivatePlan"
	id := chi.URLParam(r, "id")
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.InvalidInput(op, err, "invalid request body"))
		return
	}
	if req.PlanID == "" {
		s.fail(w, r, apperr.InvalidInput(op, nil, "plan_id is required"))
		return
	}

	ctx := r.Context()
	plan, err := s.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !plan.IsActive {
		s.fail(w, r, apperr.InvalidInput(op, nil, "plan %s is not available", plan.ID))
		return
	}
	participant, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if participant.PlanID != "" {
		s.fail(w, r, apperr.InvalidInput(op, store.ErrPlanAlreadySet, "participant %s", id))
		return
	}

	var referral *model.LedgerEntry
	if participant.ReferrerID != "" && plan.ReferralIncome.IsPositive() {
		referral, err = wallet.NewCreditEntry(participant.ReferrerID, plan.ReferralIncome,
			model.KindReferralIncome, fmt.Sprintf("Referral income from %s (%s)", participant.Name, plan.Name))
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}

	// Plan, volume and referral land together; a failure leaves the
	// participant unactivated so the request can be retried.
	prop, err := s.volume.Activate(ctx, id, plan, referral)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := ActivateResponse{
		VolumeCredited: plan.Volume,
		Ancestors:      prop.Ancestors(),
		Referral:       referral,
	}

	if resp.Participant, err = s.store.GetParticipant(ctx, id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("plan activated", "participant", id, "plan", plan.ID, "ancestors", resp.Ancestors)
	writeJSON(w, http.StatusOK, resp)
}

// PreviewPlacement handles POST /api/v1/placement/preview
func (s *Service) PreviewPlacement(w http.ResponseWriter, r *http.Request) {
	const op = "api.PreviewPlacement"
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.InvalidInput(op, err, "invalid request body"))
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		s.fail(w, r, apperr.InvalidInput(op, err, "side"))
		return
	}
	preview, err := s.placement.Preview(r.Context(), req.SponsorID, side)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// AddVolume handles POST /api/v1/participants/{id}/volume
// Each call credits the amount to every ancestor; it is not idempotent.
func (s *Service) AddVolume(w http.ResponseWriter, r *http.Request) {
	const op = "api.AddVolume"
	var req VolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.InvalidInput(op, err, "invalid request body"))
		return
	}
	prop, err := s.volume.Propagate(r.Context(), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if prop.Credits == nil {
		prop.Credits = []model.VolumeCredit{}
	}
	writeJSON(w, http.StatusOK, prop)
}

// Settle handles POST /api/v1/participants/{id}/settle?date=YYYY-MM-DD
// The date defaults to today in the settlement timezone.
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	today, err := s.dateParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.settlement.Settle(r.Context(), chi.URLParam(r, "id"), today)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunSettlement handles POST /api/v1/settlements/run?date=YYYY-MM-DD
// Returns 409 while another batch, manual or scheduled, is running.
func (s *Service) RunSettlement(w http.ResponseWriter, r *http.Request) {
	today, err := s.dateParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	summary, err := s.scheduler.RunFor(r.Context(), today)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if summary.Failures == nil {
		summary.Failures = []settlement.Failure{}
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetWallet handles GET /api/v1/participants/{id}/wallet
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := s.wallet.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// GetLedger handles GET /api/v1/participants/{id}/ledger?limit=N
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", wallet.DefaultHistoryLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.wallet.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Withdraw handles POST /api/v1/participants/{id}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	const op = "api.Withdraw"
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.InvalidInput(op, err, "invalid request body"))
		return
	}
	desc := req.Description
	if desc == "" {
		desc = "Withdrawal"
	}
	entry, err := s.wallet.Debit(r.Context(), chi.URLParam(r, "id"), req.Amount, model.KindWithdrawal, desc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetTree handles GET /api/v1/participants/{id}/tree?depth=N
func (s *Service) GetTree(w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth", genealogy.DefaultDepth)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tree, err := s.genealogy.Tree(r.Context(), chi.URLParam(r, "id"), depth)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// GetTeam handles GET /api/v1/participants/{id}/team
func (s *Service) GetTeam(w http.ResponseWriter, r *http.Request) {
	stats, err := s.genealogy.Team(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- helpers ---

func (s *Service) dateParam(r *http.Request) (model.Date, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return model.DateOf(s.now(), s.loc), nil
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return model.Date{}, apperr.InvalidInput("api.dateParam", err, "date")
	}
	return d, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.InvalidInput("api.intParam", err, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// fail logs unexpected errors and writes the error response.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal || code == apperr.CodeDataIntegrity {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, err)
}

func statusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidInput:
		return http.StatusBadRequest
	case apperr.CodeConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response carrying the taxonomy code.
// Internal errors are not echoed to clients.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	msg := err.Error()
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		msg = "internal error"
	}
	writeJSON(w, statusOf(code), map[string]string{"error": msg, "code": string(code)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
