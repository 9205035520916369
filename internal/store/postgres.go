package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	edgeSponsorSideConstraint = "tree_edges_sponsor_side_key"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const participantColumns = `id, name, COALESCE(referrer_id, ''), left_volume, right_volume, total_volume,
	daily_volume_used, last_settlement_date, is_active, COALESCE(plan_id, ''),
	version, created_at, updated_at`

func (s *PostgresStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	return s.RegisterParticipant(ctx, p, nil)
}

func (s *PostgresStore) RegisterParticipant(ctx context.Context, p *model.Participant, e *model.TreeEdge) error {
	const op = "store.RegisterParticipant"
	if e != nil && e.ParticipantID != p.ID {
		return apperr.InvalidInput(op, nil, "edge for %s does not match participant %s", e.ParticipantID, p.ID)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO participants (id, name, referrer_id, is_active, plan_id, created_at, updated_at)
			 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NOW(), NOW())`,
			p.ID, p.Name, p.ReferrerID, p.IsActive, p.PlanID,
		)
		if err != nil {
			if isPgCode(err, pgUniqueViolation) {
				return apperr.InvalidInput(op, err, "participant %s already exists", p.ID)
			}
			return fmt.Errorf("%s: insert participant: %w", op, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO wallets (participant_id, balance, total_earnings, total_withdrawals, updated_at)
			 VALUES ($1, 0, 0, 0, NOW())`, p.ID)
		if err != nil {
			return fmt.Errorf("%s: insert wallet: %w", op, err)
		}
		if e == nil {
			return nil
		}
		return insertEdge(ctx, tx, op, e)
	})
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("store.GetParticipant", "participant %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListSettlementCandidates(ctx context.Context) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM participants
		 WHERE is_active AND plan_id IS NOT NULL
		 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ActivateParticipant(ctx context.Context, a model.Activation) error {
	const op = "store.ActivateParticipant"
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE participants
			 SET plan_id = $2, version = version + 1, updated_at = NOW()
			 WHERE id = $1 AND plan_id IS NULL`, a.ParticipantID, a.PlanID)
		if err != nil {
			if isPgCode(err, pgForeignKeyViolation) {
				return apperr.NotFound(op, "plan %s not found", a.PlanID)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		if tag.RowsAffected() == 0 {
			var current *string
			err = tx.QueryRow(ctx, `SELECT plan_id FROM participants WHERE id = $1`, a.ParticipantID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound(op, "participant %s not found", a.ParticipantID)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			return apperr.InvalidInput(op, ErrPlanAlreadySet, "participant %s", a.ParticipantID)
		}

		if err := creditVolumes(ctx, tx, op, a.Credits); err != nil {
			return err
		}
		if a.Referral == nil {
			return nil
		}
		if !a.Referral.Amount.IsPositive() {
			return apperr.InvalidInput(op, nil, "referral amount must be positive, got %s", a.Referral.Amount)
		}
		return creditWallet(ctx, tx, op, a.Referral)
	})
}

func (s *PostgresStore) InsertEdge(ctx context.Context, e *model.TreeEdge) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return insertEdge(ctx, tx, "store.InsertEdge", e)
	})
}

func insertEdge(ctx context.Context, tx pgx.Tx, op string, e *model.TreeEdge) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO tree_edges (participant_id, sponsor_id, side, created_at)
		 VALUES ($1, $2, $3, $4)`,
		e.ParticipantID, e.SponsorID, string(e.Side), createdAt,
	)
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation:
		if pgErr.ConstraintName == edgeSponsorSideConstraint {
			return apperr.Conflict(op, ErrSlotTaken, "sponsor %s side %s", e.SponsorID, e.Side)
		}
		return apperr.InvalidInput(op, ErrAlreadyPlaced, "participant %s", e.ParticipantID)
	case errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation:
		return apperr.NotFound(op, "participant %s or sponsor %s not found", e.ParticipantID, e.SponsorID)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (s *PostgresStore) GetEdge(ctx context.Context, participantID string) (*model.TreeEdge, error) {
	var e model.TreeEdge
	var side string
	err := s.pool.QueryRow(ctx,
		`SELECT participant_id, sponsor_id, side, created_at
		 FROM tree_edges WHERE participant_id = $1`, participantID).
		Scan(&e.ParticipantID, &e.SponsorID, &side, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("store.GetEdge", "no edge for participant %s", participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get edge %s: %w", participantID, err)
	}
	e.Side = model.Side(side)
	return &e, nil
}

func (s *PostgresStore) ChildOf(ctx context.Context, sponsorID string, side model.Side) (string, error) {
	var child string
	err := s.pool.QueryRow(ctx,
		`SELECT participant_id FROM tree_edges WHERE sponsor_id = $1 AND side = $2`,
		sponsorID, string(side)).Scan(&child)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("child of %s/%s: %w", sponsorID, side, err)
	}
	return child, nil
}

func (s *PostgresStore) ListEdges(ctx context.Context) ([]model.TreeEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, sponsor_id, side, created_at FROM tree_edges`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []model.TreeEdge
	for rows.Next() {
		var e model.TreeEdge
		var side string
		if err := rows.Scan(&e.ParticipantID, &e.SponsorID, &side, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Side = model.Side(side)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *PostgresStore) CreatePlan(ctx context.Context, p *model.Plan) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plans (id, name, amount, volume, daily_cap, match_rate, referral_income, is_active)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		p.ID, p.Name, p.Amount.String(), p.Volume,
		p.DailyCap.String(), p.MatchRate.String(), p.ReferralIncome.String(), p.IsActive,
	)
	if isPgCode(err, pgUniqueViolation) {
		return apperr.InvalidInput("store.CreatePlan", err, "plan %s already exists", p.ID)
	}
	return err
}

const planColumns = `id, name, amount::TEXT, volume, daily_cap::TEXT, match_rate::TEXT,
	referral_income::TEXT, is_active`

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("store.GetPlan", "plan %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]model.Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY amount`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func (s *PostgresStore) CreditVolumes(ctx context.Context, credits []model.VolumeCredit) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return creditVolumes(ctx, tx, "store.CreditVolumes", credits)
	})
}

func creditVolumes(ctx context.Context, tx pgx.Tx, op string, credits []model.VolumeCredit) error {
	// Lock rows in deterministic order to prevent deadlocks between
	// overlapping chains.
	ordered := append([]model.VolumeCredit(nil), credits...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ParticipantID < ordered[j].ParticipantID })

	for _, c := range ordered {
		if !c.Side.Valid() || c.Amount <= 0 {
			return apperr.InvalidInput(op, nil, "bad credit %+v", c)
		}
		column := "right_volume"
		if c.Side == model.Left {
			column = "left_volume"
		}
		tag, err := tx.Exec(ctx,
			`UPDATE participants
			 SET `+column+` = `+column+` + $2, version = version + 1, updated_at = NOW()
			 WHERE id = $1`, c.ParticipantID, c.Amount)
		if err != nil {
			return fmt.Errorf("%s: credit %s: %w", op, c.ParticipantID, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.DataIntegrity(op, ErrDanglingReference, "participant %s", c.ParticipantID)
		}
	}
	return nil
}

func (s *PostgresStore) CommitSettlement(ctx context.Context, c model.SettlementCommit) error {
	const op = "store.CommitSettlement"
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE participants
			 SET left_volume = left_volume - $3,
			     right_volume = right_volume - $3,
			     total_volume = total_volume + $3,
			     daily_volume_used = $4,
			     last_settlement_date = $5,
			     version = version + 1,
			     updated_at = NOW()
			 WHERE id = $1 AND version = $2
			   AND left_volume >= $3 AND right_volume >= $3`,
			c.ParticipantID, c.ExpectedVersion, c.VolumeConsumed, c.DailyVolumeUsed, c.Date.Time(),
		)
		if err != nil {
			return fmt.Errorf("%s: flush volume: %w", op, err)
		}
		if tag.RowsAffected() == 0 {
			return s.explainFlushMiss(ctx, tx, c)
		}

		e := c.Entry
		tag, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries
			   (id, participant_id, kind, amount, volume_consumed, description, status, settlement_key, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, NOW())
			 ON CONFLICT (settlement_key) WHERE settlement_key IS NOT NULL DO NOTHING`,
			e.ID, e.ParticipantID, string(e.Kind), e.Amount.String(), e.VolumeConsumed,
			e.Description, e.Status, e.SettlementKey,
		)
		if err != nil {
			return fmt.Errorf("%s: append entry: %w", op, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.Conflict(op, ErrDuplicateSettlement, "key %s", e.SettlementKey)
		}

		tag, err = tx.Exec(ctx,
			`UPDATE wallets
			 SET balance = balance + $2::NUMERIC,
			     total_earnings = total_earnings + $2::NUMERIC,
			     updated_at = NOW()
			 WHERE participant_id = $1`, c.ParticipantID, e.Amount.String())
		if err != nil {
			return fmt.Errorf("%s: credit wallet: %w", op, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.DataIntegrity(op, nil, "participant %s has no wallet", c.ParticipantID)
		}
		return nil
	})
}

// explainFlushMiss turns a zero-row settlement update into the right error.
func (s *PostgresStore) explainFlushMiss(ctx context.Context, tx pgx.Tx, c model.SettlementCommit) error {
	const op = "store.CommitSettlement"
	var version, left, right int64
	err := tx.QueryRow(ctx,
		`SELECT version, left_volume, right_volume FROM participants WHERE id = $1`,
		c.ParticipantID).Scan(&version, &left, &right)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "participant %s not found", c.ParticipantID)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if version != c.ExpectedVersion {
		return apperr.Conflict(op, ErrVersionConflict, "participant %s: expected %d, have %d",
			c.ParticipantID, c.ExpectedVersion, version)
	}
	return apperr.DataIntegrity(op, nil, "consumed %d exceeds legs %d/%d of %s",
		c.VolumeConsumed, left, right, c.ParticipantID)
}

func (s *PostgresStore) GetWallet(ctx context.Context, participantID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance, earnings, withdrawals string
	err := s.pool.QueryRow(ctx,
		`SELECT participant_id, balance::TEXT, total_earnings::TEXT, total_withdrawals::TEXT, updated_at
		 FROM wallets WHERE participant_id = $1`, participantID).
		Scan(&w.ParticipantID, &balance, &earnings, &withdrawals, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("store.GetWallet", "wallet for %s not found", participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", participantID, err)
	}
	w.Balance, _ = decimal.NewFromString(balance)
	w.TotalEarnings, _ = decimal.NewFromString(earnings)
	w.TotalWithdrawals, _ = decimal.NewFromString(withdrawals)
	return &w, nil
}

func (s *PostgresStore) CreditWallet(ctx context.Context, entry *model.LedgerEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return creditWallet(ctx, tx, "store.CreditWallet", entry)
	})
}

func creditWallet(ctx context.Context, tx pgx.Tx, op string, entry *model.LedgerEntry) error {
	tag, err := tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = balance + $2::NUMERIC,
		     total_earnings = total_earnings + $2::NUMERIC,
		     updated_at = NOW()
		 WHERE participant_id = $1`, entry.ParticipantID, entry.Amount.String())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(op, "wallet for %s not found", entry.ParticipantID)
	}
	return insertEntry(ctx, tx, entry)
}

func (s *PostgresStore) DebitWallet(ctx context.Context, entry *model.LedgerEntry) error {
	const op = "store.DebitWallet"
	amount := entry.Amount.Neg()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var balanceS string
		err := tx.QueryRow(ctx,
			`SELECT balance::TEXT FROM wallets WHERE participant_id = $1 FOR UPDATE`,
			entry.ParticipantID).Scan(&balanceS)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound(op, "wallet for %s not found", entry.ParticipantID)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		balance, _ := decimal.NewFromString(balanceS)
		if balance.LessThan(amount) {
			return apperr.InvalidInput(op, ErrInsufficientBalance, "balance %s < %s", balance, amount)
		}
		_, err = tx.Exec(ctx,
			`UPDATE wallets
			 SET balance = balance - $2::NUMERIC,
			     total_withdrawals = total_withdrawals + $2::NUMERIC,
			     updated_at = NOW()
			 WHERE participant_id = $1`, entry.ParticipantID, amount.String())
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return insertEntry(ctx, tx, entry)
	})
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, participantID string, limit int) ([]model.LedgerEntry, error) {
	query := `SELECT id, participant_id, kind, amount::TEXT, volume_consumed, description,
	                 status, COALESCE(settlement_key, ''), created_at
	          FROM ledger_entries WHERE participant_id = $1
	          ORDER BY created_at DESC, id DESC`
	args := []any{participantID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// inTx runs fn in a transaction, rolling back unless fn succeeds and the
// commit goes through.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	return tx.QueryRow(ctx,
		`INSERT INTO ledger_entries
		   (id, participant_id, kind, amount, volume_consumed, description, status, settlement_key, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, NULLIF($8, ''), NOW())
		 RETURNING created_at`,
		e.ID, e.ParticipantID, string(e.Kind), e.Amount.String(), e.VolumeConsumed,
		e.Description, e.Status, e.SettlementKey,
	).Scan(&e.CreatedAt)
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// pgxRow is satisfied by pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanParticipant(row pgxRow) (*model.Participant, error) {
	var p model.Participant
	var last *time.Time
	if err := row.Scan(&p.ID, &p.Name, &p.ReferrerID, &p.LeftVolume, &p.RightVolume, &p.TotalVolume,
		&p.DailyVolumeUsed, &last, &p.IsActive, &p.PlanID,
		&p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if last != nil {
		p.LastSettlementDate = model.DateOf(*last, time.UTC)
	}
	return &p, nil
}

func scanPlan(row pgxRow) (*model.Plan, error) {
	var p model.Plan
	var amount, dailyCap, matchRate, referral string
	if err := row.Scan(&p.ID, &p.Name, &amount, &p.Volume, &dailyCap, &matchRate,
		&referral, &p.IsActive); err != nil {
		return nil, err
	}
	p.Amount, _ = decimal.NewFromString(amount)
	p.DailyCap, _ = decimal.NewFromString(dailyCap)
	p.MatchRate, _ = decimal.NewFromString(matchRate)
	p.ReferralIncome, _ = decimal.NewFromString(referral)
	return &p, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, amount string

		if err := rows.Scan(&e.ID, &e.ParticipantID, &kind, &amount, &e.VolumeConsumed,
			&e.Description, &e.Status, &e.SettlementKey, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.Kind = model.EntryKind(kind)
		e.Amount, _ = decimal.NewFromString(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
