package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/insurance-engine/internal/model"
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

const contractColumns = `id, user_id, wallet_address, asset, unit,
	margin::TEXT, q_covered::TEXT, p_claim::TEXT, period, period_unit, period_change_ratio::TEXT,
	p_open::TEXT, p_liquidation::TEXT, q_claim::TEXT, p_refund::TEXT, p_cancel::TEXT,
	leverage::TEXT, hedge::TEXT, system_capital::TEXT, expired_at,
	state, side, p_close::TEXT, invalid_reason, txhash, state_logs,
	created_at, closed_at, updated_at`

func scanContract(row pgx.Row) (*model.Contract, error) {
	var (
		c                                                 model.Contract
		margin, qCovered, pClaim, ratio                   string
		pOpen, pLiq, qClaim, pRefund, pCancel, lev, hedge string
		sysCap                                            string
		expiredAt                                         *time.Time
		pClose                                            *string
		logs                                              []byte
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.WalletAddress, &c.Asset, &c.Unit,
		&margin, &qCovered, &pClaim, &c.Period, &c.PeriodUnit, &ratio,
		&pOpen, &pLiq, &qClaim, &pRefund, &pCancel,
		&lev, &hedge, &sysCap, &expiredAt,
		&c.State, &c.Side, &pClose, &c.InvalidReason, &c.TxHash, &logs,
		&c.CreatedAt, &c.ClosedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	c.Margin, _ = decimal.NewFromString(margin)
	c.QCovered, _ = decimal.NewFromString(qCovered)
	c.ClaimPrice, _ = decimal.NewFromString(pClaim)
	c.PeriodChangeRatio, _ = decimal.NewFromString(ratio)
	c.OpenPrice, _ = decimal.NewFromString(pOpen)
	c.LiquidationPrice, _ = decimal.NewFromString(pLiq)
	c.ClaimQuantity, _ = decimal.NewFromString(qClaim)
	c.RefundPrice, _ = decimal.NewFromString(pRefund)
	c.CancelPrice, _ = decimal.NewFromString(pCancel)
	c.Leverage, _ = decimal.NewFromString(lev)
	c.Hedge, _ = decimal.NewFromString(hedge)
	c.SystemCapital, _ = decimal.NewFromString(sysCap)
	if expiredAt != nil {
		c.ExpiresAt = *expiredAt
	}
	if pClose != nil {
		p, err := decimal.NewFromString(*pClose)
		if err == nil {
			c.ClosePrice = &p
		}
	}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &c.StateLogs); err != nil {
			return nil, fmt.Errorf("decode state logs of %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.Contract) error {
	logs, err := json.Marshal(nonNilLogs(c.StateLogs))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO insurances (id, user_id, wallet_address, asset, unit,
		        margin, q_covered, p_claim, period, period_unit, period_change_ratio,
		        state, side, txhash, state_logs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5,
		        $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11::NUMERIC,
		        $12, $13, $14, $15::JSONB, $16, $17)`,
		c.ID, c.UserID, c.WalletAddress, c.Asset, c.Unit,
		c.Margin.String(), c.QCovered.String(), c.ClaimPrice.String(),
		c.Period, c.PeriodUnit, c.PeriodChangeRatio.String(),
		c.State, c.Side, c.TxHash, string(logs), c.CreatedAt, c.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("contract %s: %w", c.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM insurances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}
	return c, nil
}

// whereClause renders f as SQL conditions with positional arguments.
func whereClause(f model.ContractFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		conds = append(conds, "state = ANY("+arg(states)+")")
	}
	if f.Side != "" {
		conds = append(conds, "side = "+arg(string(f.Side)))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = "+arg(f.UserID))
	}
	if f.Symbol != "" {
		conds = append(conds, "asset || unit = "+arg(f.Symbol))
	}
	if f.Asset != "" {
		conds = append(conds, "asset = "+arg(f.Asset))
	}
	if f.ClosedOnly {
		conds = append(conds, "closed_at IS NOT NULL")
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < "+arg(f.CreatedBefore))
	}
	if !f.ExpiresBefore.IsZero() {
		conds = append(conds, "expired_at < "+arg(f.ExpiresBefore))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) ListContracts(ctx context.Context, f model.ContractFilter) ([]*model.Contract, error) {
	where, args := whereClause(f)
	q := `SELECT ` + contractColumns + ` FROM insurances` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Skip > 0 {
		args = append(args, f.Skip)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []*model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountContracts(ctx context.Context, f model.ContractFilter) (int, error) {
	where, args := whereClause(f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM insurances`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contracts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, id string, from model.State, t model.Transition) (*model.Contract, error) {
	sets := []string{"state = $3"}
	args := []any{id, from, t.To}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if t.ClosePrice != nil {
		sets = append(sets, "p_close = "+arg(t.ClosePrice.String())+"::NUMERIC")
	}
	if t.ClosedAt != nil {
		sets = append(sets, "closed_at = COALESCE(closed_at, "+arg(*t.ClosedAt)+")")
	}
	if t.InvalidReason != "" {
		sets = append(sets, "invalid_reason = "+arg(t.InvalidReason))
	}
	if d := t.Derived; d != nil {
		sets = append(sets,
			"p_open = "+arg(d.OpenPrice.String())+"::NUMERIC",
			"expired_at = "+arg(d.ExpiresAt),
			"hedge = "+arg(d.Hedge.String())+"::NUMERIC",
			"p_liquidation = "+arg(d.LiquidationPrice.String())+"::NUMERIC",
			"q_claim = "+arg(d.ClaimQuantity.String())+"::NUMERIC",
			"system_capital = "+arg(d.SystemCapital.String())+"::NUMERIC",
			"p_refund = "+arg(d.RefundPrice.String())+"::NUMERIC",
			"leverage = "+arg(d.Leverage.String())+"::NUMERIC",
			"p_cancel = "+arg(d.CancelPrice.String())+"::NUMERIC",
		)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	sets = append(sets, "updated_at = "+arg(at))

	c, err := scanContract(s.pool.QueryRow(ctx,
		`UPDATE insurances SET `+strings.Join(sets, ", ")+
			` WHERE id = $1 AND state = $2 RETURNING `+contractColumns, args...))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("apply transition %s: %w", id, err)
	}

	var current model.State
	err = s.pool.QueryRow(ctx, `SELECT state FROM insurances WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("apply transition %s: %w", id, err)
	}
	return nil, fmt.Errorf("contract %s is %s, expected %s: %w", id, current, from, ErrStateConflict)
}

func (s *PostgresStore) AppendStateLog(ctx context.Context, id string, entry model.StateLogEntry) error {
	data, err := json.Marshal([]model.StateLogEntry{entry})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE insurances SET state_logs = state_logs || $2::JSONB WHERE id = $1`, id, string(data))
	if err != nil {
		return fmt.Errorf("append state log %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetTxHash(ctx context.Context, id, txHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE insurances SET txhash = $2 WHERE id = $1`, id, txHash)
	if err != nil {
		return fmt.Errorf("set txhash %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (model.Stats, error) {
	var (
		st                                      model.Stats
		covered, payback, claimPool, marginPool string
		refundPending, claimPending             string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT
		    COUNT(*) FILTER (WHERE state <> 'INVALID'),
		    COALESCE(SUM(q_covered) FILTER (WHERE state <> 'INVALID'), 0)::TEXT,
		    (COALESCE(SUM(q_claim) FILTER (WHERE state IN ('CLAIM_WAITING', 'CLAIMED')), 0) +
		     COALESCE(SUM(margin) FILTER (WHERE state IN ('REFUND_WAITING', 'REFUNDED')), 0))::TEXT,
		    COALESCE(SUM(q_claim) FILTER (WHERE state = 'AVAILABLE'), 0)::TEXT,
		    COALESCE(SUM(margin) FILTER (WHERE state = 'AVAILABLE'), 0)::TEXT,
		    COALESCE(SUM(margin) FILTER (WHERE state = 'REFUND_WAITING'), 0)::TEXT,
		    COALESCE(SUM(q_claim) FILTER (WHERE state = 'CLAIM_WAITING'), 0)::TEXT
		 FROM insurances`).
		Scan(&st.TotalContracts, &covered, &payback, &claimPool, &marginPool, &refundPending, &claimPending)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	st.TotalQCovered, _ = decimal.NewFromString(covered)
	st.TotalPayback, _ = decimal.NewFromString(payback)
	st.ClaimPool, _ = decimal.NewFromString(claimPool)
	st.MarginPool, _ = decimal.NewFromString(marginPool)
	st.RefundPending, _ = decimal.NewFromString(refundPending)
	st.ClaimPending, _ = decimal.NewFromString(claimPending)
	return st, nil
}

// --- Pairs ---

func (s *PostgresStore) UpsertPair(ctx context.Context, p *model.Pair) error {
	var cfg []byte
	if p.Config != nil {
		var err error
		if cfg, err = json.Marshal(p.Config); err != nil {
			return err
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pairs (symbol, asset, unit, is_active, is_maintain, is_hot, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB)
		 ON CONFLICT (symbol) DO UPDATE SET
		    asset = EXCLUDED.asset, unit = EXCLUDED.unit,
		    is_active = EXCLUDED.is_active, is_maintain = EXCLUDED.is_maintain,
		    is_hot = EXCLUDED.is_hot, config = EXCLUDED.config`,
		p.Symbol, p.Asset, p.Unit, p.IsActive, p.IsMaintain, p.IsHot, nullableJSON(cfg),
	)
	if err != nil {
		return fmt.Errorf("upsert pair %s: %w", p.Symbol, err)
	}
	return nil
}

func scanPair(row pgx.Row) (*model.Pair, error) {
	var (
		p   model.Pair
		cfg []byte
	)
	if err := row.Scan(&p.Symbol, &p.Asset, &p.Unit, &p.IsActive, &p.IsMaintain, &p.IsHot, &cfg); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		var c model.PairConfig
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("decode config of %s: %w", p.Symbol, err)
		}
		p.Config = &c
	}
	return &p, nil
}

func (s *PostgresStore) GetPair(ctx context.Context, symbol string) (*model.Pair, error) {
	p, err := scanPair(s.pool.QueryRow(ctx,
		`SELECT symbol, asset, unit, is_active, is_maintain, is_hot, config FROM pairs WHERE symbol = $1`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pair %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pair %s: %w", symbol, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPairs(ctx context.Context, activeOnly bool) ([]*model.Pair, error) {
	q := `SELECT symbol, asset, unit, is_active, is_maintain, is_hot, config FROM pairs`
	if activeOnly {
		q += ` WHERE is_active`
	}
	rows, err := s.pool.Query(ctx, q+` ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	var out []*model.Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePairConfig(ctx context.Context, symbol string, cfg model.PairConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE pairs SET config = $2::JSONB WHERE symbol = $1`, symbol, string(data))
	if err != nil {
		return fmt.Errorf("update pair config %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pair %s: %w", symbol, ErrNotFound)
	}
	return nil
}

func nonNilLogs(logs []model.StateLogEntry) []model.StateLogEntry {
	if logs == nil {
		return []model.StateLogEntry{}
	}
	return logs
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
