package query

import (
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a projection row does not exist
var ErrNotFound = errors.New("not found")

// Reader is the read API served over gRPC and HTTP
type Reader interface {
	GetUser(ctx context.Context, id uuid.UUID) (*UserResponse, error)
	GetAccount(ctx context.Context, owner uuid.UUID) (*AccountResponse, error)
	GetPosition(ctx context.Context, owner uuid.UUID, positionID uint64) (*PositionResponse, error)
	ListPositions(ctx context.Context, owner uuid.UUID, openOnly bool) ([]PositionResponse, error)
	GetMarginCall(ctx context.Context, owner uuid.UUID) (*MarginCallResponse, error)
	GetAggregates(ctx context.Context) (*AggregatesResponse, error)
}

// QueryService provides read-only access to projection tables. Every
// response carries as_of_sequence, the projection watermark at read time.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

func (qs *QueryService) observe(method string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		qs.metrics.QueryErrors.WithLabelValues(method, "internal").Inc()
	}
}

func (qs *QueryService) GetUser(ctx context.Context, id uuid.UUID) (resp *UserResponse, err error) {
	defer func(start time.Time) { qs.observe("get_user", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	u := UserResponse{ID: id, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT role, is_active, verified, name, registered_at
		FROM projections.users WHERE user_id = $1
	`, id).Scan(&u.Role, &u.IsActive, &u.Verified, &u.Name, &u.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetAccount returns a trader's account. Balances come from the account
// projection, which the core writes as a joined view.
func (qs *QueryService) GetAccount(ctx context.Context, owner uuid.UUID) (resp *AccountResponse, err error) {
	defer func(start time.Time) { qs.observe("get_account", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	a := AccountResponse{Owner: owner, Asset: ledger.DefaultMarginAsset, AsOfSequence: asOfSeq}
	var nextID int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT total_balance, available_margin, reserved_margin,
		       open_positions_count, last_activity, next_position_id
		FROM projections.accounts WHERE owner = $1
	`, owner).Scan(&a.TotalBalance, &a.AvailableMargin, &a.ReservedMargin,
		&a.OpenPositionsCount, &a.LastActivity, &nextID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.NextPositionID = uint64(nextID)
	return &a, nil
}

const positionColumns = `owner, position_id, asset_pair, side, entry_price, leverage, margin_used,
	liquidation_price, opened_at, closed_at, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner, asOfSeq int64) (PositionResponse, error) {
	var p PositionResponse
	var id int64
	err := row.Scan(&p.Owner, &id, &p.AssetPair, &p.Side, &p.EntryPrice, &p.Leverage,
		&p.MarginUsed, &p.LiquidationPrice, &p.OpenedAt, &p.ClosedAt, &p.Status)
	p.PositionID = uint64(id)
	p.AsOfSequence = asOfSeq
	return p, err
}

func (qs *QueryService) GetPosition(ctx context.Context, owner uuid.UUID, positionID uint64) (resp *PositionResponse, err error) {
	defer func(start time.Time) { qs.observe("get_position", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM projections.positions WHERE owner = $1 AND position_id = $2
	`, owner, int64(positionID))
	p, err := scanPosition(row, asOfSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%d: %w", owner, positionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns a trader's positions ordered by id.
func (qs *QueryService) ListPositions(ctx context.Context, owner uuid.UUID, openOnly bool) (resp []PositionResponse, err error) {
	defer func(start time.Time) { qs.observe("list_positions", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `SELECT ` + positionColumns + ` FROM projections.positions WHERE owner = $1`
	if openOnly {
		query += ` AND status = 'open'`
	}
	query += ` ORDER BY position_id`

	rows, err := qs.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []PositionResponse{}
	for rows.Next() {
		p, err := scanPosition(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (qs *QueryService) GetMarginCall(ctx context.Context, owner uuid.UUID) (resp *MarginCallResponse, err error) {
	defer func(start time.Time) { qs.observe("get_margin_call", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	mc := MarginCallResponse{Owner: owner, AsOfSequence: asOfSeq}
	var positionID int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT position_id, is_margin_call, call_time, required_margin_deposit
		FROM projections.margin_calls WHERE owner = $1
	`, owner).Scan(&positionID, &mc.IsMarginCall, &mc.CallTime, &mc.RequiredMarginDeposit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("margin call %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	mc.PositionID = uint64(positionID)
	return &mc, nil
}

// GetAggregates returns the global totals; zero before the first commit.
func (qs *QueryService) GetAggregates(ctx context.Context) (resp *AggregatesResponse, err error) {
	defer func(start time.Time) { qs.observe("get_aggregates", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	agg := AggregatesResponse{AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT total_open_positions, total_margin_locked, insurance_fund
		FROM projections.aggregates WHERE id = 1
	`).Scan(&agg.TotalOpenPositions, &agg.TotalMarginLocked, &agg.InsuranceFund)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return &agg, nil
}

// GetBalances returns every projected ledger account of a trader.
func (qs *QueryService) GetBalances(ctx context.Context, owner uuid.UUID) (resp []BalanceLine, err error) {
	defer func(start time.Time) { qs.observe("get_balances", start, err) }(time.Now())

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, fmt.Sprintf("user:%s:%%", owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []BalanceLine
	for rows.Next() {
		var b BalanceLine
		if err := rows.Scan(&b.AccountPath, &b.AssetID, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		lines = append(lines, b)
	}
	return lines, rows.Err()
}

// GetJournalHistory returns journal entries touching a trader, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) (resp []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("journal_history", start, err) }(time.Now())

	accountPrefix := fmt.Sprintf("user:%s:%%", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount, &e.JournalType,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// projected balances net to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.AsOfSequence = asOfSeq

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
