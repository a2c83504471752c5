package projection

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// watermarkWorker is the projections.watermark row this worker owns
const watermarkWorker = "main"

// Listener is told about every output after its projection commits
type Listener interface {
	OutputApplied(ctx context.Context, out core.CoreOutput)
}

// statement is one parameterized write
type statement struct {
	query string
	args  []any
}

// ProjectionWorker updates projection tables from committed operations.
// The core sends to it without blocking and drops when the channel is full;
// a lagging projection is repaired with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	listeners []Listener
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger, listeners ...Listener) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		listeners: listeners,
		metrics:   metrics,
		logger:    logger,
	}
}

// LastSequence is the last sequence this worker projected
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// projections are eventually consistent and rebuildable
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}

			for _, l := range pw.listeners {
				l.OutputApplied(ctx, output)
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range buildStatements(output) {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("projection write: %w", err)
		}
	}

	return tx.Commit()
}

// buildStatements turns one output into its projection writes. The
// watermark update is always last.
func buildStatements(output core.CoreOutput) []statement {
	seq := output.Envelope.Sequence
	var stmts []statement

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			stmts = append(stmts, balanceStatements(j, seq)...)
		}
	}

	if e := output.Effects; e != nil {
		for _, u := range e.Users {
			stmts = append(stmts, statement{
				query: `
					INSERT INTO projections.users (user_id, role, is_active, verified, name, registered_at, last_sequence)
					VALUES ($1, $2, $3, $4, $5, $6, $7)
					ON CONFLICT (user_id) DO UPDATE SET
						role = $2, is_active = $3, verified = $4, name = $5, last_sequence = $7`,
				args: []any{u.ID, u.Role.String(), u.IsActive, u.Verified, u.Name, u.RegisteredAt, seq},
			})
		}
		for _, a := range e.Accounts {
			stmts = append(stmts, statement{
				query: `
					INSERT INTO projections.accounts
						(owner, total_balance, available_margin, reserved_margin,
						 open_positions_count, last_activity, next_position_id, last_sequence)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
					ON CONFLICT (owner) DO UPDATE SET
						total_balance = $2, available_margin = $3, reserved_margin = $4,
						open_positions_count = $5, last_activity = $6, next_position_id = $7, last_sequence = $8`,
				args: []any{a.Owner, a.TotalBalance, a.AvailableMargin, a.ReservedMargin,
					a.OpenPositionsCount, a.LastActivity, int64(a.NextPositionID), seq},
			})
		}
		for _, p := range e.Positions {
			stmts = append(stmts, statement{
				query: `
					INSERT INTO projections.positions
						(owner, position_id, asset_pair, side, entry_price, leverage, margin_used,
						 liquidation_price, opened_at, closed_at, status, last_sequence)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
					ON CONFLICT (owner, position_id) DO UPDATE SET
						closed_at = $10, status = $11, last_sequence = $12`,
				args: []any{p.Owner, int64(p.PositionID), p.AssetPair, p.Side.String(), p.EntryPrice,
					p.Leverage, p.MarginUsed, p.LiquidationPrice, p.OpenedAt, p.ClosedAt,
					strings.ToLower(p.Status.String()), seq},
			})
		}
		for _, mc := range e.MarginCalls {
			stmts = append(stmts, statement{
				query: `
					INSERT INTO projections.margin_calls
						(owner, position_id, is_margin_call, call_time, required_margin_deposit, last_sequence)
					VALUES ($1, $2, $3, $4, $5, $6)
					ON CONFLICT (owner) DO UPDATE SET
						position_id = $2, is_margin_call = $3, call_time = $4,
						required_margin_deposit = $5, last_sequence = $6`,
				args: []any{mc.Owner, int64(mc.PositionID), mc.IsMarginCall, mc.CallTime, mc.RequiredMarginDeposit, seq},
			})
		}
		if e.Aggregates != nil {
			stmts = append(stmts, statement{
				query: `
					INSERT INTO projections.aggregates (id, total_open_positions, total_margin_locked, last_sequence)
					VALUES (1, $1, $2, $3)
					ON CONFLICT (id) DO UPDATE SET
						total_open_positions = $1, total_margin_locked = $2, last_sequence = $3`,
				args: []any{e.Aggregates.TotalOpenPositions, e.Aggregates.TotalMarginLocked, seq},
			})
		}
		if e.InsuranceFund != nil {
			stmts = append(stmts, statement{
				query: `
					INSERT INTO projections.aggregates (id, total_open_positions, total_margin_locked, insurance_fund, last_sequence)
					VALUES (1, 0, 0, $1, $2)
					ON CONFLICT (id) DO UPDATE SET insurance_fund = $1, last_sequence = $2`,
				args: []any{*e.InsuranceFund, seq},
			})
		}
	}

	stmts = append(stmts, statement{
		query: `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()`,
		args: []any{watermarkWorker, seq},
	})
	return stmts
}

// balanceStatements applies one journal: the debit account increases and
// the credit account decreases.
func balanceStatements(j ledger.Journal, seq int64) []statement {
	upsert := `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4`
	return []statement{
		{query: upsert, args: []any{j.DebitAccount.AccountPath(), int16(j.AssetID), j.Amount, seq}},
		{query: upsert, args: []any{j.CreditAccount.AccountPath(), int16(j.AssetID), -j.Amount, seq}},
	}
}

var projectionTables = []string{
	"projections.users",
	"projections.accounts",
	"projections.positions",
	"projections.margin_calls",
	"projections.aggregates",
	"projections.balances",
}

// RebuildProjections truncates every projection table, recomputes balances
// from the journal up to the seed's sequence and writes the seed's entities.
// The seed comes from DeterministicCore.ProjectionSeed on the core goroutine.
func RebuildProjections(ctx context.Context, db *sql.DB, seed core.CoreOutput, logger zerolog.Logger) error {
	seq := seed.Envelope.Sequence

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range projectionTables {
		if _, err := tx.ExecContext(ctx, `TRUNCATE `+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal WHERE sequence <= $1
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence
			FROM event_log.journal WHERE sequence <= $1
		) moves
		GROUP BY account_path, asset_id
	`, seq)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	seed.Batch = nil
	for _, st := range buildStatements(seed) {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("rebuild entities: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int64("sequence", seq).Msg("projection rebuild complete")
	return nil
}

// Watermark returns the last projected sequence, 0 before the first write.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, watermarkWorker,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
