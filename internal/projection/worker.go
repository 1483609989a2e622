package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"LevLedger/internal/observability"

	"github.com/rs/zerolog"
)

// ProjectionOutput is the read-model view of one sequenced command. The
// service bridges core outputs into this shape. Amounts are base-10
// strings; empty means NULL.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	TokenID   *string
	Committed bool
	Timestamp time.Time
	Balances  []BalanceUpdate
	Token     *TokenUpdate
	Operation *OperationRecord
	Rebalance *RebalanceRecord
}

// BalanceUpdate is the absolute post-commit balance of one account.
type BalanceUpdate struct {
	AccountPath string
	Asset       string
	Balance     string
}

// TokenUpdate is the committed position and params of a token. Position
// fields are ignored unless HasPosition is set; nil Params leaves the stored
// params unchanged.
type TokenUpdate struct {
	HasPosition     bool
	TotalCollateral string
	TotalDebt       string
	TotalSupply     string
	IsInitialized   bool
	Version         int64
	Params          json.RawMessage
}

// OperationRecord is one initialize, mint, burn or set-params operation.
type OperationRecord struct {
	Kind       string
	Account    string
	Shares     string
	Fee        string
	Collateral string
	Debt       string
	Amount     string
	Refund     string
}

// RebalanceRecord is one executed push or pull.
type RebalanceRecord struct {
	Op             string
	Caller         string
	AssetIn        string
	AssetOut       string
	AmountIn       string
	AmountOut      string
	Incentive      string
	IncentiveRate  string
	LeverageBefore string
	LeverageAfter  string
}

// ProjectionWorker updates projection tables from processed commands. The
// projection channel is non-blocking with drop on the core side, so the
// tables are eventually consistent and can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run applies outputs until ctx is done or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Sequence
		}
	}
}

// LastSequence is the newest sequence applied by this worker.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Committed {
		for _, b := range output.Balances {
			if err := upsertBalance(ctx, tx, output.Sequence, b); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
		if output.Token != nil && output.TokenID != nil {
			if err := upsertToken(ctx, tx, output.Sequence, *output.TokenID, output.Token); err != nil {
				return fmt.Errorf("token projection: %w", err)
			}
		}
		if output.Operation != nil && output.TokenID != nil {
			if err := insertOperation(ctx, tx, output, output.Operation); err != nil {
				return fmt.Errorf("operation projection: %w", err)
			}
		}
		if output.Rebalance != nil && output.TokenID != nil {
			if err := insertRebalance(ctx, tx, output, output.Rebalance); err != nil {
				return fmt.Errorf("rebalance projection: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func upsertBalance(ctx context.Context, tx *sql.Tx, seq int64, b BalanceUpdate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
		WHERE projections.balances.last_sequence < EXCLUDED.last_sequence
	`, b.AccountPath, b.Asset, b.Balance, seq)
	return err
}

// upsertToken writes whichever half of the update is present. Set-params
// receipts carry no position and operation receipts may carry no params.
func upsertToken(ctx context.Context, tx *sql.Tx, seq int64, tokenID string, t *TokenUpdate) error {
	var collateral, debt, supply, initialized, version, params interface{}
	if t.HasPosition {
		collateral, debt, supply = t.TotalCollateral, t.TotalDebt, t.TotalSupply
		initialized, version = t.IsInitialized, t.Version
	}
	if len(t.Params) > 0 {
		params = string(t.Params)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.tokens
			(token_id, total_collateral, total_debt, total_supply, is_initialized, version, params, last_sequence, updated_at)
		VALUES ($1, COALESCE($2::numeric, 0), COALESCE($3::numeric, 0), COALESCE($4::numeric, 0),
		        COALESCE($5::boolean, FALSE), COALESCE($6::bigint, 0), $7::jsonb, $8, NOW())
		ON CONFLICT (token_id) DO UPDATE SET
			total_collateral = COALESCE($2::numeric, projections.tokens.total_collateral),
			total_debt = COALESCE($3::numeric, projections.tokens.total_debt),
			total_supply = COALESCE($4::numeric, projections.tokens.total_supply),
			is_initialized = COALESCE($5::boolean, projections.tokens.is_initialized),
			version = COALESCE($6::bigint, projections.tokens.version),
			params = COALESCE($7::jsonb, projections.tokens.params),
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.tokens.last_sequence < EXCLUDED.last_sequence
	`, tokenID, collateral, debt, supply, initialized, version, params, seq)
	return err
}

func insertOperation(ctx context.Context, tx *sql.Tx, out ProjectionOutput, op *OperationRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.token_operations
			(sequence, token_id, kind, account, shares, fee, collateral, debt, amount, refund, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sequence) DO NOTHING
	`, out.Sequence, *out.TokenID, op.Kind, nullable(op.Account),
		nullable(op.Shares), nullable(op.Fee), nullable(op.Collateral), nullable(op.Debt),
		nullable(op.Amount), nullable(op.Refund), out.Timestamp)
	return err
}

func insertRebalance(ctx context.Context, tx *sql.Tx, out ProjectionOutput, r *RebalanceRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.rebalance_history
			(sequence, token_id, op, caller, asset_in, asset_out, amount_in, amount_out,
			 incentive, incentive_rate, leverage_before, leverage_after, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (sequence) DO NOTHING
	`, out.Sequence, *out.TokenID, r.Op, r.Caller, r.AssetIn, r.AssetOut, r.AmountIn, r.AmountOut,
		r.Incentive, r.IncentiveRate, r.LeverageBefore, r.LeverageAfter, out.Timestamp)
	return err
}

// RebuildProjections rebuilds the balance projection from the journal and
// resets the watermark. Token and history tables are rebuilt by replaying
// the event log through a fresh core.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}

	// A debit raises an internal account and lowers an external one; a
	// credit does the opposite. External accounts hold their outstanding
	// issuance, so their sign is flipped.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset,
		       CASE WHEN account_path LIKE 'external:%' THEN -SUM(delta) ELSE SUM(delta) END,
		       MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger := observability.NewLogger("projection")
	logger.Info().Msg("projection rebuild complete")
	return nil
}
