package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"LevLedger/internal/observability"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// QueryService provides read-only access to the committed state. Live token
// state comes from the core's read view; balances and history come from
// the projection tables and the event log, and carry as_of_sequence for
// freshness.
type QueryService struct {
	db      *sql.DB
	views   ViewSource
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, views ViewSource, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, views: views, metrics: metrics}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Page selects rows older than Before (a sequence), newest first.
type Page struct {
	Limit  int
	Before *int64
}

func (p Page) apply(query string, args []interface{}) (string, []interface{}) {
	if p.Before != nil {
		args = append(args, *p.Before)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, clampLimit(p.Limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))
	return query, args
}

// GetRebalanceHistory returns executed rebalances of a token.
func (qs *QueryService) GetRebalanceHistory(ctx context.Context, tokenID string, page Page) ([]RebalanceResponse, error) {
	query, args := page.apply(`
		SELECT sequence, token_id, op, caller, asset_in, asset_out,
		       amount_in::text, amount_out::text, incentive::text, incentive_rate::text,
		       leverage_before::text, leverage_after::text, timestamp
		FROM projections.rebalance_history
		WHERE token_id = $1`, []interface{}{tokenID})

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RebalanceResponse
	for rows.Next() {
		var (
			r  RebalanceResponse
			ts time.Time
		)
		if err := rows.Scan(
			&r.Sequence, &r.TokenID, &r.Op, &r.Caller, &r.AssetIn, &r.AssetOut,
			&r.AmountIn, &r.AmountOut, &r.Incentive, &r.IncentiveRate,
			&r.LeverageBefore, &r.LeverageAfter, &ts,
		); err != nil {
			return nil, err
		}
		r.Timestamp = ts.UnixMicro()
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetOperations returns initialize, mint, burn and set-params operations
// of a token.
func (qs *QueryService) GetOperations(ctx context.Context, tokenID string, page Page) ([]OperationResponse, error) {
	query, args := page.apply(`
		SELECT sequence, token_id, kind, COALESCE(account, ''),
		       COALESCE(shares::text, ''), COALESCE(fee::text, ''),
		       COALESCE(collateral::text, ''), COALESCE(debt::text, ''),
		       COALESCE(amount::text, ''), COALESCE(refund::text, ''), timestamp
		FROM projections.token_operations
		WHERE token_id = $1`, []interface{}{tokenID})

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationResponse
	for rows.Next() {
		var (
			o  OperationResponse
			ts time.Time
		)
		if err := rows.Scan(
			&o.Sequence, &o.TokenID, &o.Kind, &o.Account,
			&o.Shares, &o.Fee, &o.Collateral, &o.Debt, &o.Amount, &o.Refund, &ts,
		); err != nil {
			return nil, err
		}
		o.Timestamp = ts.UnixMicro()
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journals debiting or crediting any account of
// a principal.
func (qs *QueryService) GetJournalHistory(ctx context.Context, principal string, page Page) ([]JournalHistoryEntry, error) {
	addr, err := parsePrincipal(principal)
	if err != nil {
		return nil, err
	}
	query, args := page.apply(`
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)`,
		[]interface{}{fmt.Sprintf("user:%s:%%", addr.Hex())})

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
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks the persisted hash chain and that the projected
// internal balances of every asset add up to its external outstanding.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
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
		SELECT asset,
		       SUM(balance) FILTER (WHERE account_path NOT LIKE 'external:%')::text,
		       COALESCE(SUM(balance) FILTER (WHERE account_path LIKE 'external:%'), 0)::text
		FROM projections.balances
		GROUP BY asset
		HAVING COALESCE(SUM(balance) FILTER (WHERE account_path NOT LIKE 'external:%'), 0)
		    != COALESCE(SUM(balance) FILTER (WHERE account_path LIKE 'external:%'), 0)
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var (
			u        UnbalancedAsset
			internal sql.NullString
		)
		if err := balanceRows.Scan(&u.Asset, &internal, &u.Outstanding); err != nil {
			return nil, err
		}
		u.Internal = "0"
		if internal.Valid {
			u.Internal = internal.String
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// Watermark is the newest sequence reflected in the projection tables, or
// -1 when none has been applied.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
