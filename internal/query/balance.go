package query

import (
	"context"
	"errors"
	"fmt"

	"LevLedger/internal/ledger"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidPrincipal is returned for a malformed principal address.
var ErrInvalidPrincipal = errors.New("invalid principal address")

func init() {
	state.RegisterErrorClass(state.ClassInput, ErrInvalidPrincipal)
}

func parsePrincipal(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidPrincipal, s)
	}
	return common.HexToAddress(s), nil
}

// display renders a raw balance with the asset's decimal point. Unknown
// assets are shown raw.
func display(asset, raw string) string {
	id, ok := ledger.GetAssetID(asset)
	if !ok {
		return raw
	}
	v, err := fpmath.ParseAmount(raw)
	if err != nil {
		return raw
	}
	d, err := ledger.Decimals(id)
	if err != nil {
		return raw
	}
	return fpmath.FormatAmount(v, d)
}

// GetBalance returns a principal's wallet balance of one asset. An account
// that was never touched has a zero balance.
func (qs *QueryService) GetBalance(ctx context.Context, principal, asset string) (*BalanceResponse, error) {
	addr, err := parsePrincipal(principal)
	if err != nil {
		return nil, err
	}
	id, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownAsset, asset)
	}
	asOf, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.WalletKey(addr, id).AccountPath()
	resp := &BalanceResponse{AccountPath: path, Asset: asset, Balance: "0", LastSequence: -1, AsOfSequence: asOf}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT balance::text, last_sequence FROM projections.balances WHERE account_path = $1
	`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&resp.Balance, &resp.LastSequence); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	resp.Display = display(asset, resp.Balance)
	return resp, nil
}

// GetBalances returns every non-zero account of a principal: wallets of
// all assets including token shares.
func (qs *QueryService) GetBalances(ctx context.Context, principal string) ([]BalanceResponse, error) {
	addr, err := parsePrincipal(principal)
	if err != nil {
		return nil, err
	}
	asOf, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance::text, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1 AND balance > 0
		ORDER BY account_path
	`, fmt.Sprintf("user:%s:%%", addr.Hex()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{AsOfSequence: asOf}
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		b.Display = display(b.Asset, b.Balance)
		out = append(out, b)
	}
	return out, rows.Err()
}
