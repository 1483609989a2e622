// Package lending is the lending-pool accessor used by leveraged tokens.
package lending

import (
	"errors"
	"fmt"
	"sort"

	"LevLedger/internal/ledger"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Code is a lending pool result. Zero is success.
type Code uint32

const (
	CodeOK Code = iota
	CodeMarketNotListed
	CodeInsufficientCash
	CodeInsufficientCollateral
	CodeInsufficientBalance
	CodeRepayExceedsDebt
	CodeRedeemExceedsSupply
	CodePriceError
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeMarketNotListed:
		return "market_not_listed"
	case CodeInsufficientCash:
		return "insufficient_cash"
	case CodeInsufficientCollateral:
		return "insufficient_collateral"
	case CodeInsufficientBalance:
		return "insufficient_balance"
	case CodeRepayExceedsDebt:
		return "repay_exceeds_debt"
	case CodeRedeemExceedsSupply:
		return "redeem_exceeds_supply"
	case CodePriceError:
		return "price_error"
	default:
		return fmt.Sprintf("code_%d", uint32(c))
	}
}

// ErrLendingFailure matches every CodeError.
var ErrLendingFailure = errors.New("lending pool call failed")

func init() {
	state.RegisterErrorClass(state.ClassExternal, ErrLendingFailure)
}

// CodeError surfaces a non-zero pool code verbatim.
type CodeError struct {
	Op   string
	Code Code
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("lending %s failed: code %d (%s)", e.Op, uint32(e.Code), e.Code)
}

func (e *CodeError) Is(target error) bool {
	return target == ErrLendingFailure
}

// Check turns a code into an error.
func Check(op string, code Code) error {
	if code == CodeOK {
		return nil
	}
	return &CodeError{Op: op, Code: code}
}

// Accessor is the capability a leveraged token consumes.
type Accessor interface {
	Address() common.Address
	Supply(tx *ledger.Tx, account common.Address, asset ledger.AssetID, amount *uint256.Int) Code
	Borrow(tx *ledger.Tx, account common.Address, asset ledger.AssetID, amount *uint256.Int) Code
	Repay(tx *ledger.Tx, account common.Address, asset ledger.AssetID, amount *uint256.Int) Code
	Redeem(tx *ledger.Tx, account common.Address, asset ledger.AssetID, amount *uint256.Int) Code
	BalanceOfUnderlying(tx *ledger.Tx, account common.Address, asset ledger.AssetID) *uint256.Int
	BorrowBalanceCurrent(tx *ledger.Tx, account common.Address, asset ledger.AssetID) *uint256.Int
}

// Market is a listed asset and the share of its value that counts as collateral.
type Market struct {
	Asset            ledger.AssetID
	CollateralFactor *uint256.Int // 1e18 scale
}

// Pool keeps its cash in its own wallet and tracks positions as claim
// accounts, so every change rides on the caller's ledger tx.
type Pool struct {
	address common.Address
	oracle  oracle.Oracle
	markets map[ledger.AssetID]Market
}

func NewPool(name string, o oracle.Oracle) *Pool {
	return &Pool{
		address: ledger.SystemAddress(name),
		oracle:  o,
		markets: make(map[ledger.AssetID]Market),
	}
}

func (p *Pool) Address() common.Address {
	return p.address
}

// ListMarket enables an asset.
func (p *Pool) ListMarket(asset ledger.AssetID, collateralFactor *uint256.Int) error {
	if collateralFactor.Gt(fpmath.Wad) {
		return fmt.Errorf("collateral factor %s exceeds 1e18", collateralFactor.Dec())
	}
	if _, err := ledger.Decimals(asset); err != nil {
		return err
	}
	p.markets[asset] = Market{Asset: asset, CollateralFactor: collateralFactor.Clone()}
	return nil
}

func (p *Pool) Markets() []Market {
	out := make([]Market, 0, len(p.markets))
	for _, m := range p.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (p *Pool) listed(asset ledger.AssetID) bool {
	_, ok := p.markets[asset]
	return ok
}

func (p *Pool) Supply(tx *ledger.Tx, account common.Address, asset ledger.AssetID, amount *uint256.Int) Code {
	if !p.listed(asset) {
		return CodeMarketNotListed
	}
	if tx.WalletBalance(account, asset).Lt(amount) {
		return CodeInsufficientBalance
	}
	if err := tx.Transfer(account, p.address, asset, amount, ledger.JournalTypeSupply); err != nil {
		return CodeInsufficientBalance
	}
	if err := tx.Issue(ledger.NewPrincipalAccountKey(account, ledger.SubTypeSupplied, asset),
		ledger.SubTypeExternalClaims, amount, ledger.JournalTypeClaimIssue); err != nil {
		return CodeInsufficientBalance
	}
	return CodeOK
}

func (p *Pool) Borrow(tx *ledger.Tx, account common.Address, asset ledger.AssetID, amount *uint256.Int) Code {
	if !p.listed(asset) {
		return CodeMarketNotListed
	}
	if tx.WalletBalance(p.address, asset).Lt(amount) {
		return CodeInsufficientCash
	}
	if code := p.checkLiquidity(tx, account, asset, amount, fpmath.Zero()); code != CodeOK {
		return code
	}
	if err := tx.Transfer(p.address, account, asset, amount, ledger.JournalTypeBorrow); err != nil {
		return CodeInsufficientCash
	}
	if err := tx.Issue(ledger.NewPrincipalAccountKey(account, ledger.SubTypeBorrowed, asset),
		ledger.SubTypeExternalClaims, amount, ledger.JournalTypeClaimIssue); err != nil {
		return CodeInsufficientCash
	}
	return CodeOK
}

func (p *Pool) Repay(tx *ledger.Tx, account common.Address, asset ledger.AssetID, amount *uint256.Int) Code {
	if !p.listed(asset) {
		return CodeMarketNotListed
	}
	debtKey := ledger.NewPrincipalAccountKey(account, ledger.SubTypeBorrowed, asset)
	if tx.Balance(debtKey).Lt(amount) {
		return CodeRepayExceedsDebt
	}
	if tx.WalletBalance(account, asset).Lt(amount) {
		return CodeInsufficientBalance
	}
	if err := tx.Transfer(account, p.address, asset, amount, ledger.JournalTypeRepay); err != nil {
		return CodeInsufficientBalance
	}
	if err := tx.Retire(debtKey, ledger.SubTypeExternalClaims, amount, ledger.JournalTypeClaimRetire); err != nil {
		return CodeRepayExceedsDebt
	}
	return CodeOK
}

func (p *Pool) Redeem(tx *ledger.Tx, account common.Address, asset ledger.AssetID, amount *uint256.Int) Code {
	if !p.listed(asset) {
		return CodeMarketNotListed
	}
	supplyKey := ledger.NewPrincipalAccountKey(account, ledger.SubTypeSupplied, asset)
	if tx.Balance(supplyKey).Lt(amount) {
		return CodeRedeemExceedsSupply
	}
	if tx.WalletBalance(p.address, asset).Lt(amount) {
		return CodeInsufficientCash
	}
	if code := p.checkLiquidity(tx, account, asset, fpmath.Zero(), amount); code != CodeOK {
		return code
	}
	if err := tx.Retire(supplyKey, ledger.SubTypeExternalClaims, amount, ledger.JournalTypeClaimRetire); err != nil {
		return CodeRedeemExceedsSupply
	}
	if err := tx.Transfer(p.address, account, asset, amount, ledger.JournalTypeRedeem); err != nil {
		return CodeInsufficientCash
	}
	return CodeOK
}

func (p *Pool) BalanceOfUnderlying(tx *ledger.Tx, account common.Address, asset ledger.AssetID) *uint256.Int {
	return tx.Balance(ledger.NewPrincipalAccountKey(account, ledger.SubTypeSupplied, asset))
}

func (p *Pool) BorrowBalanceCurrent(tx *ledger.Tx, account common.Address, asset ledger.AssetID) *uint256.Int {
	return tx.Balance(ledger.NewPrincipalAccountKey(account, ledger.SubTypeBorrowed, asset))
}

// checkLiquidity verifies that after borrowing extraBorrow of borrowAsset or
// redeeming extraRedeem of it, the account's debt value stays within the
// collateral-factor-weighted supply value.
func (p *Pool) checkLiquidity(tx *ledger.Tx, account common.Address, asset ledger.AssetID, extraBorrow, extraRedeem *uint256.Int) Code {
	capacity := fpmath.Zero()
	debt := fpmath.Zero()

	for id, m := range p.markets {
		supplied := p.BalanceOfUnderlying(tx, account, id)
		borrowed := p.BorrowBalanceCurrent(tx, account, id)
		if id == asset {
			supplied = fpmath.SubFloor(supplied, extraRedeem)
			borrowed = new(uint256.Int).Add(borrowed, extraBorrow)
		}
		if !supplied.IsZero() {
			v, err := p.baseValue(id, supplied)
			if err != nil {
				return CodePriceError
			}
			weighted, err := fpmath.WadMul(v, m.CollateralFactor, fpmath.RoundDown)
			if err != nil {
				return CodePriceError
			}
			capacity.Add(capacity, weighted)
		}
		if !borrowed.IsZero() {
			v, err := p.baseValue(id, borrowed)
			if err != nil {
				return CodePriceError
			}
			debt.Add(debt, v)
		}
	}

	if debt.Gt(capacity) {
		return CodeInsufficientCollateral
	}
	return CodeOK
}

func (p *Pool) baseValue(asset ledger.AssetID, amount *uint256.Int) (*uint256.Int, error) {
	price, err := p.oracle.Price(asset)
	if err != nil {
		return nil, err
	}
	dec, err := ledger.Decimals(asset)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(amount, price, fpmath.Pow10(dec), fpmath.RoundDown)
}
