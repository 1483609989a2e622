// Package token implements the leveraged-token engine: accounting, the
// initialize/mint/burn lifecycle over a flash swap, and incentive-priced
// rebalancing.
package token

import (
	"fmt"

	"LevLedger/internal/flash"
	"LevLedger/internal/ledger"
	"LevLedger/internal/lending"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func init() {
	state.RegisterErrorClass(state.ClassInput, ledger.ErrInsufficientBalance, ledger.ErrUnknownAsset)
}

// Config describes one token instance.
type Config struct {
	TokenID         string
	Symbol          string // share asset symbol
	Owner           common.Address
	FeeRecipient    common.Address
	CollateralAsset ledger.AssetID
	DebtAsset       ledger.AssetID
	Params          state.Params
}

// Token is one leveraged-token instance. Operations stage their effects on a
// ledger tx and return a Receipt; nothing on the Token changes until Apply.
type Token struct {
	cfg      Config
	address  common.Address
	share    ledger.AssetID
	params   *state.ParamsManager
	position *state.Position

	oracle oracle.Oracle
	pool   lending.Accessor
	venue  flash.Adapter

	pending *pendingFlash
}

func New(cfg Config, o oracle.Oracle, pool lending.Accessor, venue flash.Adapter) (*Token, error) {
	if cfg.TokenID == "" || cfg.Symbol == "" {
		return nil, fmt.Errorf("token id and symbol are required")
	}
	if cfg.CollateralAsset == cfg.DebtAsset {
		return nil, fmt.Errorf("token %s: collateral and debt assets must differ", cfg.TokenID)
	}
	for _, id := range []ledger.AssetID{cfg.CollateralAsset, cfg.DebtAsset} {
		if _, err := ledger.Decimals(id); err != nil {
			return nil, fmt.Errorf("token %s: %w", cfg.TokenID, err)
		}
	}

	share, err := ledger.RegisterAsset(cfg.Symbol, fpmath.WadDecimals)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", cfg.TokenID, err)
	}

	pm, err := state.NewParamsManager(cfg.Owner, cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", cfg.TokenID, err)
	}

	return &Token{
		cfg:      cfg,
		address:  ledger.SystemAddress("engine:" + cfg.TokenID),
		share:    share,
		params:   pm,
		position: state.NewPosition(cfg.TokenID),
		oracle:   o,
		pool:     pool,
		venue:    venue,
	}, nil
}

func (t *Token) ID() string                      { return t.cfg.TokenID }
func (t *Token) Config() Config                  { return t.cfg }
func (t *Token) Address() common.Address         { return t.address }
func (t *Token) ShareAsset() ledger.AssetID      { return t.share }
func (t *Token) Params() state.Params            { return t.params.Params() }
func (t *Token) Position() *state.Position       { return t.position.Clone() }
func (t *Token) IsInitialized() bool             { return t.position.IsInitialized }
func (t *Token) TotalCollateral() *uint256.Int   { return t.position.TotalCollateral.Clone() }
func (t *Token) TotalDebt() *uint256.Int         { return t.position.TotalDebt.Clone() }
func (t *Token) TotalSupply() *uint256.Int       { return t.position.TotalSupply.Clone() }
func (t *Token) Accounting() (Accounting, error) { return ComputeAccounting(t.Snapshot(), t.oracle) }

// LeverageRatio is zero while uninitialized.
func (t *Token) LeverageRatio() (*uint256.Int, error) {
	a, err := t.Accounting()
	if err != nil {
		return nil, err
	}
	return a.LeverageRatio, nil
}

// Price is NAV per share in debt precision.
func (t *Token) Price() (*uint256.Int, error) {
	a, err := t.Accounting()
	if err != nil {
		return nil, err
	}
	return a.NAVPerShare, nil
}

func (t *Token) CollateralPerShare() (*uint256.Int, error) {
	a, err := t.Accounting()
	if err != nil {
		return nil, err
	}
	return a.CollateralPerShare, nil
}

func (t *Token) DebtPerShare() (*uint256.Int, error) {
	a, err := t.Accounting()
	if err != nil {
		return nil, err
	}
	return a.DebtPerShare, nil
}

// Value is the total NAV in debt precision.
func (t *Token) Value() (*uint256.Int, error) {
	a, err := t.Accounting()
	if err != nil {
		return nil, err
	}
	return a.TotalValue, nil
}

// Snapshot is an immutable copy of the token's committed state.
type Snapshot struct {
	Config   Config
	Share    ledger.AssetID
	Position *state.Position
	Params   state.Params
}

func (t *Token) Snapshot() Snapshot {
	cfg := t.cfg
	cfg.Params = t.params.Params()
	return Snapshot{
		Config:   cfg,
		Share:    t.share,
		Position: t.position.Clone(),
		Params:   t.params.Params(),
	}
}

// OperationKind names what produced a receipt.
type OperationKind string

const (
	OpInitialize OperationKind = "initialize"
	OpMint       OperationKind = "mint"
	OpBurn       OperationKind = "burn"
	OpRebalance  OperationKind = "rebalance"
	OpSetParams  OperationKind = "set_params"
)

// Receipt carries the committed outcome of an operation.
type Receipt struct {
	TokenID    string            `json:"token_id"`
	Kind       OperationKind     `json:"kind"`
	Position   *state.Position   `json:"position,omitempty"`
	Params     *state.Params     `json:"params,omitempty"`
	Initialize *InitializeResult `json:"initialize,omitempty"`
	Mint       *MintResult       `json:"mint,omitempty"`
	Burn       *BurnResult       `json:"burn,omitempty"`
	Rebalance  *RebalanceResult  `json:"rebalance,omitempty"`
}

// Apply installs a receipt's state once its ledger tx has been committed.
func (t *Token) Apply(r *Receipt) error {
	if r == nil {
		return nil
	}
	if r.TokenID != t.cfg.TokenID {
		return fmt.Errorf("receipt for %s applied to %s", r.TokenID, t.cfg.TokenID)
	}
	if r.Params != nil {
		if err := t.params.Restore(*r.Params); err != nil {
			return err
		}
	}
	if r.Position != nil {
		t.position = r.Position.Clone()
	}
	return nil
}

// Restore loads committed state from a snapshot.
func (t *Token) Restore(pos *state.Position, params state.Params) error {
	if err := t.params.Restore(params); err != nil {
		return err
	}
	t.position = pos.Clone()
	return nil
}

// valueInDebt prices collateral in debt units.
func (t *Token) valueInDebt(collateral *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	return oracle.Convert(t.oracle, t.cfg.CollateralAsset, t.cfg.DebtAsset, collateral, mode)
}

// toCollateral prices debt units in collateral.
func (t *Token) toCollateral(debt *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	return oracle.Convert(t.oracle, t.cfg.DebtAsset, t.cfg.CollateralAsset, debt, mode)
}

// nextPosition reads the authoritative post-state from the pool and ledger.
func (t *Token) nextPosition(tx *ledger.Tx) *state.Position {
	next := t.position.Clone()
	next.TotalCollateral = t.pool.BalanceOfUnderlying(tx, t.address, t.cfg.CollateralAsset)
	next.TotalDebt = t.pool.BorrowBalanceCurrent(tx, t.address, t.cfg.DebtAsset)
	next.TotalSupply = tx.Balance(ledger.NewExternalAccountKey(ledger.SubTypeExternalIssuance, t.share))
	next.Version++
	return next
}

// checkResidual verifies the engine wallet holds nothing once an operation ends.
func (t *Token) checkResidual(tx *ledger.Tx, extra ...ledger.AssetID) error {
	assets := append([]ledger.AssetID{t.cfg.CollateralAsset, t.cfg.DebtAsset, t.share}, extra...)
	for _, id := range assets {
		if bal := tx.WalletBalance(t.address, id); !bal.IsZero() {
			name, _ := ledger.GetAssetName(id)
			return fmt.Errorf("%w: %s %s", state.ErrResidualBalance, bal.Dec(), name)
		}
	}
	return nil
}

// checkSolvent verifies a candidate position keeps NAV positive.
func (t *Token) checkSolvent(next *state.Position) error {
	snap := t.Snapshot()
	snap.Position = next
	if err := next.CheckInvariant(); err != nil {
		return err
	}
	_, err := ComputeAccounting(snap, t.oracle)
	return err
}

func (t *Token) acceptsAsset(id ledger.AssetID) error {
	if id == t.share {
		return fmt.Errorf("%w: share asset", state.ErrInvalidAsset)
	}
	if _, err := ledger.Decimals(id); err != nil {
		return fmt.Errorf("%w: %v", state.ErrInvalidAsset, err)
	}
	return nil
}

func (t *Token) requireInitialized() error {
	if !t.position.IsInitialized {
		return fmt.Errorf("%w: %s", state.ErrNotInitialized, t.cfg.TokenID)
	}
	return nil
}
