package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CommandHeader is shared by every command addressed to one token. Commands
// of a token are sequenced in their own partition.
type CommandHeader struct {
	CommandID uuid.UUID `json:"command_id"`
	Token     string    `json:"token_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"` // epoch microseconds
}

func (h *CommandHeader) IdempotencyKey() string {
	return h.CommandID.String()
}

func (h *CommandHeader) TokenID() *string {
	s := h.Token
	return &s
}

func (h *CommandHeader) SourceSequence() int64 {
	return h.Sequence
}

func (h *CommandHeader) EventTime() int64 {
	return h.Timestamp
}

// InitializeToken opens the position of a token. Owner only.
type InitializeToken struct {
	CommandHeader
	Caller         common.Address `json:"caller"`
	CollateralMin  *uint256.Int   `json:"collateral_min"`
	NAV            *uint256.Int   `json:"nav"`             // initial NAV per share, debt precision
	TargetLeverage *uint256.Int   `json:"target_leverage"` // 1e18 scale
	PaymentAsset   string         `json:"payment_asset"`
	PaymentAmount  *uint256.Int   `json:"payment_amount"`
}

func (c *InitializeToken) EventType() EventType { return EventTypeInitializeToken }

// MintShares buys shares funded in FundingAsset.
type MintShares struct {
	CommandHeader
	Buyer           common.Address `json:"buyer"`
	Recipient       common.Address `json:"recipient"`
	RefundRecipient common.Address `json:"refund_recipient"`
	Shares          *uint256.Int   `json:"shares"`
	FundingAsset    string         `json:"funding_asset"`
	MaxAmountIn     *uint256.Int   `json:"max_amount_in"`
}

func (c *MintShares) EventType() EventType { return EventTypeMintShares }

// BurnShares redeems shares into OutputAsset.
type BurnShares struct {
	CommandHeader
	Owner        common.Address `json:"owner"`
	Recipient    common.Address `json:"recipient"`
	Shares       *uint256.Int   `json:"shares"`
	OutputAsset  string         `json:"output_asset"`
	MinAmountOut *uint256.Int   `json:"min_amount_out"`
}

func (c *BurnShares) EventType() EventType { return EventTypeBurnShares }

// Rebalance executes one push or pull primitive. Amount is the input of a
// push and the output of a pull.
type Rebalance struct {
	CommandHeader
	Caller       common.Address `json:"caller"`
	Recipient    common.Address `json:"recipient"`
	Op           string         `json:"op"`
	Amount       *uint256.Int   `json:"amount"`
	MinAmountOut *uint256.Int   `json:"min_amount_out,omitempty"`
	MaxAmountIn  *uint256.Int   `json:"max_amount_in,omitempty"`
}

func (c *Rebalance) EventType() EventType { return EventTypeRebalance }

// SetParams replaces the whole params value of a token. Owner only; the
// value is validated jointly before it takes effect.
type SetParams struct {
	CommandHeader
	Caller           common.Address `json:"caller"`
	MinLeverageRatio *uint256.Int   `json:"min_leverage_ratio"`
	MaxLeverageRatio *uint256.Int   `json:"max_leverage_ratio"`
	Step             *uint256.Int   `json:"step"`
	MaxDrift         *uint256.Int   `json:"max_drift"`
	MaxIncentive     *uint256.Int   `json:"max_incentive"`
	Fees             *uint256.Int   `json:"fees"`
	MaxMint          *uint256.Int   `json:"max_mint,omitempty"`
	MaxSupply        *uint256.Int   `json:"max_supply,omitempty"`
	EffectiveSeq     int64          `json:"effective_seq"`
}

func (c *SetParams) EventType() EventType { return EventTypeSetParams }
