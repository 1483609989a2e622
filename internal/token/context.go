package token

import (
	"fmt"

	"LevLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/ugorji/go/codec"
)

// contextKind tags the operation a flash callback continues.
type contextKind uint8

const (
	kindInitialize contextKind = iota + 1
	kindBuy
	kindBurn
)

func (k contextKind) String() string {
	switch k {
	case kindInitialize:
		return "initialize"
	case kindBuy:
		return "buy"
	case kindBurn:
		return "burn"
	default:
		return fmt.Sprintf("kind_%d", uint8(k))
	}
}

type word [32]byte

func toWord(v *uint256.Int) word {
	return word(v.Bytes32())
}

func (w word) Int() *uint256.Int {
	return new(uint256.Int).SetBytes32(w[:])
}

type principal [common.AddressLength]byte

func (p principal) Address() common.Address {
	return common.Address(p)
}

// flashContext is the value threaded through the flash swap. Exactly one
// branch is set and it matches Kind.
type flashContext struct {
	Kind       contextKind        `codec:"k"`
	Initialize *initializeContext `codec:"i,omitempty"`
	Buy        *buyContext        `codec:"b,omitempty"`
	Burn       *burnContext       `codec:"r,omitempty"`
}

type initializeContext struct {
	Initializer    principal `codec:"initializer"`
	TargetLeverage word      `codec:"target_leverage"`
	NAV            word      `codec:"nav"`
	Collateral     word      `codec:"collateral"`
	Debt           word      `codec:"debt"`
	Shares         word      `codec:"shares"`
	PaymentAsset   uint16    `codec:"payment_asset"`
	PaymentAmount  word      `codec:"payment_amount"`
}

type buyContext struct {
	Buyer        principal `codec:"buyer"`
	Recipient    principal `codec:"recipient"`
	FundingAsset uint16    `codec:"funding_asset"`
	Collateral   word      `codec:"collateral"`
	Debt         word      `codec:"debt"`
	Shares       word      `codec:"shares"`
	Fee          word      `codec:"fee"`
	MaxAmountIn  word      `codec:"max_amount_in"`
	NAVPerShare  word      `codec:"nav_per_share"`
}

type burnContext struct {
	Owner       principal `codec:"owner"`
	Recipient   principal `codec:"recipient"`
	OutputAsset uint16    `codec:"output_asset"`
	Collateral  word      `codec:"collateral"`
	Debt        word      `codec:"debt"`
	Shares      word      `codec:"shares"`
	Fee         word      `codec:"fee"`
	NAVPerShare word      `codec:"nav_per_share"`
}

func (c *initializeContext) paymentAsset() ledger.AssetID { return ledger.AssetID(c.PaymentAsset) }
func (c *buyContext) fundingAsset() ledger.AssetID        { return ledger.AssetID(c.FundingAsset) }
func (c *burnContext) outputAsset() ledger.AssetID        { return ledger.AssetID(c.OutputAsset) }

var msgpack codec.MsgpackHandle

func encodeContext(ctx flashContext) ([]byte, error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, &msgpack).Encode(ctx); err != nil {
		return nil, fmt.Errorf("encode flash context: %w", err)
	}
	return out, nil
}

func decodeContext(data []byte) (flashContext, error) {
	var ctx flashContext
	if err := codec.NewDecoderBytes(data, &msgpack).Decode(&ctx); err != nil {
		return flashContext{}, fmt.Errorf("decode flash context: %w", err)
	}
	if err := ctx.validate(); err != nil {
		return flashContext{}, err
	}
	return ctx, nil
}

func (c flashContext) validate() error {
	set := 0
	if c.Initialize != nil {
		set++
	}
	if c.Buy != nil {
		set++
	}
	if c.Burn != nil {
		set++
	}
	ok := set == 1 &&
		(c.Kind == kindInitialize && c.Initialize != nil ||
			c.Kind == kindBuy && c.Buy != nil ||
			c.Kind == kindBurn && c.Burn != nil)
	if !ok {
		return fmt.Errorf("malformed flash context (kind %s)", c.Kind)
	}
	return nil
}
