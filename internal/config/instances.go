package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"LevLedger/internal/core"
	"LevLedger/internal/flash"
	"LevLedger/internal/ledger"
	"LevLedger/internal/lending"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"
	"LevLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// Instances describes the world the core hosts. Amounts and ratios are
// base-10 integer strings; ratios and prices use the 1e18 scale.
type Instances struct {
	Assets []AssetConfig     `yaml:"assets"`
	Prices map[string]string `yaml:"prices"`
	Pool   PoolConfig        `yaml:"pool"`
	Venue  VenueConfig       `yaml:"venue"`
	Tokens []TokenConfig     `yaml:"tokens"`
}

type AssetConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

type PoolConfig struct {
	Name    string         `yaml:"name"`
	Markets []MarketConfig `yaml:"markets"`
}

type MarketConfig struct {
	Asset            string `yaml:"asset"`
	CollateralFactor string `yaml:"collateral_factor"`
}

type VenueConfig struct {
	Name string `yaml:"name"`
	Fee  string `yaml:"fee"`
}

type TokenConfig struct {
	ID           string       `yaml:"id"`
	Symbol       string       `yaml:"symbol"`
	Owner        string       `yaml:"owner"`
	FeeRecipient string       `yaml:"fee_recipient"`
	Collateral   string       `yaml:"collateral"`
	Debt         string       `yaml:"debt"`
	Params       ParamsConfig `yaml:"params"`
}

// ParamsConfig overrides the default params field by field. Empty fields
// keep the default.
type ParamsConfig struct {
	MinLeverageRatio string `yaml:"min_leverage_ratio"`
	MaxLeverageRatio string `yaml:"max_leverage_ratio"`
	Step             string `yaml:"step"`
	MaxDrift         string `yaml:"max_drift"`
	MaxIncentive     string `yaml:"max_incentive"`
	Fees             string `yaml:"fees"`
	MaxMint          string `yaml:"max_mint"`
	MaxSupply        string `yaml:"max_supply"`
}

// LoadInstances reads and validates an instances file.
func LoadInstances(path string) (*Instances, error) {
	if path == "" {
		return nil, fmt.Errorf("instances path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instances: %w", err)
	}
	defer file.Close()
	return DecodeInstances(file)
}

func DecodeInstances(r io.Reader) (*Instances, error) {
	var inst Instances
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&inst); err != nil {
		return nil, fmt.Errorf("decode instances: %w", err)
	}
	inst.normalize()
	if err := inst.validate(); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (in *Instances) normalize() {
	for i := range in.Assets {
		in.Assets[i].Symbol = strings.ToUpper(strings.TrimSpace(in.Assets[i].Symbol))
	}
	if in.Pool.Name == "" {
		in.Pool.Name = "lending-pool"
	}
	if in.Venue.Name == "" {
		in.Venue.Name = "flash-venue"
	}
	for i := range in.Tokens {
		t := &in.Tokens[i]
		t.ID = strings.TrimSpace(t.ID)
		if t.Symbol == "" {
			t.Symbol = t.ID
		}
	}
}

func (in *Instances) validate() error {
	if len(in.Tokens) == 0 {
		return fmt.Errorf("instances: at least one token is required")
	}
	seen := make(map[string]bool, len(in.Tokens))
	for _, t := range in.Tokens {
		if t.ID == "" {
			return fmt.Errorf("instances: token id is required")
		}
		if seen[t.ID] {
			return fmt.Errorf("instances: duplicate token %s", t.ID)
		}
		seen[t.ID] = true
		if !common.IsHexAddress(t.Owner) {
			return fmt.Errorf("token %s: invalid owner %q", t.ID, t.Owner)
		}
		if !common.IsHexAddress(t.FeeRecipient) {
			return fmt.Errorf("token %s: invalid fee_recipient %q", t.ID, t.FeeRecipient)
		}
		if t.Collateral == "" || t.Debt == "" || t.Collateral == t.Debt {
			return fmt.Errorf("token %s: collateral and debt must be distinct assets", t.ID)
		}
	}
	return nil
}

func amountField(name, s string) (*uint256.Int, error) {
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func asset(symbol string) (ledger.AssetID, error) {
	id, ok := ledger.GetAssetID(strings.ToUpper(symbol))
	if !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrUnknownAsset, symbol)
	}
	return id, nil
}

// Params applies the overrides to the defaults and validates the result.
func (pc ParamsConfig) Params() (state.Params, error) {
	p := state.DefaultParams()
	for _, f := range []struct {
		name string
		raw  string
		dst  **uint256.Int
	}{
		{"min_leverage_ratio", pc.MinLeverageRatio, &p.MinLeverageRatio},
		{"max_leverage_ratio", pc.MaxLeverageRatio, &p.MaxLeverageRatio},
		{"step", pc.Step, &p.Step},
		{"max_drift", pc.MaxDrift, &p.MaxDrift},
		{"max_incentive", pc.MaxIncentive, &p.MaxIncentive},
		{"fees", pc.Fees, &p.Fees},
		{"max_mint", pc.MaxMint, &p.MaxMint},
		{"max_supply", pc.MaxSupply, &p.MaxSupply},
	} {
		if f.raw == "" {
			continue
		}
		v, err := amountField(f.name, f.raw)
		if err != nil {
			return state.Params{}, err
		}
		*f.dst = v
	}
	if err := state.ValidateParams(p); err != nil {
		return state.Params{}, err
	}
	return p, nil
}

// Build registers assets in file order and constructs the core's world.
// Bootstrap prices get price sequence 0, so any PriceUpdate supersedes
// them. Pool and venue liquidity arrive as deposits to their addresses.
func (in *Instances) Build() (core.Components, error) {
	for _, a := range in.Assets {
		if _, err := ledger.RegisterAsset(a.Symbol, a.Decimals); err != nil {
			return core.Components{}, err
		}
	}

	prices := oracle.NewPriceBook()
	for symbol, raw := range in.Prices {
		id, err := asset(symbol)
		if err != nil {
			return core.Components{}, fmt.Errorf("prices: %w", err)
		}
		price, err := amountField("price "+symbol, raw)
		if err != nil {
			return core.Components{}, err
		}
		if _, err := prices.UpdatePrice(id, price, 0, 0); err != nil {
			return core.Components{}, fmt.Errorf("prices: %w", err)
		}
	}

	pool := lending.NewPool(in.Pool.Name, prices)
	for _, m := range in.Pool.Markets {
		id, err := asset(m.Asset)
		if err != nil {
			return core.Components{}, fmt.Errorf("pool: %w", err)
		}
		cf, err := amountField("collateral_factor", m.CollateralFactor)
		if err != nil {
			return core.Components{}, fmt.Errorf("pool market %s: %w", m.Asset, err)
		}
		if err := pool.ListMarket(id, cf); err != nil {
			return core.Components{}, fmt.Errorf("pool market %s: %w", m.Asset, err)
		}
	}

	fee, err := amountField("venue fee", in.Venue.Fee)
	if err != nil {
		return core.Components{}, err
	}
	venue, err := flash.NewVenue(in.Venue.Name, prices, fee)
	if err != nil {
		return core.Components{}, err
	}

	comps := core.Components{
		Tracker: ledger.NewBalanceTracker(),
		Prices:  prices,
		Pool:    pool,
		Venue:   venue,
	}
	for _, t := range in.Tokens {
		collateral, err := asset(t.Collateral)
		if err != nil {
			return core.Components{}, fmt.Errorf("token %s collateral: %w", t.ID, err)
		}
		debt, err := asset(t.Debt)
		if err != nil {
			return core.Components{}, fmt.Errorf("token %s debt: %w", t.ID, err)
		}
		params, err := t.Params.Params()
		if err != nil {
			return core.Components{}, fmt.Errorf("token %s params: %w", t.ID, err)
		}
		tok, err := token.New(token.Config{
			TokenID:         t.ID,
			Symbol:          t.Symbol,
			Owner:           common.HexToAddress(t.Owner),
			FeeRecipient:    common.HexToAddress(t.FeeRecipient),
			CollateralAsset: collateral,
			DebtAsset:       debt,
			Params:          params,
		}, prices, pool, venue)
		if err != nil {
			return core.Components{}, fmt.Errorf("token %s: %w", t.ID, err)
		}
		comps.Tokens = append(comps.Tokens, tok)
	}
	return comps, nil
}
