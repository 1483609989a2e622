package persistence

import (
	"fmt"
	"sort"
	"time"

	"LevLedger/internal/core"
	"LevLedger/internal/ledger"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SnapshotData is the stored form of core.SnapshotState. Assets are stored
// by symbol and amounts as base-10 strings, so a snapshot stays readable
// and independent of in-process asset ids.
type SnapshotData struct {
	Sequence        int64                `json:"sequence"`
	StateHash       []byte               `json:"state_hash"`
	Balances        []BalanceSnap        `json:"balances"`
	Prices          map[string]PriceSnap `json:"prices"`
	Tokens          map[string]TokenSnap `json:"tokens"`
	SequenceState   map[string]int64     `json:"sequence_state"`
	IdempotencyKeys []string             `json:"idempotency_keys"`
	CreatedAt       time.Time            `json:"created_at"`
}

type BalanceSnap struct {
	Scope   uint8  `json:"scope"`
	Entity  string `json:"entity"`
	SubType uint8  `json:"sub_type"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type PriceSnap struct {
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	Timestamp     int64  `json:"timestamp"`
}

type TokenSnap struct {
	TotalCollateral string     `json:"total_collateral"`
	TotalDebt       string     `json:"total_debt"`
	TotalSupply     string     `json:"total_supply"`
	IsInitialized   bool       `json:"is_initialized"`
	Version         int64      `json:"version"`
	Params          ParamsSnap `json:"params"`
}

type ParamsSnap struct {
	MinLeverageRatio string `json:"min_leverage_ratio"`
	MaxLeverageRatio string `json:"max_leverage_ratio"`
	Step             string `json:"step"`
	MaxDrift         string `json:"max_drift"`
	MaxIncentive     string `json:"max_incentive"`
	Fees             string `json:"fees"`
	MaxMint          string `json:"max_mint"`
	MaxSupply        string `json:"max_supply"`
	EffectiveSeq     int64  `json:"effective_seq"`
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func assetSymbol(id ledger.AssetID) (string, error) {
	name, ok := ledger.GetAssetName(id)
	if !ok {
		return "", fmt.Errorf("%w: id %d", ledger.ErrUnknownAsset, id)
	}
	return name, nil
}

func assetID(symbol string) (ledger.AssetID, error) {
	id, ok := ledger.GetAssetID(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrUnknownAsset, symbol)
	}
	return id, nil
}

// EncodeParams converts params to their stored form.
func EncodeParams(p state.Params) ParamsSnap {
	return ParamsSnap{
		MinLeverageRatio: dec(p.MinLeverageRatio),
		MaxLeverageRatio: dec(p.MaxLeverageRatio),
		Step:             dec(p.Step),
		MaxDrift:         dec(p.MaxDrift),
		MaxIncentive:     dec(p.MaxIncentive),
		Fees:             dec(p.Fees),
		MaxMint:          dec(p.MaxMint),
		MaxSupply:        dec(p.MaxSupply),
		EffectiveSeq:     p.EffectiveSeq,
	}
}

// Decode parses stored params. It does not validate them.
func (ps ParamsSnap) Decode() (state.Params, error) {
	p := state.Params{EffectiveSeq: ps.EffectiveSeq}
	for _, f := range []struct {
		dst **uint256.Int
		src string
	}{
		{&p.MinLeverageRatio, ps.MinLeverageRatio},
		{&p.MaxLeverageRatio, ps.MaxLeverageRatio},
		{&p.Step, ps.Step},
		{&p.MaxDrift, ps.MaxDrift},
		{&p.MaxIncentive, ps.MaxIncentive},
		{&p.Fees, ps.Fees},
		{&p.MaxMint, ps.MaxMint},
		{&p.MaxSupply, ps.MaxSupply},
	} {
		v, err := fpmath.ParseAmount(f.src)
		if err != nil {
			return state.Params{}, err
		}
		*f.dst = v
	}
	return p, nil
}

// EncodeSnapshot converts core state into its stored form.
func EncodeSnapshot(s *core.SnapshotState, createdAt time.Time) (*SnapshotData, error) {
	d := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Balances:        make([]BalanceSnap, 0, len(s.Balances)),
		Prices:          make(map[string]PriceSnap, len(s.Prices)),
		Tokens:          make(map[string]TokenSnap, len(s.Tokens)),
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt.UTC(),
	}

	keys := make([]ledger.AccountKey, 0, len(s.Balances))
	for k := range s.Balances {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		sym, err := assetSymbol(k.AssetID)
		if err != nil {
			return nil, err
		}
		d.Balances = append(d.Balances, BalanceSnap{
			Scope:   uint8(k.Scope),
			Entity:  k.EntityID.Hex(),
			SubType: uint8(k.SubType),
			Asset:   sym,
			Amount:  dec(s.Balances[k]),
		})
	}

	for id, ps := range s.Prices {
		sym, err := assetSymbol(id)
		if err != nil {
			return nil, err
		}
		d.Prices[sym] = PriceSnap{Price: dec(ps.Price), PriceSequence: ps.PriceSequence, Timestamp: ps.Timestamp}
	}

	for id, ts := range s.Tokens {
		if ts.Position == nil {
			return nil, fmt.Errorf("token %s has no position", id)
		}
		d.Tokens[id] = TokenSnap{
			TotalCollateral: dec(ts.Position.TotalCollateral),
			TotalDebt:       dec(ts.Position.TotalDebt),
			TotalSupply:     dec(ts.Position.TotalSupply),
			IsInitialized:   ts.Position.IsInitialized,
			Version:         ts.Position.Version,
			Params:          EncodeParams(ts.Params),
		}
	}
	return d, nil
}

// Decode rebuilds core state. Every asset symbol must already be registered,
// which holds once the configured tokens exist.
func (d *SnapshotData) Decode() (*core.SnapshotState, error) {
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        make(map[ledger.AccountKey]*uint256.Int, len(d.Balances)),
		Prices:          make(map[ledger.AssetID]oracle.PriceState, len(d.Prices)),
		Tokens:          make(map[string]core.TokenState, len(d.Tokens)),
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	if len(d.StateHash) != len(s.StateHash) {
		return nil, fmt.Errorf("state hash has %d bytes", len(d.StateHash))
	}
	copy(s.StateHash[:], d.StateHash)

	for _, b := range d.Balances {
		id, err := assetID(b.Asset)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(b.Entity) {
			return nil, fmt.Errorf("balance entity %q is not an address", b.Entity)
		}
		amount, err := fpmath.ParseAmount(b.Amount)
		if err != nil {
			return nil, fmt.Errorf("balance %s/%s: %w", b.Entity, b.Asset, err)
		}
		key := ledger.AccountKey{
			Scope:    ledger.AccountScope(b.Scope),
			EntityID: common.HexToAddress(b.Entity),
			SubType:  ledger.AccountSubType(b.SubType),
			AssetID:  id,
		}
		s.Balances[key] = amount
	}

	for sym, ps := range d.Prices {
		id, err := assetID(sym)
		if err != nil {
			return nil, err
		}
		price, err := fpmath.ParseAmount(ps.Price)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", sym, err)
		}
		s.Prices[id] = oracle.PriceState{Price: price, PriceSequence: ps.PriceSequence, Timestamp: ps.Timestamp}
	}

	for id, ts := range d.Tokens {
		pos := state.NewPosition(id)
		for _, f := range []struct {
			dst **uint256.Int
			src string
		}{
			{&pos.TotalCollateral, ts.TotalCollateral},
			{&pos.TotalDebt, ts.TotalDebt},
			{&pos.TotalSupply, ts.TotalSupply},
		} {
			v, err := fpmath.ParseAmount(f.src)
			if err != nil {
				return nil, fmt.Errorf("token %s: %w", id, err)
			}
			*f.dst = v
		}
		pos.IsInitialized = ts.IsInitialized
		pos.Version = ts.Version

		params, err := ts.Params.Decode()
		if err != nil {
			return nil, fmt.Errorf("token %s params: %w", id, err)
		}
		s.Tokens[id] = core.TokenState{Position: pos, Params: params}
	}
	return s, nil
}

func sortKeys(keys []ledger.AccountKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
