package oracle

import (
	"fmt"

	"LevLedger/internal/ledger"
	fpmath "LevLedger/internal/math"

	"github.com/holiman/uint256"
)

// PriceState tracks the latest price per asset
type PriceState struct {
	Price         *uint256.Int
	PriceSequence int64
	Timestamp     int64
}

// PriceBook is an Oracle fed by ordered price updates. It is owned by the
// core goroutine; readers on other goroutines use a Clone.
type PriceBook struct {
	prices map[ledger.AssetID]*PriceState
}

func NewPriceBook() *PriceBook {
	return &PriceBook{prices: make(map[ledger.AssetID]*PriceState)}
}

// UpdatePrice applies a price update. Stale or duplicate sequences are ignored
// and gaps are accepted. Returns whether the price changed.
func (pb *PriceBook) UpdatePrice(asset ledger.AssetID, price *uint256.Int, sequence, timestamp int64) (bool, error) {
	if price == nil || price.IsZero() {
		return false, fmt.Errorf("%w: asset %d", ErrZeroPrice, asset)
	}
	if _, err := ledger.Decimals(asset); err != nil {
		return false, err
	}

	if current := pb.prices[asset]; current != nil && sequence <= current.PriceSequence {
		return false, nil
	}

	pb.prices[asset] = &PriceState{
		Price:         price.Clone(),
		PriceSequence: sequence,
		Timestamp:     timestamp,
	}
	return true, nil
}

// State returns the stored state for an asset.
func (pb *PriceBook) State(asset ledger.AssetID) (PriceState, bool) {
	s, ok := pb.prices[asset]
	if !ok {
		return PriceState{}, false
	}
	return PriceState{Price: s.Price.Clone(), PriceSequence: s.PriceSequence, Timestamp: s.Timestamp}, true
}

// Assets returns every priced asset.
func (pb *PriceBook) Assets() map[ledger.AssetID]PriceState {
	out := make(map[ledger.AssetID]PriceState, len(pb.prices))
	for id := range pb.prices {
		out[id], _ = pb.State(id)
	}
	return out
}

func (pb *PriceBook) Price(asset ledger.AssetID) (*uint256.Int, error) {
	s, ok := pb.prices[asset]
	if !ok {
		name, _ := ledger.GetAssetName(asset)
		return nil, fmt.Errorf("%w: %s (id %d)", ErrAssetNotConfigured, name, asset)
	}
	return s.Price.Clone(), nil
}

func (pb *PriceBook) PriceOf(base, quote ledger.AssetID) (*uint256.Int, error) {
	bd, err := ledger.Decimals(base)
	if err != nil {
		return nil, err
	}
	return Convert(pb, base, quote, fpmath.Pow10(bd), fpmath.RoundDown)
}

func (pb *PriceBook) TotalValue(base, quote ledger.AssetID, amount *uint256.Int) (*uint256.Int, error) {
	return Convert(pb, base, quote, amount, fpmath.RoundDown)
}

// Clone returns an independent copy for readers outside the core goroutine.
func (pb *PriceBook) Clone() *PriceBook {
	out := NewPriceBook()
	for id, s := range pb.prices {
		out.prices[id] = &PriceState{Price: s.Price.Clone(), PriceSequence: s.PriceSequence, Timestamp: s.Timestamp}
	}
	return out
}

// Restore replaces every price, used when loading a snapshot.
func (pb *PriceBook) Restore(prices map[ledger.AssetID]PriceState) error {
	next := make(map[ledger.AssetID]*PriceState, len(prices))
	for id, s := range prices {
		if s.Price == nil || s.Price.IsZero() {
			return fmt.Errorf("%w: asset %d", ErrZeroPrice, id)
		}
		next[id] = &PriceState{Price: s.Price.Clone(), PriceSequence: s.PriceSequence, Timestamp: s.Timestamp}
	}
	pb.prices = next
	return nil
}
