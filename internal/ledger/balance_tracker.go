package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrTxClosed            = errors.New("ledger tx already committed or discarded")
)

// BalanceTracker maintains in-memory account balances. Internal accounts hold
// non-negative balances. External accounts hold the amount they have issued
// into the ledger and not yet taken back, so for every asset the internal
// balances sum to the external outstanding.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// GetWalletBalance returns the spendable balance of addr.
func (bt *BalanceTracker) GetWalletBalance(addr common.Address, assetID AssetID) *uint256.Int {
	return bt.GetBalance(WalletKey(addr, assetID))
}

// Outstanding returns what external accounts of subType have issued for an
// asset. For share assets this is the total supply.
func (bt *BalanceTracker) Outstanding(subType AccountSubType, assetID AssetID) *uint256.Int {
	return bt.GetBalance(NewExternalAccountKey(subType, assetID))
}

// ApplyBatch applies all journals in a batch atomically.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	tx := bt.Begin(batch.EventRef, batch.Sequence, batch.Timestamp)
	for _, j := range batch.Journals {
		if err := tx.Post(j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType); err != nil {
			tx.Discard()
			return err
		}
	}
	_, err := bt.Commit(tx)
	return err
}

// ComputeGlobalBalance returns, per asset, internal total and external outstanding.
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID][2]*uint256.Int {
	totals := make(map[AssetID][2]*uint256.Int)

	for key, balance := range bt.balances {
		pair, ok := totals[key.AssetID]
		if !ok {
			pair = [2]*uint256.Int{new(uint256.Int), new(uint256.Int)}
		}
		if key.IsExternal() {
			pair[1].Add(pair[1], balance)
		} else {
			pair[0].Add(pair[0], balance)
		}
		totals[key.AssetID] = pair
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v.Clone()
	}
	return snapshot
}

// Restore replaces all balances, used when loading a snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]*uint256.Int) {
	bt.balances = make(map[AccountKey]*uint256.Int, len(balances))
	for k, v := range balances {
		if !v.IsZero() {
			bt.balances[k] = v.Clone()
		}
	}
}

// SortedKeys returns all non-zero account keys in canonical order.
func (bt *BalanceTracker) SortedKeys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Commit applies a tx's staged balances and returns its batch. A tx without
// journals commits to a nil batch.
func (bt *BalanceTracker) Commit(tx *Tx) (*Batch, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if tx.bt != bt {
		return nil, fmt.Errorf("tx belongs to a different tracker")
	}
	tx.closed = true

	if len(tx.journals) == 0 {
		return nil, nil
	}

	batch := tx.batch()
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	for key, v := range tx.staged {
		if v.IsZero() {
			delete(bt.balances, key)
			continue
		}
		bt.balances[key] = v
	}

	return batch, nil
}
