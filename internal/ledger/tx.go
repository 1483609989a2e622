package ledger

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Tx stages balance changes for one command. Nothing reaches the tracker
// until Commit, so a failed command leaves no trace.
type Tx struct {
	bt        *BalanceTracker
	staged    map[AccountKey]*uint256.Int
	journals  []Journal
	batchID   uuid.UUID
	eventRef  string
	sequence  int64
	timestamp int64
	closed    bool
}

// Begin opens a tx reading through to the tracker's committed balances.
func (bt *BalanceTracker) Begin(eventRef string, sequence, timestamp int64) *Tx {
	return &Tx{
		bt:        bt,
		staged:    make(map[AccountKey]*uint256.Int),
		batchID:   uuid.New(),
		eventRef:  eventRef,
		sequence:  sequence,
		timestamp: timestamp,
	}
}

func (tx *Tx) EventRef() string { return tx.eventRef }
func (tx *Tx) Sequence() int64  { return tx.sequence }
func (tx *Tx) Timestamp() int64 { return tx.timestamp }

// Discard closes the tx without applying it.
func (tx *Tx) Discard() {
	tx.closed = true
}

// Balance returns the staged balance of key, falling back to the committed one.
func (tx *Tx) Balance(key AccountKey) *uint256.Int {
	if v, ok := tx.staged[key]; ok {
		return v.Clone()
	}
	return tx.bt.GetBalance(key)
}

// WalletBalance returns the staged spendable balance of addr.
func (tx *Tx) WalletBalance(addr common.Address, assetID AssetID) *uint256.Int {
	return tx.Balance(WalletKey(addr, assetID))
}

// Post moves amount from credit to debit. Zero amounts are a no-op.
func (tx *Tx) Post(debit, credit AccountKey, amount *uint256.Int, jt JournalType) error {
	if tx.closed {
		return ErrTxClosed
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	if debit.AssetID != credit.AssetID {
		return fmt.Errorf("journal %s: asset mismatch %d vs %d", jt, debit.AssetID, credit.AssetID)
	}
	if debit == credit {
		return fmt.Errorf("journal %s: self transfer on %s", jt, debit.AccountPath())
	}

	nextCredit, err := tx.decrease(credit, amount)
	if err != nil {
		return err
	}
	nextDebit, err := tx.increase(debit, amount)
	if err != nil {
		return err
	}
	tx.staged[credit] = nextCredit
	tx.staged[debit] = nextDebit

	tx.journals = append(tx.journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       tx.batchID,
		EventRef:      tx.eventRef,
		Sequence:      tx.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     tx.timestamp,
	})
	return nil
}

// increase returns the balance of key after it is debited. External accounts
// take back issuance when debited.
func (tx *Tx) increase(key AccountKey, amount *uint256.Int) (*uint256.Int, error) {
	current := tx.Balance(key)
	if key.IsExternal() {
		if current.Lt(amount) {
			return nil, fmt.Errorf("%w: %s outstanding %s, returning %s",
				ErrInsufficientBalance, key.AccountPath(), current.Dec(), amount.Dec())
		}
		return current.Sub(current, amount), nil
	}
	if _, overflow := current.AddOverflow(current, amount); overflow {
		return nil, fmt.Errorf("balance overflow on %s", key.AccountPath())
	}
	return current, nil
}

// decrease returns the balance of key after it is credited. External accounts
// grow their outstanding issuance when credited.
func (tx *Tx) decrease(key AccountKey, amount *uint256.Int) (*uint256.Int, error) {
	current := tx.Balance(key)
	if key.IsExternal() {
		if _, overflow := current.AddOverflow(current, amount); overflow {
			return nil, fmt.Errorf("issuance overflow on %s", key.AccountPath())
		}
		return current, nil
	}
	if current.Lt(amount) {
		return nil, fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientBalance, key.AccountPath(), current.Dec(), amount.Dec())
	}
	return current.Sub(current, amount), nil
}

// Transfer moves spendable funds between two principals.
func (tx *Tx) Transfer(from, to common.Address, assetID AssetID, amount *uint256.Int, jt JournalType) error {
	return tx.Post(WalletKey(to, assetID), WalletKey(from, assetID), amount, jt)
}

// Issue credits to from the external account of the given sub-type.
func (tx *Tx) Issue(to AccountKey, source AccountSubType, amount *uint256.Int, jt JournalType) error {
	return tx.Post(to, NewExternalAccountKey(source, to.AssetID), amount, jt)
}

// Retire returns funds from an account to the external account of the given sub-type.
func (tx *Tx) Retire(from AccountKey, sink AccountSubType, amount *uint256.Int, jt JournalType) error {
	return tx.Post(NewExternalAccountKey(sink, from.AssetID), from, amount, jt)
}

// Journals returns the journals posted so far.
func (tx *Tx) Journals() []Journal {
	out := make([]Journal, len(tx.journals))
	copy(out, tx.journals)
	return out
}

// Touched returns every account changed by the tx in canonical order.
func (tx *Tx) Touched() []AccountKey {
	keys := make([]AccountKey, 0, len(tx.staged))
	for k := range tx.staged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func (tx *Tx) batch() *Batch {
	return &Batch{
		BatchID:   tx.batchID,
		EventRef:  tx.eventRef,
		Sequence:  tx.sequence,
		Timestamp: tx.timestamp,
		Journals:  tx.Journals(),
	}
}
