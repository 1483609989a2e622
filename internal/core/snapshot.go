package core

import (
	"fmt"

	"LevLedger/internal/ledger"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"

	"github.com/holiman/uint256"
)

// SnapshotState holds the in-memory state needed for a warm restart.
type SnapshotState struct {
	Sequence        int64 // last assigned sequence
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]*uint256.Int
	Prices          map[ledger.AssetID]oracle.PriceState
	Tokens          map[string]TokenState
	SequenceState   map[string]int64
	IdempotencyKeys []string // composite keys, oldest first
}

// TokenState is the committed state of one token.
type TokenState struct {
	Position *state.Position
	Params   state.Params
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	tokens := make(map[string]TokenState, len(c.tokens))
	for id, tok := range c.tokens {
		tokens[id] = TokenState{Position: tok.Position(), Params: tok.Params()}
	}
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.tracker.Snapshot(),
		Prices:          c.prices.Assets(),
		Tokens:          tokens,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot loads a snapshot; the caller then replays the log from
// Sequence+1. Everything is validated before any state is replaced.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	for id, ts := range snap.Tokens {
		if _, ok := c.tokens[id]; !ok {
			return fmt.Errorf("snapshot: %w: %s", state.ErrUnknownToken, id)
		}
		if ts.Position == nil {
			return fmt.Errorf("snapshot: token %s has no position", id)
		}
		if err := state.ValidateParams(ts.Params); err != nil {
			return fmt.Errorf("snapshot: token %s: %w", id, err)
		}
	}
	if err := c.prices.Restore(snap.Prices); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.Restore(snap.StateHash)
	c.tracker.Restore(snap.Balances)

	for id, ts := range snap.Tokens {
		if err := c.tokens[id].Restore(ts.Position, ts.Params); err != nil {
			return fmt.Errorf("snapshot: token %s: %w", id, err)
		}
	}
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)

	if err := c.VerifyConservation(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	c.publishView()
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}
