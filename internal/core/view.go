package core

import (
	"fmt"
	"sort"

	"LevLedger/internal/ledger"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"
	"LevLedger/internal/token"

	"github.com/holiman/uint256"
)

// ReadView is an immutable copy of committed state, published after every
// sequence. Query handlers and keepers read it from any goroutine.
type ReadView struct {
	Sequence  int64 // last assigned sequence, -1 before the first command
	StateHash [32]byte
	prices    *oracle.PriceBook
	tokens    map[string]token.Snapshot
	nextSeq   map[string]int64
	ids       []string
}

func (c *DeterministicCore) publishView() {
	v := &ReadView{
		Sequence:  c.sequence - 1,
		StateHash: c.hasher.GetPrevHash(),
		prices:    c.prices.Clone(),
		tokens:    make(map[string]token.Snapshot, len(c.tokens)),
		nextSeq:   make(map[string]int64, len(c.tokens)),
		ids:       make([]string, 0, len(c.tokens)),
	}
	for id, tok := range c.tokens {
		v.tokens[id] = tok.Snapshot()
		v.nextSeq[id] = c.sequenceValidator.GetExpectedSequence(tokenPartition(id))
		v.ids = append(v.ids, id)
	}
	sort.Strings(v.ids)
	c.view.Store(v)
}

// View returns the latest published read view.
func (c *DeterministicCore) View() *ReadView {
	return c.view.Load()
}

func (v *ReadView) TokenIDs() []string {
	out := make([]string, len(v.ids))
	copy(out, v.ids)
	return out
}

func (v *ReadView) Token(id string) (token.Snapshot, error) {
	s, ok := v.tokens[id]
	if !ok {
		return token.Snapshot{}, fmt.Errorf("%w: %s", state.ErrUnknownToken, id)
	}
	return s, nil
}

// NextSourceSequence is the source sequence the token's next command must
// carry.
func (v *ReadView) NextSourceSequence(id string) int64 {
	return v.nextSeq[id]
}

func (v *ReadView) Accounting(id string) (token.Accounting, error) {
	s, err := v.Token(id)
	if err != nil {
		return token.Accounting{}, err
	}
	return token.ComputeAccounting(s, v.prices)
}

// Probe reports whether a maximum-size rebalance of the token would succeed
// against this view.
func (v *ReadView) Probe(id string) (token.ProbeResult, error) {
	s, err := v.Token(id)
	if err != nil {
		return token.ProbeResult{}, err
	}
	return token.Probe(s, v.prices), nil
}

// ProbeAll probes every token in id order.
func (v *ReadView) ProbeAll() []token.ProbeResult {
	out := make([]token.ProbeResult, 0, len(v.ids))
	for _, id := range v.ids {
		out = append(out, token.Probe(v.tokens[id], v.prices))
	}
	return out
}

func (v *ReadView) Quote(id string, op token.RebalanceOp, amount *uint256.Int) (*token.Quote, error) {
	s, err := v.Token(id)
	if err != nil {
		return nil, err
	}
	return token.QuoteAt(s, v.prices, op, amount)
}

func (v *ReadView) Price(asset ledger.AssetID) (oracle.PriceState, bool) {
	return v.prices.State(asset)
}

func (v *ReadView) Prices() map[ledger.AssetID]oracle.PriceState {
	return v.prices.Assets()
}
