package core

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"LevLedger/internal/event"
	"LevLedger/internal/flash"
	"LevLedger/internal/ledger"
	"LevLedger/internal/lending"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/observability"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"
	"LevLedger/internal/token"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// DefaultLRUCapacity is the idempotency cache size when none is configured.
const DefaultLRUCapacity = 1_000_000

// conservationInterval is how often (in sequences) the full conservation
// sweep runs.
const conservationInterval = 1000

// Components is the in-process world owned by the core goroutine.
type Components struct {
	Tracker *ledger.BalanceTracker
	Prices  *oracle.PriceBook
	Pool    *lending.Pool
	Venue   *flash.Venue
	Tokens  []*token.Token
}

// DeterministicCore is the single-threaded command processor
type DeterministicCore struct {
	sequence          int64 // next sequence to assign
	hasher            *StateHasher
	tracker           *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	prices            *oracle.PriceBook
	pool              *lending.Pool
	venue             *flash.Venue
	tokens            map[string]*token.Token
	shareAssets       map[ledger.AssetID]string
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	view atomic.Pointer[ReadView]

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one sequenced command.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch  // nil when no journals were posted
	Receipt    *token.Receipt // nil for global commands and rejections
	Balances   []BalanceChange
	StateDelta []byte
}

// BalanceChange is the post-commit balance of an account touched by a batch.
type BalanceChange struct {
	Key     ledger.AccountKey
	Balance *uint256.Int
}

// CommandRejectedError reports a command that was sequenced and logged but
// changed no state.
type CommandRejectedError struct {
	EventType string
	Key       string
	Class     state.ErrorClass
	Err       error
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("%s %s rejected (%s): %v", e.EventType, e.Key, e.Class, e.Err)
}

func (e *CommandRejectedError) Unwrap() error { return e.Err }

func NewDeterministicCore(
	startSequence int64,
	comps Components,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	lruCapacity int,
) (*DeterministicCore, error) {
	if comps.Tracker == nil || comps.Prices == nil || comps.Pool == nil || comps.Venue == nil {
		return nil, errors.New("core: tracker, prices, pool and venue are required")
	}
	if lruCapacity <= 0 {
		lruCapacity = DefaultLRUCapacity
	}

	c := &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		tracker:           comps.Tracker,
		validator:         ledger.NewInvariantValidator(comps.Tracker),
		prices:            comps.Prices,
		pool:              comps.Pool,
		venue:             comps.Venue,
		tokens:            make(map[string]*token.Token, len(comps.Tokens)),
		shareAssets:       make(map[ledger.AssetID]string, len(comps.Tokens)),
		idempotency:       NewIdempotencyChecker(lruCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            observability.NewLogger("core"),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
	for _, tok := range comps.Tokens {
		if _, dup := c.tokens[tok.ID()]; dup {
			return nil, fmt.Errorf("core: duplicate token %s", tok.ID())
		}
		c.tokens[tok.ID()] = tok
		c.shareAssets[tok.ShareAsset()] = tok.ID()
	}
	c.publishView()
	return c, nil
}

// SetLogger replaces the core logger.
func (c *DeterministicCore) SetLogger(l zerolog.Logger) {
	c.logger = l
}

// ProcessEvent is the main processing pipeline. Commands rejected by the
// domain are still sequenced, logged and published; they come back as a
// *CommandRejectedError.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	return c.process(evt, nil)
}

// ReplayEvent re-applies a command read back from the event log. Nothing is
// emitted, and the resulting sequence and state hash must match the log.
func (c *DeterministicCore) ReplayEvent(evt event.Event, logged *event.EventEnvelope) error {
	if logged == nil {
		return errors.New("replay: logged envelope is required")
	}
	err := c.process(evt, logged)
	var rejected *CommandRejectedError
	if errors.As(err, &rejected) && logged.Outcome == event.OutcomeRejected {
		return nil
	}
	return err
}

func (c *DeterministicCore) process(evt event.Event, logged *event.EventEnvelope) error {
	start := time.Now()
	replay := logged != nil
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check. Replay trusts the log and skips tier 2.
	var isDuplicate bool
	if replay {
		isDuplicate = c.idempotency.Seen(eventType, idempotencyKey)
	} else {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	// Step 2: Sequence validation
	partition := c.getPartition(evt)
	sourceSequence := evt.SourceSequence()

	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		if !c.sequenceValidator.ValidatePriceSequence(priceEvt.Asset, priceEvt.PriceSequence) {
			c.recordRejected(eventType, "stale")
			return nil
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
		c.recordRejected(eventType, "sequence")
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.recordRejected(eventType, "duplicate")
		return nil
	}

	payload, err := event.EncodePayload(evt)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	seq := c.sequence
	if replay && logged.Sequence != seq {
		return fmt.Errorf("replay: log sequence %d, core sequence %d", logged.Sequence, seq)
	}

	// Step 3: Dispatch into a staged ledger tx
	tx := c.tracker.Begin(idempotencyKey, seq, evt.EventTime())
	tok, receipt, dispatchErr := c.dispatchEvent(tx, evt)

	// Step 4: Commit or discard
	var batch *ledger.Batch
	if dispatchErr != nil {
		tx.Discard()
	} else {
		batch, err = c.tracker.Commit(tx)
		if err != nil {
			panic(fmt.Sprintf("FATAL: commit of %s %s failed: %v", eventType, idempotencyKey, err))
		}
		if tok != nil && receipt != nil {
			if err := tok.Apply(receipt); err != nil {
				panic(fmt.Sprintf("FATAL: apply receipt for %s: %v", tok.ID(), err))
			}
		}
	}

	// Step 5: State hash
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(evt, batch, receipt, dispatchErr)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 6: Envelope
	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		TokenID:        evt.TokenID(),
		Timestamp:      time.UnixMicro(evt.EventTime()).UTC(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	var class state.ErrorClass
	if dispatchErr != nil {
		class = state.Classify(dispatchErr)
		envelope.Outcome = event.OutcomeRejected
		envelope.RejectReason = dispatchErr.Error()
		envelope.ErrorClass = string(class)
	}

	// Step 7: Post-checks
	if dispatchErr == nil {
		if err := c.postCheckInvariants(seq, tok); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	output := CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      batch,
		Receipt:    receipt,
		Balances:   c.balanceChanges(batch),
		StateDelta: stateDigest,
	}

	c.sequence++

	if replay {
		if logged.StateHash != stateHash {
			return fmt.Errorf("replay: state hash mismatch at sequence %d: log %x, core %x", seq, logged.StateHash, stateHash)
		}
	} else {
		c.emit(output)
	}

	// Step 8: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.publishView()

	if dispatchErr != nil {
		c.recordRejected(eventType, string(class))
		c.logger.Warn().
			Int64("sequence", seq).
			Str("event_type", eventType).
			Str("key", idempotencyKey).
			Str("class", string(class)).
			Err(dispatchErr).
			Msg("command rejected")
		return &CommandRejectedError{EventType: eventType, Key: idempotencyKey, Class: class, Err: dispatchErr}
	}

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		if batch != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		if tok != nil {
			c.recordTokenMetrics(tok, receipt)
		}
	}
	return nil
}

// emit sends to persistence (blocking, so nothing is lost) and to projections
// (non-blocking; projections can be rebuilt from the log).
func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if tokenID := evt.TokenID(); tokenID != nil {
		return tokenPartition(*tokenID)
	}
	return "global"
}

func tokenPartition(id string) string {
	return "token:" + id
}

// computeStateDigest creates canonical bytes for the state hash: the outcome,
// then every account the batch touched with its new balance, then the
// non-ledger state the command changed.
func (c *DeterministicCore) computeStateDigest(evt event.Event, batch *ledger.Batch, receipt *token.Receipt, dispatchErr error) []byte {
	digest := make([]byte, 0, 256)

	if dispatchErr != nil {
		digest = append(digest, byte(event.OutcomeRejected))
		digest = append(digest, string(state.Classify(dispatchErr))...)
		return digest
	}
	digest = append(digest, byte(event.OutcomeCommitted))

	for _, key := range touchedAccounts(batch) {
		digest = append(digest, key.CanonicalBytes()...)
		bal := c.tracker.GetBalance(key).Bytes32()
		digest = append(digest, bal[:]...)
	}

	if receipt != nil {
		if receipt.Position != nil {
			digest = append(digest, receipt.Position.CanonicalBytes()...)
		}
		if receipt.Params != nil {
			digest = append(digest, paramsBytes(*receipt.Params)...)
		}
	}

	if p, ok := evt.(*event.PriceUpdate); ok {
		if id, ok := ledger.GetAssetID(p.Asset); ok {
			if ps, ok := c.prices.State(id); ok {
				digest = append(digest, byte(id>>8), byte(id))
				price := ps.Price.Bytes32()
				digest = append(digest, price[:]...)
				digest = appendInt64LE(digest, ps.PriceSequence)
			}
		}
	}
	return digest
}

func touchedAccounts(batch *ledger.Batch) []ledger.AccountKey {
	if batch == nil {
		return nil
	}
	seen := make(map[ledger.AccountKey]bool, len(batch.Journals)*2)
	for _, j := range batch.Journals {
		seen[j.DebitAccount] = true
		seen[j.CreditAccount] = true
	}
	keys := make([]ledger.AccountKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func (c *DeterministicCore) balanceChanges(batch *ledger.Batch) []BalanceChange {
	keys := touchedAccounts(batch)
	if len(keys) == 0 {
		return nil
	}
	out := make([]BalanceChange, 0, len(keys))
	for _, k := range keys {
		out = append(out, BalanceChange{Key: k, Balance: c.tracker.GetBalance(k)})
	}
	return out
}

func paramsBytes(p state.Params) []byte {
	buf := make([]byte, 0, 8*32+8)
	for _, v := range []*uint256.Int{
		p.MinLeverageRatio, p.MaxLeverageRatio, p.Step, p.MaxDrift,
		p.MaxIncentive, p.Fees, p.MaxMint, p.MaxSupply,
	} {
		if v == nil {
			v = fpmath.Zero()
		}
		b := v.Bytes32()
		buf = append(buf, b[:]...)
	}
	return appendInt64LE(buf, p.EffectiveSeq)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after a commit. The engine wallet
// of a token must be empty after every token operation, and the periodic
// sweep checks that each asset's balances sum to its outstanding issuance.
func (c *DeterministicCore) postCheckInvariants(seq int64, tok *token.Token) error {
	if tok != nil {
		cfg := tok.Config()
		if err := c.validator.ValidateWalletEmpty(tok.Address(), cfg.CollateralAsset, cfg.DebtAsset, tok.ShareAsset()); err != nil {
			return fmt.Errorf("post-check residual: %w", err)
		}
		if c.metrics != nil {
			c.metrics.InvariantChecks.WithLabelValues("residual").Inc()
		}
	}
	if seq > 0 && seq%conservationInterval == 0 {
		if err := c.VerifyConservation(); err != nil {
			return err
		}
	}
	return nil
}

// VerifyConservation runs the full conservation sweep now.
func (c *DeterministicCore) VerifyConservation() error {
	if c.metrics != nil {
		c.metrics.InvariantChecks.WithLabelValues("conservation").Inc()
	}
	if err := c.validator.ValidateConservation(); err != nil {
		return fmt.Errorf("post-check conservation at seq %d: %w", c.sequence, err)
	}
	return nil
}

func (c *DeterministicCore) recordRejected(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordTokenMetrics(tok *token.Token, r *token.Receipt) {
	id := tok.ID()
	if r != nil {
		c.metrics.TokenOperations.WithLabelValues(id, string(r.Kind)).Inc()
		switch {
		case r.Mint != nil:
			c.metrics.TokenFeeShares.WithLabelValues(id).Add(amountFloat(r.Mint.Fee, fpmath.WadDecimals))
		case r.Burn != nil:
			c.metrics.TokenFeeShares.WithLabelValues(id).Add(amountFloat(r.Burn.Fee, fpmath.WadDecimals))
		case r.Rebalance != nil:
			c.metrics.RebalanceExecuted.WithLabelValues(id, string(r.Rebalance.Op)).Inc()
			name, _ := ledger.GetAssetName(r.Rebalance.AssetOut)
			dec, _ := ledger.Decimals(r.Rebalance.AssetOut)
			c.metrics.RebalanceIncentive.WithLabelValues(id, name).Add(amountFloat(r.Rebalance.Incentive, dec))
		}
	}

	acct, err := tok.Accounting()
	if err != nil {
		return
	}
	debtDec, _ := ledger.Decimals(tok.Config().DebtAsset)
	c.metrics.TokenLeverageRatio.WithLabelValues(id).Set(amountFloat(acct.LeverageRatio, fpmath.WadDecimals))
	c.metrics.TokenNAVPerShare.WithLabelValues(id).Set(amountFloat(acct.NAVPerShare, debtDec))
	c.metrics.TokenTotalSupply.WithLabelValues(id).Set(amountFloat(tok.TotalSupply(), fpmath.WadDecimals))
	params := tok.Params()
	_, drift := fpmath.Drift(acct.LeverageRatio, params.MinLeverageRatio, params.MaxLeverageRatio)
	c.metrics.RebalanceDrift.WithLabelValues(id).Set(amountFloat(drift, fpmath.WadDecimals))
}

func amountFloat(v *uint256.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	f, _ := strconv.ParseFloat(fpmath.FormatAmount(v, decimals), 64)
	return f
}

// Token returns a hosted token. Only the core goroutine may use it.
func (c *DeterministicCore) Token(id string) (*token.Token, bool) {
	tok, ok := c.tokens[id]
	return tok, ok
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the hash chain tip.
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
