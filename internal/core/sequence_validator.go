package core

import (
	"fmt"

	"LevLedger/internal/observability"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	stats           *SequenceStats
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		stats:           NewSequenceStats(),
		metrics:         metrics,
	}
}

// ValidateSequence checks source sequence ordering. A stale sequence is only
// accepted when it belongs to an already processed command.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.stats.outOfOrder[partition]++
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order command %s: partition=%s, expected=%d, got=%d",
			idempotencyKey, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.stats.gaps[partition]++
	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePriceSequence reports whether a price update is fresh. Stale
// updates are ignored and gaps are tolerated.
func (sv *SequenceValidator) ValidatePriceSequence(asset string, priceSequence int64) bool {
	partition := pricePartition(asset)
	expected := sv.expectedNextSeq[partition]

	if priceSequence < expected {
		return false
	}
	if priceSequence > expected && expected > 0 {
		sv.stats.priceGaps[asset]++
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
	return true
}

func pricePartition(asset string) string {
	return fmt.Sprintf("price:%s", asset)
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets the expected sequence of a partition during recovery.
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of every partition's expected sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

func (sv *SequenceValidator) Stats() *SequenceStats {
	return sv.stats
}

// SequenceStats tracks sequence validation counts.
type SequenceStats struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	priceGaps  map[string]int64 // asset -> price gap count
}

func NewSequenceStats() *SequenceStats {
	return &SequenceStats{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[string]int64),
	}
}

func (s *SequenceStats) GetGaps(partition string) int64 {
	return s.gaps[partition]
}

func (s *SequenceStats) GetOutOfOrder(partition string) int64 {
	return s.outOfOrder[partition]
}

func (s *SequenceStats) GetPriceGaps(asset string) int64 {
	return s.priceGaps[asset]
}
