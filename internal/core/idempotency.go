package core

import (
	"fmt"
	"time"

	"LevLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *lru.Cache[string, struct{}]

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	stats   *IdempotencyStats
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	ic := &IdempotencyChecker{
		dbChecker: dbChecker,
		stats:     NewIdempotencyStats(),
		metrics:   metrics,
		logger:    observability.NewLogger("idempotency"),
	}
	if capacity <= 0 {
		capacity = 1
	}
	// Only fails for a non-positive size.
	cache, _ := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		ic.stats.evictions++
		if ic.metrics != nil {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	})
	ic.lru = cache
	return ic
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate checks if a command has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if _, ok := ic.lru.Get(key); ok {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker == nil {
		return false
	}
	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Assume not duplicate so a DB outage cannot stall the core.
		ic.stats.tier2Errors++
		ic.logger.Warn().Err(err).Str("event_type", eventType).Str("key", idempotencyKey).
			Msg("tier-2 dedup lookup failed")
		return false
	}
	if isDup {
		ic.recordDuplicate(eventType, "postgres")
		ic.add(key)
		return true
	}
	return false
}

// Seen checks the LRU tier only. Replay uses it because every logged command
// is already in tier 2.
func (ic *IdempotencyChecker) Seen(eventType string, idempotencyKey string) bool {
	_, ok := ic.lru.Peek(compositeKey(eventType, idempotencyKey))
	return ok
}

// MarkProcessed adds key to LRU after processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.add(compositeKey(eventType, idempotencyKey))
}

// Warm loads composite keys, oldest first, so the newest survive eviction.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.add(k)
	}
}

// Keys returns composite keys from oldest to newest.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) Stats() *IdempotencyStats {
	return ic.stats
}

func (ic *IdempotencyChecker) add(key string) {
	ic.lru.Add(key, struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	ic.stats.RecordDuplicate(eventType, tier)
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// IdempotencyStats tracks dedup counts.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type IdempotencyStats struct {
	duplicatesLRU      map[string]int64 // event_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
	evictions          int64
}

func NewIdempotencyStats() *IdempotencyStats {
	return &IdempotencyStats{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (s *IdempotencyStats) RecordDuplicate(eventType string, tier string) {
	if tier == "lru" {
		s.duplicatesLRU[eventType]++
	} else {
		s.duplicatesPostgres[eventType]++
	}
}

func (s *IdempotencyStats) GetDuplicates(eventType string) (lru int64, postgres int64) {
	return s.duplicatesLRU[eventType], s.duplicatesPostgres[eventType]
}

func (s *IdempotencyStats) GetTier2Errors() int64 {
	return s.tier2Errors
}

func (s *IdempotencyStats) Evictions() int64 {
	return s.evictions
}
