package core

import (
	"fmt"

	"CDPLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IdempotencyChecker implements two-tier deduplication.
// Tier 1 is an in-memory LRU of composite keys, tier 2 is the event log in Postgres.
type IdempotencyChecker struct {
	lru       *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	ic := &IdempotencyChecker{
		dbChecker: dbChecker,
		metrics:   metrics,
	}
	cache, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		if ic.metrics != nil {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	})
	if err != nil {
		// Only returned for a non-positive size, which NewDeterministicCore rules out.
		panic(fmt.Sprintf("FATAL: idempotency LRU: %v", err))
	}
	ic.lru = cache
	return ic
}

// CompositeKey is the LRU key for a command.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks if a command has been applied (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	compositeKey := CompositeKey(eventType, idempotencyKey)

	// Tier 1: LRU check (hot path). Get promotes the entry.
	if _, ok := ic.lru.Get(compositeKey); ok {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// A DB issue must not block processing: treat as not seen.
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}

		if isDup {
			ic.recordDuplicate(eventType, "postgres")
			ic.add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.add(CompositeKey(eventType, idempotencyKey))
}

// WarmFromKeys loads composite keys into the LRU, oldest first, so that
// recently applied commands do not hit Postgres after a restart.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.add(key)
	}
}

// Keys returns the cached composite keys from oldest to newest.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

// Size returns current number of entries
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) add(key string) {
	ic.lru.Add(key, struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
