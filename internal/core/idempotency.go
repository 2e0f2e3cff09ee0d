package core

import (
	"ApolloLedger/internal/observability"
	"container/list"
	"fmt"
	"sync"
	"time"
)

// IdempotencyChecker implements two-tier deduplication.
// Operations run concurrently, so a key is claimed with Begin before the
// operation runs and released with Complete (success) or Abort (rejection).
// A rejected operation does not consume its key. A second Begin on a key in
// flight waits for the first one to finish.
type IdempotencyChecker struct {
	mu       sync.Mutex
	lru      *IdempotencyLRU
	inflight map[string]chan struct{} // closed when the claim is released

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		inflight:  make(map[string]chan struct{}),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// Begin claims a key. It returns true if the key was already processed, in
// which case the caller must not apply the operation and must not call
// Complete or Abort. If the key is in flight, Begin blocks until that
// operation completes (true) or aborts (the caller takes over the claim).
func (ic *IdempotencyChecker) Begin(eventType, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)
	tier := "lru"

	ic.mu.Lock()
	for {
		// Tier 1: LRU check (hot path)
		if ic.lru.Contains(key) {
			ic.mu.Unlock()
			ic.recordDuplicate(eventType, tier)
			return true
		}
		done, busy := ic.inflight[key]
		if !busy {
			break
		}
		ic.mu.Unlock()
		<-done
		tier = "inflight"
		ic.mu.Lock()
	}
	ic.inflight[key] = make(chan struct{})
	ic.mu.Unlock()

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil && ic.checkDB(eventType, idempotencyKey) {
		ic.mu.Lock()
		ic.lru.Add(key)
		ic.releaseLocked(key)
		ic.mu.Unlock()
		ic.recordDuplicate(eventType, "postgres")
		return true
	}

	return false
}

// releaseLocked drops a claim and wakes its waiters. Caller holds mu.
func (ic *IdempotencyChecker) releaseLocked(key string) {
	if done, ok := ic.inflight[key]; ok {
		close(done)
		delete(ic.inflight, key)
	}
}

func (ic *IdempotencyChecker) checkDB(eventType, idempotencyKey string) bool {
	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Conservative: a DB hiccup must not block processing.
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false
	}
	return isDup
}

// Complete marks a claimed key as processed.
func (ic *IdempotencyChecker) Complete(eventType, idempotencyKey string) {
	key := compositeKey(eventType, idempotencyKey)

	ic.mu.Lock()
	evicted := ic.lru.Add(key)
	ic.releaseLocked(key)
	size := ic.lru.Size()
	ic.mu.Unlock()

	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Abort releases a claimed key without marking it processed.
func (ic *IdempotencyChecker) Abort(eventType, idempotencyKey string) {
	ic.mu.Lock()
	ic.releaseLocked(compositeKey(eventType, idempotencyKey))
	ic.mu.Unlock()
}

// Warm loads composite keys into the LRU, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

// Keys returns the LRU contents, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.GetAllKeys()
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; IdempotencyChecker serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists) and reports whether an older
// key was evicted to make room.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys, given oldest first, so the
// most recent key ends up most recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// GetAllKeys returns every key, least recently used first. Feeding the
// result back to WarmFromKeys reproduces the same recency order.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for elem := lru.lruList.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*lruEntry).key)
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
