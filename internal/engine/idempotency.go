package engine

import (
	"container/list"
	"fmt"
)

// OpDeduper implements two-tier operation deduplication: an in-memory
// LRU over composite keys (hot path) backed by a Postgres lookup against
// the event log (cold path, survives restarts).
type OpDeduper struct {
	lru *opLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBDedupeChecker

	duplicatesLRU map[string]int64 // event_type -> count
	duplicatesDB  map[string]int64
	tier2Errors   int64
}

// DBDedupeChecker is the interface for the Postgres dedup lookup
type DBDedupeChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewOpDeduper(capacity int, dbChecker DBDedupeChecker) *OpDeduper {
	return &OpDeduper{
		lru:           newOpLRU(capacity),
		dbChecker:     dbChecker,
		duplicatesLRU: make(map[string]int64),
		duplicatesDB:  make(map[string]int64),
	}
}

// IsDuplicate checks if the operation has been processed (two-tier lookup)
func (d *OpDeduper) IsDuplicate(eventType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", eventType, idempotencyKey)

	if d.lru.contains(compositeKey) {
		d.duplicatesLRU[eventType]++
		return true
	}

	if d.dbChecker != nil {
		isDup, err := d.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// Conservative: a DB issue must not block processing, so assume
			// not a duplicate. The event log's unique key still rejects a
			// true duplicate at persist time.
			d.tier2Errors++
			return false
		}
		if isDup {
			d.duplicatesDB[eventType]++
			d.lru.add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed adds the key to the LRU after successful processing
func (d *OpDeduper) MarkProcessed(eventType string, idempotencyKey string) {
	d.lru.add(fmt.Sprintf("%s:%s", eventType, idempotencyKey))
}

// lruContains checks the in-memory tier only (startup replay).
func (d *OpDeduper) lruContains(eventType, idempotencyKey string) bool {
	return d.lru.contains(fmt.Sprintf("%s:%s", eventType, idempotencyKey))
}

// Duplicates returns per-tier dup counts for one event type.
func (d *OpDeduper) Duplicates(eventType string) (lru, db int64) {
	return d.duplicatesLRU[eventType], d.duplicatesDB[eventType]
}

// Tier2Errors returns the count of failed Postgres dedup lookups.
func (d *OpDeduper) Tier2Errors() int64 {
	return d.tier2Errors
}

// opLRU is an LRU cache over composite dedup keys.
// Not thread-safe — only accessed from the single-threaded engine.
type opLRU struct {
	capacity  int
	cache     map[string]*list.Element
	order     *list.List
	evictions int64
}

func newOpLRU(capacity int) *opLRU {
	return &opLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *opLRU) contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *opLRU) add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		l.evictOldest()
	}
}

func (l *opLRU) evictOldest() {
	elem := l.order.Back()
	if elem == nil {
		return
	}
	l.order.Remove(elem)
	delete(l.cache, elem.Value.(string))
	l.evictions++
}

func (l *opLRU) size() int {
	return l.order.Len()
}
