package facilitator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/x402-foundation/paygate"
)

// SettlementCache deduplicates settlement of identical proofs. Concurrent
// callers presenting the same proof wait for the first one, and a settled
// outcome is reused until it expires.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]Outcome
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewSettlementCache creates a cache that keeps settled outcomes for ttl.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		results:  make(map[string]Outcome),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SettlementKey identifies a settlement attempt: the caller scope, the proof
// and the terms it is settled against. The challenge nonce is left out since
// every request gets a fresh one.
func SettlementKey(scope string, payload paygate.PaymentPayload, requirements paygate.PaymentRequirements) string {
	requirements.Nonce = ""
	data, _ := json.Marshal(struct {
		Scope        string                      `json:"scope"`
		Payload      paygate.PaymentPayload      `json:"payload"`
		Requirements paygate.PaymentRequirements `json:"requirements"`
	}{scope, payload, requirements})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// CacheStatus is the result of CheckAndMark.
type CacheStatus int

const (
	// StatusNotFound means the caller now owns the settlement.
	StatusNotFound CacheStatus = iota
	// StatusCached means a settled outcome is available.
	StatusCached
	// StatusInFlight means another caller is settling the same proof.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and marks key in flight when
// nobody else is settling it.
// Returns:
// - StatusCached + outcome if an unexpired outcome exists
// - StatusInFlight + wait channel if another caller is settling the proof
// - StatusNotFound + done channel if the caller must settle (now marked in flight)
//
// A StatusNotFound caller must finish with Complete or Fail, passing the
// returned channel, or waiters block until their context ends.
func (c *SettlementCache) CheckAndMark(key string) (CacheStatus, Outcome, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if c.now().Before(expiry) {
			return StatusCached, c.results[key], nil
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, Outcome{}, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, Outcome{}, done
}

// Wait blocks until the in-flight settlement for key finishes or ctx is done.
// It returns the cached outcome with ok set, or ok false when the settling
// caller gave up through Fail; the waiter may then settle the proof itself.
func (c *SettlementCache) Wait(ctx context.Context, key string, done chan struct{}) (outcome Outcome, ok bool, err error) {
	select {
	case <-done:
		outcome, ok = c.Get(key)
		return outcome, ok, nil
	case <-ctx.Done():
		return Outcome{}, false, ctx.Err()
	}
}

// Get returns the settled outcome for key if it has not expired. An expired
// entry is dropped on the way out.
func (c *SettlementCache) Get(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return Outcome{}, false
	}
	if c.now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return Outcome{}, false
	}
	return c.results[key], true
}

// Complete caches a settled outcome for the TTL, clears the in-flight
// marker and signals any waiting goroutines. Expired entries are swept while
// the lock is held.
func (c *SettlementCache) Complete(key string, outcome Outcome, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = outcome
	c.expiry[key] = c.now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without caching an outcome and signals
// waiters, allowing the settlement to be retried.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Len reports the number of cached outcomes, expired ones included until
// the next sweep.
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// cleanupExpiredLocked removes expired entries. Must be called with the lock
// held.
func (c *SettlementCache) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
