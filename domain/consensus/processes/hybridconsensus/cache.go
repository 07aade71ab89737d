package hybridconsensus

import (
	"sync"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
)

// Tier labels a cache entry by which check populated it, matching
// spec section 4.8's "priority tiers (pow, consensus, quadratic_vote)".
// Tiers are consulted in tierPriority when the cache needs to evict: the
// lowest-priority tier is dropped first.
type Tier string

// Tier values, lowest priority first.
const (
	TierQuadraticVote Tier = "quadratic_vote"
	TierPoW           Tier = "pow"
	TierConsensus     Tier = "consensus"
)

var tierPriority = map[Tier]int{
	TierQuadraticVote: 0,
	TierPoW:           1,
	TierConsensus:     2,
}

type cacheEntry struct {
	valid     bool
	reason    string
	tier      Tier
	cachedAt  time.Time
	ttl       time.Duration
}

func (e cacheEntry) expired() bool {
	return e.ttl > 0 && time.Since(e.cachedAt) > e.ttl
}

// ValidationCache is the bounded block-validation result cache of
// spec section 4.8: a fast path keyed by block hash, with eviction
// that prefers to drop the lowest-priority tier first and a counter
// of how many entries have been evicted.
type ValidationCache struct {
	mu        sync.Mutex
	maxSize   int
	entries   map[externalapi.DomainHash]cacheEntry
	order     []externalapi.DomainHash
	evictions uint64
}

// NewValidationCache constructs an empty cache bounded to maxSize
// entries.
func NewValidationCache(maxSize int) *ValidationCache {
	return &ValidationCache{
		maxSize: maxSize,
		entries: make(map[externalapi.DomainHash]cacheEntry),
	}
}

// Get returns the cached validity of hash, if present and not
// expired. A rejection cached with a short TTL (spec section 4.8)
// silently ages out so the block is revalidated rather than rejected
// forever on a transient cause.
func (c *ValidationCache) Get(hash externalapi.DomainHash) (valid bool, reason string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[hash]
	if !found || e.expired() {
		return false, "", false
	}
	return e.valid, e.reason, true
}

// Put records hash's validation outcome under tier, evicting the
// lowest-priority existing entry if the cache is full. ttl of zero
// means the entry never expires on its own (still subject to
// capacity eviction); Rejected outcomes should pass a short TTL so
// they don't permanently block revalidation.
func (c *ValidationCache) Put(hash externalapi.DomainHash, valid bool, reason string, tier Tier, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[hash]; !exists {
		if len(c.entries) >= c.maxSize {
			c.evictOneLocked()
		}
		c.order = append(c.order, hash)
	}
	c.entries[hash] = cacheEntry{valid: valid, reason: reason, tier: tier, cachedAt: time.Now(), ttl: ttl}
}

func (c *ValidationCache) evictOneLocked() {
	victimIdx := -1
	victimPriority := -1
	for i, hash := range c.order {
		e, ok := c.entries[hash]
		if !ok {
			victimIdx = i
			break
		}
		p := tierPriority[e.tier]
		if victimIdx == -1 || p < victimPriority {
			victimIdx, victimPriority = i, p
		}
	}
	if victimIdx == -1 {
		return
	}
	victim := c.order[victimIdx]
	delete(c.entries, victim)
	c.order = append(c.order[:victimIdx], c.order[victimIdx+1:]...)
	c.evictions++
}

// Evictions returns the running count of cache evictions.
func (c *ValidationCache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// Warmup loads the most recent 100 blocks in batches of 20 (spec
// section 4.8), marking each as validated under the consensus tier.
// load is called with (offsetFromTip, batchSize) and returns however
// many blocks are available, fewer than batchSize at the chain's
// genesis end.
func (c *ValidationCache) Warmup(load func(offset, batchSize int) []*externalapi.DomainBlock) {
	const total, batchSize = 100, 20
	for offset := 0; offset < total; offset += batchSize {
		batch := load(offset, batchSize)
		if len(batch) == 0 {
			return
		}
		for _, block := range batch {
			if block.Header.Hash != nil {
				c.Put(*block.Header.Hash, true, "warmup", TierConsensus, 0)
			}
		}
	}
}
