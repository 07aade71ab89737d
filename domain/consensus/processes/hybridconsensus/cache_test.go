package hybridconsensus

import (
	"testing"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
)

func TestValidationCacheGetMissWhenAbsent(t *testing.T) {
	c := NewValidationCache(10)
	if _, _, ok := c.Get(externalapi.DomainHash{1}); ok {
		t.Fatal("expected a miss for an unknown hash")
	}
}

func TestValidationCacheGetExpiresAfterTTL(t *testing.T) {
	c := NewValidationCache(10)
	c.Put(externalapi.DomainHash{1}, false, "rejected", TierConsensus, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, _, ok := c.Get(externalapi.DomainHash{1}); ok {
		t.Fatal("expected a rejection cached with a short TTL to expire")
	}
}

func TestValidationCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewValidationCache(10)
	c.Put(externalapi.DomainHash{1}, true, "linear", TierPoW, 0)
	time.Sleep(5 * time.Millisecond)
	valid, _, ok := c.Get(externalapi.DomainHash{1})
	if !ok || !valid {
		t.Fatal("expected a zero-TTL entry to never expire on its own")
	}
}

func TestValidationCacheEvictsLowestPriorityTierFirst(t *testing.T) {
	c := NewValidationCache(2)
	c.Put(externalapi.DomainHash{1}, true, "", TierConsensus, 0)
	c.Put(externalapi.DomainHash{2}, true, "", TierQuadraticVote, 0)
	c.Put(externalapi.DomainHash{3}, true, "", TierPoW, 0)

	if _, _, ok := c.Get(externalapi.DomainHash{2}); ok {
		t.Fatal("expected the lowest-priority (quadratic_vote) entry to be evicted first")
	}
	if _, _, ok := c.Get(externalapi.DomainHash{1}); !ok {
		t.Fatal("expected the higher-priority consensus entry to survive")
	}
	if c.Evictions() != 1 {
		t.Fatalf("expected one eviction, got %d", c.Evictions())
	}
}

func TestValidationCacheWarmupStopsOnEmptyBatch(t *testing.T) {
	c := NewValidationCache(1000)
	hash := externalapi.DomainHash{5}
	block := &externalapi.DomainBlock{Header: &externalapi.DomainBlockHeader{Hash: &hash}}
	calls := 0
	c.Warmup(func(offset, batchSize int) []*externalapi.DomainBlock {
		calls++
		if offset == 0 {
			return []*externalapi.DomainBlock{block}
		}
		return nil
	})
	if calls != 2 {
		t.Fatalf("expected Warmup to stop after the first empty batch, made %d calls", calls)
	}
	if _, _, ok := c.Get(hash); !ok {
		t.Fatal("expected the warmed-up block to be cached")
	}
}
