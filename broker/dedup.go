package broker

import (
	"crypto/sha256"
	"hash/fnv"
	"sync"
	"time"
)

// dedupShardCount shards the cache by key hash to keep lock hold times
// short under concurrent handlers.
const dedupShardCount = 16

// dedupEntry records a previously accepted idempotency key.
type dedupEntry struct {
	logSeq      uint64
	firstSeenNS int64
	bodyDigest  [sha256.Size]byte
}

type dedupShard struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
}

// DedupCache is the bounded idempotency-key cache. It guarantees
// duplicate detection for at least the dedup window; older keys spill
// to the commit log's key index, which callers probe on a miss.
type DedupCache struct {
	shards [dedupShardCount]*dedupShard
	window time.Duration
}

// NewDedupCache creates a cache retaining keys for at least window.
func NewDedupCache(window time.Duration) *DedupCache {
	c := &DedupCache{window: window}
	for i := range c.shards {
		c.shards[i] = &dedupShard{entries: make(map[string]dedupEntry)}
	}
	return c
}

func (c *DedupCache) shard(key string) *dedupShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%dedupShardCount]
}

// Lookup returns the cached entry for a key. A key older than the
// window reads as a miss; the caller falls back to the log index.
func (c *DedupCache) Lookup(key string, nowNS int64) (uint64, [sha256.Size]byte, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.firstSeenNS < nowNS-c.window.Nanoseconds() {
		return 0, [sha256.Size]byte{}, false
	}
	return e.logSeq, e.bodyDigest, true
}

// Insert records an accepted key with the digest of its canonical
// bytes.
func (c *DedupCache) Insert(key string, logSeq uint64, nowNS int64, bodyDigest [sha256.Size]byte) {
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = dedupEntry{logSeq: logSeq, firstSeenNS: nowNS, bodyDigest: bodyDigest}
	s.mu.Unlock()
}

// Evict drops entries older than the window. Called from the broker's
// housekeeping tick; entries evicted here remain discoverable through
// the commit log index.
func (c *DedupCache) Evict(nowNS int64) int {
	cutoff := nowNS - c.window.Nanoseconds()
	evicted := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.firstSeenNS < cutoff {
				delete(s.entries, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Len returns the number of cached keys.
func (c *DedupCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
