package recurrence

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyp0633/libcalrecur/internal/metrics"
)

// CachedExpansion is a memoized window expansion.
type CachedExpansion struct {
	Occurrences []Occurrence
	Truncated   bool
}

type cacheEntry struct {
	eventID    uuid.UUID
	result     CachedExpansion
	expiresAt  time.Time
	accessedAt time.Time
}

// Cache memoizes window expansions keyed by event, base span, rule and window.
type Cache struct {
	entries         map[string]*cacheEntry
	mutex           sync.RWMutex
	ttl             time.Duration
	maxEntries      int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
	hits, misses    uint64
}

// CacheConfig holds configuration for the expansion cache
type CacheConfig struct {
	TTL             time.Duration // How long entries stay valid
	MaxEntries      int           // Maximum number of entries before eviction
	CleanupInterval time.Duration // How often expired entries are swept
}

// DefaultCacheConfig provides sensible defaults for expansion caching
var DefaultCacheConfig = CacheConfig{
	TTL:             15 * time.Minute,
	MaxEntries:      1000,
	CleanupInterval: 5 * time.Minute,
}

// NewCache creates a cache and starts its sweeper. Call Close to stop it.
func NewCache(config CacheConfig) *Cache {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCacheConfig.CleanupInterval
	}
	c := &Cache{
		entries:         make(map[string]*cacheEntry),
		ttl:             config.TTL,
		maxEntries:      config.MaxEntries,
		cleanupInterval: config.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

func (c *Cache) key(eventID uuid.UUID, base Span, rule *Rule, windowStart, windowEnd time.Time) string {
	h := sha256.New()
	h.Write(eventID[:])
	for _, t := range []time.Time{base.Start, base.End, windowStart, windowEnd} {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano()))
		h.Write(buf[:])
	}
	h.Write([]byte(base.Start.Location().String()))
	h.Write([]byte(rule.String()))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns a cached expansion if present and not expired.
func (c *Cache) Get(eventID uuid.UUID, base Span, rule *Rule, windowStart, windowEnd time.Time) (CachedExpansion, bool) {
	key := c.key(eventID, base, rule, windowStart, windowEnd)
	now := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.CacheMisses.Inc()
		return CachedExpansion{}, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		c.misses++
		metrics.CacheMisses.Inc()
		return CachedExpansion{}, false
	}
	entry.accessedAt = now
	c.hits++
	metrics.CacheHits.Inc()
	return entry.result, true
}

// Set stores an expansion.
func (c *Cache) Set(eventID uuid.UUID, base Span, rule *Rule, windowStart, windowEnd time.Time, result CachedExpansion) {
	key := c.key(eventID, base, rule, windowStart, windowEnd)
	now := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = &cacheEntry{
		eventID:    eventID,
		result:     result,
		expiresAt:  now.Add(c.ttl),
		accessedAt: now,
	}
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evict(now)
	}
}

// Forget drops every cached window of an event.
func (c *Cache) Forget(eventID uuid.UUID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for key, entry := range c.entries {
		if entry.eventID == eventID {
			delete(c.entries, key)
		}
	}
}

// evict removes expired entries, then the least recently used ones until
// the cache is back under its limit. Callers hold the write lock.
func (c *Cache) evict(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return c.entries[a].accessedAt.Compare(c.entries[b].accessedAt)
	})
	for _, key := range keys[:len(keys)-c.maxEntries] {
		delete(c.entries, key)
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			c.mutex.Lock()
			c.evict(now)
			c.mutex.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the sweeper and clears the cache. It is safe to call twice.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	c.mutex.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mutex.Unlock()
}

// Stats returns cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	stats := CacheStats{TotalEntries: len(c.entries), Hits: c.hits, Misses: c.misses}
	for _, entry := range c.entries {
		if now.After(entry.expiresAt) {
			stats.ExpiredEntries++
		}
	}
	stats.ActiveEntries = stats.TotalEntries - stats.ExpiredEntries
	return stats
}

// CacheStats provides information about cache performance
type CacheStats struct {
	TotalEntries   int
	ExpiredEntries int
	ActiveEntries  int
	Hits           uint64
	Misses         uint64
}
