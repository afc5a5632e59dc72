// Package routing picks the agent that should handle a request.
package routing

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 10 * time.Minute
)

// CacheConfig configures the routing cache.
type CacheConfig struct {
	// Size is the maximum number of entries kept.
	Size int
	// TTL is how long an entry lives regardless of recency.
	TTL time.Duration
	// Threshold is the minimum confidence worth caching.
	Threshold float64
}

// Cache remembers confirmed query to agent decisions. Least recently used
// entries are evicted first and every entry expires after TTL.
type Cache struct {
	lru       *expirable.LRU[string, domain.RoutingDecision]
	ttl       time.Duration
	threshold float64
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewCache creates a routing cache.
func NewCache(cfg CacheConfig, m *metrics.Metrics) *Cache {
	if cfg.Size <= 0 {
		cfg.Size = defaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	return &Cache{
		lru:       expirable.NewLRU[string, domain.RoutingDecision](cfg.Size, nil, cfg.TTL),
		ttl:       cfg.TTL,
		threshold: cfg.Threshold,
		metrics:   m,
		now:       time.Now,
	}
}

// Normalize folds case, trims, and collapses whitespace.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Get returns the cached decision for query.
func (c *Cache) Get(query string) (domain.RoutingDecision, bool) {
	key := Normalize(query)
	d, ok := c.lru.Get(key)
	if ok && !c.now().Before(d.ExpiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	c.metrics.CacheLookup(ok)
	return d, ok
}

// Put stores a decision when its confidence clears the threshold. It reports
// whether the decision was cached.
func (c *Cache) Put(query, agentID string, confidence float64) bool {
	if agentID == "" || confidence < c.threshold {
		return false
	}
	key := Normalize(query)
	if key == "" {
		return false
	}
	now := c.now()
	c.lru.Add(key, domain.RoutingDecision{
		NormalizedQuery: key,
		AgentID:         agentID,
		Confidence:      confidence,
		CreatedAt:       now,
		ExpiresAt:       now.Add(c.ttl),
	})
	return true
}

// Forget drops every entry pointing at one of the given agents.
func (c *Cache) Forget(agentIDs ...string) {
	drop := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		drop[id] = struct{}{}
	}
	for _, key := range c.lru.Keys() {
		if d, ok := c.lru.Peek(key); ok {
			if _, gone := drop[d.AgentID]; gone {
				c.lru.Remove(key)
			}
		}
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
