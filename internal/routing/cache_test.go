package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTripAndTTL(t *testing.T) {
	c := NewCache(CacheConfig{Size: 8, TTL: time.Minute, Threshold: 0.75}, nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.True(t, c.Put("Book a  MEETING tomorrow ", "calendar", 0.9))

	d, ok := c.Get("book a meeting tomorrow")
	require.True(t, ok)
	assert.Equal(t, "calendar", d.AgentID)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Equal(t, "book a meeting tomorrow", d.NormalizedQuery)

	now = now.Add(time.Minute + time.Second)
	_, ok = c.Get("book a meeting tomorrow")
	assert.False(t, ok, "entry must expire after TTL")
}

func TestCacheExpiresOnRealClock(t *testing.T) {
	c := NewCache(CacheConfig{Size: 8, TTL: 50 * time.Millisecond, Threshold: 0.5}, nil)
	require.True(t, c.Put("weather in paris", "weather", 0.8))
	_, ok := c.Get("weather in paris")
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	_, ok = c.Get("weather in paris")
	assert.False(t, ok)
}

func TestCacheRejectsLowConfidence(t *testing.T) {
	c := NewCache(CacheConfig{Size: 8, TTL: time.Minute, Threshold: 0.75}, nil)
	assert.False(t, c.Put("weather", "weather", 0.5))
	_, ok := c.Get("weather")
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(CacheConfig{Size: 2, TTL: time.Minute, Threshold: 0}, nil)
	c.Put("a", "agent-a", 1)
	c.Put("b", "agent-b", 1)
	_, _ = c.Get("a")
	c.Put("c", "agent-c", 1)

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	assert.True(t, okA)
	assert.False(t, okB)
}

func TestCacheForgetAgent(t *testing.T) {
	c := NewCache(CacheConfig{Size: 8, TTL: time.Minute}, nil)
	c.Put("q1", "weather", 1)
	c.Put("q2", "calendar", 1)
	c.Forget("weather")
	_, ok := c.Get("q1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}
