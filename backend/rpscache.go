package backend

import (
	"encoding/json"
	"fmt"

	"github.com/coocood/freecache"

	"github.com/uwsaml/nexus/ewma"
)

// statsCacheBytes bounds the per-backend rps cache; a cluster with
// thousands of sessions per backend still fits comfortably, and eviction
// under pressure just costs a cold-start EWMA sample, not correctness.
const statsCacheBytes = 1 << 20 // 1 MiB

// StatsCache is a freecache-backed store of per-(backend, session) EWMA
// rps counters, JSON-marshaled in and out on every sample the same way
// the corpus's pod metric cache stores its per-pod snapshots.
type StatsCache struct {
	cache *freecache.Cache
}

// NewStatsCache returns an empty cache.
func NewStatsCache() *StatsCache {
	return &StatsCache{cache: freecache.NewCache(statsCacheBytes)}
}

func statsCacheKey(backendID uint32, sessionID string) []byte {
	return []byte(fmt.Sprintf("%d:%s", backendID, sessionID))
}

// Sample folds a new rps observation into the counter for
// (backendID, sessionID), creating it on first use.
func (c *StatsCache) Sample(backendID uint32, sessionID string, nowUnixNano int64, value float64) {
	key := statsCacheKey(backendID, sessionID)
	counter := ewma.NewCounter()
	if data, err := c.cache.Get(key); err == nil {
		_ = json.Unmarshal(data, &counter)
	}
	counter.Sample(nowUnixNano, value)
	data, err := json.Marshal(counter)
	if err != nil {
		return
	}
	_ = c.cache.Set(key, data, 0)
}

// Value returns the current smoothed rps for (backendID, sessionID), or
// 0 if no sample has ever been recorded.
func (c *StatsCache) Value(backendID uint32, sessionID string) float64 {
	data, err := c.cache.Get(statsCacheKey(backendID, sessionID))
	if err != nil {
		return 0
	}
	var counter ewma.Counter
	if err := json.Unmarshal(data, &counter); err != nil {
		return 0
	}
	return counter.Value
}
