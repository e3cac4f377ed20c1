package state

import (
	lru "github.com/hashicorp/golang-lru"
)

const defaultCompletedCacheSize = 4096

// completedCache remembers correlationIds known to be completed. Completed
// is terminal, so an entry never goes stale.
type completedCache struct {
	cache *lru.Cache
}

func newCompletedCache(size int) *completedCache {
	if size <= 0 {
		size = defaultCompletedCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &completedCache{cache: cache}
}

func (cc *completedCache) add(id [32]byte) {
	cc.cache.Add(id, struct{}{})
}

func (cc *completedCache) has(id [32]byte) bool {
	return cc.cache.Contains(id)
}
