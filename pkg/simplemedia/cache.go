package simplemedia

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// recordCache keeps recent FileRecord reads. Entries are invalidated on every
// write through the service, so a hit is never older than the last local
// mutation. A nil cache is valid and always misses.
type recordCache struct {
	lru *expirable.LRU[uuid.UUID, *FileRecord]
}

func newRecordCache(size int, ttl time.Duration) *recordCache {
	if size <= 0 {
		return nil
	}
	return &recordCache{lru: expirable.NewLRU[uuid.UUID, *FileRecord](size, nil, ttl)}
}

func (c *recordCache) get(id uuid.UUID) (*FileRecord, bool) {
	if c == nil {
		return nil, false
	}
	rec, ok := c.lru.Get(id)
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return rec.Clone(), true
}

func (c *recordCache) set(rec *FileRecord) {
	if c == nil || rec == nil {
		return
	}
	c.lru.Add(rec.ID, rec.Clone())
}

func (c *recordCache) invalidate(id uuid.UUID) {
	if c == nil {
		return
	}
	c.lru.Remove(id)
}
