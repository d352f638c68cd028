package mesh

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	// DefaultSeenShards is the number of independently locked cache shards.
	DefaultSeenShards = 16
	// DefaultSeenCapacity bounds the total number of remembered IDs.
	DefaultSeenCapacity = 16384
	// DefaultSeenTTL is how long an ID is remembered in memory.
	DefaultSeenTTL = 30 * time.Minute
)

// SeenStore persists seen message IDs so dedupe survives restarts.
type SeenStore interface {
	HasSeenID(messageID string) (bool, error)
	InsertSeenID(messageID string, receivedAt int64) error
}

type seenShard struct {
	mu  sync.Mutex
	ids *expirable.LRU[string, struct{}]
}

// SeenCache remembers recently handled message IDs across xxhash-selected shards,
// backed by an optional durable store.
type SeenCache struct {
	shards []*seenShard
	store  SeenStore
	logger *zap.Logger
}

// NewSeenCache builds a cache with capacity spread over shards.
func NewSeenCache(shards, capacity int, ttl time.Duration, store SeenStore, logger *zap.Logger) *SeenCache {
	if shards <= 0 {
		shards = DefaultSeenShards
	}
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	perShard := capacity / shards
	if perShard < 1 {
		perShard = 1
	}

	cache := &SeenCache{
		shards: make([]*seenShard, shards),
		store:  store,
		logger: logger,
	}
	for i := range cache.shards {
		cache.shards[i] = &seenShard{ids: expirable.NewLRU[string, struct{}](perShard, nil, ttl)}
	}
	return cache
}

func (c *SeenCache) shard(id string) *seenShard {
	return c.shards[xxhash.Sum64String(id)%uint64(len(c.shards))]
}

// MarkSeen records id and reports whether this is the first time it was handled.
func (c *SeenCache) MarkSeen(id string) bool {
	shard := c.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.ids.Contains(id) {
		return false
	}

	if c.store != nil {
		seen, err := c.store.HasSeenID(id)
		if err != nil {
			c.logger.Warn("seen store lookup failed", zap.String("message_id", id), zap.Error(err))
		} else if seen {
			shard.ids.Add(id, struct{}{})
			return false
		}
	}

	shard.ids.Add(id, struct{}{})
	if c.store != nil {
		if err := c.store.InsertSeenID(id, time.Now().UnixMilli()); err != nil {
			c.logger.Warn("seen store insert failed", zap.String("message_id", id), zap.Error(err))
		}
	}
	return true
}

// Seen reports whether id has been handled without recording it.
func (c *SeenCache) Seen(id string) bool {
	shard := c.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.ids.Contains(id)
}

// Len returns the number of IDs currently held in memory.
func (c *SeenCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		total += shard.ids.Len()
	}
	return total
}
