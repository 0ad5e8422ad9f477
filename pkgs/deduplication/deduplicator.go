package deduplication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Deduplicator rejects replayed mutating requests. A local LRU answers
// repeats seen by this node; Redis SetNX makes the first claim atomic across
// nodes sharing the same Redis.
type Deduplicator struct {
	redis      *redis.Client
	localCache *lru.Cache[string, bool]
	ttl        time.Duration
	keyPrefix  string
}

// NewDeduplicator creates a new deduplicator with local LRU cache and Redis backend.
// A nil client keeps deduplication node-local.
func NewDeduplicator(redisClient *redis.Client, localCacheSize int, ttl time.Duration, keyPrefix string) (*Deduplicator, error) {
	cache, err := lru.New[string, bool](localCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "records:dedup"
	}

	return &Deduplicator{
		redis:      redisClient,
		localCache: cache,
		ttl:        ttl,
		keyPrefix:  strings.TrimSuffix(keyPrefix, ":") + ":",
	}, nil
}

// GenerateKey derives a deduplication key from the caller, the route and the
// client supplied request key
func (d *Deduplicator) GenerateKey(caller, route, requestKey string) string {
	data := fmt.Sprintf("%s:%s:%s", strings.ToLower(caller), route, requestKey)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16])
}

// CheckAndMark checks if a request was seen and marks it if not.
// Returns true if this is a NEW request (should be processed)
func (d *Deduplicator) CheckAndMark(ctx context.Context, key string) (bool, error) {
	// Fast path: Check local LRU cache
	if d.localCache.Contains(key) {
		log.Debugf("Dedup hit (local cache): %s", key)
		return false, nil
	}

	if d.redis == nil {
		d.localCache.Add(key, true)
		return true, nil
	}

	// SetNX only sets if key doesn't exist
	ok, err := d.redis.SetNX(ctx, d.keyPrefix+key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}

	d.localCache.Add(key, true)
	if ok {
		log.Debugf("Dedup miss (new request): %s", key)
		return true, nil
	}

	log.Debugf("Dedup hit (redis): %s", key)
	return false, nil
}

// Release forgets a key so a request that failed before taking effect can be retried.
func (d *Deduplicator) Release(ctx context.Context, key string) error {
	d.localCache.Remove(key)
	if d.redis == nil {
		return nil
	}
	return d.redis.Del(ctx, d.keyPrefix+key).Err()
}

// GetStats reports key counts for monitoring
func (d *Deduplicator) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"local_cache_size": d.localCache.Len(),
		"ttl_seconds":      d.ttl.Seconds(),
	}
	if d.redis == nil {
		return stats, nil
	}

	// Use SCAN to count keys without blocking
	var cursor uint64
	var totalKeys int64
	for {
		keys, nextCursor, err := d.redis.Scan(ctx, cursor, d.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		totalKeys += int64(len(keys))
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	stats["total_dedup_keys"] = totalKeys
	return stats, nil
}

// ClearLocal clears the local LRU cache
func (d *Deduplicator) ClearLocal() {
	d.localCache.Purge()
	log.Info("Local deduplication cache cleared")
}
