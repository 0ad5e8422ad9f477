package deduplication

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndMarkAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	nodeA, err := NewDeduplicator(client, 16, time.Minute, "")
	require.NoError(t, err)
	nodeB, err := NewDeduplicator(client, 16, time.Minute, "")
	require.NoError(t, err)

	key := nodeA.GenerateKey("0xABC", "/api/v1/records/1/votes", "req-1")
	assert.Equal(t, key, nodeB.GenerateKey("0xabc", "/api/v1/records/1/votes", "req-1"), "caller case is ignored")

	fresh, err := nodeA.CheckAndMark(ctx, key)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = nodeA.CheckAndMark(ctx, key)
	require.NoError(t, err)
	assert.False(t, fresh, "local hit")

	fresh, err = nodeB.CheckAndMark(ctx, key)
	require.NoError(t, err)
	assert.False(t, fresh, "redis hit from another node")

	assert.True(t, mr.Exists("records:dedup:"+key))

	require.NoError(t, nodeA.Release(ctx, key))
	nodeB.ClearLocal()
	fresh, err = nodeB.CheckAndMark(ctx, key)
	require.NoError(t, err)
	assert.True(t, fresh, "released keys can be claimed again")

	stats, err := nodeB.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["total_dedup_keys"])
}

func TestLocalOnlyDeduplicator(t *testing.T) {
	d, err := NewDeduplicator(nil, 4, time.Minute, "test")
	require.NoError(t, err)
	ctx := context.Background()

	fresh, err := d.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = d.CheckAndMark(ctx, "k")
	require.NoError(t, err)
	assert.False(t, fresh)
}
