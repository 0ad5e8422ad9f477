package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublisherChannels(t *testing.T) {
	p, err := NewPublisher(&PublisherConfig{RedisClient: newTestRedis(t), ChannelPrefix: "records:events"})
	require.NoError(t, err)

	assert.Equal(t, "records:events:record", p.channel(EventRecordVerified))
	assert.Equal(t, "records:events:vote", p.channel(EventVoteCast))
	assert.Equal(t, "records:events:log", p.logKey())

	p.config.Network = "31337"
	assert.Equal(t, "records:events:31337:certificate", p.channel(EventCertificateIssued))
	assert.Equal(t, "records:events:31337:log", p.logKey())
}

func TestPublisherRoundTrip(t *testing.T) {
	client := newTestRedis(t)
	p, err := NewPublisher(&PublisherConfig{
		RedisClient:   client,
		ChannelPrefix: "records:events",
		FlushInterval: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := p.Subscribe(ctx, []EventType{EventRecordVerified})
	require.NoError(t, err)

	uploaded, err := NewEvent(EventRecordUploaded, SeverityInfo, "registry", &RecordEventPayload{RecordID: 1})
	require.NoError(t, err)
	verified, err := NewEvent(EventRecordVerified, SeverityInfo, "registry", &RecordEventPayload{RecordID: 1, State: "Verified"})
	require.NoError(t, err)

	require.NoError(t, p.Publish(uploaded))
	require.NoError(t, p.Publish(verified))

	select {
	case ev := <-stream:
		require.NotNil(t, ev)
		assert.Equal(t, EventRecordVerified, ev.Type, "types sharing a channel are filtered")
		assert.Equal(t, verified.ID, ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received from Redis")
	}

	assert.Equal(t, uint64(2), p.Stats().EventsPublished)
}

func TestPublisherFlushesBatchOnStop(t *testing.T) {
	client := newTestRedis(t)
	p, err := NewPublisher(&PublisherConfig{
		RedisClient:    client,
		ChannelPrefix:  "records:events",
		BatchSize:      100,
		FlushInterval:  time.Hour,
		EnableBatching: true,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := p.Subscribe(ctx, nil)
	require.NoError(t, err)

	ev, err := NewEvent(EventVoteCast, SeverityInfo, "consensus", &VoteEventPayload{RecordID: 4})
	require.NoError(t, err)
	require.NoError(t, p.Publish(ev))
	assert.Equal(t, 1, p.Stats().Pending)

	require.NoError(t, p.Stop())

	select {
	case got := <-stream:
		require.NotNil(t, got)
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("batched event lost on shutdown")
	}
	assert.Error(t, p.Publish(ev), "publisher stopped")
}

func TestPublisherReplayLog(t *testing.T) {
	client := newTestRedis(t)
	p, err := NewPublisher(&PublisherConfig{RedisClient: client, ChannelPrefix: "records:events", LogLength: 1000})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	var ids []string
	for i := uint64(1); i <= 5; i++ {
		ev, err := NewEvent(EventRecordUploaded, SeverityInfo, "registry", &RecordEventPayload{RecordID: i})
		require.NoError(t, err)
		require.NoError(t, p.Publish(ev))
		ids = append(ids, ev.ID)
	}

	ctx := context.Background()
	first, cursor, err := p.Replay(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, ids[:3], []string{first[0].ID, first[1].ID, first[2].ID})

	rest, cursor2, err := p.Replay(ctx, cursor, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[3], rest[0].ID)
	assert.Equal(t, ids[4], rest[1].ID)

	none, cursor3, err := p.Replay(ctx, cursor2, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, cursor2, cursor3, "cursor stays put at the end of the log")
}

func TestPublisherWithoutLog(t *testing.T) {
	p, err := NewPublisher(&PublisherConfig{RedisClient: newTestRedis(t)})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	ev, err := NewEvent(EventVoteCast, SeverityInfo, "consensus", &VoteEventPayload{RecordID: 1})
	require.NoError(t, err)
	require.NoError(t, p.Publish(ev))

	replayed, _, err := p.Replay(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, replayed)
}
