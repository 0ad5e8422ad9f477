package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultEventChannel is the default Redis channel prefix for events
	DefaultEventChannel = "records:events"

	// DefaultBatchSize is the default batch size for publishing
	DefaultBatchSize = 100

	// DefaultFlushInterval is the default interval for flushing batched events
	DefaultFlushInterval = 1 * time.Second

	// DefaultLogLength is how many events the replay log keeps, approximately
	DefaultLogLength = 100000

	eventField = "event"
)

// PublisherConfig contains configuration for the Redis publisher
type PublisherConfig struct {
	RedisClient    *redis.Client
	ChannelPrefix  string        // Prefix for Redis channels
	Network        string        // Optional network segment in channel names, e.g. "31337"
	BatchSize      int           // Number of events to batch before publishing
	FlushInterval  time.Duration // Maximum time to wait before flushing
	EnableBatching bool          // Enable event batching
	LogLength      int64         // Replay log cap; 0 disables the log
}

// DefaultPublisherConfig returns a default publisher configuration
func DefaultPublisherConfig(redisClient *redis.Client) *PublisherConfig {
	return &PublisherConfig{
		RedisClient:    redisClient,
		ChannelPrefix:  DefaultEventChannel,
		BatchSize:      DefaultBatchSize,
		FlushInterval:  DefaultFlushInterval,
		EnableBatching: true,
		LogLength:      DefaultLogLength,
	}
}

// PublisherStats is a point-in-time view of the publisher counters
type PublisherStats struct {
	EventsPublished  uint64 `json:"eventsPublished"`
	BatchesPublished uint64 `json:"batchesPublished"`
	PublishErrors    uint64 `json:"publishErrors"`
	Pending          int    `json:"pending"`
	Running          bool   `json:"running"`
}

// Publisher forwards events to Redis. Each event goes to the pub/sub channel
// of its family for live consumers and, when LogLength is set, to a capped
// stream that a new mirror can replay.
type Publisher struct {
	config *PublisherConfig
	redis  *redis.Client

	// Pending events; sends happen under this lock so Redis sees emit order
	pending []*Event
	sendMu  sync.Mutex

	published atomic.Uint64
	batches   atomic.Uint64
	errors    atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewPublisher creates a new Redis event publisher
func NewPublisher(config *PublisherConfig) (*Publisher, error) {
	if config == nil || config.RedisClient == nil {
		return nil, fmt.Errorf("invalid publisher configuration")
	}
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = DefaultEventChannel
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		config:  config,
		redis:   config.RedisClient,
		pending: make([]*Event, 0, config.BatchSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the publisher
func (p *Publisher) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}

	log.WithFields(log.Fields{
		"prefix":   p.config.ChannelPrefix,
		"batching": p.config.EnableBatching,
		"log":      p.logKey(),
	}).Info("Starting Redis event publisher")

	if p.config.EnableBatching {
		p.wg.Add(1)
		go p.flushLoop()
	}

	return nil
}

// Stop flushes pending events and shuts the publisher down
func (p *Publisher) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return fmt.Errorf("publisher not running")
	}

	log.Info("Stopping Redis event publisher")

	// Flush before cancelling, sends use p.ctx
	if err := p.Flush(); err != nil {
		log.WithError(err).Warn("Failed to flush events on shutdown")
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Redis event publisher stopped gracefully")
	case <-time.After(5 * time.Second):
		log.Warn("Redis event publisher shutdown timeout")
	}

	return nil
}

// Publish sends an event to Redis, or queues it when batching
func (p *Publisher) Publish(event *Event) error {
	if !p.running.Load() {
		return fmt.Errorf("publisher not running")
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if !p.config.EnableBatching {
		return p.send([]*Event{event})
	}

	p.pending = append(p.pending, event)
	if len(p.pending) >= p.config.BatchSize {
		return p.flushLocked()
	}
	return nil
}

// Flush sends any queued events now
func (p *Publisher) Flush() error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.flushLocked()
}

func (p *Publisher) flushLocked() error {
	if len(p.pending) == 0 {
		return nil
	}
	batch := p.pending
	p.pending = make([]*Event, 0, p.config.BatchSize)
	return p.send(batch)
}

// send pipelines events in order, each to its family channel and the log
func (p *Publisher) send(batch []*Event) error {
	pipe := p.redis.Pipeline()
	queued := 0
	for _, evt := range batch {
		data, err := evt.ToJSON()
		if err != nil {
			log.WithError(err).WithField("event_id", evt.ID).Error("Failed to serialize event")
			p.errors.Add(1)
			continue
		}
		pipe.Publish(p.ctx, p.channel(evt.Type), data)
		if p.config.LogLength > 0 {
			pipe.XAdd(p.ctx, &redis.XAddArgs{
				Stream: p.logKey(),
				MaxLen: p.config.LogLength,
				Approx: true,
				Values: map[string]interface{}{eventField: data},
			})
		}
		queued++
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(p.ctx); err != nil {
		p.errors.Add(1)
		log.WithError(err).WithField("events", queued).Error("Failed to publish event batch")
		return fmt.Errorf("failed to publish %d events: %w", queued, err)
	}

	p.published.Add(uint64(queued))
	p.batches.Add(1)
	return nil
}

func (p *Publisher) prefix() string {
	if p.config.Network != "" {
		return p.config.ChannelPrefix + ":" + p.config.Network
	}
	return p.config.ChannelPrefix
}

// channel returns the pub/sub channel for an event type
func (p *Publisher) channel(eventType EventType) string {
	return p.prefix() + ":" + eventType.Family()
}

// logKey returns the replay stream key
func (p *Publisher) logKey() string {
	return p.prefix() + ":log"
}

// Handler returns an emitter subscriber handler that forwards every event
func (p *Publisher) Handler() EventHandler {
	return func(event *Event) {
		if err := p.Publish(event); err != nil {
			log.WithError(err).WithField("event_type", event.Type).Warn("Failed to forward event to Redis")
		}
	}
}

func (p *Publisher) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = p.Flush()
		case <-p.ctx.Done():
			return
		}
	}
}

// Stats returns publisher counters
func (p *Publisher) Stats() PublisherStats {
	p.sendMu.Lock()
	pending := len(p.pending)
	p.sendMu.Unlock()

	return PublisherStats{
		EventsPublished:  p.published.Load(),
		BatchesPublished: p.batches.Load(),
		PublishErrors:    p.errors.Load(),
		Pending:          pending,
		Running:          p.running.Load(),
	}
}

// Subscribe streams live events of the given types. Nil or empty types
// means every event under the prefix. The returned channel closes when ctx
// ends or the connection drops.
func (p *Publisher) Subscribe(ctx context.Context, eventTypes []EventType) (<-chan *Event, error) {
	// Channels are per family, so several types may share one
	channels := make([]string, 0, len(eventTypes))
	wanted := make(map[EventType]bool, len(eventTypes))
	seen := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		wanted[eventType] = true
		if ch := p.channel(eventType); !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		channels = append(channels, p.prefix()+":*")
	}

	// PSubscribe is asynchronous; wait for the confirmation so no event
	// published after Subscribe returns is missed.
	pubsub := p.redis.PSubscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan *Event, 100)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok || msg == nil {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.WithError(err).WithField("channel", msg.Channel).Warn("Failed to parse event from Redis")
					continue
				}
				if len(wanted) > 0 && !wanted[event.Type] {
					continue
				}
				select {
				case out <- &event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Replay returns up to count logged events with stream ids after afterID,
// oldest first, and the id to pass on the next call. Use "" to start at the
// beginning of the log.
func (p *Publisher) Replay(ctx context.Context, afterID string, count int64) ([]*Event, string, error) {
	start := "-"
	if afterID != "" {
		// Inclusive start; the cursor entry itself is skipped below
		start = afterID
		count++
	}

	entries, err := p.redis.XRangeN(ctx, p.logKey(), start, "+", count).Result()
	if err != nil {
		return nil, afterID, fmt.Errorf("failed to read event log: %w", err)
	}

	out := make([]*Event, 0, len(entries))
	next := afterID
	for _, entry := range entries {
		if entry.ID == afterID {
			continue
		}
		next = entry.ID
		raw, ok := entry.Values[eventField].(string)
		if !ok {
			log.WithField("entry", entry.ID).Warn("Event log entry without payload")
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			log.WithError(err).WithField("entry", entry.ID).Warn("Failed to parse logged event")
			continue
		}
		out = append(out, &event)
	}
	return out, next, nil
}
