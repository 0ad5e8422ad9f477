package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultBufferSize is the default size of the event buffer
	DefaultBufferSize = 1000

	// DefaultMaxWorkers is the default number of concurrent event processors
	DefaultMaxWorkers = 10

	// DefaultEventTimeout bounds a single subscriber call
	DefaultEventTimeout = 5 * time.Second

	drainTimeout = 5 * time.Second
)

// EmitterConfig contains configuration for the event emitter
type EmitterConfig struct {
	BufferSize     int           // Size of the event buffer channel
	MaxWorkers     int           // Concurrent deliveries; 1 delivers in emit order
	EventTimeout   time.Duration // Timeout for one subscriber call
	DropOnOverflow bool          // Fail Emit instead of blocking when the buffer is full
	ChainID        int64         // Chain the registry is bound to
	Registry       string        // Registry contract address
	NodeID         string        // Identifier of this node

	// Registerer receives the emitter's counters. Optional.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a default configuration
func DefaultConfig() *EmitterConfig {
	return &EmitterConfig{
		BufferSize:     DefaultBufferSize,
		MaxWorkers:     DefaultMaxWorkers,
		EventTimeout:   DefaultEventTimeout,
		DropOnOverflow: true,
	}
}

// EmitterStats is a point-in-time view of the emitter counters
type EmitterStats struct {
	Emitted        uint64 `json:"emitted"`
	Dropped        uint64 `json:"dropped"`
	Delivered      uint64 `json:"delivered"`
	HandlerErrors  uint64 `json:"handlerErrors"`
	BufferUsage    int    `json:"bufferUsage"`
	BufferCapacity int    `json:"bufferCapacity"`
	Subscribers    int    `json:"subscribers"`
	Running        bool   `json:"running"`
}

// Emitter fans registry events out to in-process subscribers. With a single
// worker every subscriber sees events in the order they were emitted, which
// the state mirror relies on.
type Emitter struct {
	config *EmitterConfig

	queue chan *Event

	subscribers map[string]*Subscriber
	subMutex    sync.RWMutex

	// Worker tokens; nil when delivering inline
	tokens chan struct{}
	wg     sync.WaitGroup

	emitted       atomic.Uint64
	dropped       atomic.Uint64
	delivered     atomic.Uint64
	handlerErrors atomic.Uint64

	emittedByType *prometheus.CounterVec
	failures      *prometheus.CounterVec

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
}

// NewEmitter creates a new event emitter with the given configuration
func NewEmitter(config *EmitterConfig) *Emitter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.EventTimeout <= 0 {
		config.EventTimeout = DefaultEventTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		config:      config,
		queue:       make(chan *Event, config.BufferSize),
		subscribers: make(map[string]*Subscriber),
		ctx:         ctx,
		cancel:      cancel,
	}

	if config.MaxWorkers > 1 {
		e.tokens = make(chan struct{}, config.MaxWorkers)
		for i := 0; i < config.MaxWorkers; i++ {
			e.tokens <- struct{}{}
		}
	}

	if config.Registerer != nil {
		e.registerCollectors(config.Registerer)
	}

	return e
}

func (e *Emitter) registerCollectors(reg prometheus.Registerer) {
	e.emittedByType = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "records_events_emitted_total",
		Help: "Events accepted by the emitter, by type",
	}, []string{"type"})
	e.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "records_event_handler_failures_total",
		Help: "Subscriber calls that panicked or timed out",
	}, []string{"subscriber", "reason"})

	reg.MustRegister(
		e.emittedByType,
		e.failures,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "records_events_dropped_total",
			Help: "Events refused because the buffer was full",
		}, func() float64 { return float64(e.dropped.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "records_event_buffer_usage",
			Help: "Events waiting for delivery",
		}, func() float64 { return float64(len(e.queue)) }),
	)
}

// Start begins processing events
func (e *Emitter) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("emitter already running")
	}

	log.WithFields(log.Fields{
		"workers": e.config.MaxWorkers,
		"buffer":  e.config.BufferSize,
		"ordered": e.tokens == nil,
	}).Info("Starting event emitter")

	e.wg.Add(1)
	go e.dispatch()

	return nil
}

// Stop delivers what is already queued, bounded by a drain timeout, and
// stops the dispatcher.
func (e *Emitter) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return fmt.Errorf("emitter not running")
	}

	log.Info("Stopping event emitter")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Event emitter stopped gracefully")
	case <-time.After(2 * drainTimeout):
		log.Warn("Event emitter shutdown timeout, some events may be lost")
	}

	return nil
}

// Emit queues an event for delivery
func (e *Emitter) Emit(event *Event) error {
	if !e.running.Load() {
		return fmt.Errorf("emitter not running")
	}

	e.stamp(event)

	select {
	case e.queue <- event:
		e.accepted(event)
		return nil
	default:
	}

	if e.config.DropOnOverflow {
		e.dropped.Add(1)
		log.WithFields(log.Fields{
			"event_type": event.Type,
			"event_id":   event.ID,
			"record_id":  event.RecordID,
		}).Warn("Event dropped due to buffer overflow")
		return fmt.Errorf("event buffer full, %s dropped", event.Type)
	}

	select {
	case e.queue <- event:
		e.accepted(event)
		return nil
	case <-e.ctx.Done():
		return fmt.Errorf("emitter shutting down")
	}
}

func (e *Emitter) accepted(event *Event) {
	e.emitted.Add(1)
	if e.emittedByType != nil {
		e.emittedByType.WithLabelValues(string(event.Type)).Inc()
	}
}

// stamp fills the deployment context the caller left empty
func (e *Emitter) stamp(event *Event) {
	if event.ChainID == 0 {
		event.ChainID = e.config.ChainID
	}
	if event.Registry == "" {
		event.Registry = e.config.Registry
	}
	if event.NodeID == "" {
		event.NodeID = e.config.NodeID
	}
}

// Subscribe adds a new subscriber for events
func (e *Emitter) Subscribe(subscriber *Subscriber) error {
	if subscriber == nil || subscriber.ID == "" || subscriber.Handler == nil {
		return fmt.Errorf("invalid subscriber")
	}

	e.subMutex.Lock()
	defer e.subMutex.Unlock()

	if _, exists := e.subscribers[subscriber.ID]; exists {
		return fmt.Errorf("subscriber %s already exists", subscriber.ID)
	}

	e.subscribers[subscriber.ID] = subscriber
	log.WithField("subscriber_id", subscriber.ID).Debug("Subscriber added")

	return nil
}

// Unsubscribe removes a subscriber
func (e *Emitter) Unsubscribe(subscriberID string) error {
	e.subMutex.Lock()
	defer e.subMutex.Unlock()

	if _, exists := e.subscribers[subscriberID]; !exists {
		return fmt.Errorf("subscriber %s not found", subscriberID)
	}

	delete(e.subscribers, subscriberID)
	log.WithField("subscriber_id", subscriberID).Debug("Subscriber removed")

	return nil
}

// dispatch moves queued events to subscribers until the emitter stops
func (e *Emitter) dispatch() {
	defer e.wg.Done()

	for {
		select {
		case event := <-e.queue:
			e.schedule(event)
		case <-e.ctx.Done():
			e.drain()
			return
		}
	}
}

// schedule delivers inline in ordered mode, otherwise on a pooled goroutine
func (e *Emitter) schedule(event *Event) {
	if e.tokens == nil {
		e.deliver(event)
		return
	}

	select {
	case token := <-e.tokens:
		e.wg.Add(1)
		go func() {
			defer func() {
				e.tokens <- token
				e.wg.Done()
			}()
			e.deliver(event)
		}()
	case <-e.ctx.Done():
		// Shutting down; deliver on the dispatcher so the event is not lost
		e.deliver(event)
	}
}

// deliver hands event to every interested subscriber, one at a time
func (e *Emitter) deliver(event *Event) {
	e.subMutex.RLock()
	targets := make([]*Subscriber, 0, len(e.subscribers))
	for _, sub := range e.subscribers {
		if sub.wants(event) {
			targets = append(targets, sub)
		}
	}
	e.subMutex.RUnlock()

	for _, sub := range targets {
		e.call(sub, event)
	}
	e.delivered.Add(1)
}

// call runs one subscriber handler, isolating panics and slow handlers
func (e *Emitter) call(sub *Subscriber, event *Event) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				e.handlerFailed(sub.ID, "panic")
				log.WithFields(log.Fields{
					"subscriber_id": sub.ID,
					"event_type":    event.Type,
					"error":         r,
				}).Error("Panic in event handler")
			}
		}()
		sub.Handler(event)
	}()

	select {
	case <-done:
	case <-time.After(e.config.EventTimeout):
		e.handlerFailed(sub.ID, "timeout")
		log.WithFields(log.Fields{
			"subscriber_id": sub.ID,
			"event_type":    event.Type,
			"event_id":      event.ID,
		}).Warn("Event handler timeout")
	}
}

func (e *Emitter) handlerFailed(subscriberID, reason string) {
	e.handlerErrors.Add(1)
	if e.failures != nil {
		e.failures.WithLabelValues(subscriberID, reason).Inc()
	}
}

// drain delivers events still buffered at shutdown
func (e *Emitter) drain() {
	deadline := time.After(drainTimeout)
	for {
		select {
		case event := <-e.queue:
			e.deliver(event)
		case <-deadline:
			if remaining := len(e.queue); remaining > 0 {
				log.Warnf("Shutdown timeout, dropping %d events", remaining)
			}
			return
		default:
			return
		}
	}
}

// Stats returns the current emitter counters
func (e *Emitter) Stats() EmitterStats {
	e.subMutex.RLock()
	subscribers := len(e.subscribers)
	e.subMutex.RUnlock()

	return EmitterStats{
		Emitted:        e.emitted.Load(),
		Dropped:        e.dropped.Load(),
		Delivered:      e.delivered.Load(),
		HandlerErrors:  e.handlerErrors.Load(),
		BufferUsage:    len(e.queue),
		BufferCapacity: cap(e.queue),
		Subscribers:    subscribers,
		Running:        e.running.Load(),
	}
}

// EmitCompetition emits a competition lifecycle event
func (e *Emitter) EmitCompetition(eventType EventType, actor string, payload *CompetitionEventPayload) error {
	event, err := NewEvent(eventType, SeverityInfo, "registry", payload)
	if err != nil {
		return err
	}
	event.CompetitionID = payload.CompetitionID
	event.Actor = actor

	return e.Emit(event)
}

// EmitRecord emits a record state event. Challenges and revocations carry a
// raised severity so log-based alerting can pick them up.
func (e *Emitter) EmitRecord(eventType EventType, actor string, payload *RecordEventPayload) error {
	severity := SeverityInfo
	switch eventType {
	case EventRecordChallenged:
		severity = SeverityWarning
	case EventRecordRevoked:
		severity = SeverityError
	}

	event, err := NewEvent(eventType, severity, "registry", payload)
	if err != nil {
		return err
	}
	event.CompetitionID = payload.CompetitionID
	event.RecordID = payload.RecordID
	event.Actor = actor

	return e.Emit(event)
}

// EmitVoteCast emits a vote event
func (e *Emitter) EmitVoteCast(payload *VoteEventPayload) error {
	event, err := NewEvent(EventVoteCast, SeverityInfo, "consensus", payload)
	if err != nil {
		return err
	}
	event.CompetitionID = payload.CompetitionID
	event.RecordID = payload.RecordID
	event.Actor = payload.Validator

	return e.Emit(event)
}

// EmitCertificateIssued emits a certificate minted event
func (e *Emitter) EmitCertificateIssued(payload *CertificateEventPayload) error {
	event, err := NewEvent(EventCertificateIssued, SeverityInfo, "certificate", payload)
	if err != nil {
		return err
	}
	event.CompetitionID = payload.CompetitionID
	event.RecordID = payload.RecordID
	event.Actor = payload.Issuer

	return e.Emit(event)
}

// EmitDecryptionServed emits an audit event for a served decryption
func (e *Emitter) EmitDecryptionServed(payload *DecryptionEventPayload) error {
	event, err := NewEvent(EventDecryptionServed, SeverityDebug, "gateway", payload)
	if err != nil {
		return err
	}
	event.RecordID = payload.RecordID
	event.Actor = payload.Viewer

	return e.Emit(event)
}
