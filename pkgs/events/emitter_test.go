package events

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEmitter(t *testing.T, workers int) *Emitter {
	t.Helper()
	e := NewEmitter(&EmitterConfig{
		BufferSize:     64,
		MaxWorkers:     workers,
		EventTimeout:   time.Second,
		DropOnOverflow: true,
		ChainID:        31337,
		Registry:       "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		NodeID:         "node-1",
	})
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestEmitterDeliversInOrderWithSingleWorker(t *testing.T) {
	e := startEmitter(t, 1)

	got := make(chan *Event, 10)
	require.NoError(t, e.Subscribe(&Subscriber{
		ID:      "collector",
		Handler: func(ev *Event) { got <- ev },
	}))

	require.NoError(t, e.EmitRecord(EventRecordUploaded, "0xrecorder", &RecordEventPayload{RecordID: 7, CompetitionID: 1, State: "Pending"}))
	require.NoError(t, e.EmitVoteCast(&VoteEventPayload{RecordID: 7, CompetitionID: 1, Validator: "0xa", Approved: true, ValidationCount: 1, State: "Verified"}))
	require.NoError(t, e.EmitRecord(EventRecordVerified, "0xa", &RecordEventPayload{RecordID: 7, CompetitionID: 1, State: "Verified"}))

	var order []EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-got:
			order = append(order, ev.Type)
			assert.Equal(t, uint64(7), ev.RecordID)
			assert.Equal(t, int64(31337), ev.ChainID)
			assert.Equal(t, "node-1", ev.NodeID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []EventType{EventRecordUploaded, EventVoteCast, EventRecordVerified}, order)
}

func TestEmitterTypeFilter(t *testing.T) {
	e := startEmitter(t, 2)

	var mu sync.Mutex
	var seen []EventType
	done := make(chan struct{}, 1)
	require.NoError(t, e.Subscribe(&Subscriber{
		ID:    "certificates-only",
		Types: []EventType{EventCertificateIssued},
		Handler: func(ev *Event) {
			mu.Lock()
			seen = append(seen, ev.Type)
			mu.Unlock()
			done <- struct{}{}
		},
	}))

	require.NoError(t, e.EmitCompetition(EventCompetitionRegistered, "0xhost", &CompetitionEventPayload{CompetitionID: 1, Host: "0xhost", IsActive: true}))
	require.NoError(t, e.EmitCertificateIssued(&CertificateEventPayload{TokenID: 1, RecordID: 2, CompetitionID: 1, Owner: "0xowner"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("certificate event not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventCertificateIssued}, seen)
}

func TestEmitterSurvivesPanickingHandler(t *testing.T) {
	e := startEmitter(t, 1)

	got := make(chan struct{}, 2)
	require.NoError(t, e.Subscribe(&Subscriber{ID: "a-panics", Handler: func(*Event) { panic("boom") }}))
	require.NoError(t, e.Subscribe(&Subscriber{ID: "b-counts", Handler: func(*Event) { got <- struct{}{} }}))

	require.NoError(t, e.EmitDecryptionServed(&DecryptionEventPayload{RecordID: 1, Viewer: "0xv", Role: "participant", Handles: 2}))
	require.NoError(t, e.EmitDecryptionServed(&DecryptionEventPayload{RecordID: 1, Viewer: "0xv", Role: "participant", Handles: 2}))

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("healthy subscriber starved")
		}
	}
}

func TestEmitterLifecycle(t *testing.T) {
	e := NewEmitter(nil)
	ev, err := NewEvent(EventVoteCast, SeverityInfo, "test", &VoteEventPayload{RecordID: 1})
	require.NoError(t, err)

	assert.Error(t, e.Emit(ev), "not started")
	require.NoError(t, e.Start())
	assert.Error(t, e.Start(), "already running")
	require.NoError(t, e.Subscribe(&Subscriber{ID: "x", Handler: func(*Event) {}}))
	assert.Error(t, e.Subscribe(&Subscriber{ID: "x", Handler: func(*Event) {}}), "duplicate id")
	require.NoError(t, e.Unsubscribe("x"))
	require.NoError(t, e.Stop())
	assert.Error(t, e.Emit(ev), "stopped")
}

func TestEventPayloadRoundTrip(t *testing.T) {
	ev, err := NewEvent(EventRecordRevoked, SeverityError, "registry", &RecordEventPayload{RecordID: 3, State: "Revoked", Reason: "doping"})
	require.NoError(t, err)
	assert.Contains(t, ev.ID, "evt_")

	var payload RecordEventPayload
	require.NoError(t, ev.DecodePayload(&payload))
	assert.Equal(t, "doping", payload.Reason)
	assert.Equal(t, "record", ev.Type.Family())
	assert.Equal(t, "vote", EventVoteCast.Family())
}

func TestEmitterCountersAndCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewEmitter(&EmitterConfig{BufferSize: 8, MaxWorkers: 1, EventTimeout: 50 * time.Millisecond, Registerer: reg})
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Stop() })

	handled := make(chan struct{}, 4)
	require.NoError(t, e.Subscribe(&Subscriber{ID: "slow", Types: []EventType{EventRecordRevoked}, Handler: func(*Event) {
		time.Sleep(200 * time.Millisecond)
	}}))
	require.NoError(t, e.Subscribe(&Subscriber{ID: "fast", Handler: func(*Event) { handled <- struct{}{} }}))

	require.NoError(t, e.EmitRecord(EventRecordUploaded, "0xr", &RecordEventPayload{RecordID: 1}))
	require.NoError(t, e.EmitRecord(EventRecordRevoked, "0xh", &RecordEventPayload{RecordID: 1, Reason: "late"}))

	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("events not delivered")
		}
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(e.emittedByType.WithLabelValues(string(EventRecordUploaded))))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(e.failures.WithLabelValues("slow", "timeout")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := e.Stats()
	assert.Equal(t, uint64(2), stats.Emitted)
	assert.Equal(t, uint64(1), stats.HandlerErrors)
	assert.Equal(t, 2, stats.Subscribers)
	assert.True(t, stats.Running)
}
