package tracker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/podium-protocol/confidential-records/pkgs/events"
	"github.com/podium-protocol/confidential-records/pkgs/metrics"
	keys "github.com/podium-protocol/confidential-records/pkgs/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*StateTracker, *metrics.Metrics, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := metrics.New(prometheus.NewRegistry())
	kb := keys.NewKeyBuilder(31337, "0x5fbdb2315678afecb367f032d93f642f64180aa3")
	return NewStateTracker(client, kb, m), m, mr
}

func mustEvent(t *testing.T, typ events.EventType, payload interface{}) *events.Event {
	t.Helper()
	ev, err := events.NewEvent(typ, events.SeverityInfo, "test", payload)
	require.NoError(t, err)
	return ev
}

func TestTrackerMirrorsRecordLifecycle(t *testing.T) {
	st, m, mr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventCompetitionRegistered, &events.CompetitionEventPayload{
		CompetitionID: 1, Host: "0xhost", MetadataCID: "ipfs://meta", RequiredConfirmations: 1,
		Validators: []string{"0xa"}, IsActive: true,
	})))

	record := &events.RecordEventPayload{RecordID: 5, CompetitionID: 1, ParticipantWallet: "0xp", Recorder: "0xr", State: StatePending}
	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventRecordUploaded, record)))
	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventVoteCast, &events.VoteEventPayload{
		RecordID: 5, CompetitionID: 1, Validator: "0xa", Approved: true, ValidationCount: 1, State: StateVerified,
	})))

	verified := *record
	verified.State = StateVerified
	verified.ValidationCount = 1
	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventRecordVerified, &verified)))

	fields, err := st.Record(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, fields["state"])
	assert.Equal(t, "1", fields["validation_count"])

	pending, err := st.RecordIDsByState(ctx, StatePending)
	require.NoError(t, err)
	assert.Empty(t, pending, "record left the pending set")
	ids, err := st.RecordIDsByState(ctx, StateVerified)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, ids)

	votes, err := st.Votes(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0xa": "approve"}, votes)

	page, err := st.CompetitionRecordIDs(ctx, 1, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, page)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("record", "none", StatePending)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("record", StatePending, StateVerified)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveEntities.WithLabelValues("record", StateVerified)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Votes.WithLabelValues("approve")))

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[string(events.EventRecordVerified)])

	assert.True(t, mr.Exists("records:31337:0x5FbDB2315678afecb367f032d93F642f64180aa3:record:5"),
		"keys use the checksummed registry address")
}

func TestTrackerCompetitionStatus(t *testing.T) {
	st, m, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventCompetitionRegistered, &events.CompetitionEventPayload{CompetitionID: 2, Host: "0xhost", IsActive: true})))
	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventCompetitionStatusChanged, &events.CompetitionEventPayload{CompetitionID: 2, Host: "0xhost", IsActive: false})))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("competition", "active", "inactive")))
}

func TestTrackerCertificatesAndAudit(t *testing.T) {
	st, _, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventCertificateIssued, &events.CertificateEventPayload{
		TokenID: 3, RecordID: 9, CompetitionID: 1, Owner: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", Issuer: "0xhost",
	})))
	token, ok, err := st.CertificateForRecord(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), token)

	_, ok, err = st.CertificateForRecord(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 0; i < decryptionLogSize+5; i++ {
		require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventDecryptionServed, &events.DecryptionEventPayload{RecordID: 9, Viewer: "0xv", Role: "host", Handles: 2})))
	}
	entries, err := st.DecryptionLog(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, entries, decryptionLogSize)
}

func TestTrackerListensOnStream(t *testing.T) {
	st, _, _ := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := make(chan *events.Event, 1)
	done := make(chan struct{})
	go func() {
		st.StartEventListener(ctx, stream)
		close(done)
	}()

	stream <- mustEvent(t, events.EventRecordUploaded, &events.RecordEventPayload{RecordID: 1, CompetitionID: 1, State: StatePending})

	require.Eventually(t, func() bool {
		fields, err := st.Record(context.Background(), 1)
		return err == nil && fields["state"] == StatePending
	}, 2*time.Second, 10*time.Millisecond)

	st.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

type sliceLog struct {
	entries []*events.Event
	calls   int
}

// Replay uses the slice index as the log id.
func (l *sliceLog) Replay(_ context.Context, afterID string, count int64) ([]*events.Event, string, error) {
	l.calls++
	start := 0
	if afterID != "" {
		fmt.Sscanf(afterID, "%d", &start)
	}
	end := start + int(count)
	if end > len(l.entries) {
		end = len(l.entries)
	}
	if start >= end {
		return nil, afterID, nil
	}
	return l.entries[start:end], fmt.Sprintf("%d", end), nil
}

func TestTrackerBackfillIsIdempotent(t *testing.T) {
	st, _, mr := newTestTracker(t)
	ctx := context.Background()

	uploaded := mustEvent(t, events.EventRecordUploaded, &events.RecordEventPayload{RecordID: 8, CompetitionID: 1, State: StatePending})
	challenged := mustEvent(t, events.EventRecordChallenged, &events.RecordEventPayload{RecordID: 8, CompetitionID: 1, State: StateChallenged})

	// Delivered live before the mirror caught up
	require.NoError(t, st.Apply(ctx, uploaded))

	source := &sliceLog{entries: []*events.Event{uploaded, challenged}}
	n, err := st.Backfill(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[string(events.EventRecordUploaded)], "replayed duplicate not applied twice")
	assert.Equal(t, int64(1), stats[string(events.EventRecordChallenged)])

	fields, err := st.Record(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, StateChallenged, fields["state"])

	cursor, err := mr.Get("records:31337:0x5FbDB2315678afecb367f032d93F642f64180aa3:replay:cursor")
	require.NoError(t, err)
	assert.Equal(t, "2", cursor)

	// A second backfill resumes from the stored cursor and reads nothing
	n, err = st.Backfill(ctx, source)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrackerIgnoresStaleRecordRevisions(t *testing.T) {
	st, m, _ := newTestTracker(t)
	ctx := context.Background()

	uploaded := &events.RecordEventPayload{RecordID: 4, CompetitionID: 1, ParticipantWallet: "0xp", State: StatePending, Revision: 1}
	verified := *uploaded
	verified.State = StateVerified
	verified.ValidationCount = 2
	verified.Revision = 3

	// The second vote commits last but is delivered first.
	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventVoteCast, &events.VoteEventPayload{
		RecordID: 4, CompetitionID: 1, Validator: "0xb", Approved: true, ValidationCount: 2, State: StateVerified, Revision: 3,
	})))
	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventRecordVerified, &verified)))
	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventVoteCast, &events.VoteEventPayload{
		RecordID: 4, CompetitionID: 1, Validator: "0xa", Approved: true, ValidationCount: 1, State: StatePending, Revision: 2,
	})))
	require.NoError(t, st.Apply(ctx, mustEvent(t, events.EventRecordUploaded, uploaded)))

	fields, err := st.Record(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, fields["state"])
	assert.Equal(t, "2", fields["validation_count"])
	assert.Equal(t, "3", fields["revision"])
	assert.Equal(t, "0xp", fields["participant_wallet"], "late upload still fills static fields")

	pending, err := st.RecordIDsByState(ctx, StatePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
	verifiedIDs, err := st.RecordIDsByState(ctx, StateVerified)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4}, verifiedIDs)

	votes, err := st.Votes(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0xa": "approve", "0xb": "approve"}, votes)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Votes.WithLabelValues("approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("record", "none", StateVerified)))
}

func TestTrackerFailedApplyAllowsRedelivery(t *testing.T) {
	st, _, mr := newTestTracker(t)
	ctx := context.Background()

	bad := mustEvent(t, events.EventRecordUploaded, "not a record")
	require.Error(t, st.Apply(ctx, bad))
	assert.False(t, mr.Exists(st.keyBuilder.AppliedEvent(bad.ID)), "marker cleared after a failed apply")
	require.Error(t, st.Apply(ctx, bad), "redelivery is attempted again")
}
