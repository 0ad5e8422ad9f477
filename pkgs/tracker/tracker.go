package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/podium-protocol/confidential-records/pkgs/events"
	"github.com/podium-protocol/confidential-records/pkgs/metrics"
	keys "github.com/podium-protocol/confidential-records/pkgs/redis"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Record states as mirrored in Redis.
const (
	StatePending    = "Pending"
	StateVerified   = "Verified"
	StateChallenged = "Challenged"
	StateRevoked    = "Revoked"
)

var recordStates = []string{StatePending, StateVerified, StateChallenged, StateRevoked}

// decryptionLogSize bounds the per-record decryption audit list.
const decryptionLogSize = 100

// applyTimeout bounds the Redis work for a single event.
const applyTimeout = 5 * time.Second

// maxWatchRetries bounds optimistic retries when a record key changes
// under a concurrent writer.
const maxWatchRetries = 5

// appliedTTL is how long an event id is remembered. Replay and live delivery
// of the same event must fall inside it.
const appliedTTL = 7 * 24 * time.Hour

// StateTracker mirrors registry events into a Redis read model and counts
// state transitions. It never feeds back into the registry.
type StateTracker struct {
	redis      *redis.Client
	keyBuilder *keys.KeyBuilder
	metrics    *metrics.Metrics

	shutdown chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewStateTracker creates a tracker writing under keyBuilder's namespace.
func NewStateTracker(redisClient *redis.Client, keyBuilder *keys.KeyBuilder, m *metrics.Metrics) *StateTracker {
	return &StateTracker{
		redis:      redisClient,
		keyBuilder: keyBuilder,
		metrics:    m,
		shutdown:   make(chan struct{}),
	}
}

// Subscriber returns an emitter subscriber that applies every event.
func (st *StateTracker) Subscriber() *events.Subscriber {
	return &events.Subscriber{
		ID: "state-tracker",
		Handler: func(event *events.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
			defer cancel()
			if err := st.Apply(ctx, event); err != nil {
				log.WithError(err).WithField("event_type", event.Type).Error("Failed to apply event to state mirror")
			}
		},
	}
}

// StartEventListener applies events arriving on stream, typically a Redis
// subscription from events.Publisher, until the stream closes or Shutdown.
func (st *StateTracker) StartEventListener(ctx context.Context, stream <-chan *events.Event) {
	st.wg.Add(1)
	defer st.wg.Done()

	log.Info("State Tracker listening for events")

	for {
		select {
		case <-st.shutdown:
			return
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := st.Apply(ctx, event); err != nil {
				log.WithError(err).WithField("event_type", event.Type).Error("Failed to apply event")
			}
		}
	}
}

// Shutdown stops the listener and waits for it to exit.
func (st *StateTracker) Shutdown() {
	st.once.Do(func() { close(st.shutdown) })
	st.wg.Wait()
}

// Apply folds one event into the read model. An event id already applied is
// skipped, so live delivery and replay may overlap.
func (st *StateTracker) Apply(ctx context.Context, event *events.Event) error {
	if event.ID != "" {
		marker := st.keyBuilder.AppliedEvent(event.ID)
		fresh, err := st.redis.SetNX(ctx, marker, 1, appliedTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to mark event %s: %w", event.ID, err)
		}
		if !fresh {
			log.WithField("event_id", event.ID).Debug("Skipping event already applied")
			return nil
		}
		if err := st.apply(ctx, event); err != nil {
			// Let a redelivery try again
			if delErr := st.redis.Del(context.Background(), marker).Err(); delErr != nil {
				log.WithError(delErr).WithField("event_id", event.ID).Warn("Failed to clear applied marker; redelivery will be skipped")
			}
			return err
		}
		return nil
	}
	return st.apply(ctx, event)
}

func (st *StateTracker) apply(ctx context.Context, event *events.Event) error {
	var err error
	switch event.Type {
	case events.EventCompetitionRegistered, events.EventCompetitionStatusChanged:
		err = st.applyCompetition(ctx, event)
	case events.EventRecordUploaded, events.EventRecordVerified, events.EventRecordChallenged, events.EventRecordRevoked:
		err = st.applyRecord(ctx, event)
	case events.EventVoteCast:
		err = st.applyVote(ctx, event)
	case events.EventCertificateIssued:
		err = st.applyCertificate(ctx, event)
	case events.EventDecryptionServed:
		err = st.applyDecryption(ctx, event)
	default:
		log.WithField("event_type", event.Type).Debug("Ignoring event")
		return nil
	}
	if err != nil {
		return err
	}
	return st.redis.HIncrBy(ctx, st.keyBuilder.Stats(), string(event.Type), 1).Err()
}

func (st *StateTracker) applyCompetition(ctx context.Context, event *events.Event) error {
	var p events.CompetitionEventPayload
	if err := event.DecodePayload(&p); err != nil {
		return err
	}
	key := st.keyBuilder.Competition(p.CompetitionID)

	if event.Type == events.EventCompetitionStatusChanged {
		prev, err := st.redis.HGet(ctx, key, "is_active").Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to read competition %d: %w", p.CompetitionID, err)
		}
		if err := st.redis.HSet(ctx, key, "is_active", strconv.FormatBool(p.IsActive)).Err(); err != nil {
			return fmt.Errorf("failed to update competition %d: %w", p.CompetitionID, err)
		}
		st.transition("competition", activeLabel(prev == "true"), activeLabel(p.IsActive))
		return nil
	}

	validators, err := json.Marshal(p.Validators)
	if err != nil {
		return err
	}
	_, err = st.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"competition_id":         p.CompetitionID,
			"host":                   p.Host,
			"metadata_cid":           p.MetadataCID,
			"begin_time":             p.BeginTime,
			"finish_time":            p.FinishTime,
			"required_confirmations": p.RequiredConfirmations,
			"validators":             string(validators),
			"is_active":              strconv.FormatBool(p.IsActive),
		})
		pipe.ZAdd(ctx, st.keyBuilder.Competitions(), redis.Z{Score: float64(p.CompetitionID), Member: p.CompetitionID})
		if len(p.Validators) > 0 {
			members := make([]interface{}, len(p.Validators))
			for i, v := range p.Validators {
				members[i] = v
			}
			pipe.SAdd(ctx, st.keyBuilder.CompetitionValidators(p.CompetitionID), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror competition %d: %w", p.CompetitionID, err)
	}
	st.transition("competition", "", activeLabel(p.IsActive))
	return nil
}

// recordSnapshot holds the mutable part of a mirrored record.
type recordSnapshot struct {
	State           string
	ValidationCount uint32
	Reason          string
	// Zero marks an unversioned event, which is always applied.
	Revision uint64
}

func (st *StateTracker) applyRecord(ctx context.Context, event *events.Event) error {
	var p events.RecordEventPayload
	if err := event.DecodePayload(&p); err != nil {
		return err
	}
	static := map[string]interface{}{
		"record_id":          p.RecordID,
		"competition_id":     p.CompetitionID,
		"participant_id":     p.ParticipantID,
		"participant_wallet": p.ParticipantWallet,
		"recorder":           p.Recorder,
		"encrypted_time":     p.EncryptedTime,
		"encrypted_rank":     p.EncryptedRank,
		"record_cid":         p.RecordCID,
		"created_at":         p.CreatedAt,
	}
	return st.mirrorRecord(ctx, p.RecordID, p.CompetitionID, static, nil, recordSnapshot{
		State:           p.State,
		ValidationCount: p.ValidationCount,
		Reason:          p.Reason,
		Revision:        p.Revision,
	})
}

func (st *StateTracker) applyVote(ctx context.Context, event *events.Event) error {
	var p events.VoteEventPayload
	if err := event.DecodePayload(&p); err != nil {
		return err
	}
	decision := "reject"
	if p.Approved {
		decision = "approve"
	}
	err := st.mirrorRecord(ctx, p.RecordID, p.CompetitionID, nil, map[string]interface{}{p.Validator: decision}, recordSnapshot{
		State:           p.State,
		ValidationCount: p.ValidationCount,
		Revision:        p.Revision,
	})
	if err != nil {
		return fmt.Errorf("failed to mirror vote on record %d: %w", p.RecordID, err)
	}
	st.metrics.ObserveVote(p.Approved)
	return nil
}

// mirrorRecord writes a record's fields and state set membership. Static
// fields and votes are always written; the snapshot only when its revision is
// newer than the mirrored one, so events delivered out of commit order never
// move a record backwards.
func (st *StateTracker) mirrorRecord(ctx context.Context, recordID, competitionID uint64, static, votes map[string]interface{}, snap recordSnapshot) error {
	key := st.keyBuilder.Record(recordID)
	var prev string
	var newer bool

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "state", "revision").Result()
		if err != nil {
			return err
		}
		prev, _ = vals[0].(string)
		var current uint64
		if rev, ok := vals[1].(string); ok {
			current, _ = strconv.ParseUint(rev, 10, 64)
		}
		newer = snap.State != "" && (snap.Revision == 0 || snap.Revision > current)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(static) > 0 {
				pipe.HSet(ctx, key, static)
			}
			if len(votes) > 0 {
				pipe.HSet(ctx, st.keyBuilder.RecordVotes(recordID), votes)
			}
			pipe.ZAdd(ctx, st.keyBuilder.CompetitionRecords(competitionID), redis.Z{Score: float64(recordID), Member: recordID})
			if !newer {
				return nil
			}
			fields := map[string]interface{}{
				"record_id":        recordID,
				"competition_id":   competitionID,
				"state":            snap.State,
				"validation_count": snap.ValidationCount,
			}
			if snap.Revision != 0 {
				fields["revision"] = snap.Revision
			}
			if snap.Reason != "" {
				fields["revoke_reason"] = snap.Reason
			}
			pipe.HSet(ctx, key, fields)
			if prev != "" && prev != snap.State {
				pipe.SRem(ctx, st.keyBuilder.RecordsByState(prev), recordID)
			}
			pipe.SAdd(ctx, st.keyBuilder.RecordsByState(snap.State), recordID)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxWatchRetries; i++ {
		if err = st.redis.Watch(ctx, txf, key); err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to mirror record %d: %w", recordID, err)
	}

	if !newer {
		log.WithFields(log.Fields{
			"record_id": recordID,
			"revision":  snap.Revision,
		}).Debug("Mirror already holds a newer record revision")
		return nil
	}
	if prev != snap.State {
		st.transition("record", prev, snap.State)
		st.refreshStateGauges(ctx)
	}
	return nil
}

func (st *StateTracker) applyCertificate(ctx context.Context, event *events.Event) error {
	var p events.CertificateEventPayload
	if err := event.DecodePayload(&p); err != nil {
		return err
	}
	_, err := st.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, st.keyBuilder.Certificate(p.TokenID), map[string]interface{}{
			"token_id":       p.TokenID,
			"record_id":      p.RecordID,
			"competition_id": p.CompetitionID,
			"owner":          p.Owner,
			"issuer":         p.Issuer,
		})
		pipe.HSet(ctx, st.keyBuilder.CertificateByRecord(), strconv.FormatUint(p.RecordID, 10), p.TokenID)
		pipe.SAdd(ctx, st.keyBuilder.CertificatesOf(p.Owner), p.TokenID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror certificate %d: %w", p.TokenID, err)
	}
	st.transition("certificate", "", "issued")
	return nil
}

func (st *StateTracker) applyDecryption(ctx context.Context, event *events.Event) error {
	var p events.DecryptionEventPayload
	if err := event.DecodePayload(&p); err != nil {
		return err
	}
	entry, err := json.Marshal(map[string]interface{}{
		"viewer":    p.Viewer,
		"role":      p.Role,
		"handles":   p.Handles,
		"timestamp": event.Timestamp.Unix(),
	})
	if err != nil {
		return err
	}
	key := st.keyBuilder.DecryptionLog(p.RecordID)
	_, err = st.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, string(entry))
		pipe.LTrim(ctx, key, 0, decryptionLogSize-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to log decryption of record %d: %w", p.RecordID, err)
	}
	return nil
}

func (st *StateTracker) transition(entity, from, to string) {
	if st.metrics == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	st.metrics.Transitions.WithLabelValues(entity, from, to).Inc()
}

func (st *StateTracker) refreshStateGauges(ctx context.Context) {
	if st.metrics == nil {
		return
	}
	for _, state := range recordStates {
		n, err := st.redis.SCard(ctx, st.keyBuilder.RecordsByState(state)).Result()
		if err != nil {
			log.WithError(err).Debug("Failed to refresh record gauge")
			return
		}
		st.metrics.ActiveEntities.WithLabelValues("record", state).Set(float64(n))
	}
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}
