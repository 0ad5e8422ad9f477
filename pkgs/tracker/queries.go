package tracker

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Record returns the mirrored fields of a record, or nil when unknown.
func (st *StateTracker) Record(ctx context.Context, recordID uint64) (map[string]string, error) {
	fields, err := st.redis.HGetAll(ctx, st.keyBuilder.Record(recordID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record %d: %w", recordID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// Votes returns validator -> decision for a record.
func (st *StateTracker) Votes(ctx context.Context, recordID uint64) (map[string]string, error) {
	return st.redis.HGetAll(ctx, st.keyBuilder.RecordVotes(recordID)).Result()
}

// RecordIDsByState returns the ids of records currently in state, ascending.
func (st *StateTracker) RecordIDsByState(ctx context.Context, state string) ([]uint64, error) {
	members, err := st.redis.SMembers(ctx, st.keyBuilder.RecordsByState(state)).Result()
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(members)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// CompetitionRecordIDs returns a page of record ids for a competition in
// ascending order.
func (st *StateTracker) CompetitionRecordIDs(ctx context.Context, competitionID uint64, start, count int64) ([]uint64, error) {
	if count <= 0 {
		return []uint64{}, nil
	}
	members, err := st.redis.ZRange(ctx, st.keyBuilder.CompetitionRecords(competitionID), start, start+count-1).Result()
	if err != nil {
		return nil, err
	}
	return parseIDs(members)
}

// CertificateForRecord returns the token id mirrored for a record.
func (st *StateTracker) CertificateForRecord(ctx context.Context, recordID uint64) (uint64, bool, error) {
	v, err := st.redis.HGet(ctx, st.keyBuilder.CertificateByRecord(), strconv.FormatUint(recordID, 10)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt token id %q: %w", v, err)
	}
	return id, true, nil
}

// DecryptionLog returns the most recent decryption audit entries, newest first.
func (st *StateTracker) DecryptionLog(ctx context.Context, recordID uint64) ([]string, error) {
	return st.redis.LRange(ctx, st.keyBuilder.DecryptionLog(recordID), 0, -1).Result()
}

// Stats returns per event type counters.
func (st *StateTracker) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := st.redis.HGetAll(ctx, st.keyBuilder.Stats()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (st *StateTracker) Ping(ctx context.Context) error {
	return st.redis.Ping(ctx).Err()
}

func parseIDs(members []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt id %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
