package tracker

import (
	"context"
	"fmt"

	"github.com/podium-protocol/confidential-records/pkgs/events"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const replayBatch = 500

// EventLog is the replayable history a mirror catches up from.
type EventLog interface {
	Replay(ctx context.Context, afterID string, count int64) ([]*events.Event, string, error)
}

// Backfill applies logged events after the stored cursor, in log order, and
// advances the cursor after each batch. It returns the number of events read.
func (st *StateTracker) Backfill(ctx context.Context, source EventLog) (int, error) {
	cursorKey := st.keyBuilder.ReplayCursor()
	cursor, err := st.redis.Get(ctx, cursorKey).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to read replay cursor: %w", err)
	}

	total := 0
	for {
		batch, next, err := source.Replay(ctx, cursor, replayBatch)
		if err != nil {
			return total, err
		}
		for _, event := range batch {
			if err := st.Apply(ctx, event); err != nil {
				return total, fmt.Errorf("failed to replay %s: %w", event.ID, err)
			}
			total++
		}
		if next == cursor {
			break
		}
		cursor = next
		if err := st.redis.Set(ctx, cursorKey, cursor, 0).Err(); err != nil {
			return total, fmt.Errorf("failed to store replay cursor: %w", err)
		}
	}

	log.WithFields(log.Fields{
		"events": total,
		"cursor": cursor,
	}).Info("State mirror caught up from event log")
	return total, nil
}
