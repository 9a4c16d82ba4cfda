package requeue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// Redis is a Scheduler backed by a redis sorted set keyed by due time.
// Wake-ups survive process restarts and any number of workers may poll the
// same queue; ZREM makes the pop atomic per member, so each due task is
// delivered to exactly one worker per due time.
type Redis struct {
	settings settings
	client   *redis.Client
	key      string
	waker    Waker
}

// NewRedis builds a redis-backed scheduler over the sorted set at key,
// delivering due tasks to waker. The caller owns the client.
func NewRedis(client *redis.Client, key string, waker Waker, opts ...Option) *Redis {
	return &Redis{
		settings: newSettings(opts),
		client:   client,
		key:      key,
		waker:    waker,
	}
}

// Schedule implements Scheduler. The member score is the due time in unix
// epoch seconds; ZADD LT keeps the earliest due time when the task is
// already queued.
func (r *Redis) Schedule(ctx context.Context, taskID uuid.UUID, delay time.Duration) error {
	delay = r.settings.clampDelay(delay)
	due := r.settings.clock.Now().Add(delay).Unix()

	err := r.client.ZAddLT(ctx, r.key, redis.Z{
		Score:  float64(due),
		Member: taskID.String(),
	}).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to schedule task %s", taskID)
	}

	r.settings.logger.Debug().
		Str("task_id", taskID.String()).
		Dur("delay", delay).
		Int64("due", due).
		Msg("wake-up queued")

	return nil
}

// Run polls the due queue until ctx is canceled, delivering each popped task
// to the waker. It returns nil on cancellation and an error only when redis
// becomes unreachable.
func (r *Redis) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.settings.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.popDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// popDue removes and delivers every member whose due time has passed.
func (r *Redis) popDue(ctx context.Context) error {
	now := r.settings.clock.Now().Unix()

	members, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "failed to read due queue")
	}

	for _, member := range members {
		removed, err := r.client.ZRem(ctx, r.key, member).Result()
		if err != nil {
			return errors.Wrap(err, "failed to pop due task")
		}
		if removed == 0 {
			// Another worker claimed it first.
			continue
		}

		taskID, err := uuid.Parse(member)
		if err != nil {
			r.settings.logger.Warn().
				Str("member", member).
				Msg("discarding malformed due-queue member")
			continue
		}

		if err := r.waker(ctx, taskID); err != nil {
			r.settings.logger.Warn().
				Err(err).
				Str("task_id", taskID.String()).
				Msg("wake-up delivery failed")
		}
	}

	return nil
}

// Ensure Redis implements Scheduler.
var _ Scheduler = (*Redis)(nil)
