// Package detect flags suspicious tagging activity. Every recorded change
// bumps a per-user counter in Redis using the INCR + EXPIRE sliding window
// pattern:
//
//	Key:   act:<user_id>
//	Value: change count in the current window
//	TTL:   window duration, set on the first increment
//
// A user crossing the threshold gets a user_revert review task enqueued for a
// moderator to look at. The task enqueue is idempotent, so a burst of changes
// past the threshold raises exactly one open task.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stickersearch/moderation/internal/tasks"
)

const (
	// ActivityPrefix is the Redis key prefix for activity counters.
	ActivityPrefix = "act:"

	// DefaultWindow is the counting window.
	DefaultWindow = 1 * time.Hour

	// DefaultThreshold is the number of changes within the window that
	// flags a user for review.
	DefaultThreshold = 100
)

// Detector watches per-user change rates.
type Detector struct {
	client    *redis.Client
	queue     *tasks.Queue
	Window    time.Duration
	Threshold int
}

// NewDetector creates a detector using the provided Redis client and task
// queue, with the default window and threshold.
func NewDetector(client *redis.Client, queue *tasks.Queue) *Detector {
	return &Detector{
		client:    client,
		queue:     queue,
		Window:    DefaultWindow,
		Threshold: DefaultThreshold,
	}
}

// NoteChange bumps the user's activity counter and, when the threshold is
// crossed, enqueues a user_revert review task. Returns whether the user is
// currently flagged.
//
// Redis errors fail open: a Redis outage must not block tagging, so the
// change goes unflagged and the error is returned for logging only.
func (d *Detector) NoteChange(ctx context.Context, userID int64) (bool, error) {
	key := fmt.Sprintf("%s%d", ActivityPrefix, userID)

	count, err := d.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[detect] redis INCR error key=%s: %v (failing open)", key, err)
		return false, err
	}

	// Set the expiry only on the first increment so the window does not
	// slide with every change.
	if count == 1 {
		if err := d.client.Expire(ctx, key, d.Window).Err(); err != nil {
			log.Printf("[detect] redis EXPIRE error key=%s: %v (failing open)", key, err)
			return false, err
		}
	}

	if int(count) < d.Threshold {
		return false, nil
	}

	_, created, err := d.queue.EnqueueUserRevert(ctx, userID)
	if err != nil {
		return true, fmt.Errorf("detect: flag user %d: %w", userID, err)
	}
	if created {
		log.Printf("[detect] flagged user=%d after %d changes in %s", userID, count, d.Window)
	}
	return true, nil
}

// Sweep walks all live activity counters and enqueues review tasks for any
// user over the threshold. It backstops NoteChange for changes recorded while
// the service was down (the counters outlive a restart). Returns the number
// of users flagged.
func (d *Detector) Sweep(ctx context.Context) (int, error) {
	var flagged int

	iter := d.client.Scan(ctx, 0, ActivityPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		var userID int64
		if _, err := fmt.Sscanf(key, ActivityPrefix+"%d", &userID); err != nil {
			continue
		}

		count, err := d.client.Get(ctx, key).Int()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return flagged, fmt.Errorf("detect: sweep %s: %w", key, err)
		}
		if count < d.Threshold {
			continue
		}

		_, created, err := d.queue.EnqueueUserRevert(ctx, userID)
		if err != nil {
			return flagged, fmt.Errorf("detect: sweep flag user %d: %w", userID, err)
		}
		if created {
			flagged++
			log.Printf("[detect] sweep flagged user=%d (%d changes)", userID, count)
		}
	}
	if err := iter.Err(); err != nil {
		return flagged, fmt.Errorf("detect: sweep scan: %w", err)
	}

	return flagged, nil
}

// Count returns the user's current counter value, 0 when absent or expired.
func (d *Detector) Count(ctx context.Context, userID int64) (int, error) {
	key := fmt.Sprintf("%s%d", ActivityPrefix, userID)
	val, err := d.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
