package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rcourtman/billing-reconciler/internal/metrics"
	"github.com/rs/zerolog/log"
)

// DefaultQueueKey is the redis list notifications are pushed to.
const DefaultQueueKey = "reconciler:notifications"

// RedisQueue is a Notifier that pushes notifications onto a redis list for a
// QueueConsumer to deliver. Enqueue failures fall back to the local notifier.
type RedisQueue struct {
	client   redis.UniversalClient
	key      string
	fallback Notifier
	timeout  time.Duration
	now      func() time.Time
}

// NewRedisQueue creates a redis-backed notifier. fallback receives
// notifications that could not be enqueued; it may be nil.
func NewRedisQueue(client redis.UniversalClient, key string, fallback Notifier) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	if fallback == nil {
		fallback = Nop{}
	}
	return &RedisQueue{
		client:   client,
		key:      key,
		fallback: fallback,
		timeout:  2 * time.Second,
		now:      time.Now,
	}
}

// Notify pushes n onto the queue.
func (q *RedisQueue) Notify(ctx context.Context, n Notification) {
	n = stamp(n, q.now())
	data, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Str("kind", string(n.Kind)).Msg("Failed to encode notification")
		return
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()
	if err := q.client.LPush(pushCtx, q.key, data).Err(); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "enqueue_failed").Inc()
		log.Warn().Err(err).Str("kind", string(n.Kind)).Msg("Failed to enqueue notification, delivering locally")
		q.fallback.Notify(ctx, n)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "enqueued").Inc()
}

// Deliverer hands a dequeued notification to its sinks.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification)
}

// QueueConsumer drains a redis notification list.
type QueueConsumer struct {
	client      redis.UniversalClient
	key         string
	deliverer   Deliverer
	pollTimeout time.Duration
}

// NewQueueConsumer creates a consumer for key.
func NewQueueConsumer(client redis.UniversalClient, key string, deliverer Deliverer) *QueueConsumer {
	if key == "" {
		key = DefaultQueueKey
	}
	return &QueueConsumer{
		client:      client,
		key:         key,
		deliverer:   deliverer,
		pollTimeout: 5 * time.Second,
	}
}

// Run consumes until ctx is canceled.
func (c *QueueConsumer) Run(ctx context.Context) error {
	log.Info().Str("key", c.key).Msg("Notification queue consumer started")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := c.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("Notification queue read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOne waits up to the poll timeout for one notification and delivers
// it. It reports whether a notification was processed.
func (c *QueueConsumer) ProcessOne(ctx context.Context) (bool, error) {
	res, err := c.client.BRPop(ctx, c.pollTimeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// res is [key, value]
	if len(res) != 2 {
		return false, nil
	}

	var n Notification
	if err := json.Unmarshal([]byte(res[1]), &n); err != nil {
		log.Error().Err(err).Msg("Discarding undecodable notification")
		return true, nil
	}
	c.deliverer.Deliver(ctx, n)
	return true, nil
}
