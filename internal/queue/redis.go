package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// wireMessage is the JSON shape stored in Redis list/sorted-set members.
// EnvelopeID is minted once, at first enqueue, and carried unchanged
// through every redelivery. It is a random identity deliberately distinct
// from the deterministic job/task ID: the deterministic ID gives
// idempotent submission, EnvelopeID gives an operator one value to grep
// across a message's Nacks and lease expirations.
type wireMessage struct {
	Kind          Kind   `json:"kind"`
	EnvelopeID    string `json:"envelope_id"`
	JobID         string `json:"job_id,omitempty"`
	Stage         int    `json:"stage,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	DeliveryCount int    `json:"delivery_count"`
}

func (m wireMessage) toMessage() Message {
	return Message{Kind: m.Kind, EnvelopeID: m.EnvelopeID, JobID: m.JobID, Stage: m.Stage, TaskID: m.TaskID, DeliveryCount: m.DeliveryCount}
}

// redisLease carries the exact serialized member so Ack/Nack can remove it
// from the visibility sorted set precisely.
type redisLease struct {
	raw string
	msg wireMessage
}

func (redisLease) lease() {}

// RedisQueue implements Queue over a single Redis instance. Pending
// messages live on a plain list; dequeue pops a message and records it in
// a sorted set scored by lease deadline in one atomic Lua script, so a
// reconciler sweep can detect and requeue work abandoned by a crashed
// consumer. This gives visibility timeouts without depending on a broker
// that implements them natively, and the atomicity means a message is
// always on exactly one of the two structures: a crash at any point
// leaves it either still pending or leased with a deadline the sweep will
// reclaim, never lost.
type RedisQueue struct {
	client     *redis.Client
	leaseFor   time.Duration
	maxRetries int
	breaker    *gobreaker.CircuitBreaker
}

// NewRedisQueue wraps client. leaseFor is how long a dequeued message is
// invisible to other consumers before the reconciler considers it
// abandoned; maxRetries is the redelivery bound before dead-lettering.
func NewRedisQueue(client *redis.Client, leaseFor time.Duration, maxRetries int) *RedisQueue {
	return &RedisQueue{
		client:     client,
		leaseFor:   leaseFor,
		maxRetries: maxRetries,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "redis-queue",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
	}
}

const (
	jobQueueKey      = "geoetl:jobs:queue"
	jobProcessingKey = "geoetl:jobs:processing"
	jobDeadKey       = "geoetl:jobs:dead"

	taskQueueKey      = "geoetl:tasks:queue"
	taskProcessingKey = "geoetl:tasks:processing"
	taskDeadKey       = "geoetl:tasks:dead"
)

// dequeueScript pops the oldest pending message and records its lease
// deadline in the processing sorted set as one server-side operation.
// RPOP followed by a client-side ZADD would lose the message outright if
// the consumer died between the two calls: off the list, never leased,
// invisible to the expiry sweep.
var dequeueScript = redis.NewScript(`
local raw = redis.call('RPOP', KEYS[1])
if not raw then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], raw)
return raw
`)

func (q *RedisQueue) enqueue(ctx context.Context, queueKey string, m wireMessage) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = q.breaker.Execute(func() (any, error) {
		return q.client.LPush(ctx, queueKey, raw).Result()
	})
	return err
}

func (q *RedisQueue) EnqueueJob(ctx context.Context, jobID string, stage int) error {
	return q.enqueue(ctx, jobQueueKey, wireMessage{Kind: KindJob, EnvelopeID: uuid.NewString(), JobID: jobID, Stage: stage})
}

func (q *RedisQueue) EnqueueTask(ctx context.Context, taskID string) error {
	return q.enqueue(ctx, taskQueueKey, wireMessage{Kind: KindTask, EnvelopeID: uuid.NewString(), TaskID: taskID})
}

func (q *RedisQueue) dequeue(ctx context.Context, queueKey, processingKey string) (Message, Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, nil, err
		}
		deadline := time.Now().Add(q.leaseFor).Unix()
		v, err := q.breaker.Execute(func() (any, error) {
			res, err := dequeueScript.Run(ctx, q.client, []string{queueKey, processingKey}, deadline).Result()
			if err == redis.Nil {
				// empty poll, not a broker failure: don't feed the breaker
				return nil, nil
			}
			return res, err
		})
		if err != nil {
			return Message{}, nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		if v == nil {
			select {
			case <-ctx.Done():
				return Message{}, nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		raw, ok := v.(string)
		if !ok {
			return Message{}, nil, fmt.Errorf("queue: dequeue: unexpected script reply %T", v)
		}

		var wm wireMessage
		if err := json.Unmarshal([]byte(raw), &wm); err != nil {
			return Message{}, nil, fmt.Errorf("queue: decode message: %w", err)
		}
		return wm.toMessage(), redisLease{raw: raw, msg: wm}, nil
	}
}

func (q *RedisQueue) DequeueJob(ctx context.Context) (Message, Lease, error) {
	return q.dequeue(ctx, jobQueueKey, jobProcessingKey)
}

func (q *RedisQueue) DequeueTask(ctx context.Context) (Message, Lease, error) {
	return q.dequeue(ctx, taskQueueKey, taskProcessingKey)
}

func (q *RedisQueue) Ack(ctx context.Context, l Lease) error {
	rl, ok := l.(redisLease)
	if !ok {
		return nil
	}
	processingKey := taskProcessingKey
	if rl.msg.Kind == KindJob {
		processingKey = jobProcessingKey
	}
	return q.client.ZRem(ctx, processingKey, rl.raw).Err()
}

func (q *RedisQueue) Nack(ctx context.Context, l Lease) error {
	rl, ok := l.(redisLease)
	if !ok {
		return nil
	}
	processingKey, queueKey, deadKey := taskProcessingKey, taskQueueKey, taskDeadKey
	if rl.msg.Kind == KindJob {
		processingKey, queueKey, deadKey = jobProcessingKey, jobQueueKey, jobDeadKey
	}
	if err := q.client.ZRem(ctx, processingKey, rl.raw).Err(); err != nil {
		return err
	}
	wm := rl.msg
	wm.DeliveryCount++
	raw, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	if wm.DeliveryCount > q.maxRetries {
		return q.client.LPush(ctx, deadKey, raw).Err()
	}
	return q.client.LPush(ctx, queueKey, raw).Err()
}

// RequeueExpired is the reconciler's queue-side sweep: it moves every
// processing-set entry whose lease deadline has passed back onto its
// queue (or to the dead-letter list, if retries are exhausted), and
// returns how many it requeued per kind.
func (q *RedisQueue) RequeueExpired(ctx context.Context) (jobsRequeued, tasksRequeued int, err error) {
	n, err := q.sweepExpired(ctx, jobProcessingKey, jobQueueKey, jobDeadKey)
	if err != nil {
		return 0, 0, err
	}
	m, err := q.sweepExpired(ctx, taskProcessingKey, taskQueueKey, taskDeadKey)
	if err != nil {
		return n, 0, err
	}
	return n, m, nil
}

func (q *RedisQueue) sweepExpired(ctx context.Context, processingKey, queueKey, deadKey string) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	expired, err := q.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{Min: "0", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: sweep expired: %w", err)
	}
	requeued := 0
	for _, raw := range expired {
		removed, err := q.client.ZRem(ctx, processingKey, raw).Result()
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue // another sweeper already reaped this entry
		}
		var wm wireMessage
		if err := json.Unmarshal([]byte(raw), &wm); err != nil {
			continue
		}
		wm.DeliveryCount++
		next, err := json.Marshal(wm)
		if err != nil {
			continue
		}
		if wm.DeliveryCount > q.maxRetries {
			if err := q.client.LPush(ctx, deadKey, next).Err(); err != nil {
				return requeued, err
			}
			continue
		}
		if err := q.client.LPush(ctx, queueKey, next).Err(); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}
