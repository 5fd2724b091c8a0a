package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// Key layout:
//
//	<prefix>queues            => SET of queue names
//	<prefix>ready:<queue>     => ZSET of task IDs scored by not_before (ms)
//	<prefix>leased:<queue>    => ZSET of task IDs scored by lease expiry (ms)
//	<prefix>task:<id>         => HASH {data, queue, attempts, not_before, owner}
//
// data holds the gob-encoded Task. State transitions run as Lua scripts so a
// task is never in both sorted sets at once.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "caseflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "caseflow:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 25 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keyQueues() string           { return q.prefix + "queues" }
func (q *RedisQueue) keyReady(name string) string  { return q.prefix + "ready:" + name }
func (q *RedisQueue) keyLeased(name string) string { return q.prefix + "leased:" + name }
func (q *RedisQueue) keyTask(id string) string     { return q.prefix + "task:" + id }

var (
	// KEYS: task, ready, queues. ARGV: id, data, queue, attempts, not_before.
	redisEnqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'queue', ARGV[3], 'attempts', ARGV[4], 'not_before', ARGV[5], 'owner', '')
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

	// KEYS: ready, leased. ARGV: now, owner, lease expiry, task key prefix.
	// Expired leases go back to ready before the oldest ready task is leased.
	redisDequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	local tk = ARGV[4] .. id
	local nb = redis.call('HGET', tk, 'not_before')
	if nb then
		redis.call('HSET', tk, 'owner', '')
		redis.call('ZADD', KEYS[1], nb, id)
	end
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
local tk = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[3], id)
redis.call('HSET', tk, 'owner', ARGV[2])
return {id, redis.call('HGET', tk, 'data'), redis.call('HGET', tk, 'attempts'), redis.call('HGET', tk, 'not_before')}
`)

	// KEYS: leased, task. ARGV: id, owner.
	redisAckScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

	// KEYS: ready, leased, task. ARGV: id, owner, not_before, attempts.
	redisNackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'owner') ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'owner', '', 'not_before', ARGV[3], 'attempts', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

	// KEYS: leased, task. ARGV: id, owner, lease expiry.
	redisRenewScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)
)

// Enqueue stores the task and makes it ready at its NotBefore.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	keys := []string{q.keyTask(t.ID), q.keyReady(t.Queue), q.keyQueues()}
	return redisEnqueueScript.Run(ctx, q.client, keys, t.ID, data, t.Queue, t.Attempts, t.NotBefore.UnixMilli()).Err()
}

// Dequeue polls the ready set until a task is leased or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		return nil, errInvalidLease
	}
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		res, err := redisDequeueScript.Run(ctx, q.client,
			[]string{q.keyReady(queue), q.keyLeased(queue)},
			now.UnixMilli(), owner, now.Add(leaseTTL).UnixMilli(), q.prefix+"task:",
		).Slice()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if err := waitPoll(ctx, tmr, q.pollInterval); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		return decodeRedisTask(res)
	}
}

func decodeRedisTask(res []any) (*Task, error) {
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected dequeue result: %#v", res)
	}
	id, _ := res[0].(string)
	data, _ := res[1].(string)
	task, err := DecodeTask([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode task %q failed: %w", id, err)
	}
	task.ID = id
	if s, ok := res[2].(string); ok {
		task.Attempts, _ = strconv.Atoi(s)
	}
	if s, ok := res[3].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			task.NotBefore = time.UnixMilli(ms)
		}
	}
	return task, nil
}

func (q *RedisQueue) queueOf(ctx context.Context, taskID string) (string, error) {
	name, err := q.client.HGet(ctx, q.keyTask(taskID), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrLeaseLost
	}
	return name, err
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	name, err := q.queueOf(ctx, taskID)
	if err != nil {
		return err
	}
	n, err := redisAckScript.Run(ctx, q.client, []string{q.keyLeased(name), q.keyTask(taskID)}, taskID, owner).Int()
	return scriptLeaseResult(n, err)
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	name, err := q.queueOf(ctx, taskID)
	if err != nil {
		return err
	}
	n, err := redisNackScript.Run(ctx, q.client,
		[]string{q.keyReady(name), q.keyLeased(name), q.keyTask(taskID)},
		taskID, owner, notBefore.UnixMilli(), attempts,
	).Int()
	return scriptLeaseResult(n, err)
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		return errInvalidLease
	}
	name, err := q.queueOf(ctx, taskID)
	if err != nil {
		return err
	}
	n, err := redisRenewScript.Run(ctx, q.client,
		[]string{q.keyLeased(name), q.keyTask(taskID)},
		taskID, owner, time.Now().Add(leaseTTL).UnixMilli(),
	).Int()
	return scriptLeaseResult(n, err)
}

func scriptLeaseResult(n int, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns the approximate number of tasks queued, leased or ready.
func (q *RedisQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	names, err := q.client.SMembers(ctx, q.keyQueues()).Result()
	if err != nil {
		slog.Warn("redis queue length failed", slog.Any("error", err))
		return 0
	}
	total := 0
	for _, name := range names {
		ready, err := q.client.ZCard(ctx, q.keyReady(name)).Result()
		if err != nil {
			slog.Warn("redis queue length failed", slog.String("queue", name), slog.Any("error", err))
			return 0
		}
		leased, err := q.client.ZCard(ctx, q.keyLeased(name)).Result()
		if err != nil {
			slog.Warn("redis queue length failed", slog.String("queue", name), slog.Any("error", err))
			return 0
		}
		total += int(ready + leased)
	}
	return total
}
