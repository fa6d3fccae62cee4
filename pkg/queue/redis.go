package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/advancelabs/mca-pipeline/pkg/config"
)

const keyPrefix = "mcaq:"

// Lua scripts keep the multi-key queue operations atomic so a crash between
// commands cannot strand or duplicate a task.
var (
	// submitScript: KEYS[1]=idem KEYS[2]=task KEYS[3]=ready KEYS[4]=delayed
	// ARGV[1]=taskID ARGV[2]=body ARGV[3]=notBeforeMs ARGV[4]=nowMs
	// ARGV[5]=hasIdemKey. Returns the existing task id on dedup, "" on
	// insert.
	submitScript = redis.NewScript(`
if ARGV[5] == "1" then
  local existing = redis.call('GET', KEYS[1])
  if existing then return existing end
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('SET', KEYS[2], ARGV[2])
if tonumber(ARGV[3]) > tonumber(ARGV[4]) then
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
else
  redis.call('LPUSH', KEYS[3], ARGV[1])
end
return ''
`)

	// leaseScript: KEYS[1]=ready KEYS[2]=delayed KEYS[3]=inflight
	// ARGV[1]=nowMs ARGV[2]=leaseDeadlineMs ARGV[3]=prefetch. Promotes due
	// delayed tasks, then pops up to prefetch ready tasks into the in-flight
	// set and returns their ids.
	leaseScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for i, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local leased = {}
for i = 1, tonumber(ARGV[3]) do
  local id = redis.call('RPOP', KEYS[1])
  if not id then break end
  redis.call('ZADD', KEYS[3], ARGV[2], id)
  leased[i] = id
end
return leased
`)

	// reapScript: KEYS[1]=inflight ARGV[1]=nowMs. Pops expired leases and
	// returns their ids; the caller requeues or dead-letters each one.
	reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for i, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
end
return expired
`)
)

// Redis is the production Broker, modelled after a Redis-backed task broker:
// a ready list, a delayed sorted set, and an in-flight sorted set per queue,
// with task bodies in plain keys and idempotency keys as SET-NX guards.
type Redis struct {
	rdb    *redis.Client
	opts   Options
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	buffered []*Task
}

// NewRedis connects to the broker, verifies the connection, and starts the
// lease reaper.
func NewRedis(cfg config.RedisConfig, opts Options) (*Redis, error) {
	opts.applyDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	reaperCtx, stop := context.WithCancel(context.Background())
	b := &Redis{
		rdb:    rdb,
		opts:   opts,
		logger: slog.Default().With("component", "redis-broker"),
		cancel: stop,
		done:   make(chan struct{}),
	}
	go b.reapLoop(reaperCtx)
	return b, nil
}

func readyKey(queue string) string    { return keyPrefix + queue + ":ready" }
func delayedKey(queue string) string  { return keyPrefix + queue + ":delayed" }
func inflightKey(queue string) string { return keyPrefix + queue + ":inflight" }
func taskKey(id string) string        { return keyPrefix + "task:" + id }
func idemKey(key string) string       { return keyPrefix + "idem:" + key }

// Submit implements Broker.
func (b *Redis) Submit(ctx context.Context, queueName string, payload []byte, idempotencyKey string, notBefore time.Time) (*Handle, error) {
	now := time.Now()
	task := Task{
		ID:             uuid.NewString(),
		Queue:          queueName,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: idempotencyKey,
		NotBefore:      notBefore,
		EnqueuedAt:     now,
	}
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}
	hasKey := "0"
	ik := idemKey("none")
	if idempotencyKey != "" {
		hasKey = "1"
		ik = idemKey(idempotencyKey)
	}
	res, err := submitScript.Run(ctx, b.rdb,
		[]string{ik, taskKey(task.ID), readyKey(queueName), delayedKey(queueName)},
		task.ID, string(body), notBefore.UnixMilli(), now.UnixMilli(), hasKey,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("submitting task to %s: %w", queueName, err)
	}
	if res != "" {
		b.logger.Debug("duplicate submission collapsed",
			"queue", queueName,
			"idempotency_key", idempotencyKey,
			"existing_id", res,
		)
		return &Handle{TaskID: res, Queue: queueName, Deduplicated: true}, nil
	}
	return &Handle{TaskID: task.ID, Queue: queueName}, nil
}

// Consume implements Broker. Prefetched tasks are handed out first; otherwise
// it polls the queues in order until a task is leased or ctx is cancelled.
func (b *Redis) Consume(ctx context.Context, queues []string) (*Task, error) {
	for {
		if task := b.popBuffered(queues); task != nil {
			return task, nil
		}
		for _, name := range queues {
			task, err := b.lease(ctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				b.logger.Error("lease failed", "queue", name, "error", err)
				continue
			}
			if task != nil {
				return task, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// popBuffered hands out a prefetched task, matching on queue so a consumer
// only ever receives tasks from the queues it asked for.
func (b *Redis) popBuffered(queues []string) *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, task := range b.buffered {
		if !containsQueue(queues, task.Queue) {
			continue
		}
		b.buffered = append(b.buffered[:i], b.buffered[i+1:]...)
		return task
	}
	return nil
}

// lease takes up to PrefetchLimit tasks in one round trip. The first is
// returned, the rest are buffered for later Consume calls. A buffered task
// whose lease expires before hand-off is redelivered by the reaper.
func (b *Redis) lease(ctx context.Context, queueName string) (*Task, error) {
	now := time.Now()
	deadline := now.Add(b.opts.VisibilityTimeout)
	ids, err := leaseScript.Run(ctx, b.rdb,
		[]string{readyKey(queueName), delayedKey(queueName), inflightKey(queueName)},
		now.UnixMilli(), deadline.UnixMilli(), b.opts.PrefetchLimit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("leasing from %s: %w", queueName, err)
	}
	var first *Task
	for _, id := range ids {
		task, err := b.loadTask(ctx, queueName, id)
		if err != nil || task == nil {
			continue
		}
		if first == nil {
			first = task
			continue
		}
		b.mu.Lock()
		b.buffered = append(b.buffered, task)
		b.mu.Unlock()
	}
	return first, nil
}

func (b *Redis) loadTask(ctx context.Context, queueName, id string) (*Task, error) {
	body, err := b.rdb.Get(ctx, taskKey(id)).Result()
	if err == redis.Nil {
		// Body expired or was acked concurrently; drop the orphaned lease.
		b.rdb.ZRem(ctx, inflightKey(queueName), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return &task, nil
}

// Ack implements Broker.
func (b *Redis) Ack(ctx context.Context, task *Task) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, inflightKey(task.Queue), task.ID)
	pipe.Del(ctx, taskKey(task.ID))
	if task.IdempotencyKey != "" {
		pipe.Del(ctx, idemKey(task.IdempotencyKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acking task %s: %w", task.ID, err)
	}
	return nil
}

// Nack implements Broker.
func (b *Redis) Nack(ctx context.Context, task *Task, retryDelay time.Duration) error {
	if err := b.rdb.ZRem(ctx, inflightKey(task.Queue), task.ID).Err(); err != nil {
		return fmt.Errorf("releasing lease for %s: %w", task.ID, err)
	}
	return b.requeue(ctx, task, retryDelay)
}

// requeue increments the attempt count and either reschedules the task or
// dead-letters it when the budget is exhausted.
func (b *Redis) requeue(ctx context.Context, task *Task, retryDelay time.Duration) error {
	task.Attempt++
	if task.Attempt >= b.opts.MaxAttempts {
		return b.deadLetter(ctx, task)
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	task.NotBefore = time.Now().Add(retryDelay)
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), body, 0)
	if retryDelay == 0 {
		pipe.LPush(ctx, readyKey(task.Queue), task.ID)
	} else {
		pipe.ZAdd(ctx, delayedKey(task.Queue), redis.Z{
			Score:  float64(task.NotBefore.UnixMilli()),
			Member: task.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeueing task %s: %w", task.ID, err)
	}
	return nil
}

func (b *Redis) deadLetter(ctx context.Context, task *Task) error {
	b.logger.Error("task exhausted attempts, dead-lettering",
		"queue", task.Queue,
		"task_id", task.ID,
		"attempts", task.Attempt,
	)
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, taskKey(task.ID))
	if task.IdempotencyKey != "" {
		pipe.Del(ctx, idemKey(task.IdempotencyKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing exhausted task %s: %w", task.ID, err)
	}
	notice := DeadLetter{
		Queue:          task.Queue,
		TaskID:         task.ID,
		IdempotencyKey: task.IdempotencyKey,
		Payload:        task.Payload,
		Attempts:       task.Attempt,
		FailedAt:       time.Now(),
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encoding dead-letter notice for %s: %w", task.ID, err)
	}
	if _, err := b.Submit(ctx, b.opts.DeadLetterQueue, payload, "", time.Time{}); err != nil {
		return fmt.Errorf("publishing dead-letter notice for %s: %w", task.ID, err)
	}
	return nil
}

// Depth implements Broker, counting ready plus scheduled tasks.
func (b *Redis) Depth(ctx context.Context, queueName string) (int64, error) {
	ready, err := b.rdb.LLen(ctx, readyKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading depth of %s: %w", queueName, err)
	}
	delayed, err := b.rdb.ZCard(ctx, delayedKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading delayed depth of %s: %w", queueName, err)
	}
	return ready + delayed, nil
}

// reapLoop periodically requeues tasks whose visibility timeout expired.
func (b *Redis) reapLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.opts.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range b.opts.Queues {
				b.reapQueue(ctx, name)
			}
		}
	}
}

func (b *Redis) reapQueue(ctx context.Context, queueName string) {
	ids, err := reapScript.Run(ctx, b.rdb,
		[]string{inflightKey(queueName)},
		time.Now().UnixMilli(),
	).StringSlice()
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("reaping expired leases failed", "queue", queueName, "error", err)
		}
		return
	}
	for _, id := range ids {
		task, err := b.loadTask(ctx, queueName, id)
		if err != nil || task == nil {
			continue
		}
		b.logger.Warn("lease expired, redelivering",
			"queue", queueName,
			"task_id", id,
			"attempt", task.Attempt+1,
		)
		if err := b.requeue(ctx, task, 0); err != nil {
			b.logger.Error("redelivery failed", "task_id", id, "error", err)
		}
	}
}

// Ping verifies broker connectivity for health checks.
func (b *Redis) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close stops the reaper and closes the connection pool.
func (b *Redis) Close() error {
	b.cancel()
	<-b.done
	return b.rdb.Close()
}

var _ Broker = (*Redis)(nil)
