package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Broker with the same delivery semantics as the
// Redis implementation. It backs tests and single-process development runs.
type Memory struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	nowFn    func() time.Time
	queues   map[string]*memQueue
	tasks    map[string]*Task
	idem     map[string]string
	buffered []string
	closed   bool
}

type memQueue struct {
	ready    []string
	delayed  map[string]time.Time
	inflight map[string]time.Time
}

// NewMemory creates an in-memory broker.
func NewMemory(opts Options) *Memory {
	opts.applyDefaults()
	return &Memory{
		opts:   opts,
		logger: slog.Default().With("component", "memory-broker"),
		nowFn:  time.Now,
		queues: make(map[string]*memQueue),
		tasks:  make(map[string]*Task),
		idem:   make(map[string]string),
	}
}

// SetNowFunc overrides the broker's clock. Tests use it to step through
// backoff delays and visibility timeouts without sleeping.
func (m *Memory) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = now
}

func containsQueue(queues []string, name string) bool {
	for _, q := range queues {
		if q == name {
			return true
		}
	}
	return false
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{
			delayed:  make(map[string]time.Time),
			inflight: make(map[string]time.Time),
		}
		m.queues[name] = q
	}
	return q
}

// Submit implements Broker.
func (m *Memory) Submit(ctx context.Context, queueName string, payload []byte, idempotencyKey string, notBefore time.Time) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if idempotencyKey != "" {
		if existingID, ok := m.idem[idempotencyKey]; ok {
			return &Handle{TaskID: existingID, Queue: queueName, Deduplicated: true}, nil
		}
	}
	now := m.nowFn()
	task := &Task{
		ID:             uuid.NewString(),
		Queue:          queueName,
		Payload:        json.RawMessage(payload),
		Attempt:        0,
		IdempotencyKey: idempotencyKey,
		NotBefore:      notBefore,
		EnqueuedAt:     now,
	}
	m.tasks[task.ID] = task
	if idempotencyKey != "" {
		m.idem[idempotencyKey] = task.ID
	}
	q := m.queue(queueName)
	if notBefore.After(now) {
		q.delayed[task.ID] = notBefore
	} else {
		q.ready = append(q.ready, task.ID)
	}
	return &Handle{TaskID: task.ID, Queue: queueName}, nil
}

// Consume implements Broker. It polls the queues in order, promoting due
// delayed tasks and reaping expired leases on every pass.
func (m *Memory) Consume(ctx context.Context, queues []string) (*Task, error) {
	for {
		task, err := m.tryLease(queues)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *Memory) tryLease(queues []string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := m.nowFn()
	for _, name := range queues {
		m.promoteLocked(name, now)
	}
	// Prefetched tasks go out first, but only to a consumer asking for their
	// queue: the broker can be shared by pools watching disjoint queue sets.
	for i := 0; i < len(m.buffered); i++ {
		id := m.buffered[i]
		task, ok := m.tasks[id]
		if !ok {
			m.buffered = append(m.buffered[:i], m.buffered[i+1:]...)
			i--
			continue
		}
		if _, held := m.queue(task.Queue).inflight[id]; !held {
			// Lease expired while buffered; the reaper already requeued it.
			m.buffered = append(m.buffered[:i], m.buffered[i+1:]...)
			i--
			continue
		}
		if !containsQueue(queues, task.Queue) {
			continue
		}
		m.buffered = append(m.buffered[:i], m.buffered[i+1:]...)
		copied := *task
		return &copied, nil
	}
	for _, name := range queues {
		q := m.queue(name)
		if len(q.ready) == 0 {
			continue
		}
		n := m.opts.PrefetchLimit
		if n > len(q.ready) {
			n = len(q.ready)
		}
		leased := q.ready[:n]
		q.ready = q.ready[n:]
		deadline := now.Add(m.opts.VisibilityTimeout)
		var first *Task
		for _, id := range leased {
			task, ok := m.tasks[id]
			if !ok {
				continue
			}
			q.inflight[id] = deadline
			if first == nil {
				first = task
			} else {
				m.buffered = append(m.buffered, id)
			}
		}
		if first != nil {
			copied := *first
			return &copied, nil
		}
	}
	return nil, nil
}

// promoteLocked moves due delayed tasks to ready and requeues or
// dead-letters tasks whose visibility timeout expired.
func (m *Memory) promoteLocked(name string, now time.Time) {
	q := m.queue(name)
	for id, due := range q.delayed {
		if !due.After(now) {
			delete(q.delayed, id)
			q.ready = append(q.ready, id)
		}
	}
	var expired []string
	for id, deadline := range q.inflight {
		if !deadline.After(now) {
			expired = append(expired, id)
		}
	}
	// Stable order keeps redelivery deterministic under test clocks.
	sort.Strings(expired)
	for _, id := range expired {
		delete(q.inflight, id)
		task, ok := m.tasks[id]
		if !ok {
			continue
		}
		task.Attempt++
		if task.Attempt >= m.opts.MaxAttempts {
			m.deadLetterLocked(task, now)
			continue
		}
		m.logger.Warn("lease expired, redelivering",
			"queue", name,
			"task_id", id,
			"attempt", task.Attempt,
		)
		q.ready = append(q.ready, id)
	}
}

func (m *Memory) deadLetterLocked(task *Task, now time.Time) {
	delete(m.tasks, task.ID)
	if task.IdempotencyKey != "" {
		delete(m.idem, task.IdempotencyKey)
	}
	m.logger.Error("task exhausted attempts, dead-lettering",
		"queue", task.Queue,
		"task_id", task.ID,
		"attempts", task.Attempt,
	)
	notice := DeadLetter{
		Queue:          task.Queue,
		TaskID:         task.ID,
		IdempotencyKey: task.IdempotencyKey,
		Payload:        task.Payload,
		Attempts:       task.Attempt,
		FailedAt:       now,
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		m.logger.Error("failed to encode dead-letter notice", "task_id", task.ID, "error", err)
		return
	}
	dl := &Task{
		ID:         uuid.NewString(),
		Queue:      m.opts.DeadLetterQueue,
		Payload:    payload,
		EnqueuedAt: now,
	}
	m.tasks[dl.ID] = dl
	q := m.queue(m.opts.DeadLetterQueue)
	q.ready = append(q.ready, dl.ID)
}

// Ack implements Broker. Acking a task that was already completed or
// dead-lettered is a no-op.
func (m *Memory) Ack(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q := m.queue(task.Queue)
	delete(q.inflight, task.ID)
	if _, ok := m.tasks[task.ID]; !ok {
		return nil
	}
	delete(m.tasks, task.ID)
	if task.IdempotencyKey != "" {
		delete(m.idem, task.IdempotencyKey)
	}
	return nil
}

// Nack implements Broker.
func (m *Memory) Nack(ctx context.Context, task *Task, retryDelay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	stored, ok := m.tasks[task.ID]
	if !ok {
		return nil
	}
	q := m.queue(task.Queue)
	delete(q.inflight, task.ID)
	now := m.nowFn()
	stored.Attempt++
	if stored.Attempt >= m.opts.MaxAttempts {
		m.deadLetterLocked(stored, now)
		return nil
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	stored.NotBefore = now.Add(retryDelay)
	if retryDelay == 0 {
		q.ready = append(q.ready, task.ID)
	} else {
		q.delayed[task.ID] = stored.NotBefore
	}
	return nil
}

// Depth implements Broker, counting ready plus scheduled tasks.
func (m *Memory) Depth(ctx context.Context, queueName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.promoteLocked(queueName, m.nowFn())
	q := m.queue(queueName)
	return int64(len(q.ready) + len(q.delayed)), nil
}

// Close implements Broker.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Broker = (*Memory)(nil)
