package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		VisibilityTimeout: 30 * time.Second,
		ReaperInterval:    time.Second,
		MaxAttempts:       5,
		DeadLetterQueue:   "dead_letter",
	}
}

// mustConsume fails the test if no task becomes available quickly.
func mustConsume(t *testing.T, m *Memory, queues ...string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := m.Consume(ctx, queues)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	return task
}

// consumeNone asserts the queues stay empty until the context expires.
func consumeNone(t *testing.T, m *Memory, queues ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	task, err := m.Consume(ctx, queues)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Consume() = (%v, %v), want deadline exceeded", task, err)
	}
}

func TestSubmitDeduplicatesByIdempotencyKey(t *testing.T) {
	m := NewMemory(testOptions())
	ctx := context.Background()

	first, err := m.Submit(ctx, "ocr", []byte(`{"n":1}`), "doc-1:extraction", time.Time{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := m.Submit(ctx, "ocr", []byte(`{"n":2}`), "doc-1:extraction", time.Time{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !second.Deduplicated {
		t.Error("second submit with same key should be deduplicated")
	}
	if second.TaskID != first.TaskID {
		t.Errorf("deduplicated handle task id = %s, want %s", second.TaskID, first.TaskID)
	}
	depth, err := m.Depth(ctx, "ocr")
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestAckReleasesIdempotencyKey(t *testing.T) {
	m := NewMemory(testOptions())
	ctx := context.Background()

	if _, err := m.Submit(ctx, "ocr", []byte(`{}`), "doc-1:extraction", time.Time{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	task := mustConsume(t, m, "ocr")
	if err := m.Ack(ctx, task); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	// Key is free again, so the next submit is a fresh task.
	handle, err := m.Submit(ctx, "ocr", []byte(`{}`), "doc-1:extraction", time.Time{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle.Deduplicated {
		t.Error("submit after ack should not be deduplicated")
	}
	if handle.TaskID == task.ID {
		t.Error("submit after ack should create a new task")
	}

	// Acking the completed lease again is a no-op.
	if err := m.Ack(ctx, task); err != nil {
		t.Fatalf("second Ack() error = %v", err)
	}
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	m := NewMemory(testOptions())
	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	if _, err := m.Submit(ctx, "ocr", []byte(`{}`), "", time.Time{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	first := mustConsume(t, m, "ocr")
	if first.Attempt != 0 {
		t.Errorf("first delivery attempt = %d, want 0", first.Attempt)
	}
	consumeNone(t, m, "ocr")

	now = now.Add(31 * time.Second)
	second := mustConsume(t, m, "ocr")
	if second.ID != first.ID {
		t.Errorf("redelivered task id = %s, want %s", second.ID, first.ID)
	}
	if second.Attempt != 1 {
		t.Errorf("redelivery attempt = %d, want 1", second.Attempt)
	}
}

func TestNackSchedulesDelayedRedelivery(t *testing.T) {
	m := NewMemory(testOptions())
	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	if _, err := m.Submit(ctx, "ocr", []byte(`{}`), "", time.Time{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	task := mustConsume(t, m, "ocr")
	if err := m.Nack(ctx, task, 10*time.Second); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	consumeNone(t, m, "ocr")

	now = now.Add(11 * time.Second)
	redelivered := mustConsume(t, m, "ocr")
	if redelivered.Attempt != 1 {
		t.Errorf("attempt after nack = %d, want 1", redelivered.Attempt)
	}
}

func TestDelayedSubmitHonoursNotBefore(t *testing.T) {
	m := NewMemory(testOptions())
	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	if _, err := m.Submit(ctx, "ocr", []byte(`{}`), "", now.Add(time.Minute)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	consumeNone(t, m, "ocr")

	now = now.Add(time.Minute + time.Second)
	task := mustConsume(t, m, "ocr")
	if task == nil {
		t.Fatal("delayed task was never promoted")
	}
}

func TestExhaustedTaskIsDeadLettered(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 2
	m := NewMemory(opts)
	ctx := context.Background()

	if _, err := m.Submit(ctx, "ocr", []byte(`{"application_id":"app-1"}`), "doc-1:extraction", time.Time{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	task := mustConsume(t, m, "ocr")
	if err := m.Nack(ctx, task, 0); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	task = mustConsume(t, m, "ocr")
	if task.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", task.Attempt)
	}
	if err := m.Nack(ctx, task, 0); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	// The task is gone from its own queue and a notice sits on dead_letter.
	consumeNone(t, m, "ocr")
	notice := mustConsume(t, m, "dead_letter")
	var dl DeadLetter
	if err := json.Unmarshal(notice.Payload, &dl); err != nil {
		t.Fatalf("decoding dead-letter notice: %v", err)
	}
	if dl.Queue != "ocr" {
		t.Errorf("dead letter queue = %s, want ocr", dl.Queue)
	}
	if dl.Attempts != 2 {
		t.Errorf("dead letter attempts = %d, want 2", dl.Attempts)
	}
	if string(dl.Payload) != `{"application_id":"app-1"}` {
		t.Errorf("dead letter payload = %s", dl.Payload)
	}

	// The idempotency key was released with the dead-lettering.
	handle, err := m.Submit(ctx, "ocr", []byte(`{}`), "doc-1:extraction", time.Time{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle.Deduplicated {
		t.Error("submit after dead-lettering should not be deduplicated")
	}
}

func TestPrefetchLeasesAheadAndDrainsBuffer(t *testing.T) {
	opts := testOptions()
	opts.PrefetchLimit = 2
	m := NewMemory(opts)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Submit(ctx, "ocr", []byte(`{}`), "", time.Time{}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	// One consume pass leases two tasks: one delivered, one buffered.
	first := mustConsume(t, m, "ocr")
	depth, err := m.Depth(ctx, "ocr")
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth after prefetching consume = %d, want 1", depth)
	}

	second := mustConsume(t, m, "ocr")
	third := mustConsume(t, m, "ocr")
	seen := map[string]bool{first.ID: true, second.ID: true, third.ID: true}
	if len(seen) != 3 {
		t.Errorf("consumed %d distinct tasks, want 3", len(seen))
	}
	for _, task := range []*Task{first, second, third} {
		if err := m.Ack(ctx, task); err != nil {
			t.Fatalf("Ack() error = %v", err)
		}
	}
	consumeNone(t, m, "ocr")
}

func TestPrefetchBufferRespectsRequestedQueues(t *testing.T) {
	opts := testOptions()
	opts.PrefetchLimit = 2
	m := NewMemory(opts)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Submit(ctx, "ocr", []byte(`{}`), "", time.Time{}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if _, err := m.Submit(ctx, "webhooks", []byte(`{}`), "", time.Time{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	mustConsume(t, m, "ocr") // second ocr task now buffered

	// A consumer watching a different queue must not receive it.
	task := mustConsume(t, m, "webhooks")
	if task.Queue != "webhooks" {
		t.Errorf("queue = %s, want webhooks", task.Queue)
	}
	task = mustConsume(t, m, "ocr")
	if task.Queue != "ocr" {
		t.Errorf("queue = %s, want ocr", task.Queue)
	}
}

func TestPrefetchedTaskExpiresLikeAnyLease(t *testing.T) {
	opts := testOptions()
	opts.PrefetchLimit = 2
	m := NewMemory(opts)
	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Submit(ctx, "ocr", []byte(`{}`), "", time.Time{}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	mustConsume(t, m, "ocr")

	// The buffered second task sits leased past the visibility timeout, so
	// it comes back as a redelivery rather than out of the buffer.
	now = now.Add(31 * time.Second)
	redelivered := mustConsume(t, m, "ocr")
	if redelivered.Attempt != 1 {
		t.Errorf("attempt = %d, want 1 (lease expiry)", redelivered.Attempt)
	}
}

func TestClosedBrokerRejectsOperations(t *testing.T) {
	m := NewMemory(testOptions())
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := m.Submit(context.Background(), "ocr", []byte(`{}`), "", time.Time{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() error = %v, want ErrClosed", err)
	}
}
