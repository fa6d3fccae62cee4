package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeoutCompletesInTime(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, "fast op", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("WithTimeout() error = %v", err)
	}
}

func TestWithTimeoutExpires(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow op", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WithTimeout() error = %v, want deadline exceeded", err)
	}
}

func TestWithTimeoutZeroRunsDirect(t *testing.T) {
	sentinel := errors.New("boom")
	err := WithTimeout(context.Background(), 0, "unbounded op", func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTimeout() error = %v, want %v", err, sentinel)
	}
}
