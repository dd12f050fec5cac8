package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueueDeliversInOrder(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatalf("Push %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got != want {
			t.Fatalf("Pop = %q, want %q", got, want)
		}
	}
}

func TestMemoryQueueCloseUnblocksPop(t *testing.T) {
	q := NewMemoryQueue(1)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("Pop error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after Close")
	}
}

func TestMemoryQueuePopHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop error = %v, want deadline exceeded", err)
	}
}

func TestMemoryQueuePushAfterCloseFails(t *testing.T) {
	q := NewMemoryQueue(1)
	q.Close()
	if err := q.Push(context.Background(), "a"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Push error = %v, want ErrQueueClosed", err)
	}
	// Close is idempotent.
	q.Close()
}
