package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryUpdateQueueTryEnqueueFull(t *testing.T) {
	queue := NewInMemoryUpdateQueue(2)
	if !queue.TryEnqueue(textUpdate(1, "a")) || !queue.TryEnqueue(textUpdate(2, "b")) {
		t.Fatalf("expected enqueues below capacity to succeed")
	}
	if queue.TryEnqueue(textUpdate(3, "c")) {
		t.Fatalf("expected enqueue beyond capacity to fail")
	}
	if queue.Depth() != 2 || queue.Capacity() != 2 {
		t.Fatalf("unexpected depth/capacity: %d/%d", queue.Depth(), queue.Capacity())
	}
}

func TestInMemoryUpdateQueueRejectsZeroID(t *testing.T) {
	queue := NewInMemoryUpdateQueue(2)
	if queue.TryEnqueue(Update{}) {
		t.Fatalf("expected zero-id update to be rejected")
	}
	if queue.Enqueue(context.Background(), Update{}) {
		t.Fatalf("expected zero-id update to be rejected on blocking enqueue")
	}
}

func TestInMemoryUpdateQueueDequeueOrder(t *testing.T) {
	queue := NewInMemoryUpdateQueue(4)
	queue.TryEnqueue(textUpdate(1, "a"))
	queue.TryEnqueue(textUpdate(2, "b"))

	ctx := context.Background()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.ID != 1 {
		t.Fatalf("expected first update, got %+v ok=%v", first, ok)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.ID != 2 {
		t.Fatalf("expected second update, got %+v ok=%v", second, ok)
	}
}

func TestInMemoryUpdateQueueDequeueHonorsContext(t *testing.T) {
	queue := NewInMemoryUpdateQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue on empty queue to give up with context")
	}
}

func TestInMemoryUpdateQueueBlockingEnqueue(t *testing.T) {
	queue := NewInMemoryUpdateQueue(1)
	queue.TryEnqueue(textUpdate(1, "a"))

	done := make(chan bool, 1)
	go func() {
		done <- queue.Enqueue(context.Background(), textUpdate(2, "b"))
	}()

	select {
	case <-done:
		t.Fatalf("expected enqueue to block while full")
	case <-time.After(30 * time.Millisecond):
	}

	if _, ok := queue.Dequeue(context.Background()); !ok {
		t.Fatalf("dequeue failed")
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected blocked enqueue to succeed after space freed")
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked enqueue never completed")
	}
}
