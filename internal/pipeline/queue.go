package pipeline

import "context"

// UpdateQueue buffers pushed updates between the delivery endpoint and the
// pipeline worker. A full queue rejects instead of blocking the caller so the
// sender can redeliver.
type UpdateQueue interface {
	TryEnqueue(update Update) bool
	Enqueue(ctx context.Context, update Update) bool
	Dequeue(ctx context.Context) (Update, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryUpdateQueue struct {
	ch chan Update
}

func NewInMemoryUpdateQueue(capacity int) UpdateQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryUpdateQueue{
		ch: make(chan Update, capacity),
	}
}

func (q *inMemoryUpdateQueue) TryEnqueue(update Update) bool {
	if q == nil || update.ID == 0 {
		return false
	}
	select {
	case q.ch <- update:
		return true
	default:
		return false
	}
}

func (q *inMemoryUpdateQueue) Enqueue(ctx context.Context, update Update) bool {
	if q == nil || update.ID == 0 {
		return false
	}
	select {
	case q.ch <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryUpdateQueue) Dequeue(ctx context.Context) (Update, bool) {
	if q == nil {
		return Update{}, false
	}
	select {
	case update := <-q.ch:
		return update, true
	case <-ctx.Done():
		return Update{}, false
	}
}

func (q *inMemoryUpdateQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryUpdateQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryUpdateQueue) Close() error {
	return nil
}
