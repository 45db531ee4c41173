// Package queue holds the in-memory work queue feeding stock probes.
// Priority ranks SKUs so that low-stock items get re-probed before the
// long tail.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

// ProbeTask is one pending stock probe.
type ProbeTask struct {
	ID        string
	SKU       int64
	Keyword   string
	Priority  int
	Retries   int
	CreatedAt time.Time
}

// NewProbeTask builds a task for one SKU with the given priority.
func NewProbeTask(sku int64, keyword string, priority int) *ProbeTask {
	return &ProbeTask{
		ID:        uuid.New().String(),
		SKU:       sku,
		Keyword:   keyword,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

type Queue interface {
	Push(task *ProbeTask) error
	Pop(ctx context.Context) (*ProbeTask, error)
	Size() int
	Close() error
}

// InMemoryQueue is a blocking priority queue. Pop blocks until a task
// arrives, the queue is closed, or the context ends. Blocked poppers
// are tracked as wake channels rather than a sync.Cond so that a
// cancelled Pop can leave without touching the mutex from another
// goroutine.
type InMemoryQueue struct {
	tasks   []*ProbeTask
	mu      sync.Mutex
	waiters []chan struct{}
	closed  bool
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks: make([]*ProbeTask, 0),
	}
}

func (q *InMemoryQueue) Push(task *ProbeTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.tasks = append(q.tasks, task)
	q.sortByPriority()
	q.wakeOne()

	return nil
}

// Pop returns the highest-priority task. Cancellation never poisons the
// queue: the waiter deregisters itself, and a wakeup it already consumed
// is handed to the next waiter so no push goes unnoticed.
func (q *InMemoryQueue) Pop(ctx context.Context) (*ProbeTask, error) {
	q.mu.Lock()
	for {
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		wake := make(chan struct{})
		q.waiters = append(q.waiters, wake)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.abandonWait(wake)
			q.mu.Unlock()
			return nil, ctx.Err()
		case <-wake:
			q.mu.Lock()
		}
	}
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil

	return nil
}

// wakeOne releases the oldest waiter. Callers hold q.mu.
func (q *InMemoryQueue) wakeOne() {
	if len(q.waiters) == 0 {
		return
	}
	close(q.waiters[0])
	q.waiters = q.waiters[1:]
}

// abandonWait removes a cancelled waiter from the list. When the waiter
// is gone from the list its wakeup already fired, so the signal is
// forwarded instead of dropped. Callers hold q.mu.
func (q *InMemoryQueue) abandonWait(wake chan struct{}) {
	for i, w := range q.waiters {
		if w == wake {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
	q.wakeOne()
}

func (q *InMemoryQueue) sortByPriority() {
	for i := 0; i < len(q.tasks)-1; i++ {
		for j := 0; j < len(q.tasks)-i-1; j++ {
			if q.tasks[j].Priority < q.tasks[j+1].Priority {
				q.tasks[j], q.tasks[j+1] = q.tasks[j+1], q.tasks[j]
			}
		}
	}
}

// BatchQueue drains tasks in fixed-size batches for one probe run.
type BatchQueue struct {
	queue     Queue
	batchSize int
}

func NewBatchQueue(q Queue, batchSize int) *BatchQueue {
	return &BatchQueue{
		queue:     q,
		batchSize: batchSize,
	}
}

func (b *BatchQueue) PushBatch(tasks []*ProbeTask) error {
	for _, task := range tasks {
		if err := b.queue.Push(task); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchQueue) PopBatch(ctx context.Context) ([]*ProbeTask, error) {
	var tasks []*ProbeTask

	for i := 0; i < b.batchSize; i++ {
		task, err := b.queue.Pop(ctx)
		if err != nil {
			if err == ErrQueueEmpty || err == ErrQueueClosed {
				break
			}
			return tasks, err
		}
		tasks = append(tasks, task)
	}

	if len(tasks) == 0 {
		return nil, ErrQueueEmpty
	}

	return tasks, nil
}
