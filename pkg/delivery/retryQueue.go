package delivery

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Task is one deferred unit of work.
type Task func(ctx context.Context)

type scheduled struct {
	at   time.Time
	seq  uint64
	task Task
}

type taskHeap []scheduled

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(scheduled)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// RetryQueue runs delayed tasks on a fixed pool of workers. Due tasks are
// released through a token bucket so a burst of failures cannot flood the
// targets.
type RetryQueue struct {
	mu       sync.Mutex
	items    taskHeap
	seq      uint64
	inflight int
	wake     chan struct{}
	work     chan Task
	limiter  *rate.Limiter
	workers  int
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewRetryQueue creates a queue with workers goroutines. perSecond <= 0
// disables rate limiting.
func NewRetryQueue(workers int, perSecond float64, burst int, logger *slog.Logger) *RetryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RetryQueue{
		wake:    make(chan struct{}, 1),
		work:    make(chan Task),
		limiter: rate.NewLimiter(limit, max(burst, 1)),
		workers: max(workers, 1),
		logger:  logger.With("component", "retry_queue"),
	}
}

// Start runs the dispatcher and workers until ctx is cancelled. Tasks still
// waiting at that point are discarded.
func (q *RetryQueue) Start(ctx context.Context) {
	for range q.workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.dispatch(ctx)
}

// Wait blocks until every goroutine started by Start has returned.
func (q *RetryQueue) Wait() {
	q.wg.Wait()
}

// Schedule runs task after delay.
func (q *RetryQueue) Schedule(delay time.Duration, task Task) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, scheduled{at: time.Now().Add(delay), seq: q.seq, task: task})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending counts tasks waiting or running.
func (q *RetryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inflight
}

func (q *RetryQueue) dispatch(ctx context.Context) {
	defer q.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		wait := time.Hour
		var due *scheduled
		if len(q.items) > 0 {
			if wait = time.Until(q.items[0].at); wait <= 0 {
				item := heap.Pop(&q.items).(scheduled)
				q.inflight++
				due = &item
			}
		}
		q.mu.Unlock()

		if due != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				q.done()
				return
			}
			select {
			case q.work <- due.task:
			case <-ctx.Done():
				q.done()
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

func (q *RetryQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.work:
			q.run(ctx, task)
		}
	}
}

func (q *RetryQueue) run(ctx context.Context, task Task) {
	defer q.done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("retry task panicked", "panic", r)
		}
	}()
	task(ctx)
}

func (q *RetryQueue) done() {
	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
}
