package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/reelsmith/internal/common"
)

var (
	ErrQueueNotStarted = errors.New("queue not started")
	ErrQueueFull       = errors.New("queue is full")
	ErrQueueClosed     = errors.New("queue is closed")
)

// WorkItem identifies a job to run and how many times it has been attempted.
type WorkItem struct {
	JobID   string
	Attempt int
}

// Processor defines how to process a WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// RetryPolicy decides whether a failed item is put back on the queue.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Retryable reports whether err should trigger another attempt. Nil means never retry.
	Retryable func(err error) bool
}

// Queue is an in-memory bounded queue for WorkItems with a worker pool.
type Queue struct {
	log        *slog.Logger
	ch         chan WorkItem
	workers    int
	retry      RetryPolicy
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	closed     bool
	mu         sync.Mutex
	timers     map[*time.Timer]struct{}
}

// NewQueue creates a new Queue with the given capacity and worker count.
func NewQueue(logger *slog.Logger, capacity int, workers int, retry RetryPolicy) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Queue{
		log:     logger,
		ch:      make(chan WorkItem, capacity),
		workers: workers,
		retry:   retry,
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Start launches worker goroutines that consume WorkItems and process them using the provided Processor.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	if q.closed {
		return ErrQueueClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case item, ok := <-q.ch:
			if !ok {
				log.Debug("queue closed, worker exiting")
				return
			}
			jobLog := log.With("job_id", item.JobID, "attempt", item.Attempt)
			jobLog.Info("processing job")
			start := time.Now()
			err := p.Process(ctx, item)
			if err == nil {
				jobLog.Info("job processed", "duration", time.Since(start))
				continue
			}
			jobLog.Error("job processing failed", "err", err, "duration", time.Since(start))
			if q.shouldRetry(item, err) {
				q.scheduleRetry(WorkItem{JobID: item.JobID, Attempt: item.Attempt + 1}, jobLog)
			}
		}
	}
}

func (q *Queue) shouldRetry(item WorkItem, err error) bool {
	if q.retry.Retryable == nil || !q.retry.Retryable(err) {
		return false
	}
	return item.Attempt < q.retry.MaxAttempts
}

func (q *Queue) scheduleRetry(item WorkItem, log *slog.Logger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	log.Warn("job scheduled for retry", "next_attempt", item.Attempt, "delay", q.retry.Delay)
	var t *time.Timer
	t = time.AfterFunc(q.retry.Delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if err := q.Enqueue(item); err != nil {
			log.Error("retry enqueue failed", "err", err)
		}
	})
	q.timers[t] = struct{}{}
}

// Enqueue adds a WorkItem to the queue (non-blocking if capacity allows).
// Attempt numbering starts at 1.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return ErrQueueNotStarted
	}
	if q.closed {
		return ErrQueueClosed
	}
	if item.Attempt <= 0 {
		item.Attempt = 1
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit enqueues a first attempt for jobID.
func (q *Queue) Submit(jobID string) error {
	return q.Enqueue(WorkItem{JobID: jobID, Attempt: 1})
}

// Shutdown gracefully stops accepting work and waits for workers to finish current items up to the provided deadline.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		for t := range q.timers {
			t.Stop()
		}
		q.timers = nil
		// stop workers
		if q.cancel != nil {
			q.cancel()
		}
		// close channel to unblock workers if they are waiting on receive
		close(q.ch)
		q.mu.Unlock()

		// wait with deadline
		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; workers may still be running")
		}
	})
}
