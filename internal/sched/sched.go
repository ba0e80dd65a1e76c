// Package sched provides a cooperative single-threaded job scheduler.
//
// Every job runs on the goroutine that drives Run (or RunDue), so state
// touched only from jobs needs no locking. Other goroutines hand work to
// the scheduler with Delayed or Call.
package sched

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"
)

type job struct {
	at  time.Time
	seq uint64
	fn  func()
}

type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*job)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

// Scheduler runs one-shot jobs in deadline order, FIFO among equal
// deadlines.
type Scheduler struct {
	mu     sync.Mutex
	queue  jobQueue
	seq    uint64
	wake   chan struct{}
	now    func() time.Time
	logger *log.Logger
}

// New creates an empty scheduler.
func New(logger *log.Logger) *Scheduler {
	return &Scheduler{
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		logger: logger,
	}
}

// Delayed schedules fn to run once, d from now. It is safe to call from any
// goroutine, including from a running job. There is no way to cancel a
// scheduled job.
func (s *Scheduler) Delayed(d time.Duration, fn func()) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.queue, &job{at: s.now().Add(d), seq: s.seq, fn: fn})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the scheduler goroutine and returns its result. It gives
// up when ctx is done before fn has started; fn is still run later in that
// case and its result is dropped.
func (s *Scheduler) Call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	s.Delayed(0, func() {
		done <- fn()
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunDue runs every job whose deadline has passed and returns how many ran.
// Jobs scheduled by a running job with no delay run in the same pass.
func (s *Scheduler) RunDue() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].at.After(s.now()) {
			s.mu.Unlock()
			return n
		}
		j := heap.Pop(&s.queue).(*job)
		s.mu.Unlock()

		j.fn()
		n++
	}
}

// WaitTime returns the time until the next job is due, capped at limit.
func (s *Scheduler) WaitTime(limit time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return limit
	}
	d := s.queue[0].at.Sub(s.now())
	if d < 0 {
		return 0
	}
	if d > limit {
		return limit
	}
	return d
}

// Pending returns the number of jobs waiting to run.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run executes jobs as they become due until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Printf("Scheduler started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		s.RunDue()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.WaitTime(time.Second))

		select {
		case <-ctx.Done():
			s.logger.Printf("Scheduler stopped")
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}
