// Package taskqueue implements the Client Task Queue: a pool of N workers,
// each owning one HTTP client for its lifetime, draining a shared job FIFO.
package taskqueue

import (
	"context"
	"sync"

	"github.com/nimbusdb/dbtools/httpapi"
)

// JobProcessor handles one job using the worker's client. A given job is
// only ever handed to one worker at a time, so the job itself need not be
// internally synchronized.
type JobProcessor[T any] func(ctx context.Context, client *httpapi.Client, job T) error

// ResultHandler is invoked after a job finishes processing (successfully or
// not), e.g. to record the error or requeue.
type ResultHandler[T any] func(job T, err error)

// Statistics reports the queue's point-in-time occupancy.
type Statistics struct {
	Queued  int
	Workers int
	Idle    int
}

// Queue is a fixed pool of workers consuming a shared FIFO of jobs.
type Queue[T any] struct {
	process JobProcessor[T]
	onResult ResultHandler[T]

	jobsMu sync.Mutex
	jobsCv *sync.Cond
	jobs   []T
	stopped bool

	workersMu sync.Mutex
	workersCv *sync.Cond
	idle      []bool
	wg        sync.WaitGroup
}

// New constructs an empty Queue. Call SpawnWorkers to start processing.
func New[T any](process JobProcessor[T], onResult ResultHandler[T]) *Queue[T] {
	q := &Queue[T]{process: process, onResult: onResult}
	q.jobsCv = sync.NewCond(&q.jobsMu)
	q.workersCv = sync.NewCond(&q.workersMu)
	return q
}

// SpawnWorkers starts numWorkers goroutines, each obtaining a freshly
// connected client from manager. Workers run for the queue's lifetime;
// call this once.
func (q *Queue[T]) SpawnWorkers(ctx context.Context, manager *httpapi.Manager, numWorkers int) error {
	q.workersMu.Lock()
	q.idle = make([]bool, numWorkers)
	for i := range q.idle {
		q.idle[i] = true
	}
	q.workersMu.Unlock()

	for i := 0; i < numWorkers; i++ {
		client, err := manager.GetConnectedClient(ctx, i, false, true)
		if err != nil {
			return err
		}
		q.wg.Add(1)
		go q.runWorker(ctx, i, client)
	}
	return nil
}

func (q *Queue[T]) runWorker(ctx context.Context, id int, client *httpapi.Client) {
	defer q.wg.Done()
	for {
		q.setIdle(id, false)
		job, ok := q.fetchJob(id)
		if !ok {
			q.notifyIdle(id)
			return
		}

		err := q.process(ctx, client, job)
		if q.onResult != nil {
			q.onResult(job, err)
		}
		q.notifyIdle(id)
	}
}

// fetchJob blocks until a job is available or the queue is stopped. The
// caller marks itself not-idle before calling this, and the worker is only
// idle while parked on an empty queue: it goes back to not-idle under jobsMu
// before it can take a job, so an observer can never see "queue empty and
// all idle" while a job is mid hand-off.
func (q *Queue[T]) fetchJob(id int) (job T, ok bool) {
	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()
	for len(q.jobs) == 0 && !q.stopped {
		q.setIdle(id, true)
		q.jobsCv.Wait()
		q.setIdle(id, false)
	}
	if len(q.jobs) == 0 {
		var zero T
		return zero, false
	}
	job = q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

func (q *Queue[T]) setIdle(id int, v bool) {
	q.workersMu.Lock()
	q.idle[id] = v
	q.workersMu.Unlock()
	// wakes WaitForIdle so it re-checks the queue even when a worker just
	// went busy; otherwise a waiter parked on "all idle" could sleep past a
	// job that arrived and was immediately claimed.
	q.workersCv.Broadcast()
}

func (q *Queue[T]) notifyIdle(id int) {
	q.workersMu.Lock()
	q.idle[id] = true
	q.workersMu.Unlock()
	q.workersCv.Broadcast()
}

// QueueJob enqueues one job, waking at most one waiting worker.
func (q *Queue[T]) QueueJob(job T) {
	q.jobsMu.Lock()
	q.jobs = append(q.jobs, job)
	q.jobsMu.Unlock()
	q.jobsCv.Signal()
}

// ClearQueue drops all pending jobs without interrupting jobs already
// being processed.
func (q *Queue[T]) ClearQueue() {
	q.jobsMu.Lock()
	q.jobs = nil
	q.jobsMu.Unlock()
}

// IsQueueEmpty reports whether the pending-job FIFO is empty.
func (q *Queue[T]) IsQueueEmpty() bool {
	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()
	return len(q.jobs) == 0
}

// AllWorkersIdle reports whether every spawned worker is currently idle.
func (q *Queue[T]) AllWorkersIdle() bool {
	q.workersMu.Lock()
	defer q.workersMu.Unlock()
	for _, idle := range q.idle {
		if !idle {
			return false
		}
	}
	return true
}

// IsQueueEmptyAndAllWorkersIdle is the combined check WaitForIdle polls on.
func (q *Queue[T]) IsQueueEmptyAndAllWorkersIdle() bool {
	return q.IsQueueEmpty() && q.AllWorkersIdle()
}

// Statistics reports (queued jobs, total workers, idle workers).
func (q *Queue[T]) Statistics() Statistics {
	q.jobsMu.Lock()
	queued := len(q.jobs)
	q.jobsMu.Unlock()

	q.workersMu.Lock()
	total := len(q.idle)
	idle := 0
	for _, v := range q.idle {
		if v {
			idle++
		}
	}
	q.workersMu.Unlock()

	return Statistics{Queued: queued, Workers: total, Idle: idle}
}

// WaitForIdle blocks until the queue is empty and every worker is idle.
func (q *Queue[T]) WaitForIdle() {
	for {
		// the queue is checked first: a worker marks itself not-idle before
		// taking a job, so "empty, then all idle" means every taken job is done
		empty := q.IsQueueEmpty()

		q.workersMu.Lock()
		for !q.allWorkersIdleLocked() {
			q.workersCv.Wait()
		}
		q.workersMu.Unlock()

		if empty {
			return
		}
		// jobs were still queued; loop and wait again
	}
}

func (q *Queue[T]) allWorkersIdleLocked() bool {
	for _, idle := range q.idle {
		if !idle {
			return false
		}
	}
	return true
}

// Shutdown stops accepting work, drops residual jobs, and waits for every
// worker to unwind its run loop on its next iteration. Idempotent.
func (q *Queue[T]) Shutdown() {
	q.jobsMu.Lock()
	if q.stopped {
		q.jobsMu.Unlock()
		return
	}
	q.stopped = true
	q.jobs = nil
	q.jobsMu.Unlock()
	q.jobsCv.Broadcast()
	q.wg.Wait()
}
