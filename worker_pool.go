package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PoolJob is a named unit of work run by the pool.
type PoolJob struct {
	Name string
	Run  func() error
}

// WorkerPool manages a pool of workers for concurrent processing
type WorkerPool struct {
	workers  int
	jobQueue chan PoolJob
	quit     chan struct{}
	wg       sync.WaitGroup

	activeJobs    atomic.Int64
	completedJobs atomic.Int64
	failedJobs    atomic.Int64

	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewWorkerPool creates a new worker pool. The queue holds twice as many jobs as there are workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		workers:  workers,
		jobQueue: make(chan PoolJob, workers*2),
		quit:     make(chan struct{}),
	}
}

// Start starts the worker pool
func (wp *WorkerPool) Start() {
	GetLogger().WithFields(LogFields{"workers": wp.workers}).Info("Starting worker pool")

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case job := <-wp.jobQueue:
			GetMetricsCollector().SetWorkerPoolQueue(len(wp.jobQueue))
			wp.run(id, job)
		case <-wp.quit:
			return
		}
	}
}

func (wp *WorkerPool) run(id int, job PoolJob) {
	wp.activeJobs.Add(1)
	start := time.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = job.Run()
	}()

	wp.activeJobs.Add(-1)
	if err != nil {
		wp.failedJobs.Add(1)
	} else {
		wp.completedJobs.Add(1)
	}

	duration := time.Since(start)
	GetLogger().LogWorkerOperation("job", id, job.Name, duration, err)
	GetMetricsCollector().RecordWorkerPoolJob(job.Name, err, duration)
}

// Submit submits a job to the worker pool. It returns false when the queue is full.
func (wp *WorkerPool) Submit(job PoolJob) bool {
	if wp.stopped.Load() {
		return false
	}
	select {
	case wp.jobQueue <- job:
		GetMetricsCollector().SetWorkerPoolQueue(len(wp.jobQueue))
		return true
	default:
		return false
	}
}

// SubmitWithTimeout submits a job with a timeout
func (wp *WorkerPool) SubmitWithTimeout(job PoolJob, timeout time.Duration) bool {
	if wp.stopped.Load() {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case wp.jobQueue <- job:
		return true
	case <-timer.C:
		return false
	case <-wp.quit:
		return false
	}
}

// Stop waits for running jobs and stops the workers. Queued jobs are dropped.
func (wp *WorkerPool) Stop() error {
	wp.stopOnce.Do(func() {
		GetLogger().Info("Stopping worker pool")
		wp.stopped.Store(true)
		close(wp.quit)
		wp.wg.Wait()
		GetLogger().Info("Worker pool stopped")
	})
	return nil
}

// GetStats returns statistics about the worker pool
func (wp *WorkerPool) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"workers":        wp.workers,
		"queue_size":     len(wp.jobQueue),
		"queue_cap":      cap(wp.jobQueue),
		"active_jobs":    wp.activeJobs.Load(),
		"completed_jobs": wp.completedJobs.Load(),
		"failed_jobs":    wp.failedJobs.Load(),
	}
}
