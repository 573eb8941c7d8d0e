package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a named periodic task
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler submits jobs to a WorkerPool on their interval. A job whose
// previous run has not returned yet is skipped for that tick.
type Scheduler struct {
	pool   *WorkerPool
	logger Logger
	jobs   []*scheduledJob
	wg     sync.WaitGroup
}

type scheduledJob struct {
	Job
	running atomic.Bool
	runs    atomic.Int64
}

func NewScheduler(pool *WorkerPool, logger Logger) *Scheduler {
	return &Scheduler{pool: pool, logger: logger}
}

// Add registers a job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 || job.Run == nil {
		s.logger.Warn(fmt.Sprintf("Job %s disabled (interval %v)", job.Name, job.Interval), "workers")
		return
	}
	s.jobs = append(s.jobs, &scheduledJob{Job: job})
}

// Start launches one ticker per job. Tickers stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
		s.logger.Info(fmt.Sprintf("Scheduled %s every %v", job.Name, job.Interval), "workers")
	}
}

// Wait blocks until every ticker goroutine has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Runs reports how many times the named job has completed
func (s *Scheduler) Runs(name string) int64 {
	for _, job := range s.jobs {
		if job.Name == name {
			return job.runs.Load()
		}
	}
	return 0
}

func (s *Scheduler) loop(ctx context.Context, job *scheduledJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(job)
		}
	}
}

func (s *Scheduler) dispatch(job *scheduledJob) {
	if !job.running.CompareAndSwap(false, true) {
		s.logger.Debug(fmt.Sprintf("Job %s still running, skipping tick", job.Name), "workers")
		return
	}

	err := s.pool.Submit(func(ctx context.Context) {
		defer job.running.Store(false)
		defer job.runs.Add(1)

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error(fmt.Sprintf("Job %s failed: %v", job.Name, err), "workers")
			return
		}
		s.logger.Debug(fmt.Sprintf("Job %s finished in %v", job.Name, time.Since(start)), "workers")
	})
	if err != nil {
		job.running.Store(false)
	}
}
