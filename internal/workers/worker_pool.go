package workers

import (
	"context"
	"fmt"
	"sync"
)

// Logger is the logging surface the pool needs. *utils.LogsManager implements it.
type Logger interface {
	Debug(message string, category string)
	Info(message string, category string)
	Warn(message string, category string)
	Error(message string, category string)
}

// WorkerPool runs submitted tasks on a fixed number of goroutines
type WorkerPool struct {
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	workerChan chan func(ctx context.Context)
	wg         sync.WaitGroup
	logger     Logger
	stopOnce   sync.Once
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(ctx context.Context, numWorkers int, logger Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		ctx:        poolCtx,
		cancel:     cancel,
		numWorkers: numWorkers,
		workerChan: make(chan func(ctx context.Context), numWorkers),
		logger:     logger,
	}
}

// Start initializes and starts all workers in the pool
func (wp *WorkerPool) Start() {
	wp.logger.Info(fmt.Sprintf("Starting worker pool with %d workers", wp.numWorkers), "workers")

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.work(i)
	}
}

func (wp *WorkerPool) work(id int) {
	defer wp.wg.Done()
	wp.logger.Debug(fmt.Sprintf("Worker %d started", id), "workers")

	for {
		select {
		case task := <-wp.workerChan:
			wp.run(id, task)
		case <-wp.ctx.Done():
			wp.logger.Debug(fmt.Sprintf("Worker %d stopping (context done)", id), "workers")
			return
		}
	}
}

// run executes one task. A panicking task is logged and the worker keeps going.
func (wp *WorkerPool) run(id int, task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error(fmt.Sprintf("Worker %d panic recovered: %v", id, r), "workers")
		}
	}()
	task(wp.ctx)
}

// Submit queues a task, blocking while every worker is busy
func (wp *WorkerPool) Submit(task func(ctx context.Context)) error {
	select {
	case wp.workerChan <- task:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Stop cancels the pool context and waits for running tasks to return
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.logger.Info("Stopping worker pool", "workers")
		wp.cancel()
		wp.wg.Wait()
		wp.logger.Info("Worker pool stopped", "workers")
	})
}

// GetActiveWorkers returns the number of active workers
func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}
