package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, string) {}
func (nopLogger) Info(string, string)  {}
func (nopLogger) Warn(string, string)  {}
func (nopLogger) Error(string, string) {}

func TestWorkerPool_RecoversFromPanics(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, nopLogger{})
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(func(context.Context) { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, nopLogger{})
	pool.Start()
	pool.Stop()
	pool.Stop()

	// the buffered channel may still accept, so fill it before asserting
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = pool.Submit(func(context.Context) {})
	}
	assert.Error(t, err)
}

func TestScheduler_RunsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewWorkerPool(ctx, 2, nopLogger{})
	pool.Start()
	defer pool.Stop()

	var calls atomic.Int64
	scheduler := NewScheduler(pool, nopLogger{})
	scheduler.Add(Job{Name: "expire", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}})
	scheduler.Add(Job{Name: "failing", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		return errors.New("rpc down")
	}})
	scheduler.Add(Job{Name: "disabled", Interval: 0, Run: func(context.Context) error {
		t.Error("disabled job ran")
		return nil
	}})
	scheduler.Start(ctx)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return scheduler.Runs("failing") >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, scheduler.Runs("disabled"))

	cancel()
	scheduler.Wait()
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewWorkerPool(ctx, 4, nopLogger{})
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	var concurrent, peak atomic.Int64
	scheduler := NewScheduler(pool, nopLogger{})
	scheduler.Add(Job{Name: "confirm", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}})
	scheduler.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return scheduler.Runs("confirm") >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), peak.Load())
}
