package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	executed atomic.Int32
	block    chan struct{}
	err      error
}

func (j *countingJob) Execute(ctx context.Context) error {
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	j.executed.Add(1)
	return j.err
}

func (j *countingJob) Description() string { return "counting job" }

func TestPoolExecutesSubmittedJobs(t *testing.T) {
	pool := NewPool(2, 10, time.Second)
	pool.Start()

	jobs := make([]*countingJob, 5)
	for i := range jobs {
		jobs[i] = &countingJob{}
		require.NoError(t, pool.Submit(jobs[i]))
	}

	pool.Shutdown(time.Second)

	for _, j := range jobs {
		assert.Equal(t, int32(1), j.executed.Load())
	}
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	// single worker, single slot, worker blocked on the first job
	block := make(chan struct{})
	defer close(block)

	pool := NewPool(1, 1, time.Second)
	pool.Start()

	first := &countingJob{block: block}
	require.NoError(t, pool.Submit(first))

	// wait for the worker to pick up the first job so the queue is empty
	require.Eventually(t, func() bool {
		return pool.Submit(&countingJob{block: block}) == nil
	}, time.Second, 5*time.Millisecond)

	err := pool.Submit(&countingJob{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestPoolShutdownCancelsStuckJobs(t *testing.T) {
	block := make(chan struct{}) // never closed, job obeys ctx
	pool := NewPool(1, 1, time.Minute)
	pool.Start()

	stuck := &countingJob{block: block}
	require.NoError(t, pool.Submit(stuck))

	done := make(chan struct{})
	go func() {
		pool.Shutdown(50 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, int32(0), stuck.executed.Load())
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewPool(1, 1, time.Second)
	pool.Start()
	pool.Shutdown(time.Second)

	assert.Error(t, pool.Submit(&countingJob{}))
}

func TestPoolConcurrencyIsBounded(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)

	pool := NewPool(3, 20, time.Second)
	pool.Start()

	for i := 0; i < 12; i++ {
		j := &trackingJob{onRun: func() {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}}
		require.NoError(t, pool.Submit(j))
	}

	pool.Shutdown(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 3)
	assert.Greater(t, maxSeen, 0)
}

type trackingJob struct {
	onRun func()
}

func (j *trackingJob) Execute(ctx context.Context) error {
	j.onRun()
	return nil
}

func (j *trackingJob) Description() string { return "tracking job" }
