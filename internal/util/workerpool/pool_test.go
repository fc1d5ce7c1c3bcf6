package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool_RunsJobs(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 3, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	var ran int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), Job{
			ID: fmt.Sprintf("job-%d", i),
			Fn: func(context.Context) error {
				defer wg.Done()
				atomic.AddInt32(&ran, 1)
				return nil
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(20), atomic.LoadInt32(&ran))
	assert.Eventually(t, func() bool { return pool.Stats().Completed == 20 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(20), pool.Stats().Submitted)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "bounded", MaxWorkers: 2, QueueSize: 10})
	defer pool.Stop(time.Second)

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), Job{
			ID: "j",
			Fn: func(context.Context) error {
				defer wg.Done()
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			},
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "failing", MaxWorkers: 1})
	defer pool.Stop(time.Second)

	require.NoError(t, pool.Submit(context.Background(), Job{ID: "err", Fn: func(context.Context) error { return assert.AnError }}))
	require.NoError(t, pool.Submit(context.Background(), Job{ID: "panic", Fn: func(context.Context) error { panic("boom") }}))

	assert.Eventually(t, func() bool { return pool.Stats().Failed == 2 }, time.Second, time.Millisecond)
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "stopped", MaxWorkers: 1})
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(context.Background(), Job{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), pool.Stats().Rejected)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "full", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	release := make(chan struct{})
	block := Job{ID: "block", Fn: func(context.Context) error { <-release; return nil }}
	require.NoError(t, pool.Submit(context.Background(), block))
	require.NoError(t, pool.Submit(context.Background(), Job{ID: "queued", Fn: func(context.Context) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// The worker may not have picked up "block" yet, so the queue can need one more slot.
	var err error
	for err == nil {
		err = pool.Submit(ctx, Job{ID: "overflow", Fn: func(context.Context) error { return nil }})
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestWorkerPool_AcceptedJobsRunDespiteConcurrentStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		pool := NewWorkerPool(&Config{Name: "racing", MaxWorkers: 2, QueueSize: 8})

		var accepted, ran int32
		var wg sync.WaitGroup
		for s := 0; s < 4; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					err := pool.Submit(context.Background(), Job{
						ID: "job",
						Fn: func(context.Context) error {
							atomic.AddInt32(&ran, 1)
							return nil
						},
					})
					if err != nil {
						return
					}
					atomic.AddInt32(&accepted, 1)
				}
			}()
		}

		require.NoError(t, pool.Stop(5*time.Second))
		wg.Wait()
		assert.Equal(t, atomic.LoadInt32(&accepted), atomic.LoadInt32(&ran), "iteration %d", i)
	}
}
