package orchestrator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolDo(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran atomic.Bool
	err := pool.Do(func() error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestWorkerPoolDoReturnsWorkError(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	boom := errors.New("clone failed")
	err := pool.Do(func() error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestWorkerPoolCallersGetTheirOwnErrors(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs[i] = pool.Do(func() error { return nil })
			} else {
				errs[i] = pool.Do(func() error { return errors.New("odd job") })
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if i%2 == 0 {
			assert.NoError(t, err, "job %d", i)
		} else {
			assert.EqualError(t, err, "odd job", "job %d", i)
		}
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(func() error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkerPoolShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	require.NoError(t, pool.Do(func() error { return nil }))

	pool.Shutdown()

	err := pool.Do(func() error { return nil })
	require.ErrorIs(t, err, ErrPoolStopped)
}

func TestSharedPools(t *testing.T) {
	var gitRan, vmRan bool
	require.NoError(t, runGitWork(func() error {
		gitRan = true
		return nil
	}))
	require.NoError(t, runVMWork(func() error {
		vmRan = true
		return nil
	}))
	assert.True(t, gitRan)
	assert.True(t, vmRan)
}
