package orchestrator

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// job is a unit of work with its own completion channel, so each caller gets
// the error of the work it submitted.
type job struct {
	run  func() error
	done chan error
}

// WorkerPool bounds how many expensive external operations (git clones,
// nix builds, directory deletions) run at once, keeping a burst of tool
// calls from forking dozens of subprocesses.
type WorkerPool struct {
	workers   int
	taskQueue chan job
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	mu        sync.Mutex
}

// ErrPoolStopped is returned for work submitted after Shutdown.
var ErrPoolStopped = errors.New("worker pool stopped")

// NewWorkerPool creates a worker pool with the specified number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workers:   workers,
		taskQueue: make(chan job, workers*2),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start initializes and starts the worker pool.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return
	}

	wp.started = true

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case j, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			j.done <- j.run()
		}
	}
}

// Do submits work to the pool and blocks until that work finishes, returning
// its error. The calling goroutine is parked, not a worker, so request
// handlers stay responsive while heavy work queues.
func (wp *WorkerPool) Do(fn func() error) error {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		wp.Start()
	} else {
		wp.mu.Unlock()
	}

	j := job{run: fn, done: make(chan error, 1)}
	select {
	case wp.taskQueue <- j:
	case <-wp.ctx.Done():
		return ErrPoolStopped
	}

	select {
	case err := <-j.done:
		return err
	case <-wp.ctx.Done():
		return ErrPoolStopped
	}
}

// Shutdown stops the workers. In-flight work finishes; queued work is
// abandoned.
func (wp *WorkerPool) Shutdown() {
	wp.cancel()
	wp.wg.Wait()
}

// Global worker pools for different operation types
var (
	gitWorkerPool *WorkerPool
	vmWorkerPool  *WorkerPool
	initOnce      sync.Once
)

func initWorkerPools() {
	initOnce.Do(func() {
		gitWorkerPool = NewWorkerPool(2) // git clones and deletions
		vmWorkerPool = NewWorkerPool(4)  // nix builds and VM launches
	})
}

// runGitWork runs disk and git work on the shared git pool.
func runGitWork(fn func() error) error {
	initWorkerPools()
	return gitWorkerPool.Do(fn)
}

// runVMWork runs build and launch work on the shared VM pool.
func runVMWork(fn func() error) error {
	initWorkerPools()
	return vmWorkerPool.Do(fn)
}
