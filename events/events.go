// Package events bridges VM monitor goroutines and request handlers with a
// FIFO completion queue. Emission never blocks; waiters block or poll.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

// Kind discriminates completion notifications.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// TaskEvent is a single task termination notification. Field names follow the
// wire format the MCP tools expose.
type TaskEvent struct {
	TaskID      string         `json:"task_id"`
	Kind        Kind           `json:"event"`
	Timestamp   time.Time      `json:"timestamp"`
	ExitCode    *int           `json:"exit_code"`
	Error       *string        `json:"error"`
	Result      map[string]any `json:"result"`
	MergeResult map[string]any `json:"merge_result"`
}

// NewCompletedEvent builds a termination event for a task that ran to exit.
// The kind is derived from the exit code: zero completes, anything else fails.
func NewCompletedEvent(taskID string, exitCode int, result, mergeResult map[string]any) *TaskEvent {
	kind := KindCompleted
	if exitCode != 0 {
		kind = KindFailed
	}
	return &TaskEvent{
		TaskID:      taskID,
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
		ExitCode:    &exitCode,
		Result:      result,
		MergeResult: mergeResult,
	}
}

// NewFailedEvent builds a failure event for a task that never produced an
// exit code.
func NewFailedEvent(taskID, errMsg string) *TaskEvent {
	return &TaskEvent{
		TaskID:    taskID,
		Kind:      KindFailed,
		Timestamp: time.Now().UTC(),
		Error:     &errMsg,
	}
}

// Queue is an unbounded FIFO of task events shared by every task. Events are
// delivered in emission order, each to exactly one consumer. The wake channel
// has capacity one: emitters signal it without blocking, waiters drain it and
// re-check the queue. A monitor goroutine can therefore emit from any thread
// of control without ever touching consumer state directly.
type Queue struct {
	mu     sync.Mutex
	events []*TaskEvent
	wake   chan struct{}
}

// NewQueue creates an empty event queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Emit appends an event and wakes at most one waiter.
func (q *Queue) Emit(ev *TaskEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the oldest event, if any. When further events
// remain after a pop, the wake signal is re-armed so concurrent waiters make
// progress without waiting for the next Emit.
func (q *Queue) TryPop() (*TaskEvent, bool) {
	q.mu.Lock()
	var ev *TaskEvent
	if len(q.events) > 0 {
		ev = q.events[0]
		q.events = q.events[1:]
	}
	remaining := len(q.events)
	q.mu.Unlock()

	if ev == nil {
		return nil, false
	}
	if remaining > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return ev, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Wait blocks until an event arrives or the timeout elapses, polling the
// queue at a short interval. Returns nil on timeout.
func (q *Queue) Wait(timeout time.Duration) *TaskEvent {
	deadline := time.Now().Add(timeout)
	every := log.NewEvery(5 * time.Second)

	for {
		if ev, ok := q.TryPop(); ok {
			return ev
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		if every.ShouldLog() {
			log.DebugLog.Printf("event queue: still waiting for task events")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitContext waits cooperatively until an event arrives, the timeout
// elapses, or ctx is cancelled. Cancellation is returned as ctx.Err(), never
// swallowed. Timeout returns (nil, nil). The wait re-checks the queue on each
// wake signal and at least once per second so a missed signal cannot strand a
// waiter past the next sub-interval.
func (q *Queue) WaitContext(ctx context.Context, timeout time.Duration) (*TaskEvent, error) {
	deadline := time.Now().Add(timeout)

	for {
		if ev, ok := q.TryPop(); ok {
			return ev, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > time.Second {
			remaining = time.Second
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
