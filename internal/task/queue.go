// Package task runs work against engine sessions. The Queue is the
// event-driven core: FIFO admission against pre-selected sessions, a bounded
// parallelism scheduler, verbatim republication of session streams onto the
// bus, and cancellation. The Manager layers priorities, timeouts, pooled
// session acquisition, result futures, and run history on top.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/engine"
	"github.com/basket/go-loom/internal/event"
	"github.com/basket/go-loom/internal/shared"
)

// CancelReasonUser is the reason attached to a plain Cancel.
const CancelReasonUser = "user canceled"

// CancelReasonCleared is the reason attached by Clear.
const CancelReasonCleared = "queue cleared"

// QueueConfig parameterizes a Queue.
type QueueConfig struct {
	// MaxParallel bounds concurrently running tasks, 1 by default.
	MaxParallel int
	// MaxDepth bounds pending tasks; 0 means unbounded.
	MaxDepth int
	Bus      *bus.Bus     // defaults to bus.Default()
	Logger   *slog.Logger // defaults to slog.Default()
}

// QueueStats snapshots queue occupancy.
type QueueStats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

type queuedTask struct {
	task       engine.Task
	session    engine.Session
	enqueuedAt time.Time
}

type runningTask struct {
	task      engine.Task
	session   engine.Session
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	// canceled is set before the cancellation handle fires so completion
	// maps the terminal status deterministically.
	canceled bool
	reason   string
}

// Queue admits tasks bound to sessions and runs them under a parallelism
// bound. Every event a session produces is republished verbatim on the bus;
// the queue adds only task lifecycle events around the stream.
type Queue struct {
	cfg    QueueConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu         sync.Mutex
	pending    []*queuedTask
	running    map[string]*runningTask
	scheduling bool
	disposed   bool
}

// NewQueue builds an empty queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		bus:     cfg.Bus,
		logger:  cfg.Logger.With("component", "queue"),
		running: make(map[string]*runningTask),
	}
}

// MaxParallel reports the parallelism bound.
func (q *Queue) MaxParallel() int { return q.cfg.MaxParallel }

// Enqueue admits a task bound to a session and schedules it. The task id is
// minted when empty. Publishes task_metadata(pending) and a depth note
// before scheduling.
func (q *Queue) Enqueue(task engine.Task, session engine.Session) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if session == nil {
		return "", fmt.Errorf("task %s: session must be non-nil", task.ID)
	}

	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return "", fmt.Errorf("enqueue %s: queue disposed", task.ID)
	}
	if q.taskKnownLocked(task.ID) {
		q.mu.Unlock()
		return "", fmt.Errorf("enqueue: %w: %s", ErrDuplicateTask, task.ID)
	}
	if q.cfg.MaxDepth > 0 && len(q.pending) >= q.cfg.MaxDepth {
		q.mu.Unlock()
		return "", fmt.Errorf("enqueue %s: %w (depth %d)", task.ID, ErrQueueSaturated, q.cfg.MaxDepth)
	}
	q.pending = append(q.pending, &queuedTask{task: task, session: session, enqueuedAt: time.Now()})
	depth := len(q.pending)
	q.mu.Unlock()

	q.bus.Publish(event.TaskMetadata(event.TaskPayload{TaskID: task.ID, Status: event.StatusPending}))
	q.bus.Publish(event.TaskProgress(task.ID, fmt.Sprintf("enqueued, depth=%d", depth)))
	q.logger.Debug("task enqueued", "task_id", task.ID, "depth", depth)

	q.schedule()
	return task.ID, nil
}

func (q *Queue) taskKnownLocked(id string) bool {
	if _, ok := q.running[id]; ok {
		return true
	}
	for _, qt := range q.pending {
		if qt.task.ID == id {
			return true
		}
	}
	return false
}

// schedule runs one scheduler pass: while a slot is free, promote the head
// of pending to running. A guard keeps passes from stacking when completion
// re-enters mid-publish.
func (q *Queue) schedule() {
	q.mu.Lock()
	if q.scheduling || q.disposed {
		q.mu.Unlock()
		return
	}
	q.scheduling = true
	var starts []*runningTask
	for len(q.pending) > 0 && len(q.running) < q.cfg.MaxParallel {
		qt := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		ctx = shared.WithTaskID(ctx, qt.task.ID)
		rt := &runningTask{
			task:      qt.task,
			session:   qt.session,
			ctx:       ctx,
			cancel:    cancel,
			startedAt: time.Now(),
		}
		q.running[qt.task.ID] = rt
		starts = append(starts, rt)
	}
	q.scheduling = false
	q.mu.Unlock()

	for _, rt := range starts {
		go q.runTask(rt)
	}
}

// runTask drives one task: announce the start, iterate the session stream
// republishing every event verbatim, then complete with the mapped status.
// No queue lock is held while the stream is iterated.
func (q *Queue) runTask(rt *runningTask) {
	id := rt.task.ID
	started := rt.startedAt
	q.bus.Publish(event.TaskMetadata(event.TaskPayload{
		TaskID:    id,
		Status:    event.StatusRunning,
		SessionID: rt.session.ID(),
		StartedAt: &started,
	}))
	q.bus.Publish(event.TaskProgress(id, "started"))
	q.logger.Debug("task started",
		"task_id", id,
		"session_id", rt.session.ID(),
		"trace_id", shared.TraceID(rt.ctx),
	)

	ch, err := rt.session.Run(rt.ctx, rt.task)
	if err != nil {
		q.bus.Publish(event.Error(err.Error(), ""))
		q.complete(rt, event.StatusError, err.Error())
		return
	}

	var (
		endReason event.EndReason
		errMsg    string
		sawError  bool
	)
	for ev := range ch {
		q.bus.Publish(ev)
		switch ev.Type {
		case event.TypeError:
			sawError = true
			errMsg = ev.Error.Message
		case event.TypeSessionEnd:
			endReason = ev.Session.Reason
		}
	}

	q.mu.Lock()
	canceled := rt.canceled
	q.mu.Unlock()

	switch {
	case canceled:
		q.complete(rt, event.StatusCanceled, "")
	case endReason == event.ReasonError:
		if errMsg == "" {
			errMsg = "session ended with error"
		}
		if !sawError {
			q.bus.Publish(event.Error(errMsg, ""))
		}
		q.complete(rt, event.StatusError, errMsg)
	default:
		q.complete(rt, event.StatusSuccess, "")
	}
}

// complete removes the task from running, publishes the terminal metadata
// and, for non-canceled outcomes, task_completed. Canceled tasks already had
// task_canceled published at cancellation time. Re-enters the scheduler.
func (q *Queue) complete(rt *runningTask, status event.TaskStatus, errMsg string) {
	id := rt.task.ID
	endedAt := time.Now()
	duration := endedAt.Sub(rt.startedAt)

	q.mu.Lock()
	delete(q.running, id)
	disposed := q.disposed
	reason := rt.reason
	q.mu.Unlock()
	rt.cancel()

	if disposed {
		return
	}

	started := rt.startedAt
	q.bus.Publish(event.TaskMetadata(event.TaskPayload{
		TaskID:    id,
		Status:    status,
		SessionID: rt.session.ID(),
		StartedAt: &started,
		EndedAt:   &endedAt,
		Duration:  duration,
		Reason:    reason,
		Error:     errMsg,
	}))
	if status != event.StatusCanceled {
		q.bus.Publish(event.TaskCompleted(id, status, duration, errMsg))
	}
	q.logger.Debug("task completed", "task_id", id, "status", status, "duration", duration)

	q.schedule()
}

// Cancel cancels a pending or running task with the default reason.
func (q *Queue) Cancel(taskID string) bool {
	return q.CancelWithReason(taskID, CancelReasonUser)
}

// CancelWithReason removes a pending task outright, or signals a running
// task's cancellation handle and aborts its session. task_canceled is
// published before the handle fires so it precedes the stream's terminal
// events. Reports whether a task was found.
func (q *Queue) CancelWithReason(taskID, reason string) bool {
	q.mu.Lock()
	for i, qt := range q.pending {
		if qt.task.ID != taskID {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.mu.Unlock()
		q.publishCancelation(taskID, reason)
		return true
	}
	rt, ok := q.running[taskID]
	if ok {
		rt.canceled = true
		rt.reason = reason
	}
	q.mu.Unlock()
	if !ok {
		return false
	}

	q.bus.Publish(event.TaskCanceled(taskID, reason))
	rt.cancel()
	rt.session.Abort(taskID)
	q.logger.Debug("task canceled", "task_id", taskID, "reason", reason)
	return true
}

// publishCancelation emits the terminal pair for a task that never ran.
func (q *Queue) publishCancelation(taskID, reason string) {
	q.bus.Publish(event.TaskCanceled(taskID, reason))
	now := time.Now()
	q.bus.Publish(event.TaskMetadata(event.TaskPayload{
		TaskID:  taskID,
		Status:  event.StatusCanceled,
		EndedAt: &now,
		Reason:  reason,
	}))
}

// Clear cancels every pending task with reason "queue cleared" and returns
// how many were removed. Running tasks are unaffected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	cleared := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, qt := range cleared {
		q.publishCancelation(qt.task.ID, CancelReasonCleared)
	}
	return len(cleared)
}

// Dispose cancels everything and stops admission. Pending tasks are dropped
// and running tasks aborted without terminal task events; their session
// streams still drain onto the bus.
func (q *Queue) Dispose() {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	q.pending = nil
	rts := make([]*runningTask, 0, len(q.running))
	for _, rt := range q.running {
		rt.canceled = true
		rts = append(rts, rt)
	}
	q.mu.Unlock()

	for _, rt := range rts {
		rt.cancel()
		rt.session.Abort(rt.task.ID)
	}
}

// Status reports whether the task is pending or running. Terminal tasks are
// not tracked here.
func (q *Queue) Status(taskID string) (event.TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.running[taskID]; ok {
		return event.StatusRunning, true
	}
	for _, qt := range q.pending {
		if qt.task.ID == taskID {
			return event.StatusPending, true
		}
	}
	return "", false
}

// Stats snapshots queue occupancy.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Pending: len(q.pending), Running: len(q.running)}
}

// WaitIdle blocks until no task is pending or running, or ctx ends.
func (q *Queue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := q.Stats()
		if st.Pending == 0 && st.Running == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
