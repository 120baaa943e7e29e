package task

import "errors"

var (
	// ErrQueueSaturated is returned by Submit and Enqueue when the queue is
	// at its configured depth bound.
	ErrQueueSaturated = errors.New("task queue saturated")

	// ErrTaskAborted is how Execute reports cancellation, user-initiated or
	// by timeout.
	ErrTaskAborted = errors.New("task aborted")

	// ErrDuplicateTask is returned when a submitted task id is already
	// pending or running.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrDisposed is returned by Submit and Execute after Dispose.
	ErrDisposed = errors.New("task manager disposed")
)
