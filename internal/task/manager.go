package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/engine"
	"github.com/basket/go-loom/internal/event"
	"github.com/basket/go-loom/internal/pool"
)

const (
	// DefaultTaskTimeout bounds a task's run when the submitter sets none.
	DefaultTaskTimeout = 300 * time.Second

	// DefaultHistorySize caps the in-memory completion history.
	DefaultHistorySize = 100

	managerNamespace = "task-manager"
)

// SubmitOptions tune a single submission.
type SubmitOptions struct {
	Priority Priority
	Timeout  time.Duration // 0 means ManagerConfig.DefaultTimeout
}

// Metadata is a point-in-time snapshot of a managed task.
type Metadata struct {
	TaskID      string           `json:"task_id"`
	Kind        engine.TaskKind  `json:"kind"`
	EngineID    string           `json:"engine_id"`
	SessionID   string           `json:"session_id"`
	Priority    Priority         `json:"priority"`
	Status      event.TaskStatus `json:"status"`
	SubmittedAt time.Time        `json:"submitted_at"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
	Duration    time.Duration    `json:"duration,omitempty"`
	Output      any              `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// HistoryEntry records one finished task.
type HistoryEntry struct {
	TaskID    string           `json:"task_id"`
	Success   bool             `json:"success"`
	Status    event.TaskStatus `json:"status"`
	Output    any              `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// HistoryFilter narrows History results. Zero values match everything;
// Limit caps the result to the most recent entries.
type HistoryFilter struct {
	TaskID  string
	Success *bool
	Limit   int
}

// RunRecord is the durable summary of one finished task, handed to the
// configured RunRecorder. It deliberately excludes prompts and outputs.
type RunRecord struct {
	TaskID      string
	Kind        string
	EngineID    string
	SessionID   string
	Priority    string
	Status      string
	Error       string
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	Duration    time.Duration
}

// RunRecorder persists finished-task summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// outcome resolves an Execute waiter.
type outcome struct {
	status event.TaskStatus
	output any
	errMsg string
	reason string
}

// managed tracks one task from submission to completion.
type managed struct {
	task        engine.Task
	priority    Priority
	timeout     time.Duration
	seq         uint64
	status      event.TaskStatus
	sessionID   string
	session     engine.Session
	unsub       func()
	output      any
	errMsg      string
	reason      string
	submittedAt time.Time
	startedAt   time.Time
	endedAt     time.Time
	timer       *time.Timer
}

// ManagerConfig configures a Manager. Zero values fall back to the package
// defaults and the process-wide registry, pool manager, and bus.
type ManagerConfig struct {
	Registry       *engine.Registry
	Pools          *pool.Manager
	Bus            *bus.Bus
	MaxParallel    int
	MaxQueueDepth  int           // backlog cap; 0 = unbounded
	DefaultTimeout time.Duration // 0 = DefaultTaskTimeout
	HistorySize    int           // 0 = DefaultHistorySize
	Store          RunRecorder   // optional run persistence
	Logger         *slog.Logger

	// OnStart and OnFinish are instrumentation hooks invoked as tasks
	// start running and reach a terminal status.
	OnStart  func(engineID string)
	OnFinish func(engineID string, status event.TaskStatus, duration time.Duration)
}

// Manager is the high-level task orchestrator: it resolves engines, holds a
// priority backlog, leases sessions from the pool manager, bounds task
// runtime, and records completions. Execution itself is delegated to the
// Queue, whose bus events drive the manager's bookkeeping.
type Manager struct {
	cfg      ManagerConfig
	registry *engine.Registry
	pools    *pool.Manager
	queue    *Queue
	bus      *bus.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	held     []*managed          // backlog, highest priority dispatched first
	active   map[string]*managed // handed to the queue
	waiters  map[string][]chan outcome
	history  []HistoryEntry
	nextSeq  uint64
	disposed bool

	kickCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	unsubs []func()
}

// NewManager builds a Manager and starts its scheduler.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Registry == nil {
		cfg.Registry = engine.DefaultRegistry()
	}
	if cfg.Pools == nil {
		cfg.Pools = pool.DefaultManager()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTaskTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		registry: cfg.Registry,
		pools:    cfg.Pools,
		bus:      cfg.Bus,
		logger:   cfg.Logger.With("component", "task_manager"),
		active:   make(map[string]*managed),
		waiters:  make(map[string][]chan outcome),
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	m.queue = NewQueue(QueueConfig{
		MaxParallel: cfg.MaxParallel,
		Bus:         cfg.Bus,
		Logger:      cfg.Logger,
	})

	// The queue reports lifecycle transitions on the bus; completions and
	// the terminal canceled metadata (published after the stream drains)
	// close out the manager's record.
	m.unsubs = append(m.unsubs,
		m.bus.Subscribe(string(event.TypeTaskCompleted), m.onTaskCompleted, bus.Options{Namespace: managerNamespace}),
		m.bus.Subscribe(string(event.TypeTaskMetadata), m.onTaskMetadata, bus.Options{Namespace: managerNamespace}),
	)

	m.wg.Add(1)
	go m.schedulerLoop()
	return m
}

// Queue exposes the execution queue, mainly for stats.
func (m *Manager) Queue() *Queue { return m.queue }

// Submit validates the task, resolves its engine, and adds it to the
// backlog. The scheduler dispatches backlog entries to the queue strictly
// by priority (submission order within a priority level) and only while the
// queue has a free slot. Returns the task ID.
func (m *Manager) Submit(task engine.Task, opts SubmitOptions) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	if !opts.Priority.Valid() {
		return "", fmt.Errorf("invalid priority %q", opts.Priority)
	}
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if task.Kind == "" {
		task.Kind = engine.KindChat
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	engineID := task.EngineID
	if engineID == "" {
		engineID = m.registry.DefaultID()
	}
	if _, ok := m.registry.Get(engineID); !ok {
		return "", fmt.Errorf("submit %s: %w: %q", task.ID, engine.ErrUnknownEngine, engineID)
	}
	task.EngineID = engineID

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return "", ErrDisposed
	}
	if m.knownLocked(task.ID) {
		m.mu.Unlock()
		return "", fmt.Errorf("submit: %w: %s", ErrDuplicateTask, task.ID)
	}
	if m.cfg.MaxQueueDepth > 0 && len(m.held) >= m.cfg.MaxQueueDepth {
		m.mu.Unlock()
		return "", fmt.Errorf("submit %s: %w (depth %d)", task.ID, ErrQueueSaturated, m.cfg.MaxQueueDepth)
	}
	m.nextSeq++
	rec := &managed{
		task:        task,
		priority:    opts.Priority,
		timeout:     timeout,
		seq:         m.nextSeq,
		status:      event.StatusPending,
		sessionID:   "pending",
		submittedAt: time.Now(),
	}
	m.held = append(m.held, rec)
	m.mu.Unlock()

	m.logger.Debug("task submitted",
		"task_id", task.ID, "kind", task.Kind, "engine_id", engineID, "priority", opts.Priority)
	m.kick()
	return task.ID, nil
}

// Execute submits the task and blocks until it finishes. Success yields the
// task's result output; cancellation yields ErrTaskAborted; a failed task
// yields its error message. Context cancellation aborts the task.
func (m *Manager) Execute(ctx context.Context, task engine.Task, opts SubmitOptions) (any, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	ch := make(chan outcome, 1)

	// Register the waiter before submitting so a fast completion cannot
	// slip past it.
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrDisposed
	}
	m.waiters[task.ID] = append(m.waiters[task.ID], ch)
	m.mu.Unlock()

	id, err := m.Submit(task, opts)
	if err != nil {
		m.dropWaiter(task.ID, ch)
		return nil, err
	}

	select {
	case out := <-ch:
		switch out.status {
		case event.StatusSuccess:
			return out.output, nil
		case event.StatusCanceled:
			if out.reason != "" {
				return nil, fmt.Errorf("%w: %s", ErrTaskAborted, out.reason)
			}
			return nil, ErrTaskAborted
		default:
			if out.errMsg == "" {
				out.errMsg = "task failed"
			}
			return nil, errors.New(out.errMsg)
		}
	case <-ctx.Done():
		m.Abort(id)
		return nil, fmt.Errorf("%w: %v", ErrTaskAborted, ctx.Err())
	}
}

func (m *Manager) dropWaiter(taskID string, ch chan outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chans := m.waiters[taskID]
	for i, c := range chans {
		if c == ch {
			m.waiters[taskID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(m.waiters[taskID]) == 0 {
		delete(m.waiters, taskID)
	}
}

// Abort cancels a backlog or running task. Reports whether the task was
// found in either place.
func (m *Manager) Abort(taskID string) bool {
	return m.abort(taskID, CancelReasonUser)
}

func (m *Manager) abort(taskID, reason string) bool {
	m.mu.Lock()
	for i, rec := range m.held {
		if rec.task.ID == taskID {
			m.held = slices.Delete(m.held, i, i+1)
			m.mu.Unlock()
			m.cancelHeld(rec, reason)
			return true
		}
	}
	_, running := m.active[taskID]
	m.mu.Unlock()
	if !running {
		return false
	}
	return m.queue.CancelWithReason(taskID, reason)
}

// cancelHeld finalizes a task that never reached the queue.
func (m *Manager) cancelHeld(rec *managed, reason string) {
	id := rec.task.ID
	m.bus.Publish(event.TaskCanceled(id, reason))
	endedAt := time.Now()
	m.bus.Publish(event.TaskMetadata(event.TaskPayload{
		TaskID:  id,
		Status:  event.StatusCanceled,
		EndedAt: &endedAt,
		Reason:  reason,
	}))
	rec.reason = reason
	m.finalize(rec, event.StatusCanceled, endedAt)
	m.logger.Debug("queued task canceled", "task_id", id, "reason", reason)
}

// failHeld finalizes a task the manager could not start.
func (m *Manager) failHeld(rec *managed, errMsg string) {
	id := rec.task.ID
	m.bus.Publish(event.Error(errMsg, ""))
	endedAt := time.Now()
	m.bus.Publish(event.TaskMetadata(event.TaskPayload{
		TaskID:  id,
		Status:  event.StatusError,
		EndedAt: &endedAt,
		Error:   errMsg,
	}))
	m.bus.Publish(event.TaskCompleted(id, event.StatusError, 0, errMsg))
	rec.errMsg = errMsg
	m.finalize(rec, event.StatusError, endedAt)
	m.logger.Warn("task failed to start", "task_id", id, "error", errMsg)
	m.kick()
}

func (m *Manager) knownLocked(id string) bool {
	if _, ok := m.active[id]; ok {
		return true
	}
	return slices.ContainsFunc(m.held, func(rec *managed) bool { return rec.task.ID == id })
}

func (m *Manager) kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.kickCh:
			m.schedulePass()
		}
	}
}

// schedulePass dispatches backlog entries while the queue has free slots.
func (m *Manager) schedulePass() {
	for {
		m.mu.Lock()
		if m.disposed || len(m.held) == 0 {
			m.mu.Unlock()
			return
		}
		st := m.queue.Stats()
		if st.Pending+st.Running >= m.queue.MaxParallel() {
			m.mu.Unlock()
			return
		}
		rec := m.popNextLocked()
		m.mu.Unlock()
		m.start(rec)
	}
}

// popNextLocked removes and returns the highest-priority backlog entry.
// Ties resolve to the earliest submission.
func (m *Manager) popNextLocked() *managed {
	best := 0
	for i, rec := range m.held[1:] {
		if rec.priority.rank() > m.held[best].priority.rank() {
			best = i + 1
		}
	}
	rec := m.held[best]
	m.held = slices.Delete(m.held, best, best+1)
	return rec
}

// start leases a session for the task and hands it to the queue.
func (m *Manager) start(rec *managed) {
	id := rec.task.ID
	eng, ok := m.registry.Get(rec.task.EngineID)
	if !ok {
		m.failHeld(rec, fmt.Sprintf("engine %s no longer registered", rec.task.EngineID))
		return
	}
	p := m.pools.GetPool(eng)
	session, err := p.Acquire()
	if err != nil {
		m.failHeld(rec, fmt.Sprintf("acquire session: %v", err))
		return
	}

	// Observe the session's stream directly so the result, backend session
	// ID, and error detail are attributed to exactly this task.
	unsub := session.OnEvent(func(ev event.Event) { m.observe(id, ev) })

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		unsub()
		p.Release(session, true)
		return
	}
	rec.session = session
	rec.unsub = unsub
	rec.status = event.StatusRunning
	rec.startedAt = time.Now()
	m.active[id] = rec
	timeout := rec.timeout
	m.mu.Unlock()

	if _, err := m.queue.Enqueue(rec.task, session); err != nil {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		unsub()
		p.Release(session, false)
		m.failHeld(rec, fmt.Sprintf("enqueue: %v", err))
		return
	}

	if m.cfg.OnStart != nil {
		m.cfg.OnStart(rec.task.EngineID)
	}

	// Arm the runtime bound only if the task is still in flight; a very
	// fast completion may already have cleared it.
	m.mu.Lock()
	if _, inFlight := m.active[id]; inFlight {
		rec.timer = time.AfterFunc(timeout, func() { m.timeoutTask(id) })
	}
	m.mu.Unlock()
}

// timeoutTask cancels a task whose runtime bound elapsed. Timeouts are
// cancellations, not errors.
func (m *Manager) timeoutTask(id string) {
	m.mu.Lock()
	_, running := m.active[id]
	m.mu.Unlock()
	if !running {
		return
	}
	m.logger.Warn("task timed out", "task_id", id)
	m.queue.CancelWithReason(id, "timeout")
}

// observe folds a session stream event into the task record.
func (m *Manager) observe(id string, ev event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[id]
	if !ok {
		return
	}
	switch ev.Type {
	case event.TypeSessionStart:
		if rec.sessionID == "pending" {
			rec.sessionID = ev.Session.SessionID
		}
	case event.TypeResult:
		rec.output = ev.Result.Output
	case event.TypeError:
		if rec.errMsg == "" {
			rec.errMsg = ev.Error.Message
		}
	}
}

func (m *Manager) onTaskCompleted(ev event.Event) {
	if ev.Task == nil {
		return
	}
	m.finish(ev.Task.TaskID, ev.Task.Status, ev.Task.Error, "")
}

// onTaskMetadata watches for the terminal canceled metadata, which the
// queue publishes only after the aborted stream has fully drained.
func (m *Manager) onTaskMetadata(ev event.Event) {
	if ev.Task == nil || ev.Task.Status != event.StatusCanceled {
		return
	}
	m.finish(ev.Task.TaskID, event.StatusCanceled, "", ev.Task.Reason)
}

// finish closes out an active task: stops its timer, returns the session to
// its pool, resolves waiters, and records the run.
func (m *Manager) finish(id string, status event.TaskStatus, errMsg, reason string) {
	m.mu.Lock()
	rec, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, id)
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	if errMsg != "" {
		rec.errMsg = errMsg
	}
	rec.reason = reason
	session := rec.session
	unsub := rec.unsub
	rec.session = nil
	rec.unsub = nil
	engineID := rec.task.EngineID
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if session != nil {
		if p, ok := m.pools.Lookup(engineID); ok {
			p.Release(session, false)
		} else {
			session.Dispose()
		}
	}
	m.finalize(rec, status, time.Now())
	m.kick()
}

// finalize records the terminal state, appends history, persists the run,
// and resolves Execute waiters. Each record is finalized exactly once.
func (m *Manager) finalize(rec *managed, status event.TaskStatus, endedAt time.Time) {
	id := rec.task.ID

	m.mu.Lock()
	rec.status = status
	rec.endedAt = endedAt
	entry := HistoryEntry{
		TaskID:    id,
		Success:   status == event.StatusSuccess,
		Status:    status,
		Output:    rec.output,
		Error:     rec.errMsg,
		Timestamp: endedAt,
	}
	m.history = append(m.history, entry)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = m.history[over:]
	}
	chans := m.waiters[id]
	delete(m.waiters, id)
	out := outcome{status: status, output: rec.output, errMsg: rec.errMsg, reason: rec.reason}
	var duration time.Duration
	if !rec.startedAt.IsZero() {
		duration = endedAt.Sub(rec.startedAt)
	}
	rr := RunRecord{
		TaskID:      id,
		Kind:        string(rec.task.Kind),
		EngineID:    rec.task.EngineID,
		SessionID:   rec.sessionID,
		Priority:    string(rec.priority),
		Status:      string(status),
		Error:       rec.errMsg,
		SubmittedAt: rec.submittedAt,
		StartedAt:   rec.startedAt,
		EndedAt:     endedAt,
		Duration:    duration,
	}
	m.mu.Unlock()

	if m.cfg.OnFinish != nil {
		m.cfg.OnFinish(rec.task.EngineID, status, duration)
	}
	// Persist before resolving waiters so an Execute caller that exits
	// right after returning cannot race the store write.
	if m.cfg.Store != nil {
		if err := m.cfg.Store.RecordRun(context.Background(), rr); err != nil {
			m.logger.Warn("record run failed", "task_id", id, "error", err)
		}
	}
	for _, ch := range chans {
		ch <- out
	}
}

// Status reports the current status of a task, consulting the backlog,
// active set, and history in that order.
func (m *Manager) Status(taskID string) (event.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.held {
		if rec.task.ID == taskID {
			return event.StatusPending, true
		}
	}
	if rec, ok := m.active[taskID]; ok {
		return rec.status, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].TaskID == taskID {
			return m.history[i].Status, true
		}
	}
	return "", false
}

// Metadata returns a snapshot of a backlog or active task.
func (m *Manager) Metadata(taskID string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.held {
		if rec.task.ID == taskID {
			return m.metadataLocked(rec), true
		}
	}
	if rec, ok := m.active[taskID]; ok {
		return m.metadataLocked(rec), true
	}
	return Metadata{}, false
}

func (m *Manager) metadataLocked(rec *managed) Metadata {
	md := Metadata{
		TaskID:      rec.task.ID,
		Kind:        rec.task.Kind,
		EngineID:    rec.task.EngineID,
		SessionID:   rec.sessionID,
		Priority:    rec.priority,
		Status:      rec.status,
		SubmittedAt: rec.submittedAt,
		StartedAt:   rec.startedAt,
		EndedAt:     rec.endedAt,
		Output:      rec.output,
		Error:       rec.errMsg,
	}
	if !rec.startedAt.IsZero() && !rec.endedAt.IsZero() {
		md.Duration = rec.endedAt.Sub(rec.startedAt)
	}
	return md
}

// ActiveTasks lists tasks currently handed to the queue, oldest first.
func (m *Manager) ActiveTasks() []Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metadata, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, m.metadataLocked(rec))
	}
	slices.SortFunc(out, func(a, b Metadata) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// QueuedTasks lists the backlog in dispatch order.
func (m *Manager) QueuedTasks() []Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := slices.Clone(m.held)
	slices.SortFunc(recs, func(a, b *managed) int {
		if d := b.priority.rank() - a.priority.rank(); d != 0 {
			return d
		}
		return int(a.seq) - int(b.seq)
	})
	out := make([]Metadata, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.metadataLocked(rec))
	}
	return out
}

// History returns finished tasks matching the filter, most recent first.
func (m *Manager) History(filter HistoryFilter) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		e := m.history[i]
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if filter.Success != nil && e.Success != *filter.Success {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// ClearQueue cancels every backlog task and clears the queue's pending
// list. Running tasks are untouched. Returns the number of tasks removed.
func (m *Manager) ClearQueue() int {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()

	for _, rec := range held {
		m.cancelHeld(rec, CancelReasonCleared)
	}
	return len(held) + m.queue.Clear()
}

// WaitIdle blocks until no tasks are backlogged or active, or the context
// ends.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		idle := len(m.held) == 0 && len(m.active) == 0
		m.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dispose stops the scheduler, aborts running work, and rejects waiters.
// Backlogged tasks are dropped without terminal events. Safe to call more
// than once.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.held = nil
	active := make([]*managed, 0, len(m.active))
	for _, rec := range m.active {
		active = append(active, rec)
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
	}
	m.active = make(map[string]*managed)
	waiters := m.waiters
	m.waiters = make(map[string][]chan outcome)
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.queue.Dispose()

	for _, rec := range active {
		if rec.unsub != nil {
			rec.unsub()
		}
		if rec.session != nil {
			if p, ok := m.pools.Lookup(rec.task.EngineID); ok {
				p.Release(rec.session, true)
			} else {
				rec.session.Dispose()
			}
		}
	}

	out := outcome{status: event.StatusCanceled, reason: "task manager disposed"}
	for _, chans := range waiters {
		for _, ch := range chans {
			ch <- out
		}
	}
	m.logger.Debug("task manager disposed")
}

var (
	defaultManager   *Manager
	defaultManagerMu sync.Mutex
)

// DefaultManager returns the process-wide manager, creating it on first use.
func DefaultManager() *Manager {
	defaultManagerMu.Lock()
	defer defaultManagerMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager(ManagerConfig{})
	}
	return defaultManager
}

// ResetDefaultManager disposes and discards the process-wide manager.
// Intended for tests.
func ResetDefaultManager() {
	defaultManagerMu.Lock()
	old := defaultManager
	defaultManager = nil
	defaultManagerMu.Unlock()
	if old != nil {
		old.Dispose()
	}
}
