package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vidqueue/config"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

// Job is the immutable part of a task handed to the Engine.
type Job struct {
	ID         string
	InputPath  string
	OutputPath string
	Type       Type
	Config     map[string]string
}

// ProgressFunc receives progress in percent. A false return asks the engine
// to stop producing work as soon as it can.
type ProgressFunc func(progress float32) bool

// Engine performs the actual media processing for a task.
type Engine interface {
	Process(ctx context.Context, job Job, report ProgressFunc) error
}

// Store persists manager snapshots. Load returns (nil, nil) when nothing was saved yet.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}

type Manager struct {
	cfg    *config.Config
	engine Engine
	store  Store
	sink   Sink
	logger *zap.Logger

	mu        sync.RWMutex
	tasks     []*Task
	index     map[string]*Task
	queue     []string
	paused    bool
	admission *admission
	wake      map[string]chan struct{} // execution contexts parked on a paused task
	active    int                      // live execution contexts, each holding a slot
	looping   bool

	ctx   context.Context
	slots chan struct{}
	wg    sync.WaitGroup

	rev      atomic.Uint64
	saveMu   sync.Mutex
	savedRev uint64

	now func() time.Time
}

func NewManager(cfg *config.Config, engine Engine, store Store, sink Sink, logger *zap.Logger) (*Manager, error) {
	if engine == nil {
		return nil, errors.New("task manager requires an engine")
	}
	if cfg.MaxConcurrentTasks < 1 {
		return nil, fmt.Errorf("%w: max concurrent tasks must be at least 1, got %d", ErrInvalidArgument, cfg.MaxConcurrentTasks)
	}
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		engine:    engine,
		store:     store,
		sink:      sink,
		logger:    logger.Named("task"),
		index:     make(map[string]*Task),
		admission: newAdmission(cfg.MaxConcurrentTasks),
		wake:      make(map[string]chan struct{}),
		ctx:       context.Background(),
		slots:     make(chan struct{}, 1),
		now:       time.Now,
	}
	return m, nil
}

// Start runs the slot-freed dispatcher and the retention loop until ctx is done.
// Execution contexts started afterwards inherit ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.looping = true
	m.mu.Unlock()

	m.logger.Info("task manager started", zap.Int("max_concurrent_tasks", m.GetMaxConcurrentTasks()))
	go m.dispatchLoop(ctx)
	if m.cfg.TaskRetention > 0 {
		go m.cleanupLoop(ctx)
	}
}

// Wait blocks until every execution context has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// dispatchLoop re-runs admission whenever an execution context frees its slot.
func (m *Manager) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.looping = false
			m.mu.Unlock()
			m.logger.Info("dispatch loop shutting down")
			return
		case <-m.slots:
			m.ProcessNextTasks()
		}
	}
}

// cleanupLoop periodically drops completed and canceled tasks older than the retention period.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval(m.cfg.TaskRetention))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("cleanup loop shutting down")
			return
		case <-ticker.C:
			cutoff := m.now().Add(-m.cfg.TaskRetention)
			if n := m.removeWhere(func(t *Task) bool {
				return (t.Status == StatusCompleted || t.Status == StatusCanceled) &&
					t.CompletedAt != nil && t.CompletedAt.Before(cutoff)
			}); n > 0 {
				m.logger.Info("expired finished tasks", zap.Int("count", n))
			}
		}
	}
}

// minCleanupInterval keeps the retention sweep from spinning on tiny windows.
const minCleanupInterval = time.Second

// retentionInterval checks 4 times per retention period, but never more often than minCleanupInterval.
func retentionInterval(retention time.Duration) time.Duration {
	if interval := retention / 4; interval > minCleanupInterval {
		return interval
	}
	return minCleanupInterval
}

func (m *Manager) slotFreed() {
	m.mu.RLock()
	looping := m.looping
	m.mu.RUnlock()

	if !looping {
		m.ProcessNextTasks()
		return
	}
	select {
	case m.slots <- struct{}{}:
	default: // a wake-up is already pending
	}
}

func (m *Manager) CreateTask(inputPath, outputPath string, taskType Type, cfg map[string]string) (string, error) {
	if !taskType.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTaskType, taskType)
	}

	conf := make(map[string]string, len(cfg))
	for k, v := range cfg {
		conf[k] = v
	}
	t := &Task{
		ID:         fmt.Sprintf("%s_%d", shortuuid.New(), m.now().Unix()),
		InputPath:  inputPath,
		OutputPath: outputPath,
		Type:       taskType,
		Config:     conf,
		Status:     StatusPending,
		CreatedAt:  m.now().UTC(),
	}

	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.index[t.ID] = t
	m.queue = append(m.queue, t.ID)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.logger.Info("task created", zap.String("task_id", t.ID), zap.String("task_type", string(taskType)))
	return t.ID, nil
}

func (m *Manager) GetTask(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

func (m *Manager) GetAllTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = t.Clone()
	}
	return out
}

func (m *Manager) GetQueue() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.queue...)
}

func (m *Manager) GetMaxConcurrentTasks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admission.capacity
}

func (m *Manager) IsQueuePaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// StartTask moves a Pending task to Running and dispatches it to the engine.
// When every slot is taken the task stays Pending in the queue and is picked up
// by admission once a slot frees.
func (m *Manager) StartTask(id string) error {
	m.mu.Lock()
	t, err := m.guardLocked(id, StatusRunning, StatusPending)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.admission.available(m.slotsInUseLocked()) == 0 {
		m.mu.Unlock()
		m.logger.Debug("no free slot, task stays queued", zap.String("task_id", id))
		return nil
	}

	now := m.now().UTC()
	t.Status = StatusRunning
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.Attempts++
	m.dequeueLocked(id)
	job := Job{ID: t.ID, InputPath: t.InputPath, OutputPath: t.OutputPath, Type: t.Type, Config: t.Clone().Config}
	attempt := t.Attempts
	ctx := m.ctx
	m.active++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.sink.Emit(EventTaskStarted, taskPayload(id))
	m.logger.Info("task started", zap.String("task_id", id), zap.Int("attempt", attempt))

	m.wg.Add(1)
	go m.execute(ctx, job, attempt)
	return nil
}

func (m *Manager) PauseTask(id string) error {
	m.mu.Lock()
	t, err := m.guardLocked(id, StatusPaused, StatusRunning)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.Status = StatusPaused
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.sink.Emit(EventTaskPaused, taskPayload(id))
	m.logger.Info("task paused", zap.String("task_id", id))
	return nil
}

func (m *Manager) ResumeTask(id string) error {
	m.mu.Lock()
	t, err := m.guardLocked(id, StatusRunning, StatusPaused)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.Status = StatusRunning
	m.wakeLocked(id)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.sink.Emit(EventTaskResumed, taskPayload(id))
	m.logger.Info("task resumed", zap.String("task_id", id))
	return nil
}

func (m *Manager) CancelTask(id string) error {
	m.mu.Lock()
	t, err := m.guardLocked(id, StatusCanceled, StatusPending, StatusRunning, StatusPaused)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	now := m.now().UTC()
	t.Status = StatusCanceled
	t.CompletedAt = &now
	m.dequeueLocked(id)
	m.wakeLocked(id)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.sink.Emit(EventTaskCanceled, taskPayload(id))
	m.logger.Info("task canceled", zap.String("task_id", id))
	return nil
}

func (m *Manager) RetryTask(id string) error {
	m.mu.Lock()
	t, err := m.guardLocked(id, StatusPending, StatusFailed, StatusCanceled)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.Status = StatusPending
	t.Progress = 0
	t.Error = ""
	t.CompletedAt = nil
	m.dequeueLocked(id)
	m.queue = append(m.queue, id)
	startNow := !m.paused && m.admission.available(m.slotsInUseLocked()) > 0
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.sink.Emit(EventTaskRetried, taskPayload(id))
	m.logger.Info("task retried", zap.String("task_id", id))

	if startNow {
		return m.StartTask(id)
	}
	return nil
}

func (m *Manager) RemoveTask(id string) error {
	m.mu.Lock()
	t, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status == StatusRunning || t.Status == StatusPaused {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s cannot be removed while %s", ErrInvalidStatus, id, t.Status)
	}
	m.deleteLocked(id)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.sink.Emit(EventTaskRemoved, taskPayload(id))
	m.logger.Info("task removed", zap.String("task_id", id))
	return nil
}

// ClearCompletedTasks removes every Completed or Canceled task and returns how many went.
func (m *Manager) ClearCompletedTasks() int {
	return m.removeWhere(func(t *Task) bool {
		return t.Status == StatusCompleted || t.Status == StatusCanceled
	})
}

func (m *Manager) removeWhere(match func(*Task) bool) int {
	m.mu.Lock()
	var ids []string
	for _, t := range m.tasks {
		if match(t) {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		m.mu.Unlock()
		return 0
	}
	for _, id := range ids {
		m.deleteLocked(id)
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	for _, id := range ids {
		m.sink.Emit(EventTaskRemoved, taskPayload(id))
	}
	return len(ids)
}

// ReorderTasks replaces the queue order. Every id must name a Pending task; pending
// tasks left out keep their previous relative order after the listed ones.
func (m *Manager) ReorderTasks(newOrder []string) error {
	m.mu.Lock()
	seen := make(map[string]bool, len(newOrder))
	for _, id := range newOrder {
		t, ok := m.index[id]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if t.Status != StatusPending {
			m.mu.Unlock()
			return fmt.Errorf("%w: task %s is %s, only pending tasks can be reordered", ErrInvalidStatus, id, t.Status)
		}
		if seen[id] {
			m.mu.Unlock()
			return fmt.Errorf("%w: task %s listed twice", ErrInvalidArgument, id)
		}
		seen[id] = true
	}

	queue := append(make([]string, 0, len(m.queue)), newOrder...)
	for _, id := range m.queue {
		if !seen[id] {
			queue = append(queue, id)
		}
	}
	m.queue = queue
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.sink.Emit(EventQueueReordered, nil)
	return nil
}

// ProcessNextTasks starts queued tasks in queue order until the concurrency limit is reached.
func (m *Manager) ProcessNextTasks() {
	m.mu.RLock()
	if m.paused {
		m.mu.RUnlock()
		return
	}
	ids := m.admission.next(m.queue, m.index, m.slotsInUseLocked())
	m.mu.RUnlock()

	for _, id := range ids {
		m.sink.Emit(EventStartTask, taskPayload(id))
		if err := m.StartTask(id); err != nil && !errors.Is(err, ErrInvalidStatus) && !errors.Is(err, ErrTaskNotFound) {
			m.logger.Error("failed to start queued task", zap.String("task_id", id), zap.Error(err))
		}
	}
}

// StartQueue resumes a paused queue, or runs admission on a running one.
func (m *Manager) StartQueue() {
	if m.IsQueuePaused() {
		m.ResumeQueue()
		return
	}
	m.ProcessNextTasks()
	m.sink.Emit(EventQueueStarted, nil)
}

// PauseQueue stops admission and pauses every running task.
func (m *Manager) PauseQueue() {
	m.mu.Lock()
	m.paused = true
	running := m.idsWithStatusLocked(StatusRunning)
	m.mu.Unlock()

	for _, id := range running {
		if err := m.PauseTask(id); err != nil {
			m.logger.Debug("skip pausing task", zap.String("task_id", id), zap.Error(err))
		}
	}

	m.persist(m.snapshot())
	m.sink.Emit(EventQueuePaused, nil)
	m.logger.Info("queue paused", zap.Int("paused_tasks", len(running)))
}

// ResumeQueue resumes every paused task and restarts admission.
func (m *Manager) ResumeQueue() {
	m.mu.Lock()
	m.paused = false
	paused := m.idsWithStatusLocked(StatusPaused)
	m.mu.Unlock()

	for _, id := range paused {
		if err := m.ResumeTask(id); err != nil {
			m.logger.Debug("skip resuming task", zap.String("task_id", id), zap.Error(err))
		}
	}
	m.ProcessNextTasks()

	m.persist(m.snapshot())
	m.sink.Emit(EventQueueResumed, nil)
	m.logger.Info("queue resumed", zap.Int("resumed_tasks", len(paused)))
}

// CancelQueue cancels every unfinished task. Each cancel dequeues its task, so the
// queue ends up empty.
func (m *Manager) CancelQueue() {
	m.mu.RLock()
	ids := m.idsWithStatusLocked(StatusPending, StatusRunning, StatusPaused)
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.CancelTask(id); err != nil {
			m.logger.Debug("skip canceling task", zap.String("task_id", id), zap.Error(err))
		}
	}

	m.sink.Emit(EventQueueCanceled, nil)
	m.logger.Info("queue canceled", zap.Int("canceled_tasks", len(ids)))
}

func (m *Manager) SetMaxConcurrentTasks(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: max concurrent tasks must be at least 1, got %d", ErrInvalidArgument, n)
	}

	m.mu.Lock()
	grew := n > m.admission.capacity
	m.admission = newAdmission(n)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.sink.Emit(EventMaxChanged, map[string]any{"max": n})
	m.logger.Info("max concurrent tasks changed", zap.Int("max", n))

	if grew {
		m.ProcessNextTasks()
	}
	return nil
}

// guardLocked looks up id and checks that its status is one of from.
func (m *Manager) guardLocked(id string, to Status, from ...Status) (*Task, error) {
	t, ok := m.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	for _, s := range from {
		if t.Status == s && CanTransition(s, to) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: task %s is %s, cannot move to %s", ErrInvalidStatus, id, t.Status, to)
}

// slotsInUseLocked counts execution contexts that still hold a slot. A paused
// task keeps its slot until its context returns, so resuming it never overshoots.
func (m *Manager) slotsInUseLocked() int {
	if running := m.runningLocked(); running > m.active {
		return running
	}
	return m.active
}

func (m *Manager) releaseSlot() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

func (m *Manager) runningLocked() int {
	n := 0
	for _, t := range m.tasks {
		if t.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (m *Manager) idsWithStatusLocked(statuses ...Status) []string {
	var ids []string
	for _, t := range m.tasks {
		for _, s := range statuses {
			if t.Status == s {
				ids = append(ids, t.ID)
				break
			}
		}
	}
	return ids
}

func (m *Manager) dequeueLocked(id string) {
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) deleteLocked(id string) {
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks = append(m.tasks[:i:i], m.tasks[i+1:]...)
			break
		}
	}
	delete(m.index, id)
	m.dequeueLocked(id)
}

// wakeLocked releases an execution context parked on a paused task.
func (m *Manager) wakeLocked(id string) {
	if ch, ok := m.wake[id]; ok {
		close(ch)
		delete(m.wake, id)
	}
}
