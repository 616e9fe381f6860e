package task

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// execute owns one dispatched attempt of a task. It re-runs the engine after a
// pause/resume cycle and frees its slot when it returns.
func (m *Manager) execute(ctx context.Context, job Job, attempt int) {
	defer m.wg.Done()
	defer m.slotFreed()
	defer m.releaseSlot()

	for {
		var declined atomic.Bool
		err := m.run(ctx, job, m.reporter(job.ID, attempt, &declined))
		if !m.settle(ctx, job.ID, attempt, err, declined.Load()) {
			return
		}
		m.logger.Info("re-running resumed task", zap.String("task_id", job.ID))
	}
}

func (m *Manager) run(ctx context.Context, job Job, report ProgressFunc) (err error) {
	if m.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return m.engine.Process(ctx, job, report)
}

// reporter builds the progress callback for one attempt. It answers false once
// the task is no longer Running under this attempt; declined keeps the latest answer.
func (m *Manager) reporter(id string, attempt int, declined *atomic.Bool) ProgressFunc {
	return func(progress float32) bool {
		m.mu.Lock()
		t, ok := m.index[id]
		if !ok || t.Attempts != attempt || t.Status != StatusRunning {
			m.mu.Unlock()
			declined.Store(true)
			return false
		}
		declined.Store(false)

		if progress > 100 {
			progress = 100
		}
		changed := progress > t.Progress
		if changed {
			t.Progress = progress
		}
		m.mu.Unlock()

		if changed {
			m.sink.Emit(EventTaskProgress, map[string]any{"taskId": id, "progress": progress})
		}
		return true
	}
}

// settle applies the engine outcome and reports whether the engine should run again.
// A Canceled status always wins over a late engine result. An error seen while
// paused re-runs the engine after resume; a success is kept and completes instead.
func (m *Manager) settle(ctx context.Context, id string, attempt int, err error, declined bool) bool {
	m.mu.Lock()
	t, ok := m.index[id]
	if !ok || t.Attempts != attempt {
		m.mu.Unlock()
		m.logger.Debug("dropping result of superseded attempt", zap.String("task_id", id), zap.Int("attempt", attempt))
		return false
	}

	switch t.Status {
	case StatusCanceled:
		m.mu.Unlock()
		m.logger.Info("discarding engine result of canceled task", zap.String("task_id", id), zap.Error(err))
		return false
	case StatusPaused:
		if !m.parkLocked(ctx, id, attempt) {
			return false
		}
		if err != nil {
			return true
		}
		// The work finished while paused; it completes once resumed.
		m.mu.Lock()
		if t, ok = m.index[id]; !ok || t.Attempts != attempt || t.Status != StatusRunning {
			m.mu.Unlock()
			return false
		}
	case StatusRunning:
	default:
		m.mu.Unlock()
		return false
	}

	if ctx.Err() != nil {
		// Shutdown: leave the task Running so the next start recovers it.
		m.mu.Unlock()
		m.logger.Info("task interrupted by shutdown", zap.String("task_id", id))
		return false
	}
	if err != nil && declined {
		// Paused and resumed before this context noticed; the engine stopped on our request.
		m.mu.Unlock()
		return true
	}

	now := m.now().UTC()
	t.CompletedAt = &now
	if err == nil {
		t.Status = StatusCompleted
		t.Progress = 100
	} else {
		t.Status = StatusFailed
		t.Error = err.Error()
	}
	updated := t.Clone()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	if err == nil {
		m.sink.Emit(EventTaskCompleted, taskPayload(id))
		m.logger.Info("task completed", zap.String("task_id", id))
	} else {
		m.sink.Emit(EventTaskFailed, map[string]any{"taskId": id, "error": err.Error()})
		m.logger.Warn("task failed", zap.String("task_id", id), zap.Error(fmt.Errorf("%w: %v", ErrProcessingFailed, err)))
	}
	m.sink.Emit(EventTaskUpdated, map[string]any{"task": updated})
	return false
}

// parkLocked waits, without the lock, until the paused task is resumed or canceled.
func (m *Manager) parkLocked(ctx context.Context, id string, attempt int) bool {
	ch := make(chan struct{})
	m.wake[id] = ch
	m.mu.Unlock()
	m.logger.Debug("execution parked on paused task", zap.String("task_id", id))

	select {
	case <-ch:
	case <-ctx.Done():
		m.mu.Lock()
		if m.wake[id] == ch {
			delete(m.wake, id)
		}
		m.mu.Unlock()
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.index[id]
	return ok && t.Attempts == attempt && t.Status == StatusRunning
}
