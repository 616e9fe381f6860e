package task

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const saveTimeout = 10 * time.Second

// stateCopy is a snapshot tagged with the revision it was taken at.
type stateCopy struct {
	rev  uint64
	snap *Snapshot
}

func (m *Manager) snapshotLocked() stateCopy {
	snap := &Snapshot{
		Tasks:              make([]*Task, len(m.tasks)),
		Queue:              append([]string{}, m.queue...),
		MaxConcurrentTasks: m.admission.capacity,
		IsQueuePaused:      m.paused,
	}
	for i, t := range m.tasks {
		snap.Tasks[i] = t.Clone()
	}
	return stateCopy{rev: m.rev.Add(1), snap: snap}
}

func (m *Manager) snapshot() stateCopy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// persist writes sc unless a newer revision already reached the store.
// Failures are logged only: in-memory state stays authoritative and the
// next mutation writes everything again.
func (m *Manager) persist(sc stateCopy) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := m.save(ctx, sc); err != nil {
		m.logger.Warn("persisting task state", zap.Error(err))
	}
}

func (m *Manager) save(ctx context.Context, sc stateCopy) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if sc.rev <= m.savedRev {
		return nil
	}
	if err := m.store.Save(ctx, sc.snap); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreSave, err)
	}
	m.savedRev = sc.rev
	return nil
}

// SaveState writes the current tasks, queue, limit and pause flag to the store.
func (m *Manager) SaveState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	if err := m.save(ctx, m.snapshot()); err != nil {
		return err
	}
	m.logger.Debug("task state saved")
	return nil
}

// LoadState replaces in-memory state with the stored snapshot. It is a no-op when
// nothing was saved. Tasks caught Running or Paused by a restart go back to Pending.
func (m *Manager) LoadState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snap, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreLoad, err)
	}
	if snap == nil {
		m.logger.Info("no saved task state, starting empty")
		return nil
	}

	m.mu.Lock()
	recovered := m.restoreLocked(snap)
	var sc stateCopy
	if recovered > 0 {
		sc = m.snapshotLocked()
	}
	tasks, queued, limit, paused := len(m.tasks), len(m.queue), m.admission.capacity, m.paused
	m.mu.Unlock()

	if recovered > 0 {
		m.persist(sc)
	}
	m.logger.Info("task state loaded",
		zap.Int("tasks", tasks),
		zap.Int("queued", queued),
		zap.Int("max_concurrent_tasks", limit),
		zap.Bool("queue_paused", paused),
		zap.Int("recovered", recovered))
	return nil
}

// restoreLocked installs snap and repairs the queue so that it holds exactly the
// Pending tasks. It returns how many interrupted tasks were reset.
func (m *Manager) restoreLocked(snap *Snapshot) int {
	recovered := 0
	m.tasks = m.tasks[:0]
	m.index = make(map[string]*Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		if t == nil || t.ID == "" || m.index[t.ID] != nil {
			continue
		}
		if t.Status == StatusRunning || t.Status == StatusPaused {
			t.Status = StatusPending
			t.Progress = 0
			recovered++
		}
		m.tasks = append(m.tasks, t)
		m.index[t.ID] = t
	}

	queued := make(map[string]bool, len(snap.Queue))
	m.queue = make([]string, 0, len(snap.Queue))
	for _, id := range snap.Queue {
		if t, ok := m.index[id]; ok && t.Status == StatusPending && !queued[id] {
			m.queue = append(m.queue, id)
			queued[id] = true
		}
	}
	for _, t := range m.tasks {
		if t.Status == StatusPending && !queued[t.ID] {
			m.queue = append(m.queue, t.ID)
			queued[t.ID] = true
		}
	}

	if snap.MaxConcurrentTasks > 0 {
		m.admission = newAdmission(snap.MaxConcurrentTasks)
	}
	m.paused = snap.IsQueuePaused
	return recovered
}
