package task

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"vidqueue/config"

	"github.com/stretchr/testify/require"
)

// mockEngine is a mock implementation of the Engine interface for testing.
type mockEngine struct {
	processFunc func(ctx context.Context, job Job, report ProgressFunc) error
}

func (m *mockEngine) Process(ctx context.Context, job Job, report ProgressFunc) error {
	if m.processFunc != nil {
		return m.processFunc(ctx, job, report)
	}
	return nil // Default success behavior
}

// gateEngine blocks every job until the test releases it with finish.
type gateEngine struct {
	mu      sync.Mutex
	gates   map[string]chan error
	reports map[string]ProgressFunc
	calls   map[string]int
}

func newGateEngine() *gateEngine {
	return &gateEngine{
		gates:   make(map[string]chan error),
		reports: make(map[string]ProgressFunc),
		calls:   make(map[string]int),
	}
}

func (g *gateEngine) gate(id string) chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[id]
	if !ok {
		ch = make(chan error, 1)
		g.gates[id] = ch
	}
	return ch
}

func (g *gateEngine) Process(ctx context.Context, job Job, report ProgressFunc) error {
	g.mu.Lock()
	g.reports[job.ID] = report
	g.calls[job.ID]++
	g.mu.Unlock()

	select {
	case err := <-g.gate(job.ID):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gateEngine) finish(id string, err error) {
	g.gate(id) <- err
}

func (g *gateEngine) report(id string, progress float32) bool {
	g.mu.Lock()
	fn := g.reports[id]
	g.mu.Unlock()
	return fn(progress)
}

func (g *gateEngine) callCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

func (g *gateEngine) waitStarted(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return g.callCount(id) > 0
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached the engine", id)
}

// memStore keeps the last snapshot as JSON so loads go through a real decode.
type memStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
	err   error
}

func (s *memStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.data = b
	s.saves++
	return nil
}

func (s *memStore) Load(context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(s.data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

type recordedEvent struct {
	name    string
	payload map[string]any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Emit(name string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{name: name, payload: payload})
}

func (s *recordingSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (s *recordingSink) last(name string) (recordedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].name == name {
			return s.events[i], true
		}
	}
	return recordedEvent{}, false
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConcurrentTasks: 2,
		TaskTimeout:        10 * time.Second,
	}
}

func newTestManager(t *testing.T, maxConcurrent int, engine Engine) (*Manager, *memStore, *recordingSink) {
	t.Helper()
	cfg := testConfig()
	cfg.MaxConcurrentTasks = maxConcurrent
	store := &memStore{}
	sink := &recordingSink{}
	mgr, err := NewManager(cfg, engine, store, sink, nil)
	require.NoError(t, err)

	// Blocked engines return once the manager context is canceled.
	ctx, cancel := context.WithCancel(context.Background())
	mgr.ctx = ctx
	t.Cleanup(func() {
		cancel()
		mgr.Wait()
	})
	return mgr, store, sink
}

func createTasks(t *testing.T, mgr *Manager, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		id, err := mgr.CreateTask("in.mp4", "out.mp4", TypeConvert, map[string]string{"output_format": "mp4"})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func statusOf(t *testing.T, mgr *Manager, id string) Status {
	t.Helper()
	task, err := mgr.GetTask(id)
	require.NoError(t, err)
	return task.Status
}

func waitStatus(t *testing.T, mgr *Manager, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := mgr.GetTask(id)
		return err == nil && task.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never became %s", id, want)
}

func countStatus(mgr *Manager, status Status) int {
	n := 0
	for _, task := range mgr.GetAllTasks() {
		if task.Status == status {
			n++
		}
	}
	return n
}

// requireQueueInvariant checks that the queue holds exactly the Pending tasks, once each.
func requireQueueInvariant(t *testing.T, mgr *Manager) {
	t.Helper()
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	seen := make(map[string]bool, len(mgr.queue))
	for _, id := range mgr.queue {
		task, ok := mgr.index[id]
		require.True(t, ok, "queued id %s has no task", id)
		require.Equal(t, StatusPending, task.Status, "queued task %s", id)
		require.False(t, seen[id], "task %s queued twice", id)
		seen[id] = true
	}
	for _, task := range mgr.tasks {
		if task.Status == StatusPending {
			require.True(t, seen[task.ID], "pending task %s missing from queue", task.ID)
		}
	}
}
