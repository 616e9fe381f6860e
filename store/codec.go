package store

import (
	"encoding/json"
	"fmt"

	"vidqueue/task"
)

// encode splits a snapshot into the four persisted keys, each holding JSON text.
func encode(snap *task.Snapshot) (map[string]string, error) {
	tasks := snap.Tasks
	if tasks == nil {
		tasks = []*task.Task{}
	}
	queue := snap.Queue
	if queue == nil {
		queue = []string{}
	}

	fields := map[string]any{
		task.KeyTasks:              tasks,
		task.KeyQueue:              queue,
		task.KeyMaxConcurrentTasks: snap.MaxConcurrentTasks,
		task.KeyIsQueuePaused:      snap.IsQueuePaused,
	}
	out := make(map[string]string, len(fields))
	for key, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		out[key] = string(b)
	}
	return out, nil
}

// decode rebuilds a snapshot from stored keys. It returns (nil, nil) when none
// of the keys are present.
func decode(values map[string]string) (*task.Snapshot, error) {
	if len(values) == 0 {
		return nil, nil
	}
	snap := &task.Snapshot{}
	targets := map[string]any{
		task.KeyTasks:              &snap.Tasks,
		task.KeyQueue:              &snap.Queue,
		task.KeyMaxConcurrentTasks: &snap.MaxConcurrentTasks,
		task.KeyIsQueuePaused:      &snap.IsQueuePaused,
	}
	found := false
	for key, dst := range targets {
		raw, ok := values[key]
		if !ok {
			continue
		}
		found = true
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	if !found {
		return nil, nil
	}
	return snap, nil
}
