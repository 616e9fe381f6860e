package task

// admission bounds how many tasks may be Running at once. It only counts;
// it never blocks a caller waiting for a slot.
type admission struct {
	capacity int
}

func newAdmission(capacity int) *admission {
	return &admission{capacity: capacity}
}

// available returns how many more tasks may start given the current running count.
func (a *admission) available(running int) int {
	if free := a.capacity - running; free > 0 {
		return free
	}
	return 0
}

// next walks the queue in order and picks up to available(running) ids whose
// task is still Pending.
func (a *admission) next(queue []string, tasks map[string]*Task, running int) []string {
	free := a.available(running)
	if free == 0 {
		return nil
	}

	picked := make([]string, 0, free)
	for _, id := range queue {
		if len(picked) == free {
			break
		}
		if t, ok := tasks[id]; ok && t.Status == StatusPending {
			picked = append(picked, id)
		}
	}
	return picked
}
