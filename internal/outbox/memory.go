package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Queue.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*Task)}
}

func (m *Memory) Enqueue(ctx context.Context, t Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		cur := m.tasks[id]
		if cur.Status == StatusPending && cur.Kind == t.Kind && cur.Key == t.Key {
			return false, nil
		}
	}
	cp := t
	m.tasks[t.ID] = &cp
	m.order = append(m.order, t.ID)
	return true, nil
}

func (m *Memory) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Task
	for _, id := range m.order {
		t := m.tasks[id]
		if t.Status == StatusPending && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Task, 0, len(due))
	for _, t := range due {
		t.NextAttemptAt = now.Add(lease)
		out = append(out, *t)
	}
	return out, nil
}

func (m *Memory) Complete(ctx context.Context, id string) error {
	return m.update(id, func(t *Task) { t.Status = StatusDone })
}

func (m *Memory) Retry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return m.update(id, func(t *Task) {
		t.Attempts = attempts
		t.NextAttemptAt = next
		t.LastError = lastErr
	})
}

func (m *Memory) Kill(ctx context.Context, id string, attempts int, lastErr string) error {
	return m.update(id, func(t *Task) {
		t.Attempts = attempts
		t.LastError = lastErr
		t.Status = StatusDead
	})
}

func (m *Memory) update(id string, fn func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		fn(t)
	}
	return nil
}

// Tasks returns a snapshot in enqueue order.
func (m *Memory) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.tasks[id])
	}
	return out
}
