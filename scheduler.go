package leaseguard

import (
	"context"
	"sync"
	"time"
)

// scheduler holds named one-shot and periodic tasks. Scheduling a name that
// is already present replaces it, so each name has at most one pending timer.
type scheduler struct {
	mu    sync.Mutex
	tasks map[string]*scheduledTask
}

type scheduledTask struct {
	name  string
	due   time.Time
	every time.Duration
	fn    func(ctx context.Context)
}

func newScheduler() *scheduler {
	return &scheduler{tasks: make(map[string]*scheduledTask)}
}

// after schedules fn once, delay after now.
func (s *scheduler) after(name string, now time.Time, delay time.Duration, fn func(ctx context.Context)) {
	s.put(&scheduledTask{name: name, due: now.Add(delay), fn: fn})
}

// every schedules fn periodically; the first run is one interval after now.
func (s *scheduler) every(name string, now time.Time, interval time.Duration, fn func(ctx context.Context)) {
	s.put(&scheduledTask{name: name, due: now.Add(interval), every: interval, fn: fn})
}

func (s *scheduler) put(task *scheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.name] = task
}

func (s *scheduler) cancel(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.tasks, name)
	}
}

func (s *scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*scheduledTask)
}

func (s *scheduler) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// next returns the earliest due time.
func (s *scheduler) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, task := range s.tasks {
		if !found || task.due.Before(earliest) {
			earliest, found = task.due, true
		}
	}
	return earliest, found
}

// popDue removes and returns the earliest task due at or before now; ties are
// broken by name. Periodic tasks are rescheduled one interval after now.
func (s *scheduler) popDue(now time.Time) (*scheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pick *scheduledTask
	for _, task := range s.tasks {
		if task.due.After(now) {
			continue
		}
		if pick == nil || task.due.Before(pick.due) || (task.due.Equal(pick.due) && task.name < pick.name) {
			pick = task
		}
	}
	if pick == nil {
		return nil, false
	}

	if pick.every > 0 {
		var copied = *pick
		pick.due = now.Add(pick.every)
		return &copied, true
	}

	delete(s.tasks, pick.name)
	return pick, true
}
