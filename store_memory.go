package leaseguard

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Several guards may share one instance to
// simulate a cluster.
type MemoryStore struct {
	mu        sync.Mutex
	leases    map[LeaseName]Lease
	taskLocks map[string]TaskLock
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases:    make(map[LeaseName]Lease),
		taskLocks: make(map[string]TaskLock),
	}
}

// Connector returns a Connector that always yields this store.
func (s *MemoryStore) Connector() Connector {
	return func(context.Context) (Store, error) {
		return s, nil
	}
}

func (s *MemoryStore) ListLeases(_ context.Context, filter LeaseFilter) ([]*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var leases []*Lease
	for _, lease := range s.leases {
		if matchLease(&lease, filter) {
			var l = lease
			leases = append(leases, &l)
		}
	}
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].Name < leases[j].Name
	})
	return leases, nil
}

func (s *MemoryStore) InsertLease(_ context.Context, lease *Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.leases[lease.Name]; exists {
		return false, nil
	}
	s.leases[lease.Name] = *lease
	return true, nil
}

func (s *MemoryStore) TouchLease(_ context.Context, name LeaseName, holderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lease, exists = s.leases[name]
	if !exists || lease.HolderID != holderID {
		return false, nil
	}
	lease.LastHeartbeat = at
	s.leases[name] = lease
	return true, nil
}

func (s *MemoryStore) DeleteLeases(_ context.Context, filter LeaseFilter) (int, error) {
	if filter == (LeaseFilter{}) {
		return 0, ErrEmptyFilter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for name, lease := range s.leases {
		if matchLease(&lease, filter) {
			delete(s.leases, name)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) GetTaskLock(_ context.Context, taskName string) (*TaskLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lock, exists = s.taskLocks[taskName]
	if !exists {
		return nil, nil
	}
	return &lock, nil
}

func (s *MemoryStore) ListTaskLocks(_ context.Context, filter TaskLockFilter) ([]*TaskLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locks []*TaskLock
	for _, lock := range s.taskLocks {
		if matchTaskLock(&lock, filter) {
			var l = lock
			locks = append(locks, &l)
		}
	}
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].TaskName < locks[j].TaskName
	})
	return locks, nil
}

func (s *MemoryStore) InsertTaskLock(_ context.Context, lock *TaskLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.taskLocks[lock.TaskName]; exists {
		return false, nil
	}
	s.taskLocks[lock.TaskName] = *lock
	return true, nil
}

func (s *MemoryStore) DeleteTaskLocks(_ context.Context, filter TaskLockFilter) (int, error) {
	if filter == (TaskLockFilter{}) {
		return 0, ErrEmptyFilter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for name, lock := range s.taskLocks {
		if matchTaskLock(&lock, filter) {
			delete(s.taskLocks, name)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op so that guards sharing the store can shut down independently.
func (s *MemoryStore) Close() error {
	return nil
}

func matchLease(lease *Lease, filter LeaseFilter) bool {
	switch {
	case filter.Name != "" && lease.Name != filter.Name:
		return false
	case filter.HolderID != "" && lease.HolderID != filter.HolderID:
		return false
	case filter.ExcludeHolderID != "" && lease.HolderID == filter.ExcludeHolderID:
		return false
	case !filter.HeartbeatAfter.IsZero() && !lease.LastHeartbeat.After(filter.HeartbeatAfter):
		return false
	case !filter.HeartbeatNotAfter.IsZero() && lease.LastHeartbeat.After(filter.HeartbeatNotAfter):
		return false
	}
	return true
}

func matchTaskLock(lock *TaskLock, filter TaskLockFilter) bool {
	switch {
	case filter.TaskName != "" && lock.TaskName != filter.TaskName:
		return false
	case filter.LockID != "" && lock.LockID != filter.LockID:
		return false
	case filter.HolderID != "" && lock.HolderID != filter.HolderID:
		return false
	case filter.ExcludeHolderID != "" && lock.HolderID == filter.ExcludeHolderID:
		return false
	case !filter.ExpiresBefore.IsZero() && !lock.ExpiresAt.Before(filter.ExpiresBefore):
		return false
	case !filter.CreatedBefore.IsZero() && !lock.CreatedAt.Before(filter.CreatedBefore):
		return false
	}
	return true
}
