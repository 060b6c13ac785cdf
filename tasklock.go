package leaseguard

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskLockManager grants short named locks so a periodic job runs at most once
// at a time, across instances and across overlapping timers of one instance.
// Contention is never an error: callers skip the cycle.
type TaskLockManager struct {
	store    Store
	instance *Instance
	options  options
}

func newTaskLockManager(store Store, instance *Instance, opts options) *TaskLockManager {
	return &TaskLockManager{
		store:    store,
		instance: instance,
		options:  opts,
	}
}

// Acquire tries to lock taskName for ttl (the default TTL when ttl <= 0).
// An existing lock blocks acquisition unless it has expired or is older than
// the hard ceiling, in which case it is replaced. Both limits are exclusive,
// matching SweepExpired.
func (m *TaskLockManager) Acquire(ctx context.Context, taskName string, ttl time.Duration) (bool, string) {
	if ttl <= 0 {
		ttl = m.options.taskLockTTL
	}

	var (
		logger = m.options.logger.With("task", taskName)
		now    = m.options.clock.Now()
	)

	existing, err := m.store.GetTaskLock(ctx, taskName)
	if err != nil {
		logger.Warn("failed to read task lock", "error", err)
		m.instance.recordLockFailure()
		return false, ""
	}

	if existing != nil {
		var age = now.Sub(existing.CreatedAt)
		switch {
		case age > m.options.taskLockCeiling:
			logger.Warn("reclaiming task lock past hard ceiling",
				"holder_id", existing.HolderID,
				"age", age)
		case existing.Expired(now):
			logger.Debug("reclaiming expired task lock", "holder_id", existing.HolderID)
		default:
			logger.Debug("task lock held", "holder_id", existing.HolderID)
			return false, ""
		}

		var filter = TaskLockFilter{TaskName: taskName, LockID: existing.LockID}
		if _, err := m.store.DeleteTaskLocks(ctx, filter); err != nil {
			logger.Warn("failed to reclaim task lock", "error", err)
			m.instance.recordLockFailure()
			return false, ""
		}
	}

	var lock = &TaskLock{
		TaskName:  taskName,
		LockID:    uuid.NewString(),
		HolderID:  m.instance.HolderID(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	inserted, err := m.store.InsertTaskLock(ctx, lock)
	if err != nil {
		logger.Warn("failed to insert task lock", "error", err)
		m.instance.recordLockFailure()
		return false, ""
	}
	if !inserted {
		logger.Debug("task lock taken concurrently")
		return false, ""
	}

	return true, lock.LockID
}

// Release deletes the lock acquired as lockID. A lock that was already
// reclaimed is not an error.
func (m *TaskLockManager) Release(ctx context.Context, taskName, lockID string) {
	var removed, err = m.store.DeleteTaskLocks(ctx, TaskLockFilter{TaskName: taskName, LockID: lockID})
	if err != nil {
		m.options.logger.Warn("failed to release task lock", "task", taskName, "error", err)
		return
	}
	if removed == 0 {
		m.options.logger.Debug("task lock already reclaimed", "task", taskName, "lock_id", lockID)
	}
}

// RunExclusive runs fn while holding the lock for taskName. It reports
// ran=false without calling fn when the lock is held elsewhere. The lock is
// released after fn returns or panics; fn's error is returned unchanged.
func (m *TaskLockManager) RunExclusive(ctx context.Context, taskName string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	granted, lockID := m.Acquire(ctx, taskName, ttl)
	if !granted {
		return false, nil
	}
	defer func() {
		var releaseCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), m.options.operationTimeout)
		defer cancel()
		m.Release(releaseCtx, taskName, lockID)
	}()

	return true, fn(ctx)
}

// SweepExpired removes task locks past their expiry or the hard ceiling, and
// probe locks older than the probe age limit. It returns the number removed.
func (m *TaskLockManager) SweepExpired(ctx context.Context) int {
	var now = m.options.clock.Now()

	var removed = m.deleteAll(ctx, "sweep",
		TaskLockFilter{ExpiresBefore: now},
		TaskLockFilter{CreatedBefore: now.Add(-m.options.taskLockCeiling)},
		TaskLockFilter{TaskName: ProbeTaskName, CreatedBefore: now.Add(-m.options.probeLockMaxAge)},
	)
	if removed > 0 {
		m.options.logger.Info("swept task locks", "removed", removed)
	}
	return removed
}

// EmergencySweep removes every probe lock and other holders' locks older than
// the foreign age limit. It is run once at startup to clear crash debris.
func (m *TaskLockManager) EmergencySweep(ctx context.Context) int {
	var now = m.options.clock.Now()

	var removed = m.deleteAll(ctx, "emergency sweep",
		TaskLockFilter{TaskName: ProbeTaskName},
		TaskLockFilter{
			ExcludeHolderID: m.instance.HolderID(),
			CreatedBefore:   now.Add(-m.options.foreignLockMaxAge),
		},
	)
	if removed > 0 {
		m.options.logger.Info("emergency sweep removed task locks", "removed", removed)
	}
	return removed
}

func (m *TaskLockManager) deleteAll(ctx context.Context, op string, filters ...TaskLockFilter) int {
	var total int
	for _, filter := range filters {
		removed, err := m.store.DeleteTaskLocks(ctx, filter)
		if err != nil {
			m.options.logger.Warn("failed to delete task locks", "op", op, "error", err)
			continue
		}
		total += removed
	}
	return total
}
