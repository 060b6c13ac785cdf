package leaseguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// LeaseManager acquires, renews and releases the master and execution leases
// of one holder, reclaims stale leases of any holder and looks for
// cross-instance conflicts.
type LeaseManager struct {
	store    Store
	tasks    *TaskLockManager
	probe    *Probe
	marker   *Marker
	instance *Instance
	options  options

	mu       sync.Mutex
	lastBeat map[LeaseName]time.Time
}

func newLeaseManager(store Store, tasks *TaskLockManager, probe *Probe, marker *Marker, instance *Instance, opts options) *LeaseManager {
	return &LeaseManager{
		store:    store,
		tasks:    tasks,
		probe:    probe,
		marker:   marker,
		instance: instance,
		options:  opts,
		lastBeat: make(map[LeaseName]time.Time),
	}
}

// AcquireMaster probes the channel and then claims the master lease.
func (m *LeaseManager) AcquireMaster(ctx context.Context) bool {
	return m.acquire(ctx, LeaseMaster, true)
}

// ReacquireMaster claims the master lease without probing. It is used while
// this instance's own consumer is attached, where a probe would only see itself.
func (m *LeaseManager) ReacquireMaster(ctx context.Context) bool {
	return m.acquire(ctx, LeaseMaster, false)
}

// AcquireExecution probes the channel, claims the execution lease and creates
// the local liveness marker.
func (m *LeaseManager) AcquireExecution(ctx context.Context) bool {
	if !m.acquire(ctx, LeaseExecution, true) {
		return false
	}

	if err := m.marker.Create(); err != nil {
		m.options.logger.Warn("failed to create liveness marker", "error", err)
	}
	return true
}

// acquire claims name for this holder. A live lease of another holder blocks
// the claim; this holder's own live lease is refreshed; stale leases are
// removed before inserting. The insert is keyed by name, so of two racing
// holders only one succeeds.
func (m *LeaseManager) acquire(ctx context.Context, name LeaseName, probe bool) bool {
	if m.instance.ShuttingDown() {
		return false
	}

	var (
		holderID = m.instance.HolderID()
		logger   = m.options.logger.With("lease", name, "holder_id", holderID)
	)

	if probe && !m.probe.Probe(ctx) {
		logger.Info("channel not available, skipping lease acquisition")
		m.instance.recordLockFailure()
		return false
	}

	var (
		now    = m.options.clock.Now()
		cutoff = now.Add(-m.options.leaseTTL)
	)

	live, err := m.store.ListLeases(ctx, LeaseFilter{Name: name, HeartbeatAfter: cutoff})
	if err != nil {
		logger.Warn("failed to read lease", "error", err)
		m.instance.recordLockFailure()
		return false
	}

	for _, lease := range live {
		if lease.HolderID != holderID {
			logger.Debug("lease held by another instance", "owner", lease.HolderID)
			m.instance.recordLockFailure()
			return false
		}
	}

	if len(live) > 0 {
		touched, err := m.store.TouchLease(ctx, name, holderID, now)
		if err != nil {
			logger.Warn("failed to refresh own lease", "error", err)
			m.instance.recordLockFailure()
			return false
		}
		if touched {
			logger.Debug("re-entered own lease")
			m.markBeat(name, now)
			return true
		}
	}

	removed, err := m.store.DeleteLeases(ctx, LeaseFilter{Name: name, HeartbeatNotAfter: cutoff})
	if err != nil {
		logger.Warn("failed to remove stale lease", "error", err)
		m.instance.recordLockFailure()
		return false
	}
	if removed > 0 {
		logger.Info("removed stale lease", "removed", removed)
	}

	inserted, err := m.store.InsertLease(ctx, &Lease{
		Name:          name,
		HolderID:      holderID,
		CreatedAt:     now,
		LastHeartbeat: now,
	})
	if err != nil {
		logger.Warn("failed to insert lease", "error", err)
		m.instance.recordLockFailure()
		return false
	}
	if !inserted {
		logger.Info("lost lease race to another instance")
		m.instance.recordLockFailure()
		return false
	}

	logger.Info("acquired lease")
	m.markBeat(name, now)
	return true
}

// Heartbeat renews this holder's lease. It returns false only when the lease
// row is gone or a store outage has outlasted the lease TTL; the caller must
// then restart acquisition.
func (m *LeaseManager) Heartbeat(ctx context.Context, name LeaseName) bool {
	if m.instance.ShuttingDown() {
		return false
	}

	var (
		holderID = m.instance.HolderID()
		logger   = m.options.logger.With("lease", name, "holder_id", holderID)
		alive    = true
	)

	ran, err := m.tasks.RunExclusive(ctx, heartbeatTaskName(name), m.options.heartbeatLockTTL, func(ctx context.Context) error {
		var now = m.options.clock.Now()
		touched, err := m.store.TouchLease(ctx, name, holderID, now)
		if err != nil {
			return err
		}
		if touched {
			m.markBeat(name, now)
		}
		alive = touched
		return nil
	})
	if err != nil || !ran {
		var since = m.options.clock.Since(m.lastBeatOf(name))
		if since >= m.options.leaseTTL {
			logger.Error("no successful heartbeat within lease ttl", "error", err, "since", since)
			return false
		}
		if err != nil {
			logger.Warn("heartbeat failed, will retry", "error", err)
		} else {
			logger.Debug("heartbeat skipped, task lock unavailable")
		}
		return true
	}
	if !alive {
		logger.Warn("lease lost")
	}
	return alive
}

// CheckConflicts re-validates ownership and reports false when another live
// execution lease exists while a channel conflict was seen recently.
func (m *LeaseManager) CheckConflicts(ctx context.Context) bool {
	if m.instance.ShuttingDown() {
		return true
	}

	var (
		holderID = m.instance.HolderID()
		logger   = m.options.logger.With("holder_id", holderID)
		now      = m.options.clock.Now()
		cutoff   = now.Add(-m.options.leaseTTL)
	)

	own, err := m.store.ListLeases(ctx, LeaseFilter{HolderID: holderID, HeartbeatAfter: cutoff})
	if err != nil {
		logger.Warn("failed to read own leases", "error", err)
		return true
	}

	var held = make(map[LeaseName]bool, len(own))
	for _, lease := range own {
		held[lease.Name] = true
	}
	if !held[LeaseMaster] || !held[LeaseExecution] {
		logger.Warn("ownership drift detected",
			"master", held[LeaseMaster],
			"execution", held[LeaseExecution])
	}

	others, err := m.store.ListLeases(ctx, LeaseFilter{
		Name:            LeaseExecution,
		ExcludeHolderID: holderID,
		HeartbeatAfter:  cutoff,
	})
	if err != nil {
		logger.Warn("failed to read execution leases", "error", err)
		return true
	}
	if len(others) == 0 {
		return true
	}

	if m.instance.ConflictWithin(now, m.options.conflictWindow) {
		logger.Error("split-brain detected",
			"other_holder", others[0].HolderID,
			"execution_held", held[LeaseExecution])
		return false
	}

	logger.Warn("another instance holds a live execution lease", "other_holder", others[0].HolderID)
	return true
}

// LiveLeases returns the live leases for name across all holders.
func (m *LeaseManager) LiveLeases(ctx context.Context, name LeaseName) ([]*Lease, error) {
	var cutoff = m.options.clock.Now().Add(-m.options.leaseTTL)
	leases, err := m.store.ListLeases(ctx, LeaseFilter{Name: name, HeartbeatAfter: cutoff})
	if err != nil {
		return nil, fmt.Errorf("failed to list live %s leases: %w", name, err)
	}
	return leases, nil
}

// ReleaseExecution drops this holder's execution lease and the local marker.
func (m *LeaseManager) ReleaseExecution(ctx context.Context) error {
	var errs []error
	if _, err := m.store.DeleteLeases(ctx, LeaseFilter{Name: LeaseExecution, HolderID: m.instance.HolderID()}); err != nil {
		errs = append(errs, err)
	}
	if err := m.marker.Remove(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReleaseAll removes every lease and task lock of this holder and the local
// marker. It is safe to call repeatedly and runs even while shutting down.
func (m *LeaseManager) ReleaseAll(ctx context.Context) error {
	var (
		holderID = m.instance.HolderID()
		errs     []error
	)

	leases, err := m.store.DeleteLeases(ctx, LeaseFilter{HolderID: holderID})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to release leases: %w", err))
	}

	locks, err := m.store.DeleteTaskLocks(ctx, TaskLockFilter{HolderID: holderID})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to release task locks: %w", err))
	}

	if err := m.marker.Remove(); err != nil {
		errs = append(errs, err)
	}

	m.options.logger.Info("released ownership",
		"holder_id", holderID,
		"leases", leases,
		"task_locks", locks)

	return errors.Join(errs...)
}

// ReclaimStale deletes leases of any holder whose heartbeat is at least the
// lease TTL old and returns the number removed.
func (m *LeaseManager) ReclaimStale(ctx context.Context) int {
	var cutoff = m.options.clock.Now().Add(-m.options.leaseTTL)

	removed, err := m.store.DeleteLeases(ctx, LeaseFilter{HeartbeatNotAfter: cutoff})
	if err != nil {
		m.options.logger.Warn("failed to reclaim stale leases", "error", err)
		return 0
	}
	if removed > 0 {
		m.options.logger.Info("reclaimed stale leases", "removed", removed)
	}
	return removed
}

func (m *LeaseManager) markBeat(name LeaseName, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBeat[name] = at
}

func (m *LeaseManager) lastBeatOf(name LeaseName) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat[name]
}

func heartbeatTaskName(name LeaseName) string {
	if name == LeaseMaster {
		return masterHeartbeatTask
	}
	return executionHeartbeatTask
}
