package leaseguard

import (
	"sync"
	"sync/atomic"
	"time"
)

// Instance is the runtime-only state of one process. It is shared by every
// component of a guard in place of package-level flags and counters.
type Instance struct {
	holderID  string
	startedAt time.Time

	mu               sync.Mutex
	state            State
	restarts         int
	lockFailures     int
	channelErrors    int
	conflictDetected bool
	conflictAt       time.Time
	shutdownReason   ShutdownReason

	shuttingDown atomic.Bool
}

// Stats is a point-in-time copy of an Instance.
type Stats struct {
	HolderID         string
	State            State
	StartedAt        time.Time
	Restarts         int
	LockFailures     int
	ChannelErrors    int
	ConflictDetected bool
	LastConflictAt   time.Time
	ShutdownReason   ShutdownReason
}

func newInstance(now time.Time) *Instance {
	return &Instance{
		holderID:  newHolderID(now),
		startedAt: now,
		state:     StateInit,
	}
}

// HolderID returns the identifier used on every lease and task lock of this process.
func (i *Instance) HolderID() string {
	return i.holderID
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// setState records a transition and returns the previous state. TERMINATED is final.
func (i *Instance) setState(s State) State {
	i.mu.Lock()
	defer i.mu.Unlock()
	var prev = i.state
	if prev == StateTerminated {
		return prev
	}
	i.state = s
	return prev
}

// ShuttingDown reports whether shutdown has begun.
func (i *Instance) ShuttingDown() bool {
	return i.shuttingDown.Load()
}

// beginShutdown sets the shutting-down flag. Only the first caller gets true.
func (i *Instance) beginShutdown() bool {
	return i.shuttingDown.CompareAndSwap(false, true)
}

func (i *Instance) setShutdownReason(reason ShutdownReason) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.shutdownReason = reason
}

// ShutdownReason returns why the instance shut down, or "" while running.
func (i *Instance) ShutdownReason() ShutdownReason {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.shutdownReason
}

// RecordChannelConflict notes that the external channel reported another consumer.
func (i *Instance) RecordChannelConflict(at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.conflictDetected = true
	i.conflictAt = at
}

// ConflictWithin reports whether a channel conflict was recorded less than window before now.
func (i *Instance) ConflictWithin(now time.Time, window time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conflictDetected && now.Sub(i.conflictAt) < window
}

func (i *Instance) recordRestart() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.restarts++
}

func (i *Instance) recordLockFailure() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lockFailures++
}

func (i *Instance) recordChannelError() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.channelErrors++
}

// Stats returns a snapshot of the instance.
func (i *Instance) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Stats{
		HolderID:         i.holderID,
		State:            i.state,
		StartedAt:        i.startedAt,
		Restarts:         i.restarts,
		LockFailures:     i.lockFailures,
		ChannelErrors:    i.channelErrors,
		ConflictDetected: i.conflictDetected,
		LastConflictAt:   i.conflictAt,
		ShutdownReason:   i.shutdownReason,
	}
}
