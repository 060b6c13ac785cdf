package leaseguard

import (
	"context"
	"time"
)

// LeaseName identifies one of the two ownership leases.
type LeaseName string

const (
	// LeaseMaster gates who may attempt to acquire the execution lease.
	LeaseMaster LeaseName = "master"
	// LeaseExecution gates who may run the consumer.
	LeaseExecution LeaseName = "execution"
)

// Lease is exclusive ownership of a named resource, kept alive by heartbeats.
type Lease struct {
	Name          LeaseName
	HolderID      string
	CreatedAt     time.Time
	LastHeartbeat time.Time
}

// IsLive reports whether the lease heartbeat is younger than ttl.
func (l *Lease) IsLive(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.LastHeartbeat) < ttl
}

// TaskLock is a short-lived mutual exclusion record for one named job.
type TaskLock struct {
	TaskName  string
	LockID    string
	HolderID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether now is past the lock's stated expiry.
func (l *TaskLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LeaseFilter narrows lease queries. Zero values are ignored.
type LeaseFilter struct {
	Name              LeaseName
	HolderID          string
	ExcludeHolderID   string
	HeartbeatAfter    time.Time // last heartbeat strictly after
	HeartbeatNotAfter time.Time // last heartbeat at or before
}

// TaskLockFilter narrows task lock queries. Zero values are ignored.
type TaskLockFilter struct {
	TaskName        string
	LockID          string
	HolderID        string
	ExcludeHolderID string
	ExpiresBefore   time.Time
	CreatedBefore   time.Time
}

// Channel is the single-consumer external channel, seen only through its probe.
// Probe must return an error wrapping ErrChannelConflict when another consumer
// is attached.
type Channel interface {
	Probe(ctx context.Context) error
}

// Consumer attaches to the external channel once exclusive execution is granted.
// Both methods must be idempotent.
type Consumer interface {
	Start(ctx context.Context) bool
	Stop(ctx context.Context) bool
}
