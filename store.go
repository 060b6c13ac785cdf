package leaseguard

import (
	"context"
	"time"
)

// Store is the shared durable store holding leases and task locks.
// Inserts are insert-if-absent keyed by lease name or task name.
type Store interface {
	ListLeases(ctx context.Context, filter LeaseFilter) ([]*Lease, error)
	InsertLease(ctx context.Context, lease *Lease) (bool, error)
	TouchLease(ctx context.Context, name LeaseName, holderID string, at time.Time) (bool, error)
	DeleteLeases(ctx context.Context, filter LeaseFilter) (int, error)

	GetTaskLock(ctx context.Context, taskName string) (*TaskLock, error)
	ListTaskLocks(ctx context.Context, filter TaskLockFilter) ([]*TaskLock, error)
	InsertTaskLock(ctx context.Context, lock *TaskLock) (bool, error)
	DeleteTaskLocks(ctx context.Context, filter TaskLockFilter) (int, error)

	Close() error
}

// Connector establishes the store connection during startup.
type Connector func(ctx context.Context) (Store, error)
