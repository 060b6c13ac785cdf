package database

import "time"

// LeaseRecord represents a lease row in the database.
type LeaseRecord struct {
	Name          string
	HolderID      string
	CreatedAt     time.Time
	LastHeartbeat time.Time
}

// TaskLockRecord represents a task lock row in the database.
type TaskLockRecord struct {
	TaskName  string
	LockID    string
	HolderID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// LeaseFilter narrows lease queries. Zero values are ignored.
type LeaseFilter struct {
	Name              string
	HolderID          string
	ExcludeHolderID   string
	HeartbeatAfter    time.Time // last_heartbeat > HeartbeatAfter
	HeartbeatNotAfter time.Time // last_heartbeat <= HeartbeatNotAfter
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
