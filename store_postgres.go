package leaseguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go-leaseguard/database"

	_ "github.com/lib/pq"
)

// validNamespacePattern validates PostgreSQL-safe identifiers
var validNamespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateNamespace checks if the namespace is valid for use as a PostgreSQL table prefix.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return errors.New("namespace cannot be empty")
	}

	if len(namespace) > 48 {
		return errors.New("namespace must be 48 characters or less")
	}

	if !validNamespacePattern.MatchString(namespace) {
		return ErrInvalidNamespace
	}

	return nil
}

// PostgresConnector opens, pings and migrates a PostgreSQL lease store.
func PostgresConnector(dsn, namespace string) Connector {
	return func(ctx context.Context) (Store, error) {
		if err := ValidateNamespace(namespace); err != nil {
			return nil, fmt.Errorf("invalid namespace: %w", err)
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		if err := database.Migrate(db, namespace); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		return NewPostgresStore(db, namespace), nil
	}
}

// PostgresStore is a Store backed by the leases and task lock tables of one namespace.
type PostgresStore struct {
	db      *sql.DB
	queries *database.Queries
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an already migrated database. Close closes db.
func NewPostgresStore(db *sql.DB, namespace string) *PostgresStore {
	return &PostgresStore{
		db:      db,
		queries: database.NewQueries(db, namespace),
	}
}

// ListLeases returns the leases matching the filter.
func (s *PostgresStore) ListLeases(ctx context.Context, filter LeaseFilter) ([]*Lease, error) {
	var records, err = s.queries.ListLeases(ctx, toLeaseFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}

	var leases = make([]*Lease, len(records))
	for i, record := range records {
		leases[i] = &Lease{
			Name:          LeaseName(record.Name),
			HolderID:      record.HolderID,
			CreatedAt:     record.CreatedAt,
			LastHeartbeat: record.LastHeartbeat,
		}
	}

	return leases, nil
}

// InsertLease writes the lease unless one with the same name exists.
func (s *PostgresStore) InsertLease(ctx context.Context, lease *Lease) (bool, error) {
	var record = &database.LeaseRecord{
		Name:          string(lease.Name),
		HolderID:      lease.HolderID,
		CreatedAt:     lease.CreatedAt,
		LastHeartbeat: lease.LastHeartbeat,
	}

	inserted, err := s.queries.InsertLease(ctx, record)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s lease: %w", lease.Name, err)
	}
	return inserted, nil
}

// TouchLease updates the heartbeat of the lease owned by holderID.
func (s *PostgresStore) TouchLease(ctx context.Context, name LeaseName, holderID string, at time.Time) (bool, error) {
	touched, err := s.queries.TouchLease(ctx, string(name), holderID, at)
	if err != nil {
		return false, fmt.Errorf("failed to touch %s lease: %w", name, err)
	}
	return touched, nil
}

// DeleteLeases removes the leases matching the filter.
func (s *PostgresStore) DeleteLeases(ctx context.Context, filter LeaseFilter) (int, error) {
	removed, err := s.queries.DeleteLeases(ctx, toLeaseFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("failed to delete leases: %w", err)
	}
	return removed, nil
}

// GetTaskLock returns the lock held for taskName, or nil if not found.
func (s *PostgresStore) GetTaskLock(ctx context.Context, taskName string) (*TaskLock, error) {
	var record, err = s.queries.GetTaskLock(ctx, taskName)
	if err != nil {
		return nil, fmt.Errorf("failed to get task lock %s: %w", taskName, err)
	}

	if record == nil {
		return nil, nil
	}

	return fromTaskLockRecord(record), nil
}

// ListTaskLocks returns the task locks matching the filter.
func (s *PostgresStore) ListTaskLocks(ctx context.Context, filter TaskLockFilter) ([]*TaskLock, error) {
	var records, err = s.queries.ListTaskLocks(ctx, toTaskLockFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to list task locks: %w", err)
	}

	var locks = make([]*TaskLock, len(records))
	for i, record := range records {
		locks[i] = fromTaskLockRecord(record)
	}

	return locks, nil
}

// InsertTaskLock writes the lock unless the task is already locked.
func (s *PostgresStore) InsertTaskLock(ctx context.Context, lock *TaskLock) (bool, error) {
	var record = &database.TaskLockRecord{
		TaskName:  lock.TaskName,
		LockID:    lock.LockID,
		HolderID:  lock.HolderID,
		CreatedAt: lock.CreatedAt,
		ExpiresAt: lock.ExpiresAt,
	}

	inserted, err := s.queries.InsertTaskLock(ctx, record)
	if err != nil {
		return false, fmt.Errorf("failed to insert task lock %s: %w", lock.TaskName, err)
	}
	return inserted, nil
}

// DeleteTaskLocks removes the task locks matching the filter.
func (s *PostgresStore) DeleteTaskLocks(ctx context.Context, filter TaskLockFilter) (int, error) {
	removed, err := s.queries.DeleteTaskLocks(ctx, toTaskLockFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("failed to delete task locks: %w", err)
	}
	return removed, nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func toLeaseFilter(filter LeaseFilter) database.LeaseFilter {
	return database.LeaseFilter{
		Name:              string(filter.Name),
		HolderID:          filter.HolderID,
		ExcludeHolderID:   filter.ExcludeHolderID,
		HeartbeatAfter:    filter.HeartbeatAfter,
		HeartbeatNotAfter: filter.HeartbeatNotAfter,
	}
}

func toTaskLockFilter(filter TaskLockFilter) database.TaskLockFilter {
	return database.TaskLockFilter{
		TaskName:        filter.TaskName,
		LockID:          filter.LockID,
		HolderID:        filter.HolderID,
		ExcludeHolderID: filter.ExcludeHolderID,
		ExpiresBefore:   filter.ExpiresBefore,
		CreatedBefore:   filter.CreatedBefore,
	}
}

func fromTaskLockRecord(record *database.TaskLockRecord) *TaskLock {
	return &TaskLock{
		TaskName:  record.TaskName,
		LockID:    record.LockID,
		HolderID:  record.HolderID,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}
}
