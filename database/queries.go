package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyFilter is returned by bulk deletes that would otherwise match every row.
var ErrEmptyFilter = errors.New("refusing to delete with an empty filter")

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	listLeasesSQL = `
SELECT name, holder_id, created_at, last_heartbeat
FROM %s_leases%s
ORDER BY name ASC;`

	insertLeaseSQL = `
INSERT INTO %s_leases (name, holder_id, created_at, last_heartbeat)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO NOTHING;`

	touchLeaseSQL = `
UPDATE %s_leases
SET last_heartbeat = $3
WHERE name = $1 AND holder_id = $2;`

	deleteLeasesSQL = `
DELETE FROM %s_leases%s;`

	getTaskLockSQL = `
SELECT task_name, lock_id, holder_id, created_at, expires_at
FROM %s_task_locks
WHERE task_name = $1;`

	listTaskLocksSQL = `
SELECT task_name, lock_id, holder_id, created_at, expires_at
FROM %s_task_locks%s
ORDER BY task_name ASC;`

	insertTaskLockSQL = `
INSERT INTO %s_task_locks (task_name, lock_id, holder_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (task_name) DO NOTHING;`

	deleteTaskLocksSQL = `
DELETE FROM %s_task_locks%s;`
)

// conditions accumulates WHERE clauses with positional arguments.
type conditions struct {
	clauses []string
	args    []any
}

// add appends a clause; the clause must contain a single %d for the placeholder index.
func (c *conditions) add(clause string, arg any) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, fmt.Sprintf(clause, len(c.args)))
}

func (c *conditions) addString(clause, value string) {
	if value != "" {
		c.add(clause, value)
	}
}

func (c *conditions) addTime(clause string, value time.Time) {
	if !value.IsZero() {
		c.add(clause, value)
	}
}

func (c *conditions) empty() bool {
	return len(c.clauses) == 0
}

func (c *conditions) where() string {
	if c.empty() {
		return ""
	}
	return "\nWHERE " + strings.Join(c.clauses, " AND ")
}

func leaseConditions(filter LeaseFilter) *conditions {
	var c = &conditions{}
	c.addString("name = $%d", filter.Name)
	c.addString("holder_id = $%d", filter.HolderID)
	c.addString("holder_id <> $%d", filter.ExcludeHolderID)
	c.addTime("last_heartbeat > $%d", filter.HeartbeatAfter)
	c.addTime("last_heartbeat <= $%d", filter.HeartbeatNotAfter)
	return c
}

func taskLockConditions(filter TaskLockFilter) *conditions {
	var c = &conditions{}
	c.addString("task_name = $%d", filter.TaskName)
	c.addString("lock_id = $%d", filter.LockID)
	c.addString("holder_id = $%d", filter.HolderID)
	c.addString("holder_id <> $%d", filter.ExcludeHolderID)
	c.addTime("expires_at < $%d", filter.ExpiresBefore)
	c.addTime("created_at < $%d", filter.CreatedBefore)
	return c
}

// ListLeases returns all leases matching the filter, ordered by name.
func (q *Queries) ListLeases(ctx context.Context, filter LeaseFilter) ([]*LeaseRecord, error) {
	var (
		cond      = leaseConditions(filter)
		query     = fmt.Sprintf(listLeasesSQL, q.tableName, cond.where())
		rows, err = q.db.QueryContext(ctx, query, cond.args...)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer rows.Close()

	var leases []*LeaseRecord
	for rows.Next() {
		var lease LeaseRecord
		if err := rows.Scan(&lease.Name, &lease.HolderID, &lease.CreatedAt, &lease.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, &lease)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return leases, nil
}

// InsertLease inserts a lease unless one with the same name already exists.
// Returns true when the row was written.
func (q *Queries) InsertLease(ctx context.Context, lease *LeaseRecord) (bool, error) {
	var query = fmt.Sprintf(insertLeaseSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query,
		lease.Name, lease.HolderID, lease.CreatedAt, lease.LastHeartbeat,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert lease: %w", err)
	}
	return affected(result)
}

// TouchLease sets last_heartbeat on the lease owned by holderID.
// Returns false when no such row exists.
func (q *Queries) TouchLease(ctx context.Context, name, holderID string, at time.Time) (bool, error) {
	var query = fmt.Sprintf(touchLeaseSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, name, holderID, at)
	if err != nil {
		return false, fmt.Errorf("failed to touch lease: %w", err)
	}
	return affected(result)
}

// DeleteLeases removes all leases matching the filter and returns how many were removed.
func (q *Queries) DeleteLeases(ctx context.Context, filter LeaseFilter) (int, error) {
	var cond = leaseConditions(filter)
	if cond.empty() {
		return 0, ErrEmptyFilter
	}

	var query = fmt.Sprintf(deleteLeasesSQL, q.tableName, cond.where())
	result, err := q.db.ExecContext(ctx, query, cond.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete leases: %w", err)
	}
	return count(result)
}

// GetTaskLock retrieves the lock for a task, or nil if none is held.
func (q *Queries) GetTaskLock(ctx context.Context, taskName string) (*TaskLockRecord, error) {
	var (
		query = fmt.Sprintf(getTaskLockSQL, q.tableName)
		lock  TaskLockRecord
		err   = q.db.QueryRowContext(ctx, query, taskName).Scan(
			&lock.TaskName, &lock.LockID, &lock.HolderID, &lock.CreatedAt, &lock.ExpiresAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task lock: %w", err)
	}

	return &lock, nil
}

// ListTaskLocks returns all task locks matching the filter, ordered by task name.
func (q *Queries) ListTaskLocks(ctx context.Context, filter TaskLockFilter) ([]*TaskLockRecord, error) {
	var (
		cond      = taskLockConditions(filter)
		query     = fmt.Sprintf(listTaskLocksSQL, q.tableName, cond.where())
		rows, err = q.db.QueryContext(ctx, query, cond.args...)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list task locks: %w", err)
	}
	defer rows.Close()

	var locks []*TaskLockRecord
	for rows.Next() {
		var lock TaskLockRecord
		if err := rows.Scan(&lock.TaskName, &lock.LockID, &lock.HolderID, &lock.CreatedAt, &lock.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan task lock: %w", err)
		}
		locks = append(locks, &lock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return locks, nil
}

// InsertTaskLock inserts a task lock unless the task is already locked.
// Returns true when the row was written.
func (q *Queries) InsertTaskLock(ctx context.Context, lock *TaskLockRecord) (bool, error) {
	var query = fmt.Sprintf(insertTaskLockSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query,
		lock.TaskName, lock.LockID, lock.HolderID, lock.CreatedAt, lock.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert task lock: %w", err)
	}
	return affected(result)
}

// DeleteTaskLocks removes all task locks matching the filter and returns how many were removed.
func (q *Queries) DeleteTaskLocks(ctx context.Context, filter TaskLockFilter) (int, error) {
	var cond = taskLockConditions(filter)
	if cond.empty() {
		return 0, ErrEmptyFilter
	}

	var query = fmt.Sprintf(deleteTaskLocksSQL, q.tableName, cond.where())
	result, err := q.db.ExecContext(ctx, query, cond.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete task locks: %w", err)
	}
	return count(result)
}

func affected(result sql.Result) (bool, error) {
	var n, err = count(result)
	return n > 0, err
}

func count(result sql.Result) (int, error) {
	var n, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
