package leaseguard

import (
	"context"
	"testing"
	"time"

	"go-leaseguard/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	const testNamespace = "test_guard"

	var (
		stores = map[string]func(t *testing.T) Store{
			"memory": func(t *testing.T) Store {
				return NewMemoryStore()
			},
			"postgres": func(t *testing.T) Store {
				var db = database.SetupTestDatabase(t)
				require.NoError(t, database.Migrate(db, testNamespace))
				return NewPostgresStore(db, testNamespace)
			},
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	)

	for kind, newStore := range stores {
		t.Run(kind, func(t *testing.T) {
			t.Run("should insert a lease only when absent", func(t *testing.T) {
				// Arrange
				var (
					ctx = newCtx()
					sut = newStore(t)
				)

				// Act
				first, err := sut.InsertLease(ctx, &Lease{Name: LeaseMaster, HolderID: "a", CreatedAt: now, LastHeartbeat: now})
				require.NoError(t, err)
				second, err := sut.InsertLease(ctx, &Lease{Name: LeaseMaster, HolderID: "b", CreatedAt: now, LastHeartbeat: now})
				require.NoError(t, err)

				// Assert
				assert.True(t, first)
				assert.False(t, second)

				leases, err := sut.ListLeases(ctx, LeaseFilter{Name: LeaseMaster})
				require.NoError(t, err)
				require.Len(t, leases, 1)
				assert.Equal(t, "a", leases[0].HolderID)
			})

			t.Run("should touch only the holder's own lease", func(t *testing.T) {
				// Arrange
				var (
					ctx   = newCtx()
					sut   = newStore(t)
					later = now.Add(time.Minute)
				)
				_, err := sut.InsertLease(ctx, &Lease{Name: LeaseExecution, HolderID: "a", CreatedAt: now, LastHeartbeat: now})
				require.NoError(t, err)

				// Act
				foreign, err := sut.TouchLease(ctx, LeaseExecution, "b", later)
				require.NoError(t, err)
				own, err := sut.TouchLease(ctx, LeaseExecution, "a", later)
				require.NoError(t, err)

				// Assert
				assert.False(t, foreign)
				assert.True(t, own)

				leases, err := sut.ListLeases(ctx, LeaseFilter{Name: LeaseExecution})
				require.NoError(t, err)
				require.Len(t, leases, 1)
				assert.True(t, later.Equal(leases[0].LastHeartbeat))
			})

			t.Run("should filter leases by heartbeat bounds and holder", func(t *testing.T) {
				// Arrange
				var (
					ctx    = newCtx()
					sut    = newStore(t)
					cutoff = now.Add(-time.Minute)
				)
				_, err := sut.InsertLease(ctx, &Lease{Name: LeaseMaster, HolderID: "a", CreatedAt: cutoff, LastHeartbeat: cutoff})
				require.NoError(t, err)
				_, err = sut.InsertLease(ctx, &Lease{Name: LeaseExecution, HolderID: "b", CreatedAt: now, LastHeartbeat: now})
				require.NoError(t, err)

				// Act
				live, err := sut.ListLeases(ctx, LeaseFilter{HeartbeatAfter: cutoff})
				require.NoError(t, err)
				stale, err := sut.ListLeases(ctx, LeaseFilter{HeartbeatNotAfter: cutoff})
				require.NoError(t, err)
				others, err := sut.ListLeases(ctx, LeaseFilter{ExcludeHolderID: "a"})
				require.NoError(t, err)

				// Assert
				require.Len(t, live, 1)
				assert.Equal(t, LeaseExecution, live[0].Name)
				require.Len(t, stale, 1)
				assert.Equal(t, LeaseMaster, stale[0].Name)
				require.Len(t, others, 1)
				assert.Equal(t, "b", others[0].HolderID)
			})

			t.Run("should delete matching leases and refuse an empty filter", func(t *testing.T) {
				// Arrange
				var (
					ctx = newCtx()
					sut = newStore(t)
				)
				_, err := sut.InsertLease(ctx, &Lease{Name: LeaseMaster, HolderID: "a", CreatedAt: now, LastHeartbeat: now})
				require.NoError(t, err)
				_, err = sut.InsertLease(ctx, &Lease{Name: LeaseExecution, HolderID: "a", CreatedAt: now, LastHeartbeat: now})
				require.NoError(t, err)

				// Act
				_, emptyErr := sut.DeleteLeases(ctx, LeaseFilter{})
				removed, err := sut.DeleteLeases(ctx, LeaseFilter{HolderID: "a"})

				// Assert
				require.ErrorIs(t, emptyErr, ErrEmptyFilter)
				require.NoError(t, err)
				assert.Equal(t, 2, removed)
			})

			t.Run("should lock a task only when absent", func(t *testing.T) {
				// Arrange
				var (
					ctx  = newCtx()
					sut  = newStore(t)
					lock = &TaskLock{TaskName: "report", LockID: "1", HolderID: "a", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
				)

				// Act
				first, err := sut.InsertTaskLock(ctx, lock)
				require.NoError(t, err)
				second, err := sut.InsertTaskLock(ctx, &TaskLock{TaskName: "report", LockID: "2", HolderID: "b", CreatedAt: now, ExpiresAt: now})
				require.NoError(t, err)

				// Assert
				assert.True(t, first)
				assert.False(t, second)

				got, err := sut.GetTaskLock(ctx, "report")
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, "1", got.LockID)

				missing, err := sut.GetTaskLock(ctx, "absent")
				require.NoError(t, err)
				assert.Nil(t, missing)
			})

			t.Run("should delete task locks by lock id, expiry and age", func(t *testing.T) {
				// Arrange
				var (
					ctx = newCtx()
					sut = newStore(t)
				)
				for _, lock := range []*TaskLock{
					{TaskName: "a", LockID: "1", HolderID: "x", CreatedAt: now, ExpiresAt: now.Add(time.Minute)},
					{TaskName: "b", LockID: "2", HolderID: "x", CreatedAt: now, ExpiresAt: now.Add(-time.Second)},
					{TaskName: "c", LockID: "3", HolderID: "y", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)},
				} {
					_, err := sut.InsertTaskLock(ctx, lock)
					require.NoError(t, err)
				}

				// Act
				wrongID, err := sut.DeleteTaskLocks(ctx, TaskLockFilter{TaskName: "a", LockID: "other"})
				require.NoError(t, err)
				expired, err := sut.DeleteTaskLocks(ctx, TaskLockFilter{ExpiresBefore: now})
				require.NoError(t, err)
				old, err := sut.DeleteTaskLocks(ctx, TaskLockFilter{CreatedBefore: now.Add(-time.Minute)})
				require.NoError(t, err)
				_, emptyErr := sut.DeleteTaskLocks(ctx, TaskLockFilter{})

				// Assert
				assert.Zero(t, wrongID)
				assert.Equal(t, 1, expired)
				assert.Equal(t, 1, old)
				require.ErrorIs(t, emptyErr, ErrEmptyFilter)

				remaining, err := sut.ListTaskLocks(ctx, TaskLockFilter{})
				require.NoError(t, err)
				require.Len(t, remaining, 1)
				assert.Equal(t, "a", remaining[0].TaskName)
			})
		})
	}
}

func TestValidateNamespace(t *testing.T) {
	t.Run("should accept lowercase identifiers", func(t *testing.T) {
		assert.NoError(t, ValidateNamespace("payments_consumer"))
	})

	t.Run("should reject unsafe identifiers", func(t *testing.T) {
		assert.ErrorIs(t, ValidateNamespace("Drop Table"), ErrInvalidNamespace)
		assert.ErrorIs(t, ValidateNamespace("1abc"), ErrInvalidNamespace)
		assert.Error(t, ValidateNamespace(""))
	})
}
