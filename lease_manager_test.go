package leaseguard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// failingStore fails every call after fail is set.
type failingStore struct {
	Store
	fail atomic.Bool
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) TouchLease(ctx context.Context, name LeaseName, holderID string, at time.Time) (bool, error) {
	if s.fail.Load() {
		return false, errStoreDown
	}
	return s.Store.TouchLease(ctx, name, holderID, at)
}

func (s *failingStore) GetTaskLock(ctx context.Context, taskName string) (*TaskLock, error) {
	if s.fail.Load() {
		return nil, errStoreDown
	}
	return s.Store.GetTaskLock(ctx, taskName)
}

func TestLeaseManager(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		newSut = func(store Store, channel Channel, clock *clockwork.FakeClock) *LeaseManager {
			var (
				opts     = newTestOptions(clock)
				instance = newInstance(clock.Now())
				tasks    = newTaskLockManager(store, instance, opts)
				probe    = newProbe(channel, tasks, instance, opts)
				marker   = newMarker(opts.fs, opts.markerDir, instance.HolderID(), clock)
			)
			return newLeaseManager(store, tasks, probe, marker, instance, opts)
		}
		insertLease = func(t *testing.T, store Store, name LeaseName, holderID string, heartbeat time.Time) {
			inserted, err := store.InsertLease(context.Background(), &Lease{
				Name:          name,
				HolderID:      holderID,
				CreatedAt:     heartbeat,
				LastHeartbeat: heartbeat,
			})
			require.NoError(t, err)
			require.True(t, inserted)
		}
	)

	t.Run("should acquire a free lease", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			sut   = newSut(store, newFakeChannel(), newTestClock())
		)

		// Act
		var acquired = sut.AcquireMaster(ctx)

		// Assert
		require.True(t, acquired)

		leases, err := store.ListLeases(ctx, LeaseFilter{Name: LeaseMaster})
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, sut.instance.HolderID(), leases[0].HolderID)
	})

	t.Run("should refuse a lease held live by another holder", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		insertLease(t, store, LeaseMaster, "other", clock.Now().Add(-time.Minute))

		// Act
		var acquired = sut.AcquireMaster(ctx)

		// Assert
		assert.False(t, acquired)
		assert.Equal(t, 1, sut.instance.Stats().LockFailures)
	})

	t.Run("should reclaim a lease exactly one ttl old", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		insertLease(t, store, LeaseMaster, "other", clock.Now().Add(-sut.options.leaseTTL))

		// Act
		var acquired = sut.AcquireMaster(ctx)

		// Assert
		require.True(t, acquired)

		leases, err := store.ListLeases(ctx, LeaseFilter{Name: LeaseMaster})
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, sut.instance.HolderID(), leases[0].HolderID)
	})

	t.Run("should refuse a lease one nanosecond short of the ttl and leave it in place", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		insertLease(t, store, LeaseMaster, "other", clock.Now().Add(-sut.options.leaseTTL+time.Nanosecond))

		// Act
		var acquired = sut.AcquireMaster(ctx)
		var reclaimed = sut.ReclaimStale(ctx)

		// Assert
		assert.False(t, acquired)
		assert.Equal(t, 0, reclaimed)

		leases, err := store.ListLeases(ctx, LeaseFilter{Name: LeaseMaster})
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, "other", leases[0].HolderID)
	})

	t.Run("should re-enter its own live lease", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		require.True(t, sut.AcquireMaster(ctx))
		clock.Advance(time.Minute)

		// Act
		var acquired = sut.AcquireMaster(ctx)

		// Assert
		require.True(t, acquired)

		leases, err := store.ListLeases(ctx, LeaseFilter{Name: LeaseMaster})
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, clock.Now(), leases[0].LastHeartbeat)
	})

	t.Run("should not acquire while the channel has a consumer", func(t *testing.T) {
		// Arrange
		var (
			ctx     = newCtx()
			store   = NewMemoryStore()
			channel = newFakeChannel()
			sut     = newSut(store, channel, newTestClock())
		)
		channel.attach("outsider")

		// Act
		var acquired = sut.AcquireExecution(ctx)

		// Assert
		assert.False(t, acquired)

		leases, err := store.ListLeases(ctx, LeaseFilter{})
		require.NoError(t, err)
		assert.Empty(t, leases)
	})

	t.Run("should reacquire master without probing the channel", func(t *testing.T) {
		// Arrange
		var (
			ctx     = newCtx()
			store   = NewMemoryStore()
			channel = newFakeChannel()
			sut     = newSut(store, channel, newTestClock())
		)
		channel.attach("self")

		// Act
		var acquired = sut.ReacquireMaster(ctx)

		// Assert
		assert.True(t, acquired)
		assert.Zero(t, channel.probeCount())
	})

	t.Run("should create the liveness marker with the execution lease", func(t *testing.T) {
		// Arrange
		var (
			ctx = newCtx()
			sut = newSut(NewMemoryStore(), newFakeChannel(), newTestClock())
		)

		// Act
		var acquired = sut.AcquireExecution(ctx)

		// Assert
		require.True(t, acquired)
		assert.Equal(t, MarkerValid, sut.marker.Validate())
	})

	t.Run("should let exactly one of many concurrent holders acquire", func(t *testing.T) {
		// Arrange
		var (
			ctx      = newCtx()
			store    = NewMemoryStore()
			clock    = newTestClock()
			acquired atomic.Int32
			g        errgroup.Group
		)

		// Act
		for range 20 {
			var sut = newSut(store, newFakeChannel(), clock)
			g.Go(func() error {
				if sut.ReacquireMaster(ctx) {
					acquired.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		// Assert
		assert.Equal(t, int32(1), acquired.Load())

		leases, err := store.ListLeases(ctx, LeaseFilter{Name: LeaseMaster})
		require.NoError(t, err)
		assert.Len(t, leases, 1)
	})

	t.Run("should renew the lease on heartbeat", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		require.True(t, sut.AcquireMaster(ctx))
		clock.Advance(15 * time.Second)

		// Act
		var alive = sut.Heartbeat(ctx, LeaseMaster)

		// Assert
		assert.True(t, alive)

		leases, err := store.ListLeases(ctx, LeaseFilter{Name: LeaseMaster})
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, clock.Now(), leases[0].LastHeartbeat)

		lock, err := store.GetTaskLock(ctx, masterHeartbeatTask)
		require.NoError(t, err)
		assert.Nil(t, lock, "heartbeat task lock should be released")
	})

	t.Run("should report a lost lease on heartbeat", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			sut   = newSut(store, newFakeChannel(), newTestClock())
		)
		require.True(t, sut.AcquireExecution(ctx))
		_, err := store.DeleteLeases(ctx, LeaseFilter{Name: LeaseExecution})
		require.NoError(t, err)

		// Act
		var alive = sut.Heartbeat(ctx, LeaseExecution)

		// Assert
		assert.False(t, alive)
	})

	t.Run("should skip the beat when the heartbeat lock is held", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		require.True(t, sut.AcquireMaster(ctx))
		_, err := store.InsertTaskLock(ctx, &TaskLock{
			TaskName:  masterHeartbeatTask,
			LockID:    "busy",
			HolderID:  sut.instance.HolderID(),
			CreatedAt: clock.Now(),
			ExpiresAt: clock.Now().Add(time.Minute),
		})
		require.NoError(t, err)

		// Act
		var alive = sut.Heartbeat(ctx, LeaseMaster)

		// Assert
		assert.True(t, alive)
	})

	t.Run("should tolerate store errors until the lease ttl has passed", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = &failingStore{Store: NewMemoryStore()}
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		require.True(t, sut.AcquireMaster(ctx))
		store.fail.Store(true)

		// Act
		clock.Advance(time.Minute)
		var early = sut.Heartbeat(ctx, LeaseMaster)
		clock.Advance(2 * time.Minute)
		var late = sut.Heartbeat(ctx, LeaseMaster)

		// Assert
		assert.True(t, early)
		assert.False(t, late)
	})

	t.Run("should report a conflict only with a foreign lease and a recent channel conflict", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		require.True(t, sut.AcquireMaster(ctx))
		insertLease(t, store, LeaseExecution, "other", clock.Now())

		// Act
		var beforeConflict = sut.CheckConflicts(ctx)
		sut.instance.RecordChannelConflict(clock.Now())
		var withConflict = sut.CheckConflicts(ctx)
		clock.Advance(2 * time.Minute)
		var afterWindow = sut.CheckConflicts(ctx)

		// Assert
		assert.True(t, beforeConflict)
		assert.False(t, withConflict)
		assert.True(t, afterWindow)
	})

	t.Run("should release everything it holds and be idempotent", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		require.True(t, sut.AcquireMaster(ctx))
		require.True(t, sut.AcquireExecution(ctx))
		insertLease(t, store, "other_lease", "other", clock.Now())

		// Act
		var first = sut.ReleaseAll(ctx)
		var second = sut.ReleaseAll(ctx)

		// Assert
		require.NoError(t, first)
		require.NoError(t, second)

		leases, err := store.ListLeases(ctx, LeaseFilter{})
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, "other", leases[0].HolderID)
		assert.Equal(t, MarkerMissing, sut.marker.Validate())
	})

	t.Run("should release only the execution lease", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			sut   = newSut(store, newFakeChannel(), newTestClock())
		)
		require.True(t, sut.AcquireMaster(ctx))
		require.True(t, sut.AcquireExecution(ctx))

		// Act
		var err = sut.ReleaseExecution(ctx)

		// Assert
		require.NoError(t, err)

		leases, listErr := store.ListLeases(ctx, LeaseFilter{})
		require.NoError(t, listErr)
		require.Len(t, leases, 1)
		assert.Equal(t, LeaseMaster, leases[0].Name)
	})

	t.Run("should reclaim stale leases of any holder", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx()
			store = NewMemoryStore()
			clock = newTestClock()
			sut   = newSut(store, newFakeChannel(), clock)
		)
		insertLease(t, store, LeaseMaster, "dead", clock.Now().Add(-sut.options.leaseTTL))
		insertLease(t, store, LeaseExecution, "alive", clock.Now().Add(-time.Second))

		// Act
		var removed = sut.ReclaimStale(ctx)

		// Assert
		assert.Equal(t, 1, removed)

		leases, err := store.ListLeases(ctx, LeaseFilter{})
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, "alive", leases[0].HolderID)
	})
}
