package dblock_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teru01/lockdb/dberr"
	"github.com/teru01/lockdb/dbfile"
	"github.com/teru01/lockdb/dblock"
)

var (
	p1 = dbfile.NewPageID(1, 0)
	p2 = dbfile.NewPageID(1, 1)
)

const (
	t1 dblock.TransactionID = iota + 1
	t2
	t3
)

func assertStillWaiting(t *testing.T, errCh <-chan error, msg string) {
	t.Helper()
	select {
	case err := <-errCh:
		t.Fatalf("%s: request finished early with %v", msg, err)
	default:
	}
}

func TestSharedLocksAreCompatible(t *testing.T) {
	lm := dblock.NewLockManager()
	ctx := context.Background()

	require.NoError(t, lm.AcquireShared(ctx, t1, p1))
	require.NoError(t, lm.AcquireShared(ctx, t2, p1))

	assert.True(t, lm.HoldsLock(t1, p1))
	assert.True(t, lm.HoldsLock(t2, p1))
	assert.Equal(t, 2, lm.Holders(p1).Cardinality())
}

func TestAcquireSharedIsIdempotent(t *testing.T) {
	lm := dblock.NewLockManager()
	ctx := context.Background()

	require.NoError(t, lm.AcquireShared(ctx, t1, p1))
	require.NoError(t, lm.AcquireShared(ctx, t1, p1))

	assert.Equal(t, 1, lm.Holders(p1).Cardinality())
	assert.Equal(t, 1, lm.LockedPages(t1).Cardinality())

	// a single release is enough to drop it
	lm.ReleaseLock(t1, p1)
	assert.False(t, lm.HoldsLock(t1, p1))
	assert.Equal(t, 0, lm.Holders(p1).Cardinality())
}

func TestExclusiveRequestWhileExclusiveReturnsImmediately(t *testing.T) {
	lm := dblock.NewLockManager()
	ctx := context.Background()

	require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))
	require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))

	holders := lm.Holders(p1)
	assert.Equal(t, 1, holders.Cardinality())
	assert.True(t, holders.Contains(t1))
	mode, ok := lm.HeldMode(t1, p1)
	require.True(t, ok)
	assert.Equal(t, dblock.Exclusive, mode)
}

func TestSharedRequestCoveredByExclusive(t *testing.T) {
	lm := dblock.NewLockManager()
	ctx := context.Background()

	require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))
	require.NoError(t, lm.AcquireShared(ctx, t1, p1))

	mode, ok := lm.HeldMode(t1, p1)
	require.True(t, ok)
	assert.Equal(t, dblock.Exclusive, mode, "shared request must not downgrade")
}

func TestUpgradeSoleSharedHolder(t *testing.T) {
	lm := dblock.NewLockManager()
	ctx := context.Background()

	require.NoError(t, lm.AcquireShared(ctx, t1, p1))
	require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))

	mode, ok := lm.HeldMode(t1, p1)
	require.True(t, ok)
	assert.Equal(t, dblock.Exclusive, mode)
	assert.Equal(t, 1, lm.Holders(p1).Cardinality())
}

func TestUpgradeWaitsForOtherReader(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager()
		ctx := context.Background()

		require.NoError(t, lm.AcquireShared(ctx, t1, p1))
		require.NoError(t, lm.AcquireShared(ctx, t2, p1))

		errCh := make(chan error, 1)
		go func() {
			errCh <- lm.AcquireExclusive(ctx, t1, p1)
		}()
		synctest.Wait()
		assertStillWaiting(t, errCh, "upgrade with another reader")

		lm.ReleaseAllLocks(t2)
		synctest.Wait()

		require.NoError(t, <-errCh)
		mode, ok := lm.HeldMode(t1, p1)
		require.True(t, ok)
		assert.Equal(t, dblock.Exclusive, mode)
	})
}

func TestUpgradeWinsOverQueuedWriter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager()
		ctx := context.Background()

		require.NoError(t, lm.AcquireShared(ctx, t1, p1))
		require.NoError(t, lm.AcquireShared(ctx, t2, p1))

		writerCh := make(chan error, 1)
		go func() {
			writerCh <- lm.AcquireExclusive(ctx, t3, p1)
		}()
		synctest.Wait()

		upgradeCh := make(chan error, 1)
		go func() {
			upgradeCh <- lm.AcquireExclusive(ctx, t1, p1)
		}()
		synctest.Wait()
		assertStillWaiting(t, writerCh, "writer")
		assertStillWaiting(t, upgradeCh, "upgrade")

		lm.ReleaseAllLocks(t2)
		synctest.Wait()

		require.NoError(t, <-upgradeCh)
		assertStillWaiting(t, writerCh, "writer after upgrade")
		assert.False(t, lm.HoldsLock(t3, p1))
		holders := lm.Holders(p1)
		assert.Equal(t, 1, holders.Cardinality())
		assert.True(t, holders.Contains(t1))

		lm.ReleaseAllLocks(t1)
		synctest.Wait()
		require.NoError(t, <-writerCh)
		assert.True(t, lm.HoldsLock(t3, p1))
	})
}

func TestExclusiveBlocksShared(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager()
		ctx := context.Background()

		require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))

		errCh := make(chan error, 1)
		go func() {
			errCh <- lm.AcquireShared(ctx, t2, p1)
		}()
		synctest.Wait()
		assertStillWaiting(t, errCh, "shared behind exclusive")
		assert.False(t, lm.HoldsLock(t2, p1))

		lm.ReleaseLock(t1, p1)
		synctest.Wait()

		require.NoError(t, <-errCh)
		assert.True(t, lm.HoldsLock(t2, p1))
		assert.False(t, lm.HoldsLock(t1, p1))
	})
}

func TestSharedBlocksExclusive(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager()
		ctx := context.Background()

		require.NoError(t, lm.AcquireShared(ctx, t1, p1))
		require.NoError(t, lm.AcquireShared(ctx, t2, p1))

		errCh := make(chan error, 1)
		go func() {
			errCh <- lm.AcquireExclusive(ctx, t3, p1)
		}()
		synctest.Wait()

		lm.ReleaseAllLocks(t1)
		synctest.Wait()
		assertStillWaiting(t, errCh, "one reader left")

		lm.ReleaseAllLocks(t2)
		synctest.Wait()
		require.NoError(t, <-errCh)
	})
}

func TestDeadlockRequesterIsVictim(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager()
		ctx := context.Background()

		require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))
		require.NoError(t, lm.AcquireExclusive(ctx, t2, p2))

		errCh := make(chan error, 1)
		go func() {
			errCh <- lm.AcquireExclusive(ctx, t1, p2)
		}()
		synctest.Wait()
		assertStillWaiting(t, errCh, "t1 waiting on t2")

		err := lm.AcquireExclusive(ctx, t2, p1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, dblock.ErrDeadlock))
		assert.True(t, dberr.HasCode(err, dberr.CodeTransactionDeadlockAbort))
		assert.False(t, lm.HoldsLock(t2, p1), "refused request must not be granted")
		assertStillWaiting(t, errCh, "t1 after t2 was refused")

		lm.ReleaseAllLocks(t2)
		synctest.Wait()

		require.NoError(t, <-errCh)
		assert.True(t, lm.HoldsLock(t1, p2))
		assert.True(t, lm.HoldsLock(t1, p1))
	})
}

func TestDeadlockExactlyOneAborts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager()
		ctx := context.Background()

		require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))
		require.NoError(t, lm.AcquireExclusive(ctx, t2, p2))

		var (
			wg       sync.WaitGroup
			aborted  atomic.Int32
			finished atomic.Int32
		)
		run := func(tid dblock.TransactionID, pid dbfile.PageID) {
			defer wg.Done()
			err := lm.AcquireExclusive(ctx, tid, pid)
			if err != nil {
				if !errors.Is(err, dblock.ErrDeadlock) {
					t.Errorf("%s: unexpected error %v", tid, err)
				}
				aborted.Add(1)
			} else {
				finished.Add(1)
			}
			lm.ReleaseAllLocks(tid)
		}
		wg.Add(2)
		go run(t1, p2)
		go run(t2, p1)
		wg.Wait()

		assert.Equal(t, int32(1), aborted.Load())
		assert.Equal(t, int32(1), finished.Load())
	})
}

func TestUpgradeDeadlock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager()
		ctx := context.Background()

		require.NoError(t, lm.AcquireShared(ctx, t1, p1))
		require.NoError(t, lm.AcquireShared(ctx, t2, p1))

		errCh := make(chan error, 1)
		go func() {
			errCh <- lm.AcquireExclusive(ctx, t1, p1)
		}()
		synctest.Wait()

		err := lm.AcquireExclusive(ctx, t2, p1)
		require.ErrorIs(t, err, dblock.ErrDeadlock)

		lm.ReleaseAllLocks(t2)
		synctest.Wait()
		require.NoError(t, <-errCh)
	})
}

func TestLongWaitChainDeadlock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		const n = 2000
		lm := dblock.NewLockManager()
		ctx := context.Background()
		page := func(i int) dbfile.PageID { return dbfile.NewPageID(9, i) }
		tx := func(i int) dblock.TransactionID { return dblock.TransactionID(i + 1) }

		for i := range n {
			require.NoError(t, lm.AcquireExclusive(ctx, tx(i), page(i)))
		}

		var wg sync.WaitGroup
		errs := make([]error, n-1)
		for i := range n - 1 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = lm.AcquireExclusive(ctx, tx(i), page(i+1))
				lm.ReleaseAllLocks(tx(i))
			}()
			synctest.Wait()
		}

		err := lm.AcquireExclusive(ctx, tx(n-1), page(0))
		require.ErrorIs(t, err, dblock.ErrDeadlock)
		lm.ReleaseAllLocks(tx(n - 1))

		wg.Wait()
		for i, err := range errs {
			require.NoError(t, err, "tx %d", i)
		}
	})
}

func TestNoSelfDeadlock(t *testing.T) {
	lm := dblock.NewLockManager()
	ctx := context.Background()

	require.NoError(t, lm.AcquireShared(ctx, t1, p1))
	require.NoError(t, lm.AcquireShared(ctx, t1, p1))
	require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))
	require.NoError(t, lm.AcquireShared(ctx, t1, p1))
	require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))

	assert.Empty(t, lm.Snapshot()[0].Pending)
}

func TestReleaseAllLocks(t *testing.T) {
	lm := dblock.NewLockManager()
	ctx := context.Background()
	pages := []dbfile.PageID{p1, p2, dbfile.NewPageID(2, 7)}

	for _, pid := range pages {
		require.NoError(t, lm.AcquireExclusive(ctx, t1, pid))
	}
	require.Equal(t, len(pages), lm.LockedPages(t1).Cardinality())

	lm.ReleaseAllLocks(t1)

	assert.Equal(t, 0, lm.LockedPages(t1).Cardinality())
	for _, pid := range pages {
		assert.False(t, lm.HoldsLock(t1, pid))
		assert.Equal(t, 0, lm.Holders(pid).Cardinality())
	}
	assert.Empty(t, lm.Snapshot())
}

func TestReleaseNotHeldIsNoop(t *testing.T) {
	lm := dblock.NewLockManager()
	ctx := context.Background()

	lm.ReleaseLock(t1, p1)
	lm.ReleaseAllLocks(t1)

	require.NoError(t, lm.AcquireShared(ctx, t2, p1))
	lm.ReleaseLock(t1, p1)
	assert.True(t, lm.HoldsLock(t2, p1))
}

func TestLockedPagesSnapshotIsDetached(t *testing.T) {
	lm := dblock.NewLockManager()
	ctx := context.Background()

	require.NoError(t, lm.AcquireShared(ctx, t1, p1))
	pages := lm.LockedPages(t1)
	pages.Add(p2)

	assert.False(t, lm.HoldsLock(t1, p2))
	assert.NotNil(t, lm.LockedPages(t3))
}

func TestWaitTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager(dblock.WithWaitTimeout(time.Second))
		ctx := context.Background()

		require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))

		start := time.Now()
		err := lm.AcquireShared(ctx, t2, p1)
		require.Error(t, err)
		assert.True(t, dberr.HasCode(err, dberr.CodeTransactionLockWaitAbort))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, time.Second, time.Since(start))

		assert.False(t, lm.HoldsLock(t2, p1))
		assert.Empty(t, lm.Snapshot()[0].Pending)
	})
}

func TestContextCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager(dblock.WithWaitTimeout(0))
		ctx, cancel := context.WithCancel(context.Background())

		require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))

		errCh := make(chan error, 1)
		go func() {
			errCh <- lm.AcquireExclusive(ctx, t2, p1)
		}()
		synctest.Wait()
		cancel()
		synctest.Wait()

		err := <-errCh
		require.ErrorIs(t, err, context.Canceled)
		assert.True(t, dberr.IsAbort(err))

		// t2 left no waiting state behind: t1 can now wait on a page t2 holds
		require.NoError(t, lm.AcquireExclusive(context.Background(), t2, p2))
		go func() {
			errCh <- lm.AcquireExclusive(context.Background(), t1, p2)
		}()
		synctest.Wait()
		lm.ReleaseAllLocks(t2)
		synctest.Wait()
		require.NoError(t, <-errCh)
	})
}

func TestResetReleasesEverything(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager()
		ctx := context.Background()

		require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))
		errCh := make(chan error, 1)
		go func() {
			errCh <- lm.AcquireShared(ctx, t2, p1)
		}()
		synctest.Wait()

		lm.Reset()
		synctest.Wait()

		require.NoError(t, <-errCh)
		assert.False(t, lm.HoldsLock(t1, p1))
		assert.True(t, lm.Holders(p1).Contains(t2))
	})
}

func TestReleaseAllWhileQueuedKeepsPageExclusive(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager(dblock.WithWaitTimeout(0))
		ctx := context.Background()

		require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))
		t2Ch := make(chan error, 1)
		go func() {
			t2Ch <- lm.AcquireExclusive(ctx, t2, p1)
		}()
		synctest.Wait()

		// t2はまだ待っている. 待ちの登録は消えない
		lm.ReleaseAllLocks(t2)
		lm.ReleaseAllLocks(t1)
		synctest.Wait()
		require.NoError(t, <-t2Ch)

		t3Ch := make(chan error, 1)
		go func() {
			t3Ch <- lm.AcquireExclusive(ctx, t3, p1)
		}()
		synctest.Wait()
		assertStillWaiting(t, t3Ch, "t2 holds p1 exclusively")

		assert.True(t, lm.HoldsLock(t2, p1))
		assert.True(t, lm.LockedPages(t2).Contains(p1))
		assert.False(t, lm.HoldsLock(t3, p1))
		assert.False(t, lm.LockedPages(t3).Contains(p1))
		assert.ElementsMatch(t, []dblock.TransactionID{t2}, lm.Holders(p1).ToSlice())

		lm.ReleaseAllLocks(t2)
		synctest.Wait()
		require.NoError(t, <-t3Ch)
		assert.True(t, lm.HoldsLock(t3, p1))
		assert.ElementsMatch(t, []dblock.TransactionID{t3}, lm.Holders(p1).ToSlice())
	})
}

func TestHoldsLockAgreesWithLockedPages(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lm := dblock.NewLockManager()
		ctx := context.Background()

		require.NoError(t, lm.AcquireShared(ctx, t1, p1))
		errCh := make(chan error, 1)
		go func() {
			errCh <- lm.AcquireExclusive(ctx, t2, p1)
		}()
		synctest.Wait()
		assert.False(t, lm.HoldsLock(t2, p1))
		assert.False(t, lm.LockedPages(t2).Contains(p1))

		lm.ReleaseLock(t1, p1)
		synctest.Wait()
		require.NoError(t, <-errCh)
		for _, tid := range []dblock.TransactionID{t1, t2} {
			assert.Equal(t, lm.LockedPages(tid).Contains(p1), lm.HoldsLock(tid, p1), "tx %s", tid)
		}

		lm.ReleaseLock(t2, p1)
		assert.False(t, lm.HoldsLock(t2, p1))
		assert.Equal(t, 0, lm.LockedPages(t2).Cardinality())
	})
}

func TestCoveredRequestIgnoresDoneContext(t *testing.T) {
	lm := dblock.NewLockManager()
	require.NoError(t, lm.AcquireShared(context.Background(), t1, p1))
	require.NoError(t, lm.AcquireExclusive(context.Background(), t2, p2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, lm.AcquireShared(ctx, t1, p1))
	assert.NoError(t, lm.AcquireShared(ctx, t2, p2))
	assert.NoError(t, lm.AcquireExclusive(ctx, t2, p2))
	// 待たずに取れる要求もそのまま通る
	assert.NoError(t, lm.AcquireShared(ctx, t3, p1))

	err := lm.AcquireExclusive(ctx, t3, p2)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, dberr.IsAbort(err))
}

func TestMetrics(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := prometheus.NewRegistry()
		metrics := dblock.NewMetrics(reg)
		lm := dblock.NewLockManager(dblock.WithMetrics(metrics))
		ctx := context.Background()

		require.NoError(t, lm.AcquireExclusive(ctx, t1, p1))
		require.NoError(t, lm.AcquireExclusive(ctx, t2, p2))
		go func() {
			_ = lm.AcquireShared(ctx, t1, p2)
		}()
		synctest.Wait()
		require.ErrorIs(t, lm.AcquireShared(ctx, t2, p1), dblock.ErrDeadlock)
		lm.ReleaseAllLocks(t2)
		synctest.Wait()
		lm.ReleaseAllLocks(t1)

		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Grants.WithLabelValues("X")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Grants.WithLabelValues("S")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Waits.WithLabelValues("S")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Aborts.WithLabelValues("deadlock")))
		assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Releases))
		assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Waiters))
	})
}

// Random shared/exclusive traffic on a handful of pages. The occupancy
// counters only ever under-report what the lock manager has granted, so any
// overlap they observe is a real violation.
func TestMutualExclusionUnderContention(t *testing.T) {
	const (
		workers   = 16
		perWorker = 200
		numPages  = 4
	)
	lm := dblock.NewLockManager(dblock.WithWaitTimeout(0))
	ctx := context.Background()

	type occupancy struct{ readers, writers atomic.Int32 }
	occ := make([]occupancy, numPages)
	var nextTx atomic.Uint64

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for range perWorker {
				tid := dblock.TransactionID(nextTx.Add(1))
				held := make(map[int]dblock.LockMode)
				for range 3 {
					pg := rng.IntN(numPages)
					if _, ok := held[pg]; ok {
						continue
					}
					mode := dblock.Shared
					if rng.IntN(3) == 0 {
						mode = dblock.Exclusive
					}
					if err := lm.Acquire(ctx, tid, dbfile.NewPageID(3, pg), mode); err != nil {
						if !errors.Is(err, dblock.ErrDeadlock) {
							t.Errorf("unexpected error: %v", err)
						}
						break
					}
					held[pg] = mode
					if mode == dblock.Exclusive {
						if occ[pg].writers.Add(1) != 1 || occ[pg].readers.Load() != 0 {
							t.Errorf("page %d: exclusive holder is not alone", pg)
						}
					} else {
						occ[pg].readers.Add(1)
						if occ[pg].writers.Load() != 0 {
							t.Errorf("page %d: reader alongside writer", pg)
						}
					}
				}
				for pg, mode := range held {
					if mode == dblock.Exclusive {
						occ[pg].writers.Add(-1)
					} else {
						occ[pg].readers.Add(-1)
					}
				}
				lm.ReleaseAllLocks(tid)
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, lm.Snapshot())
}
