package dblock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/viney-shih/go-lock"

	"github.com/teru01/lockdb/dberr"
	"github.com/teru01/lockdb/dbfile"
)

// ErrDeadlock is wrapped by the error returned when a request would close a
// cycle in the wait-for graph.
var ErrDeadlock = errors.New("deadlock")

// LockManager grants page locks to transactions. A single instance is shared by
// every transaction of a database; create it with NewLockManager and hand it to
// the buffer pool.
type LockManager struct {
	latch   lock.Mutex
	pages   map[dbfile.PageID]*lockState
	txPages map[TransactionID]mapset.Set[dbfile.PageID]
	waiting map[TransactionID]waitRequest

	waitTimeout time.Duration
	logger      *slog.Logger
	metrics     *Metrics
}

func NewLockManager(opts ...Option) *LockManager {
	lm := &LockManager{
		latch:       lock.NewCASMutex(),
		pages:       make(map[dbfile.PageID]*lockState),
		txPages:     make(map[TransactionID]mapset.Set[dbfile.PageID]),
		waiting:     make(map[TransactionID]waitRequest),
		waitTimeout: DefaultWaitTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(lm)
	}
	if lm.metrics == nil {
		lm.metrics = NewMetrics(nil)
	}
	return lm
}

func (lm *LockManager) AcquireShared(ctx context.Context, tid TransactionID, pid dbfile.PageID) error {
	return lm.Acquire(ctx, tid, pid, Shared)
}

func (lm *LockManager) AcquireExclusive(ctx context.Context, tid TransactionID, pid dbfile.PageID) error {
	return lm.Acquire(ctx, tid, pid, Exclusive)
}

// Acquire blocks until tid holds pid in at least the given mode.
//
// A request already covered by the lock tid holds returns immediately. A shared
// holder asking for Exclusive is upgraded once it is the page's only holder.
// If waiting would close a cycle in the wait-for graph the request is refused
// with an error wrapping ErrDeadlock and nothing is granted. Context
// cancellation and the wait timeout end the wait with a lock-wait abort.
func (lm *LockManager) Acquire(ctx context.Context, tid TransactionID, pid dbfile.PageID, mode LockMode) error {
	// ctxが効くのはページ上の待ちだけ
	lm.latch.Lock()
	state := lm.lockStateLocked(pid)
	if held, ok := state.heldMode(tid); ok && held.Covers(mode) {
		lm.latch.Unlock()
		return nil
	}

	// 要求は必ず登録する. 後から来た要求のサイクル検査にこの待ちを見せるため
	lm.waiting[tid] = waitRequest{pid: pid, mode: mode}
	blocked := len(state.blockers(tid, mode)) > 0
	if blocked {
		if cycle := lm.buildWaitsForLocked().cycleFrom(tid); cycle != nil {
			delete(lm.waiting, tid)
			lm.metrics.Waiters.Set(float64(len(lm.waiting)))
			lm.latch.Unlock()
			lm.metrics.Aborts.WithLabelValues("deadlock").Inc()
			lm.logger.Info("deadlock detected", slog.Any("tx", tid), slog.String("page", pid.String()), slog.String("mode", mode.String()), slog.Any("cycle", cycle))
			return dberr.New(dberr.CodeTransactionDeadlockAbort,
				fmt.Sprintf("%s lock on page %s by %s would deadlock", mode, pid, tid), ErrDeadlock)
		}
	}
	lm.metrics.Waiters.Set(float64(len(lm.waiting)))
	lm.latch.Unlock()

	waitCtx := ctx
	if lm.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, lm.waitTimeout)
		defer cancel()
	}
	start := time.Now()
	var err error
	if mode == Shared {
		err = state.addReadLock(waitCtx, tid)
	} else {
		err = state.addWriteLock(waitCtx, tid)
	}
	if blocked {
		lm.metrics.observeWait(mode, start)
	}

	lm.latch.Lock()
	delete(lm.waiting, tid)
	if err == nil {
		lm.addLockedPageLocked(tid, pid)
	}
	lm.metrics.Waiters.Set(float64(len(lm.waiting)))
	lm.latch.Unlock()

	if err != nil {
		return lm.waitAbort(tid, pid, mode, err)
	}
	lm.metrics.Grants.WithLabelValues(mode.String()).Inc()
	lm.logger.Debug("lock granted", slog.Any("tx", tid), slog.String("page", pid.String()), slog.String("mode", mode.String()))
	return nil
}

func (lm *LockManager) waitAbort(tid TransactionID, pid dbfile.PageID, mode LockMode, err error) error {
	lm.metrics.Aborts.WithLabelValues("timeout").Inc()
	return dberr.New(dberr.CodeTransactionLockWaitAbort,
		fmt.Sprintf("timeout. %s took too long to get %s lock on page %s", tid, mode, pid), err)
}

// HoldsLock reports whether tid holds any lock on pid. It never blocks on a page.
func (lm *LockManager) HoldsLock(tid TransactionID, pid dbfile.PageID) bool {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	pages, ok := lm.txPages[tid]
	return ok && pages.Contains(pid)
}

// HeldMode returns the mode tid holds on pid.
func (lm *LockManager) HeldMode(tid TransactionID, pid dbfile.PageID) (LockMode, bool) {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	if pages, ok := lm.txPages[tid]; !ok || !pages.Contains(pid) {
		return 0, false
	}
	return lm.pages[pid].heldMode(tid)
}

// ReleaseLock releases tid's lock on pid, if it has one, and wakes the page's waiters.
func (lm *LockManager) ReleaseLock(tid TransactionID, pid dbfile.PageID) {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	pages, ok := lm.txPages[tid]
	if !ok || !pages.Contains(pid) {
		return
	}
	lm.removeLockLocked(tid, pid)
	pages.Remove(pid)
	if pages.Cardinality() == 0 {
		delete(lm.txPages, tid)
	}
}

// ReleaseAllLocks releases every lock tid holds and forgets the transaction.
// A request tid still has in flight is left alone; it resolves on its own.
func (lm *LockManager) ReleaseAllLocks(tid TransactionID) {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	pages, ok := lm.txPages[tid]
	if ok {
		pages.Each(func(pid dbfile.PageID) bool {
			lm.removeLockLocked(tid, pid)
			return false
		})
		delete(lm.txPages, tid)
	}
	lm.logger.Debug("released all locks", slog.Any("tx", tid))
}

// LockedPages returns a snapshot of the pages tid holds. The set is never nil.
func (lm *LockManager) LockedPages(tid TransactionID) mapset.Set[dbfile.PageID] {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	if pages, ok := lm.txPages[tid]; ok {
		return pages.Clone()
	}
	return mapset.NewThreadUnsafeSet[dbfile.PageID]()
}

// Holders returns the transactions holding pid.
func (lm *LockManager) Holders(pid dbfile.PageID) mapset.Set[TransactionID] {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	if state, ok := lm.pages[pid]; ok {
		return state.allLocksOnPage()
	}
	return mapset.NewThreadUnsafeSet[TransactionID]()
}

// Reset drops every lock on every page and forgets all transactions. Goroutines
// waiting for a page are woken and compete for it again.
func (lm *LockManager) Reset() {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	for _, state := range lm.pages {
		state.removeAllLocks()
	}
	clear(lm.txPages)
	lm.logger.Info("lock manager reset")
}

func (lm *LockManager) lockStateLocked(pid dbfile.PageID) *lockState {
	state, ok := lm.pages[pid]
	if !ok {
		state = newLockState()
		lm.pages[pid] = state
	}
	return state
}

func (lm *LockManager) addLockedPageLocked(tid TransactionID, pid dbfile.PageID) {
	pages, ok := lm.txPages[tid]
	if !ok {
		pages = mapset.NewThreadUnsafeSet[dbfile.PageID]()
		lm.txPages[tid] = pages
	}
	pages.Add(pid)
}

func (lm *LockManager) removeLockLocked(tid TransactionID, pid dbfile.PageID) {
	state, ok := lm.pages[pid]
	if !ok {
		return
	}
	if !state.isHoldBy(tid) {
		return
	}
	if state.unlockAll(tid) {
		lm.metrics.Releases.Inc()
	}
}
