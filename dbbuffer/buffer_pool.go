package dbbuffer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/teru01/lockdb/dberr"
	"github.com/teru01/lockdb/dbfile"
	"github.com/teru01/lockdb/dblock"
	"github.com/teru01/lockdb/dbstorage"
)

const MaxWaitTime = 10000 * time.Millisecond

type Permission int

const (
	ReadOnly Permission = iota
	ReadWrite
)

func (p Permission) String() string {
	if p == ReadWrite {
		return "READ_WRITE"
	}
	return "READ_ONLY"
}

func (p Permission) lockMode() dblock.LockMode {
	if p == ReadWrite {
		return dblock.Exclusive
	}
	return dblock.Shared
}

// txPage is a transaction's private working copy of a page.
type txPage struct {
	page  *dbfile.Page
	dirty bool
}

// BufferPool hands out pages to transactions after taking the matching page
// lock. Clean pages are shared through an LRU cache. A page fetched
// ReadWrite becomes a private copy of the transaction and is never written
// before commit (NO-STEAL), so aborting only throws the copies away.
type BufferPool struct {
	mu    sync.Mutex
	store dbstorage.PageStore
	locks *dblock.LockManager
	clean *lru.Cache[dbfile.PageID, *dbfile.Page]
	// working copies by transaction. Their total is capped by capacity.
	working                  map[dblock.TransactionID]map[dbfile.PageID]*txPage
	numWorking               int
	capacity                 int
	availabilityNotification chan struct{}
	logger                   *slog.Logger
}

func NewBufferPool(store dbstorage.PageStore, locks *dblock.LockManager, capacity int) (*BufferPool, error) {
	clean, err := lru.New[dbfile.PageID, *dbfile.Page](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}
	return &BufferPool{
		store:                    store,
		locks:                    locks,
		clean:                    clean,
		working:                  make(map[dblock.TransactionID]map[dbfile.PageID]*txPage),
		capacity:                 capacity,
		availabilityNotification: make(chan struct{}),
		logger:                   slog.Default(),
	}, nil
}

func (bp *BufferPool) LockManager() *dblock.LockManager {
	return bp.locks
}

func (bp *BufferPool) PageSize() int {
	return bp.store.PageSize()
}

func (bp *BufferPool) NumPages(tableID uint32) (int, error) {
	return bp.store.NumPages(tableID)
}

// Available is the number of working copies that can still be handed out.
func (bp *BufferPool) Available() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.capacity - bp.numWorking
}

// GetPage locks pid for tid in the mode perm implies, then returns the page.
// A ReadOnly page may be shared with other readers and must not be modified.
// A lock error is returned as is, so callers can tell a deadlock abort apart.
func (bp *BufferPool) GetPage(ctx context.Context, tid dblock.TransactionID, pid dbfile.PageID, perm Permission) (*dbfile.Page, error) {
	if err := bp.locks.Acquire(ctx, tid, pid, perm.lockMode()); err != nil {
		return nil, err
	}

	// 最大MaxWaitTimeまつ
	ctx, cancel := context.WithTimeout(ctx, MaxWaitTime)
	defer cancel()
	for {
		var waitCh chan struct{}
		page, err := func() (*dbfile.Page, error) {
			bp.mu.Lock()
			defer bp.mu.Unlock()
			waitCh = bp.availabilityNotification
			return bp.tryGetLocked(tid, pid, perm)
		}()
		if err != nil {
			return nil, err
		}
		if page != nil {
			return page, nil
		}

		select {
		case <-waitCh:
		case <-ctx.Done():
			return nil, dberr.New(dberr.CodeBufferWaitAbort, "failed to get page. It took too long to get a free buffer", ctx.Err())
		}
	}
}

// tryGetLockedはnil, nilを返すと空きを待つ
func (bp *BufferPool) tryGetLocked(tid dblock.TransactionID, pid dbfile.PageID, perm Permission) (*dbfile.Page, error) {
	if tp, ok := bp.working[tid][pid]; ok {
		return tp.page, nil
	}
	if perm == ReadWrite && bp.numWorking >= bp.capacity {
		return nil, nil
	}

	page, ok := bp.clean.Get(pid)
	if !ok {
		var err error
		page, err = bp.store.ReadPage(pid)
		if err != nil {
			return nil, fmt.Errorf("failed to get page %s: %w", pid, err)
		}
		bp.clean.Add(pid, page)
	}
	if perm == ReadOnly {
		return page, nil
	}

	copied := page.Clone()
	pages, ok := bp.working[tid]
	if !ok {
		pages = make(map[dbfile.PageID]*txPage)
		bp.working[tid] = pages
	}
	pages[pid] = &txPage{page: copied}
	bp.numWorking++
	return copied, nil
}

// MarkDirty records that tid modified page. Only dirty pages are written at
// commit. The page must have been fetched ReadWrite by tid.
func (bp *BufferPool) MarkDirty(tid dblock.TransactionID, page *dbfile.Page) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	tp, ok := bp.working[tid][page.ID()]
	if !ok || tp.page != page {
		return fmt.Errorf("%s did not fetch page %s for write", tid, page.ID())
	}
	tp.dirty = true
	return nil
}

// DirtyPages lists the pages tid has marked dirty.
func (bp *BufferPool) DirtyPages(tid dblock.TransactionID) []dbfile.PageID {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	var out []dbfile.PageID
	for pid, tp := range bp.working[tid] {
		if tp.dirty {
			out = append(out, pid)
		}
	}
	return out
}

// TransactionComplete ends tid. On commit its dirty pages are written in
// one batch and replace the cached versions; on abort they are dropped.
// Either way every lock of tid is released afterwards.
func (bp *BufferPool) TransactionComplete(tid dblock.TransactionID, commit bool) error {
	defer bp.locks.ReleaseAllLocks(tid)

	bp.mu.Lock()
	defer bp.mu.Unlock()
	pages := bp.working[tid]
	delete(bp.working, tid)
	bp.numWorking -= len(pages)
	bp.notifyLocked()

	if !commit {
		bp.logger.Debug("discarded pages", slog.Any("tx", tid), slog.Int("pages", len(pages)))
		return nil
	}
	var dirty []*dbfile.Page
	for _, pid := range slices.SortedFunc(maps.Keys(pages), dbfile.PageID.Compare) {
		if tp := pages[pid]; tp.dirty {
			dirty = append(dirty, tp.page)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	if err := bp.store.WritePages(dirty); err != nil {
		return fmt.Errorf("failed to flush pages of %s: %w", tid, err)
	}
	for _, page := range dirty {
		bp.clean.Add(page.ID(), page)
	}
	bp.logger.Debug("flushed pages", slog.Any("tx", tid), slog.Int("pages", len(dirty)))
	return nil
}

func (bp *BufferPool) HoldsLock(tid dblock.TransactionID, pid dbfile.PageID) bool {
	return bp.locks.HoldsLock(tid, pid)
}

// ReleasePage gives up tid's lock on pid before the transaction ends. This
// breaks two-phase locking and is only safe for pages tid did not modify, so
// a dirty page keeps its lock and an error is returned.
func (bp *BufferPool) ReleasePage(tid dblock.TransactionID, pid dbfile.PageID) error {
	bp.mu.Lock()
	if tp, ok := bp.working[tid][pid]; ok {
		if tp.dirty {
			bp.mu.Unlock()
			return fmt.Errorf("%s cannot release dirty page %s", tid, pid)
		}
		delete(bp.working[tid], pid)
		bp.numWorking--
		bp.notifyLocked()
	}
	bp.mu.Unlock()
	bp.locks.ReleaseLock(tid, pid)
	return nil
}

func (bp *BufferPool) notifyLocked() {
	close(bp.availabilityNotification)
	bp.availabilityNotification = make(chan struct{})
}
