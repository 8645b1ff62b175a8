package dbtx

import (
	"context"
	"fmt"

	"github.com/teru01/lockdb/dbfile"
	"github.com/teru01/lockdb/dblock"
)

// 個々のtransactionが保持する. lock managerは全transactionで共有
type ConcurrencyManager struct {
	tid   dblock.TransactionID
	locks *dblock.LockManager
	held  map[dbfile.PageID]dblock.LockMode
}

func NewConcurrencyManager(tid dblock.TransactionID, locks *dblock.LockManager) *ConcurrencyManager {
	return &ConcurrencyManager{
		tid:   tid,
		locks: locks,
		held:  make(map[dbfile.PageID]dblock.LockMode),
	}
}

func (c *ConcurrencyManager) SLock(ctx context.Context, pid dbfile.PageID) error {
	if _, ok := c.held[pid]; !ok {
		if err := c.locks.AcquireShared(ctx, c.tid, pid); err != nil {
			return fmt.Errorf("failed to SLock: %w", err)
		}
		c.held[pid] = dblock.Shared
	}
	return nil
}

// XLock upgrades a shared lock in place.
func (c *ConcurrencyManager) XLock(ctx context.Context, pid dbfile.PageID) error {
	if !c.hasXLock(pid) {
		if err := c.locks.AcquireExclusive(ctx, c.tid, pid); err != nil {
			return fmt.Errorf("failed to XLock: %w", err)
		}
		c.held[pid] = dblock.Exclusive
	}
	return nil
}

func (c *ConcurrencyManager) Lock(ctx context.Context, pid dbfile.PageID, mode dblock.LockMode) error {
	if mode == dblock.Exclusive {
		return c.XLock(ctx, pid)
	}
	return c.SLock(ctx, pid)
}

// ReleasePage drops one lock before the transaction ends.
func (c *ConcurrencyManager) ReleasePage(pid dbfile.PageID) {
	c.locks.ReleaseLock(c.tid, pid)
	delete(c.held, pid)
}

func (c *ConcurrencyManager) Release() {
	c.locks.ReleaseAllLocks(c.tid)
	clear(c.held)
}

func (c *ConcurrencyManager) Held(pid dbfile.PageID) (dblock.LockMode, bool) {
	mode, ok := c.held[pid]
	return mode, ok
}

func (c *ConcurrencyManager) hasXLock(pid dbfile.PageID) bool {
	mode, ok := c.held[pid]
	return ok && mode == dblock.Exclusive
}
