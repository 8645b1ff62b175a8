package dbtx

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/teru01/lockdb/dbbuffer"
	"github.com/teru01/lockdb/dberr"
	"github.com/teru01/lockdb/dbfile"
	"github.com/teru01/lockdb/dblock"
)

// EndOfFile is the page number of a table's end-of-file marker. Size and
// Append lock it to keep phantom pages out.
const EndOfFile = -1

type State int

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transaction reads and writes pages under strict two-phase locking. Every
// lock is held until Commit or Abort. A Transaction is driven by a single
// goroutine; only State may be called from others.
type Transaction struct {
	id                 dblock.TransactionID
	concurrencyManager *ConcurrencyManager
	bufferPool         *dbbuffer.BufferPool
	registry           *Registry
	// tableごとに このtransactionがappendしたpage数
	appended map[uint32]int

	mu    sync.Mutex
	state State
}

func newTransaction(id dblock.TransactionID, bp *dbbuffer.BufferPool, registry *Registry) *Transaction {
	return &Transaction{
		id:                 id,
		concurrencyManager: NewConcurrencyManager(id, bp.LockManager()),
		bufferPool:         bp,
		registry:           registry,
		appended:           make(map[uint32]int),
	}
}

func (t *Transaction) ID() dblock.TransactionID {
	return t.id
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) Commit() error {
	if err := t.finish(Committed); err != nil {
		return err
	}
	defer t.concurrencyManager.Release()
	if err := t.bufferPool.TransactionComplete(t.id, true); err != nil {
		return fmt.Errorf("commit transaction %s: %w", t.id, err)
	}
	slog.Debug("transaction committed", slog.Any("tx", t.id))
	return nil
}

// Abort discards every change of the transaction and releases its locks.
func (t *Transaction) Abort() error {
	if err := t.finish(Aborted); err != nil {
		return err
	}
	defer t.concurrencyManager.Release()
	if err := t.bufferPool.TransactionComplete(t.id, false); err != nil {
		return fmt.Errorf("abort transaction %s: %w", t.id, err)
	}
	slog.Debug("transaction aborted", slog.Any("tx", t.id))
	return nil
}

func (t *Transaction) finish(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return dberr.New(dberr.CodeTransactionNotActive, fmt.Sprintf("transaction %s is already %s", t.id, t.state), nil)
	}
	t.state = to
	if t.registry != nil {
		t.registry.forget(t.id)
	}
	return nil
}

func (t *Transaction) checkActive() error {
	if s := t.State(); s != Active {
		return dberr.New(dberr.CodeTransactionNotActive, fmt.Sprintf("transaction %s is %s", t.id, s), nil)
	}
	return nil
}

// abortOn aborts the transaction when err means it lost a lock conflict.
func (t *Transaction) abortOn(err error) error {
	if dberr.IsAbort(err) {
		if abortErr := t.Abort(); abortErr != nil {
			slog.Warn("failed to abort transaction", slog.Any("tx", t.id), slog.Any("error", abortErr))
		}
	}
	return err
}

func (t *Transaction) page(ctx context.Context, pid dbfile.PageID, perm dbbuffer.Permission) (*dbfile.Page, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	var err error
	if perm == dbbuffer.ReadWrite {
		err = t.concurrencyManager.XLock(ctx, pid)
	} else {
		err = t.concurrencyManager.SLock(ctx, pid)
	}
	if err != nil {
		return nil, t.abortOn(fmt.Errorf("lock page %s: %w", pid, err))
	}
	page, err := t.bufferPool.GetPage(ctx, t.id, pid, perm)
	if err != nil {
		return nil, t.abortOn(fmt.Errorf("get page %s: %w", pid, err))
	}
	return page, nil
}

func (t *Transaction) GetInt(ctx context.Context, pid dbfile.PageID, offset int) (int64, error) {
	page, err := t.page(ctx, pid, dbbuffer.ReadOnly)
	if err != nil {
		return 0, err
	}
	return page.GetInt(offset)
}

// valを指定のpage/offsetに書き込む
// あくまでメモリ上の作業コピーに書くだけ。disk書き込みはcommit時
func (t *Transaction) SetInt(ctx context.Context, pid dbfile.PageID, offset int, val int64) error {
	page, err := t.page(ctx, pid, dbbuffer.ReadWrite)
	if err != nil {
		return err
	}
	if err := page.SetInt(offset, val); err != nil {
		return fmt.Errorf("set int value %d at offset %d in page %s: %w", val, offset, pid, err)
	}
	return t.bufferPool.MarkDirty(t.id, page)
}

func (t *Transaction) GetString(ctx context.Context, pid dbfile.PageID, offset int) (string, error) {
	page, err := t.page(ctx, pid, dbbuffer.ReadOnly)
	if err != nil {
		return "", err
	}
	return page.GetString(offset)
}

func (t *Transaction) SetString(ctx context.Context, pid dbfile.PageID, offset int, val string) error {
	page, err := t.page(ctx, pid, dbbuffer.ReadWrite)
	if err != nil {
		return err
	}
	if err := page.SetString(offset, val); err != nil {
		return fmt.Errorf("set string value %q at offset %d in page %s: %w", val, offset, pid, err)
	}
	return t.bufferPool.MarkDirty(t.id, page)
}

// Lock takes a page lock without reading the page.
func (t *Transaction) Lock(ctx context.Context, pid dbfile.PageID, mode dblock.LockMode) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := t.concurrencyManager.Lock(ctx, pid, mode); err != nil {
		return t.abortOn(err)
	}
	return nil
}

// ReleasePage gives up the lock on pid early. Pages the transaction modified
// cannot be released.
func (t *Transaction) ReleasePage(pid dbfile.PageID) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := t.bufferPool.ReleasePage(t.id, pid); err != nil {
		return err
	}
	t.concurrencyManager.ReleasePage(pid)
	return nil
}

func (t *Transaction) HoldsLock(pid dbfile.PageID) bool {
	return t.bufferPool.HoldsLock(t.id, pid)
}

func (t *Transaction) LockedPages() []dbfile.PageID {
	pages := t.bufferPool.LockManager().LockedPages(t.id).ToSlice()
	slices.SortFunc(pages, dbfile.PageID.Compare)
	return pages
}

// tableIDのtableが含むpage数
// ファントム対策にEOFマーカーに対してSLockをとる
func (t *Transaction) Size(ctx context.Context, tableID uint32) (int, error) {
	if err := t.Lock(ctx, dbfile.NewPageID(tableID, EndOfFile), dblock.Shared); err != nil {
		return 0, fmt.Errorf("acquire shared lock on EOF marker for table %d: %w", tableID, err)
	}
	n, err := t.bufferPool.NumPages(tableID)
	if err != nil {
		return 0, fmt.Errorf("get page count for table %d: %w", tableID, err)
	}
	return n + t.appended[tableID], nil
}

// tableIDのtableに1page追加する
// ファントム対策にEOFマーカーにXLockをとる
func (t *Transaction) Append(ctx context.Context, tableID uint32) (dbfile.PageID, error) {
	if err := t.Lock(ctx, dbfile.NewPageID(tableID, EndOfFile), dblock.Exclusive); err != nil {
		return dbfile.PageID{}, fmt.Errorf("acquire exclusive lock on EOF marker for table %d: %w", tableID, err)
	}
	n, err := t.bufferPool.NumPages(tableID)
	if err != nil {
		return dbfile.PageID{}, fmt.Errorf("append new page to table %d: %w", tableID, err)
	}
	pid := dbfile.NewPageID(tableID, n+t.appended[tableID])
	page, err := t.page(ctx, pid, dbbuffer.ReadWrite)
	if err != nil {
		return dbfile.PageID{}, err
	}
	if err := t.bufferPool.MarkDirty(t.id, page); err != nil {
		return dbfile.PageID{}, err
	}
	t.appended[tableID]++
	return pid, nil
}

func (t *Transaction) PageSize() int {
	return t.bufferPool.PageSize()
}
