package dbtx

import (
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/teru01/lockdb/dbbuffer"
	"github.com/teru01/lockdb/dblock"
)

// Registry hands out transaction ids and tracks the transactions that have
// not finished yet.
type Registry struct {
	bufferPool *dbbuffer.BufferPool
	active     *xsync.MapOf[dblock.TransactionID, *Transaction]
}

// 全Registryで共有する
var nextTxNum atomic.Uint64

func NewRegistry(bp *dbbuffer.BufferPool) *Registry {
	return &Registry{
		bufferPool: bp,
		active:     xsync.NewMapOf[dblock.TransactionID, *Transaction](),
	}
}

// Begin starts a transaction with a fresh id. Ids are never reused.
func (r *Registry) Begin() *Transaction {
	tx := newTransaction(NextTxNum(), r.bufferPool, r)
	r.active.Store(tx.id, tx)
	slog.Debug("new transaction", slog.Any("tx", tx.id))
	return tx
}

// NextTxNum returns a transaction id unique within the process.
func NextTxNum() dblock.TransactionID {
	return dblock.TransactionID(nextTxNum.Add(1))
}

func (r *Registry) Get(id dblock.TransactionID) (*Transaction, bool) {
	return r.active.Load(id)
}

// Active lists the ids of unfinished transactions in ascending order.
func (r *Registry) Active() []dblock.TransactionID {
	ids := make([]dblock.TransactionID, 0, r.active.Size())
	r.active.Range(func(id dblock.TransactionID, _ *Transaction) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)
	return ids
}

func (r *Registry) Len() int {
	return r.active.Size()
}

func (r *Registry) forget(id dblock.TransactionID) {
	r.active.Delete(id)
}
