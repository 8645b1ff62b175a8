// Package dblock grants shared and exclusive page locks to transactions under
// strict two-phase locking.
//
// A LockManager owns two registries: page -> lock state and transaction ->
// locked pages. Bookkeeping happens under one manager-wide latch. The actual
// waiting for a page happens on that page's own latch, so contention on one
// page never stalls bookkeeping for others. The latch order is always manager
// then page, and a goroutine blocked on a page holds neither.
//
// Before a request waits, the manager builds a wait-for graph from every
// pending request and the live holder sets, and searches it from the
// requester. If the requester would close a cycle it is refused with an error
// carrying dberr.CodeTransactionDeadlockAbort; the requester is always the
// victim. The caller is expected to abort the transaction and call
// ReleaseAllLocks.
//
// Waiters on a page are woken together whenever a holder leaves and each
// re-checks its own condition. There is no FIFO ordering, so a steady stream of
// shared requests can starve an exclusive one.
package dblock
