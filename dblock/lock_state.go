package dblock

import (
	"context"
	"maps"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/viney-shih/go-lock"
)

// lockState tracks the holders of one page and blocks requesters until their
// lock can be granted.
type lockState struct {
	latch      lock.Mutex
	holders    mapset.Set[TransactionID]
	exclusive  bool
	readCount  int
	writeCount int
	// requests currently blocked on this page
	pending map[TransactionID]LockMode
	// closed and replaced on every notifying release
	released chan struct{}
}

func newLockState() *lockState {
	return &lockState{
		latch:    lock.NewCASMutex(),
		holders:  mapset.NewThreadUnsafeSet[TransactionID](),
		pending:  make(map[TransactionID]LockMode),
		released: make(chan struct{}),
	}
}

// addReadLock returns once tid holds a lock of any mode on the page.
func (s *lockState) addReadLock(ctx context.Context, tid TransactionID) error {
	return s.await(ctx, tid, Shared, func() bool {
		if s.holders.Contains(tid) {
			return true
		}
		// xlockが外れるまで待つ
		if s.writeCount > 0 {
			return false
		}
		s.addLockLocked(tid, Shared)
		return true
	})
}

// addWriteLock returns once tid holds the page exclusively. A shared holder is
// upgraded when it becomes the only holder; the demotion and the promotion
// happen under one latch hold, so nobody can take the page in between.
func (s *lockState) addWriteLock(ctx context.Context, tid TransactionID) error {
	return s.await(ctx, tid, Exclusive, func() bool {
		if s.holders.Contains(tid) {
			if s.exclusive {
				return true
			}
			if s.holders.Cardinality() > 1 {
				return false
			}
			s.unlockReadLocked(tid)
			s.addLockLocked(tid, Exclusive)
			return true
		}
		if s.readCount > 0 || s.writeCount > 0 {
			return false
		}
		s.addLockLocked(tid, Exclusive)
		return true
	})
}

// await runs try under the latch until it succeeds, sleeping between attempts
// until some holder releases the page.
func (s *lockState) await(ctx context.Context, tid TransactionID, mode LockMode, try func() bool) error {
	for {
		s.latch.Lock()
		if try() {
			delete(s.pending, tid)
			s.latch.Unlock()
			return nil
		}
		s.pending[tid] = mode
		released := s.released // lockの外で使うため
		s.latch.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			s.latch.Lock()
			delete(s.pending, tid)
			s.latch.Unlock()
			return ctx.Err()
		}
	}
}

func (s *lockState) addLockLocked(tid TransactionID, mode LockMode) {
	s.holders.Add(tid)
	s.exclusive = mode == Exclusive
	if mode == Exclusive {
		s.writeCount++
	} else {
		s.readCount++
	}
}

func (s *lockState) unlockReadLocked(tid TransactionID) bool {
	if s.exclusive || !s.holders.Contains(tid) {
		return false
	}
	s.holders.Remove(tid)
	s.readCount--
	return true
}

func (s *lockState) unlockWriteLocked(tid TransactionID) bool {
	if !s.exclusive || !s.holders.Contains(tid) {
		return false
	}
	s.holders.Remove(tid)
	s.writeCount--
	s.exclusive = false
	return true
}

// unlockRead removes tid's shared lock. Waiters are woken when notify is set.
func (s *lockState) unlockRead(tid TransactionID, notify bool) bool {
	s.latch.Lock()
	defer s.latch.Unlock()
	ok := s.unlockReadLocked(tid)
	if ok && notify {
		s.notifyLocked()
	}
	return ok
}

// unlockWrite removes tid's exclusive lock. Waiters are woken when notify is set.
func (s *lockState) unlockWrite(tid TransactionID, notify bool) bool {
	s.latch.Lock()
	defer s.latch.Unlock()
	ok := s.unlockWriteLocked(tid)
	if ok && notify {
		s.notifyLocked()
	}
	return ok
}

// unlockAll releases whichever mode tid holds and wakes every waiter.
func (s *lockState) unlockAll(tid TransactionID) bool {
	// sharedを持っている間は他の誰もxlockを取れない
	return s.unlockWrite(tid, true) || s.unlockRead(tid, true)
}

// removeAllLocks drops every holder of the page.
func (s *lockState) removeAllLocks() {
	s.latch.Lock()
	defer s.latch.Unlock()
	s.holders.Clear()
	s.exclusive = false
	s.readCount = 0
	s.writeCount = 0
	s.notifyLocked()
}

// 待っている人がいなければチャネルは閉じない
func (s *lockState) notifyLocked() {
	if len(s.pending) == 0 {
		return
	}
	close(s.released)
	s.released = make(chan struct{})
}

func (s *lockState) isHoldBy(tid TransactionID) bool {
	s.latch.Lock()
	defer s.latch.Unlock()
	return s.holders.Contains(tid)
}

func (s *lockState) hasLocks() bool {
	s.latch.Lock()
	defer s.latch.Unlock()
	return s.holders.Cardinality() > 0
}

func (s *lockState) allLocksOnPage() mapset.Set[TransactionID] {
	s.latch.Lock()
	defer s.latch.Unlock()
	return s.holders.Clone()
}

func (s *lockState) isExclusive() bool {
	s.latch.Lock()
	defer s.latch.Unlock()
	return s.exclusive
}

// heldMode returns the mode tid holds, if any.
func (s *lockState) heldMode(tid TransactionID) (LockMode, bool) {
	s.latch.Lock()
	defer s.latch.Unlock()
	if !s.holders.Contains(tid) {
		return 0, false
	}
	if s.exclusive {
		return Exclusive, true
	}
	return Shared, true
}

// blockers returns the holders that keep tid from being granted mode. A
// transaction never blocks itself.
func (s *lockState) blockers(tid TransactionID, mode LockMode) []TransactionID {
	s.latch.Lock()
	defer s.latch.Unlock()
	if mode == Shared && (!s.exclusive || s.holders.Contains(tid)) {
		return nil
	}
	if mode == Exclusive && s.exclusive && s.holders.Contains(tid) {
		return nil
	}
	out := make([]TransactionID, 0, s.holders.Cardinality())
	s.holders.Each(func(holder TransactionID) bool {
		if holder != tid {
			out = append(out, holder)
		}
		return false
	})
	return out
}

func (s *lockState) pendingRequests() map[TransactionID]LockMode {
	s.latch.Lock()
	defer s.latch.Unlock()
	return maps.Clone(s.pending)
}
