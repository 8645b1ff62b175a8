package dblock

import (
	"slices"

	"github.com/teru01/lockdb/dbfile"
)

type PageLocks struct {
	Page      dbfile.PageID            `json:"-"`
	PageName  string                   `json:"page"`
	Exclusive bool                     `json:"exclusive"`
	Holders   []TransactionID          `json:"holders"`
	Pending   map[TransactionID]string `json:"pending,omitempty"`
}

// Snapshot describes every page that currently has holders or waiters,
// ordered by table and page number.
func (lm *LockManager) Snapshot() []PageLocks {
	lm.latch.Lock()
	defer lm.latch.Unlock()

	out := make([]PageLocks, 0, len(lm.pages))
	for pid, state := range lm.pages {
		holders := state.allLocksOnPage().ToSlice()
		pending := state.pendingRequests()
		if len(holders) == 0 && len(pending) == 0 {
			continue
		}
		slices.Sort(holders)
		entry := PageLocks{
			Page:      pid,
			PageName:  pid.String(),
			Exclusive: state.isExclusive(),
			Holders:   holders,
		}
		if len(pending) > 0 {
			entry.Pending = make(map[TransactionID]string, len(pending))
			for tid, mode := range pending {
				entry.Pending[tid] = mode.String()
			}
		}
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b PageLocks) int {
		return a.Page.Compare(b.Page)
	})
	return out
}
