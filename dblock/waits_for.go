package dblock

import (
	"slices"

	"github.com/teru01/lockdb/dbfile"
)

type waitRequest struct {
	pid  dbfile.PageID
	mode LockMode
}

// waitsForGraph maps a waiting transaction to the transactions it waits on.
// It is rebuilt from scratch for every check and never kept.
type waitsForGraph map[TransactionID][]TransactionID

// buildWaitsForLocked materializes the graph from every registered request and
// the current holders of the requested pages. lm.latch must be held.
func (lm *LockManager) buildWaitsForLocked() waitsForGraph {
	g := make(waitsForGraph, len(lm.waiting))
	for waiter, req := range lm.waiting {
		state, ok := lm.pages[req.pid]
		if !ok {
			continue
		}
		if blockers := state.blockers(waiter, req.mode); len(blockers) > 0 {
			g[waiter] = blockers
		}
	}
	return g
}

type dfsFrame struct {
	node TransactionID
	next int
}

// cycleFrom searches the graph depth first from start without recursion and
// returns the first cycle it finds, closing node repeated at both ends. It
// returns nil when no cycle is reachable.
func (g waitsForGraph) cycleFrom(start TransactionID) []TransactionID {
	visited := map[TransactionID]bool{start: true}
	onPath := map[TransactionID]bool{start: true}
	path := []TransactionID{start}
	stack := []dfsFrame{{node: start}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		edges := g[top.node]
		if top.next >= len(edges) {
			onPath[top.node] = false
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}
		next := edges[top.next]
		top.next++
		if next == top.node {
			continue
		}
		if onPath[next] {
			i := slices.Index(path, next)
			cycle := slices.Clone(path[i:])
			return append(cycle, next)
		}
		if visited[next] {
			continue
		}
		visited[next] = true
		onPath[next] = true
		path = append(path, next)
		stack = append(stack, dfsFrame{node: next})
	}
	return nil
}
