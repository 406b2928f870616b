package db

import "sort"

// WaitForGraph is a directed graph of blocked transactions: an edge a -> b
// means a waits for a lock b holds (or has queued ahead of a). Not safe for
// concurrent use; LockManager guards it with its own mutex.
type WaitForGraph struct {
	edges map[uint64]map[uint64]struct{}
}

// NewWaitForGraph creates an empty graph
func NewWaitForGraph() *WaitForGraph {
	return &WaitForGraph{edges: make(map[uint64]map[uint64]struct{})}
}

// SetEdges replaces the out-edges of waiter
func (g *WaitForGraph) SetEdges(waiter uint64, blockers []uint64) {
	if len(blockers) == 0 {
		delete(g.edges, waiter)
		return
	}
	out := make(map[uint64]struct{}, len(blockers))
	for _, b := range blockers {
		if b != waiter {
			out[b] = struct{}{}
		}
	}
	g.edges[waiter] = out
}

// ClearWaits removes the out-edges of txnID; it is no longer waiting
func (g *WaitForGraph) ClearWaits(txnID uint64) {
	delete(g.edges, txnID)
}

// RemoveNode removes txnID and every edge pointing at it
func (g *WaitForGraph) RemoveNode(txnID uint64) {
	delete(g.edges, txnID)
	for waiter, out := range g.edges {
		delete(out, txnID)
		if len(out) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// WaitsFor returns the sorted blockers of txnID
func (g *WaitForGraph) WaitsFor(txnID uint64) []uint64 {
	return sortedKeys(g.edges[txnID])
}

// Edges returns a copy of the graph
func (g *WaitForGraph) Edges() map[uint64][]uint64 {
	out := make(map[uint64][]uint64, len(g.edges))
	for waiter, blockers := range g.edges {
		out[waiter] = sortedKeys(blockers)
	}
	return out
}

// FindCycle runs a DFS from start and returns the members of the first cycle
// reachable from it, or nil. The cycle need not contain start.
func (g *WaitForGraph) FindCycle(start uint64) []uint64 {
	const (
		white = iota
		grey
		black
	)
	color := make(map[uint64]int)
	var stack []uint64
	var cycle []uint64

	var visit func(n uint64) bool
	visit = func(n uint64) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range sortedKeys(g.edges[n]) {
			switch color[next] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == next {
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	if !visit(start) {
		return nil
	}
	sort.Slice(cycle, func(i, j int) bool { return cycle[i] < cycle[j] })
	return cycle
}

// Youngest returns the highest transaction id in ids
func Youngest(ids []uint64) uint64 {
	var youngest uint64
	for _, id := range ids {
		if id > youngest {
			youngest = id
		}
	}
	return youngest
}

func sortedKeys(set map[uint64]struct{}) []uint64 {
	keys := make([]uint64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
