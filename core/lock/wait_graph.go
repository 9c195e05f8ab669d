package lock

import "sync"

// WaitGraph tracks wait-for relationships between transactions. An edge from
// A to B means A is blocked on a lock currently held by B. Cycles in this
// graph are deadlocks.
type WaitGraph struct {
	mu    sync.RWMutex
	edges map[string]map[string]struct{}
}

// NewWaitGraph creates an empty wait-for graph.
func NewWaitGraph() *WaitGraph {
	return &WaitGraph{edges: make(map[string]map[string]struct{})}
}

// AddEdge records that waiter is blocked on holder. Self-edges are ignored.
func (g *WaitGraph) AddEdge(waiter, holder string) {
	if waiter == holder {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[string]struct{})
	}
	g.edges[waiter][holder] = struct{}{}
}

// RemoveWaiter drops every outgoing edge of the given transaction. Called
// when its blocked acquisition is granted or abandoned.
func (g *WaitGraph) RemoveWaiter(txnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, txnID)
}

// RemoveTransaction removes the transaction from the graph entirely, both as
// waiter and as holder.
func (g *WaitGraph) RemoveTransaction(txnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, txnID)
	for waiter, holders := range g.edges {
		delete(holders, txnID)
		if len(holders) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// Cycles returns every distinct cycle currently present in the graph, each
// as the list of transaction ids on the cycle. Detection is a depth-first
// traversal; a back-edge into the recursion stack marks a cycle.
func (g *WaitGraph) Cycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var cycles [][]string
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var dfs func(node string)
	dfs = func(node string) {
		visited[node] = true
		onStack[node] = true
		stack = append(stack, node)

		for next := range g.edges[node] {
			if !visited[next] {
				dfs(next)
			} else if onStack[next] {
				// Back-edge: the cycle is the stack suffix starting at next.
				for i, id := range stack {
					if id == next {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[node] = false
	}

	for node := range g.edges {
		if !visited[node] {
			dfs(node)
		}
	}
	return cycles
}

// Waiters returns the ids of all transactions with at least one outgoing
// edge, i.e. currently blocked on someone else's lock.
func (g *WaitGraph) Waiters() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.edges))
	for id := range g.edges {
		out = append(out, id)
	}
	return out
}
