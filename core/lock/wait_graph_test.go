package lock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaitGraph_NoCycleOnChain(t *testing.T) {
	g := NewWaitGraph()
	g.AddEdge("t1", "t2")
	g.AddEdge("t2", "t3")

	require.Empty(t, g.Cycles())
	require.ElementsMatch(t, []string{"t1", "t2"}, g.Waiters())
}

func TestWaitGraph_TwoCycle(t *testing.T) {
	g := NewWaitGraph()
	g.AddEdge("t1", "t2")
	g.AddEdge("t2", "t1")

	cycles := g.Cycles()
	require.Len(t, cycles, 1)
	require.ElementsMatch(t, []string{"t1", "t2"}, cycles[0])
}

func TestWaitGraph_ThreeCycleWithTail(t *testing.T) {
	g := NewWaitGraph()
	g.AddEdge("t1", "t2")
	g.AddEdge("t2", "t3")
	g.AddEdge("t3", "t1")
	g.AddEdge("t4", "t1") // tail, not part of the cycle

	cycles := g.Cycles()
	require.Len(t, cycles, 1)
	require.ElementsMatch(t, []string{"t1", "t2", "t3"}, cycles[0])
}

func TestWaitGraph_SelfEdgeIgnored(t *testing.T) {
	g := NewWaitGraph()
	g.AddEdge("t1", "t1")
	require.Empty(t, g.Cycles())
	require.Empty(t, g.Waiters())
}

func TestWaitGraph_RemoveTransactionBreaksCycle(t *testing.T) {
	g := NewWaitGraph()
	g.AddEdge("t1", "t2")
	g.AddEdge("t2", "t1")
	require.Len(t, g.Cycles(), 1)

	g.RemoveTransaction("t2")
	require.Empty(t, g.Cycles())
	require.Empty(t, g.Waiters())
}

func TestWaitGraph_RemoveWaiterKeepsIncomingEdges(t *testing.T) {
	g := NewWaitGraph()
	g.AddEdge("t1", "t2")
	g.AddEdge("t2", "t1")

	g.RemoveWaiter("t1")
	require.Empty(t, g.Cycles())
	// t2 still waits on t1.
	require.Equal(t, []string{"t2"}, g.Waiters())
}
