package commtree

import (
	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
)

// ExportGraph converts the tree into a replicated complete graph over its
// leaves; the weight of edge (a,b) is the hop distance between the leaves,
// a proxy for the communication cost between the two target blocks.
func (t *Tree) ExportGraph(c *comm.Comm) *graph.CSR {
	paths := leafPaths(t.Root, nil)
	k := len(paths)
	ia := make([]int, k+1)
	var ja []int
	var values []float64
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			if a == b {
				continue
			}
			ja = append(ja, b)
			values = append(values, float64(hopDistance(paths[a], paths[b])))
		}
		ia[a+1] = len(ja)
	}
	return &graph.CSR{RowDist: dist.NewReplicated(c, k), IA: ia, JA: ja, Values: values}
}

// leafPaths returns, per leaf in left-to-right order, the child indices
// from the root down to it.
func leafPaths(n *Node, prefix []int) [][]int {
	if len(n.Children) == 0 {
		return [][]int{append([]int(nil), prefix...)}
	}
	var out [][]int
	for i, child := range n.Children {
		out = append(out, leafPaths(child, append(prefix, i))...)
	}
	return out
}

func hopDistance(a, b []int) int {
	common := 0
	for common < len(a) && common < len(b) && a[common] == b[common] {
		common++
	}
	return (len(a) - common) + (len(b) - common)
}
