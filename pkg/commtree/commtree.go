// Package commtree models the hierarchy of the target machine: a rooted
// tree whose leaves are the target blocks. Interior nodes carry child
// counts, memory capacity and relative compute speed, and drive the
// hierarchical k-means splitting.
package commtree

import (
	"github.com/cockroachdb/errors"
)

// Node is one vertex of the communication tree.
type Node struct {
	Children []*Node
	// Memory and Speed describe leaves (or aggregate over subtrees).
	Memory float64
	Speed  float64
}

// Tree is a rooted communication tree. Leaves are target blocks in
// left-to-right order.
type Tree struct {
	Root *Node
}

// NewFlat builds the homogeneous single-level tree: one root with k equal
// leaves. This is the non-hierarchical case.
func NewFlat(k int) *Tree {
	root := &Node{}
	for i := 0; i < k; i++ {
		root.Children = append(root.Children, &Node{Memory: 1, Speed: 1})
	}
	return &Tree{Root: root}
}

// NewUniform builds a tree with the given fan-out per level; the number of
// leaves is the product of all factors.
func NewUniform(factors []int) (*Tree, error) {
	if len(factors) == 0 {
		return nil, errors.New("empty factor list")
	}
	root := &Node{}
	level := []*Node{root}
	for _, f := range factors {
		if f < 1 {
			return nil, errors.Newf("invalid fan-out %d", f)
		}
		var next []*Node
		for _, n := range level {
			for i := 0; i < f; i++ {
				child := &Node{Memory: 1, Speed: 1}
				n.Children = append(n.Children, child)
				next = append(next, child)
			}
		}
		level = next
	}
	return &Tree{Root: root}, nil
}

// NumLevels returns the depth below the root.
func (t *Tree) NumLevels() int {
	depth := 0
	n := t.Root
	for len(n.Children) > 0 {
		depth++
		n = n.Children[0]
	}
	return depth
}

// NumLeaves returns the number of target blocks.
func (t *Tree) NumLeaves() int {
	return countLeaves(t.Root)
}

func countLeaves(n *Node) int {
	if len(n.Children) == 0 {
		return 1
	}
	total := 0
	for _, c := range n.Children {
		total += countLeaves(c)
	}
	return total
}

// Grouping returns, for hierarchy level l (root children are level 1), the
// child count of every node on level l in left-to-right order: the number
// of sub-blocks each existing block is split into.
func (t *Tree) Grouping(level int) []int {
	nodes := t.nodesAt(level - 1)
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = len(n.Children)
		if out[i] == 0 {
			out[i] = 1
		}
	}
	return out
}

// BalanceAt returns the relative capacity of every node on the given
// level, normalised to sum 1. Used as block size proportions.
func (t *Tree) BalanceAt(level int) []float64 {
	nodes := t.nodesAt(level)
	out := make([]float64, len(nodes))
	total := 0.0
	for i, n := range nodes {
		out[i] = subtreeSpeed(n)
		total += out[i]
	}
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}

func subtreeSpeed(n *Node) float64 {
	if len(n.Children) == 0 {
		if n.Speed > 0 {
			return n.Speed
		}
		return 1
	}
	s := 0.0
	for _, c := range n.Children {
		s += subtreeSpeed(c)
	}
	return s
}

func (t *Tree) nodesAt(level int) []*Node {
	nodes := []*Node{t.Root}
	for l := 0; l < level; l++ {
		var next []*Node
		for _, n := range nodes {
			if len(n.Children) == 0 {
				// short leaf: a block that stops splitting early stays
				next = append(next, n)
				continue
			}
			next = append(next, n.Children...)
		}
		nodes = next
	}
	return nodes
}
