package refinement

import (
	"sort"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/graph"
)

// Scheme is an ordered sequence of communication rounds. In round r, rank
// i works with Rounds[r][i]; a rank partnered with itself idles. Each
// round is a matching: partner(partner(i)) == i, no pair repeats across
// rounds, and every edge of the process graph appears in exactly one
// round.
type Scheme struct {
	Rounds [][]int
}

// NumRounds returns the number of colour steps.
func (s *Scheme) NumRounds() int { return len(s.Rounds) }

// DropZeroGain removes the rounds whose gain was zero, keeping the rest in
// order.
func (s *Scheme) DropZeroGain(gains []float64) *Scheme {
	out := &Scheme{}
	for i, round := range s.Rounds {
		if i < len(gains) && gains[i] == 0 {
			continue
		}
		out.Rounds = append(out.Rounds, round)
	}
	return out
}

// CommunicationScheme edge-colours the process graph and turns each colour
// class into one round. The colouring runs on rank 0 over the line graph
// and is broadcast, so every rank follows the identical schedule.
func CommunicationScheme(c *comm.Comm, g *graph.CSR) (*Scheme, error) {
	pe := graph.PEGraphReplicated(c, g)
	p := c.Size()

	var flat []int
	if c.Rank() == 0 {
		rounds := colourProcessGraph(pe, p)
		for _, round := range rounds {
			flat = append(flat, round...)
		}
	}
	flat = c.BroadcastInts(0, flat)
	if len(flat)%p != 0 {
		return nil, errors.Newf("schedule payload of %d entries does not split into rounds of %d", len(flat), p)
	}
	s := &Scheme{}
	for off := 0; off < len(flat); off += p {
		s.Rounds = append(s.Rounds, flat[off:off+p])
	}
	return s, nil
}

// colourProcessGraph extracts the edges of the replicated process graph,
// vertex-colours their line graph greedily in sorted edge order and
// converts each colour class into a partner vector. Greedy on the line
// graph yields a proper edge colouring; sorted order keeps it
// deterministic run to run.
func colourProcessGraph(pe *graph.CSR, p int) [][]int {
	type edge struct{ a, b int }
	var edges []edge
	for a := 0; a < p; a++ {
		cols, _ := pe.Row(a)
		for _, b := range cols {
			if b > a {
				edges = append(edges, edge{a: a, b: b})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].a != edges[j].a {
			return edges[i].a < edges[j].a
		}
		return edges[i].b < edges[j].b
	})

	// line graph: one node per process-graph edge, adjacent iff the edges
	// share an endpoint
	line := simple.NewUndirectedGraph()
	for i := range edges {
		line.AddNode(simple.Node(i))
	}
	for i := range edges {
		for j := i + 1; j < len(edges); j++ {
			if edges[i].a == edges[j].a || edges[i].a == edges[j].b ||
				edges[i].b == edges[j].a || edges[i].b == edges[j].b {
				line.SetEdge(simple.Edge{F: simple.Node(i), T: simple.Node(j)})
			}
		}
	}

	colours := make([]int, len(edges))
	numColours := 0
	for i := range edges {
		used := make(map[int]bool)
		it := line.From(int64(i))
		for it.Next() {
			j := int(it.Node().ID())
			if j < i {
				used[colours[j]] = true
			}
		}
		colour := 0
		for used[colour] {
			colour++
		}
		colours[i] = colour
		if colour+1 > numColours {
			numColours = colour + 1
		}
	}

	rounds := make([][]int, numColours)
	for r := range rounds {
		rounds[r] = make([]int, p)
		for i := range rounds[r] {
			rounds[r][i] = i
		}
	}
	for i, e := range edges {
		rounds[colours[i]][e.a] = e.b
		rounds[colours[i]][e.b] = e.a
	}
	return rounds
}
