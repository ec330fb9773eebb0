// Package fileio reads and writes graphs, coordinates and partitions. All
// reads are replicated: every rank parses the file and keeps the rows of
// its block.
package fileio

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
)

// ErrInput marks unreadable or malformed input files.
var ErrInput = errors.New("invalid input")

// ReadGraph parses a METIS or MatrixMarket adjacency file and distributes
// the rows block-wise. The optional node weight vector is empty when the
// file carries none.
func ReadGraph(c *comm.Comm, path, format string) (*graph.CSR, dist.FloatVec, error) {
	switch strings.ToLower(format) {
	case "", "metis":
		return readMETIS(c, path)
	case "matrixmarket", "mtx":
		return readMatrixMarket(c, path)
	}
	return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "unknown graph format %q", format)
}

func readMETIS(c *comm.Comm, path string) (*graph.CSR, dist.FloatVec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "open %s: %v", path, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<26)

	header, err := nextDataLine(sc)
	if err != nil {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: missing header", path)
	}
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: header needs N and E", path)
	}
	n, err1 := strconv.Atoi(fields[0])
	m, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || n < 1 {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: bad header %q", path, header)
	}
	hasEdgeWeights, hasNodeWeights := false, false
	if len(fields) >= 3 {
		fmtCode := fields[2]
		hasEdgeWeights = strings.HasSuffix(fmtCode, "1")
		hasNodeWeights = len(fmtCode) >= 2 && fmtCode[len(fmtCode)-2] == '1'
	}

	d := dist.NewBlock(c, n)
	var ia []int
	var ja []int
	var values []float64
	var nodeWeights []float64
	ia = append(ia, 0)
	edgeCount := 0
	for v := 0; v < n; v++ {
		// isolated vertices are legal: their line is empty
		line, err := nextVertexLine(sc)
		if err != nil {
			return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: vertex %d: %v", path, v+1, err)
		}
		fs := strings.Fields(line)
		pos := 0
		w := 1.0
		if hasNodeWeights {
			if len(fs) == 0 {
				return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: vertex %d: missing weight", path, v+1)
			}
			w, err = strconv.ParseFloat(fs[0], 64)
			if err != nil || w <= 0 {
				return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: vertex %d: bad weight", path, v+1)
			}
			pos = 1
		}
		local := d.IsLocal(v)
		if local && hasNodeWeights {
			nodeWeights = append(nodeWeights, w)
		}
		for pos < len(fs) {
			nbr, err := strconv.Atoi(fs[pos])
			if err != nil || nbr < 1 || nbr > n {
				return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: vertex %d: bad neighbour %q", path, v+1, fs[pos])
			}
			pos++
			ew := 1.0
			if hasEdgeWeights {
				if pos >= len(fs) {
					return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: vertex %d: missing edge weight", path, v+1)
				}
				ew, err = strconv.ParseFloat(fs[pos], 64)
				if err != nil {
					return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: vertex %d: bad edge weight", path, v+1)
				}
				pos++
			}
			edgeCount++
			if local {
				ja = append(ja, nbr-1)
				values = append(values, ew)
			}
		}
		if local {
			ia = append(ia, len(ja))
		}
	}
	if edgeCount != 2*m {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: header says %d edges, found %d entries", path, m, edgeCount)
	}
	g, err := graph.NewCSR(d, ia, ja, values)
	if err != nil {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: %v", path, err)
	}
	var weightVec dist.FloatVec
	if hasNodeWeights {
		weightVec = dist.FloatVec{Dist: d, Local: nodeWeights}
	}
	return g, weightVec, nil
}

func readMatrixMarket(c *comm.Comm, path string) (*graph.CSR, dist.FloatVec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "open %s: %v", path, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<26)

	line, err := nextDataLine(sc)
	if err != nil {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: empty file", path)
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: bad size line %q", path, line)
	}
	rows, _ := strconv.Atoi(fields[0])
	cols, _ := strconv.Atoi(fields[1])
	nnz, _ := strconv.Atoi(fields[2])
	if rows != cols || rows < 1 {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: adjacency must be square, got %dx%d", path, rows, cols)
	}

	type entry struct {
		col int
		val float64
	}
	adj := make(map[int][]entry)
	for e := 0; e < nnz; e++ {
		line, err := nextDataLine(sc)
		if err != nil {
			return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: entry %d: %v", path, e+1, err)
		}
		fs := strings.Fields(line)
		if len(fs) < 2 {
			return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: entry %d malformed", path, e+1)
		}
		i, err1 := strconv.Atoi(fs[0])
		j, err2 := strconv.Atoi(fs[1])
		if err1 != nil || err2 != nil || i < 1 || j < 1 || i > rows || j > rows {
			return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: entry %d out of range", path, e+1)
		}
		v := 1.0
		if len(fs) >= 3 {
			v, err = strconv.ParseFloat(fs[2], 64)
			if err != nil {
				return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: entry %d: bad value", path, e+1)
			}
		}
		if i == j {
			continue
		}
		adj[i-1] = append(adj[i-1], entry{col: j - 1, val: v})
		adj[j-1] = append(adj[j-1], entry{col: i - 1, val: v})
	}

	d := dist.NewBlock(c, rows)
	ia := []int{0}
	var ja []int
	var values []float64
	for lid := 0; lid < d.LocalSize(); lid++ {
		gid := d.Local2Global(lid)
		list := adj[gid]
		sort.Slice(list, func(a, b int) bool { return list[a].col < list[b].col })
		for _, e := range list {
			ja = append(ja, e.col)
			values = append(values, e.val)
		}
		ia = append(ia, len(ja))
	}
	g, err := graph.NewCSR(d, ia, ja, values)
	if err != nil {
		return nil, dist.FloatVec{}, errors.Wrapf(ErrInput, "%s: %v", path, err)
	}
	return g, dist.FloatVec{}, nil
}

// ReadCoords parses one point per line, dims floats each, distributed like
// the graph rows.
func ReadCoords(c *comm.Comm, path string, n, dims int) ([]dist.FloatVec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInput, "open %s: %v", path, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<26)

	d := dist.NewBlock(c, n)
	coords := make([]dist.FloatVec, dims)
	for dd := range coords {
		coords[dd] = dist.FloatVec{Dist: d, Local: make([]float64, 0, d.LocalSize())}
	}
	for v := 0; v < n; v++ {
		line, err := nextDataLine(sc)
		if err != nil {
			return nil, errors.Wrapf(ErrInput, "%s: point %d: %v", path, v+1, err)
		}
		fs := strings.Fields(line)
		if len(fs) < dims {
			return nil, errors.Wrapf(ErrInput, "%s: point %d has %d coordinates, need %d", path, v+1, len(fs), dims)
		}
		if !d.IsLocal(v) {
			continue
		}
		for dd := 0; dd < dims; dd++ {
			x, err := strconv.ParseFloat(fs[dd], 64)
			if err != nil {
				return nil, errors.Wrapf(ErrInput, "%s: point %d: bad coordinate %q", path, v+1, fs[dd])
			}
			coords[dd].Local = append(coords[dd].Local, x)
		}
	}
	return coords, nil
}

// WritePartition gathers the distributed partition on rank 0 and writes
// one block id per line in global order.
func WritePartition(c *comm.Comm, path string, part dist.IntVec) error {
	pairs := make([]int, 0, 2*len(part.Local))
	for lid, b := range part.Local {
		pairs = append(pairs, part.Dist.Local2Global(lid), b)
	}
	gathered := c.GatherInts(0, pairs)
	if c.Rank() != 0 {
		return nil
	}
	values := make([]int, part.Dist.GlobalSize())
	for _, chunk := range gathered {
		for i := 0; i < len(chunk); i += 2 {
			values[chunk[i]] = chunk[i+1]
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(ErrInput, "create %s: %v", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, b := range values {
		fmt.Fprintln(w, b)
	}
	return w.Flush()
}

// WriteGraph writes a replicated graph (such as the block graph) in METIS
// format on rank 0.
func WriteGraph(c *comm.Comm, path string, g *graph.CSR) error {
	if c.Rank() != 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(ErrInput, "create %s: %v", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	edges := 0
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		cols, _ := g.Row(lid)
		for _, col := range cols {
			if col != g.RowDist.Local2Global(lid) {
				edges++
			}
		}
	}
	fmt.Fprintf(w, "%d %d 001\n", g.NumLocalRows(), edges/2)
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		cols, vals := g.Row(lid)
		var parts []string
		for j, col := range cols {
			if col == g.RowDist.Local2Global(lid) {
				continue
			}
			parts = append(parts, strconv.Itoa(col+1), strconv.FormatFloat(vals[j], 'g', -1, 64))
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
	}
	return w.Flush()
}

// WriteDebugCoords writes annotated coordinates: each line holds the point
// followed by its block id. Gathered on rank 0 in global order.
func WriteDebugCoords(c *comm.Comm, path string, coords []dist.FloatVec, part dist.IntVec) error {
	dims := len(coords)
	n := part.Dist.GlobalSize()
	ints := make([]int, 0, 2*len(part.Local))
	floats := make([]float64, 0, dims*len(part.Local))
	for lid, b := range part.Local {
		ints = append(ints, part.Dist.Local2Global(lid), b)
		for d := 0; d < dims; d++ {
			floats = append(floats, coords[d].Local[lid])
		}
	}
	gi := c.GatherInts(0, ints)
	gf := gatherFloats(c, floats)
	if c.Rank() != 0 {
		return nil
	}
	blocks := make([]int, n)
	points := make([][]float64, n)
	for r := range gi {
		fi := 0
		for i := 0; i < len(gi[r]); i += 2 {
			gid := gi[r][i]
			blocks[gid] = gi[r][i+1]
			points[gid] = gf[r][fi : fi+dims]
			fi += dims
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(ErrInput, "create %s: %v", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for gid := 0; gid < n; gid++ {
		var parts []string
		for _, x := range points[gid] {
			parts = append(parts, strconv.FormatFloat(x, 'g', -1, 64))
		}
		parts = append(parts, strconv.Itoa(blocks[gid]))
		fmt.Fprintln(w, strings.Join(parts, " "))
	}
	return w.Flush()
}

func gatherFloats(c *comm.Comm, x []float64) [][]float64 {
	all := c.AllGatherFloats(x)
	if c.Rank() != 0 {
		return nil
	}
	return all
}

// nextVertexLine returns the next non-comment line, empty lines included.
func nextVertexLine(sc *bufio.Scanner) (string, error) {
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("unexpected end of file")
}

func nextDataLine(sc *bufio.Scanner) (string, error) {
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("unexpected end of file")
}
