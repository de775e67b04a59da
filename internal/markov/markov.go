// Package markov parses and drives the finite Markov chain used by
// UDP/TCP senders to vary per-packet payload length, and mirrors the
// same graph on the receive side to classify observed lengths.
//
// Description grammar: "<len1|p11,p12,...,p1n<len2|...<lenN|...",
// one "<len|row" clause per node, each row a comma-separated list of
// n transition probabilities whose cumulative sum must reach 1
// within FloatTolerance.
package markov

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// FloatTolerance is the epsilon used when comparing cumulative
// probabilities against 0 or 1, matching the original's
// FLOATTOLERANCE.
const FloatTolerance = 1e-5

type entry struct {
	nodeLen         int
	adjacentNodeLen int
	transitionCnt   uint64
	prob            float64
	probCumulative  float64
}

// Graph is a parsed, row-stochastic Markov chain over a set of integer
// lengths.
type Graph struct {
	nodeLens []int
	rows     [][]entry

	curRow int

	transitionCnt uint64
	unknownCnt    uint64
	nodeKnown     bool

	rnd *rand.Rand
}

func floatEqualZero(v float64) bool {
	return abs(v) < FloatTolerance
}

func floatLessThanZero(v float64) bool {
	return v < 0
}

func floatLessThanOne(v float64) bool {
	return (1.0 - v) > FloatTolerance
}

func floatGreaterThanOne(v float64) bool {
	return (v - 1.0) > FloatTolerance
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Parse builds a Graph from a "<len|p,p,...<len|..." description. It
// rejects malformed input: non-numeric lengths/probabilities,
// probabilities outside [0,1], or any row whose cumulative
// probability doesn't land on 1 within FloatTolerance.
func Parse(desc string) (*Graph, error) {
	desc = strings.ReplaceAll(desc, " ", "")
	clauses := strings.Split(desc, "<")
	var rowsRaw []string
	for _, c := range clauses {
		if c == "" {
			continue
		}
		rowsRaw = append(rowsRaw, c)
	}
	n := len(rowsRaw)
	if n == 0 {
		return nil, fmt.Errorf("markov: empty chain description")
	}

	g := &Graph{
		rows:     make([][]entry, n),
		nodeLens: make([]int, n),
		rnd:      rand.New(rand.NewSource(1)),
	}

	for rowIdx, clause := range rowsRaw {
		parts := strings.SplitN(clause, "|", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("markov: row %d missing '|' separator", rowIdx)
		}
		nodeLen, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("markov: row %d invalid node length %q: %w", rowIdx, parts[0], err)
		}
		g.nodeLens[rowIdx] = nodeLen

		probStrs := strings.Split(parts[1], ",")
		if len(probStrs) != n {
			return nil, fmt.Errorf("markov: row %d has %d columns, want %d", rowIdx, len(probStrs), n)
		}

		row := make([]entry, n)
		prevTotal := 0.0
		for col, ps := range probStrs {
			p, err := strconv.ParseFloat(ps, 64)
			if err != nil {
				return nil, fmt.Errorf("markov: row %d col %d invalid probability %q: %w", rowIdx, col, ps, err)
			}
			if floatLessThanZero(p) || floatGreaterThanOne(p) {
				return nil, fmt.Errorf("markov: row %d col %d probability %f out of [0,1]", rowIdx, col, p)
			}
			cum := prevTotal
			if !floatEqualZero(p) {
				cum = p + prevTotal
			}
			if floatGreaterThanOne(cum) {
				return nil, fmt.Errorf("markov: row %d cumulative probability %f exceeds 1", rowIdx, cum)
			}
			row[col] = entry{nodeLen: nodeLen, prob: p, probCumulative: cum}
			prevTotal = cum
		}
		if floatLessThanOne(row[n-1].probCumulative) {
			return nil, fmt.Errorf("markov: row %d cumulative probability %f is less than 1", rowIdx, row[n-1].probCumulative)
		}
		g.rows[rowIdx] = row
	}

	for col := 0; col < n; col++ {
		for row := 0; row < n; row++ {
			g.rows[row][col].adjacentNodeLen = g.nodeLens[col]
		}
	}

	return g, nil
}

// Next draws a uniform u in [0,1), locates the first column whose
// cumulative probability is >= u, advances past any zero-probability
// columns, updates the current row and returns the length of the new
// row.
func (g *Graph) Next() int {
	g.transitionCnt++
	row := g.rows[g.curRow]
	u := g.rnd.Float64()

	ix := 0
	for ix < len(row) && row[ix].probCumulative < u {
		ix++
	}
	if ix >= len(row) {
		ix = len(row) - 1
	}
	for ix < len(row)-1 && floatEqualZero(row[ix].prob) {
		ix++
	}

	row[ix].transitionCnt++
	g.curRow = ix
	return g.rows[g.curRow][0].nodeLen
}

// CountEdgeTransition is the receive-side mirror of Next: it classifies
// an observed length into the graph, counting it as "unknown" when it
// cannot be matched to an edge from the current row (or to any node
// when the current row is not yet known).
func (g *Graph) CountEdgeTransition(observedLen int) bool {
	g.transitionCnt++

	if !g.nodeKnown {
		for ix, nodeLen := range g.nodeLens {
			if nodeLen == observedLen {
				g.nodeKnown = true
				g.curRow = ix
				return true
			}
		}
		g.unknownCnt++
		return false
	}

	row := g.rows[g.curRow]
	for ix := range row {
		if row[ix].adjacentNodeLen == observedLen {
			row[ix].transitionCnt++
			g.curRow = ix
			return true
		}
	}
	g.unknownCnt++
	g.nodeKnown = false
	return false
}

// SetSeed reseeds the generator driving Next, for reproducible tests.
func (g *Graph) SetSeed(seed int64) {
	g.rnd = rand.New(rand.NewSource(seed))
}

// TransitionCount returns the total number of Next/CountEdgeTransition
// calls observed.
func (g *Graph) TransitionCount() uint64 {
	return g.transitionCnt
}

// UnknownCount returns the number of observed lengths that could not
// be classified by CountEdgeTransition.
func (g *Graph) UnknownCount() uint64 {
	return g.unknownCnt
}
