// Package projector holds the fixed linear maps between per-antenna
// error vectors and per-edge error vectors described in the design's
// edge/antenna projector component.
package projector

import (
	"errors"
	"fmt"
)

// ErrSingular is returned when the reduced effect matrix cannot be
// inverted for the requested antenna count.
var ErrSingular = errors.New("projector: singular reduced effect matrix")

// Edge is an antenna index pair, i < j, in canonical lexicographic order.
type Edge struct{ I, J int }

// Projector holds the forward (antenna->edge) effect matrix and the
// inverse reduction (edge->antenna) built from it. Antenna 0 is always
// the implicit zero-error reference.
type Projector struct {
	N     int
	Edges []Edge

	// pseudoInv has shape (N-1) x E: x[1:] = pseudoInv . y
	pseudoInv [][]float64
}

// New builds the projector for an n-antenna array (n >= 2). It is cheap
// enough to call once at startup and is logically immutable afterwards.
func New(n int) (*Projector, error) {
	if n < 2 {
		return nil, fmt.Errorf("projector: need at least 2 antennas, got %d", n)
	}

	edges := canonicalEdges(n)
	e := len(edges)

	// Â: the forward effect matrix with antenna-0's column dropped,
	// shape E x (n-1). Â[e,k] = +1 if column k+1 == i, -1 if == j.
	ahat := make([][]float64, e)
	for row, edge := range edges {
		ahat[row] = make([]float64, n-1)
		if edge.I > 0 {
			ahat[row][edge.I-1] = 1
		}
		if edge.J > 0 {
			ahat[row][edge.J-1] = -1
		}
	}

	var pseudoInv [][]float64
	var err error
	if n == 4 {
		// Closed-form shortcut: for N=4 (E=6) the six edge rows fold
		// pairwise (0+3, 1+4, 2+5) into a square 3x3 system before
		// inversion. This is the literal construction the calibrator
		// has always used for the target array size.
		pseudoInv, err = foldedPseudoInverse(ahat)
	} else {
		// General N: the same least-squares reduction, written as the
		// normal-equations pseudo-inverse (ÂᵀÂ)⁻¹Âᵀ. For a connected
		// graph's incidence-style Â this is a left inverse of Â, so the
		// round-trip contract (reverse(forward(x)) == x) still holds
		// exactly; it just isn't the hand-folded 3x3 shortcut.
		pseudoInv, err = normalEquationsPseudoInverse(ahat)
	}
	if err != nil {
		return nil, err
	}

	return &Projector{N: n, Edges: edges, pseudoInv: pseudoInv}, nil
}

func canonicalEdges(n int) []Edge {
	edges := make([]Edge, 0, NumEdges(n))
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			edges = append(edges, Edge{I: i, J: j})
		}
	}
	return edges
}

// NumEdges returns N*(N-1)/2.
func NumEdges(n int) int { return n * (n - 1) / 2 }

// Forward maps a per-antenna error vector (len N, x[0] must be 0) to the
// per-edge error vector (len E): y[e] = x[i] - x[j] for edge e=(i,j).
func (p *Projector) Forward(x []float64) []float64 {
	y := make([]float64, len(p.Edges))
	for e, edge := range p.Edges {
		y[e] = x[edge.I] - x[edge.J]
	}
	return y
}

// Reverse maps a per-edge error vector (len E) back to a per-antenna
// error vector (len N, with x[0] == 0 by definition).
func (p *Projector) Reverse(y []float64) []float64 {
	x := make([]float64, p.N)
	for i := 0; i < p.N-1; i++ {
		var sum float64
		row := p.pseudoInv[i]
		for k, v := range row {
			sum += v * y[k]
		}
		x[i+1] = sum
	}
	return x
}

// foldedPseudoInverse implements the spec's N=4 shortcut: fold the six
// edge rows of Â into a 3x3 matrix à by summing rows 0..2 with rows
// 3..5, invert Ã, and reuse that inverse against the same folded
// combination of y at Reverse time.
func foldedPseudoInverse(ahat [][]float64) ([][]float64, error) {
	const half = 3
	atilde := make([][]float64, half)
	for i := 0; i < half; i++ {
		atilde[i] = make([]float64, half)
		for k := 0; k < half; k++ {
			atilde[i][k] = ahat[i][k] + ahat[i+half][k]
		}
	}

	inv, err := invert(atilde)
	if err != nil {
		return nil, err
	}

	// Reverse(y) first folds y: ỹ[i] = y[i] + y[i+3], then x[1:] = Ã⁻¹ỹ.
	// Expressed as a direct (N-1) x E matrix that is equivalent to
	// inv * fold(y): pseudoInv[i][k] = inv[i][k%3] (k<3 and k>=3 fold
	// into the same column).
	pseudoInv := make([][]float64, half)
	for i := 0; i < half; i++ {
		pseudoInv[i] = make([]float64, 2*half)
		for k := 0; k < half; k++ {
			pseudoInv[i][k] = inv[i][k]
			pseudoInv[i][k+half] = inv[i][k]
		}
	}
	return pseudoInv, nil
}

// normalEquationsPseudoInverse computes (ÂᵀÂ)⁻¹Âᵀ for an E x (n-1)
// matrix Â, producing an (n-1) x E left-inverse.
func normalEquationsPseudoInverse(ahat [][]float64) ([][]float64, error) {
	e := len(ahat)
	if e == 0 {
		return nil, ErrSingular
	}
	d := len(ahat[0])

	m := make([][]float64, d)
	for i := range m {
		m[i] = make([]float64, d)
	}
	for row := 0; row < e; row++ {
		for i := 0; i < d; i++ {
			if ahat[row][i] == 0 {
				continue
			}
			for k := 0; k < d; k++ {
				m[i][k] += ahat[row][i] * ahat[row][k]
			}
		}
	}

	minv, err := invert(m)
	if err != nil {
		return nil, err
	}

	pseudoInv := make([][]float64, d)
	for i := 0; i < d; i++ {
		pseudoInv[i] = make([]float64, e)
		for row := 0; row < e; row++ {
			var sum float64
			for k := 0; k < d; k++ {
				sum += minv[i][k] * ahat[row][k]
			}
			pseudoInv[i][row] = sum
		}
	}
	return pseudoInv, nil
}

// invert computes the inverse of a square matrix via Gauss-Jordan
// elimination with partial pivoting. It is only ever called once per
// Projector at startup, so clarity wins over speed.
func invert(a [][]float64) ([][]float64, error) {
	n := len(a)

	aug := make([][]float64, n)
	for i := range aug {
		aug[i] = make([]float64, 2*n)
		copy(aug[i], a[i])
		aug[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivot := col
		best := abs(aug[col][col])
		for row := col + 1; row < n; row++ {
			if v := abs(aug[row][col]); v > best {
				pivot, best = row, v
			}
		}
		if best < 1e-12 {
			return nil, ErrSingular
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]

		pv := aug[col][col]
		for k := range aug[col] {
			aug[col][k] /= pv
		}
		for row := 0; row < n; row++ {
			if row == col {
				continue
			}
			factor := aug[row][col]
			if factor == 0 {
				continue
			}
			for k := range aug[row] {
				aug[row][k] -= factor * aug[col][k]
			}
		}
	}

	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = append([]float64(nil), aug[i][n:]...)
	}
	return inv, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
