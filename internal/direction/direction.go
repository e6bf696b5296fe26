// Package direction turns a frameset's per-edge phase vector into a
// pseudo-spectrum over bearing angles, using one of two interchangeable
// estimation modes, and scores how sharply that spectrum peaks.
package direction

import (
	"math"

	"github.com/hnez/sofi-frontend/internal/geometry"
)

// TwoPi is used throughout for angle-to-bin mapping.
const TwoPi = 2 * math.Pi

// Spectrum is a pseudo-spectrum sampled at AngleCount points evenly
// spaced over [-pi, pi).
type Spectrum []float64

// angleAt returns the bearing angle represented by bin i of an
// n-sample spectrum.
func angleAt(i, n int) float64 {
	return -math.Pi + TwoPi*float64(i)/float64(n)
}

// MatrixMode estimates the spectrum as the literal matrix-vector
// product M(λ)·phase: row a of M holds, for every edge e,
// dc_e·sin(φ_e+θ_a), the per-bin position-matrix entry from the data
// model; spectrum[a] is the dot product of that row with the measured
// edge phase vector.
//
// Steering matrices are cached by wavelength, since within one
// frequency-of-interest band every bin shares nearly the same
// wavelength and rebuilding the matrix per bin would dominate runtime.
type MatrixMode struct {
	edges      []geometry.Edge
	angleCount int
	cache      map[float64][][]float64
}

// NewMatrixMode builds a matrix-mode estimator over edges, sampling the
// spectrum at angleCount points.
func NewMatrixMode(edges []geometry.Edge, angleCount int) *MatrixMode {
	return &MatrixMode{
		edges:      edges,
		angleCount: angleCount,
		cache:      make(map[float64][][]float64),
	}
}

// steeringMatrix returns the angleCount x len(edges) position matrix
// M(wavelength), building and caching it on first use. Row a, column e
// is dc_e·sin(φ_e+θ_a) with dc_e = 2π·d_e/wavelength.
func (m *MatrixMode) steeringMatrix(wavelength float64) [][]float64 {
	if mat, ok := m.cache[wavelength]; ok {
		return mat
	}

	mat := make([][]float64, m.angleCount)
	for a := 0; a < m.angleCount; a++ {
		theta := angleAt(a, m.angleCount)
		row := make([]float64, len(m.edges))
		for e, edge := range m.edges {
			dc := geometry.KNorm * edge.D / wavelength
			row[e] = dc * math.Sin(edge.Phi+theta)
		}
		mat[a] = row
	}
	m.cache[wavelength] = mat
	return mat
}

// Spectrum multiplies the measured per-edge phase vector by M(wavelength).
func (m *MatrixMode) Spectrum(phase []float64, wavelength float64) Spectrum {
	mat := m.steeringMatrix(wavelength)
	out := make(Spectrum, m.angleCount)
	for a, row := range mat {
		var sum float64
		for e, v := range row {
			sum += v * phase[e]
		}
		out[a] = sum
	}
	return out
}

// PaintMode estimates the spectrum by painting a Gaussian at each
// edge's two angle hypotheses (a single phase difference is consistent
// with two bearings, mirrored across the edge's baseline) onto a
// doubled-width canvas and folding it back down onto angleCount bins,
// so a Gaussian that crosses +-pi lands on both sides of the wrap.
type PaintMode struct {
	edges      []geometry.Edge
	angleCount int
}

// NewPaintMode builds a paint-mode estimator over edges, sampling the
// spectrum at angleCount points.
func NewPaintMode(edges []geometry.Edge, angleCount int) *PaintMode {
	return &PaintMode{edges: edges, angleCount: angleCount}
}

// Spectrum paints every edge's two angle hypotheses, weighted by that
// edge's phase variance, onto the folded canvas and normalizes it.
func (p *PaintMode) Spectrum(phase, variance []float64, wavelength float64) Spectrum {
	n := p.angleCount
	canvas := make([]float64, 2*n)

	for e, edge := range p.edges {
		relWL := wavelength / (edge.D * geometry.KNorm)
		k := clamp(phase[e]*relWL, -1, 1)

		sigma := angleStddev(variance[e], relWL, k)
		sigmaBins := sigma / TwoPi * float64(n)
		if sigmaBins > float64(n)/8 {
			continue // too uncertain to be informative
		}

		phiRel := math.Acos(k)
		theta1 := edge.Phi + phiRel
		theta2 := edge.Phi - phiRel

		paintGaussian(canvas, theta1, sigmaBins, n)
		paintGaussian(canvas, theta2, sigmaBins, n)
	}

	out := make(Spectrum, n)
	var total float64
	for i := 0; i < n; i++ {
		out[i] = canvas[i] + canvas[i+n]
		total += out[i]
	}
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}

// angleStddev propagates the measured phase variance through
// acos(phase*relWL) to an angular standard deviation: d/dx acos(x) =
// -1/sqrt(1-x^2), and only the magnitude matters for a stddev.
func angleStddev(variance, relWL, k float64) float64 {
	const eps = 1e-6
	denom := math.Sqrt(math.Max(1-k*k, eps))
	return math.Sqrt(math.Max(variance, 0)) * relWL / denom
}

// paintGaussian adds a circular Gaussian of the given standard
// deviation (in canvas bins) centred at angle theta onto a 2n-wide
// canvas, where n == angleCount; the doubled width is what lets a
// Gaussian near +-pi spill into the fold region instead of clipping.
func paintGaussian(canvas []float64, theta, sigmaBins float64, n int) {
	if sigmaBins <= 0 {
		sigmaBins = 0.5
	}
	centerBin := (wrapPi(theta) + math.Pi) / TwoPi * float64(n)

	// Painting stops at +-4 sigma, where the Gaussian is exp(-8) (about
	// 3e-4) of its peak.
	span := int(math.Ceil(4 * sigmaBins))
	for d := -span; d <= span; d++ {
		bin := int(math.Round(centerBin)) + d
		wrapped := ((bin % (2 * n)) + 2*n) % (2 * n)
		x := float64(bin) - centerBin
		canvas[wrapped] += math.Exp(-0.5 * (x * x) / (sigmaBins * sigmaBins))
	}
}

func wrapPi(x float64) float64 {
	return x - TwoPi*math.Round(x/TwoPi)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Sharpness scores how concentrated a spectrum is around its peak: it
// recentres the spectrum on its maximum and applies a triangular
// weight that falls linearly to zero at the antipode, then returns the
// weighted fraction of total energy. A single sharp lobe at the peak
// scores close to 1; a flat spectrum scores close to 0.5.
func Sharpness(spectrum Spectrum) float64 {
	n := len(spectrum)
	if n == 0 {
		return 0
	}

	peak := 0
	for i, v := range spectrum {
		if v > spectrum[peak] {
			peak = i
		}
	}

	var num, den float64
	half := float64(n) / 2
	for i, v := range spectrum {
		d := circularDist(i, peak, n)
		w := 1 - float64(d)/half
		if w < 0 {
			w = 0
		}
		num += w * v
		den += v
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func circularDist(i, j, n int) int {
	d := i - j
	if d < 0 {
		d = -d
	}
	if d > n-d {
		d = n - d
	}
	return d
}
