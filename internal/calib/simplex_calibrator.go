package calib

import (
	"github.com/hnez/sofi-frontend/internal/compensate"
	"github.com/hnez/sofi-frontend/internal/projector"
)

// SimplexCalibrator drives the offsets by hill-climbing a
// caller-supplied direction-sharpness score over a 2*(N-1)-dimensional
// parameter vector: the first N-1 entries are phase offsets, the next
// N-1 are sample-timing offsets, both bounded to [-pi, pi].
//
// The raw phase half of each simplex hop is smoothed through a
// frequency-drift accumulator before becoming the applied offset, so a
// single noisy hop doesn't immediately kick the compensated phase.
type SimplexCalibrator struct {
	proj    *projector.Projector
	simplex *Simplex

	phOld     []float64 // len N-1, last raw simplex phase output
	fqDrift   []float64 // len N-1, smoothed phase velocity
	phAcc     []float64 // len N, [0] == 0, applied phase offset
	smpAcc    []float64 // len N, [0] == 0, applied sample offset
	lastPoint []float64 // len 2*(N-1), the last accepted simplex hop
}

// NewSimplexCalibrator builds a calibrator for proj.N antennas with the
// simplex bounded to [-bound, bound] on every axis and seeded for
// reproducible exploration.
func NewSimplexCalibrator(proj *projector.Projector, bound float64, seed int64) *SimplexCalibrator {
	d := 2 * (proj.N - 1)
	lo := make([]float64, d)
	hi := make([]float64, d)
	for i := range lo {
		lo[i] = -bound
		hi[i] = bound
	}
	return &SimplexCalibrator{
		proj:      proj,
		simplex:   NewSimplex(lo, hi, seed),
		phOld:     make([]float64, proj.N-1),
		fqDrift:   make([]float64, proj.N-1),
		phAcc:     make([]float64, proj.N),
		smpAcc:    make([]float64, proj.N),
		lastPoint: make([]float64, d),
	}
}

// Score is a caller-supplied evaluator: given a candidate 2*(N-1)
// parameter vector, it decodes, applies, and scores it (typically by
// running the direction estimator and combining its sharpness with
// penalty terms). Higher is better.
type Score func(candidate []float64) float64

// Update runs one simplex hop against score and folds the resulting
// phase half through the drift accumulator. It returns ErrNaN (after
// resetting) if any resulting offset is non-finite.
func (c *SimplexCalibrator) Update(score Score) error {
	point := c.simplex.Hop(score)
	half := c.proj.N - 1

	for i := 0; i < half; i++ {
		phOff := point[i]
		c.fqDrift[i] = (127*c.fqDrift[i] + (phOff - c.phOld[i])) / 128
		c.phAcc[i+1] = compensate.Wrap(c.phAcc[i+1] + c.fqDrift[i])
		c.phOld[i] = phOff

		c.smpAcc[i+1] = point[half+i]
	}

	if anyNonFinite(c.phAcc) || anyNonFinite(c.smpAcc) || anyNonFinite(c.fqDrift) {
		c.Reset()
		return ErrNaN
	}

	copy(c.lastPoint, point)
	return nil
}

// LastPoint returns the parameter vector accepted by the most recent
// Update call (the zero vector before the first call), for use inside a
// Score closure's own jumpiness regularisation term.
func (c *SimplexCalibrator) LastPoint() []float64 {
	return c.lastPoint
}

// Decode splits a raw 2*(N-1) parameter vector into its phase and
// sample-timing halves, for use inside a Score closure.
func (c *SimplexCalibrator) Decode(point []float64) (phase, sample []float64) {
	half := c.proj.N - 1
	return point[:half], point[half:]
}

// Compensation implements Calibrator.
func (c *SimplexCalibrator) Compensation() []compensate.Offsets {
	edgePhase := c.proj.Forward(c.phAcc)
	edgeSample := c.proj.Forward(c.smpAcc)

	out := make([]compensate.Offsets, len(edgePhase))
	for e := range out {
		out[e] = compensate.Offsets{Phase: edgePhase[e], Sample: edgeSample[e]}
	}
	return out
}

// Reset implements Calibrator.
func (c *SimplexCalibrator) Reset() {
	c.simplex.Reset()
	for i := range c.phOld {
		c.phOld[i] = 0
		c.fqDrift[i] = 0
	}
	for i := range c.phAcc {
		c.phAcc[i] = 0
		c.smpAcc[i] = 0
	}
	for i := range c.lastPoint {
		c.lastPoint[i] = 0
	}
}
