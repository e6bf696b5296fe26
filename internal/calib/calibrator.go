package calib

import (
	"math"

	"github.com/hnez/sofi-frontend/internal/compensate"
	"github.com/hnez/sofi-frontend/internal/projector"
)

// Calibrator produces the per-edge correction offsets applied by
// package compensate, and updates its internal state from measurements
// taken off the compensated spectrum each frameset.
type Calibrator interface {
	// Compensation returns the current per-edge offsets, in projector
	// edge order.
	Compensation() []compensate.Offsets
	// Reset zeroes all accumulated state.
	Reset()
}

// PIDCalibrator drives the offsets from noise-bin edge phase/sample
// errors using one PID loop per non-reference antenna, reached through
// the edge<->antenna projector.
type PIDCalibrator struct {
	proj *projector.Projector

	phasePID  []*PIDController
	samplePID []*PIDController

	phaseAcc  []float64 // len N, [0] == 0 always
	sampleAcc []float64
}

// NewPIDCalibrator builds a calibrator for proj.N antennas.
func NewPIDCalibrator(proj *projector.Projector, phaseGains, sampleGains PIDGains) *PIDCalibrator {
	n := proj.N
	c := &PIDCalibrator{
		proj:      proj,
		phasePID:  make([]*PIDController, n-1),
		samplePID: make([]*PIDController, n-1),
		phaseAcc:  make([]float64, n),
		sampleAcc: make([]float64, n),
	}
	for i := range c.phasePID {
		c.phasePID[i] = NewPIDController(phaseGains)
		c.samplePID[i] = NewPIDController(sampleGains)
	}
	return c
}

// Update feeds one frameset's per-edge phase and sample-timing errors,
// measured at the noise bins, through the projector and into each
// antenna's PID loops. It returns ErrNaN (after resetting) if any
// resulting offset is non-finite.
func (c *PIDCalibrator) Update(edgePhaseErr, edgeSampleErr []float64) error {
	antPhaseErr := c.proj.Reverse(edgePhaseErr)
	antSampleErr := c.proj.Reverse(edgeSampleErr)

	for i := 0; i < c.proj.N-1; i++ {
		c.phaseAcc[i+1] = compensate.Wrap(c.phasePID[i].Step(antPhaseErr[i+1]))
		c.sampleAcc[i+1] = c.samplePID[i].Step(antSampleErr[i+1])
	}

	if anyNonFinite(c.phaseAcc) || anyNonFinite(c.sampleAcc) {
		c.Reset()
		return ErrNaN
	}
	return nil
}

// Compensation implements Calibrator.
func (c *PIDCalibrator) Compensation() []compensate.Offsets {
	edgePhase := c.proj.Forward(c.phaseAcc)
	edgeSample := c.proj.Forward(c.sampleAcc)

	out := make([]compensate.Offsets, len(edgePhase))
	for e := range out {
		out[e] = compensate.Offsets{Phase: edgePhase[e], Sample: edgeSample[e]}
	}
	return out
}

// Reset implements Calibrator.
func (c *PIDCalibrator) Reset() {
	for i := range c.phasePID {
		c.phasePID[i].Reset()
		c.samplePID[i].Reset()
	}
	for i := range c.phaseAcc {
		c.phaseAcc[i] = 0
		c.sampleAcc[i] = 0
	}
}

func anyNonFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return true
		}
	}
	return false
}
