package calib

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hnez/sofi-frontend/internal/projector"
)

func TestPIDCalibratorConvergesOnConstantOffset(t *testing.T) {
	proj, err := projector.New(4)
	require.NoError(t, err)

	c := NewPIDCalibrator(proj, DefaultPhaseGains, DefaultSampleGains)

	// True antenna phase offsets (antenna 0 fixed at 0).
	trueOffset := []float64{0, 0.3, -0.2, 0.1}
	trueEdge := proj.Forward(trueOffset)

	for i := 0; i < 500; i++ {
		comp := c.Compensation()
		edgePhaseErr := make([]float64, len(trueEdge))
		for e := range edgePhaseErr {
			// residual = true offset minus what's already compensated
			edgePhaseErr[e] = trueEdge[e] - comp[e].Phase
		}
		sampleErr := make([]float64, len(trueEdge))
		require.NoError(t, c.Update(edgePhaseErr, sampleErr))
	}

	final := c.Compensation()
	for e := range final {
		require.InDeltaf(t, trueEdge[e], final[e].Phase, 0.05, "edge %d", e)
	}
}

func TestPIDCalibratorResetOnNaN(t *testing.T) {
	proj, err := projector.New(4)
	require.NoError(t, err)
	c := NewPIDCalibrator(proj, PIDGains{Kp: 1e300, Ki: 1e300, Kd: 1e300}, DefaultSampleGains)

	edgeErr := []float64{1e300, 1e300, 1e300, 1e300, 1e300, 1e300}
	zero := make([]float64, 6)
	err = c.Update(edgeErr, zero)
	require.ErrorIs(t, err, ErrNaN)
	for _, off := range c.Compensation() {
		require.False(t, math.IsNaN(off.Phase) || math.IsInf(off.Phase, 0))
		require.False(t, math.IsNaN(off.Sample) || math.IsInf(off.Sample, 0))
	}
}

func TestSimplexCalibratorStaysBounded(t *testing.T) {
	proj, err := projector.New(4)
	require.NoError(t, err)
	c := NewSimplexCalibrator(proj, math.Pi, 0)

	score := func(candidate []float64) float64 {
		var sum float64
		for _, v := range candidate {
			sum -= v * v
		}
		return sum
	}

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Update(score))
	}

	for _, off := range c.Compensation() {
		require.LessOrEqual(t, math.Abs(off.Phase), math.Pi+1e-6)
	}
}
