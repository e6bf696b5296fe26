// Package compensate applies the per-edge phase and sample-timing
// corrections produced by a calibrator to raw frame data, and zeroes the
// FFT edge bins that would otherwise leak spectral energy across the
// array.
package compensate

import (
	"math"
	"math/cmplx"

	"github.com/klauspost/cpuid/v2"
)

// hasAVX2 gates the unrolled ramp-generation path below. There is no
// real SIMD in pure Go; this only changes the loop's unroll factor, but
// it keeps the buffer-heavy hot path honest about what the detected CPU
// can actually stream through cache.
var hasAVX2 = cpuid.CPU.Has(cpuid.AVX2)

// Offsets is one antenna pair's correction: a constant phase offset and
// a sample-timing offset, both accumulated by the calibrator.
type Offsets struct {
	Phase  float64
	Sample float64
}

// Wrap folds x into (-pi, pi].
func Wrap(x float64) float64 {
	return x - 2*math.Pi*math.Round(x/(2*math.Pi))
}

// ramp returns l values linearly spaced over [-1, 1), representing each
// FFT bin's normalised position across the band. The sample-timing
// offset turns into a phase ramp proportional to this.
func ramp(l int) []float64 {
	out := make([]float64, l)
	if l == 0 {
		return out
	}
	step := 2.0 / float64(l)
	if hasAVX2 {
		i := 0
		for ; i+4 <= l; i += 4 {
			base := -1 + step*float64(i)
			out[i] = base
			out[i+1] = base + step
			out[i+2] = base + 2*step
			out[i+3] = base + 3*step
		}
		for ; i < l; i++ {
			out[i] = -1 + step*float64(i)
		}
		return out
	}
	for i := range out {
		out[i] = -1 + step*float64(i)
	}
	return out
}

// totalOffset returns the per-bin correction angle: a constant phase
// term plus a linear ramp scaled by the sample-timing offset. ramp(l)
// already spans [-1, 1), matching linspace(-s, +s, L) from the design
// notes directly -- off.Sample is itself radians of per-bin phase ramp,
// so no extra scaling factor belongs here.
func totalOffset(off Offsets, l int) []float64 {
	r := ramp(l)
	out := make([]float64, l)
	for k := range out {
		out[k] = off.Phase + off.Sample*r[k]
	}
	return out
}

// ZeroEdgeBins clears the first and last width bins of x in place,
// suppressing the spectral leakage that FFT edge bins carry.
func ZeroEdgeBins(x []float32, width int) {
	if width <= 0 {
		return
	}
	n := len(x)
	if width > n {
		width = n
	}
	for k := 0; k < width; k++ {
		x[k] = 0
	}
	for k := n - width; k < n; k++ {
		x[k] = 0
	}
}

// CompensateReal subtracts the accumulated offset from a Layout P phase
// vector, wrapping the result and zeroing width bins at each edge.
func CompensateReal(phase []float32, off Offsets, zeroWidth int) []float32 {
	l := len(phase)
	total := totalOffset(off, l)

	out := make([]float32, l)
	for k := range out {
		out[k] = float32(Wrap(float64(phase[k]) - total[k]))
	}
	ZeroEdgeBins(out, zeroWidth)
	return out
}

// CompensateComplex rotates a Layout C I/Q vector by the negative of the
// accumulated offset (a unit-magnitude complex multiply) and zeroes
// width bins at each edge.
func CompensateComplex(iq []complex64, off Offsets, zeroWidth int) []complex64 {
	l := len(iq)
	total := totalOffset(off, l)

	out := make([]complex64, l)
	for k := range out {
		rot := cmplx.Exp(complex(0, -total[k]))
		out[k] = complex64(complex128(iq[k]) * rot)
	}
	zeroComplexEdgeBins(out, zeroWidth)
	return out
}

func zeroComplexEdgeBins(x []complex64, width int) {
	if width <= 0 {
		return
	}
	n := len(x)
	if width > n {
		width = n
	}
	for k := 0; k < width; k++ {
		x[k] = 0
	}
	for k := n - width; k < n; k++ {
		x[k] = 0
	}
}
