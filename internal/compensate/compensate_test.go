package compensate

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWrapRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		x := rapid.Float64Range(-1000, 1000).Draw(rt, "x")
		w := Wrap(x)
		if w <= -math.Pi-1e-9 || w > math.Pi+1e-9 {
			rt.Fatalf("wrap(%v) = %v out of (-pi, pi]", x, w)
		}
	})
}

func TestWrapIdentityNearZero(t *testing.T) {
	require.InDelta(t, 0.5, Wrap(0.5), 1e-12)
}

func TestCompensateRealWrapsAndZeroesEdges(t *testing.T) {
	l := 64
	phase := make([]float32, l)
	for i := range phase {
		phase[i] = 3.1 // close to pi, offset should push some past it
	}

	out := CompensateReal(phase, Offsets{Phase: 0.5, Sample: 0}, 8)
	for i, v := range out {
		if i < 8 || i >= l-8 {
			require.Zero(t, v)
			continue
		}
		require.LessOrEqual(t, float64(v), math.Pi+1e-6)
		require.Greater(t, float64(v), -math.Pi-1e-6)
	}
}

func TestCompensateComplexRotatesAndZeroesEdges(t *testing.T) {
	l := 32
	iq := make([]complex64, l)
	for i := range iq {
		iq[i] = complex64(cmplx.Rect(1, 0))
	}

	out := CompensateComplex(iq, Offsets{Phase: math.Pi / 2, Sample: 0}, 4)
	require.Zero(t, out[0])
	require.Zero(t, out[l-1])

	mid := out[l/2]
	require.InDelta(t, 0, real(mid), 1e-5)
	require.InDelta(t, -1, imag(mid), 1e-5)
}

func TestCompensateRealSampleOffsetMatchesRampBasisDirectly(t *testing.T) {
	l := 8
	phase := make([]float32, l)

	out := CompensateReal(phase, Offsets{Phase: 0, Sample: 1}, 0)
	for k := 0; k < l; k++ {
		r := -1 + 2*float64(k)/float64(l)
		want := Wrap(-r)
		require.InDelta(t, want, float64(out[k]), 1e-6)
	}
}

func TestZeroEdgeBinsWidthLargerThanSlice(t *testing.T) {
	x := []float32{1, 2, 3}
	ZeroEdgeBins(x, 10)
	for _, v := range x {
		require.Zero(t, v)
	}
}
