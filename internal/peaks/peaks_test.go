package peaks

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func gaussianBump(n, center int, height, width float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		x := float64(i-center) / width
		out[i] = height * math.Exp(-x*x)
	}
	return out
}

func TestFindPeaksCWTSinglePeak(t *testing.T) {
	signal := gaussianBump(256, 128, 10, 6)
	for i := range signal {
		signal[i] += 0.01 // baseline noise floor
	}

	peaks := FindPeaksCWT(signal, DefaultWidths, 1.0)
	require.NotEmpty(t, peaks)

	found := false
	for _, p := range peaks {
		if p >= 118 && p <= 138 {
			found = true
		}
	}
	require.True(t, found, "expected a peak near bin 128, got %v", peaks)
}

func TestFindSignalPointsRequiresAtLeastOnePeak(t *testing.T) {
	flat := make([]float32, 512)
	for i := range flat {
		flat[i] = 1
	}
	pts := FindSignalPoints(flat, 64, 256, DefaultWidths)
	require.Nil(t, pts)
}

func TestFindSignalPointsLocatesBump(t *testing.T) {
	mag := make([]float32, 512)
	bump := gaussianBump(512, 300, 50, 6)
	for i, v := range bump {
		mag[i] = float32(v) + 0.1
	}

	pts := FindSignalPoints(mag, 64, 400, DefaultWidths)
	require.NotEmpty(t, pts)

	within := false
	for _, iv := range pts {
		if iv.Start <= 300 && 300 < iv.End {
			within = true
		}
	}
	require.True(t, within, "expected an interval containing bin 300, got %v", pts)
}

func TestExpandHalfMaximum(t *testing.T) {
	band := gaussianBump(64, 32, 10, 4)
	s, e := expand(band, 32)
	require.Less(t, s, 32)
	require.Greater(t, e, 32)
	require.GreaterOrEqual(t, band[s], 5.0-1e-6)
	require.GreaterOrEqual(t, band[e-1], 5.0-1e-6)
}
