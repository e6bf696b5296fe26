// Package peaks locates noise bins (calibration anchors) and narrowband
// signal bins (directions of interest) in a magnitude spectrum using a
// continuous-wavelet peak finder.
package peaks

import "math"

// DefaultWidths are the wavelet test widths used by FindPeaksCWT when the
// caller has no strong opinion, linearly spaced between 14 and 18
// samples as suggested by the design notes.
var DefaultWidths = linspace(14, 18, 5)

// Interval is a contiguous bin range [Start, End).
type Interval struct {
	Start, End int
}

// FindSignalPoints locates narrowband peaks in mag restricted to
// [activeStart, activeEnd), expanding each peak outward while the signal
// stays above half the peak value. It requires at least one peak; if
// none is found the caller should keep using its previous set (this
// function just returns nil in that case).
func FindSignalPoints(mag []float32, activeStart, activeEnd int, widths []float64) []Interval {
	band := sliceActive(mag, activeStart, activeEnd)
	peakIdx := FindPeaksCWT(band, widths, 1.0)
	if len(peakIdx) == 0 {
		return nil
	}
	return expandAll(band, peakIdx, activeStart)
}

// FindNoisePoints locates magnitude troughs (peaks of 1/(mag+eps)) in
// the same active range. It requires at least three intervals; returns
// nil otherwise so the caller can retain its prior set.
func FindNoisePoints(mag []float32, activeStart, activeEnd int, widths []float64) []Interval {
	band := sliceActive(mag, activeStart, activeEnd)
	inv := make([]float64, len(band))
	const eps = 1e-9
	for i, v := range band {
		inv[i] = 1 / (v + eps)
	}
	peakIdx := FindPeaksCWT(inv, widths, 1.0)
	if len(peakIdx) < 3 {
		return nil
	}
	return expandAll(inv, peakIdx, activeStart)
}

func sliceActive(mag []float32, start, end int) []float64 {
	if start < 0 {
		start = 0
	}
	if end > len(mag) {
		end = len(mag)
	}
	if end <= start {
		return nil
	}
	out := make([]float64, end-start)
	for i := range out {
		out[i] = float64(mag[start+i])
	}
	return out
}

func expandAll(band []float64, peakIdx []int, offset int) []Interval {
	out := make([]Interval, 0, len(peakIdx))
	for _, idx := range peakIdx {
		s, e := expand(band, idx)
		out = append(out, Interval{Start: s + offset, End: e + offset})
	}
	return out
}

// expand grows [idx, idx+1) outward while the signal exceeds half of
// the peak value at idx.
func expand(band []float64, idx int) (int, int) {
	half := band[idx] / 2
	start, end := idx, idx+1
	for start > 0 && band[start-1] > half {
		start--
	}
	for end < len(band) && band[end] > half {
		end++
	}
	return start, end
}

// FindPeaksCWT is a simplified continuous-wavelet-transform peak finder
// in the style of scipy.signal.find_peaks_cwt: it builds a CWT matrix
// using a Ricker (Mexican hat) wavelet at each of widths, finds local
// maxima in each row, and keeps bins whose ridge line (a local maximum
// across a majority of widths, within one width's distance of its
// neighbour row) clears minSNR relative to that row's noise level.
// Peaks are returned in ascending bin order.
func FindPeaksCWT(signal []float64, widths []float64, minSNR float64) []int {
	n := len(signal)
	if n == 0 || len(widths) == 0 {
		return nil
	}

	rows := make([][]float64, len(widths))
	for i, w := range widths {
		rows[i] = cwtRow(signal, w)
	}

	// ridgeHits[k] counts, for bin k, how many rows have a local maximum
	// within w of k (w = the row's own width, used as the allowed
	// ridge wander distance between adjacent scales). ridgeScore[k] is the
	// strongest row response among the maxima located at k itself, so a
	// run of candidates collapses onto an actual maximum.
	ridgeHits := make([]int, n)
	ridgeScore := make([]float64, n)

	for ri, row := range rows {
		w := int(math.Round(widths[ri]))
		if w < 1 {
			w = 1
		}
		maxima := localMaxima(row, w)
		noise := madNoise(row)
		for _, idx := range maxima {
			if noise > 0 && row[idx]/noise < minSNR {
				continue
			}
			lo, hi := idx-w, idx+w
			if lo < 0 {
				lo = 0
			}
			if hi >= n {
				hi = n - 1
			}
			for k := lo; k <= hi; k++ {
				ridgeHits[k]++
			}
			if row[idx] > ridgeScore[idx] {
				ridgeScore[idx] = row[idx]
			}
		}
	}

	threshold := (len(widths) + 1) / 2
	var candidates []int
	for k := 0; k < n; k++ {
		if ridgeHits[k] >= threshold {
			candidates = append(candidates, k)
		}
	}
	return collapseRuns(candidates, ridgeScore)
}

// collapseRuns reduces runs of adjacent candidate bins to the single
// bin with the highest ridge score in that run.
func collapseRuns(candidates []int, score []float64) []int {
	if len(candidates) == 0 {
		return nil
	}
	var out []int
	runStart := 0
	for i := 1; i <= len(candidates); i++ {
		if i < len(candidates) && candidates[i] == candidates[i-1]+1 {
			continue
		}
		best := candidates[runStart]
		for j := runStart + 1; j < i; j++ {
			if score[candidates[j]] > score[best] {
				best = candidates[j]
			}
		}
		out = append(out, best)
		runStart = i
	}
	return out
}

// localMaxima returns local maxima in x (strictly above the left
// neighbour, not below the right one, so the first bin of a plateau
// counts), suppressing maxima that are within minDist samples of a
// stronger one.
func localMaxima(x []float64, minDist int) []int {
	var idx []int
	for i := range x {
		leftOK := i == 0 || x[i] > x[i-1]
		rightOK := i == len(x)-1 || x[i] >= x[i+1]
		if leftOK && rightOK {
			idx = append(idx, i)
		}
	}
	if minDist <= 1 {
		return idx
	}
	var kept []int
	for _, i := range idx {
		ok := true
		for _, k := range kept {
			if abs(i-k) < minDist {
				if x[i] > x[k] {
					// replace the weaker kept peak
					for n, kv := range kept {
						if kv == k {
							kept[n] = i
							break
						}
					}
				}
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, i)
		}
	}
	return kept
}

func madNoise(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += math.Abs(v)
	}
	return sum / float64(len(x))
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// cwtRow convolves signal with a Ricker wavelet scaled by width.
func cwtRow(signal []float64, width float64) []float64 {
	wavelet := rickerWavelet(int(math.Ceil(width*10)), width)
	half := len(wavelet) / 2

	out := make([]float64, len(signal))
	for i := range signal {
		var sum float64
		for k, wv := range wavelet {
			si := i + k - half
			if si < 0 || si >= len(signal) {
				continue
			}
			sum += signal[si] * wv
		}
		out[i] = sum
	}
	return out
}

// rickerWavelet returns the Mexican-hat wavelet of scale a sampled at
// `points` locations, matching scipy.signal.ricker.
func rickerWavelet(points int, a float64) []float64 {
	if points < 1 {
		points = 1
	}
	out := make([]float64, points)
	amp := 2.0 / (math.Sqrt(3*a) * math.Pow(math.Pi, 0.25))
	wsq := a * a
	for i := 0; i < points; i++ {
		x := float64(i) - float64(points-1)/2
		xsq := x * x
		mod := 1 - xsq/wsq
		gauss := math.Exp(-xsq / (2 * wsq))
		out[i] = amp * mod * gauss
	}
	return out
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	return out
}
