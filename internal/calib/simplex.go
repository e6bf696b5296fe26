package calib

import "math/rand"

// walkFactors are the three centroid/pivot blend points tried on each
// hop, in addition to one noise point.
var walkFactors = [3]float64{-1.05, 0.45, 1.95}

// Simplex is a Nelder-Mead-style hill climber over a bounded box,
// maximizing a caller-supplied score function. It is intentionally
// small and deterministic: d+1 points, one hop at a time, a single
// seeded source of randomness for its exploration point.
type Simplex struct {
	lo, hi []float64
	points [][]float64
	rng    *rand.Rand
}

// NewSimplex builds a simplex of dimension len(lo) bounded by
// [lo[i], hi[i]), seeded for reproducible exploration.
func NewSimplex(lo, hi []float64, seed int64) *Simplex {
	s := &Simplex{lo: append([]float64(nil), lo...), hi: append([]float64(nil), hi...)}
	s.rng = rand.New(rand.NewSource(seed))
	s.points = canonicalSimplex(lo, hi)
	return s
}

func canonicalSimplex(lo, hi []float64) [][]float64 {
	d := len(lo)
	points := make([][]float64, d+1)
	for i := range points {
		points[i] = append([]float64(nil), lo...)
	}
	for n := 0; n < d; n++ {
		points[n+1][n] = hi[n]
	}
	return points
}

// Reset reinitializes the simplex to its canonical bounded shape.
func (s *Simplex) Reset() {
	s.points = canonicalSimplex(s.lo, s.hi)
}

// Dim returns the parameter dimension.
func (s *Simplex) Dim() int { return len(s.lo) }

func meanPoint(points [][]float64) []float64 {
	d := len(points[0])
	out := make([]float64, d)
	for _, p := range points {
		for i, v := range p {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float64(len(points))
	}
	return out
}

// expand blends pa and pb by factor f, wrapping the result back into
// the simplex's bounding box (the box is treated as periodic, matching
// the wrapped phase/sample parameters it holds).
func (s *Simplex) expand(pa, pb []float64, f float64) []float64 {
	out := make([]float64, len(pa))
	for i := range out {
		v := (1-f)*pa[i] + f*pb[i]
		w := s.hi[i] - s.lo[i]
		m := fmod(v-s.lo[i], w)
		if m < 0 {
			m += w
		}
		out[i] = m + s.lo[i]
	}
	return out
}

// noisePoint perturbs one random coordinate of mid by up to an eighth
// of that coordinate's range.
func (s *Simplex) noisePoint(mid []float64) []float64 {
	out := append([]float64(nil), mid...)
	idx := s.rng.Intn(len(out))
	width := s.hi[idx] - s.lo[idx]
	spread := width / 8
	v := out[idx] + s.rng.Float64()*2*spread - spread

	m := fmod(v-s.lo[idx], width)
	if m < 0 {
		m += width
	}
	out[idx] = m + s.lo[idx]
	return out
}

func rankByScore(points [][]float64, score func([]float64) float64) [][]float64 {
	ranked := append([][]float64(nil), points...)
	scores := make([]float64, len(ranked))
	for i, p := range ranked {
		scores[i] = score(p)
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && scores[j] < scores[j-1]; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
			scores[j], scores[j-1] = scores[j-1], scores[j]
		}
	}
	return ranked
}

func fmod(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	q := a / b
	return a - b*float64(int64(q))
}

// Hop runs one optimization step: it ranks the current simplex by
// score (ascending, worst first), reflects/expands the worst point
// through the centroid of the rest along each of walkFactors plus one
// random exploration point, and replaces the worst point with whichever
// candidate scores highest. It returns the new simplex centroid, the
// calibrator's best current estimate of the parameter vector.
func (s *Simplex) Hop(score func([]float64) float64) []float64 {
	ranked := rankByScore(s.points, score)
	worst := ranked[0]
	rest := ranked[1:]
	mid := meanPoint(rest)

	candidates := make([][]float64, 0, len(walkFactors)+1)
	for _, f := range walkFactors {
		candidates = append(candidates, s.expand(mid, worst, f))
	}
	candidates = append(candidates, s.noisePoint(mid))

	rankedCandidates := rankByScore(candidates, score)
	best := rankedCandidates[len(rankedCandidates)-1]

	s.points = append([][]float64{best}, rest...)
	return meanPoint(s.points)
}
