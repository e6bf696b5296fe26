// Package pipeline wires the geometry, projector, frame reader,
// compensator, calibrator and direction estimator into the per-frameset
// streaming loop: read, compensate, emit, estimate direction, measure
// residual error, update the calibrator, and periodically refresh the
// noise/signal bin sets.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/log"

	"github.com/hnez/sofi-frontend/internal/calib"
	"github.com/hnez/sofi-frontend/internal/compensate"
	"github.com/hnez/sofi-frontend/internal/direction"
	"github.com/hnez/sofi-frontend/internal/frame"
	"github.com/hnez/sofi-frontend/internal/geometry"
	"github.com/hnez/sofi-frontend/internal/monitor"
	"github.com/hnez/sofi-frontend/internal/peaks"
	"github.com/hnez/sofi-frontend/internal/projector"
)

// Strategy selects which calibration strategy drives the compensator.
type Strategy int

const (
	StrategyPID Strategy = iota
	StrategySimplex
)

// DirectionMode selects which direction estimator backs the spectra
// emitted for each frequency of interest.
type DirectionMode int

const (
	DirectionMatrix DirectionMode = iota
	DirectionPaint
)

// Config is everything the pipeline needs to run: array geometry, frame
// format, calibration strategy and its tuning, and output shaping.
type Config struct {
	Antennas []geometry.Point
	L        int
	FqLow    float64
	FqHigh   float64
	Layout   frame.Layout
	Crop     bool

	// FOIs are the frequencies of interest (Hz) a direction spectrum is
	// emitted for every frameset.
	FOIs []float64

	Strategy     Strategy
	PhaseGains   calib.PIDGains
	SampleGains  calib.PIDGains
	SimplexBound float64
	SimplexSeed  int64

	DirMode       DirectionMode
	AngleCount    int
	EdgeZeroWidth int

	// RefreshEvery is how many framesets elapse between noise/signal
	// point re-detections. Zero disables periodic refresh: detection then
	// runs every frameset only until both point sets have been found.
	RefreshEvery int
	PeakWidths   []float64

	Monitor *monitor.Hub
}

// ErrGeometryDegenerate, ErrSingularProjector and ErrNumericNaN mirror
// the underlying package errors so callers only need to import
// pipeline's error set.
var (
	ErrGeometryDegenerate = geometry.ErrDegenerate
	ErrSingularProjector  = projector.ErrSingular
	ErrNumericNaN         = calib.ErrNaN
	ErrInputTruncated     = frame.ErrTruncated
)

// Pipeline is one streaming instance: one input reader, one output
// writer, one array geometry, one calibrator.
type Pipeline struct {
	cfg    Config
	arr    *geometry.Array
	proj   *projector.Projector
	reader *frame.Reader
	w      io.Writer

	calibrator calib.Calibrator
	matrixMode *direction.MatrixMode
	paintMode  *direction.PaintMode

	noisePoints  []peaks.Interval
	signalPoints []peaks.Interval

	frameCount int
	foiWavelen []float64
	foiBins    []int
	logger     *log.Logger
}

// New builds a pipeline from cfg, reading framesets from r and writing
// compensated edges, direction spectra and magnitude to w.
func New(cfg Config, r io.Reader, w io.Writer, logger *log.Logger) (*Pipeline, error) {
	arr, err := geometry.Build(cfg.Antennas, cfg.FqLow, cfg.FqHigh, cfg.L, cfg.Crop)
	if err != nil {
		return nil, err
	}

	proj, err := projector.New(len(cfg.Antennas))
	if err != nil {
		return nil, err
	}

	e := projector.NumEdges(len(cfg.Antennas))
	reader := frame.New(r, cfg.Layout, cfg.L, e)

	var calibrator calib.Calibrator
	switch cfg.Strategy {
	case StrategyPID:
		calibrator = calib.NewPIDCalibrator(proj, cfg.PhaseGains, cfg.SampleGains)
	case StrategySimplex:
		calibrator = calib.NewSimplexCalibrator(proj, cfg.SimplexBound, cfg.SimplexSeed)
	default:
		return nil, fmt.Errorf("pipeline: unknown strategy %d", cfg.Strategy)
	}

	p := &Pipeline{
		cfg:        cfg,
		arr:        arr,
		proj:       proj,
		reader:     reader,
		w:          w,
		calibrator: calibrator,
		matrixMode: direction.NewMatrixMode(arr.Edges, cfg.AngleCount),
		paintMode:  direction.NewPaintMode(arr.Edges, cfg.AngleCount),
		logger:     logger,
	}
	p.resolveFOIBins()

	return p, nil
}

func (p *Pipeline) resolveFOIBins() {
	p.foiWavelen = make([]float64, len(p.cfg.FOIs))
	p.foiBins = make([]int, len(p.cfg.FOIs))
	for i, f := range p.cfg.FOIs {
		p.foiWavelen[i] = geometry.SpeedOfLight / f
		p.foiBins[i] = nearestBin(p.arr.Frequencies, f)
	}
}

func nearestBin(freqs []float64, f float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, fq := range freqs {
		if d := math.Abs(fq - f); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// Run processes framesets until the input is exhausted (returns nil) or
// an unrecoverable error occurs. Numeric blowups in the calibrator are
// recovered internally (state reset, processing continues); every other
// error aborts the run.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		edges, err := p.reader.ReadFrameset()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := p.step(edges); err != nil {
			return err
		}
	}
}

func (p *Pipeline) step(edges []frame.Edge) error {
	comp := p.calibrator.Compensation()

	compensated := make([]frame.Edge, len(edges))
	for e, edge := range edges {
		phase := compensate.CompensateReal(edge.Phase, comp[e], p.cfg.EdgeZeroWidth)
		vari := append([]float32(nil), edge.Var...)
		magSq := append([]float32(nil), edge.MagSq...)
		compensate.ZeroEdgeBins(vari, p.cfg.EdgeZeroWidth)
		compensate.ZeroEdgeBins(magSq, p.cfg.EdgeZeroWidth)
		compensated[e] = frame.Edge{Phase: phase, Var: vari, MagSq: magSq}
	}

	if err := p.emitEdges(compensated); err != nil {
		return err
	}

	magnitude := combinedMagnitude(compensated)

	spectra := make([]direction.Spectrum, len(p.cfg.FOIs))
	for i, bin := range p.foiBins {
		spectra[i] = p.spectrumAt(compensated, bin, p.foiWavelen[i])
	}
	if err := p.emitSpectra(spectra); err != nil {
		return err
	}
	if err := p.emitMagnitude(magnitude); err != nil {
		return err
	}

	if p.cfg.Monitor != nil {
		p.cfg.Monitor.Publish(monitor.Snapshot{
			Magnitude: magnitude,
			Spectra:   spectraToFloat64(spectra),
			FOIs:      p.cfg.FOIs,
		})
	}

	if p.noisePoints == nil || p.signalPoints == nil || p.dueForRefresh() {
		p.refreshPoints(magnitude)
	}

	edgePhaseErr, edgeSampleErr := p.measureErrors(compensated)

	var updateErr error
	switch c := p.calibrator.(type) {
	case *calib.PIDCalibrator:
		updateErr = c.Update(edgePhaseErr, edgeSampleErr)
	case *calib.SimplexCalibrator:
		updateErr = c.Update(p.simplexScore(c, compensated, edgePhaseErr))
	}
	if updateErr != nil {
		if errors.Is(updateErr, calib.ErrNaN) {
			p.logger.Warn("calibrator state went non-finite, reset", "frameset", p.frameCount)
			return nil
		}
		return updateErr
	}

	p.frameCount++
	return nil
}

func (p *Pipeline) dueForRefresh() bool {
	if p.cfg.RefreshEvery <= 0 {
		return false
	}
	return p.frameCount%p.cfg.RefreshEvery == 0
}

func (p *Pipeline) refreshPoints(magnitude []float32) {
	widths := p.cfg.PeakWidths
	if widths == nil {
		widths = peaks.DefaultWidths
	}

	if sp := peaks.FindSignalPoints(magnitude, p.arr.ActiveStart, p.arr.ActiveEnd, widths); sp != nil {
		p.signalPoints = sp
	}
	if np := peaks.FindNoisePoints(magnitude, p.arr.ActiveStart, p.arr.ActiveEnd, widths); np != nil {
		p.noisePoints = np
	}
}

// measureErrors averages each edge's phase and a timing-ramp-fit error
// across the current noise intervals, giving the calibrator a per-edge
// residual to null out.
func (p *Pipeline) measureErrors(edges []frame.Edge) ([]float64, []float64) {
	phaseErr := make([]float64, len(edges))
	sampleErr := make([]float64, len(edges))

	for e, edge := range edges {
		var sumPh, sumSamp float64
		var n int
		for _, iv := range p.noisePoints {
			for k := iv.Start; k < iv.End && k < len(edge.Phase); k++ {
				ph := float64(edge.Phase[k])
				sumPh += ph
				sumSamp += ph * rampAt(k, len(edge.Phase))
				n++
			}
		}
		if n > 0 {
			phaseErr[e] = sumPh / float64(n)
			sampleErr[e] = sumSamp / float64(n)
		}
	}
	return phaseErr, sampleErr
}

func rampAt(k, l int) float64 {
	if l == 0 {
		return 0
	}
	return -1 + 2*float64(k)/float64(l)
}

// simplexScore closes over one frameset's compensated edges and
// measured errors, returning a function that scores a candidate
// parameter vector by how sharply it would focus the direction
// spectrum at the signal points, minus penalties for physically
// impossible edge phases and for moving away from the last accepted
// parameter vector.
func (p *Pipeline) simplexScore(c *calib.SimplexCalibrator, edges []frame.Edge, phaseErr []float64) calib.Score {
	return func(candidate []float64) float64 {
		dPhase, dSample := c.Decode(candidate)

		// focus: apply the §4.5 compensation implied by this candidate
		// (pairwise phase offset plus the sample-timing ramp at each
		// signal bin) and score how sharply the resulting spectrum peaks.
		var focus float64
		for _, iv := range p.signalPoints {
			mid := (iv.Start + iv.End) / 2
			if mid < 0 || mid >= p.cfg.L {
				continue
			}
			wavelength := p.arr.Wavelengths[mid]
			ramp := rampAt(mid, p.cfg.L)
			phaseVec := make([]float64, len(p.proj.Edges))
			for e, edge := range p.proj.Edges {
				adjPhase, adjSample := 0.0, 0.0
				if edge.I > 0 {
					adjPhase += dPhase[edge.I-1]
					adjSample += dSample[edge.I-1]
				}
				if edge.J > 0 {
					adjPhase -= dPhase[edge.J-1]
					adjSample -= dSample[edge.J-1]
				}
				phaseVec[e] = float64(edges[e].Phase[mid]) - (adjPhase + adjSample*ramp)
			}
			spectrum := p.matrixMode.Spectrum(phaseVec, wavelength)
			focus += direction.Sharpness(spectrum)
		}

		// dist_limit: per edge/noise-bin, the portion of |phaseErr*relWL|
		// exceeding the edge's physical distance limit d, clipped to
		// [0, 100*d], averaged weighted by 1/variance (spec §4.6/Glossary).
		var weightedExcess, weightSum float64
		for e, edge := range edges {
			d := p.arr.Edges[e].D
			for _, iv := range p.noisePoints {
				mid := (iv.Start + iv.End) / 2
				if mid < 0 || mid >= p.cfg.L {
					continue
				}
				relWL := p.arr.Edges[e].RelWL[mid]
				q := math.Abs(phaseErr[e] * relWL)
				if q <= d {
					continue
				}
				excess := q - d
				if excess > 100*d {
					excess = 100 * d
				}

				weight := 1.0
				if mid < len(edge.Var) && edge.Var[mid] > 0 {
					weight = 1 / float64(edge.Var[mid])
				}
				weightedExcess += weight * excess
				weightSum += weight
			}
		}
		var distLimit float64
		if weightSum > 0 {
			distLimit = -weightedExcess / weightSum
		}

		// change: RMS difference of the candidate parameter vector from
		// the last accepted one, regularising jumpiness.
		last := c.LastPoint()
		var sumSq float64
		for i, v := range candidate {
			diff := v - last[i]
			sumSq += diff * diff
		}
		change := -math.Sqrt(sumSq / float64(len(candidate)))

		return focus + distLimit + change
	}
}

func combinedMagnitude(edges []frame.Edge) []float32 {
	if len(edges) == 0 {
		return nil
	}
	out := make([]float32, len(edges[0].MagSq))
	for _, edge := range edges {
		for k, v := range edge.MagSq {
			out[k] += v
		}
	}
	for k := range out {
		out[k] = float32(math.Sqrt(float64(out[k])))
	}
	return out
}

func (p *Pipeline) spectrumAt(edges []frame.Edge, bin int, wavelength float64) direction.Spectrum {
	phase := make([]float64, len(edges))
	variance := make([]float64, len(edges))
	for e, edge := range edges {
		phase[e] = float64(edge.Phase[bin])
		variance[e] = float64(edge.Var[bin])
	}

	switch p.cfg.DirMode {
	case DirectionPaint:
		return p.paintMode.Spectrum(phase, variance, wavelength)
	default:
		return p.matrixMode.Spectrum(phase, wavelength)
	}
}

func spectraToFloat64(spectra []direction.Spectrum) [][]float64 {
	out := make([][]float64, len(spectra))
	for i, s := range spectra {
		out[i] = []float64(s)
	}
	return out
}

func (p *Pipeline) emitEdges(edges []frame.Edge) error {
	for _, edge := range edges {
		if err := writeFloat32s(p.w, edge.Phase); err != nil {
			return err
		}
		if err := writeFloat32s(p.w, edge.Var); err != nil {
			return err
		}
		if err := writeFloat32s(p.w, edge.MagSq); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) emitSpectra(spectra []direction.Spectrum) error {
	for _, s := range spectra {
		f32 := make([]float32, len(s))
		for i, v := range s {
			f32[i] = float32(v)
		}
		if err := writeFloat32s(p.w, f32); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) emitMagnitude(mag []float32) error {
	return writeFloat32s(p.w, mag)
}

func writeFloat32s(w io.Writer, xs []float32) error {
	buf := make([]byte, 4*len(xs))
	for i, x := range xs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	_, err := w.Write(buf)
	return err
}
