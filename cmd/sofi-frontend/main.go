// Command sofi-frontend reads antenna-array frame data from stdin,
// calibrates and compensates it, and writes compensated edges plus
// direction spectra to stdout.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/hnez/sofi-frontend/internal/calib"
	"github.com/hnez/sofi-frontend/internal/frame"
	"github.com/hnez/sofi-frontend/internal/geometry"
	"github.com/hnez/sofi-frontend/internal/monitor"
	"github.com/hnez/sofi-frontend/internal/pipeline"
)

func main() {
	logger := log.New(os.Stderr)

	if err := run(logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(exitCode(err))
	}
}

func run(logger *log.Logger) error {
	var (
		antennasFlag  = pflag.StringSlice("antenna", nil, "antenna position x,y in metres; repeat per antenna")
		l             = pflag.Int("fft-length", 1024, "FFT length L")
		fqLow         = pflag.Float64("fq-low", 2.40e9, "low edge of the frequency grid, Hz")
		fqHigh        = pflag.Float64("fq-high", 2.48e9, "high edge of the frequency grid, Hz")
		layoutFlag    = pflag.String("layout", "p", "frame wire layout: p (real triplet) or c (complex)")
		crop          = pflag.Bool("crop", false, "narrow the active bin range by L/8 on each side")
		foisFlag      = pflag.Float64Slice("foi", nil, "frequency of interest, Hz; repeat per band")
		strategyFlag  = pflag.String("strategy", "pid", "calibration strategy: pid or simplex")
		phaseKp       = pflag.Float64("phase-kp", calib.DefaultPhaseGains.Kp, "phase PID proportional gain")
		phaseKi       = pflag.Float64("phase-ki", calib.DefaultPhaseGains.Ki, "phase PID integral gain")
		phaseKd       = pflag.Float64("phase-kd", calib.DefaultPhaseGains.Kd, "phase PID derivative gain")
		sampleKp      = pflag.Float64("sample-kp", calib.DefaultSampleGains.Kp, "sample-timing PID proportional gain")
		sampleKi      = pflag.Float64("sample-ki", calib.DefaultSampleGains.Ki, "sample-timing PID integral gain")
		sampleKd      = pflag.Float64("sample-kd", calib.DefaultSampleGains.Kd, "sample-timing PID derivative gain")
		simplexBound  = pflag.Float64("simplex-bound", 3.141592653589793, "simplex parameter bound, +-radians")
		simplexSeed   = pflag.Int64("simplex-seed", 0, "simplex exploration PRNG seed")
		dirModeFlag   = pflag.String("direction-mode", "matrix", "direction estimator: matrix or paint")
		angleCount    = pflag.Int("angle-count", 360, "number of bearing samples in a direction spectrum")
		edgeZeroWidth = pflag.Int("edge-zero-width", 40, "bins zeroed at each edge of every spectrum")
		refreshEvery  = pflag.Int("refresh-every", 100, "framesets between noise/signal point re-detection")
		monitorAddr   = pflag.String("monitor-addr", "", "if set, serve a websocket monitor feed on this address")
		verbose       = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()

	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	antennas, err := parseAntennas(*antennasFlag)
	if err != nil {
		return err
	}

	layout, err := parseLayout(*layoutFlag)
	if err != nil {
		return err
	}

	strategy, err := parseStrategy(*strategyFlag)
	if err != nil {
		return err
	}

	dirMode, err := parseDirMode(*dirModeFlag)
	if err != nil {
		return err
	}

	var hub *monitor.Hub
	if *monitorAddr != "" {
		hub = monitor.NewHub(logger)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		srv := &http.Server{Addr: *monitorAddr, Handler: mux}
		go func() {
			logger.Info("monitor listening", "addr", *monitorAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitor server stopped", "err", err)
			}
		}()
	}

	cfg := pipeline.Config{
		Antennas:      antennas,
		L:             *l,
		FqLow:         *fqLow,
		FqHigh:        *fqHigh,
		Layout:        layout,
		Crop:          *crop,
		FOIs:          *foisFlag,
		Strategy:      strategy,
		PhaseGains:    calib.PIDGains{Kp: *phaseKp, Ki: *phaseKi, Kd: *phaseKd},
		SampleGains:   calib.PIDGains{Kp: *sampleKp, Ki: *sampleKi, Kd: *sampleKd},
		SimplexBound:  *simplexBound,
		SimplexSeed:   *simplexSeed,
		DirMode:       dirMode,
		AngleCount:    *angleCount,
		EdgeZeroWidth: *edgeZeroWidth,
		RefreshEvery:  *refreshEvery,
		Monitor:       hub,
	}

	pl, err := pipeline.New(cfg, os.Stdin, os.Stdout, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return pl.Run(ctx)
}

func parseAntennas(raw []string) ([]geometry.Point, error) {
	if len(raw) == 0 {
		// Canonical square array from the reference capture, used when
		// no layout is given on the command line.
		return []geometry.Point{
			{X: 0, Y: 0},
			{X: 0.06, Y: 0},
			{X: 0, Y: 0.06},
			{X: 0.06, Y: 0.06},
		}, nil
	}

	points := make([]geometry.Point, len(raw))
	for i, s := range raw {
		parts := strings.SplitN(s, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("main: antenna %q must be x,y", s)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("main: antenna %q: %w", s, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("main: antenna %q: %w", s, err)
		}
		points[i] = geometry.Point{X: x, Y: y}
	}
	return points, nil
}

func parseLayout(s string) (frame.Layout, error) {
	switch strings.ToLower(s) {
	case "p":
		return frame.LayoutP, nil
	case "c":
		return frame.LayoutC, nil
	default:
		return 0, fmt.Errorf("main: unknown layout %q, want p or c", s)
	}
}

func parseStrategy(s string) (pipeline.Strategy, error) {
	switch strings.ToLower(s) {
	case "pid":
		return pipeline.StrategyPID, nil
	case "simplex":
		return pipeline.StrategySimplex, nil
	default:
		return 0, fmt.Errorf("main: unknown strategy %q, want pid or simplex", s)
	}
}

func parseDirMode(s string) (pipeline.DirectionMode, error) {
	switch strings.ToLower(s) {
	case "matrix":
		return pipeline.DirectionMatrix, nil
	case "paint":
		return pipeline.DirectionPaint, nil
	default:
		return 0, fmt.Errorf("main: unknown direction mode %q, want matrix or paint", s)
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	default:
		return 1
	}
}
