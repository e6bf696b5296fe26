// Package calib holds the two interchangeable calibration strategies:
// a per-antenna PID loop driven by noise-bin edge errors, and a simplex
// optimizer that hill-climbs a direction-sharpness score.
package calib

import "errors"

// ErrNaN is returned by Update when a strategy's internal state would
// go non-finite; the strategy resets itself to zero before returning it.
var ErrNaN = errors.New("calib: numeric state went non-finite, reset")

// PIDGains are the proportional/integral/derivative gains of one
// PIDController.
type PIDGains struct {
	Kp, Ki, Kd float64
}

// DefaultPhaseGains and DefaultSampleGains are the starting points used
// when a deployment doesn't override them.
var (
	DefaultPhaseGains  = PIDGains{Kp: 0.40, Ki: 0.6, Kd: 0.03}
	DefaultSampleGains = PIDGains{Kp: 1.5, Ki: 2.5, Kd: 0.06}
)

// PIDController is a textbook position-form PID loop: its output is the
// absolute control value for the next cycle, not an increment.
type PIDController struct {
	Gains   PIDGains
	errLast float64
	errAcc  float64
}

// NewPIDController returns a zeroed controller with the given gains.
func NewPIDController(gains PIDGains) *PIDController {
	return &PIDController{Gains: gains}
}

// Step feeds one new error sample and returns the controller's output.
func (p *PIDController) Step(err float64) float64 {
	diff := err - p.errLast
	p.errLast = err
	p.errAcc += err
	return p.Gains.Kp*err + p.Gains.Ki*p.errAcc + p.Gains.Kd*diff
}

// Reset clears accumulated error history.
func (p *PIDController) Reset() {
	p.errLast = 0
	p.errAcc = 0
}
