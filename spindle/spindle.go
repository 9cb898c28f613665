// Package spindle computes RPM-to-PWM values and drives the spindle
// direction/enable lines (spec.md §4.6 / component 6). Grounded on
// `original_source/grblCR/spindle_control.c`'s spindle_compute_pwm_value
// (linear gradient model, min/max clamp, S0-disables special case) and the
// teacher's core/pwm.go HardwarePWM object (a configured PWM output plus a
// default/shutdown value), generalized from a raw register object into
// spindle.Controller.
package spindle

import (
	"sync"

	"cr1/board"
)

// State is the spindle's direction/enable state (grbl's SPINDLE_STATE_*).
type State uint8

const (
	StateDisable State = iota
	StateCW
	StateCCW
)

// Settings are the persisted spindle parameters this package needs
// (subset of settings.Settings, per spec.md §3 "Settings").
type Settings struct {
	RPMMin float64
	RPMMax float64
}

// Controller drives the spindle PWM, direction and enable lines. It
// integrates with the stepper engine for per-segment PWM updates during
// feed-rate changes (spec.md §4.2's UPDATE_SPINDLE_PWM step_control bit).
type Controller struct {
	mu sync.Mutex

	pwm      board.SpindlePWM
	settings Settings
	gradient float64 // precomputed PWM_RANGE / (rpm_max - rpm_min)

	state         State
	speed         float64 // current commanded RPM, post-override
	speedOverride int     // percent, 1..255
}

// New creates a spindle controller bound to a board PWM output.
func New(pwm board.SpindlePWM, settings Settings) *Controller {
	c := &Controller{pwm: pwm, settings: settings, speedOverride: 100}
	c.recomputeGradient()
	c.Stop()
	return c
}

func (c *Controller) recomputeGradient() {
	span := c.settings.RPMMax - c.settings.RPMMin
	if span <= 0 {
		c.gradient = 0
		return
	}
	c.gradient = float64(c.pwm.MaxValue()) / span
}

// SetSettings updates the RPM range and recomputes the PWM gradient, the
// way grbl's spindle_init recomputes pwm_gradient when $30/$31 change.
func (c *Controller) SetSettings(settings Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
	c.recomputeGradient()
}

// SetOverride sets the spindle speed override percentage (1..255).
func (c *Controller) SetOverride(percent int) {
	if percent < 1 {
		percent = 1
	}
	if percent > 255 {
		percent = 255
	}
	c.mu.Lock()
	c.speedOverride = percent
	c.mu.Unlock()
}

// ComputePWM implements spindle_compute_pwm_value: scale rpm by the
// override, then clamp into [rpm_min, rpm_max] before applying the linear
// gradient. rpm == 0 always disables the spindle outright (S0).
func (c *Controller) ComputePWM(rpm float64) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computePWMLocked(rpm)
}

func (c *Controller) computePWMLocked(rpm float64) uint16 {
	rpm *= 0.01 * float64(c.speedOverride)
	maxVal := c.pwm.MaxValue()

	switch {
	case c.settings.RPMMin >= c.settings.RPMMax || rpm >= c.settings.RPMMax:
		return maxVal
	case rpm <= c.settings.RPMMin:
		if rpm <= 0 {
			return 0
		}
		return 1
	default:
		v := (rpm-c.settings.RPMMin)*c.gradient + 1
		if v < 1 {
			v = 1
		}
		if v > float64(maxVal) {
			v = float64(maxVal)
		}
		return uint16(v)
	}
}

// SetState immediately commands spindle direction, PWM value and enable,
// the way grbl's spindle_set_state does outside CYCLE (spec.md §4.3:
// "directly via spindle_set_state during IDLE").
func (c *Controller) SetState(state State, rpm float64) {
	c.mu.Lock()
	c.state = state
	if state == StateDisable {
		c.speed = 0
	} else {
		c.speed = rpm
	}
	pwmValue := uint16(0)
	if state != StateDisable {
		pwmValue = c.computePWMLocked(rpm)
	}
	c.mu.Unlock()

	c.pwm.SetSpindleDirection(state == StateCCW)
	c.pwm.SetSpindleEnable(state != StateDisable)
	c.pwm.SetDutyCycle(pwmValue)
}

// UpdatePWM applies a new PWM value without touching direction/enable — the
// path the stepper uses at a segment boundary when UPDATE_SPINDLE_PWM is
// set mid-cycle (spec.md §4.2).
func (c *Controller) UpdatePWM(pwmValue uint16) {
	c.pwm.SetDutyCycle(pwmValue)
}

// Stop is the stop-override / mc_reset cascade: it unconditionally
// de-energizes the spindle (grbl's spindle_stop, called from spindle_init,
// spindle_set_speed, spindle_set_state and mc_reset).
func (c *Controller) Stop() {
	c.mu.Lock()
	c.state = StateDisable
	c.speed = 0
	c.mu.Unlock()
	c.pwm.SetSpindleEnable(false)
	c.pwm.SetDutyCycle(0)
}

// State returns the current commanded direction/enable state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Speed returns the current commanded RPM (post-clamp, pre-override-scale).
func (c *Controller) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}
