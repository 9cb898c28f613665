// Package sim provides an in-memory board.Board implementation used by the
// core's unit tests and by cr1ctl's -sim flag. It mirrors the teacher's
// MockGPIODriver test pattern (core/gpio_test.go), generalized to cover the
// whole Board capability set instead of one digital-output pin.
package sim

import (
	"sync"

	"cr1/board"
)

// Board is a software stand-in for CR1 hardware: it records every pin write
// and step pulse, and lets tests drive limit-switch and probe state.
type Board struct {
	mu sync.Mutex

	pins    map[board.Pin]bool
	pullUps map[board.Pin]bool

	steps     [board.NumAxes]int64
	direction [board.NumAxes]bool
	enabled   bool

	limitMask uint8
	x1        bool
	probeHit  bool

	pwmValue uint16
	pwmMax   uint16
	pwmCCW   bool
	pwmOn    bool

	clock uint32
}

// New creates a simulated board with an 8-bit spindle PWM range.
func New() *Board {
	return &Board{
		pins:    make(map[board.Pin]bool),
		pullUps: make(map[board.Pin]bool),
		pwmMax:  255,
	}
}

// GPIO

func (b *Board) ConfigureOutput(pin board.Pin) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins[pin] = false
	return nil
}

func (b *Board) ConfigureInputPullUp(pin board.Pin) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pullUps[pin] = true
	return nil
}

func (b *Board) SetPin(pin board.Pin, value bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins[pin] = value
	return nil
}

func (b *Board) ReadPin(pin board.Pin) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins[pin]
}

// StepPort

func (b *Board) Step(axis board.Axis) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.direction[axis] {
		b.steps[axis]--
	} else {
		b.steps[axis]++
	}
}

func (b *Board) SetDirection(axis board.Axis, reverse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direction[axis] = reverse
}

func (b *Board) SetEnable(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Steps returns the accumulated step count for an axis (test helper).
func (b *Board) Steps(axis board.Axis) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps[axis]
}

// Enabled reports whether the stepper driver enable line is asserted.
func (b *Board) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// LimitPort

// SetLimit sets or clears the simulated switch state for an axis.
func (b *Board) SetLimit(axis board.Axis, engaged bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if engaged {
		b.limitMask |= 1 << axis
	} else {
		b.limitMask &^= 1 << axis
	}
}

// SetX1 sets the CR1 second X-axis switch state used for gantry squaring.
func (b *Board) SetX1(engaged bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.x1 = engaged
}

func (b *Board) Read() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limitMask
}

func (b *Board) ReadX1() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.x1
}

// Probe

// SetProbe sets the simulated probe contact state.
func (b *Board) SetProbe(hit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeHit = hit
}

func (b *Board) ReadProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.probeHit
}

// SpindlePWM

func (b *Board) SetDutyCycle(value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pwmValue = value
	return nil
}

func (b *Board) MaxValue() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pwmMax
}

func (b *Board) SetSpindleDirection(ccw bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pwmCCW = ccw
}

func (b *Board) SetSpindleEnable(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pwmOn = enabled
}

// DutyCycle returns the last programmed PWM duty cycle (test helper).
func (b *Board) DutyCycle() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pwmValue
}

// Clock

// Advance moves the simulated clock forward by delta ticks.
func (b *Board) Advance(delta uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock += delta
	return b.clock
}

func (b *Board) Now() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock
}
