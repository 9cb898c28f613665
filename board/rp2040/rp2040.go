// Package rp2040 implements board.Board against a real Raspberry Pi
// RP2040/RP2350, built with TinyGo's machine package. It is the hardware
// counterpart to board/sim: where sim records pin writes in memory, this
// package drives real GPIO, hardware PWM and the chip's microsecond timer.
//
// Grounded on the teacher's targets/rp2040 package (gpio.go, pwm.go,
// clock.go), narrowed from Klipper's GPIODriver/PWMDriver command-dispatch
// shape to CR1's five small board.* interfaces, and kept on TinyGo's
// machine package the way the teacher's targets did rather than switching
// to tinygo.org/x/drivers (SPEC_FULL.md's domain stack notes the drivers
// catalogue is for higher-level peripherals like tmc5160/tmc2209, not raw
// GPIO/PWM/timer access that machine already covers directly).
//
//go:build rp2040 || rp2350

package rp2040

import (
	"machine"
	"runtime/volatile"
	"unsafe"

	"cr1/board"
)

// pwmMax matches the 8-bit duty-cycle range the teacher's PWM driver used
// (targets/rp2040/pwm.go's PWM_MAX), reused here for the spindle PWM slice.
const pwmMax = 255

// RP2040/RP2350 Timer peripheral memory map (targets/rp2040/clock.go).
const (
	timerBase     = 0x40054000
	timerTIMERAWH = timerBase + 0x08
	timerTIMERAWL = timerBase + 0x0C
)

var timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))

// pwmPeripheral abstracts over TinyGo's unexported *pwmGroup type, the same
// narrowing targets/rp2040/pwm.go used.
type pwmPeripheral interface {
	Configure(config machine.PWMConfig) error
	Channel(pin machine.Pin) (uint8, error)
	Top() uint32
	Set(channel uint8, value uint32)
}

// Board wires a fixed CR1 pinout: three step/dir pairs, a shared enable
// line, three limit switches plus the X1 squaring switch, a probe input,
// and one PWM-driven spindle. Pinout is configured once via New and never
// renegotiated at runtime, the way the teacher's target packages pin their
// layout at compile time via machine.Pin constants.
type Board struct {
	stepPins      [3]machine.Pin
	dirPins       [3]machine.Pin
	enablePin     machine.Pin
	limitPins     [3]machine.Pin
	x1Pin         machine.Pin
	probePin      machine.Pin
	invertLimits  bool
	invertProbe   bool

	spindlePWM     pwmPeripheral
	spindleChannel uint8
	spindleDirPin  machine.Pin
	spindleEnPin   machine.Pin
}

// Pinout names every physical pin Board needs. Axis order is X, Y, Z.
type Pinout struct {
	StepPins, DirPins [3]machine.Pin
	EnablePin         machine.Pin
	LimitPins         [3]machine.Pin
	X1Pin             machine.Pin
	ProbePin          machine.Pin
	InvertLimits      bool
	InvertProbe       bool
	SpindlePWMPin     machine.Pin
	SpindleDirPin     machine.Pin
	SpindleEnablePin  machine.Pin
}

// New configures every pin in p and returns a Board ready to hand to
// board.Board's GPIO/Steps/Limits/Probe/Spindle/Clock fields.
func New(p Pinout) *Board {
	b := &Board{
		stepPins:      p.StepPins,
		dirPins:       p.DirPins,
		enablePin:     p.EnablePin,
		limitPins:     p.LimitPins,
		x1Pin:         p.X1Pin,
		probePin:      p.ProbePin,
		invertLimits:  p.InvertLimits,
		invertProbe:   p.InvertProbe,
		spindleDirPin: p.SpindleDirPin,
		spindleEnPin:  p.SpindleEnablePin,
	}

	for i := range b.stepPins {
		b.stepPins[i].Configure(machine.PinConfig{Mode: machine.PinOutput})
		b.dirPins[i].Configure(machine.PinConfig{Mode: machine.PinOutput})
		b.limitPins[i].Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	}
	b.enablePin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	b.x1Pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	b.probePin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	b.spindleDirPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	b.spindleEnPin.Configure(machine.PinConfig{Mode: machine.PinOutput})

	b.spindlePWM = pwmSliceFor(p.SpindlePWMPin)
	// period is left at TinyGo's zero-value default (hardware reset state);
	// a real deployment configures it once via ConfigureSpindlePWM below
	// with the settings-derived frequency before the first SetDutyCycle.
	b.spindleChannel, _ = b.spindlePWM.Channel(p.SpindlePWMPin)

	return b
}

// pwmSliceFor returns the hardware PWM slice a given pin belongs to
// (targets/rp2040/pwm.go's getPWMPeripheral): GPIO pin N maps to slice
// (N>>1)&0x7, two pins sharing each of the RP2040's 8 slices.
func pwmSliceFor(pin machine.Pin) pwmPeripheral {
	switch (uint8(pin) >> 1) & 0x7 {
	case 0:
		return machine.PWM0
	case 1:
		return machine.PWM1
	case 2:
		return machine.PWM2
	case 3:
		return machine.PWM3
	case 4:
		return machine.PWM4
	case 5:
		return machine.PWM5
	case 6:
		return machine.PWM6
	default:
		return machine.PWM7
	}
}

// ConfigureSpindlePWM sets the PWM period (targets/rp2040/pwm.go's
// ConfigureHardwarePWM), converting a cycle length in board.TimerFreq ticks
// to the nanosecond period TinyGo's PWMConfig expects.
func (b *Board) ConfigureSpindlePWM(cycleTicks uint32) error {
	period := (uint64(cycleTicks) * 1_000_000_000) / board.TimerFreq
	return b.spindlePWM.Configure(machine.PWMConfig{Period: period})
}

// GPIO

func (b *Board) ConfigureOutput(pin board.Pin) error {
	machine.Pin(pin).Configure(machine.PinConfig{Mode: machine.PinOutput})
	return nil
}

func (b *Board) ConfigureInputPullUp(pin board.Pin) error {
	machine.Pin(pin).Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	return nil
}

func (b *Board) SetPin(pin board.Pin, value bool) error {
	machine.Pin(pin).Set(value)
	return nil
}

func (b *Board) ReadPin(pin board.Pin) bool {
	return machine.Pin(pin).Get()
}

// StepPort

func (b *Board) Step(axis board.Axis) {
	pin := b.stepPins[axis]
	pin.High()
	pin.Low()
}

func (b *Board) SetDirection(axis board.Axis, reverse bool) {
	b.dirPins[axis].Set(reverse)
}

func (b *Board) SetEnable(enabled bool) {
	// Most stepper drivers enable on a low signal; CR1's invert-step-enable
	// flag (settings.FlagInvertStEnable) is applied by the caller before
	// this is reached, so enabled here always means "drive the line active".
	b.enablePin.Set(!enabled)
}

// LimitPort

func (b *Board) Read() uint8 {
	var mask uint8
	for i, pin := range b.limitPins {
		engaged := pin.Get()
		if b.invertLimits {
			engaged = !engaged
		}
		if engaged {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func (b *Board) ReadX1() bool {
	v := b.x1Pin.Get()
	if b.invertLimits {
		v = !v
	}
	return v
}

// Probe

func (b *Board) ReadProbe() bool {
	v := b.probePin.Get()
	if b.invertProbe {
		v = !v
	}
	return v
}

// SpindlePWM

func (b *Board) SetDutyCycle(value uint16) error {
	top := b.spindlePWM.Top()
	duty := (uint32(value) * top) / pwmMax
	b.spindlePWM.Set(b.spindleChannel, duty)
	return nil
}

func (b *Board) MaxValue() uint16 { return pwmMax }

func (b *Board) SetSpindleDirection(ccw bool) { b.spindleDirPin.Set(ccw) }

func (b *Board) SetSpindleEnable(enabled bool) { b.spindleEnPin.Set(enabled) }

// Clock

// Now reads the RP2040's free-running 1MHz hardware timer and scales it to
// board.TimerFreq (12MHz) ticks, the unit every core package's interval
// math assumes. The multiply overflows the 32-bit tick counter faster than
// the raw 1MHz counter would (roughly every 357s instead of every 71
// minutes); every caller in this codebase (scheduler, stepper, limits)
// already handles wraparound by comparing deltas, never absolute values,
// so this is a deliberate precision-for-simplicity tradeoff rather than an
// oversight.
func (b *Board) Now() uint32 {
	return timerRAWL.Get() * (board.TimerFreq / 1_000_000)
}
