// Package mc implements the motion-control policy layer (spec.md §2 item 4,
// component 4): mc_line (soft-limit check + buffer), mc_arc (G2/G3 center-
// format subdivision), mc_dwell, mc_homing_cycle, mc_probe_cycle, mc_reset,
// and CR1's mc_autolevel_X / mc_X_is_level gantry-squaring commands.
//
// mc sits directly on top of planner/stepper/system/limits/spindle; it adds
// no new motion math of its own beyond arc subdivision, the way grbl's
// motion_control.c is a thin dispatcher in front of planner.c/stepper.c.
package mc

import (
	"errors"
	"math"

	"cr1/board"
	"cr1/limits"
	"cr1/planner"
	"cr1/report"
	"cr1/spindle"
	"cr1/stepper"
	"cr1/system"
)

// ErrSoftLimit is returned by Line/Arc when the target violates a
// configured soft limit; the caller's line is rejected before ever reaching
// the planner (spec.md §4.4 item 3).
var ErrSoftLimit = errors.New("mc: target violates soft limit")

// ErrProbeFailed is returned by ProbeCycle when the probe switch never
// triggers before the programmed travel is exhausted (spec.md §4.7,
// PROBE_FAIL_CONTACT) or was already triggered before the move began
// (PROBE_FAIL_INITIAL).
var ErrProbeFailed = errors.New("mc: probe cycle failed")

// Settings are the persisted mc-level parameters (subset of
// settings.Settings): the arc-tolerance value that drives G2/G3 segment
// count (grblCR settings.h's `arc_tolerance`, default 0.002mm).
type Settings struct {
	ArcTolerance float64
}

// Controller dispatches g-code motion/system requests onto the planner,
// stepper, limits and spindle packages it wraps.
type Controller struct {
	Board    *board.Board
	Planner  *planner.Planner
	Stepper  *stepper.Engine
	Sys      *system.System
	Executor *system.Executor
	Limits   *limits.Limits
	Spindle  *spindle.Controller

	Settings Settings

	// TickStep is the scheduler advance per poll iteration while Dwell or
	// ProbeCycle run their own wait loops; defaults to ~1ms when zero, same
	// convention as limits.Limits.TickStep.
	TickStep uint32
}

// New creates a motion-control dispatcher bound to the motion stack.
func New(b *board.Board, pln *planner.Planner, eng *stepper.Engine, sys *system.System, exec *system.Executor, lim *limits.Limits, spn *spindle.Controller, settings Settings) *Controller {
	return &Controller{Board: b, Planner: pln, Stepper: eng, Sys: sys, Executor: exec, Limits: lim, Spindle: spn, Settings: settings}
}

// Line is mc_line: soft-limit-checks targetMM, then buffers it as one plan
// block. Silently succeeds on a zero-length move (planner.BufferLine's own
// contract); returns ErrSoftLimit if the target is out of bounds, or
// planner.ErrQueueFull if the ring has no room.
func (m *Controller) Line(targetMM [3]float64, ld planner.LineData) error {
	if m.Limits != nil && m.Limits.SoftLimitCheck(targetMM) {
		return ErrSoftLimit
	}
	return m.Planner.BufferLine(targetMM, ld)
}

// Dwell is mc_dwell: blocks (cooperatively) for seconds, polling the
// executor every tick the way the homing loop does (spec.md §5's
// suspension-point rule), so a reset during a dwell still unwinds cleanly.
func (m *Controller) Dwell(seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	tick := m.tickStep()
	remaining := uint32(seconds * board.TimerFreq)
	for remaining > 0 {
		step := tick
		if step > remaining {
			step = remaining
		}
		if m.pump(step) {
			return nil // aborted; executor.Reset already ran
		}
		remaining -= step
	}
	return nil
}

func (m *Controller) tickStep() uint32 {
	if m.TickStep != 0 {
		return m.TickStep
	}
	return board.TimerFreq / 1000
}

func (m *Controller) pump(ticks uint32) bool {
	sched := m.Stepper.Sched
	sched.Advance(sched.Now() + ticks)
	if m.Executor != nil {
		m.Executor.ExecuteRealtime()
	}
	return m.Sys.Abort
}

// Reset is mc_reset's entry point from the g-code/serial layer: the
// universal cancellation primitive (spec.md §5), forwarded straight to the
// executor, which owns the actual cascade.
func (m *Controller) Reset() {
	m.Executor.Reset()
}

// Unlock is the $X command: clears an ALARM raised by anything other than a
// homing failure, returning the machine to IDLE without requiring a fresh
// homing cycle. Homing failures keep the machine locked out until $H
// succeeds, per spec.md §4.4's "subsequent non-system motion is rejected
// until homing succeeds".
func (m *Controller) Unlock() bool {
	if m.Sys.State != system.StateAlarm {
		return false
	}
	switch m.Sys.GetAlarm() {
	case system.AlarmHomingFailReset, system.AlarmHomingFailPulloff, system.AlarmHomingFailApproach:
		return false
	}
	m.Sys.Abort = false
	m.Sys.SetAlarm(system.AlarmNone)
	m.Sys.State = system.StateIdle
	return true
}

// HomingCycle is mc_homing_cycle: transitions into STATE_HOMING, runs the
// limits package's protocol for cycleMask, and returns to IDLE on success.
// On failure the alarm and ALARM state are already set by limits.Cycle
// (via its own failAlarm/failAborted paths); HomingCycle just propagates
// the error.
func (m *Controller) HomingCycle(cycleMask uint8) error {
	m.Sys.State = system.StateHoming
	if err := m.Limits.Cycle(cycleMask); err != nil {
		return err
	}
	if m.Sys.Abort {
		return nil
	}
	m.Stepper.GoIdle(0)
	m.Sys.State = system.StateIdle
	return nil
}

// ProbeCycle is mc_probe_cycle: moves toward targetMM watching the probe
// input, truncating the move the instant it trips. Partial-failure
// semantics (spec.md §4.7/§9): a cycle that never trips preserves machine
// position at the commanded target by default, or at the cycle's start
// point when checkMode is set (the check-mode override spec.md mentions).
func (m *Controller) ProbeCycle(targetMM [3]float64, ld planner.LineData, checkMode bool) (report.ProbeResult, error) {
	m.Sys.ProbeSucceeded = false

	if m.Board.Probe.ReadProbe() {
		m.Sys.SetAlarm(system.AlarmProbeFailInitial)
		m.Executor.Reset()
		return report.ProbeResult{}, ErrProbeFailed
	}

	startSteps := m.Stepper.Position
	if err := m.Planner.BufferLine(targetMM, ld); err != nil {
		return report.ProbeResult{}, err
	}
	m.Stepper.StepControl = stepper.StepControlExecuteSysMotion
	m.Stepper.PrepBuffer()
	m.Stepper.WakeUp()

	tripped := false
	for {
		m.Stepper.PrepBuffer()
		if m.Board.Probe.ReadProbe() {
			tripped = true
			break
		}
		idle := m.Stepper.IsIdle()
		if m.pump(m.tickStep()) {
			m.Stepper.StepControl = stepper.StepControlNormal
			return report.ProbeResult{}, nil // aborted; executor.Reset already ran
		}
		if idle {
			break
		}
	}
	m.Stepper.Reset()
	m.Stepper.StepControl = stepper.StepControlNormal

	pos := m.stepsToMM(m.Stepper.Position)
	m.syncPlannerFromStepper()

	if !tripped {
		if checkMode {
			m.Stepper.Position = startSteps
			m.syncPlannerFromStepper()
			pos = m.stepsToMM(startSteps)
		}
		m.Sys.SetAlarm(system.AlarmProbeFailContact)
		m.Executor.Reset()
		return report.ProbeResult{Success: false, Position: pos}, ErrProbeFailed
	}

	m.Sys.ProbeSucceeded = true
	return report.ProbeResult{Success: true, Position: pos}, nil
}

func (m *Controller) stepsToMM(steps [3]int64) [3]float64 {
	var mm [3]float64
	for i := 0; i < 3; i++ {
		mm[i] = float64(steps[i]) / m.Planner.Axes[i].StepsPerMM
	}
	return mm
}

func (m *Controller) syncPlannerFromStepper() {
	var stepPos [3]int32
	for i := 0; i < 3; i++ {
		stepPos[i] = int32(m.Stepper.Position[i])
	}
	m.Planner.SyncPosition(stepPos)
}

// AutolevelX is mc_autolevel_X: CR1's X-gantry squaring command, run three
// times in a row from the $L handler ("algorithm converges on square").
// Open question: the original's actual corrective step (driving a second,
// independently-addressable X motor) has no analogue in this board
// abstraction, which drives X as a single axis (board.StepPort has no
// per-motor split) — per spec.md §9(d) ("generic targets should no-op"),
// AutolevelX here measures and reports the trip delta rather than
// attempting a correction move; a board with a genuinely independent second
// X motor would apply delta/2 steps to it here.
func (m *Controller) AutolevelX() (int32, error) {
	return m.Limits.FindTripDeltaX1X2()
}

// XIsLevel is the $LS command: measures the X1/X2 trip delta once and
// returns it for the settings layer to persist as the stored squaring
// datum (grblCR's "store difference between X limit switches in EEPROM").
func (m *Controller) XIsLevel() (int32, error) {
	return m.Limits.FindTripDeltaX1X2()
}

// Plane identifies which two axes an arc is drawn in (spec.md's G17/G18/G19
// plane-select modal group); Linear is the third axis, interpolated
// linearly across the arc the way a helical move does.
type Plane struct {
	Axis0, Axis1, Linear int
}

var (
	PlaneXY = Plane{0, 1, 2}
	PlaneXZ = Plane{2, 0, 1} // grbl orders XZ as (Z,X) internally; kept for parity
	PlaneYZ = Plane{1, 2, 0}
)

// Arc is mc_arc: subdivides a G2/G3 center-format arc into short line
// segments and feeds each one through Line. center is given as an absolute
// position in the arc's plane (already resolved from the G-code's I/J/K
// offsets by the caller); clockwise selects G2 vs G3.
//
// Segment count follows grbl's arc-tolerance formula exactly: floor(half the
// angular travel times radius, divided by sqrt(tolerance*(2r-tolerance))).
// Grbl's mc_arc additionally re-derives sin/cos from scratch every
// N_ARC_CORRECTION segments to bound small-angle approximation drift on an
// 8-bit AVR's software float; Go's math.Sincos has no such cost to amortize,
// so every segment here uses an exact angle — the correction-counter
// machinery is dropped as AVR-specific housekeeping with no Go analogue.
func (m *Controller) Arc(startMM, endMM [3]float64, center [2]float64, plane Plane, clockwise bool, ld planner.LineData) error {
	a0, a1 := plane.Axis0, plane.Axis1
	lin := plane.Linear

	r0 := [2]float64{startMM[a0] - center[0], startMM[a1] - center[1]}
	r1 := [2]float64{endMM[a0] - center[0], endMM[a1] - center[1]}
	radius := math.Hypot(r0[0], r0[1])
	if radius <= 0 {
		return errors.New("mc: zero-radius arc")
	}

	angleStart := math.Atan2(r0[1], r0[0])
	angleEnd := math.Atan2(r1[1], r1[0])
	angular := angleEnd - angleStart
	if clockwise {
		if angular >= 0 {
			angular -= 2 * math.Pi
		}
	} else {
		if angular <= 0 {
			angular += 2 * math.Pi
		}
	}

	tol := m.Settings.ArcTolerance
	if tol <= 0 {
		tol = 0.002
	}
	segments := int(math.Floor(math.Abs(0.5*angular*radius) / math.Sqrt(tol*(2*radius-tol))))
	if segments < 1 {
		segments = 1
	}

	linStart := startMM[lin]
	linDelta := endMM[lin] - linStart
	pos := startMM
	for i := 1; i <= segments; i++ {
		frac := float64(i) / float64(segments)
		theta := angleStart + angular*frac
		pos[a0] = center[0] + radius*math.Cos(theta)
		pos[a1] = center[1] + radius*math.Sin(theta)
		pos[lin] = linStart + linDelta*frac
		if i == segments {
			pos = endMM // land exactly on the commanded endpoint
		}
		if err := m.Line(pos, ld); err != nil {
			return err
		}
	}
	return nil
}
