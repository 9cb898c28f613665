// Package limits drives the homing protocol and the soft/hard limit checks
// (spec.md §4.4, component 5). It bypasses the planner's normal mc_line
// entry point and talks to the stepper and planner directly, the way
// `original_source/grblCR/limits.c`'s limits_go_home does, since homing
// motion is a system-level move the look-ahead planner never sees.
//
// Grounded on `core/endstop.go`'s sample-then-act debounce shape (here
// reduced to a single scheduler-tick delay after each homing pass, since
// CR1's limit switches are read as a polled bitmask rather than a timer-
// sampled GPIO) and on `limits.c`'s limits_go_home / limits_soft_check /
// limits_find_trip_delta_X1X2, followed exactly for the search-distance
// scaling, the sqrt(n_active_axis) rate equalisation, and the final
// sys_position snap formula.
package limits

import (
	"errors"
	"math"

	"cr1/board"
	"cr1/planner"
	"cr1/stepper"
	"cr1/system"
)

// Homing-cycle geometry constants (grblCR config.h).
const (
	HomingAxisSearchScalar = 1.5 // search distance = this * max_travel
	HomingAxisLocateScalar = 5.0 // locate approach distance = this * pulloff
	DistanceFirstPullaway  = 5.0 // mm, first pull-off distance after the search pass
)

// ErrHomingFailed is returned by Cycle/FindTripDeltaX1X2 when the protocol
// aborts; the reason is recorded as an alarm on the System (spec.md §4.4).
var ErrHomingFailed = errors.New("limits: homing cycle failed")

// Settings are the persisted homing/limit parameters this package needs
// (subset of settings.Settings).
type Settings struct {
	HomingDirMask  uint8 // bit i set: axis i's switch is on the positive side
	SeekRate       float64
	FeedRate       float64
	Pulloff        float64
	DebounceTicks  uint32 // scheduler ticks to wait after each homing pass
	LocateCycles   int    // N_HOMING_LOCATE_CYCLE
	HardLimitEnable bool
	SoftLimitEnable bool
}

// DefaultHomingCycles is CR1's default homing schedule: Z moves alone first
// to clear the workspace, then X and Y move together (grblCR config.h's
// HOMING_CYCLE_0/HOMING_CYCLE_1).
var DefaultHomingCycles = []uint8{
	1 << board.AxisZ,
	1<<board.AxisX | 1<<board.AxisY,
}

// Limits bundles everything the homing protocol and limit checks act on.
type Limits struct {
	Board    *board.Board
	Planner  *planner.Planner
	Stepper  *stepper.Engine
	Sys      *system.System
	Executor *system.Executor

	Settings Settings

	// TickStep is the scheduler ticks advanced per poll iteration while a
	// homing or pull-off move runs. Defaults to board.TimerFreq/1000 (~1ms)
	// when zero.
	TickStep uint32
}

// New creates a Limits controller bound to the motion stack.
func New(b *board.Board, pln *planner.Planner, eng *stepper.Engine, sys *system.System, exec *system.Executor, settings Settings) *Limits {
	return &Limits{Board: b, Planner: pln, Stepper: eng, Sys: sys, Executor: exec, Settings: settings}
}

// Cycle runs the homing protocol for the axes named in cycleMask: a search
// pass toward the limit switches, then LocateCycles pull-off/approach pairs
// at decreasing distance to precisely locate the trip point, and finally
// snaps sys_position so the switch location becomes a known machine
// coordinate (spec.md §4.4 steps 1-6).
func (l *Limits) Cycle(cycleMask uint8) error {
	if l.Sys.Abort {
		return nil
	}

	var searchTravel float64
	for axis := 0; axis < 3; axis++ {
		if cycleMask&(1<<uint(axis)) == 0 {
			continue
		}
		d := -HomingAxisSearchScalar * l.Planner.Axes[axis].MaxTravel
		if d > searchTravel {
			searchTravel = d
		}
	}

	pulloff := l.Settings.Pulloff
	for pair := 0; pair <= l.Settings.LocateCycles; pair++ {
		var approachTravel, approachRate, pulloffTravel, pulloffRate float64
		switch pair {
		case 0:
			approachTravel, approachRate = searchTravel, l.Settings.SeekRate
			pulloffTravel, pulloffRate = DistanceFirstPullaway, l.Settings.SeekRate
		case 1:
			approachTravel, approachRate = pulloff*HomingAxisLocateScalar+DistanceFirstPullaway, l.Settings.SeekRate
			pulloffTravel, pulloffRate = pulloff, l.Settings.SeekRate
		default:
			approachTravel, approachRate = pulloff*HomingAxisLocateScalar, l.Settings.FeedRate
			pulloffTravel, pulloffRate = pulloff, l.Settings.SeekRate
		}
		if err := l.runApproach(cycleMask, approachTravel, approachRate); err != nil {
			return err
		}
		if err := l.runPulloff(cycleMask, pulloffTravel, pulloffRate); err != nil {
			return err
		}
	}

	for axis := 0; axis < 3; axis++ {
		if cycleMask&(1<<uint(axis)) == 0 {
			continue
		}
		var mm float64
		if l.Settings.HomingDirMask&(1<<uint(axis)) != 0 {
			mm = l.Planner.Axes[axis].MaxTravel + l.Settings.Pulloff
		} else {
			mm = -l.Settings.Pulloff
		}
		l.Stepper.Position[axis] = int64(math.Round(mm * l.Planner.Axes[axis].StepsPerMM))
	}
	l.syncPlannerFromStepper()
	l.Stepper.StepControl = stepper.StepControlNormal
	return nil
}

// runApproach drives every active axis toward its limit switch at rate,
// locking each axis out of the step output the instant its switch trips
// (spec.md §4.4 step 2). Returns ErrHomingFailed if the programmed distance
// is exhausted before every active axis has tripped.
func (l *Limits) runApproach(cycleMask uint8, travel, rate float64) error {
	target, axislock, nActive := l.zeroAndTarget(cycleMask, travel, true)
	l.Stepper.HomingAxisLock = axislock
	if err := l.beginMove(target, rate*math.Sqrt(float64(nActive))); err != nil {
		return err
	}

	for {
		limitState := l.Board.Limits.Read()
		for axis := 0; axis < 3; axis++ {
			bit := uint8(1 << uint(axis))
			if axislock&bit != 0 && limitState&bit != 0 {
				axislock &^= bit
			}
		}
		l.Stepper.HomingAxisLock = axislock
		l.Stepper.PrepBuffer()
		if axislock == 0 {
			break // every active axis has tripped its switch
		}
		idle := l.Stepper.IsIdle()
		if l.pump() {
			return l.failAborted()
		}
		if idle {
			return l.failAlarm(system.AlarmHomingFailApproach)
		}
	}

	l.Stepper.Reset()
	l.debounce()
	return nil
}

// runPulloff drives every active axis away from its limit switch by travel
// at rate, then verifies the switch actually cleared (spec.md §4.4 step 4).
func (l *Limits) runPulloff(cycleMask uint8, travel, rate float64) error {
	target, axislock, nActive := l.zeroAndTarget(cycleMask, travel, false)
	l.Stepper.HomingAxisLock = axislock
	if err := l.beginMove(target, rate*math.Sqrt(float64(nActive))); err != nil {
		return err
	}

	for {
		l.Stepper.PrepBuffer()
		idle := l.Stepper.IsIdle()
		if l.pump() {
			return l.failAborted()
		}
		if idle {
			break
		}
	}

	l.Stepper.Reset()
	l.debounce()
	if l.Board.Limits.Read()&cycleMask != 0 {
		return l.failAlarm(system.AlarmHomingFailPulloff)
	}
	return nil
}

// zeroAndTarget re-zeroes sys_position on the active axes (homing motion
// doesn't care about absolute position until the final snap) and builds the
// relative target for a search/locate or pull-off pass.
func (l *Limits) zeroAndTarget(mask uint8, travel float64, approach bool) (target [3]float64, axislock uint8, nActive int) {
	for axis := 0; axis < 3; axis++ {
		if mask&(1<<uint(axis)) == 0 {
			continue
		}
		l.Stepper.Position[axis] = 0
		nActive++
		axislock |= 1 << uint(axis)
	}
	l.syncPlannerFromStepper()
	target = l.Planner.Position()

	for axis := 0; axis < 3; axis++ {
		if mask&(1<<uint(axis)) == 0 {
			continue
		}
		dirSet := l.Settings.HomingDirMask&(1<<uint(axis)) != 0
		target[axis] = homingSign(dirSet, approach) * travel
	}
	return target, axislock, nActive
}

// homingSign resolves the direction a pass should move: toward the switch
// on approach, away from it otherwise, accounting for which side of the
// axis the switch lives on (grblCR limits_go_home's direction table).
func homingSign(dirSet, approach bool) float64 {
	if dirSet == approach {
		return -1
	}
	return 1
}

func (l *Limits) beginMove(target [3]float64, rate float64) error {
	ld := planner.LineData{FeedRate: rate, Condition: planner.CondSystemMotion | planner.CondNoFeedOverride}
	if err := l.Planner.BufferLine(target, ld); err != nil {
		return err
	}
	l.Stepper.StepControl = stepper.StepControlExecuteSysMotion
	l.Stepper.PrepBuffer()
	l.Stepper.WakeUp()
	return nil
}

func (l *Limits) syncPlannerFromStepper() {
	var stepPos [3]int32
	for axis := 0; axis < 3; axis++ {
		stepPos[axis] = int32(l.Stepper.Position[axis])
	}
	l.Planner.SyncPosition(stepPos)
}

// pump advances the scheduler by one poll tick and runs the executor, the
// way the homing inner loop calls protocol_execute_realtime every iteration
// (spec.md §5's suspension-point rule). Reports whether sys.abort is now
// set.
func (l *Limits) pump() bool {
	sched := l.Stepper.Sched
	tick := l.TickStep
	if tick == 0 {
		tick = board.TimerFreq / 1000
	}
	sched.Advance(sched.Now() + tick)
	if l.Executor != nil {
		l.Executor.ExecuteRealtime()
	}
	return l.Sys.Abort
}

func (l *Limits) debounce() {
	if l.Settings.DebounceTicks == 0 {
		return
	}
	sched := l.Stepper.Sched
	sched.Advance(sched.Now() + l.Settings.DebounceTicks)
}

// failAborted records HOMING_FAIL_RESET. The cancellation itself (stepper
// reset, planner reset, spindle stop, state -> ALARM) has already run inside
// Executor.Reset when the RESET bit was popped.
func (l *Limits) failAborted() error {
	l.Sys.SetAlarm(system.AlarmHomingFailReset)
	return ErrHomingFailed
}

// failAlarm records alarm and runs the full mc_reset cascade, since this
// failure (unlike failAborted) was not already detected by the executor.
func (l *Limits) failAlarm(alarm system.Alarm) error {
	l.Sys.SetAlarm(alarm)
	if l.Executor != nil {
		l.Executor.Reset()
	}
	return ErrHomingFailed
}

// SoftLimitCheck implements limits_soft_check (spec.md §4.4 item 3): if any
// axis of targetMM falls outside [max_travel[i], 0], force a feed hold,
// drain the pipeline to IDLE, then raise alarm SOFT_LIMIT. Called from the
// motion-control line entry point before a move is ever buffered.
func (l *Limits) SoftLimitCheck(targetMM [3]float64) bool {
	if !l.Settings.SoftLimitEnable {
		return false
	}
	violated := false
	for axis := 0; axis < 3; axis++ {
		if targetMM[axis] > 0 || targetMM[axis] < l.Planner.Axes[axis].MaxTravel {
			violated = true
		}
	}
	if !violated {
		return false
	}

	l.Sys.SoftLimitHit = true
	if l.Sys.State == system.StateCycle {
		l.Sys.SetExecState(system.ExecStateFeedHold)
		for l.Sys.State != system.StateIdle {
			if l.pump() {
				return true
			}
		}
	}
	l.Sys.SetAlarm(system.AlarmSoftLimit)
	if l.Executor != nil {
		l.Executor.Reset()
	}
	return true
}

// FindTripDeltaX1X2 is CR1's dual-switch gantry-squaring helper (spec.md
// §4.4's X1/X2 squaring): it moves the X axis away from both switches, then
// toward them, latching each switch's trip step-position independently, and
// returns the signed delta between the two. A caller uses this to command a
// differential move that squares the gantry.
func (l *Limits) FindTripDeltaX1X2() (int32, error) {
	if l.Sys.Abort {
		return 0, nil
	}
	const axis = int(board.AxisX)
	mask := uint8(1 << uint(axis))

	// Phase 1: pull away until both X1 and X2 read clear.
	target, axislock, nActive := l.zeroAndTarget(mask, DistanceFirstPullaway, false)
	l.Stepper.HomingAxisLock = axislock
	if err := l.beginMove(target, l.Settings.SeekRate*math.Sqrt(float64(nActive))); err != nil {
		return 0, err
	}
	for {
		l.Stepper.PrepBuffer()
		x1 := l.Board.Limits.ReadX1()
		x2 := l.Board.Limits.Read()&mask != 0
		if !x1 && !x2 {
			break
		}
		if l.pump() {
			return 0, l.failAborted()
		}
	}
	l.Stepper.Reset()
	l.debounce()

	// Phase 2: move toward the switches, latching each trip position once.
	searchTravel := -HomingAxisSearchScalar * l.Planner.Axes[axis].MaxTravel
	target, axislock, nActive = l.zeroAndTarget(mask, searchTravel, true)
	l.Stepper.HomingAxisLock = axislock
	if err := l.beginMove(target, l.Settings.FeedRate*math.Sqrt(float64(nActive))); err != nil {
		return 0, err
	}
	var tripX1, tripX2 int32
	var gotX1, gotX2 bool
	for {
		x1 := l.Board.Limits.ReadX1()
		x2 := l.Board.Limits.Read()&mask != 0
		if x1 && !gotX1 {
			tripX1 = int32(l.Stepper.Position[axis])
			gotX1 = true
		}
		if x2 && !gotX2 {
			tripX2 = int32(l.Stepper.Position[axis])
			gotX2 = true
		}
		l.Stepper.PrepBuffer()
		if gotX1 && gotX2 {
			break
		}
		if l.pump() {
			return 0, l.failAborted()
		}
	}
	l.Stepper.Reset()
	l.debounce()

	// Phase 3: pull away again so neither switch trips during squaring.
	target, axislock, nActive = l.zeroAndTarget(mask, DistanceFirstPullaway, false)
	l.Stepper.HomingAxisLock = axislock
	if err := l.beginMove(target, l.Settings.SeekRate*math.Sqrt(float64(nActive))); err != nil {
		return 0, err
	}
	for {
		l.Stepper.PrepBuffer()
		idle := l.Stepper.IsIdle()
		if l.pump() {
			return 0, l.failAborted()
		}
		if idle {
			break
		}
	}
	l.Stepper.Reset()
	l.debounce()

	l.Stepper.StepControl = stepper.StepControlNormal
	return tripX1 - tripX2, nil
}
