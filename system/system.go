// Package system implements the realtime executor (spec.md §4.3): the
// cooperative reactor that polls the volatile flag words ISRs and the main
// loop set, enforces the global state machine, applies overrides, and runs
// the suspend/resume loop during a feed hold.
//
// Grounded on the teacher's protocol/transport.go atomic isSynchronized/
// nextSequence pattern (generalized from "one synchronized flag" into the
// four spec.md §3 realtime flag words) and core/trsync.go's trigger-sync
// flag/callback shape (generalized from "an endstop fires a trsync" into
// "a limit ISR ORs a bit into execState and the executor's poll consumes
// it").
package system

import (
	"sync"
	"sync/atomic"

	"cr1/diag"
	"cr1/planner"
	"cr1/stepper"
)

// State is sys.state (spec.md §3).
type State uint8

const (
	StateIdle State = iota
	StateCycle
	StateHold
	StateHoming
	StateAlarm
	StateCheckMode
	StateJog
	StateSleep
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCycle:
		return "Run"
	case StateHold:
		return "Hold"
	case StateHoming:
		return "Home"
	case StateAlarm:
		return "Alarm"
	case StateCheckMode:
		return "Check"
	case StateJog:
		return "Jog"
	case StateSleep:
		return "Sleep"
	default:
		return "Unknown"
	}
}

// ExecState is sys_rt_exec_state, a bitset ORed by ISRs and the main loop,
// consumed only by ExecuteRealtime.
type ExecState uint32

const (
	ExecStateReset ExecState = 1 << iota
	ExecStateStatusReport
	ExecStateCycleStart
	ExecStateCycleStop
	ExecStateFeedHold
	ExecStateMotionCancel
	ExecStateSleep
)

// Alarm is sys_rt_exec_alarm, the last alarm code (spec.md §6).
type Alarm uint8

const (
	AlarmNone Alarm = iota
	AlarmHardLimit
	AlarmSoftLimit
	AlarmAbortCycle
	AlarmProbeFailInitial
	AlarmProbeFailContact
	AlarmHomingFailReset
	AlarmHomingFailPulloff
	AlarmHomingFailApproach
)

// MotionOverride is sys_rt_exec_motion_override: feed and rapid override
// change requests peeled from the realtime byte stream (spec.md §6).
type MotionOverride uint32

const (
	OverrideFeedReset MotionOverride = 1 << iota
	OverrideFeedCoarsePlus
	OverrideFeedCoarseMinus
	OverrideFeedFinePlus
	OverrideFeedFineMinus
	OverrideRapid100
	OverrideRapid50
	OverrideRapid25
)

// AccessoryOverride is sys_rt_exec_accessory_override: spindle speed and
// spindle-stop requests (spec.md §6).
type AccessoryOverride uint32

const (
	OverrideSpindleReset AccessoryOverride = 1 << iota
	OverrideSpindleCoarsePlus
	OverrideSpindleCoarseMinus
	OverrideSpindleFinePlus
	OverrideSpindleFineMinus
	OverrideSpindleStop
)

// Suspend is sys.suspend, the flag set that drives the hold/resume
// coroutine-like loop (spec.md §3).
type Suspend uint8

const (
	SuspendHoldComplete Suspend = 1 << iota
	SuspendRetractComplete
	SuspendRestartRetract
	SuspendInitiateRestore
	SuspendRestoreComplete
	SuspendJogCancel
	SuspendMotionCancel
)

// MinFeedRate mirrors planner.MinFeedRate for override floor checks (kept
// independent of the planner package to avoid a needless import, per
// spec.md §3's separate ownership of each flag word).
const MinFeedRate = 1.0

// System owns sys.state/suspend plus the four atomically-accessed realtime
// flag words. ISRs only OR bits into the exec words; only ExecuteRealtime
// clears them (spec.md §3, §5 ordering guarantees).
type System struct {
	mu sync.Mutex

	State   State
	Suspend Suspend

	Abort          bool
	SoftLimitHit   bool
	ProbeSucceeded bool
	HomingAxisLock uint8

	FeedOverride    int // percent, 1..255
	RapidOverride   int
	SpindleOverride int
	SpindleStopOvr  bool

	execState        uint32 // ExecState, atomic
	execAlarm        uint32 // Alarm, atomic
	execMotionOvr    uint32 // MotionOverride, atomic
	execAccessoryOvr uint32 // AccessoryOverride, atomic
}

// New creates a System at IDLE with overrides at 100%.
func New() *System {
	return &System{
		State:           StateIdle,
		FeedOverride:    100,
		RapidOverride:   100,
		SpindleOverride: 100,
	}
}

// SetExecState ORs bits into sys_rt_exec_state. Safe to call from any
// goroutine standing in for an ISR (limit pin-change, serial RX, stepper
// completion).
func (s *System) SetExecState(bits ExecState) {
	for {
		old := atomic.LoadUint32(&s.execState)
		next := old | uint32(bits)
		if atomic.CompareAndSwapUint32(&s.execState, old, next) {
			return
		}
	}
}

// popExecState reads and clears the entire word in one atomic swap, the
// way the main loop "copies the word once into a local before consulting
// bits, to avoid tearing" (spec.md §5).
func (s *System) popExecState() ExecState {
	return ExecState(atomic.SwapUint32(&s.execState, 0))
}

// SetAlarm records the last alarm code.
func (s *System) SetAlarm(a Alarm) {
	atomic.StoreUint32(&s.execAlarm, uint32(a))
}

// Alarm returns the last alarm code.
func (s *System) GetAlarm() Alarm {
	return Alarm(atomic.LoadUint32(&s.execAlarm))
}

// SetMotionOverride ORs a motion-override request bit.
func (s *System) SetMotionOverride(bits MotionOverride) {
	for {
		old := atomic.LoadUint32(&s.execMotionOvr)
		next := old | uint32(bits)
		if atomic.CompareAndSwapUint32(&s.execMotionOvr, old, next) {
			return
		}
	}
}

func (s *System) popMotionOverride() MotionOverride {
	return MotionOverride(atomic.SwapUint32(&s.execMotionOvr, 0))
}

// SetAccessoryOverride ORs a spindle-override request bit.
func (s *System) SetAccessoryOverride(bits AccessoryOverride) {
	for {
		old := atomic.LoadUint32(&s.execAccessoryOvr)
		next := old | uint32(bits)
		if atomic.CompareAndSwapUint32(&s.execAccessoryOvr, old, next) {
			return
		}
	}
}

func (s *System) popAccessoryOverride() AccessoryOverride {
	return AccessoryOverride(atomic.SwapUint32(&s.execAccessoryOvr, 0))
}

// SpindleController is the slice of spindle.Controller the executor needs;
// declared here to avoid a dependency cycle (spindle does not need to know
// about the executor).
type SpindleController interface {
	Stop()
}

// Executor runs ExecuteRealtime on every long-running main-loop call point
// (spec.md §5's "suspension points"), reacting to the four flag words and
// driving sys.state through the table in spec.md §4.3.
type Executor struct {
	Sys     *System
	Planner *planner.Planner
	Stepper *stepper.Engine
	Spindle SpindleController
}

// NewExecutor wires the executor to its collaborators.
func NewExecutor(sys *System, pln *planner.Planner, eng *stepper.Engine, spn SpindleController) *Executor {
	return &Executor{Sys: sys, Planner: pln, Stepper: eng, Spindle: spn}
}

// Reset is mc_reset, the universal cancellation primitive (spec.md §5): it
// sets sys.abort, stops the step timer, de-energizes the spindle, and
// raises ABORT_CYCLE if a motion was in flight.
func (e *Executor) Reset() {
	e.Sys.mu.Lock()
	wasMoving := e.Sys.State == StateCycle || e.Sys.State == StateHoming || e.Sys.State == StateJog
	e.Sys.Abort = true
	e.Sys.Suspend = 0
	e.Sys.mu.Unlock()

	e.Stepper.Reset()
	e.Planner.Reset()
	if e.Spindle != nil {
		e.Spindle.Stop()
	}

	if wasMoving && e.Sys.GetAlarm() == AlarmNone {
		e.Sys.SetAlarm(AlarmAbortCycle)
	}

	e.Sys.mu.Lock()
	e.Sys.State = StateAlarm
	e.Sys.mu.Unlock()
	diag.Record(diag.Event{Type: diag.EvtHoldStart})
}

// ExecuteRealtime is protocol_exec_rt_system: pops the exec-state word and
// applies the state table in spec.md §4.3. It never blocks.
func (e *Executor) ExecuteRealtime() {
	bits := e.Sys.popExecState()
	if bits == 0 {
		e.applyOverrides()
		return
	}

	if bits&ExecStateReset != 0 {
		e.Reset()
		return
	}

	e.Sys.mu.Lock()
	state := e.Sys.State
	e.Sys.mu.Unlock()

	// ALARM only accepts RESET (handled above) and STATUS_REPORT.
	if state == StateAlarm {
		e.applyOverrides()
		return
	}

	if bits&ExecStateCycleStart != 0 {
		e.handleCycleStart(state)
	}
	if bits&ExecStateFeedHold != 0 {
		e.handleFeedHold(state)
	}
	if bits&ExecStateMotionCancel != 0 {
		e.handleMotionCancel()
	}
	if bits&ExecStateCycleStop != 0 {
		e.handleCycleStop()
	}
	if bits&ExecStateSleep != 0 {
		e.handleSleep(state)
	}

	e.applyOverrides()
}

func (e *Executor) handleCycleStart(state State) {
	switch state {
	case StateIdle:
		if e.Planner.GetCurrentBlock() == nil {
			return
		}
		e.Stepper.PrepBuffer()
		e.Stepper.WakeUp()
		e.setState(StateCycle)
	case StateHold:
		e.Sys.mu.Lock()
		complete := e.Sys.Suspend&SuspendHoldComplete != 0
		e.Sys.Suspend = 0
		e.Sys.mu.Unlock()
		if complete {
			e.Stepper.WakeUp()
			e.setState(StateCycle)
		}
	}
}

func (e *Executor) handleFeedHold(state State) {
	switch state {
	case StateCycle:
		e.Stepper.StepControl |= stepper.StepControlExecuteHold
		e.Stepper.UpdatePlanBlockParameters()
		e.setState(StateHold)
	case StateJog:
		e.Sys.mu.Lock()
		e.Sys.Suspend |= SuspendJogCancel
		e.Sys.mu.Unlock()
		e.setState(StateHold)
	}
}

func (e *Executor) handleMotionCancel() {
	e.Sys.mu.Lock()
	if e.Sys.State == StateCycle {
		e.Sys.Suspend |= SuspendMotionCancel
		e.Sys.State = StateHold
	}
	e.Sys.mu.Unlock()
}

func (e *Executor) handleCycleStop() {
	e.Sys.mu.Lock()
	jogCancel := e.Sys.Suspend&SuspendJogCancel != 0
	motionCancel := e.Sys.Suspend&SuspendMotionCancel != 0
	e.Sys.mu.Unlock()

	if jogCancel {
		e.Stepper.Reset()
		e.Planner.Reset()
		e.Sys.mu.Lock()
		e.Sys.Suspend = 0
		e.Sys.mu.Unlock()
		e.setState(StateIdle)
		return
	}
	if motionCancel {
		e.Sys.mu.Lock()
		e.Sys.Suspend = 0
		e.Sys.mu.Unlock()
		e.setState(StateIdle)
		return
	}
	e.Sys.mu.Lock()
	e.Sys.Suspend |= SuspendHoldComplete
	e.Sys.mu.Unlock()
	diag.Record(diag.Event{Type: diag.EvtHoldComplete})
}

func (e *Executor) handleSleep(state State) {
	if state != StateIdle && state != StateAlarm {
		return
	}
	if e.Spindle != nil {
		e.Spindle.Stop()
	}
	e.Stepper.GoIdle(0)
	e.setState(StateSleep)
}

func (e *Executor) setState(s State) {
	e.Sys.mu.Lock()
	e.Sys.State = s
	e.Sys.mu.Unlock()
}

// applyOverrides consumes pending motion/accessory override requests and
// applies them to the planner, re-running look-ahead the way spec.md §4.3
// requires ("cycle_reinitialize is invoked so in-flight blocks re-plan").
func (e *Executor) applyOverrides() {
	mo := e.Sys.popMotionOverride()
	if mo != 0 {
		e.Sys.mu.Lock()
		applyPercentOverride(&e.Sys.FeedOverride, mo,
			OverrideFeedReset, OverrideFeedCoarsePlus, OverrideFeedCoarseMinus,
			OverrideFeedFinePlus, OverrideFeedFineMinus, 10, 1)
		if mo&OverrideRapid100 != 0 {
			e.Sys.RapidOverride = 100
		} else if mo&OverrideRapid50 != 0 {
			e.Sys.RapidOverride = 50
		} else if mo&OverrideRapid25 != 0 {
			e.Sys.RapidOverride = 25
		}
		feed, rapid := e.Sys.FeedOverride, e.Sys.RapidOverride
		e.Sys.mu.Unlock()
		e.Planner.FeedOverride = feed
		e.Planner.RapidOverride = rapid
		e.Planner.UpdateVelocityProfileParameters()
		e.Planner.CycleReinitialize()
		if e.Sys.State == StateCycle {
			e.Stepper.UpdatePlanBlockParameters()
		}
	}

	ao := e.Sys.popAccessoryOverride()
	if ao != 0 {
		e.Sys.mu.Lock()
		applyPercentOverride(&e.Sys.SpindleOverride, AccessoryToMotion(ao),
			OverrideFeedReset, OverrideFeedCoarsePlus, OverrideFeedCoarseMinus,
			OverrideFeedFinePlus, OverrideFeedFineMinus, 10, 1)
		if ao&OverrideSpindleStop != 0 {
			e.Sys.SpindleStopOvr = !e.Sys.SpindleStopOvr
		}
		e.Sys.mu.Unlock()
		if e.Sys.State == StateCycle {
			e.Stepper.StepControl |= stepper.StepControlUpdateSpindlePWM
		}
	}
}

// AccessoryToMotion re-maps an AccessoryOverride's reset/+10/-10/+1/-1 bits
// onto the MotionOverride bit layout so applyPercentOverride's generic
// clamp logic can be shared between the feed and spindle override tracks.
func AccessoryToMotion(ao AccessoryOverride) MotionOverride {
	var mo MotionOverride
	if ao&OverrideSpindleReset != 0 {
		mo |= OverrideFeedReset
	}
	if ao&OverrideSpindleCoarsePlus != 0 {
		mo |= OverrideFeedCoarsePlus
	}
	if ao&OverrideSpindleCoarseMinus != 0 {
		mo |= OverrideFeedCoarseMinus
	}
	if ao&OverrideSpindleFinePlus != 0 {
		mo |= OverrideFeedFinePlus
	}
	if ao&OverrideSpindleFineMinus != 0 {
		mo |= OverrideFeedFineMinus
	}
	return mo
}

func applyPercentOverride(value *int, bits MotionOverride, reset, coarsePlus, coarseMinus, finePlus, fineMinus MotionOverride, coarseStep, fineStep int) {
	if bits&reset != 0 {
		*value = 100
	}
	if bits&coarsePlus != 0 {
		*value += coarseStep
	}
	if bits&coarseMinus != 0 {
		*value -= coarseStep
	}
	if bits&finePlus != 0 {
		*value += fineStep
	}
	if bits&fineMinus != 0 {
		*value -= fineStep
	}
	if *value < 1 {
		*value = 1
	}
	if *value > 255 {
		*value = 255
	}
}
