// Package stepper implements the step-segment generator (spec.md §4.2): it
// consumes plan blocks from the planner and issues Bresenham-distributed
// step pulses through a board.StepPort, using AMASS (Adaptive Multi-Axis
// Step Smoothing) to keep multi-axis motion smooth at low feed rates.
//
// Grounded on the teacher's core/stepper.go (StepperMove's Interval/Count/Add
// fields are exactly this package's segment timing model) and
// core/scheduler.go's sorted Timer ring, reused here as the step-ISR
// equivalent via cr1/scheduler.
package stepper

import (
	"math"
	"sync"

	"cr1/board"
	"cr1/planner"
	"cr1/scheduler"
)

// MaxAmassLevel bounds the multi-axis step smoothing level (spec.md §4.2).
const MaxAmassLevel = 3

// AccelerationTicksPerSecond sets the segment slice rate: one segment covers
// 1/AccelerationTicksPerSecond seconds of the trapezoid, 10ms by default.
const AccelerationTicksPerSecond = 100

// SegmentBufferSize is the depth of the segment ring prep_buffer refills.
const SegmentBufferSize = 6

// AMASS level thresholds on the unscaled per-step timer interval, in ticks.
// Derived the way the teacher's board.TimerFreq scales Klipper-style
// interval math; thresholds follow Grbl's stepper.c AMASS_LEVELn constants
// scaled to a 12MHz tick base.
const (
	amassLevel1 = board.TimerFreq / 8000
	amassLevel2 = board.TimerFreq / 4000
	amassLevel3 = board.TimerFreq / 2000
)

// StepControl mirrors sys.step_control (spec.md §3): flags the executor
// raises to change how the stepper treats the currently loaded block.
type StepControl uint8

const (
	StepControlNormal           StepControl = 0
	StepControlExecuteHold      StepControl = 1 << 0
	StepControlExecuteSysMotion StepControl = 1 << 1
	StepControlUpdateSpindlePWM StepControl = 1 << 2
)

// Segment is one execution slice of a plan block (spec.md §3): a run of
// NStep physical dominant-axis steps issued CyclesPerTick ticks apart, at
// the given AMASS level.
type Segment struct {
	NStep         uint32
	CyclesPerTick uint32
	AmassLevel    uint8
	SpindlePWM    uint16
	block         *planner.Block
	cursor        *blockCursor
}

// blockCursor holds the classic Bresenham state for the block currently
// being stepped; it persists across every segment of that block.
type blockCursor struct {
	block          *planner.Block
	counter        [board.NumAxes]int32
	stepsRemaining uint32
}

// prepState holds the in-progress trapezoid slicing cursor for the block
// segments are currently being generated from.
type prepState struct {
	block      *planner.Block
	mmComplete float64
	speed      float64 // mm/s, current speed at the point mmComplete reaches
	accelDist  float64
	cruiseDist float64
	decelDist  float64
	exitSpeed  float64
}

// Engine is the step-segment generator: it owns the segment ring, the
// Bresenham cursor for the block in flight, and the scheduler timer that
// stands in for the step-pulse ISR.
type Engine struct {
	mu sync.Mutex

	Board   *board.Board
	Planner *planner.Planner
	Sched   *scheduler.Scheduler

	segments           [SegmentBufferSize]Segment
	segHead, segTail   int
	segCount           int

	// prepCursor is the Bresenham cursor for the block currently being
	// sliced into segments; each Segment captures a reference to the
	// cursor in effect when it was generated, since the ISR may still be
	// draining an earlier block's segments while prep runs ahead onto a
	// newer one.
	prepCursor *blockCursor
	prep       prepState

	// HomingAxisLock has one bit per axis; a cleared bit masks that axis's
	// direction and step pulses out of the ISR even while the planner still
	// schedules motion on it (spec.md §4.2). All-ones outside homing.
	HomingAxisLock uint8
	StepControl    StepControl
	PowerLevel     uint8
	PowerLevelFunc func(level uint8)

	Position [board.NumAxes]int64

	timer        scheduler.Timer
	running      bool
	microCounter uint8

	idleLockTimeMS uint32
	idleTimer      scheduler.Timer

	realtimeRateMMPerMin float64

	// OnCycleStop is invoked when a hold-driven decel to zero completes, or
	// when the segment ring drains with nothing left to prep — the
	// stepper's equivalent of setting EXEC_CYCLE_STOP.
	OnCycleStop func()
}

const allAxesUnlocked = 0x07

// New creates a stepper engine bound to a board and a planner. The board's
// Clock drives the scheduler timestamps.
func New(b *board.Board, p *planner.Planner, sched *scheduler.Scheduler) *Engine {
	e := &Engine{
		Board:          b,
		Planner:        p,
		Sched:          sched,
		HomingAxisLock: allAxesUnlocked,
	}
	e.timer.Handler = e.timerHandler
	e.idleTimer.Handler = e.idleTimerHandler
	return e
}

// WakeUp enables the stepper driver and starts the step timer if segments
// are queued. Idempotent.
func (e *Engine) WakeUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Board.Steps.SetEnable(true)
	e.Sched.Remove(&e.idleTimer)
	e.ensureRunningLocked()
}

// GoIdle stops the step timer. If idleLockTimeMS is non-zero and not the
// sentinel 0xFF*1000 ("never"), the driver enable line is dropped after
// that delay; 255 (spec.md "stepper_idle_lock_time") means never de-energize.
func (e *Engine) GoIdle(idleLockTimeMS uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Sched.Remove(&e.timer)
	e.running = false
	if idleLockTimeMS == 255 {
		return
	}
	e.idleLockTimeMS = uint32(idleLockTimeMS)
	if e.idleLockTimeMS == 0 {
		e.Board.Steps.SetEnable(false)
		return
	}
	e.idleTimer.WakeTime = e.Sched.Now() + e.idleLockTimeMS*(board.TimerFreq/1000)
	e.Sched.Add(&e.idleTimer)
}

func (e *Engine) idleTimerHandler(t *scheduler.Timer) scheduler.Result {
	e.Board.Steps.SetEnable(false)
	return scheduler.Done
}

// Reset force-kills the step timer and clears the segment ring. Position is
// retained, per spec.md §4.2.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Sched.Remove(&e.timer)
	e.Sched.Remove(&e.idleTimer)
	e.running = false
	e.segHead, e.segTail, e.segCount = 0, 0, 0
	e.prepCursor = nil
	e.prep = prepState{}
	e.microCounter = 0
}

// PrepBuffer refills the segment ring from the current plan block. Must be
// called often enough that the step ISR never starves (spec.md: "typical
// deadline: one AMASS cycle ≈ 10ms").
func (e *Engine) PrepBuffer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.segCount < SegmentBufferSize {
		if e.prep.block == nil {
			blk := e.Planner.GetCurrentBlock()
			if blk == nil {
				return
			}
			e.loadBlockLocked(blk)
		}
		if !e.genSegmentLocked() {
			e.prep.block = nil
			e.prepCursor = nil
			e.Planner.DiscardCurrentBlock()
		}
	}
	e.ensureRunningLocked()
}

func (e *Engine) loadBlockLocked(blk *planner.Block) {
	e.Planner.LockHeadBlock()

	exitSqr := 0.0
	if next := e.Planner.PeekNextBlock(); next != nil {
		exitSqr = next.EntrySpeedSqr
	}
	if e.StepControl&StepControlExecuteHold != 0 {
		exitSqr = 0
	}

	v0 := math.Sqrt(blk.EntrySpeedSqr)
	ve := math.Sqrt(exitSqr)
	V := math.Sqrt(blk.NominalSpeedSqr)
	accel := blk.Acceleration
	s := blk.Millimeters

	e.prep = computeTrapezoid(v0, ve, V, accel, s)
	e.prep.block = blk

	cursor := &blockCursor{block: blk, stepsRemaining: blk.StepEventCount}
	for i := 0; i < int(board.NumAxes); i++ {
		cursor.counter[i] = int32(blk.StepEventCount >> 1)
	}
	e.prepCursor = cursor

	for axis := board.Axis(0); axis < board.NumAxes; axis++ {
		reverse := blk.DirectionBits&(1<<axis) != 0
		e.Board.Steps.SetDirection(axis, reverse)
	}
}

// computeTrapezoid implements spec.md §4.2's canonical trapezoid: accel
// distance d1, decel distance d3, and either a cruise d2 or a collapsed
// triangle peak when d1+d3 exceeds the block's length.
func computeTrapezoid(v0, ve, V, accel, s float64) prepState {
	if accel <= 0 {
		accel = 1
	}
	d1 := (V*V - v0*v0) / (2 * accel)
	d3 := (V*V - ve*ve) / (2 * accel)
	if d1 < 0 {
		d1 = 0
	}
	if d3 < 0 {
		d3 = 0
	}
	if d1+d3 > s {
		vPeakSqr := (2*accel*s + v0*v0 + ve*ve) / 2
		if vPeakSqr < v0*v0 {
			vPeakSqr = v0 * v0
		}
		d1 = (vPeakSqr - v0*v0) / (2 * accel)
		if d1 < 0 {
			d1 = 0
		}
		if d1 > s {
			d1 = s
		}
		d3 = s - d1
		return prepState{mmComplete: 0, speed: v0, accelDist: d1, cruiseDist: 0, decelDist: d3, exitSpeed: ve}
	}
	d2 := s - d1 - d3
	return prepState{mmComplete: 0, speed: v0, accelDist: d1, cruiseDist: d2, decelDist: d3, exitSpeed: ve}
}

// UpdatePlanBlockParameters informs the stepper that the head block's
// velocity profile changed (feed hold decel, an override). It re-derives
// the trapezoid from the current in-flight position and speed.
func (e *Engine) UpdatePlanBlockParameters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	blk := e.prep.block
	if blk == nil {
		return
	}
	mmRemaining := blk.Millimeters - e.prep.mmComplete
	if mmRemaining < 0 {
		mmRemaining = 0
	}
	v0 := e.prep.speed
	ve := 0.0
	if e.StepControl&StepControlExecuteHold == 0 {
		if next := e.Planner.PeekNextBlock(); next != nil {
			ve = math.Sqrt(next.EntrySpeedSqr)
		}
	}
	V := math.Sqrt(blk.NominalSpeedSqr)
	np := computeTrapezoid(v0, ve, V, blk.Acceleration, mmRemaining)
	np.block = blk
	np.mmComplete = 0 // re-based: distances are now relative to "here"
	// Re-anchor the running distance accounting to the already-completed mm
	// so genSegmentLocked's phase comparisons (which use absolute mmComplete
	// against the block's own accel/cruise/decel distances) stay relative to
	// remaining distance rather than the whole block.
	offset := e.prep.mmComplete
	e.prep = np
	e.prep.mmComplete = offset
	e.prep.accelDist += offset
	e.prep.decelDist += offset
}

// genSegmentLocked produces the next segment for the in-flight block.
// Returns false when the block has been fully sliced (no more segments).
func (e *Engine) genSegmentLocked() bool {
	const dt = 1.0 / AccelerationTicksPerSecond

	p := &e.prep
	blk := p.block
	cursor := e.prepCursor
	if blk == nil || cursor == nil || cursor.stepsRemaining == 0 {
		return false
	}

	mmRemaining := blk.Millimeters - p.mmComplete
	if mmRemaining <= 1e-9 {
		return false
	}

	var a float64
	switch {
	case p.mmComplete < p.accelDist-1e-9:
		a = blk.Acceleration
	case p.mmComplete < p.accelDist+p.cruiseDist-1e-9:
		a = 0
	default:
		a = -blk.Acceleration
	}

	v0 := p.speed
	segDt := dt
	dist := v0*segDt + 0.5*a*segDt*segDt
	vEnd := v0 + a*segDt

	// Clip to the end of the current ramp phase so the next call re-reads
	// the correct phase.
	var phaseEnd float64
	switch {
	case p.mmComplete < p.accelDist-1e-9:
		phaseEnd = p.accelDist
	case p.mmComplete < p.accelDist+p.cruiseDist-1e-9:
		phaseEnd = p.accelDist + p.cruiseDist
	default:
		phaseEnd = blk.Millimeters
	}
	if p.mmComplete+dist > phaseEnd {
		dist = phaseEnd - p.mmComplete
		if dist < 0 {
			dist = 0
		}
		vEnd = solveExitSpeed(v0, a, dist)
	}
	if p.mmComplete+dist > blk.Millimeters {
		dist = blk.Millimeters - p.mmComplete
		vEnd = solveExitSpeed(v0, a, dist)
	}
	if vEnd < 0 {
		vEnd = 0
	}

	density := float64(blk.StepEventCount) / blk.Millimeters
	stepsThisSeg := uint32(math.Round(dist * density))
	last := p.mmComplete+dist >= blk.Millimeters-1e-9
	if last || stepsThisSeg > cursor.stepsRemaining {
		stepsThisSeg = cursor.stepsRemaining
	}
	if stepsThisSeg == 0 {
		if cursor.stepsRemaining == 0 {
			return false
		}
		stepsThisSeg = 1
	}

	avgRate := dist / segDt // mm/s, used for reporting
	if avgRate < 0 {
		avgRate = 0
	}
	e.realtimeRateMMPerMin = avgRate * 60

	stepRate := float64(stepsThisSeg) / segDt // steps/sec
	var cyclesPerTick uint32
	if stepRate > 0 {
		cyclesPerTick = uint32(math.Round(float64(board.TimerFreq) / stepRate))
	} else {
		cyclesPerTick = board.TimerFreq / 1000
	}
	level, adjusted := amassAdjust(cyclesPerTick)

	spindlePWM := uint16(0)
	if e.StepControl&StepControlUpdateSpindlePWM != 0 {
		spindlePWM = uint16(blk.SpindleSpeed)
	}

	e.segments[e.segTail] = Segment{
		NStep:         stepsThisSeg,
		CyclesPerTick: adjusted,
		AmassLevel:    level,
		SpindlePWM:    spindlePWM,
		block:         blk,
		cursor:        cursor,
	}
	e.segTail = (e.segTail + 1) % SegmentBufferSize
	e.segCount++

	cursor.stepsRemaining -= stepsThisSeg
	p.mmComplete += dist
	p.speed = vEnd

	if cursor.stepsRemaining == 0 {
		return false
	}
	return true
}

// solveExitSpeed returns the speed reached after covering dist starting at
// v0 under constant acceleration a, using v² = v0² + 2·a·dist (stable even
// when a == 0).
func solveExitSpeed(v0, a, dist float64) float64 {
	vSqr := v0*v0 + 2*a*dist
	if vSqr < 0 {
		vSqr = 0
	}
	return math.Sqrt(vSqr)
}

// amassAdjust picks the AMASS level for a given unscaled per-step timer
// interval and returns the level plus the right-shifted interval the ISR
// actually reloads, per spec.md §4.2 and Grbl's AMASS_LEVELn thresholds.
func amassAdjust(cyclesPerTick uint32) (level uint8, adjusted uint32) {
	switch {
	case cyclesPerTick < amassLevel1:
		return 0, cyclesPerTick
	case cyclesPerTick < amassLevel2:
		return 1, cyclesPerTick >> 1
	case cyclesPerTick < amassLevel3:
		return 2, cyclesPerTick >> 2
	default:
		if level3 := cyclesPerTick >> 3; level3 > 0 {
			return 3, level3
		}
		return 3, 1
	}
}

func (e *Engine) ensureRunningLocked() {
	if e.running || e.segCount == 0 {
		return
	}
	e.running = true
	e.timer.WakeTime = e.Sched.Now() + e.segments[e.segHead].CyclesPerTick
	e.Sched.Add(&e.timer)
}

// timerHandler is the step-ISR equivalent: one scheduler tick issues one
// AMASS micro-tick, pulsing a physical dominant-axis step (and, through
// Bresenham accumulation, any trailing axes) every 2^level micro-ticks.
func (e *Engine) timerHandler(t *scheduler.Timer) scheduler.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.segCount == 0 {
		e.running = false
		return scheduler.Done
	}
	seg := &e.segments[e.segHead]

	e.microCounter++
	if e.microCounter >= (1 << seg.AmassLevel) {
		e.microCounter = 0
		e.issuePhysicalStepLocked(seg)
		if seg.NStep > 0 {
			seg.NStep--
		}
	}

	if seg.NStep == 0 {
		e.segHead = (e.segHead + 1) % SegmentBufferSize
		e.segCount--
		e.microCounter = 0
		if e.segCount == 0 {
			if e.prep.block == nil && e.OnCycleStop != nil {
				e.OnCycleStop()
			}
			e.running = false
			return scheduler.Done
		}
		t.WakeTime += e.segments[e.segHead].CyclesPerTick
		return scheduler.Reschedule
	}

	t.WakeTime += seg.CyclesPerTick
	return scheduler.Reschedule
}

func (e *Engine) issuePhysicalStepLocked(seg *Segment) {
	blk := seg.block
	c := seg.cursor
	if c == nil || c.block != blk {
		return
	}
	for axis := 0; axis < int(board.NumAxes); axis++ {
		c.counter[axis] += int32(blockStepsPerAxis(blk, axis))
		if c.counter[axis] > int32(blk.StepEventCount) {
			c.counter[axis] -= int32(blk.StepEventCount)
			if e.HomingAxisLock&(1<<uint(axis)) == 0 {
				continue
			}
			a := board.Axis(axis)
			e.Board.Steps.Step(a)
			if blk.DirectionBits&(1<<uint(axis)) != 0 {
				e.Position[axis]--
			} else {
				e.Position[axis]++
			}
		}
	}
}

func blockStepsPerAxis(blk *planner.Block, axis int) uint32 {
	return blk.StepsPerAxis[axis]
}

// GetRealtimeRate returns the current step-rate converted to mm/min, for
// status reporting.
func (e *Engine) GetRealtimeRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realtimeRateMMPerMin
}

// SetPowerLevel forwards a driver power/current level change to the board,
// if one is wired. CR1 boards without adjustable drive current ignore it.
func (e *Engine) SetPowerLevel(level uint8) {
	e.mu.Lock()
	e.PowerLevel = level
	fn := e.PowerLevelFunc
	e.mu.Unlock()
	if fn != nil {
		fn(level)
	}
}

// IsIdle reports whether the engine has no segments queued and no block in
// flight.
func (e *Engine) IsIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.segCount == 0 && e.prep.block == nil
}
