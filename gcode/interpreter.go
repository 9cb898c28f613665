// Interpreter dispatch. Grounded on standalone/gcode/interpreter.go's
// shape (modal state struct, Execute switching on word type, a doMove
// that resolves the current target from modal absolute/relative mode and
// queues it through a Planner-shaped interface) generalized from that
// file's single-extruder 3D-printer subset to CR1's motion words:
// G0/G1/G2/G3/G4/G10/G20/G21/G28/G28.1/G30/G30.1/G38.2/G38.3/G53/
// G54-G59/G90/G91/G92/G92.1, M0/M1/M2/M3/M4/M5/M8/M9/M30 (SPEC_FULL.md
// §6.7). Tool change (T), cutter/length compensation and path-control
// mode are spec.md Non-goals and are not parsed into modal state at all.
package gcode

import (
	"errors"
	"fmt"
	"math"

	"cr1/mc"
	"cr1/planner"
	"cr1/spindle"
)

// ErrProgramPaused is returned by Execute for M0/M1: the caller (the
// serial/daemon layer that feeds lines one at a time) should stop sending
// further lines until a cycle-start signal resumes it, the way grbl's
// protocol_exec_rt_system suspends the line reader on a program pause.
var ErrProgramPaused = errors.New("gcode: program paused (M0/M1)")

// ErrProgramEnd is returned by Execute for M2/M30: the caller should stop
// feeding the program. Modal state is already reset to defaults (grbl's
// "M2 and M30 ... reset some of the modal groups") before this is
// returned.
var ErrProgramEnd = errors.New("gcode: program end (M2/M30)")

// Interpreter holds CR1's g-code modal state and the position bookkeeping
// (work coordinate systems, G92 offset, G28/G30 stored points) that
// resolves each line's axis words into an absolute machine-frame target
// for mc.Controller.
type Interpreter struct {
	MC      *mc.Controller
	Spindle *spindle.Controller

	Modal State

	// Position is the last commanded target in machine-frame mm — the
	// interpreter's own idea of "current position", not a read-back from
	// the stepper (grbl's gc_state.position has the same property).
	Position [3]float64

	WCS       [6][3]float64 // G54..G59 offsets, machine-frame mm
	G92Offset [3]float64
	G28Pos    [3]float64
	G30Pos    [3]float64

	FeedRate    float64 // mm/min, last programmed F word
	SpindleRPM  float64 // last programmed S word

	// AccelPerAxis is settings.Settings.Acceleration (mm/sec^2): each
	// line's block acceleration is the vector-limited minimum across the
	// axes it actually moves, the way grbl's limit_acceleration_by_axis_
	// maximum computes it from settings.acceleration[].
	AccelPerAxis [3]float64
}

// New creates an interpreter at grbl's default modal state (G1 G17 G21
// G90 G94 G54), bound to a motion-control controller and spindle.
func New(m *mc.Controller, spn *spindle.Controller, accelPerAxis [3]float64) *Interpreter {
	return &Interpreter{
		MC:           m,
		Spindle:      spn,
		Modal:        DefaultState(),
		AccelPerAxis: accelPerAxis,
	}
}

// Execute parses and runs one line of g-code text.
func (in *Interpreter) Execute(text string) error {
	line, err := Parse(text)
	if err != nil {
		return err
	}
	if len(line.Words) == 0 {
		return nil
	}
	return in.run(line)
}

// code scales a G/M word to its nearest tenth and rounds to an int (e.g.
// 38.2 -> 382), so dispatch can switch on an exact integer instead of
// comparing a float64 accumulated via parseFloat's arithmetic against a
// compile-time literal like 38.2 — two paths to "the same" decimal value
// that aren't guaranteed to produce bit-identical float64s.
func code(v float64) int { return int(math.Round(v * 10)) }

func (in *Interpreter) run(line *Line) error {
	for _, g := range line.GWords() {
		switch code(g) {
		case 170:
			in.Modal.Plane = PlaneXY
		case 180:
			in.Modal.Plane = PlaneXZ
		case 190:
			in.Modal.Plane = PlaneYZ
		case 200:
			in.Modal.Units = UnitsInch
		case 210:
			in.Modal.Units = UnitsMM
		case 900:
			in.Modal.Distance = DistanceAbsolute
		case 910:
			in.Modal.Distance = DistanceRelative
		case 930:
			in.Modal.FeedMode = FeedInverseTime
		case 940:
			in.Modal.FeedMode = FeedUnitsPerMinute
		case 540, 550, 560, 570, 580, 590:
			in.Modal.CoordSystem = code(g)/10 - 54
		}
	}

	for _, mw := range line.MWords() {
		switch mw {
		case 3:
			in.setSpindle(spindle.StateCW, line)
		case 4:
			in.setSpindle(spindle.StateCCW, line)
		case 5:
			in.Spindle.Stop()
		case 8, 9:
			in.Modal.Coolant = mw == 8
		}
	}

	if f, ok := line.Value('F'); ok {
		in.FeedRate = in.Modal.Units.InchToMM(f)
	}
	if s, ok := line.Value('S'); ok {
		in.SpindleRPM = s
	}

	if err := in.runNonModal(line); err != nil {
		return err
	}

	if err := in.runMotion(line); err != nil {
		return err
	}

	for _, mw := range line.MWords() {
		switch mw {
		case 0, 1:
			return ErrProgramPaused
		case 2, 30:
			in.Spindle.Stop()
			in.Modal.Coolant = false
			in.Modal = DefaultState()
			return ErrProgramEnd
		}
	}
	return nil
}

func (in *Interpreter) setSpindle(state spindle.State, line *Line) {
	rpm := in.SpindleRPM
	if s, ok := line.Value('S'); ok {
		rpm = s
	}
	in.Spindle.SetState(state, rpm)
}

// runNonModal handles the group-0 words that take effect immediately and
// don't persist as a motion mode: G4 (dwell), G10 (coordinate data),
// G28.1/G30.1 (store reference point), G92/G92.1 (offset current
// position).
func (in *Interpreter) runNonModal(line *Line) error {
	for _, g := range line.GWords() {
		switch code(g) {
		case 40:
			p, _ := line.Value('P')
			return in.MC.Dwell(p)
		case 100:
			if err := in.runG10(line); err != nil {
				return err
			}
		case 281:
			in.G28Pos = in.Position
		case 301:
			in.G30Pos = in.Position
		case 920:
			in.runG92(line)
		case 921:
			in.G92Offset = [3]float64{}
		}
	}
	return nil
}

// runG10 implements G10 L2/L20 Pn: set WCS n (1=G54..6=G59) either to the
// given machine-frame values directly (L2) or such that the current
// position reads as the given values (L20), per grbl's g-code semantics.
func (in *Interpreter) runG10(line *Line) error {
	l, ok := line.Value('L')
	if !ok {
		return fmt.Errorf("gcode: G10 requires an L word")
	}
	p, ok := line.Value('P')
	if !ok {
		return fmt.Errorf("gcode: G10 requires a P word")
	}
	idx := int(p) - 1
	if idx < 0 || idx > 5 {
		return fmt.Errorf("gcode: G10 P%v out of range (1-6)", p)
	}

	for axis, letter := range [3]byte{'X', 'Y', 'Z'} {
		v, ok := line.Value(letter)
		if !ok {
			continue
		}
		v = in.Modal.Units.InchToMM(v)
		switch l {
		case 2:
			in.WCS[idx][axis] = v
		case 20:
			in.WCS[idx][axis] = in.Position[axis] - in.G92Offset[axis] - v
		default:
			return fmt.Errorf("gcode: G10 L%v unsupported", l)
		}
	}
	return nil
}

// runG92 sets the g92 offset so the current position reads as the given
// values on each axis word present; axes not named keep their existing
// offset (grbl's gc_state.coord_offset semantics).
func (in *Interpreter) runG92(line *Line) {
	for axis, letter := range [3]byte{'X', 'Y', 'Z'} {
		v, ok := line.Value(letter)
		if !ok {
			continue
		}
		v = in.Modal.Units.InchToMM(v)
		wcs := in.WCS[in.Modal.CoordSystem][axis]
		in.G92Offset[axis] = in.Position[axis] - wcs - v
	}
}

// runMotion resolves the commanded target and dispatches G0/G1/G2/G3/
// G38.2/G38.3/G28/G30/G53, using the persisted modal motion mode when the
// line carries axis words but no motion G-word of its own.
func (in *Interpreter) runMotion(line *Line) error {
	motion := in.Modal.Motion
	machineFrame := false
	sawMotionWord := false
	var g28 bool
	var g30 bool

	for _, g := range line.GWords() {
		switch code(g) {
		case 0:
			motion, sawMotionWord = MotionRapid, true
		case 10:
			motion, sawMotionWord = MotionLinear, true
		case 20:
			motion, sawMotionWord = MotionCWArc, true
		case 30:
			motion, sawMotionWord = MotionCCWArc, true
		case 382:
			motion, sawMotionWord = MotionProbeAlarm, true
		case 383:
			motion, sawMotionWord = MotionProbeNoAlarm, true
		case 800:
			motion, sawMotionWord = MotionNone, true
		case 530:
			machineFrame = true
		case 280:
			g28 = true
		case 300:
			g30 = true
		}
	}
	if sawMotionWord {
		in.Modal.Motion = motion
	}

	hasAxisWord := line.Has('X') || line.Has('Y') || line.Has('Z')

	if g28 || g30 {
		return in.runHomeReference(line, g30, hasAxisWord)
	}
	if !hasAxisWord || motion == MotionNone {
		return nil
	}

	target := in.resolveTarget(line, machineFrame)

	switch motion {
	case MotionRapid:
		return in.line(target, planner.CondRapidMotion)
	case MotionLinear:
		return in.line(target, 0)
	case MotionCWArc, MotionCCWArc:
		return in.arc(line, target, motion == MotionCWArc)
	case MotionProbeAlarm, MotionProbeNoAlarm:
		_, err := in.MC.ProbeCycle(target, in.lineData(target, 0), motion == MotionProbeNoAlarm)
		if err == nil {
			in.Position = target
		}
		return err
	}
	return nil
}

// runHomeReference implements G28/G30 ("go to stored position", via an
// optional intermediate point named by this line's own axis words) and,
// via G28.1/G30.1 handled earlier in runNonModal, the store-position
// variants.
func (in *Interpreter) runHomeReference(line *Line, isG30 bool, hasAxisWord bool) error {
	stored := in.G28Pos
	if isG30 {
		stored = in.G30Pos
	}
	if hasAxisWord {
		intermediate := in.resolveTarget(line, false)
		if err := in.line(intermediate, planner.CondRapidMotion); err != nil {
			return err
		}
	}
	return in.line(stored, planner.CondRapidMotion)
}

// resolveTarget turns this line's X/Y/Z words into a machine-frame
// target, honoring G90/G91 and, unless machineFrame (G53), the active
// WCS offset and G92 offset. Axes with no word on this line hold their
// current position.
func (in *Interpreter) resolveTarget(line *Line, machineFrame bool) [3]float64 {
	target := in.Position
	for axis, letter := range [3]byte{'X', 'Y', 'Z'} {
		v, ok := line.Value(letter)
		if !ok {
			continue
		}
		v = in.Modal.Units.InchToMM(v)
		if machineFrame {
			target[axis] = v
			continue
		}
		if in.Modal.Distance == DistanceRelative {
			target[axis] = in.Position[axis] + v
			continue
		}
		wcs := in.WCS[in.Modal.CoordSystem][axis]
		target[axis] = wcs + in.G92Offset[axis] + v
	}
	return target
}

func (in *Interpreter) line(target [3]float64, cond planner.Condition) error {
	if err := in.MC.Line(target, in.lineData(target, cond)); err != nil {
		return err
	}
	in.Position = target
	return nil
}

func (in *Interpreter) arc(line *Line, target [3]float64, clockwise bool) error {
	plane := in.Modal.Plane.ToMC()
	start := in.Position

	var offsets [3]float64 // I, J, K in that order
	for i, letter := range [3]byte{'I', 'J', 'K'} {
		v, ok := line.Value(letter)
		if ok {
			offsets[i] = in.Modal.Units.InchToMM(v)
		}
	}
	center := [2]float64{
		start[plane.Axis0] + offsetFor(plane.Axis0, offsets),
		start[plane.Axis1] + offsetFor(plane.Axis1, offsets),
	}

	if err := in.MC.Arc(start, target, center, plane, clockwise, in.lineData(target, 0)); err != nil {
		return err
	}
	in.Position = target
	return nil
}

// offsetFor returns the I/J/K component (indices 0/1/2 respectively) that
// corresponds to machine axis idx (0=X,1=Y,2=Z).
func offsetFor(axisIdx int, ijk [3]float64) float64 {
	switch axisIdx {
	case 0:
		return ijk[0] // I
	case 1:
		return ijk[1] // J
	default:
		return ijk[2] // K
	}
}

// lineData builds the planner.LineData for a move to target. Modal.
// Coolant is tracked as g-code state only (spec.md Non-goals excludes
// coolant hardware control; there is no board.Coolant capability to
// drive) and plays no part in the block itself.
func (in *Interpreter) lineData(target [3]float64, cond planner.Condition) planner.LineData {
	return planner.LineData{
		FeedRate:     in.FeedRate,
		Acceleration: in.limitAcceleration(target),
		Condition:    cond,
		SpindleSpeed: in.SpindleRPM,
	}
}

// limitAcceleration is grbl's limit_acceleration_by_axis_maximum: the
// move's acceleration is the minimum, across axes the move actually
// travels on, of that axis's configured maximum scaled by the inverse of
// its unit-vector component (an axis barely touched by a mostly-diagonal
// move can accelerate harder without exceeding its own per-axis limit).
func (in *Interpreter) limitAcceleration(target [3]float64) float64 {
	var delta [3]float64
	dist := 0.0
	for i := 0; i < 3; i++ {
		delta[i] = target[i] - in.Position[i]
		dist += delta[i] * delta[i]
	}
	dist = math.Sqrt(dist)
	if dist == 0 {
		return in.AccelPerAxis[0]
	}
	limit := math.Inf(1)
	for i := 0; i < 3; i++ {
		frac := math.Abs(delta[i]) / dist
		if frac <= 0 || in.AccelPerAxis[i] <= 0 {
			continue
		}
		if a := in.AccelPerAxis[i] / frac; a < limit {
			limit = a
		}
	}
	if math.IsInf(limit, 1) {
		return in.AccelPerAxis[0]
	}
	return limit
}
