package main

import (
	"fmt"
	"strconv"
	"strings"

	"cr1/board"
	"cr1/gcode"
	"cr1/limits"
	"cr1/report"
	"cr1/settings"
)

// handleSystemCommand dispatches one of spec.md §6's `$` system commands —
// the lines that never reach gcode.Interpreter.Execute because they aren't
// g-code words at all (original_source/grblCR keeps the same split between
// gc_execute_line and system_execute_line). ok is false when line isn't a
// system command, so the caller falls through to the g-code path.
func (d *daemon) handleSystemCommand(line string) (resp string, ok bool) {
	if !strings.HasPrefix(line, "$") {
		return "", false
	}
	cmd := line[1:]

	switch {
	case cmd == "" || cmd == "$":
		return d.listSettings(), true
	case cmd == "#":
		return d.viewParameters(), true
	case cmd == "G":
		return d.viewParserState(), true
	case cmd == "I":
		return fmt.Sprintf("[VER:%s:]\r\n%s", version, report.StatusMessage(report.StatusOK)), true
	case cmd == "X":
		d.mc.Unlock()
		return report.Feedback(report.MessageAlarmUnlock) + report.StatusMessage(report.StatusOK), true
	case cmd == "H" || cmd == "HX" || cmd == "HY" || cmd == "HZ":
		return d.homingCycle(cmd), true
	case cmd == "L":
		return d.autolevelX(), true
	case cmd == "LS":
		return d.storeXSquaring(), true
	case cmd == "RST=$":
		cfg := settings.Default()
		if err := d.store.Save(cfg); err != nil {
			return report.StatusMessage(report.StatusSettingReadFail), true
		}
		return report.Feedback(report.MessageRestoreDefaults) + report.StatusMessage(report.StatusOK), true
	case cmd == "RST=#" || cmd == "RST=*":
		// Clearing stored G28/G30/WCS parameters ($RST=#) or a full wipe
		// ($RST=*) has no persisted-parameter store behind it yet — only
		// the settings blob ($RST=$) is implemented.
		return report.StatusMessage(report.StatusInvalidStatement), true
	case strings.Contains(cmd, "="):
		return d.setSetting(cmd), true
	default:
		return report.StatusMessage(report.StatusInvalidStatement), true
	}
}

// homingCycle runs $H's full DefaultHomingCycles phase sequence, or a
// single axis for $HX/$HY/$HZ (spec.md §6).
func (d *daemon) homingCycle(cmd string) string {
	var masks []uint8
	switch cmd {
	case "HX":
		masks = []uint8{1 << board.AxisX}
	case "HY":
		masks = []uint8{1 << board.AxisY}
	case "HZ":
		masks = []uint8{1 << board.AxisZ}
	default:
		masks = limits.DefaultHomingCycles
	}
	for _, mask := range masks {
		if err := d.mc.HomingCycle(mask); err != nil {
			return report.AlarmMessage(d.sys.GetAlarm(), 0)
		}
	}
	return report.StatusMessage(report.StatusOK)
}

// autolevelX is $L: runs mc.Controller.AutolevelX three times in a row the
// way grblCR's $L handler iterates until the gantry squares, reporting the
// trip delta measured on the final pass.
func (d *daemon) autolevelX() string {
	var delta int32
	for i := 0; i < 3; i++ {
		v, err := d.mc.AutolevelX()
		if err != nil {
			return report.AlarmMessage(d.sys.GetAlarm(), 0)
		}
		delta = v
	}
	return fmt.Sprintf("[LX:%d]\r\n%s", delta, report.StatusMessage(report.StatusOK))
}

// storeXSquaring is $LS: measures the X1/X2 trip delta once and persists it
// as the stored squaring datum (grblCR's "store difference between X limit
// switches in EEPROM").
func (d *daemon) storeXSquaring() string {
	delta, err := d.mc.XIsLevel()
	if err != nil {
		return report.AlarmMessage(d.sys.GetAlarm(), 0)
	}
	d.cfg.XSquaringOffset = float64(delta)
	if err := d.store.Save(d.cfg); err != nil {
		return report.StatusMessage(report.StatusSettingReadFail)
	}
	return fmt.Sprintf("[LX:%d]\r\n%s", delta, report.StatusMessage(report.StatusOK))
}

// listSettings is report_grbl_settings: one "$<n>=<value>" line per
// persisted setting, numbered the way original_source/grblCR/report.c
// numbers them ($100/$101/$102 steps/mm, $110-series max rate, $120-series
// acceleration, $130-series max travel, per settings.h's
// AXIS_SETTINGS_START_VAL/AXIS_SETTINGS_INCREMENT).
func (d *daemon) listSettings() string {
	s := d.cfg
	var b strings.Builder
	line := func(n int, v interface{}) { fmt.Fprintf(&b, "$%d=%v\r\n", n, v) }

	line(0, s.PulseMicroseconds)
	line(1, s.StepperIdleLockTime)
	line(2, s.StepInvertMask)
	line(3, s.DirInvertMask)
	line(4, boolToUint8(s.Flags.Has(settings.FlagInvertStEnable)))
	line(5, boolToUint8(s.Flags.Has(settings.FlagInvertLimitPins)))
	line(6, boolToUint8(s.Flags.Has(settings.FlagInvertProbePin)))
	line(10, s.StatusReportMask)
	line(11, s.JunctionDeviation)
	line(12, s.ArcTolerance)
	line(13, boolToUint8(s.Flags.Has(settings.FlagReportInches)))
	line(20, boolToUint8(s.Flags.Has(settings.FlagSoftLimitEnable)))
	line(21, boolToUint8(s.Flags.Has(settings.FlagHardLimitEnable)))
	line(22, boolToUint8(s.Flags.Has(settings.FlagHomingEnable)))
	line(23, s.HomingDirMask)
	line(24, s.HomingFeedRate)
	line(25, s.HomingSeekRate)
	line(26, s.HomingDebounceDelay)
	line(27, s.HomingPulloff)
	line(30, s.RPMMax)
	line(31, s.RPMMin)

	for axis := 0; axis < 3; axis++ {
		line(100+axis, s.StepsPerMM[axis])
		line(110+axis, s.MaxRate[axis])
		line(120+axis, s.Acceleration[axis]/3600)
		line(130+axis, s.MaxTravel[axis])
	}
	b.WriteString(report.StatusMessage(report.StatusOK))
	return b.String()
}

// setSetting is $<n>=<value>: applies one $$ line back onto the loaded
// config (spec.md §9's round-trip identity requirement) and persists it.
func (d *daemon) setSetting(cmd string) string {
	parts := strings.SplitN(cmd, "=", 2)
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return report.StatusMessage(report.StatusBadNumberFormat)
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return report.StatusMessage(report.StatusBadNumberFormat)
	}

	s := &d.cfg
	switch {
	case n == 0:
		s.PulseMicroseconds = uint8(v)
	case n == 1:
		s.StepperIdleLockTime = uint8(v)
	case n == 2:
		s.StepInvertMask = uint8(v)
	case n == 3:
		s.DirInvertMask = uint8(v)
	case n == 4:
		s.Flags.Set(settings.FlagInvertStEnable, v != 0)
	case n == 5:
		s.Flags.Set(settings.FlagInvertLimitPins, v != 0)
	case n == 6:
		s.Flags.Set(settings.FlagInvertProbePin, v != 0)
	case n == 10:
		s.StatusReportMask = uint8(v)
	case n == 11:
		s.JunctionDeviation = v
	case n == 12:
		s.ArcTolerance = v
	case n == 13:
		s.Flags.Set(settings.FlagReportInches, v != 0)
	case n == 20:
		s.Flags.Set(settings.FlagSoftLimitEnable, v != 0)
	case n == 21:
		s.Flags.Set(settings.FlagHardLimitEnable, v != 0)
	case n == 22:
		s.Flags.Set(settings.FlagHomingEnable, v != 0)
	case n == 23:
		s.HomingDirMask = uint8(v)
	case n == 24:
		s.HomingFeedRate = v
	case n == 25:
		s.HomingSeekRate = v
	case n == 26:
		s.HomingDebounceDelay = uint16(v)
	case n == 27:
		s.HomingPulloff = v
	case n == 30:
		s.RPMMax = v
	case n == 31:
		s.RPMMin = v
	case n >= 100 && n <= 102:
		s.StepsPerMM[n-100] = v
	case n >= 110 && n <= 112:
		s.MaxRate[n-110] = v
	case n >= 120 && n <= 122:
		s.Acceleration[n-120] = v * 3600
	case n >= 130 && n <= 132:
		s.MaxTravel[n-130] = v
	default:
		return report.StatusMessage(report.StatusInvalidStatement)
	}

	if err := d.store.Save(*s); err != nil {
		return report.StatusMessage(report.StatusSettingReadFail)
	}
	// Most settings (acceleration, travel limits, rates) only matter for
	// blocks planned after this point; the live planner/limits/spindle
	// already hold a copy from when the daemon started and pick up the new
	// values on the next restart, the same way grbl's EEPROM write doesn't
	// retroactively touch an in-flight plan.
	return report.StatusMessage(report.StatusOK)
}

// viewParameters is $#: WCS offsets, the active G92 offset, and the
// G28/G30 stored positions (report.c's report_probe_parameters /
// report_ngc_parameters, narrowed to the fields gcode.Interpreter tracks).
func (d *daemon) viewParameters() string {
	var b strings.Builder
	names := [6]string{"G54", "G55", "G56", "G57", "G58", "G59"}
	for i, name := range names {
		fmt.Fprintf(&b, "[%s:%s]\r\n", name, axisTriple(d.interp.WCS[i]))
	}
	fmt.Fprintf(&b, "[G28:%s]\r\n", axisTriple(d.interp.G28Pos))
	fmt.Fprintf(&b, "[G30:%s]\r\n", axisTriple(d.interp.G30Pos))
	fmt.Fprintf(&b, "[G92:%s]\r\n", axisTriple(d.interp.G92Offset))
	b.WriteString(report.StatusMessage(report.StatusOK))
	return b.String()
}

// viewParserState is $G: the modal groups gcode.Interpreter currently has
// selected (report.c's report_gcode_modes, reduced to the modal words
// gcode.State actually tracks).
func (d *daemon) viewParserState() string {
	m := d.interp.Modal

	plane := [3]string{"G17", "G18", "G19"}[m.Plane]
	units := "G21"
	if m.Units == gcode.UnitsInch {
		units = "G20"
	}
	distance := "G90"
	if m.Distance == gcode.DistanceRelative {
		distance = "G91"
	}
	coord := fmt.Sprintf("G%d", 54+m.CoordSystem)

	resp := fmt.Sprintf("[GC:%s %s %s %s %s F%v S%v]\r\n", motionModeWord(m.Motion), plane,
		units, distance, coord, d.interp.FeedRate, d.interp.SpindleRPM)
	return resp + report.StatusMessage(report.StatusOK)
}

func motionModeWord(motion gcode.MotionMode) string {
	switch motion {
	case gcode.MotionRapid:
		return "G0"
	case gcode.MotionCWArc:
		return "G2"
	case gcode.MotionCCWArc:
		return "G3"
	case gcode.MotionProbeAlarm:
		return "G38.2"
	case gcode.MotionProbeNoAlarm:
		return "G38.3"
	default:
		return "G1"
	}
}

func boolToUint8(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

func axisTriple(v [3]float64) string {
	return strconv.FormatFloat(v[0], 'f', 3, 64) + "," +
		strconv.FormatFloat(v[1], 'f', 3, 64) + "," +
		strconv.FormatFloat(v[2], 'f', 3, 64)
}
