package gcode

import "cr1/mc"

// Plane is the G17/G18/G19 plane-select modal group.
type Plane uint8

const (
	PlaneXY Plane = iota
	PlaneXZ
	PlaneYZ
)

// ToMC maps a Plane onto the axis layout mc.Arc expects.
func (p Plane) ToMC() mc.Plane {
	switch p {
	case PlaneXZ:
		return mc.PlaneXZ
	case PlaneYZ:
		return mc.PlaneYZ
	default:
		return mc.PlaneXY
	}
}

// DistanceMode is the G90/G91 modal group.
type DistanceMode uint8

const (
	DistanceAbsolute DistanceMode = iota
	DistanceRelative
)

// Units is the G20/G21 modal group.
type Units uint8

const (
	UnitsMM Units = iota
	UnitsInch
)

// InchToMM converts a value read under G20 into mm; a no-op under G21.
func (u Units) InchToMM(v float64) float64 {
	if u == UnitsInch {
		return v * 25.4
	}
	return v
}

// FeedMode is the G93/G94 modal group (inverse-time vs. units-per-minute
// feed). Tracked per SPEC_FULL.md §6.7's modal-group list even though
// G93 has no real effect here: per-move feed-time scheduling for inverse
// time is a stepper/planner concern this firmware doesn't implement
// (plain units/min is the only feed mode mc.Line's LineData carries), so
// G93 is accepted and recorded but behaves identically to G94.
type FeedMode uint8

const (
	FeedUnitsPerMinute FeedMode = iota
	FeedInverseTime
)

// MotionMode is the G0/G1/G2/G3/G38.2/G38.3/G80 modal group (group 1).
type MotionMode uint8

const (
	MotionNone MotionMode = iota
	MotionRapid
	MotionLinear
	MotionCWArc
	MotionCCWArc
	MotionProbeAlarm   // G38.2: alarm if the probe never trips
	MotionProbeNoAlarm // G38.3: no alarm if the probe never trips
)

// State is the full set of grbl modal groups this interpreter tracks.
type State struct {
	Motion      MotionMode
	Plane       Plane
	Distance    DistanceMode
	Units       Units
	FeedMode    FeedMode
	CoordSystem int // 0..5, selecting WCS[CoordSystem] (G54..G59)
	Coolant     bool
}

// DefaultState is grbl's modal state after a reset: G1 G17 G21 G90 G94
// G54, spindle/coolant off (tracked separately by the interpreter, not
// here).
func DefaultState() State {
	return State{
		Motion:      MotionLinear,
		Plane:       PlaneXY,
		Distance:    DistanceAbsolute,
		Units:       UnitsMM,
		FeedMode:    FeedUnitsPerMinute,
		CoordSystem: 0,
	}
}
