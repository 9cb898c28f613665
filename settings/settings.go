// Package settings holds CR1's persisted machine configuration: the
// per-axis motion limits, pulse/invert timing, homing parameters and
// boolean flags that grbl keeps in EEPROM (spec.md §6, original_source's
// settings.h's settings_t). It also supplies conversion helpers that turn
// a Settings value into the small per-package settings types planner,
// limits, spindle and mc already define, so a loaded Settings is the one
// value the rest of the firmware is built from.
//
// Grounded on original_source/grblCR/settings.h for the struct shape and
// default values (defaults.h's DEFAULTS_CR1 block), and on
// standalone/config/config.go for the load-then-fill-defaults shape (only
// the shape: LoadConfig/applyDefaults's pattern of unmarshal-then-patch
// zero fields, not its JSON schema, which is a 3D-printer Cartesian
// config unrelated to CR1's EEPROM layout).
package settings

import (
	"cr1/limits"
	"cr1/mc"
	"cr1/planner"
	"cr1/spindle"
)

// Version is SETTINGS_VERSION: stored as the first byte of any persisted
// blob so a firmware upgrade that changes the struct shape can detect and
// wipe stale data rather than misinterpret it (spec.md §6's $RST=*).
const Version uint8 = 11

// Flags mirrors settings_t.flags: one bit per boolean setting, in
// settings.h's BIT_* numbering.
type Flags uint8

const (
	FlagReportInches Flags = 1 << iota
	flagUnused
	FlagInvertStEnable
	FlagHardLimitEnable
	FlagHomingEnable
	FlagSoftLimitEnable
	FlagInvertLimitPins
	FlagInvertProbePin
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f *Flags) Set(bit Flags, v bool) {
	if v {
		*f |= bit
	} else {
		*f &^= bit
	}
}

// RestoreFlags mirrors the SETTINGS_RESTORE_* bitflags passed to $RST=.
type RestoreFlags uint8

const (
	RestoreDefaults RestoreFlags = 1 << iota
	RestoreParameters
	RestoreStartupLines
	RestoreBuildInfo
	RestoreAll = RestoreDefaults | RestoreParameters | RestoreStartupLines | RestoreBuildInfo
)

// Settings is settings_t: the full set of values $$ reports and $RST can
// restore. Axis arrays are indexed X, Y, Z (board.AxisX/Y/Z).
type Settings struct {
	StepsPerMM   [3]float64
	MaxRate      [3]float64 // mm/min
	Acceleration [3]float64 // mm/sec^2
	MaxTravel    [3]float64 // mm, positive (soft-limit distance from machine zero)

	PulseMicroseconds   uint8
	StepInvertMask      uint8 // bit i set: axis i's step pulse is active-low
	DirInvertMask       uint8 // bit i set: axis i's direction output is inverted
	StepperIdleLockTime uint8 // msec; 255 keeps steppers enabled indefinitely
	StatusReportMask    uint8

	JunctionDeviation float64 // mm
	ArcTolerance      float64 // mm

	RPMMax float64
	RPMMin float64

	Flags Flags

	HomingDirMask        uint8 // bit i set: axis i homes toward its positive side
	HomingFeedRate       float64
	HomingSeekRate       float64
	HomingDebounceDelay  uint16 // msec
	HomingPulloff        float64

	// XSquaringOffset is the X1/X2 trip delta $LS last measured and stored
	// (grblCR's dual-X gantry squaring datum). Zero means never measured.
	XSquaringOffset float64
}

// Default returns DEFAULTS_CR1 from defaults.h.
func Default() Settings {
	var s Settings
	s.StepsPerMM = [3]float64{400.0, 400.0, 400.0}
	s.MaxRate = [3]float64{2540.0, 3100.0, 3100.0}
	s.Acceleration = [3]float64{500.0 * 3600, 500.0 * 3600, 500.0 * 3600}
	s.MaxTravel = [3]float64{86.5, 241.5, 78.5}

	s.PulseMicroseconds = 10
	s.StepInvertMask = 0
	s.DirInvertMask = 0
	s.StepperIdleLockTime = 100
	s.StatusReportMask = 127

	s.JunctionDeviation = 0.02
	s.ArcTolerance = 0.002

	s.RPMMax = 8500.0
	s.RPMMin = 1360.0

	s.Flags.Set(FlagReportInches, false)
	s.Flags.Set(FlagInvertStEnable, false)
	s.Flags.Set(FlagInvertLimitPins, true)
	s.Flags.Set(FlagSoftLimitEnable, true)
	s.Flags.Set(FlagHardLimitEnable, true)
	s.Flags.Set(FlagInvertProbePin, false)
	s.Flags.Set(FlagHomingEnable, true)

	s.HomingDirMask = 1
	s.HomingFeedRate = 30.0
	s.HomingSeekRate = 2000.0
	s.HomingDebounceDelay = 1
	s.HomingPulloff = 0.5
	return s
}

// applyDefaults patches any field left at its Go zero value. This lets a
// caller unmarshal a partial settings blob (e.g. one written by an older
// Version that lacked a later field) and still end up with a runnable
// configuration, in the spirit of standalone/config's LoadConfig ->
// applyDefaults pattern.
func applyDefaults(s *Settings) {
	d := Default()
	for i := 0; i < 3; i++ {
		if s.StepsPerMM[i] == 0 {
			s.StepsPerMM[i] = d.StepsPerMM[i]
		}
		if s.MaxRate[i] == 0 {
			s.MaxRate[i] = d.MaxRate[i]
		}
		if s.Acceleration[i] == 0 {
			s.Acceleration[i] = d.Acceleration[i]
		}
		if s.MaxTravel[i] == 0 {
			s.MaxTravel[i] = d.MaxTravel[i]
		}
	}
	if s.PulseMicroseconds == 0 {
		s.PulseMicroseconds = d.PulseMicroseconds
	}
	if s.JunctionDeviation == 0 {
		s.JunctionDeviation = d.JunctionDeviation
	}
	if s.ArcTolerance == 0 {
		s.ArcTolerance = d.ArcTolerance
	}
	if s.RPMMax == 0 {
		s.RPMMax = d.RPMMax
	}
	if s.RPMMin == 0 {
		s.RPMMin = d.RPMMin
	}
	if s.HomingFeedRate == 0 {
		s.HomingFeedRate = d.HomingFeedRate
	}
	if s.HomingSeekRate == 0 {
		s.HomingSeekRate = d.HomingSeekRate
	}
	if s.HomingPulloff == 0 {
		s.HomingPulloff = d.HomingPulloff
	}
}

// ToAxisLimits produces planner.New's per-axis argument. MaxTravel is
// negated: planner.AxisLimits stores travel as a negative distance from
// machine zero (spec.md §3), while Settings and $$ report it as a
// positive magnitude the way grbl's $130/$131/$132 do.
func (s Settings) ToAxisLimits() [3]planner.AxisLimits {
	var out [3]planner.AxisLimits
	for i := 0; i < 3; i++ {
		out[i] = planner.AxisLimits{
			StepsPerMM: s.StepsPerMM[i],
			MaxRate:    s.MaxRate[i],
			MaxTravel:  -s.MaxTravel[i],
		}
	}
	return out
}

// ToLimitsSettings produces limits.New's Settings argument.
func (s Settings) ToLimitsSettings() limits.Settings {
	return limits.Settings{
		HomingDirMask:   s.HomingDirMask,
		SeekRate:        s.HomingSeekRate,
		FeedRate:        s.HomingFeedRate,
		Pulloff:         s.HomingPulloff,
		DebounceTicks:   0, // board-clock-rate dependent; caller scales HomingDebounceDelay
		LocateCycles:    0,
		HardLimitEnable: s.Flags.Has(FlagHardLimitEnable),
		SoftLimitEnable: s.Flags.Has(FlagSoftLimitEnable),
	}
}

// ToSpindleSettings produces spindle.New's Settings argument.
func (s Settings) ToSpindleSettings() spindle.Settings {
	return spindle.Settings{RPMMin: s.RPMMin, RPMMax: s.RPMMax}
}

// ToMCSettings produces mc.New's Settings argument.
func (s Settings) ToMCSettings() mc.Settings {
	return mc.Settings{ArcTolerance: s.ArcTolerance}
}
