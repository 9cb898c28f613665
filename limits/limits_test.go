package limits

import (
	"testing"

	"cr1/board"
	"cr1/board/sim"
	"cr1/planner"
	"cr1/scheduler"
	"cr1/stepper"
	"cr1/system"
)

func testAxes() [3]planner.AxisLimits {
	return [3]planner.AxisLimits{
		{StepsPerMM: 80, MaxRate: 5000, MaxTravel: -200},
		{StepsPerMM: 80, MaxRate: 5000, MaxTravel: -200},
		{StepsPerMM: 400, MaxRate: 1000, MaxTravel: -50},
	}
}

func newTestLimits(settings Settings) (*Limits, *sim.Board, *stepper.Engine) {
	b := sim.New()
	bd := &board.Board{Steps: b, Clock: b, Limits: b, Probe: b, Spindle: b}
	pln := planner.New(testAxes(), 0.02)
	sched := scheduler.New()
	eng := stepper.New(bd, pln, sched)
	sys := system.New()
	exec := system.NewExecutor(sys, pln, eng, nil)
	l := New(bd, pln, eng, sys, exec, settings)
	l.TickStep = board.TimerFreq / 10 // 100ms per poll, coarse but fast-converging
	return l, b, eng
}

func TestCycleLocksAxisImmediatelyWhenSwitchAlreadyEngaged(t *testing.T) {
	l, b, eng := newTestLimits(Settings{
		SeekRate: 600, FeedRate: 200, Pulloff: 2, LocateCycles: 0, HomingDirMask: 0,
	})
	b.SetLimit(board.AxisZ, true) // switch already tripped

	if err := l.Cycle(1 << board.AxisZ); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	want := int64(-2 * 400) // -pulloff * stepsPerMM (dir bit clear)
	if eng.Position[board.AxisZ] != want {
		t.Errorf("Position[Z] = %d, want %d", eng.Position[board.AxisZ], want)
	}
}

func TestCycleSnapsPositiveDirectionWhenDirBitSet(t *testing.T) {
	l, b, eng := newTestLimits(Settings{
		SeekRate: 600, FeedRate: 200, Pulloff: 2, LocateCycles: 0,
		HomingDirMask: 1 << board.AxisZ,
	})
	b.SetLimit(board.AxisZ, true)

	if err := l.Cycle(1 << board.AxisZ); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	want := int64((-50.0 + 2.0) * 400) // (max_travel + pulloff) * stepsPerMM
	if eng.Position[board.AxisZ] != want {
		t.Errorf("Position[Z] = %d, want %d", eng.Position[board.AxisZ], want)
	}
}

func TestCycleFailsApproachWhenSwitchNeverTrips(t *testing.T) {
	l, _, _ := newTestLimits(Settings{
		SeekRate: 600, FeedRate: 200, Pulloff: 2, LocateCycles: 0,
	})
	// Switch never engages: the search move runs to completion untripped.
	err := l.Cycle(1 << board.AxisZ)
	if err != ErrHomingFailed {
		t.Fatalf("Cycle error = %v, want ErrHomingFailed", err)
	}
	if l.Sys.GetAlarm() != system.AlarmHomingFailApproach {
		t.Errorf("alarm = %v, want AlarmHomingFailApproach", l.Sys.GetAlarm())
	}
}

func TestCycleFailsPulloffWhenSwitchStaysEngaged(t *testing.T) {
	l, b, _ := newTestLimits(Settings{
		SeekRate: 600, FeedRate: 200, Pulloff: 2, LocateCycles: 0,
	})
	b.SetLimit(board.AxisZ, true) // trips immediately and never clears

	err := l.Cycle(1 << board.AxisZ)
	if err != ErrHomingFailed {
		t.Fatalf("Cycle error = %v, want ErrHomingFailed", err)
	}
	if l.Sys.GetAlarm() != system.AlarmHomingFailPulloff {
		t.Errorf("alarm = %v, want AlarmHomingFailPulloff", l.Sys.GetAlarm())
	}
}

func TestCycleReturnsSilentlyWhenAborted(t *testing.T) {
	l, _, _ := newTestLimits(Settings{SeekRate: 600, FeedRate: 200, Pulloff: 2})
	l.Sys.Abort = true
	if err := l.Cycle(1 << board.AxisZ); err != nil {
		t.Errorf("Cycle with sys.abort set: %v, want nil", err)
	}
}

func TestSoftLimitCheckFlagsOutOfBoundsTarget(t *testing.T) {
	l, _, _ := newTestLimits(Settings{SoftLimitEnable: true})
	if hit := l.SoftLimitCheck([3]float64{10, 0, 0}); !hit {
		t.Fatal("expected soft limit hit for target[0] > 0")
	}
	if !l.Sys.SoftLimitHit {
		t.Error("expected SoftLimitHit set")
	}
	if l.Sys.GetAlarm() != system.AlarmSoftLimit {
		t.Errorf("alarm = %v, want AlarmSoftLimit", l.Sys.GetAlarm())
	}
}

func TestSoftLimitCheckIgnoresWithinBoundsTarget(t *testing.T) {
	l, _, _ := newTestLimits(Settings{SoftLimitEnable: true})
	if hit := l.SoftLimitCheck([3]float64{-10, -10, -5}); hit {
		t.Fatal("expected no soft limit hit for in-bounds target")
	}
}

func TestSoftLimitCheckDisabledNeverTrips(t *testing.T) {
	l, _, _ := newTestLimits(Settings{SoftLimitEnable: false})
	if hit := l.SoftLimitCheck([3]float64{999, 0, 0}); hit {
		t.Fatal("expected soft limit check to no-op when disabled")
	}
}

// fakeSquareLimits reads clear for the first call (satisfying the pull-away
// phase immediately) and tripped from the second call on (satisfying the
// approach phase immediately), so both X1 and X2 latch at the same
// step position and the test can assert a zero delta deterministically.
type fakeSquareLimits struct {
	calls int
	mask  uint8
}

func (f *fakeSquareLimits) ReadX1() bool {
	f.calls++
	return f.calls >= 2
}

func (f *fakeSquareLimits) Read() uint8 {
	if f.calls >= 2 {
		return f.mask
	}
	return 0
}

func TestFindTripDeltaX1X2ZeroWhenBothTripAtSamePosition(t *testing.T) {
	b := sim.New()
	fake := &fakeSquareLimits{mask: 1 << board.AxisX}
	bd := &board.Board{Steps: b, Clock: b, Limits: fake}
	pln := planner.New(testAxes(), 0.02)
	sched := scheduler.New()
	eng := stepper.New(bd, pln, sched)
	sys := system.New()
	exec := system.NewExecutor(sys, pln, eng, nil)
	l := New(bd, pln, eng, sys, exec, Settings{SeekRate: 600, FeedRate: 200, Pulloff: 2})
	l.TickStep = board.TimerFreq / 10

	delta, err := l.FindTripDeltaX1X2()
	if err != nil {
		t.Fatalf("FindTripDeltaX1X2: %v", err)
	}
	if delta != 0 {
		t.Errorf("delta = %d, want 0 (both tripped at the same position)", delta)
	}
}
