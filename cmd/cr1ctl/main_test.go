package main

import (
	"path/filepath"
	"strings"
	"testing"

	"cr1/report"
	"cr1/settings"
	"cr1/system"
)

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	cfg := settings.Default()
	cfg.Flags &^= settings.FlagSoftLimitEnable
	store := settings.NewFileStore(filepath.Join(t.TempDir(), "settings.bin"))
	return newDaemon(store, cfg)
}

func TestRespondOKOnValidLine(t *testing.T) {
	d := newTestDaemon(t)
	if got := d.respond("G0 X1 Y1"); got != report.StatusMessage(report.StatusOK) {
		t.Errorf("respond(G0) = %q, want ok", got)
	}
}

func TestRespondReportsOverflowedLineAsTooLong(t *testing.T) {
	d := newTestDaemon(t)
	if got := d.respond(""); got != report.StatusMessage(report.StatusLineLengthExceeded) {
		t.Errorf("respond(\"\") = %q, want StatusLineLengthExceeded", got)
	}
}

func TestRespondRejectsUnparseableLine(t *testing.T) {
	d := newTestDaemon(t)
	got := d.respond("@")
	if !strings.Contains(got, "error:") {
		t.Errorf("respond(@) = %q, want an error: response", got)
	}
}

func TestRespondLocksOutWhenAlarmed(t *testing.T) {
	d := newTestDaemon(t)
	d.sys.State = system.StateAlarm
	got := d.respond("G0 X1")
	if got != report.StatusMessage(report.StatusSystemGCLock) {
		t.Errorf("respond while alarmed = %q, want StatusSystemGCLock", got)
	}
}

func TestStatusReportFormatsLiveState(t *testing.T) {
	d := newTestDaemon(t)
	s := d.statusReport().Format()
	if !strings.HasPrefix(s, "<Idle|") {
		t.Errorf("Format() = %q, want a leading \"<Idle|\"", s)
	}
	if !strings.Contains(s, "|Ov:100,100,100") {
		t.Errorf("Format() = %q, want default 100%% overrides", s)
	}
}

func TestStatusReportReflectsBufferedMove(t *testing.T) {
	d := newTestDaemon(t)
	before := d.planner.GetBlockBufferAvailable()

	if got := d.respond("G0 X5 Y5"); got != report.StatusMessage(report.StatusOK) {
		t.Fatalf("respond(G0) = %q", got)
	}

	after := d.statusReport().PlannerFree
	if after != before-1 {
		t.Errorf("PlannerFree = %d, want %d (one block consumed)", after, before-1)
	}
}

func TestDollarDollarListsAxisSettings(t *testing.T) {
	d := newTestDaemon(t)
	got := d.respond("$$")
	for _, want := range []string{"$100=", "$110=", "$120=", "$130="} {
		if !strings.Contains(got, want) {
			t.Errorf("$$ output missing %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, report.StatusMessage(report.StatusOK)) {
		t.Error("$$ should end with ok")
	}
}

func TestDollarSetAndReadBackSetting(t *testing.T) {
	d := newTestDaemon(t)
	if got := d.respond("$100=320"); got != report.StatusMessage(report.StatusOK) {
		t.Fatalf("$100=320 = %q", got)
	}
	if d.cfg.StepsPerMM[0] != 320 {
		t.Errorf("StepsPerMM[0] = %v, want 320", d.cfg.StepsPerMM[0])
	}
}

func TestDollarXUnlocksAnAlarm(t *testing.T) {
	d := newTestDaemon(t)
	d.sys.State = system.StateAlarm
	d.sys.SetAlarm(system.AlarmSoftLimit)

	got := d.respond("$X")
	if !strings.HasSuffix(got, report.StatusMessage(report.StatusOK)) {
		t.Errorf("$X = %q, want a trailing ok", got)
	}
	if d.sys.State != system.StateIdle {
		t.Errorf("State after $X = %v, want Idle", d.sys.State)
	}
}

func TestDollarGReportsModalState(t *testing.T) {
	d := newTestDaemon(t)
	got := d.respond("$G")
	if !strings.Contains(got, "[GC:G1 G17 G21 G90 G54") {
		t.Errorf("$G = %q, want the default modal state", got)
	}
}

func TestDollarLReportsTripDelta(t *testing.T) {
	d := newTestDaemon(t)
	d.sys.Abort = true // short-circuits FindTripDeltaX1X2 to a deterministic zero delta

	got := d.respond("$L")
	if !strings.Contains(got, "[LX:0]") {
		t.Errorf("$L = %q, want [LX:0]", got)
	}
	if !strings.HasSuffix(got, report.StatusMessage(report.StatusOK)) {
		t.Error("$L should end with ok")
	}
}

func TestDollarLSPersistsSquaringOffset(t *testing.T) {
	d := newTestDaemon(t)
	d.sys.Abort = true

	if got := d.respond("$LS"); !strings.HasSuffix(got, report.StatusMessage(report.StatusOK)) {
		t.Errorf("$LS = %q, want a trailing ok", got)
	}
	if d.cfg.XSquaringOffset != 0 {
		t.Errorf("XSquaringOffset = %v, want 0", d.cfg.XSquaringOffset)
	}
}

func TestDollarHashReportsCoordinateOffsets(t *testing.T) {
	d := newTestDaemon(t)
	got := d.respond("$#")
	if !strings.Contains(got, "[G54:") || !strings.Contains(got, "[G92:") {
		t.Errorf("$# = %q, want G54/G92 fields", got)
	}
}
