package report

import (
	"strings"
	"testing"

	"cr1/system"
)

func TestStatusMessageOK(t *testing.T) {
	if got := StatusMessage(StatusOK); got != "ok\r\n" {
		t.Errorf("StatusMessage(OK) = %q, want %q", got, "ok\r\n")
	}
}

func TestStatusMessageErrorIncludesShortCodeAndNumber(t *testing.T) {
	got := StatusMessage(StatusIdleError)
	if !strings.Contains(got, "[MSG:not idle]") {
		t.Errorf("StatusMessage(IdleError) = %q, missing short code", got)
	}
	if !strings.HasSuffix(got, "error:7\r\n") {
		t.Errorf("StatusMessage(IdleError) = %q, want error:7 suffix", got)
	}
}

func TestAlarmMessageHardLimitNamesTrippedAxes(t *testing.T) {
	got := AlarmMessage(system.AlarmHardLimit, 1<<0|1<<2) // X and Z
	if !strings.Contains(got, "[MSG:Limit XZ]") {
		t.Errorf("AlarmMessage(HardLimit) = %q, want axes XZ named", got)
	}
	if !strings.Contains(got, "ALARM:1\r\n") {
		t.Errorf("AlarmMessage(HardLimit) = %q, want ALARM:1", got)
	}
}

func TestAlarmMessageSoftLimitOmitsAxisLetters(t *testing.T) {
	got := AlarmMessage(system.AlarmSoftLimit, 0xFF)
	if strings.Contains(got, "X") || strings.Contains(got, "Y") || strings.Contains(got, "Z") {
		t.Errorf("AlarmMessage(SoftLimit) = %q, should not name axes", got)
	}
}

func TestStatusReportFormatUsesLiteralWPrefixTwice(t *testing.T) {
	r := StatusReport{
		State:           system.StateIdle,
		MPos:            [3]float64{1, 2, 3},
		WCO:             [3]float64{0, 0, 0},
		PlannerFree:     15,
		SerialFree:      127,
		FeedOverride:    100,
		RapidOverride:   100,
		SpindleOverride: 100,
	}
	got := r.Format()
	if strings.Count(got, "|W:") != 2 {
		t.Errorf("Format() = %q, want exactly two |W: fields (open question (a))", got)
	}
	if !strings.HasPrefix(got, "<Idle|W:1.000,2.000,3.000|B:15,127|W:") {
		t.Errorf("Format() = %q, unexpected field order", got)
	}
	if !strings.HasSuffix(got, "|Ov:100,100,100>") {
		t.Errorf("Format() = %q, missing Ov: tail", got)
	}
}

func TestStatusReportFormatOmitsOptionalFields(t *testing.T) {
	r := StatusReport{State: system.StateIdle}
	got := r.Format()
	if strings.Contains(got, "|L:") {
		t.Errorf("Format() = %q, want no |L: field when HaveLineNumber is false", got)
	}
	if strings.Contains(got, "|Pn:") {
		t.Errorf("Format() = %q, want no |Pn: field when no pins are set", got)
	}
	if strings.Contains(got, "|A:") {
		t.Errorf("Format() = %q, want no |A: field when Accessory is empty", got)
	}
}

func TestStatusReportFormatIncludesLineNumberAndPins(t *testing.T) {
	r := StatusReport{
		State:          system.StateCycle,
		LineNumber:     42,
		HaveLineNumber: true,
		Pins:           PinState{LimitX: true, Probe: true},
		Accessory:      "S",
	}
	got := r.Format()
	if !strings.Contains(got, "|L:42|") {
		t.Errorf("Format() = %q, want |L:42|", got)
	}
	if !strings.Contains(got, "|Pn:XP|") {
		t.Errorf("Format() = %q, want |Pn:XP|", got)
	}
	if !strings.HasSuffix(got, "|A:S>") {
		t.Errorf("Format() = %q, want |A:S> suffix", got)
	}
}

func TestWelcomeLine(t *testing.T) {
	got := WelcomeLine("1.1cr1")
	want := "\r\nGrbl 1.1cr1 [help:'$']\r\n"
	if got != want {
		t.Errorf("WelcomeLine() = %q, want %q", got, want)
	}
}
