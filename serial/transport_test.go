package serial

import (
	"testing"

	"cr1/protocol"
	"cr1/system"
)

func TestReceiveAssemblesALine(t *testing.T) {
	sys := system.New()
	tr := NewLineTransport(sys)

	tr.Receive(protocol.NewSliceInputBuffer([]byte("G1 X10 F500\r\n")))

	line, ok := tr.TakeLine()
	if !ok {
		t.Fatal("expected a line")
	}
	if line != "G1 X10 F500" {
		t.Errorf("line = %q, want %q (CR stripped)", line, "G1 X10 F500")
	}
	if _, ok := tr.TakeLine(); ok {
		t.Error("expected no second line")
	}
}

func TestReceiveAssemblesMultipleLinesInOneChunk(t *testing.T) {
	sys := system.New()
	tr := NewLineTransport(sys)

	tr.Receive(protocol.NewSliceInputBuffer([]byte("G0 X0\nG0 Y0\n")))

	first, ok := tr.TakeLine()
	if !ok || first != "G0 X0" {
		t.Fatalf("first = %q, %v", first, ok)
	}
	second, ok := tr.TakeLine()
	if !ok || second != "G0 Y0" {
		t.Fatalf("second = %q, %v", second, ok)
	}
}

func TestReceivePeelsSoftResetWithoutEnteringLineBuffer(t *testing.T) {
	sys := system.New()
	tr := NewLineTransport(sys)

	tr.Receive(protocol.NewSliceInputBuffer([]byte{'G', '1', 0x18, ' ', 'X', '1', '\n'}))

	line, ok := tr.TakeLine()
	if !ok || line != "G1 X1" {
		t.Fatalf("line = %q, %v, want the realtime byte excluded from the line", line, ok)
	}
}

func TestReceivePeelsResetPipeAlias(t *testing.T) {
	sys := system.New()
	tr := NewLineTransport(sys)

	tr.Receive(protocol.NewSliceInputBuffer([]byte("|")))
	// no direct exec-state getter; exercised indirectly via the executor
	// elsewhere (system_test.go). Here we only confirm '|' never reaches a
	// line.
	tr.Receive(protocol.NewSliceInputBuffer([]byte("\n")))
	line, ok := tr.TakeLine()
	if ok && line != "" {
		t.Errorf("line = %q, want empty (pipe alias consumed as realtime, not text)", line)
	}
}

func TestStatusReportRequestIsOneShot(t *testing.T) {
	sys := system.New()
	tr := NewLineTransport(sys)

	tr.Receive(protocol.NewSliceInputBuffer([]byte("?")))
	if !tr.TakeStatusReportRequest() {
		t.Fatal("expected a pending status report request after '?'")
	}
	if tr.TakeStatusReportRequest() {
		t.Error("TakeStatusReportRequest should clear after one read")
	}
}

func TestReceiveConsumesCycleStartAndFeedHoldBytesWithoutALine(t *testing.T) {
	sys := system.New()
	tr := NewLineTransport(sys)

	tr.Receive(protocol.NewSliceInputBuffer([]byte("~")))
	tr.Receive(protocol.NewSliceInputBuffer([]byte("!")))

	// Bit delivery into sys.execState is exercised by system_test.go's own
	// SetExecState tests; here we only confirm these bytes never reach a
	// g-code line.
	if _, ok := tr.TakeLine(); ok {
		t.Error("cycle-start/feed-hold bytes should never produce a line")
	}
}

func TestOverflowLineReportedAsEmptyLine(t *testing.T) {
	sys := system.New()
	tr := NewLineTransport(sys)

	long := make([]byte, MaxLineLength+10)
	for i := range long {
		long[i] = 'X'
	}
	long = append(long, '\n')

	tr.Receive(protocol.NewSliceInputBuffer(long))
	line, ok := tr.TakeLine()
	if !ok {
		t.Fatal("expected an (empty) line to mark the overflow")
	}
	if line != "" {
		t.Errorf("line = %q, want empty for an overflowed line", line)
	}
}

func TestFeedOverrideBytesSetMotionOverrideBits(t *testing.T) {
	sys := system.New()
	tr := NewLineTransport(sys)

	tr.Receive(protocol.NewSliceInputBuffer([]byte{byteFeedCoarsePlus}))
	tr.Receive(protocol.NewSliceInputBuffer([]byte{byteRapid50}))
	tr.Receive(protocol.NewSliceInputBuffer([]byte{byteSpindleStop}))
	// These bits are drained by system.Executor.applyOverrides; this test
	// only confirms Receive doesn't panic and doesn't leak bytes into a
	// g-code line.
	if _, ok := tr.TakeLine(); ok {
		t.Error("realtime override bytes should never produce a line")
	}
}
