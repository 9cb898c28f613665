// LineTransport is CR1's realtime-byte peeler in front of the g-code line
// reader (spec.md §6's serial line protocol, spec.md §4.3's "serial RX ISR
// peels realtime command bytes directly... all other bytes enter a byte-ring
// for the main loop"). Grounded on the teacher's Klipper transport's
// Receive-loop shape (an InputBuffer drained in a loop, classifying bytes
// before handing the rest to a line reader) — that transport's own
// length-prefixed binary framing has no CR1 analogue and was dropped (see
// DESIGN.md); only this loop shape and the protocol.InputBuffer/
// SliceInputBuffer primitives carried over, generalized to Grbl's
// newline-terminated ASCII lines plus single-byte realtime commands peeled
// out of the same stream, never entering the line buffer.
package serial

import (
	"sync/atomic"

	"cr1/protocol"
	"cr1/system"
)

// MaxLineLength is spec.md §6's "up to 80 characters excluding terminator".
const MaxLineLength = 80

const (
	byteSoftReset    byte = 0x18
	byteResetAlias   byte = '|'
	byteStatusReport byte = '?'
	byteCycleStart   byte = '~'
	byteFeedHold     byte = '!'
	byteJogCancel    byte = 0x85

	byteFeedOverrideReset byte = 0x90
	byteFeedCoarsePlus    byte = 0x91
	byteFeedCoarseMinus   byte = 0x92
	byteFeedFinePlus      byte = 0x93
	byteFeedFineMinus     byte = 0x94

	byteRapid100 byte = 0x95
	byteRapid50  byte = 0x96
	byteRapid25  byte = 0x97

	byteSpindleOverrideReset byte = 0x99
	byteSpindleCoarsePlus    byte = 0x9A
	byteSpindleCoarseMinus   byte = 0x9B
	byteSpindleFinePlus      byte = 0x9C
	byteSpindleFineMinus     byte = 0x9D
	byteSpindleStop          byte = 0x9E
)

// LineTransport accumulates incoming bytes into complete g-code lines,
// diverting the realtime command bytes listed in spec.md §6 straight into
// system.System instead of the line buffer.
type LineTransport struct {
	sys *system.System

	lineBuf  []byte
	overflow bool
	lines    []string

	statusRequested uint32 // atomic bool
}

// NewLineTransport creates a transport that reports realtime commands to sys.
func NewLineTransport(sys *system.System) *LineTransport {
	return &LineTransport{sys: sys}
}

// Receive drains every available byte from input, peeling realtime commands
// and assembling line bytes. It always consumes everything input has to
// offer: unlike Klipper's length-prefixed frames, an ASCII line protocol has
// no "wait for more bytes" state beyond the partial line LineTransport
// already holds internally.
func (t *LineTransport) Receive(input protocol.InputBuffer) {
	data := input.Data()
	for _, b := range data {
		t.feedByte(b)
	}
	input.Pop(len(data))
}

func (t *LineTransport) feedByte(b byte) {
	switch b {
	case byteSoftReset, byteResetAlias:
		t.sys.SetExecState(system.ExecStateReset)
	case byteStatusReport:
		t.sys.SetExecState(system.ExecStateStatusReport)
		atomic.StoreUint32(&t.statusRequested, 1)
	case byteCycleStart:
		t.sys.SetExecState(system.ExecStateCycleStart)
	case byteFeedHold:
		t.sys.SetExecState(system.ExecStateFeedHold)
	case byteJogCancel:
		t.sys.SetExecState(system.ExecStateMotionCancel)

	case byteFeedOverrideReset:
		t.sys.SetMotionOverride(system.OverrideFeedReset)
	case byteFeedCoarsePlus:
		t.sys.SetMotionOverride(system.OverrideFeedCoarsePlus)
	case byteFeedCoarseMinus:
		t.sys.SetMotionOverride(system.OverrideFeedCoarseMinus)
	case byteFeedFinePlus:
		t.sys.SetMotionOverride(system.OverrideFeedFinePlus)
	case byteFeedFineMinus:
		t.sys.SetMotionOverride(system.OverrideFeedFineMinus)

	case byteRapid100:
		t.sys.SetMotionOverride(system.OverrideRapid100)
	case byteRapid50:
		t.sys.SetMotionOverride(system.OverrideRapid50)
	case byteRapid25:
		t.sys.SetMotionOverride(system.OverrideRapid25)

	case byteSpindleOverrideReset:
		t.sys.SetAccessoryOverride(system.OverrideSpindleReset)
	case byteSpindleCoarsePlus:
		t.sys.SetAccessoryOverride(system.OverrideSpindleCoarsePlus)
	case byteSpindleCoarseMinus:
		t.sys.SetAccessoryOverride(system.OverrideSpindleCoarseMinus)
	case byteSpindleFinePlus:
		t.sys.SetAccessoryOverride(system.OverrideSpindleFinePlus)
	case byteSpindleFineMinus:
		t.sys.SetAccessoryOverride(system.OverrideSpindleFineMinus)
	case byteSpindleStop:
		t.sys.SetAccessoryOverride(system.OverrideSpindleStop)

	case '\n':
		t.closeLine()
	case '\r':
		// swallowed; '\n' closes the line regardless of a preceding '\r'
	default:
		if len(t.lineBuf) >= MaxLineLength {
			t.overflow = true
			return
		}
		t.lineBuf = append(t.lineBuf, b)
	}
}

func (t *LineTransport) closeLine() {
	if t.overflow {
		t.lines = append(t.lines, "")
		t.overflow = false
	} else if len(t.lineBuf) > 0 {
		t.lines = append(t.lines, string(t.lineBuf))
	}
	t.lineBuf = t.lineBuf[:0]
}

// TakeLine returns the oldest complete line not yet delivered, and whether
// one was available. An empty string with ok true marks a line that
// overflowed MaxLineLength (spec.md's StatusLineLengthExceeded case) — the
// caller reports that status code rather than trying to execute it as
// g-code.
func (t *LineTransport) TakeLine() (string, bool) {
	if len(t.lines) == 0 {
		return "", false
	}
	line := t.lines[0]
	t.lines = t.lines[1:]
	return line, true
}

// TakeStatusReportRequest reports and clears whether '?' arrived since the
// last call. system.ExecuteRealtime pops and discards ExecStateStatusReport
// without acting on it (producing the status text is this package's job,
// not the executor's), so the caller polls this alongside ExecuteRealtime
// rather than through the exec-state word.
func (t *LineTransport) TakeStatusReportRequest() bool {
	return atomic.SwapUint32(&t.statusRequested, 0) != 0
}
