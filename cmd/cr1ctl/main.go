// Command cr1ctl is CR1's host daemon: it owns the serial link to an
// operator's g-code sender and runs the entire firmware stack in-process
// (settings, gcode, mc, planner, stepper, system, limits, spindle) against
// board/sim's simulated hardware until a real board adapter is wired in.
//
// Grounded on host/cmd/gopper-host/main.go's flag-parsing and connect-then-
// loop shape, generalized from "talk to a separate embedded MCU over
// Klipper's binary protocol" to "run the whole motion core locally and
// expose it over CR1's ASCII line protocol" (spec.md §1 pins cmd/cr1ctl's
// existence; SPEC_FULL.md §4 pins the tarm/serial-backed link and this
// package's name).
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"cr1/board"
	"cr1/board/sim"
	"cr1/gcode"
	"cr1/limits"
	"cr1/mc"
	"cr1/planner"
	"cr1/protocol"
	"cr1/report"
	"cr1/scheduler"
	"cr1/serial"
	"cr1/settings"
	"cr1/spindle"
	"cr1/stepper"
	"cr1/system"
)

// version is the banner string printed on connect (report.WelcomeLine).
const version = "1.1h"

var (
	device       = flag.String("device", "", "serial device path (empty: talk over stdin/stdout)")
	baud         = flag.Int("baud", 115200, "baud rate")
	settingsPath = flag.String("settings", "cr1.settings", "path to the persisted settings blob")
)

func main() {
	flag.Parse()

	store := settings.NewFileStore(*settingsPath)
	cfg, err := store.Load()
	if err != nil {
		if !errors.Is(err, settings.ErrNotFound) && !errors.Is(err, settings.ErrVersionMismatch) {
			fmt.Fprintf(os.Stderr, "cr1ctl: settings: %v\n", err)
		}
		cfg = settings.Default()
		if err := store.Save(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "cr1ctl: settings: %v\n", err)
		}
	}

	var port serial.Port
	if *device == "" {
		port = stdioPort{}
	} else {
		port, err = serial.Open(serial.Config{Device: *device, Baud: *baud, ReadTimeout: 50 * time.Millisecond})
		if err != nil {
			fmt.Fprintf(os.Stderr, "cr1ctl: %v\n", err)
			os.Exit(1)
		}
	}
	defer port.Close()

	d := newDaemon(store, cfg)
	io.WriteString(port, report.WelcomeLine(version))
	d.run(port)
}

// daemon bundles the whole motion stack, built from a loaded Settings the
// way newTestController/newTestInterpreter build one from hardcoded test
// values (mc/mc_test.go, gcode/gcode_test.go).
type daemon struct {
	store *settings.FileStore
	cfg   settings.Settings

	board     *sim.Board
	bd        *board.Board
	planner   *planner.Planner
	sched     *scheduler.Scheduler
	stepper   *stepper.Engine
	sys       *system.System
	executor  *system.Executor
	limits    *limits.Limits
	spindle   *spindle.Controller
	mc        *mc.Controller
	interp    *gcode.Interpreter
	transport *serial.LineTransport
}

func newDaemon(store *settings.FileStore, cfg settings.Settings) *daemon {
	b := sim.New()
	bd := &board.Board{Steps: b, Clock: b, Limits: b, Probe: b, Spindle: b}

	pln := planner.New(cfg.ToAxisLimits(), cfg.JunctionDeviation)
	sched := scheduler.New()
	eng := stepper.New(bd, pln, sched)
	sys := system.New()
	spn := spindle.New(b, cfg.ToSpindleSettings())
	exec := system.NewExecutor(sys, pln, eng, spn)

	limSettings := cfg.ToLimitsSettings()
	limSettings.DebounceTicks = board.UsToTicks(uint32(cfg.HomingDebounceDelay) * 1000)
	limSettings.LocateCycles = len(limits.DefaultHomingCycles)
	lim := limits.New(bd, pln, eng, sys, exec, limSettings)

	m := mc.New(bd, pln, eng, sys, exec, lim, spn, cfg.ToMCSettings())
	interp := gcode.New(m, spn, cfg.Acceleration)

	return &daemon{
		store: store, cfg: cfg,
		board: b, bd: bd, planner: pln, sched: sched, stepper: eng,
		sys: sys, executor: exec, limits: lim, spindle: spn, mc: m,
		interp: interp, transport: serial.NewLineTransport(sys),
	}
}

// run is CR1's main loop (spec.md §5): pump bytes from port into the line
// transport, run ExecuteRealtime at every suspension point, then drain
// whatever lines or status requests the transport collected.
func (d *daemon) run(port serial.Port) {
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			d.transport.Receive(protocol.NewSliceInputBuffer(buf[:n]))
		}
		if err != nil && errors.Is(err, io.EOF) {
			return
		}

		d.executor.ExecuteRealtime()

		for {
			line, ok := d.transport.TakeLine()
			if !ok {
				break
			}
			io.WriteString(port, d.respond(line))
		}

		if d.transport.TakeStatusReportRequest() {
			io.WriteString(port, d.statusReport().Format()+"\r\n")
		}
	}
}

// respond executes one g-code line and renders the status/error/alarm
// response it produces (spec.md §6). An empty line marks one that
// overflowed serial.MaxLineLength in the transport.
func (d *daemon) respond(line string) string {
	if line == "" {
		return report.StatusMessage(report.StatusLineLengthExceeded)
	}
	if resp, ok := d.handleSystemCommand(line); ok {
		return resp
	}
	if d.sys.State == system.StateAlarm {
		return report.StatusMessage(report.StatusSystemGCLock)
	}

	err := d.interp.Execute(line)
	switch {
	case err == nil, errors.Is(err, gcode.ErrProgramPaused), errors.Is(err, gcode.ErrProgramEnd):
		return report.StatusMessage(report.StatusOK)
	case errors.Is(err, mc.ErrSoftLimit):
		return report.StatusMessage(report.StatusSoftLimitError)
	case errors.Is(err, mc.ErrProbeFailed):
		return report.AlarmMessage(d.sys.GetAlarm(), d.bd.Limits.Read())
	case errors.Is(err, planner.ErrQueueFull):
		return report.StatusMessage(report.StatusOverflow)
	default:
		return report.StatusMessage(report.StatusGcodeUnsupportedCommand)
	}
}

// statusReport assembles a `?` response from the live stack. SerialFree has
// no meaningful counterpart here: cr1ctl hands each Read's bytes straight to
// the transport rather than holding them in a ring with a fixed capacity,
// so it reports serial.MaxLineLength as a constant upper bound rather than
// fabricating a backlog count.
func (d *daemon) statusReport() report.StatusReport {
	mpos := d.planner.Position()
	wco := d.interp.WCS[d.interp.Modal.CoordSystem]
	wco[0] += d.interp.G92Offset[0]
	wco[1] += d.interp.G92Offset[1]
	wco[2] += d.interp.G92Offset[2]
	limitState := d.bd.Limits.Read()

	accessory := ""
	switch d.spindle.State() {
	case spindle.StateCW, spindle.StateCCW:
		accessory = "S"
	}

	return report.StatusReport{
		State:       d.sys.State,
		MPos:        mpos,
		WCO:         wco,
		PlannerFree: d.planner.GetBlockBufferAvailable(),
		SerialFree:  serial.MaxLineLength,
		Pins: report.PinState{
			LimitX: limitState&1 != 0,
			LimitY: limitState&2 != 0,
			LimitZ: limitState&4 != 0,
			Probe:  d.bd.Probe.ReadProbe(),
		},
		FeedOverride:    d.sys.FeedOverride,
		RapidOverride:   d.sys.RapidOverride,
		SpindleOverride: d.sys.SpindleOverride,
		Accessory:       accessory,
	}
}

// stdioPort lets cr1ctl run with no hardware attached, talking g-code over
// the process's own stdin/stdout the way a developer drives it from a
// terminal before a real device is plugged in.
type stdioPort struct{}

func (stdioPort) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioPort) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioPort) Close() error                { return nil }
func (stdioPort) Flush() error                { return nil }
