//go:build linux

// Raw-mode terminal setup for cmd/cr1ctl's interactive jog console: jog
// keystrokes ($J=) need to reach the program one key at a time, not after
// the line-discipline buffers a whole line and waits for Enter. This has
// nothing to do with the CR1 link itself (that's Port, above) — it's for
// whatever terminal the operator is typing into.
package serial

import "golang.org/x/sys/unix"

// RawMode puts fd (typically os.Stdin.Fd()) into raw mode: no canonical
// line buffering, no echo, no signal-generating control characters. The
// returned restore func puts the original termios settings back and should
// be deferred by the caller.
func RawMode(fd int) (restore func() error, err error) {
	orig, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	raw := *orig
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, err
	}
	return func() error {
		return unix.IoctlSetTermios(fd, unix.TCSETS, orig)
	}, nil
}
